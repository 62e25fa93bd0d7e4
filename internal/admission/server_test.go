package admission

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stackabletech/trino-lb/internal/clusterstate"
	"github.com/stackabletech/trino-lb/internal/counter"
	"github.com/stackabletech/trino-lb/internal/observability"
	"github.com/stackabletech/trino-lb/internal/persistence/memory"
	"github.com/stackabletech/trino-lb/internal/proxy"
	"github.com/stackabletech/trino-lb/internal/queued"
	"github.com/stackabletech/trino-lb/internal/router"
	"github.com/stackabletech/trino-lb/internal/trinoclient"
)

// fakeCoordinator emulates just enough of Trino's statement protocol for
// the admission server's submit/poll/cancel paths to exercise a full
// round trip: one submit returns a running query with one more nextUri
// hop, the second poll reports FINISHED. It also records whether every
// call after the initial submit still carried Basic-Auth, since that is
// the one thing the proxy plane must forward on its own (the statement
// client sets it on submit; everything after goes through Follow/Cancel).
type fakeCoordinator struct {
	polls           int
	sawAuthOnFollow bool
	sawAuthOnCancel bool
}

func newFakeCoordinator(t *testing.T) (*httptest.Server, *fakeCoordinator) {
	t.Helper()
	fc := &fakeCoordinator{}
	mux := http.NewServeMux()
	var srv *httptest.Server

	mux.HandleFunc("POST /v1/statement", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(trinoclient.StatementResponse{
			ID:      "real-query-1",
			InfoURI: srv.URL + "/ui/query.html?real-query-1",
			NextURI: srv.URL + "/v1/statement/executing/real-query-1/1",
			Stats:   trinoclient.Stats{State: "RUNNING"},
		})
	})
	mux.HandleFunc("GET /v1/statement/executing/real-query-1/1", func(w http.ResponseWriter, r *http.Request) {
		fc.polls++
		if _, _, ok := r.BasicAuth(); ok {
			fc.sawAuthOnFollow = true
		}
		json.NewEncoder(w).Encode(trinoclient.StatementResponse{
			ID:      "real-query-1",
			InfoURI: srv.URL + "/ui/query.html?real-query-1",
			Stats:   trinoclient.Stats{State: "FINISHED"},
		})
	})
	mux.HandleFunc("DELETE /v1/statement/executing/real-query-1/1", func(w http.ResponseWriter, r *http.Request) {
		if _, _, ok := r.BasicAuth(); ok {
			fc.sawAuthOnCancel = true
		}
		w.WriteHeader(http.StatusNoContent)
	})

	srv = httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, fc
}

func newTestServer(t *testing.T, maxRunningQueries int) (*Server, *httptest.Server, *fakeCoordinator) {
	t.Helper()
	coord, fc := newFakeCoordinator(t)

	store := memory.New()
	registry := clusterstate.NewRegistry(store)
	registry.Register(clusterstate.Cluster{Group: "default", Name: "c1", Endpoint: coord.URL, Username: "alice", Password: "secret"})

	trino := trinoclient.New(5 * time.Second)
	counterMgr := counter.New(store, registry, trino, nil)
	queuedEngine := queued.New(store)
	proxyPlane := proxy.New(proxy.ProxyAllCalls, store, trino, counterMgr, registry, observability.NewNoopLogger())

	chain := router.NewChain(nil, map[string]bool{"default": true}, "default")

	groups := map[string]GroupConfig{
		"default": {
			MaxRunningQueries: maxRunningQueries,
			Clusters:          map[string]trinoclient.ClusterConfig{"c1": {Endpoint: coord.URL, Username: "alice", Password: "secret"}},
		},
	}

	server := New(chain, counterMgr, queuedEngine, proxyPlane, trino, observability.NewNoopLogger(), groups, "http://trino-lb.local")
	return server, coord, fc
}

func TestSubmitAndPollToCompletion(t *testing.T) {
	server, _, fc := newTestServer(t, 10)

	submitReq := httptest.NewRequest(http.MethodPost, "/v1/statement", newStatementBody("select 1"))
	submitRec := httptest.NewRecorder()
	server.ServeHTTP(submitRec, submitReq)

	if submitRec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", submitRec.Code, submitRec.Body.String())
	}
	var resp trinoclient.StatementResponse
	if err := json.Unmarshal(submitRec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode submit response: %v", err)
	}
	if resp.ID != "real-query-1" {
		t.Fatalf("expected real query id, got %q", resp.ID)
	}
	if resp.NextURI == "" {
		t.Fatal("expected a nextUri rewritten to point back at trino-lb")
	}

	pollReq := httptest.NewRequest(http.MethodGet, resp.NextURI, nil)
	pollRec := httptest.NewRecorder()
	server.ServeHTTP(pollRec, pollReq)

	if pollRec.Code != http.StatusOK {
		t.Fatalf("expected 200 on poll, got %d: %s", pollRec.Code, pollRec.Body.String())
	}
	var polled trinoclient.StatementResponse
	if err := json.Unmarshal(pollRec.Body.Bytes(), &polled); err != nil {
		t.Fatalf("decode poll response: %v", err)
	}
	if polled.Stats.State != "FINISHED" {
		t.Fatalf("expected FINISHED, got %q", polled.Stats.State)
	}
	if !fc.sawAuthOnFollow {
		t.Fatal("expected the cluster credentials to be forwarded on the follow-up poll, not just the initial submit")
	}
}

func TestSubmitQueuesWhenClusterAtCapacity(t *testing.T) {
	server, _, _ := newTestServer(t, 0)

	submitReq := httptest.NewRequest(http.MethodPost, "/v1/statement", newStatementBody("select 1"))
	submitRec := httptest.NewRecorder()
	server.ServeHTTP(submitRec, submitReq)

	if submitRec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", submitRec.Code, submitRec.Body.String())
	}
	var resp trinoclient.StatementResponse
	if err := json.Unmarshal(submitRec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode submit response: %v", err)
	}
	if resp.Stats.State != "QUEUED_IN_TRINO_LB" {
		t.Fatalf("expected the synthesized queued state, got %q", resp.Stats.State)
	}
	if submitRec.Header().Get("Retry-After") == "" {
		t.Fatal("expected a Retry-After header on a queued response")
	}
}

func TestCancelDelivered(t *testing.T) {
	server, _, fc := newTestServer(t, 10)

	submitReq := httptest.NewRequest(http.MethodPost, "/v1/statement", newStatementBody("select 1"))
	submitRec := httptest.NewRecorder()
	server.ServeHTTP(submitRec, submitReq)

	var resp trinoclient.StatementResponse
	json.Unmarshal(submitRec.Body.Bytes(), &resp)

	cancelReq := httptest.NewRequest(http.MethodDelete, "/v1/statement/"+resp.ID, nil)
	cancelRec := httptest.NewRecorder()
	server.ServeHTTP(cancelRec, cancelReq)

	if cancelRec.Code != http.StatusNoContent {
		t.Fatalf("expected 204 on cancel, got %d: %s", cancelRec.Code, cancelRec.Body.String())
	}
	if !fc.sawAuthOnCancel {
		t.Fatal("expected the cluster credentials to be forwarded on cancel")
	}
}

func TestCancelNeverSubmittedQueuedQuery(t *testing.T) {
	server, _, _ := newTestServer(t, 0)

	submitReq := httptest.NewRequest(http.MethodPost, "/v1/statement", newStatementBody("select 1"))
	submitRec := httptest.NewRecorder()
	server.ServeHTTP(submitRec, submitReq)

	var resp trinoclient.StatementResponse
	json.Unmarshal(submitRec.Body.Bytes(), &resp)

	cancelReq := httptest.NewRequest(http.MethodDelete, "/v1/statement/"+resp.ID, nil)
	cancelRec := httptest.NewRecorder()
	server.ServeHTTP(cancelRec, cancelReq)

	if cancelRec.Code != http.StatusNoContent {
		t.Fatalf("expected 204 cancelling a still-queued query, got %d: %s", cancelRec.Code, cancelRec.Body.String())
	}
}

func TestReadyz(t *testing.T) {
	server, _, _ := newTestServer(t, 10)

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func newStatementBody(sql string) io.Reader {
	return strings.NewReader(sql)
}
