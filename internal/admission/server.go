// Package admission implements the client-facing HTTP surface: statement
// submission, queued/delivered polling, cancellation, and the Trino HTTP
// event-listener ingest endpoint. Grounded on cmd/gateway/main.go's plain
// net/http.Server usage (the teacher never reaches for a third-party
// router; Go 1.22+ ServeMux pattern routing now covers path parameters,
// so neither do we) and internal/status/status.go's readiness-check shape
// for /readyz.
package admission

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/stackabletech/trino-lb/internal/counter"
	"github.com/stackabletech/trino-lb/internal/lberrors"
	"github.com/stackabletech/trino-lb/internal/observability"
	"github.com/stackabletech/trino-lb/internal/proxy"
	"github.com/stackabletech/trino-lb/internal/queued"
	"github.com/stackabletech/trino-lb/internal/router"
	"github.com/stackabletech/trino-lb/internal/trinoclient"
)

// GroupConfig is what the admission server needs to know about one
// cluster group at request time.
type GroupConfig struct {
	MaxRunningQueries int
	Clusters          map[string]trinoclient.ClusterConfig
}

// Server implements the four endpoints from spec.md §4.F.
type Server struct {
	mux *http.ServeMux

	chain   *router.Chain
	counter *counter.Manager
	queued  *queued.Engine
	proxy   *proxy.Plane
	trino   *trinoclient.Client
	logger  observability.QueryLogger

	groups      map[string]GroupConfig
	selfBaseURL string
}

// New wires a Server. groups maps cluster-group name to its config.
func New(
	chain *router.Chain,
	counterMgr *counter.Manager,
	queuedEngine *queued.Engine,
	proxyPlane *proxy.Plane,
	trino *trinoclient.Client,
	logger observability.QueryLogger,
	groups map[string]GroupConfig,
	selfBaseURL string,
) *Server {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	s := &Server{
		chain: chain, counter: counterMgr, queued: queuedEngine, proxy: proxyPlane,
		trino: trino, logger: logger, groups: groups, selfBaseURL: selfBaseURL,
	}
	s.mux = http.NewServeMux()
	s.mux.HandleFunc("POST /v1/statement", s.handleSubmit)
	s.mux.HandleFunc("GET /v1/statement/queued/{id}/{token}/{seq}", s.handlePoll)
	s.mux.HandleFunc("DELETE /v1/statement/{id}", s.handleCancel)
	s.mux.HandleFunc("POST /v1/trino-event-listener", s.handleEventListener)
	s.mux.HandleFunc("GET /readyz", s.handleReady)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	statement, err := io.ReadAll(r.Body)
	if err != nil {
		writeTrinoError(w, http.StatusBadRequest, lberrors.Wrap(lberrors.KindProtocol, "admission: read statement body", err))
		return
	}

	decision := s.chain.Classify(ctx, router.Request{Statement: string(statement), Headers: r.Header})
	group, ok := s.groups[decision.Group]
	if !ok {
		writeTrinoError(w, http.StatusInternalServerError, lberrors.New(lberrors.KindConfig, "admission: routed to unconfigured group "+decision.Group))
		return
	}

	now := time.Now()
	virtualID := queued.NewVirtualID(now)

	res, reserveErr := s.counter.Reserve(ctx, decision.Group, group.MaxRunningQueries, virtualID)
	if reserveErr == counter.ErrMustQueue {
		if err := s.queued.Enqueue(ctx, virtualID, decision.Group, string(statement), r.Header, now); err != nil {
			writeTrinoError(w, http.StatusInternalServerError, err)
			return
		}
		writeQueuedResponse(w, virtualID, s.selfBaseURL)
		s.logger.LogQuery(observability.QueryLogEntry{QueryID: virtualID, ClusterGroup: decision.Group, Router: decision.Router, Outcome: "queued"})
		return
	}
	if reserveErr != nil {
		writeTrinoError(w, http.StatusInternalServerError, reserveErr)
		return
	}

	cluster := group.Clusters[res.Cluster.Name]
	resp, err := s.trino.Submit(ctx, cluster, string(statement), r.Header)
	if err != nil {
		_ = s.counter.Release(ctx, res)
		writeTrinoError(w, http.StatusBadGateway, err)
		return
	}

	nextURI, err := s.proxy.Deliver(ctx, decision.Group, res.Cluster.Name, resp, s.selfBaseURL)
	if err != nil {
		writeTrinoError(w, http.StatusInternalServerError, err)
		return
	}
	resp.NextURI = nextURI

	s.logger.LogQuery(observability.QueryLogEntry{QueryID: resp.ID, ClusterGroup: decision.Group, Cluster: res.Cluster.Name, Router: decision.Router, Outcome: "delivered", Duration: time.Since(now)})
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")
	token := r.PathValue("token")
	seq := r.PathValue("seq")
	_ = seq

	if token == "delivered" {
		resp, err := s.proxy.Follow(ctx, id, r.Header, s.selfBaseURL)
		if err != nil {
			writeTrinoError(w, http.StatusBadGateway, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
		return
	}

	now := time.Now()
	q, backoff, err := s.queued.Poll(ctx, id, now)
	if err != nil {
		writeTrinoError(w, http.StatusNotFound, err)
		return
	}

	groupCfg, ok := s.groups[q.Group]
	if !ok {
		writeTrinoError(w, http.StatusInternalServerError, lberrors.New(lberrors.KindConfig, "admission: queued query references unconfigured group"))
		return
	}

	res, reserveErr := s.counter.Reserve(ctx, q.Group, groupCfg.MaxRunningQueries, id)
	if reserveErr == counter.ErrMustQueue {
		writeQueuedResponseWithBackoff(w, id, s.selfBaseURL, backoff)
		return
	}
	if reserveErr != nil {
		writeTrinoError(w, http.StatusInternalServerError, reserveErr)
		return
	}

	cluster := groupCfg.Clusters[res.Cluster.Name]
	resp, err := s.trino.Submit(ctx, cluster, q.Statement, q.Headers)
	if err != nil {
		_ = s.counter.Release(ctx, res)
		writeQueuedResponseWithBackoff(w, id, s.selfBaseURL, backoff)
		return
	}

	if err := s.queued.Promote(ctx, id); err != nil {
		writeTrinoError(w, http.StatusInternalServerError, err)
		return
	}

	nextURI, err := s.proxy.Deliver(ctx, q.Group, res.Cluster.Name, resp, s.selfBaseURL)
	if err != nil {
		writeTrinoError(w, http.StatusInternalServerError, err)
		return
	}
	// resp.ID is now the coordinator's real query id; the client follows
	// nextURI from here on, so the virtual id is never referenced again.
	resp.NextURI = nextURI
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	if wasQueued, err := s.queued.CancelQueued(ctx, id); err != nil {
		writeTrinoError(w, http.StatusInternalServerError, err)
		return
	} else if wasQueued {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if err := s.proxy.Cancel(ctx, id, r.Header); err != nil {
		writeTrinoError(w, http.StatusBadGateway, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// eventListenerPayload is the minimal subset of Trino's HTTP event
// listener QueryCompletedEvent this ingest needs.
type eventListenerPayload struct {
	QueryID string `json:"queryId"`
	Event   string `json:"eventType"` // "QUERY_COMPLETED" in practice
}

func (s *Server) handleEventListener(w http.ResponseWriter, r *http.Request) {
	ctx := observability.ExtractTraceContext(r.Context(), r.Header)
	var payload eventListenerPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeTrinoError(w, http.StatusBadRequest, lberrors.Wrap(lberrors.KindProtocol, "admission: decode event listener payload", err))
		return
	}

	if err := s.proxy.HandleEventListenerCompletion(ctx, payload.QueryID); err != nil {
		writeTrinoError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeTrinoError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": lberrors.ToTrinoError(err)})
}

func writeQueuedResponse(w http.ResponseWriter, id, selfBaseURL string) {
	writeQueuedResponseWithBackoff(w, id, selfBaseURL, 100*time.Millisecond)
}

func writeQueuedResponseWithBackoff(w http.ResponseWriter, id, selfBaseURL string, backoff time.Duration) {
	w.Header().Set("Retry-After", strconv.Itoa(int(backoff.Seconds())))
	writeJSON(w, http.StatusOK, trinoclient.StatementResponse{
		ID:      id,
		InfoURI: selfBaseURL + "/ui/query.html?" + id,
		NextURI: selfBaseURL + "/v1/statement/queued/" + id + "/queued/0",
		Stats:   trinoclient.Stats{State: "QUEUED_IN_TRINO_LB"},
	})
}
