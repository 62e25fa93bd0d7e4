// Package trinoclient implements typed HTTP calls against a Trino
// coordinator's statement protocol: submit a statement, follow a
// nextUri, cancel a running query. This is hand-rolled net/http rather
// than database/sql, because the proxy plane needs the exact
// nextUri/infoUri envelope and must pass data/columns through as opaque
// JSON blobs rather than decode them row by row — a SQL driver's row
// iterator can't give us that. The EXPLAIN-cost estimation path is a
// genuinely one-shot scalar query and goes through database/sql instead;
// see internal/router/explaincosts.go.
package trinoclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/stackabletech/trino-lb/internal/lberrors"
	"github.com/stackabletech/trino-lb/internal/observability"
)

// StatementResponse mirrors the fields of Trino's statement-protocol
// response envelope that trino-lb needs to inspect or rewrite. Fields it
// doesn't need to inspect (data, columns) are kept as raw JSON so they
// pass through untouched and uncopied in spirit.
type StatementResponse struct {
	ID       string          `json:"id"`
	InfoURI  string          `json:"infoUri"`
	NextURI  string          `json:"nextUri,omitempty"`
	Stats    Stats           `json:"stats"`
	Columns  json.RawMessage `json:"columns,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
	Error    *StatementError `json:"error,omitempty"`

	// Raw holds the full decoded response body as a generic map so callers
	// that need to re-marshal with surgical field replacement (nextUri
	// rewriting) don't have to reconstruct unknown fields by hand.
	Raw map[string]json.RawMessage `json:"-"`
}

// Stats mirrors Trino's statement-protocol stats object closely enough
// to read the query state.
type Stats struct {
	State string `json:"state"`
}

// StatementError mirrors Trino's error object shape.
type StatementError struct {
	Message       string `json:"message"`
	ErrorCode     int    `json:"errorCode"`
	ErrorName     string `json:"errorName"`
	ErrorType     string `json:"errorType"`
}

// Trino query states trino-lb inspects; of these only FINISHED, FAILED and
// CANCELED are terminal (see IsTerminal).
const (
	StateFinished = "FINISHED"
	StateFailed   = "FAILED"
	StateCanceled = "CANCELED"
	StateQueued   = "QUEUED"
)

// IsTerminal reports whether state is one Trino will never transition out of.
func IsTerminal(state string) bool {
	switch state {
	case StateFinished, StateFailed, StateCanceled:
		return true
	default:
		return false
	}
}

// ClusterConfig describes how to reach one Trino coordinator.
type ClusterConfig struct {
	Endpoint string
	Username string
	Password string
}

// Client issues statement-protocol requests against Trino coordinators.
type Client struct {
	httpClient *http.Client
}

// New creates a client with the given per-request timeout.
func New(timeout time.Duration) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *Client) do(ctx context.Context, method, url string, body io.Reader, headers map[string][]string, cluster ClusterConfig) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, lberrors.Wrap(lberrors.KindProtocol, "trinoclient: build request", err)
	}
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if body != nil {
		req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	}
	if cluster.Username != "" {
		req.Header.Set("X-Trino-User", cluster.Username)
	}
	if cluster.Password != "" {
		req.SetBasicAuth(cluster.Username, cluster.Password)
	}

	observability.InjectTraceContext(ctx, req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, lberrors.Wrap(lberrors.KindTrinoProxy, "trinoclient: request to Trino failed", err).AsRetryable()
	}
	return resp, nil
}

// Submit issues POST /v1/statement against cluster and returns the parsed
// response, including the coordinator-assigned query id.
func (c *Client) Submit(ctx context.Context, cluster ClusterConfig, statement string, headers map[string][]string) (*StatementResponse, error) {
	url := cluster.Endpoint + "/v1/statement"
	resp, err := c.do(ctx, http.MethodPost, url, bytes.NewBufferString(statement), headers, cluster)
	if err != nil {
		return nil, lberrors.Wrap(lberrors.KindTrinoSubmission, "trinoclient: submit statement", err)
	}
	defer resp.Body.Close()

	return decodeStatementResponse(resp)
}

// Follow issues GET nextURI and returns the parsed response.
func (c *Client) Follow(ctx context.Context, cluster ClusterConfig, nextURI string, headers map[string][]string) (*StatementResponse, error) {
	resp, err := c.do(ctx, http.MethodGet, nextURI, nil, headers, cluster)
	if err != nil {
		return nil, lberrors.Wrap(lberrors.KindTrinoProxy, "trinoclient: follow nextUri", err)
	}
	defer resp.Body.Close()

	return decodeStatementResponse(resp)
}

// Cancel issues DELETE against infoURI (or a query-specific delete URI).
func (c *Client) Cancel(ctx context.Context, cluster ClusterConfig, deleteURI string, headers map[string][]string) error {
	resp, err := c.do(ctx, http.MethodDelete, deleteURI, nil, headers, cluster)
	if err != nil {
		return lberrors.Wrap(lberrors.KindTrinoProxy, "trinoclient: cancel query", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusNoContent {
		return lberrors.New(lberrors.KindTrinoProxy, fmt.Sprintf("trinoclient: cancel returned status %d", resp.StatusCode))
	}
	return nil
}

// ActiveQuery is one row of Trino's /v1/query listing, trimmed to the
// fields reconciliation needs.
type ActiveQuery struct {
	QueryID string `json:"queryId"`
	State   string `json:"state"`
}

// ActiveQueries lists currently-tracked queries on cluster, for
// reconciliation against DeliveredQuery records.
func (c *Client) ActiveQueries(ctx context.Context, cluster ClusterConfig) ([]ActiveQuery, error) {
	url := cluster.Endpoint + "/v1/query"
	resp, err := c.do(ctx, http.MethodGet, url, nil, nil, cluster)
	if err != nil {
		return nil, lberrors.Wrap(lberrors.KindTrinoProxy, "trinoclient: list active queries", err).AsRetryable()
	}
	defer resp.Body.Close()

	var queries []ActiveQuery
	if err := json.NewDecoder(resp.Body).Decode(&queries); err != nil {
		return nil, lberrors.Wrap(lberrors.KindProtocol, "trinoclient: decode active queries", err)
	}
	return queries, nil
}

func decodeStatementResponse(resp *http.Response) (*StatementResponse, error) {
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, lberrors.Wrap(lberrors.KindTrinoProxy, "trinoclient: read response body", err).AsRetryable()
	}

	if resp.StatusCode >= 400 {
		return nil, lberrors.New(lberrors.KindTrinoProxy, fmt.Sprintf("trinoclient: coordinator returned status %d: %s", resp.StatusCode, string(data)))
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, lberrors.Wrap(lberrors.KindProtocol, "trinoclient: malformed statement response", err)
	}

	var sr StatementResponse
	if err := json.Unmarshal(data, &sr); err != nil {
		return nil, lberrors.Wrap(lberrors.KindProtocol, "trinoclient: malformed statement response", err)
	}
	sr.Raw = raw
	return &sr, nil
}
