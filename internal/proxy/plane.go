// Package proxy implements the two proxy-plane modes from spec.md §4.H:
// ProxyAllCalls rewrites every nextUri to point back at trino-lb and
// detects terminal state on each poll; ProxyFirstCall only proxies the
// initial submission and relies on the Trino HTTP event listener for
// completion signals. New code (the teacher never proxies a wire
// protocol verbatim); grounded on internal/trinoclient's http.Client and
// internal/observability's logger for terminal-state logging.
package proxy

import (
	"context"
	"time"

	"github.com/stackabletech/trino-lb/internal/clusterstate"
	"github.com/stackabletech/trino-lb/internal/counter"
	"github.com/stackabletech/trino-lb/internal/lberrors"
	"github.com/stackabletech/trino-lb/internal/observability"
	"github.com/stackabletech/trino-lb/internal/persistence"
	"github.com/stackabletech/trino-lb/internal/trinoclient"
)

// Mode selects which proxy-plane strategy handles a delivered query.
type Mode string

const (
	ProxyAllCalls   Mode = "ProxyAllCalls"
	ProxyFirstCall  Mode = "ProxyFirstCall"
)

// Plane drives the client-visible poll/cancel lifecycle for delivered
// queries, decrementing the owning cluster's counter exactly once per
// query regardless of how termination was observed.
type Plane struct {
	mode     Mode
	store    persistence.Store
	trino    *trinoclient.Client
	counter  *counter.Manager
	registry *clusterstate.Registry
	logger   observability.QueryLogger
}

// New creates a proxy plane in the given mode. registry resolves a
// delivered query's owning cluster back to its endpoint/credentials for
// every Follow/Cancel call, not just the initial submission.
func New(mode Mode, store persistence.Store, trino *trinoclient.Client, counterMgr *counter.Manager, registry *clusterstate.Registry, logger observability.QueryLogger) *Plane {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &Plane{mode: mode, store: store, trino: trino, counter: counterMgr, registry: registry, logger: logger}
}

// clusterConfig resolves the ClusterConfig (endpoint + credentials) a
// delivered query was dispatched to, so every follow-up call to Trino
// forwards the same Basic-Auth/X-Trino-User credentials the initial
// submission used, per spec.md §6.
func (p *Plane) clusterConfig(d persistence.DeliveredQuery) (trinoclient.ClusterConfig, error) {
	snap, ok := p.registry.Snapshot(d.Group, d.Cluster)
	if !ok {
		return trinoclient.ClusterConfig{}, lberrors.New(lberrors.KindRouting, "proxy: unknown cluster "+d.Group+"/"+d.Cluster+" for delivered query "+d.ID)
	}
	return trinoclient.ClusterConfig{Endpoint: snap.Endpoint, Username: snap.Username, Password: snap.Password}, nil
}

// Deliver persists a DeliveredQuery after a successful submission and
// returns the client-facing nextUri, already rewritten according to
// mode: under ProxyAllCalls it points back at trino-lb keyed by the
// delivered id; under ProxyFirstCall it is the real Trino nextUri
// unchanged.
func (p *Plane) Deliver(ctx context.Context, group, cluster string, resp *trinoclient.StatementResponse, selfBaseURL string) (string, error) {
	err := p.store.DeliveredPut(ctx, persistence.DeliveredQuery{
		ID: resp.ID, Group: group, Cluster: cluster, RealQueryID: resp.ID,
		NextURI: resp.NextURI, DeliveredAt: time.Now(),
	})
	if err != nil {
		return "", err
	}

	if p.mode == ProxyFirstCall {
		return resp.NextURI, nil
	}
	return selfBaseURL + "/v1/statement/queued/" + resp.ID + "/delivered/0", nil
}

// Follow proxies one poll of a delivered query under ProxyAllCalls,
// fetching the real nextUri from Trino, rewriting it to point back at
// trino-lb, and decrementing the counter exactly once if the response
// reports a terminal state.
func (p *Plane) Follow(ctx context.Context, id string, headers map[string][]string, selfBaseURL string) (*trinoclient.StatementResponse, error) {
	d, err := p.store.DeliveredGet(ctx, id)
	if err != nil {
		return nil, err
	}

	cluster, err := p.clusterConfig(d)
	if err != nil {
		return nil, err
	}
	resp, err := p.trino.Follow(ctx, cluster, d.NextURI, headers)
	if err != nil {
		return nil, err
	}

	if trinoclient.IsTerminal(resp.Stats.State) {
		if err := p.finalize(ctx, &d); err != nil {
			return nil, err
		}
	} else if resp.NextURI != "" {
		d.NextURI = resp.NextURI // keep the real Trino nextUri for the next hop
		_ = p.store.DeliveredPut(ctx, d)
		resp.NextURI = selfBaseURL + "/v1/statement/queued/" + id + "/delivered/0"
	}

	return resp, nil
}

// Cancel best-effort cancels a delivered query at Trino and releases its
// slot immediately, matching spec.md §5's "client disconnect cancels the
// proxy task; best-effort DELETE to Trino".
func (p *Plane) Cancel(ctx context.Context, id string, headers map[string][]string) error {
	d, err := p.store.DeliveredGet(ctx, id)
	if err != nil {
		return err
	}

	if cluster, err := p.clusterConfig(d); err == nil {
		_ = p.trino.Cancel(ctx, cluster, d.NextURI, headers) // best-effort; cancellation proceeds regardless
	}

	return p.finalize(ctx, &d)
}

// HandleEventListenerCompletion is invoked by the admission server's
// POST /v1/trino-event-listener handler (ProxyFirstCall mode) when Trino
// reports query-completed.
func (p *Plane) HandleEventListenerCompletion(ctx context.Context, realQueryID string) error {
	d, err := p.store.DeliveredGet(ctx, realQueryID)
	if err != nil {
		return nil // unknown query id: not ours, or already finalized; not an error
	}
	return p.finalize(ctx, &d)
}

// finalize decrements the owning cluster's counter and removes the
// DeliveredQuery. It is idempotent via the Decremented flag, since both
// the proxy stream and the event listener may independently observe
// termination of the same query.
func (p *Plane) finalize(ctx context.Context, d *persistence.DeliveredQuery) error {
	if d.Decremented {
		return p.store.DeliveredRemove(ctx, d.ID)
	}
	if err := p.counter.Decrement(ctx, d.Group, d.Cluster); err != nil {
		return lberrors.Wrap(lberrors.KindPersistenceTransient, "proxy: decrement on finalize", err).AsRetryable()
	}
	d.Decremented = true
	if err := p.store.DeliveredPut(ctx, *d); err != nil {
		return err
	}

	p.logger.LogQuery(observability.QueryLogEntry{
		QueryID: d.ID, ClusterGroup: d.Group, Cluster: d.Cluster, Outcome: "delivered",
	})

	return p.store.DeliveredRemove(ctx, d.ID)
}
