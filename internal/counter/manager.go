// Package counter implements the authoritative per-cluster in-flight
// query count: CAS-based admission reservation, idempotent release, and
// periodic reconciliation against Trino's own view of active queries.
// Generalized from the teacher's internal/adapters/retry.go ExecuteWithRetry
// shape — there it retries a whole operation; here it retries a CAS
// attempt against a freshly re-read counter each time.
package counter

import (
	"context"
	"time"

	"github.com/dgryski/go-rendezvous"

	"github.com/stackabletech/trino-lb/internal/clusterstate"
	"github.com/stackabletech/trino-lb/internal/lberrors"
	"github.com/stackabletech/trino-lb/internal/metrics"
	"github.com/stackabletech/trino-lb/internal/persistence"
	"github.com/stackabletech/trino-lb/internal/trinoclient"
)

const maxCASAttempts = 5

// Manager is the query counter manager for one trino-lb replica.
type Manager struct {
	store    persistence.Store
	registry *clusterstate.Registry
	trino    *trinoclient.Client
	metrics  metrics.Recorder
}

// New creates a counter manager.
func New(store persistence.Store, registry *clusterstate.Registry, trino *trinoclient.Client, rec metrics.Recorder) *Manager {
	if rec == nil {
		rec = metrics.Noop{}
	}
	return &Manager{store: store, registry: registry, trino: trino, metrics: rec}
}

// Reservation is a successfully reserved admission slot.
type Reservation struct {
	Group            string
	Cluster          clusterstate.Snapshot
	reservedAtCount  int
}

// ErrMustQueue is returned by Reserve when no cluster can currently admit
// the query; callers should fall back to the queued-query path.
var ErrMustQueue = lberrors.New(lberrors.KindRouting, "counter: no cluster available for admission, must queue")

// Reserve runs the admission algorithm from spec.md §4.D for group:
// among Ready clusters tied at the minimum in-flight count, pick one via
// rendezvous hashing keyed on attemptToken so the choice is deterministic
// per attempt but spreads load across replicas, then CAS its counter up.
// attemptToken should be unique per logical admission attempt (e.g. the
// virtual or real query id) so retries of the SAME attempt keep picking
// the same candidate pool ordering.
func (m *Manager) Reserve(ctx context.Context, group string, maxRunningQueries int, attemptToken string) (*Reservation, error) {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		ready := m.registry.Ready(group)
		if len(ready) == 0 {
			m.metrics.AdmissionDecided(group, "queued")
			return nil, ErrMustQueue
		}

		counts := make(map[string]int, len(ready))
		min := -1
		for _, c := range ready {
			v, err := m.store.CounterGet(ctx, group, c.Name)
			if err != nil {
				return nil, lberrors.Wrap(lberrors.KindPersistenceTransient, "counter: read counter", err).AsRetryable()
			}
			counts[c.Name] = v
			if min == -1 || v < min {
				min = v
			}
		}

		if min >= maxRunningQueries {
			m.metrics.AdmissionDecided(group, "queued")
			return nil, ErrMustQueue
		}

		var candidateNames []string
		candidateByName := make(map[string]clusterstate.Snapshot, len(ready))
		for _, c := range ready {
			if counts[c.Name] == min {
				candidateNames = append(candidateNames, c.Name)
				candidateByName[c.Name] = c
			}
		}

		chosen := pickCandidate(candidateNames, attemptToken)
		cluster := candidateByName[chosen]

		ok, err := m.store.CounterCAS(ctx, group, chosen, min, min+1)
		if err != nil {
			return nil, lberrors.Wrap(lberrors.KindPersistenceTransient, "counter: cas", err).AsRetryable()
		}
		if !ok {
			continue // someone else won this slot; re-read and retry
		}

		m.metrics.AdmissionDecided(group, "delivered")
		m.metrics.ClusterCounter(group, chosen, min+1)
		return &Reservation{Group: group, Cluster: cluster, reservedAtCount: min}, nil
	}

	m.metrics.AdmissionDecided(group, "queued")
	return nil, ErrMustQueue
}

// pickCandidate resolves ties among candidates deterministically per
// attemptToken using highest-random-weight (rendezvous) hashing: every
// candidate computes a weight from hash(attemptToken, name) and the
// highest wins. This spreads the tie-break load evenly across clusters
// rather than always favoring one by name order, while still letting
// retries of the same attempt land on the same candidate.
func pickCandidate(candidates []string, attemptToken string) string {
	if len(candidates) == 1 {
		return candidates[0]
	}
	rv := rendezvous.New(candidates, hashString)
	return rv.Lookup(attemptToken)
}

func hashString(s string) uint64 {
	var h uint64 = 14695981039346656037
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= 1099511628211
	}
	return h
}

// Release reverts a reservation that failed to reach Trino submission
// (step 6 of spec.md §4.D: best-effort decrement back to the pre-reserved
// value). Failure to release is logged by the caller and self-heals via
// reconciliation; it never blocks returning an error to the client.
func (m *Manager) Release(ctx context.Context, r *Reservation) error {
	_, err := m.store.CounterCAS(ctx, r.Group, r.Cluster.Name, r.reservedAtCount+1, r.reservedAtCount)
	if err != nil {
		return lberrors.Wrap(lberrors.KindPersistenceTransient, "counter: release reservation", err).AsRetryable()
	}
	return nil
}

// Decrement releases a slot at query termination. It is idempotent via
// the DeliveredQuery.Decremented flag: callers must check-and-set that
// flag in the same call that decides to decrement (see
// internal/proxy.Plane and the event-listener ingest handler), since both
// the proxy stream and the event listener may observe termination.
func (m *Manager) Decrement(ctx context.Context, group, cluster string) error {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		cur, err := m.store.CounterGet(ctx, group, cluster)
		if err != nil {
			return lberrors.Wrap(lberrors.KindPersistenceTransient, "counter: read counter for decrement", err).AsRetryable()
		}
		next := cur - 1
		if next < 0 {
			next = 0 // invariant: counters are non-negative; reconciliation corrects true drift
		}
		ok, err := m.store.CounterCAS(ctx, group, cluster, cur, next)
		if err != nil {
			return lberrors.Wrap(lberrors.KindPersistenceTransient, "counter: cas decrement", err).AsRetryable()
		}
		if ok {
			m.metrics.ClusterCounter(group, cluster, next)
			return nil
		}
	}
	return lberrors.New(lberrors.KindPersistenceTransient, "counter: decrement CAS did not converge").AsRetryable()
}

// Reconcile queries Trino's active-query listing for every cluster in
// group and corrects the persisted counter to match reality, fixing
// drift from crashes or lost decrements. It never fails the caller; on
// any error for a cluster it skips that cluster without logging or
// recording a metric, and the next scheduled run tries again.
func (m *Manager) Reconcile(ctx context.Context, group string, clusters []clusterstate.Snapshot) {
	for _, c := range clusters {
		active, err := m.trino.ActiveQueries(ctx, trinoclient.ClusterConfig{Endpoint: c.Endpoint, Username: c.Username, Password: c.Password})
		if err != nil {
			continue
		}

		delivered, err := m.store.DeliveredListByCluster(ctx, group, c.Name)
		if err != nil {
			continue
		}

		activeIDs := make(map[string]bool, len(active))
		for _, q := range active {
			if !trinoclient.IsTerminal(q.State) {
				activeIDs[q.QueryID] = true
			}
		}

		observed := 0
		for _, d := range delivered {
			if activeIDs[d.RealQueryID] {
				observed++
			}
		}

		prev, err := m.store.CounterGet(ctx, group, c.Name)
		if err != nil {
			continue
		}
		if prev == observed {
			continue
		}
		if err := m.store.CounterSet(ctx, group, c.Name, observed); err != nil {
			continue
		}
		m.metrics.ReconcileDrift(group, c.Name, observed-prev)
		m.metrics.ClusterCounter(group, c.Name, observed)
	}
}

// ReconcileLoop runs Reconcile on every tick until ctx is canceled.
func (m *Manager) ReconcileLoop(ctx context.Context, group string, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Reconcile(ctx, group, m.registry.ListGroup(group))
		}
	}
}
