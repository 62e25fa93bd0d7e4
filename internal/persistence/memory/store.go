// Package memory implements persistence.Store in a single process's
// memory. Intended for single-replica deployments and tests; CAS here is
// trivially correct since there's only ever one writer's worth of state,
// but the interface contract (compare against expected, swap atomically)
// is still honored so callers can't tell which backend they're on.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/stackabletech/trino-lb/internal/lberrors"
	"github.com/stackabletech/trino-lb/internal/persistence"
)

// Store is an in-memory persistence.Store.
type Store struct {
	mu sync.RWMutex

	clusterStates map[string]persistence.ClusterState // key: group/cluster
	counters      map[string]int                       // key: group/cluster
	queued        map[string]persistence.QueuedQuery
	delivered     map[string]persistence.DeliveredQuery
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		clusterStates: make(map[string]persistence.ClusterState),
		counters:      make(map[string]int),
		queued:        make(map[string]persistence.QueuedQuery),
		delivered:     make(map[string]persistence.DeliveredQuery),
	}
}

func key(group, cluster string) string {
	return group + "/" + cluster
}

func checkContext(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

func (s *Store) LoadClusterState(ctx context.Context, group, cluster string) (persistence.ClusterState, error) {
	if err := checkContext(ctx); err != nil {
		return persistence.ClusterState{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	cs, ok := s.clusterStates[key(group, cluster)]
	if !ok {
		return persistence.ClusterState{}, &lberrors.NotFound{Kind: "ClusterState", ID: key(group, cluster)}
	}
	return cs, nil
}

func (s *Store) StoreClusterState(ctx context.Context, state persistence.ClusterState) error {
	if err := checkContext(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clusterStates[key(state.Group, state.Cluster)] = state
	return nil
}

func (s *Store) ListClusterStates(ctx context.Context, group string) ([]persistence.ClusterState, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []persistence.ClusterState
	for _, cs := range s.clusterStates {
		if cs.Group == group {
			out = append(out, cs)
		}
	}
	return out, nil
}

func (s *Store) CounterGet(ctx context.Context, group, cluster string) (int, error) {
	if err := checkContext(ctx); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.counters[key(group, cluster)], nil
}

func (s *Store) CounterCAS(ctx context.Context, group, cluster string, expected, newValue int) (bool, error) {
	if err := checkContext(ctx); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(group, cluster)
	if s.counters[k] != expected {
		return false, nil
	}
	s.counters[k] = newValue
	return true, nil
}

func (s *Store) CounterSet(ctx context.Context, group, cluster string, value int) error {
	if err := checkContext(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters[key(group, cluster)] = value
	return nil
}

func (s *Store) QueuedPut(ctx context.Context, q persistence.QueuedQuery) error {
	if err := checkContext(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queued[q.ID] = q
	return nil
}

func (s *Store) QueuedGet(ctx context.Context, id string) (persistence.QueuedQuery, error) {
	if err := checkContext(ctx); err != nil {
		return persistence.QueuedQuery{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.queued[id]
	if !ok {
		return persistence.QueuedQuery{}, &lberrors.NotFound{Kind: "QueuedQuery", ID: id}
	}
	return q, nil
}

func (s *Store) QueuedTouch(ctx context.Context, id string, at time.Time) error {
	if err := checkContext(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queued[id]
	if !ok {
		return &lberrors.NotFound{Kind: "QueuedQuery", ID: id}
	}
	q.LastPolledAt = at
	q.Attempts++
	s.queued[id] = q
	return nil
}

func (s *Store) QueuedRemove(ctx context.Context, id string) error {
	if err := checkContext(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.queued, id)
	return nil
}

func (s *Store) QueuedListStale(ctx context.Context, olderThan time.Time) ([]persistence.QueuedQuery, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []persistence.QueuedQuery
	for _, q := range s.queued {
		if q.LastPolledAt.Before(olderThan) {
			out = append(out, q)
		}
	}
	return out, nil
}

func (s *Store) DeliveredPut(ctx context.Context, d persistence.DeliveredQuery) error {
	if err := checkContext(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delivered[d.ID] = d
	return nil
}

func (s *Store) DeliveredGet(ctx context.Context, id string) (persistence.DeliveredQuery, error) {
	if err := checkContext(ctx); err != nil {
		return persistence.DeliveredQuery{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.delivered[id]
	if !ok {
		return persistence.DeliveredQuery{}, &lberrors.NotFound{Kind: "DeliveredQuery", ID: id}
	}
	return d, nil
}

func (s *Store) DeliveredRemove(ctx context.Context, id string) error {
	if err := checkContext(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.delivered, id)
	return nil
}

func (s *Store) DeliveredListByCluster(ctx context.Context, group, cluster string) ([]persistence.DeliveredQuery, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []persistence.DeliveredQuery
	for _, d := range s.delivered {
		if d.Group == group && d.Cluster == cluster {
			out = append(out, d)
		}
	}
	return out, nil
}

func (s *Store) Close() error { return nil }

var _ persistence.Store = (*Store)(nil)
