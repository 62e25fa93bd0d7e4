// Package redisstore implements persistence.Store on top of Redis,
// giving every trino-lb replica a consistent view of cluster counters and
// queued/delivered query state. Counter CAS runs as a Lua script since
// plain GET-then-SET from the client can't be made atomic across
// replicas; everything else is JSON-encoded values under plain
// GET/SET/DEL/KEYS string commands.
package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/stackabletech/trino-lb/internal/lberrors"
	"github.com/stackabletech/trino-lb/internal/persistence"
)

// casScript atomically compares the value at key to expected and, if
// equal, sets it to newValue. Returns 1 on success, 0 on mismatch. A
// missing key is treated as 0, matching counters that start unset.
var casScript = redis.NewScript(`
local cur = tonumber(redis.call("GET", KEYS[1]) or "0")
local expected = tonumber(ARGV[1])
local newValue = tonumber(ARGV[2])
if cur == expected then
	redis.call("SET", KEYS[1], newValue)
	return 1
end
return 0
`)

// Store is a Redis-backed persistence.Store.
type Store struct {
	rdb *redis.Client
}

// New connects to Redis using addrs (the first is primary; only the first
// is used today, the slice is kept so a future cluster client swap is a
// non-breaking constructor change) and password.
func New(addrs []string, password string) (*Store, error) {
	if len(addrs) == 0 {
		return nil, lberrors.New(lberrors.KindConfig, "redisstore: at least one address is required")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     addrs[0],
		Password: password,
	})
	return &Store{rdb: rdb}, nil
}

func clusterStateKey(group, cluster string) string {
	return fmt.Sprintf("trino-lb:cluster-state:%s:%s", group, cluster)
}

func counterKey(group, cluster string) string {
	return fmt.Sprintf("trino-lb:counter:%s:%s", group, cluster)
}

func queuedKey(id string) string {
	return fmt.Sprintf("trino-lb:queued:%s", id)
}

func deliveredKey(id string) string {
	return fmt.Sprintf("trino-lb:delivered:%s", id)
}

func (s *Store) LoadClusterState(ctx context.Context, group, cluster string) (persistence.ClusterState, error) {
	data, err := s.rdb.Get(ctx, clusterStateKey(group, cluster)).Bytes()
	if err == redis.Nil {
		return persistence.ClusterState{}, &lberrors.NotFound{Kind: "ClusterState", ID: cluster}
	}
	if err != nil {
		return persistence.ClusterState{}, lberrors.Wrap(lberrors.KindPersistenceTransient, "redisstore: load cluster state", err).AsRetryable()
	}
	var cs persistence.ClusterState
	if err := json.Unmarshal(data, &cs); err != nil {
		return persistence.ClusterState{}, lberrors.Wrap(lberrors.KindPersistenceFatal, "redisstore: decode cluster state", err)
	}
	return cs, nil
}

func (s *Store) StoreClusterState(ctx context.Context, state persistence.ClusterState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return lberrors.Wrap(lberrors.KindPersistenceFatal, "redisstore: encode cluster state", err)
	}
	if err := s.rdb.Set(ctx, clusterStateKey(state.Group, state.Cluster), data, 0).Err(); err != nil {
		return lberrors.Wrap(lberrors.KindPersistenceTransient, "redisstore: store cluster state", err).AsRetryable()
	}
	return nil
}

func (s *Store) ListClusterStates(ctx context.Context, group string) ([]persistence.ClusterState, error) {
	keys, err := s.rdb.Keys(ctx, clusterStateKey(group, "*")).Result()
	if err != nil {
		return nil, lberrors.Wrap(lberrors.KindPersistenceTransient, "redisstore: list cluster states", err).AsRetryable()
	}
	out := make([]persistence.ClusterState, 0, len(keys))
	for _, k := range keys {
		data, err := s.rdb.Get(ctx, k).Bytes()
		if err != nil {
			continue
		}
		var cs persistence.ClusterState
		if err := json.Unmarshal(data, &cs); err != nil {
			continue
		}
		out = append(out, cs)
	}
	return out, nil
}

func (s *Store) CounterGet(ctx context.Context, group, cluster string) (int, error) {
	v, err := s.rdb.Get(ctx, counterKey(group, cluster)).Int()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, lberrors.Wrap(lberrors.KindPersistenceTransient, "redisstore: get counter", err).AsRetryable()
	}
	return v, nil
}

func (s *Store) CounterCAS(ctx context.Context, group, cluster string, expected, newValue int) (bool, error) {
	res, err := casScript.Run(ctx, s.rdb, []string{counterKey(group, cluster)}, expected, newValue).Int()
	if err != nil {
		return false, lberrors.Wrap(lberrors.KindPersistenceTransient, "redisstore: counter cas", err).AsRetryable()
	}
	return res == 1, nil
}

func (s *Store) CounterSet(ctx context.Context, group, cluster string, value int) error {
	if err := s.rdb.Set(ctx, counterKey(group, cluster), value, 0).Err(); err != nil {
		return lberrors.Wrap(lberrors.KindPersistenceTransient, "redisstore: set counter", err).AsRetryable()
	}
	return nil
}

func (s *Store) QueuedPut(ctx context.Context, q persistence.QueuedQuery) error {
	data, err := json.Marshal(q)
	if err != nil {
		return lberrors.Wrap(lberrors.KindPersistenceFatal, "redisstore: encode queued query", err)
	}
	if err := s.rdb.Set(ctx, queuedKey(q.ID), data, 0).Err(); err != nil {
		return lberrors.Wrap(lberrors.KindPersistenceTransient, "redisstore: put queued query", err).AsRetryable()
	}
	return nil
}

func (s *Store) QueuedGet(ctx context.Context, id string) (persistence.QueuedQuery, error) {
	data, err := s.rdb.Get(ctx, queuedKey(id)).Bytes()
	if err == redis.Nil {
		return persistence.QueuedQuery{}, &lberrors.NotFound{Kind: "QueuedQuery", ID: id}
	}
	if err != nil {
		return persistence.QueuedQuery{}, lberrors.Wrap(lberrors.KindPersistenceTransient, "redisstore: get queued query", err).AsRetryable()
	}
	var q persistence.QueuedQuery
	if err := json.Unmarshal(data, &q); err != nil {
		return persistence.QueuedQuery{}, lberrors.Wrap(lberrors.KindPersistenceFatal, "redisstore: decode queued query", err)
	}
	return q, nil
}

func (s *Store) QueuedTouch(ctx context.Context, id string, at time.Time) error {
	q, err := s.QueuedGet(ctx, id)
	if err != nil {
		return err
	}
	q.LastPolledAt = at
	q.Attempts++
	return s.QueuedPut(ctx, q)
}

func (s *Store) QueuedRemove(ctx context.Context, id string) error {
	if err := s.rdb.Del(ctx, queuedKey(id)).Err(); err != nil {
		return lberrors.Wrap(lberrors.KindPersistenceTransient, "redisstore: remove queued query", err).AsRetryable()
	}
	return nil
}

func (s *Store) QueuedListStale(ctx context.Context, olderThan time.Time) ([]persistence.QueuedQuery, error) {
	keys, err := s.rdb.Keys(ctx, queuedKey("*")).Result()
	if err != nil {
		return nil, lberrors.Wrap(lberrors.KindPersistenceTransient, "redisstore: list queued queries", err).AsRetryable()
	}
	var out []persistence.QueuedQuery
	for _, k := range keys {
		data, err := s.rdb.Get(ctx, k).Bytes()
		if err != nil {
			continue
		}
		var q persistence.QueuedQuery
		if err := json.Unmarshal(data, &q); err != nil {
			continue
		}
		if q.LastPolledAt.Before(olderThan) {
			out = append(out, q)
		}
	}
	return out, nil
}

func (s *Store) DeliveredPut(ctx context.Context, d persistence.DeliveredQuery) error {
	data, err := json.Marshal(d)
	if err != nil {
		return lberrors.Wrap(lberrors.KindPersistenceFatal, "redisstore: encode delivered query", err)
	}
	if err := s.rdb.Set(ctx, deliveredKey(d.ID), data, 0).Err(); err != nil {
		return lberrors.Wrap(lberrors.KindPersistenceTransient, "redisstore: put delivered query", err).AsRetryable()
	}
	return nil
}

func (s *Store) DeliveredGet(ctx context.Context, id string) (persistence.DeliveredQuery, error) {
	data, err := s.rdb.Get(ctx, deliveredKey(id)).Bytes()
	if err == redis.Nil {
		return persistence.DeliveredQuery{}, &lberrors.NotFound{Kind: "DeliveredQuery", ID: id}
	}
	if err != nil {
		return persistence.DeliveredQuery{}, lberrors.Wrap(lberrors.KindPersistenceTransient, "redisstore: get delivered query", err).AsRetryable()
	}
	var d persistence.DeliveredQuery
	if err := json.Unmarshal(data, &d); err != nil {
		return persistence.DeliveredQuery{}, lberrors.Wrap(lberrors.KindPersistenceFatal, "redisstore: decode delivered query", err)
	}
	return d, nil
}

func (s *Store) DeliveredRemove(ctx context.Context, id string) error {
	if err := s.rdb.Del(ctx, deliveredKey(id)).Err(); err != nil {
		return lberrors.Wrap(lberrors.KindPersistenceTransient, "redisstore: remove delivered query", err).AsRetryable()
	}
	return nil
}

func (s *Store) DeliveredListByCluster(ctx context.Context, group, cluster string) ([]persistence.DeliveredQuery, error) {
	keys, err := s.rdb.Keys(ctx, deliveredKey("*")).Result()
	if err != nil {
		return nil, lberrors.Wrap(lberrors.KindPersistenceTransient, "redisstore: list delivered queries", err).AsRetryable()
	}
	var out []persistence.DeliveredQuery
	for _, k := range keys {
		data, err := s.rdb.Get(ctx, k).Bytes()
		if err != nil {
			continue
		}
		var d persistence.DeliveredQuery
		if err := json.Unmarshal(data, &d); err != nil {
			continue
		}
		if d.Group == group && d.Cluster == cluster {
			out = append(out, d)
		}
	}
	return out, nil
}

func (s *Store) Close() error {
	return s.rdb.Close()
}

var _ persistence.Store = (*Store)(nil)
