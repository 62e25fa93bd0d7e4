// Package persistence defines the storage port trino-lb's core packages
// depend on, plus the record types that cross that boundary. Three
// backends implement Store: memory (single-process), redisstore (shared,
// CAS via a Lua script), and relational (shared, CAS via row locking).
package persistence

import (
	"context"
	"time"
)

// ClusterState is the persisted lifecycle record for one cluster.
type ClusterState struct {
	Group     string
	Cluster   string
	State     string // mirrors clusterstate.State values; stored as string to avoid an import cycle
	UpdatedAt time.Time
}

// QueuedQuery is a virtual queued query awaiting admission.
type QueuedQuery struct {
	ID           string
	Group        string
	Statement    string
	Headers      map[string][]string
	SubmittedAt  time.Time
	LastPolledAt time.Time
	Attempts     int
}

// DeliveredQuery records the cluster a query was admitted to, keyed by
// the coordinator-assigned query id (ID and RealQueryID hold the same
// value), so later poll/cancel calls can be routed.
type DeliveredQuery struct {
	ID           string
	Group        string
	Cluster      string
	RealQueryID  string
	NextURI      string
	Decremented  bool
	DeliveredAt  time.Time
}

// Store is the persistence port. All methods are safe for concurrent use
// and must be safe to call from multiple trino-lb replicas at once.
type Store interface {
	// Cluster lifecycle.
	LoadClusterState(ctx context.Context, group, cluster string) (ClusterState, error)
	StoreClusterState(ctx context.Context, state ClusterState) error
	ListClusterStates(ctx context.Context, group string) ([]ClusterState, error)

	// In-flight query counters, one per cluster. CounterCAS implements the
	// admission algorithm's compare-and-swap increment; CounterSet is used
	// by reconciliation to correct drift.
	CounterGet(ctx context.Context, group, cluster string) (int, error)
	CounterCAS(ctx context.Context, group, cluster string, expected, newValue int) (bool, error)
	CounterSet(ctx context.Context, group, cluster string, value int) error

	// Queued queries (virtual "QUEUED" state queries not yet admitted).
	QueuedPut(ctx context.Context, q QueuedQuery) error
	QueuedGet(ctx context.Context, id string) (QueuedQuery, error)
	QueuedTouch(ctx context.Context, id string, at time.Time) error
	QueuedRemove(ctx context.Context, id string) error
	QueuedListStale(ctx context.Context, olderThan time.Time) ([]QueuedQuery, error)

	// Delivered queries (admitted, mapped to a concrete cluster).
	DeliveredPut(ctx context.Context, d DeliveredQuery) error
	DeliveredGet(ctx context.Context, id string) (DeliveredQuery, error)
	DeliveredRemove(ctx context.Context, id string) error
	DeliveredListByCluster(ctx context.Context, group, cluster string) ([]DeliveredQuery, error)

	Close() error
}
