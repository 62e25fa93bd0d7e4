// Package clusterstate tracks the lifecycle state of every Trino
// cluster trino-lb knows about. A Registry is a mutex-guarded map of
// named clusters (generalizing the teacher's engine registry from a
// boolean available flag to a seven-state machine), written by the
// scaler loop and read by the admission path on every request.
package clusterstate

import (
	"context"
	"sync"
	"time"

	"github.com/stackabletech/trino-lb/internal/lberrors"
	"github.com/stackabletech/trino-lb/internal/persistence"
)

// State is a cluster's lifecycle state.
type State string

const (
	Stopped     State = "Stopped"
	Starting    State = "Starting"
	Ready       State = "Ready"
	Unhealthy   State = "Unhealthy"
	Draining    State = "Draining"
	Stopping    State = "Stopping"
	Deactivated State = "Deactivated"
)

// transitions enumerates the legal state graph from spec.md §4.C. A
// transition not listed here is rejected by Registry.Transition.
var transitions = map[State]map[State]bool{
	Deactivated: {Stopped: true},
	Stopped:     {Starting: true, Deactivated: true},
	Starting:    {Ready: true, Unhealthy: true, Deactivated: true},
	Ready:       {Unhealthy: true, Draining: true, Deactivated: true},
	Unhealthy:   {Ready: true, Deactivated: true},
	Draining:    {Stopping: true, Ready: true, Deactivated: true},
	Stopping:    {Stopped: true, Deactivated: true},
}

// Cluster is one Trino coordinator entry in the registry.
type Cluster struct {
	Group      string
	Name       string
	Endpoint   string
	Username   string
	Password   string
	Autoscaled bool

	state            State
	readySince       time.Time
	readyCandidateAt time.Time // when the backend first reported ready, for the ≥5s debounce
	drainSince       time.Time
}

// Snapshot is a read-only copy of a cluster's current state, safe to
// hold without the registry lock.
type Snapshot struct {
	Group      string
	Name       string
	Endpoint   string
	Username   string
	Password   string
	Autoscaled bool
	State      State
	DrainSince time.Time
}

// Registry holds the in-memory cluster-state cache. It is the
// single-writer side of the scaler loop / reconciliation split described
// in spec.md §5: cluster states are written only by the scaler loop and
// by Sweep, and readers always get a consistent snapshot.
type Registry struct {
	mu       sync.RWMutex
	clusters map[string]*Cluster // key: group/name
	store    persistence.Store
}

// NewRegistry creates a registry backed by store for cross-replica
// agreement on cluster state.
func NewRegistry(store persistence.Store) *Registry {
	return &Registry{
		clusters: make(map[string]*Cluster),
		store:    store,
	}
}

func key(group, name string) string {
	return group + "/" + name
}

// Register adds a cluster to the registry in the Stopped state if
// autoscaled, or Ready if not (matching the "non-autoscaled clusters are
// permanently forced to Ready" rule, enforced continuously by Sweep).
func (r *Registry) Register(c Cluster) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c.state == "" {
		if c.Autoscaled {
			c.state = Stopped
		} else {
			c.state = Ready
		}
	}
	cc := c
	r.clusters[key(c.Group, c.Name)] = &cc
}

// Snapshot returns a point-in-time copy of one cluster's state.
func (r *Registry) Snapshot(group, name string) (Snapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clusters[key(group, name)]
	if !ok {
		return Snapshot{}, false
	}
	return toSnapshot(c), true
}

// ListGroup returns snapshots of every cluster in group.
func (r *Registry) ListGroup(group string) []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Snapshot
	for _, c := range r.clusters {
		if c.Group == group {
			out = append(out, toSnapshot(c))
		}
	}
	return out
}

// Ready returns snapshots of every Ready cluster in group.
func (r *Registry) Ready(group string) []Snapshot {
	all := r.ListGroup(group)
	out := all[:0]
	for _, s := range all {
		if s.State == Ready {
			out = append(out, s)
		}
	}
	return out
}

func toSnapshot(c *Cluster) Snapshot {
	return Snapshot{
		Group: c.Group, Name: c.Name, Endpoint: c.Endpoint,
		Username: c.Username, Password: c.Password, Autoscaled: c.Autoscaled,
		State: c.state, DrainSince: c.drainSince,
	}
}

// Transition moves a cluster to newState if the transition is legal,
// persisting the result so other replicas observe it. An illegal
// transition is a no-op returning an error; callers (the scaler loop)
// should log and retry next tick rather than treat it as fatal.
func (r *Registry) Transition(ctx context.Context, group, name string, newState State) error {
	r.mu.Lock()
	c, ok := r.clusters[key(group, name)]
	if !ok {
		r.mu.Unlock()
		return lberrors.New(lberrors.KindScalerBackend, "clusterstate: unknown cluster "+key(group, name))
	}
	if c.state == newState {
		r.mu.Unlock()
		return nil
	}
	if !transitions[c.state][newState] {
		old := c.state
		r.mu.Unlock()
		return lberrors.New(lberrors.KindScalerBackend, "clusterstate: illegal transition "+string(old)+" -> "+string(newState))
	}

	now := time.Now()
	switch newState {
	case Ready:
		c.readySince = now
	case Draining:
		c.drainSince = now
	}
	c.state = newState
	r.mu.Unlock()

	return r.store.StoreClusterState(ctx, persistence.ClusterState{
		Group: group, Cluster: name, State: string(newState), UpdatedAt: now,
	})
}

// MarkReadyCandidate records that the scaler backend reported cluster
// ready at "now", without yet transitioning it. ReadyDebounced reports
// whether that candidacy has held continuously for at least debounce.
func (r *Registry) MarkReadyCandidate(group, name string, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clusters[key(group, name)]
	if !ok {
		return
	}
	if c.readyCandidateAt.IsZero() {
		c.readyCandidateAt = now
	}
}

// ClearReadyCandidate resets the debounce timer, used when a readiness
// probe flaps back to not-ready before the debounce elapses.
func (r *Registry) ClearReadyCandidate(group, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clusters[key(group, name)]
	if !ok {
		return
	}
	c.readyCandidateAt = time.Time{}
}

// ReadyDebounced reports whether cluster's readiness candidacy has held
// continuously for at least debounce.
func (r *Registry) ReadyDebounced(group, name string, now time.Time, debounce time.Duration) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clusters[key(group, name)]
	if !ok || c.readyCandidateAt.IsZero() {
		return false
	}
	return now.Sub(c.readyCandidateAt) >= debounce
}

// Sweep forces every non-autoscaled cluster in group back to Ready,
// self-healing a wiped or stale persistence layer per spec.md §4.C. This
// bypasses the transition table deliberately: a non-autoscaled cluster
// has no scaler driving it through Starting, so any observed state other
// than Ready is itself the anomaly being healed.
func (r *Registry) Sweep(ctx context.Context, group string) {
	r.mu.Lock()
	var toFix []string
	for _, c := range r.clusters {
		if c.Group == group && !c.Autoscaled && c.state != Ready {
			c.state = Ready
			c.readySince = time.Now()
			toFix = append(toFix, c.Name)
		}
	}
	r.mu.Unlock()

	for _, name := range toFix {
		_ = r.store.StoreClusterState(ctx, persistence.ClusterState{
			Group: group, Cluster: name, State: string(Ready), UpdatedAt: time.Now(),
		})
	}
}
