// Package scaler reconciles the cluster-state machine against desired
// capacity: a weekly schedule, demand pressure from queue depth, and
// scale-down eligibility from sustained low utilization. It drives
// clusterstate.Registry transitions through a pluggable Backend.
//
// Open question resolution (spec.md §9): downscaleRunningQueriesPercentageThreshold
// is read as running-queries-over-maxRunningQueries (i.e. utilization
// fraction), not over total capacity across the group — a cluster drains
// once its OWN utilization stays at or below the threshold, independent
// of how busy its siblings are.
package scaler

import (
	"context"
	"time"

	"github.com/stackabletech/trino-lb/internal/clusterstate"
	"github.com/stackabletech/trino-lb/internal/persistence"
)

// ScheduleWindow is a (weekdays, hour window) -> minimum cluster count rule.
type ScheduleWindow struct {
	Weekdays    []time.Weekday
	StartHour   int
	EndHour     int
	MinClusters int
}

// Policy is one group's autoscaling configuration.
type Policy struct {
	MinClusters                               int
	UpscaleQueuedQueriesThreshold              int
	DownscaleRunningQueriesPercentageThreshold float64
	DrainIdleDurationBeforeShutdown            time.Duration
	WeeklySchedule                              []ScheduleWindow
	ReadyDebounce                               time.Duration
}

// Backend toggles the underlying infrastructure a cluster maps to (e.g.
// a Kubernetes custom resource's stopped field). It is the abstract
// control interface named in spec.md §1's out-of-scope list; concrete
// backends (internal/scaler/kubernetes) implement it.
type Backend interface {
	// Start asks the backend to bring cluster up.
	Start(ctx context.Context, group, cluster string) error
	// Stop asks the backend to bring cluster down.
	Stop(ctx context.Context, group, cluster string) error
	// IsReady reports whether the backend currently considers cluster ready.
	IsReady(ctx context.Context, group, cluster string) (bool, error)
}

// Loop runs the scaler reconciliation for one cluster group.
type Loop struct {
	group             string
	policy            Policy
	maxRunningQueries int
	registry          *clusterstate.Registry
	store             persistence.Store
	backend           Backend
}

// New creates a scaler loop for group. maxRunningQueries is the group's
// uniform per-cluster admission cap (spec.md §3), used as the
// denominator for downscale utilization.
func New(group string, policy Policy, maxRunningQueries int, registry *clusterstate.Registry, store persistence.Store, backend Backend) *Loop {
	if policy.ReadyDebounce <= 0 {
		policy.ReadyDebounce = 5 * time.Second
	}
	return &Loop{group: group, policy: policy, maxRunningQueries: maxRunningQueries, registry: registry, store: store, backend: backend}
}

// desiredMinClusters returns the minimum cluster count mandated by the
// weekly schedule at now; windows are evaluated in order and the first
// matching window wins, falling back to policy.MinClusters.
func desiredMinClusters(policy Policy, now time.Time) int {
	weekday := now.Weekday()
	hour := now.Hour()
	for _, w := range policy.WeeklySchedule {
		if !containsWeekday(w.Weekdays, weekday) {
			continue
		}
		if hour >= w.StartHour && hour < w.EndHour {
			return w.MinClusters
		}
	}
	return policy.MinClusters
}

func containsWeekday(days []time.Weekday, d time.Weekday) bool {
	for _, x := range days {
		if x == d {
			return true
		}
	}
	return false
}

// DemandSignal carries the group's queued-query count. It is supplied by
// the caller (internal/cli's queueDepthDemandFn reads it from the
// persistence store) rather than recomputed here, to avoid this package
// importing the queued-query store schema directly.
type DemandSignal struct {
	QueuedCount int
}

// Tick runs one reconciliation pass: compute desired capacity, drive
// Stopped/Draining transitions on the backend, and promote debounced
// Starting clusters to Ready.
func (l *Loop) Tick(ctx context.Context, demand DemandSignal, now time.Time) {
	clusters := l.registry.ListGroup(l.group)
	if len(clusters) == 0 {
		return
	}

	desired := desiredMinClusters(l.policy, now)
	if demand.QueuedCount >= l.policy.UpscaleQueuedQueriesThreshold && l.policy.UpscaleQueuedQueriesThreshold > 0 {
		desired++
	}

	readyCount := 0
	for _, c := range clusters {
		if c.State == clusterstate.Ready || c.State == clusterstate.Starting {
			readyCount++
		}
	}

	l.reconcileReadiness(ctx, clusters, now)
	l.reconcileCapacity(ctx, clusters, desired, readyCount, now)
}

func (l *Loop) reconcileReadiness(ctx context.Context, clusters []clusterstate.Snapshot, now time.Time) {
	for _, c := range clusters {
		if c.State != clusterstate.Starting {
			continue
		}
		ready, err := l.backend.IsReady(ctx, l.group, c.Name)
		if err != nil {
			continue // not logged; retried next tick per spec.md §4.I
		}
		if !ready {
			l.registry.ClearReadyCandidate(l.group, c.Name)
			continue
		}
		l.registry.MarkReadyCandidate(l.group, c.Name, now)
		if l.registry.ReadyDebounced(l.group, c.Name, now, l.policy.ReadyDebounce) {
			_ = l.registry.Transition(ctx, l.group, c.Name, clusterstate.Ready)
		}
	}
}

func (l *Loop) reconcileCapacity(ctx context.Context, clusters []clusterstate.Snapshot, desired, readyCount int, now time.Time) {
	if readyCount < desired {
		for _, c := range clusters {
			if readyCount >= desired {
				break
			}
			if c.State != clusterstate.Stopped {
				continue
			}
			if err := l.backend.Start(ctx, l.group, c.Name); err != nil {
				continue
			}
			_ = l.registry.Transition(ctx, l.group, c.Name, clusterstate.Starting)
			readyCount++
		}
		return
	}

	for _, c := range clusters {
		if c.State != clusterstate.Ready {
			continue
		}
		if readyCount <= desired {
			break
		}

		utilization := l.utilization(ctx, c.Name)
		if utilization > l.policy.DownscaleRunningQueriesPercentageThreshold {
			continue
		}

		_ = l.registry.Transition(ctx, l.group, c.Name, clusterstate.Draining)
		readyCount--
	}

	l.reconcileDraining(ctx, clusters, now)
}

// utilization computes running/maxRunningQueries for cluster, the
// spec.md §9 resolution for the downscale threshold's denominator.
// Config load validates maxRunningQueries > 0; a non-positive value is
// still guarded here and reads as fully busy (1), so there is no
// divide-by-zero. A zero counter read yields 0/n.
func (l *Loop) utilization(ctx context.Context, cluster string) float64 {
	running, err := l.store.CounterGet(ctx, l.group, cluster)
	if err != nil {
		return 1 // fail safe: treat unreadable counters as busy, never drain blind
	}
	if l.maxRunningQueries <= 0 {
		return 1
	}
	return float64(running) / float64(l.maxRunningQueries)
}

func (l *Loop) reconcileDraining(ctx context.Context, clusters []clusterstate.Snapshot, now time.Time) {
	for _, c := range clusters {
		if c.State != clusterstate.Draining {
			continue
		}
		running, err := l.store.CounterGet(ctx, l.group, c.Name)
		if err != nil || running != 0 {
			continue
		}
		if now.Sub(c.DrainSince) < l.policy.DrainIdleDurationBeforeShutdown {
			continue
		}
		if err := l.backend.Stop(ctx, l.group, c.Name); err != nil {
			continue
		}
		_ = l.registry.Transition(ctx, l.group, c.Name, clusterstate.Stopping)
		_ = l.registry.Transition(ctx, l.group, c.Name, clusterstate.Stopped)
	}
}

// Run ticks the loop on interval until ctx is canceled. demandFn is
// polled fresh each tick so queue depth reflects current state.
func (l *Loop) Run(ctx context.Context, interval time.Duration, demandFn func() DemandSignal) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Tick(ctx, demandFn(), time.Now())
		}
	}
}
