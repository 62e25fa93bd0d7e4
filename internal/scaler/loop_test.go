package scaler

import (
	"context"
	"testing"
	"time"

	"github.com/stackabletech/trino-lb/internal/clusterstate"
	"github.com/stackabletech/trino-lb/internal/persistence/memory"
)

type fakeBackend struct {
	started map[string]bool
	ready   map[string]bool
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{started: map[string]bool{}, ready: map[string]bool{}}
}

func (f *fakeBackend) Start(ctx context.Context, group, cluster string) error {
	f.started[cluster] = true
	return nil
}
func (f *fakeBackend) Stop(ctx context.Context, group, cluster string) error {
	f.started[cluster] = false
	return nil
}
func (f *fakeBackend) IsReady(ctx context.Context, group, cluster string) (bool, error) {
	return f.ready[cluster], nil
}

func TestTickStartsClustersToMeetMinimum(t *testing.T) {
	store := memory.New()
	registry := clusterstate.NewRegistry(store)
	registry.Register(clusterstate.Cluster{Group: "g", Name: "a", Autoscaled: true})
	registry.Register(clusterstate.Cluster{Group: "g", Name: "b", Autoscaled: true})

	backend := newFakeBackend()
	loop := New("g", Policy{MinClusters: 1}, 10, registry, store, backend)

	loop.Tick(context.Background(), DemandSignal{}, time.Now())

	if !backend.started["a"] && !backend.started["b"] {
		t.Fatal("expected at least one cluster started to meet minimum of 1")
	}
}

func TestTickPromotesToReadyAfterDebounce(t *testing.T) {
	store := memory.New()
	registry := clusterstate.NewRegistry(store)
	registry.Register(clusterstate.Cluster{Group: "g", Name: "a", Autoscaled: true})
	registry.Transition(context.Background(), "g", "a", clusterstate.Starting)

	backend := newFakeBackend()
	backend.ready["a"] = true
	loop := New("g", Policy{MinClusters: 1, ReadyDebounce: 5 * time.Second}, 10, registry, store, backend)

	now := time.Now()
	loop.Tick(context.Background(), DemandSignal{}, now)

	snap, _ := registry.Snapshot("g", "a")
	if snap.State != clusterstate.Starting {
		t.Fatalf("expected still Starting before debounce elapses, got %v", snap.State)
	}

	loop.Tick(context.Background(), DemandSignal{}, now.Add(6*time.Second))

	snap, _ = registry.Snapshot("g", "a")
	if snap.State != clusterstate.Ready {
		t.Fatalf("expected Ready after debounce elapses, got %v", snap.State)
	}
}

func TestUtilizationClampsWhenMaxRunningQueriesUnset(t *testing.T) {
	store := memory.New()
	registry := clusterstate.NewRegistry(store)
	loop := New("g", Policy{}, 0, registry, store, newFakeBackend())

	if got := loop.utilization(context.Background(), "a"); got != 1 {
		t.Fatalf("expected utilization to clamp to 1 when maxRunningQueries is 0, got %v", got)
	}
}
