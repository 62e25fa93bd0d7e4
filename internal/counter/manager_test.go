package counter

import (
	"context"
	"testing"

	"github.com/stackabletech/trino-lb/internal/clusterstate"
	"github.com/stackabletech/trino-lb/internal/persistence/memory"
	"github.com/stackabletech/trino-lb/internal/trinoclient"
)

func newTestRegistry() *clusterstate.Registry {
	r := clusterstate.NewRegistry(memory.New())
	r.Register(clusterstate.Cluster{Group: "g", Name: "a", Autoscaled: false})
	r.Register(clusterstate.Cluster{Group: "g", Name: "b", Autoscaled: false})
	return r
}

func TestReserveQueuesWhenAllClustersAtMax(t *testing.T) {
	store := memory.New()
	registry := newTestRegistry()
	m := New(store, registry, trinoclient.New(0), nil)

	ctx := context.Background()
	store.CounterSet(ctx, "g", "a", 2)
	store.CounterSet(ctx, "g", "b", 2)

	_, err := m.Reserve(ctx, "g", 2, "attempt-1")
	if err != ErrMustQueue {
		t.Fatalf("expected ErrMustQueue, got %v", err)
	}
}

func TestReserveAdmitsUnderCapacity(t *testing.T) {
	store := memory.New()
	registry := newTestRegistry()
	m := New(store, registry, trinoclient.New(0), nil)

	ctx := context.Background()
	res, err := m.Reserve(ctx, "g", 2, "attempt-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Cluster.Name != "a" && res.Cluster.Name != "b" {
		t.Fatalf("unexpected cluster %q", res.Cluster.Name)
	}

	got, err := store.CounterGet(ctx, "g", res.Cluster.Name)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 1 {
		t.Fatalf("expected counter 1 after reservation, got %d", got)
	}
}

func TestReleaseRevertsReservation(t *testing.T) {
	store := memory.New()
	registry := newTestRegistry()
	m := New(store, registry, trinoclient.New(0), nil)

	ctx := context.Background()
	res, err := m.Reserve(ctx, "g", 2, "attempt-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := m.Release(ctx, res); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := store.CounterGet(ctx, "g", res.Cluster.Name)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 0 {
		t.Fatalf("expected counter reverted to 0, got %d", got)
	}
}

func TestDecrementNeverGoesNegative(t *testing.T) {
	store := memory.New()
	registry := newTestRegistry()
	m := New(store, registry, trinoclient.New(0), nil)

	ctx := context.Background()
	if err := m.Decrement(ctx, "g", "a"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := store.CounterGet(ctx, "g", "a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 0 {
		t.Fatalf("expected counter clamped at 0, got %d", got)
	}
}

func TestPickCandidateIsDeterministicPerToken(t *testing.T) {
	candidates := []string{"a", "b", "c"}
	first := pickCandidate(candidates, "attempt-xyz")
	second := pickCandidate(candidates, "attempt-xyz")
	if first != second {
		t.Fatalf("expected deterministic pick for the same token, got %q then %q", first, second)
	}
}
