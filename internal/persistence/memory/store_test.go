package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stackabletech/trino-lb/internal/lberrors"
	"github.com/stackabletech/trino-lb/internal/persistence"
)

func TestCounterCASMismatchLeavesValueUnchanged(t *testing.T) {
	s := New()
	ctx := context.Background()

	ok, err := s.CounterCAS(ctx, "group", "cluster-a", 0, 1)
	if err != nil || !ok {
		t.Fatalf("first CAS should succeed, got ok=%v err=%v", ok, err)
	}

	ok, err = s.CounterCAS(ctx, "group", "cluster-a", 0, 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("CAS with stale expected value should fail")
	}

	got, err := s.CounterGet(ctx, "group", "cluster-a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 1 {
		t.Fatalf("counter should remain 1 after failed CAS, got %d", got)
	}
}

func TestClusterStateRoundTrip(t *testing.T) {
	s := New()
	ctx := context.Background()

	_, err := s.LoadClusterState(ctx, "group", "missing")
	if _, ok := err.(*lberrors.NotFound); !ok {
		t.Fatalf("expected NotFound, got %v", err)
	}

	want := persistence.ClusterState{Group: "group", Cluster: "cluster-a", State: "Ready", UpdatedAt: time.Now()}
	if err := s.StoreClusterState(ctx, want); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := s.LoadClusterState(ctx, "group", "cluster-a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.State != "Ready" {
		t.Fatalf("expected state Ready, got %s", got.State)
	}
}

func TestQueuedListStale(t *testing.T) {
	s := New()
	ctx := context.Background()

	old := persistence.QueuedQuery{ID: "q1", Group: "group", LastPolledAt: time.Now().Add(-time.Hour)}
	fresh := persistence.QueuedQuery{ID: "q2", Group: "group", LastPolledAt: time.Now()}

	if err := s.QueuedPut(ctx, old); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.QueuedPut(ctx, fresh); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	stale, err := s.QueuedListStale(ctx, time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(stale) != 1 || stale[0].ID != "q1" {
		t.Fatalf("expected only q1 to be stale, got %+v", stale)
	}
}

func TestDeliveredListByCluster(t *testing.T) {
	s := New()
	ctx := context.Background()

	if err := s.DeliveredPut(ctx, persistence.DeliveredQuery{ID: "d1", Group: "group", Cluster: "cluster-a"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.DeliveredPut(ctx, persistence.DeliveredQuery{ID: "d2", Group: "group", Cluster: "cluster-b"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := s.DeliveredListByCluster(ctx, "group", "cluster-a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 || got[0].ID != "d1" {
		t.Fatalf("expected only d1, got %+v", got)
	}
}
