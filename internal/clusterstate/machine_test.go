package clusterstate

import (
	"context"
	"testing"
	"time"

	"github.com/stackabletech/trino-lb/internal/persistence/memory"
)

func TestTransitionRejectsIllegalMove(t *testing.T) {
	r := NewRegistry(memory.New())
	r.Register(Cluster{Group: "g", Name: "a", Autoscaled: true})

	if err := r.Transition(context.Background(), "g", "a", Ready); err == nil {
		t.Fatal("expected error transitioning Stopped -> Ready directly")
	}

	if err := r.Transition(context.Background(), "g", "a", Starting); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := r.Transition(context.Background(), "g", "a", Ready); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	snap, ok := r.Snapshot("g", "a")
	if !ok || snap.State != Ready {
		t.Fatalf("expected Ready, got %+v ok=%v", snap, ok)
	}
}

func TestSweepForcesNonAutoscaledToReady(t *testing.T) {
	r := NewRegistry(memory.New())
	r.Register(Cluster{Group: "g", Name: "a", Autoscaled: false})

	// Simulate corruption: force into Draining without going through the
	// legal graph, the way a wiped persistence reload might.
	r.mu.Lock()
	r.clusters["g/a"].state = Draining
	r.mu.Unlock()

	r.Sweep(context.Background(), "g")

	snap, ok := r.Snapshot("g", "a")
	if !ok || snap.State != Ready {
		t.Fatalf("expected sweep to force Ready, got %+v", snap)
	}
}

func TestReadyDebounceRequiresContinuousCandidacy(t *testing.T) {
	r := NewRegistry(memory.New())
	r.Register(Cluster{Group: "g", Name: "a", Autoscaled: true})

	now := time.Now()
	r.MarkReadyCandidate("g", "a", now)

	if r.ReadyDebounced("g", "a", now.Add(1*time.Second), 5*time.Second) {
		t.Fatal("expected debounce to not yet be satisfied after 1s")
	}
	if !r.ReadyDebounced("g", "a", now.Add(6*time.Second), 5*time.Second) {
		t.Fatal("expected debounce satisfied after 6s")
	}

	r.ClearReadyCandidate("g", "a")
	if r.ReadyDebounced("g", "a", now.Add(6*time.Second), 5*time.Second) {
		t.Fatal("expected debounce reset after ClearReadyCandidate")
	}
}
