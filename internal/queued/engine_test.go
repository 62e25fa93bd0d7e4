package queued

import (
	"context"
	"testing"
	"time"

	"github.com/stackabletech/trino-lb/internal/persistence/memory"
)

func TestNewVirtualIDFormat(t *testing.T) {
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	id := NewVirtualID(now)
	want := "trino_lb_20260731_120000_"
	if len(id) <= len(want) || id[:len(want)] != want {
		t.Fatalf("expected id to start with %q, got %q", want, id)
	}
}

func TestPollBackoffIsBoundedAndGrows(t *testing.T) {
	store := memory.New()
	e := New(store)
	ctx := context.Background()
	now := time.Now()

	if err := e.Enqueue(ctx, "trino_lb_x", "g", "select 1", nil, now); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, backoff1, err := e.Poll(ctx, "trino_lb_x", now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, backoff2, err := e.Poll(ctx, "trino_lb_x", now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if backoff2 <= backoff1 {
		t.Fatalf("expected backoff to grow, got %v then %v", backoff1, backoff2)
	}

	for i := 0; i < 50; i++ {
		_, backoff, err := e.Poll(ctx, "trino_lb_x", now)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if backoff > maxPollBackoff {
			t.Fatalf("backoff exceeded cap: %v", backoff)
		}
	}
}

func TestGCRemovesOnlyStaleQueries(t *testing.T) {
	store := memory.New()
	e := New(store)
	ctx := context.Background()
	now := time.Now()

	e.Enqueue(ctx, "old", "g", "select 1", nil, now.Add(-10*time.Minute))
	e.Enqueue(ctx, "fresh", "g", "select 1", nil, now)

	removed, err := e.GC(ctx, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}

	if _, err := store.QueuedGet(ctx, "fresh"); err != nil {
		t.Fatalf("fresh query should survive GC: %v", err)
	}
}

func TestCancelQueuedDistinguishesMissingFromPresent(t *testing.T) {
	store := memory.New()
	e := New(store)
	ctx := context.Background()
	now := time.Now()

	if err := e.Enqueue(ctx, "trino_lb_x", "g", "select 1", nil, now); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	wasQueued, err := e.CancelQueued(ctx, "trino_lb_x")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !wasQueued {
		t.Fatal("expected wasQueued true for a query that was actually queued")
	}

	wasQueued, err = e.CancelQueued(ctx, "never-queued")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if wasQueued {
		t.Fatal("expected wasQueued false for an id that was never queued")
	}
}
