package relational

import (
	"context"
	"path/filepath"
	"testing"
)

func newSQLiteStore(t *testing.T) *Store {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "trino-lb.db")
	store, err := New(context.Background(), "sqlite", dsn)
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLiteCounterCASAppliesOnMatch(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()

	ok, err := store.CounterCAS(ctx, "default", "c1", 0, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatal("expected CAS to apply against the implicit zero value")
	}

	v, err := store.CounterGet(ctx, "default", "c1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 1 {
		t.Fatalf("expected counter 1, got %d", v)
	}
}

func TestSQLiteCounterCASRejectsOnMismatch(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()

	if _, err := store.CounterCAS(ctx, "default", "c1", 0, 5); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ok, err := store.CounterCAS(ctx, "default", "c1", 0, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected CAS to reject a stale expected value")
	}

	v, err := store.CounterGet(ctx, "default", "c1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 5 {
		t.Fatalf("expected counter to remain 5 after a rejected CAS, got %d", v)
	}
}
