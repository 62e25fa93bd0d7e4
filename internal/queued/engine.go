// Package queued implements the virtual "QUEUED" query state that keeps
// Trino clients polling with zero timeouts while a cluster is chosen.
// Virtual ids are formatted to parse under Trino's QueryId conventions so
// stock clients accept the swap to a real id on the next poll.
package queued

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/stackabletech/trino-lb/internal/lberrors"
	"github.com/stackabletech/trino-lb/internal/persistence"
)

// gcTimeout mirrors Trino's own query.client.timeout default: a queued
// query not polled for this long is considered abandoned.
const gcTimeout = 5 * time.Minute

const maxPollBackoff = 3 * time.Second

// Engine manages queued queries for one replica. All durable state lives
// in the Store; Engine is stateless beyond its dependencies.
type Engine struct {
	store persistence.Store
}

// New creates a queued-query engine.
func New(store persistence.Store) *Engine {
	return &Engine{store: store}
}

// NewVirtualID generates a virtual query id formatted as
// trino_lb_<YYYYMMDD>_<HHMMSS>_<random>, parseable by Trino clients'
// QueryId regex while remaining unambiguous with real Trino query ids.
// The random suffix is the first 12 hex digits of a uuid with its dashes
// stripped, rather than raw bytes, reusing a well-tested generator
// already in the dependency tree.
func NewVirtualID(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	return fmt.Sprintf("trino_lb_%s_%s_%s", now.Format("20060102"), now.Format("150405"), suffix)
}

// Enqueue persists a new QueuedQuery for a statement that couldn't be
// admitted immediately.
func (e *Engine) Enqueue(ctx context.Context, id, group, statement string, headers map[string][]string, now time.Time) error {
	return e.store.QueuedPut(ctx, persistence.QueuedQuery{
		ID: id, Group: group, Statement: statement, Headers: headers,
		SubmittedAt: now, LastPolledAt: now,
	})
}

// Poll loads and touches a queued query, returning it along with an
// adaptive backoff hint. The caller is responsible for invoking
// admission (internal/counter.Manager.Reserve); Poll only manages the
// queued record's bookkeeping.
func (e *Engine) Poll(ctx context.Context, id string, now time.Time) (persistence.QueuedQuery, time.Duration, error) {
	q, err := e.store.QueuedGet(ctx, id)
	if err != nil {
		return persistence.QueuedQuery{}, 0, err
	}
	if err := e.store.QueuedTouch(ctx, id, now); err != nil {
		return persistence.QueuedQuery{}, 0, err
	}
	q.LastPolledAt = now
	q.Attempts++

	backoff := time.Duration(q.Attempts) * 250 * time.Millisecond
	if backoff > maxPollBackoff {
		backoff = maxPollBackoff
	}
	return q, backoff, nil
}

// Promote removes the queued record once admission succeeded and a
// DeliveredQuery has been created elsewhere; ownership transfers
// atomically from the caller's perspective (the queued record is never
// visible again after this call succeeds).
func (e *Engine) Promote(ctx context.Context, id string) error {
	return e.store.QueuedRemove(ctx, id)
}

// CancelQueued removes id if it is currently a queued (not yet admitted)
// query, reporting whether it found one. QueuedRemove itself is
// idempotent and never errors on a missing id, so callers that need to
// distinguish "was queued" from "never queued" (cancellation routing to
// the proxy plane instead) must check existence first via this method.
func (e *Engine) CancelQueued(ctx context.Context, id string) (bool, error) {
	var notFound *lberrors.NotFound
	if _, err := e.store.QueuedGet(ctx, id); err != nil {
		if errors.As(err, &notFound) {
			return false, nil
		}
		return false, err
	}
	if err := e.store.QueuedRemove(ctx, id); err != nil {
		return false, err
	}
	return true, nil
}

// GC removes queued queries not polled within gcTimeout of now.
func (e *Engine) GC(ctx context.Context, now time.Time) (int, error) {
	stale, err := e.store.QueuedListStale(ctx, now.Add(-gcTimeout))
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, q := range stale {
		if err := e.store.QueuedRemove(ctx, q.ID); err == nil {
			removed++
		}
	}
	return removed, nil
}

// GCLoop runs GC on a 1-minute tick until ctx is canceled; a 1-minute
// period comfortably resolves the 5-minute timeout without adding
// meaningful extra staleness.
func (e *Engine) GCLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.GC(ctx, time.Now())
		}
	}
}
