// Package relational implements persistence.Store on top of
// database/sql, supporting Postgres (github.com/lib/pq) and an embedded
// SQLite option (modernc.org/sqlite) for single-node or dev deployments
// that still want the row-locking CAS semantics a shared relational
// database gives for free. Counter CAS runs inside a transaction that
// locks the counter row before comparing, rather than a single atomic
// instruction the way the Redis backend uses a Lua script.
package relational

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/stackabletech/trino-lb/internal/lberrors"
	"github.com/stackabletech/trino-lb/internal/persistence"
	"github.com/stackabletech/trino-lb/internal/persistence/relational/migrations"
)

// Store is a database/sql-backed persistence.Store.
type Store struct {
	db     *sql.DB
	driver string // "postgres" | "sqlite"
}

// New opens a connection using driver ("postgres" or "sqlite") and dsn,
// and applies the embedded schema.
func New(ctx context.Context, driver, dsn string) (*Store, error) {
	var sqlDriver string
	switch driver {
	case "postgres", "sqlite":
		sqlDriver = driver
	default:
		return nil, lberrors.New(lberrors.KindConfig, fmt.Sprintf("relational: unknown driver %q", driver))
	}

	db, err := sql.Open(sqlDriver, dsn)
	if err != nil {
		return nil, lberrors.Wrap(lberrors.KindConfig, "relational: open database", err)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, lberrors.Wrap(lberrors.KindPersistenceTransient, "relational: ping database", err).AsRetryable()
	}

	s := &Store{db: db, driver: driver}
	if err := s.migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, migrations.Schema); err != nil {
		return lberrors.Wrap(lberrors.KindPersistenceFatal, "relational: apply schema", err)
	}
	return nil
}

// q rewrites a query written with Postgres-style $N placeholders into the
// `?` placeholders modernc.org/sqlite expects. lib/pq and sqlite are the
// only two drivers wired, so a simple left-to-right substitution (rather
// than a general SQL rebinder) is enough.
func (s *Store) q(query string) string {
	if s.driver != "sqlite" {
		return query
	}
	var b strings.Builder
	for i := 0; i < len(query); i++ {
		if query[i] == '$' {
			j := i + 1
			for j < len(query) && query[j] >= '0' && query[j] <= '9' {
				j++
			}
			if j > i+1 {
				b.WriteByte('?')
				i = j - 1
				continue
			}
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// casTx abstracts the subset of *sql.Tx that CounterCAS needs, so the
// sqlite path below can drive commit/rollback with plain SQL statements
// on a manually-started transaction instead of *sql.Tx.
type casTx interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	Commit() error
	Rollback() error
}

// connTx drives a transaction started with a manual BEGIN IMMEDIATE on
// conn via plain COMMIT/ROLLBACK statements on that same connection.
// conn.BeginTx would ask the driver to start a second transaction on top
// of the first, which modernc.org/sqlite rejects outright.
type connTx struct {
	ctx  context.Context
	conn *sql.Conn
	done bool
}

func (t *connTx) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return t.conn.QueryRowContext(ctx, query, args...)
}

func (t *connTx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.conn.ExecContext(ctx, query, args...)
}

func (t *connTx) Commit() error {
	if t.done {
		return nil
	}
	t.done = true
	_, err := t.conn.ExecContext(t.ctx, "COMMIT")
	if closeErr := t.conn.Close(); err == nil {
		err = closeErr
	}
	return err
}

func (t *connTx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	_, err := t.conn.ExecContext(t.ctx, "ROLLBACK")
	if closeErr := t.conn.Close(); err == nil {
		err = closeErr
	}
	return err
}

// beginCASTransaction starts a transaction suitable for read-then-write
// CAS: sqlite needs BEGIN IMMEDIATE to take the write lock up front (a
// plain BEGIN defers locking and lets two readers race); Postgres's
// default isolation plus a row-level lock on the SELECT below is
// sufficient there.
func (s *Store) beginCASTransaction(ctx context.Context) (casTx, error) {
	if s.driver == "sqlite" {
		conn, err := s.db.Conn(ctx)
		if err != nil {
			return nil, err
		}
		if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
			conn.Close()
			return nil, err
		}
		return &connTx{ctx: ctx, conn: conn}, nil
	}
	return s.db.BeginTx(ctx, &sql.TxOptions{})
}

func (s *Store) selectForUpdateSuffix() string {
	if s.driver == "postgres" {
		return " FOR UPDATE"
	}
	return ""
}

func (s *Store) upsertClause(conflictCols, setClause string) string {
	return fmt.Sprintf("ON CONFLICT (%s) DO UPDATE SET %s", conflictCols, setClause)
}

func (s *Store) LoadClusterState(ctx context.Context, group, cluster string) (persistence.ClusterState, error) {
	row := s.db.QueryRowContext(ctx, s.q(
		`SELECT cluster_group, cluster_name, state, updated_at FROM cluster_states WHERE cluster_group = $1 AND cluster_name = $2`),
		group, cluster)
	var cs persistence.ClusterState
	if err := row.Scan(&cs.Group, &cs.Cluster, &cs.State, &cs.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return persistence.ClusterState{}, &lberrors.NotFound{Kind: "ClusterState", ID: cluster}
		}
		return persistence.ClusterState{}, lberrors.Wrap(lberrors.KindPersistenceTransient, "relational: load cluster state", err).AsRetryable()
	}
	return cs, nil
}

func (s *Store) StoreClusterState(ctx context.Context, state persistence.ClusterState) error {
	_, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO cluster_states (cluster_group, cluster_name, state, updated_at) VALUES ($1, $2, $3, $4)
		 `+s.upsertClause("cluster_group, cluster_name", "state = excluded.state, updated_at = excluded.updated_at")),
		state.Group, state.Cluster, state.State, state.UpdatedAt)
	if err != nil {
		return lberrors.Wrap(lberrors.KindPersistenceTransient, "relational: store cluster state", err).AsRetryable()
	}
	return nil
}

func (s *Store) ListClusterStates(ctx context.Context, group string) ([]persistence.ClusterState, error) {
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT cluster_group, cluster_name, state, updated_at FROM cluster_states WHERE cluster_group = $1`), group)
	if err != nil {
		return nil, lberrors.Wrap(lberrors.KindPersistenceTransient, "relational: list cluster states", err).AsRetryable()
	}
	defer rows.Close()

	var out []persistence.ClusterState
	for rows.Next() {
		var cs persistence.ClusterState
		if err := rows.Scan(&cs.Group, &cs.Cluster, &cs.State, &cs.UpdatedAt); err != nil {
			return nil, lberrors.Wrap(lberrors.KindPersistenceFatal, "relational: scan cluster state", err)
		}
		out = append(out, cs)
	}
	return out, rows.Err()
}

func (s *Store) CounterGet(ctx context.Context, group, cluster string) (int, error) {
	row := s.db.QueryRowContext(ctx, s.q(
		`SELECT value FROM query_counters WHERE cluster_group = $1 AND cluster_name = $2`), group, cluster)
	var v int
	if err := row.Scan(&v); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, lberrors.Wrap(lberrors.KindPersistenceTransient, "relational: get counter", err).AsRetryable()
	}
	return v, nil
}

func (s *Store) CounterCAS(ctx context.Context, group, cluster string, expected, newValue int) (bool, error) {
	tx, err := s.beginCASTransaction(ctx)
	if err != nil {
		return false, lberrors.Wrap(lberrors.KindPersistenceTransient, "relational: begin cas transaction", err).AsRetryable()
	}
	defer tx.Rollback()

	var cur int
	row := tx.QueryRowContext(ctx, s.q(
		`SELECT value FROM query_counters WHERE cluster_group = $1 AND cluster_name = $2`+s.selectForUpdateSuffix()),
		group, cluster)
	switch err := row.Scan(&cur); {
	case errors.Is(err, sql.ErrNoRows):
		cur = 0
	case err != nil:
		return false, lberrors.Wrap(lberrors.KindPersistenceTransient, "relational: cas read", err).AsRetryable()
	}

	if cur != expected {
		return false, nil
	}

	_, err = tx.ExecContext(ctx, s.q(
		`INSERT INTO query_counters (cluster_group, cluster_name, value) VALUES ($1, $2, $3)
		 `+s.upsertClause("cluster_group, cluster_name", "value = excluded.value")),
		group, cluster, newValue)
	if err != nil {
		return false, lberrors.Wrap(lberrors.KindPersistenceTransient, "relational: cas write", err).AsRetryable()
	}

	if err := tx.Commit(); err != nil {
		return false, lberrors.Wrap(lberrors.KindPersistenceTransient, "relational: cas commit", err).AsRetryable()
	}
	return true, nil
}

func (s *Store) CounterSet(ctx context.Context, group, cluster string, value int) error {
	_, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO query_counters (cluster_group, cluster_name, value) VALUES ($1, $2, $3)
		 `+s.upsertClause("cluster_group, cluster_name", "value = excluded.value")),
		group, cluster, value)
	if err != nil {
		return lberrors.Wrap(lberrors.KindPersistenceTransient, "relational: set counter", err).AsRetryable()
	}
	return nil
}

func (s *Store) QueuedPut(ctx context.Context, q persistence.QueuedQuery) error {
	headers := encodeHeaders(q.Headers)
	_, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO queued_queries (id, cluster_group, statement, headers, submitted_at, last_polled_at, attempts)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 `+s.upsertClause("id", "last_polled_at = excluded.last_polled_at, attempts = excluded.attempts")),
		q.ID, q.Group, q.Statement, headers, q.SubmittedAt, q.LastPolledAt, q.Attempts)
	if err != nil {
		return lberrors.Wrap(lberrors.KindPersistenceTransient, "relational: put queued query", err).AsRetryable()
	}
	return nil
}

func (s *Store) QueuedGet(ctx context.Context, id string) (persistence.QueuedQuery, error) {
	row := s.db.QueryRowContext(ctx, s.q(
		`SELECT id, cluster_group, statement, headers, submitted_at, last_polled_at, attempts FROM queued_queries WHERE id = $1`), id)
	var result persistence.QueuedQuery
	var headers string
	if err := row.Scan(&result.ID, &result.Group, &result.Statement, &headers, &result.SubmittedAt, &result.LastPolledAt, &result.Attempts); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return persistence.QueuedQuery{}, &lberrors.NotFound{Kind: "QueuedQuery", ID: id}
		}
		return persistence.QueuedQuery{}, lberrors.Wrap(lberrors.KindPersistenceTransient, "relational: get queued query", err).AsRetryable()
	}
	result.Headers = decodeHeaders(headers)
	return result, nil
}

func (s *Store) QueuedTouch(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, s.q(
		`UPDATE queued_queries SET last_polled_at = $1, attempts = attempts + 1 WHERE id = $2`), at, id)
	if err != nil {
		return lberrors.Wrap(lberrors.KindPersistenceTransient, "relational: touch queued query", err).AsRetryable()
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &lberrors.NotFound{Kind: "QueuedQuery", ID: id}
	}
	return nil
}

func (s *Store) QueuedRemove(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, s.q(`DELETE FROM queued_queries WHERE id = $1`), id); err != nil {
		return lberrors.Wrap(lberrors.KindPersistenceTransient, "relational: remove queued query", err).AsRetryable()
	}
	return nil
}

func (s *Store) QueuedListStale(ctx context.Context, olderThan time.Time) ([]persistence.QueuedQuery, error) {
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT id, cluster_group, statement, headers, submitted_at, last_polled_at, attempts FROM queued_queries WHERE last_polled_at < $1`),
		olderThan)
	if err != nil {
		return nil, lberrors.Wrap(lberrors.KindPersistenceTransient, "relational: list stale queued queries", err).AsRetryable()
	}
	defer rows.Close()

	var out []persistence.QueuedQuery
	for rows.Next() {
		var result persistence.QueuedQuery
		var headers string
		if err := rows.Scan(&result.ID, &result.Group, &result.Statement, &headers, &result.SubmittedAt, &result.LastPolledAt, &result.Attempts); err != nil {
			return nil, lberrors.Wrap(lberrors.KindPersistenceFatal, "relational: scan queued query", err)
		}
		result.Headers = decodeHeaders(headers)
		out = append(out, result)
	}
	return out, rows.Err()
}

func (s *Store) DeliveredPut(ctx context.Context, d persistence.DeliveredQuery) error {
	_, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO delivered_queries (id, cluster_group, cluster_name, real_query_id, next_uri, decremented, delivered_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 `+s.upsertClause("id", "next_uri = excluded.next_uri, decremented = excluded.decremented")),
		d.ID, d.Group, d.Cluster, d.RealQueryID, d.NextURI, d.Decremented, d.DeliveredAt)
	if err != nil {
		return lberrors.Wrap(lberrors.KindPersistenceTransient, "relational: put delivered query", err).AsRetryable()
	}
	return nil
}

func (s *Store) DeliveredGet(ctx context.Context, id string) (persistence.DeliveredQuery, error) {
	row := s.db.QueryRowContext(ctx, s.q(
		`SELECT id, cluster_group, cluster_name, real_query_id, next_uri, decremented, delivered_at FROM delivered_queries WHERE id = $1`), id)
	var d persistence.DeliveredQuery
	if err := row.Scan(&d.ID, &d.Group, &d.Cluster, &d.RealQueryID, &d.NextURI, &d.Decremented, &d.DeliveredAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return persistence.DeliveredQuery{}, &lberrors.NotFound{Kind: "DeliveredQuery", ID: id}
		}
		return persistence.DeliveredQuery{}, lberrors.Wrap(lberrors.KindPersistenceTransient, "relational: get delivered query", err).AsRetryable()
	}
	return d, nil
}

func (s *Store) DeliveredRemove(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, s.q(`DELETE FROM delivered_queries WHERE id = $1`), id); err != nil {
		return lberrors.Wrap(lberrors.KindPersistenceTransient, "relational: remove delivered query", err).AsRetryable()
	}
	return nil
}

func (s *Store) DeliveredListByCluster(ctx context.Context, group, cluster string) ([]persistence.DeliveredQuery, error) {
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT id, cluster_group, cluster_name, real_query_id, next_uri, decremented, delivered_at FROM delivered_queries WHERE cluster_group = $1 AND cluster_name = $2`),
		group, cluster)
	if err != nil {
		return nil, lberrors.Wrap(lberrors.KindPersistenceTransient, "relational: list delivered queries", err).AsRetryable()
	}
	defer rows.Close()

	var out []persistence.DeliveredQuery
	for rows.Next() {
		var d persistence.DeliveredQuery
		if err := rows.Scan(&d.ID, &d.Group, &d.Cluster, &d.RealQueryID, &d.NextURI, &d.Decremented, &d.DeliveredAt); err != nil {
			return nil, lberrors.Wrap(lberrors.KindPersistenceFatal, "relational: scan delivered query", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *Store) Close() error {
	return s.db.Close()
}

var _ persistence.Store = (*Store)(nil)
