package outbox

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"
)

// PostgresStore is the outbox repository over a shared Postgres pool. The
// pool is owned by the record adapter; the store only borrows it so outbox
// appends can join record transactions.
type PostgresStore struct {
	db     *sql.DB
	table  string
	logger *slog.Logger
}

// NewPostgresStore wraps the shared pool. Table defaults to "outbox".
func NewPostgresStore(db *sql.DB, table string, logger *slog.Logger) *PostgresStore {
	if table == "" {
		table = "outbox"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresStore{db: db, table: table, logger: logger}
}

// Init bootstraps the outbox table and its drain index. Idempotent.
func (s *PostgresStore) Init(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id            BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
			aggregate_id  UUID        NOT NULL,
			message_id    UUID        NOT NULL UNIQUE,
			event_type    TEXT        NOT NULL,
			payload       JSONB       NOT NULL,
			status        TEXT        NOT NULL DEFAULT 'pending'
			              CHECK (status IN ('pending','picked','sent','dead')),
			attempts      INT         NOT NULL DEFAULT 0,
			occurred_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
			picked_at     TIMESTAMPTZ,
			dispatched_at TIMESTAMPTZ,
			last_error    TEXT
		)`, s.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_drain_idx
			ON %s (occurred_at, id) WHERE status = 'pending'`, s.table, s.table),
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("outbox schema bootstrap: %w", err)
		}
	}
	s.logger.Info("[Outbox] schema ready", "table", s.table)
	return nil
}

// Execer covers *sql.DB and *sql.Tx, so Append can run inside the caller's
// transaction.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// Append inserts a pending row inside the caller's transaction. A duplicate
// message_id is silently skipped and reported as inserted=false: the write
// is idempotent and the first copy already carries the event.
func (s *PostgresStore) Append(ctx context.Context, tx Execer, row Row) (bool, error) {
	query := fmt.Sprintf(`
		INSERT INTO %s (aggregate_id, message_id, event_type, payload, occurred_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (message_id) DO NOTHING`, s.table)

	occurredAt := row.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now()
	}
	res, err := tx.ExecContext(ctx, query,
		row.AggregateID, row.MessageID, row.EventType, []byte(row.Payload), occurredAt)
	if err != nil {
		return false, fmt.Errorf("outbox append: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("outbox append: %w", err)
	}
	return n > 0, nil
}

// FetchBatch leases a batch in one transaction: SELECT ... FOR UPDATE SKIP
// LOCKED keeps concurrent dispatchers from ever seeing the same row, then the
// rows move to picked with attempts bumped before the commit.
func (s *PostgresStore) FetchBatch(ctx context.Context, limit int) ([]Row, error) {
	if limit <= 0 {
		limit = 256
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("outbox fetch begin: %w", err)
	}
	defer tx.Rollback()

	selectQuery := fmt.Sprintf(`
		SELECT id, aggregate_id, message_id, event_type, payload, status, attempts, occurred_at
		FROM %s
		WHERE status = 'pending'
		ORDER BY occurred_at, id
		LIMIT $1
		FOR UPDATE SKIP LOCKED`, s.table)

	rows, err := tx.QueryContext(ctx, selectQuery, limit)
	if err != nil {
		return nil, fmt.Errorf("outbox fetch select: %w", err)
	}

	var batch []Row
	for rows.Next() {
		var r Row
		var payload []byte
		if err := rows.Scan(&r.ID, &r.AggregateID, &r.MessageID, &r.EventType,
			&payload, &r.Status, &r.Attempts, &r.OccurredAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("outbox fetch scan: %w", err)
		}
		r.Payload = payload
		batch = append(batch, r)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("outbox fetch rows: %w", err)
	}
	rows.Close()

	if len(batch) == 0 {
		return nil, tx.Commit()
	}

	ids := make([]int64, len(batch))
	for i := range batch {
		ids[i] = batch[i].ID
	}

	pickedAt := time.Now()
	updateQuery := fmt.Sprintf(`
		UPDATE %s
		SET status = 'picked', picked_at = $2, attempts = attempts + 1
		WHERE id = ANY($1)`, s.table)
	if _, err := tx.ExecContext(ctx, updateQuery, pq.Array(ids), pickedAt); err != nil {
		return nil, fmt.Errorf("outbox fetch pick: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("outbox fetch commit: %w", err)
	}

	for i := range batch {
		batch[i].Status = StatusPicked
		batch[i].PickedAt = &pickedAt
		batch[i].Attempts++
	}
	return batch, nil
}

// MarkSent finalizes rows: terminal status, dispatch timestamp, error
// cleared. Idempotent by row id.
func (s *PostgresStore) MarkSent(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	query := fmt.Sprintf(`
		UPDATE %s
		SET status = 'sent', dispatched_at = now(), last_error = NULL
		WHERE id = ANY($1)`, s.table)
	if _, err := s.db.ExecContext(ctx, query, pq.Array(ids)); err != nil {
		return fmt.Errorf("outbox mark sent: %w", err)
	}
	return nil
}

// MarkFailed returns rows to pending so a later tick retries them.
func (s *PostgresStore) MarkFailed(ctx context.Context, ids []int64, reason string) error {
	if len(ids) == 0 {
		return nil
	}
	query := fmt.Sprintf(`
		UPDATE %s
		SET status = 'pending', last_error = $2
		WHERE id = ANY($1)`, s.table)
	if _, err := s.db.ExecContext(ctx, query, pq.Array(ids), truncateError(reason)); err != nil {
		return fmt.Errorf("outbox mark failed: %w", err)
	}
	return nil
}

// Bury moves poison rows to dead.
func (s *PostgresStore) Bury(ctx context.Context, ids []int64, reason string) error {
	if len(ids) == 0 {
		return nil
	}
	query := fmt.Sprintf(`
		UPDATE %s
		SET status = 'dead', last_error = $2
		WHERE id = ANY($1)`, s.table)
	if _, err := s.db.ExecContext(ctx, query, pq.Array(ids), truncateError(reason)); err != nil {
		return fmt.Errorf("outbox bury: %w", err)
	}
	return nil
}

// PurgeSent removes sent rows older than the retention window and reports
// how many were dropped. Only terminal sent rows are eligible.
func (s *PostgresStore) PurgeSent(ctx context.Context, olderThan time.Duration) (int64, error) {
	query := fmt.Sprintf(`
		DELETE FROM %s
		WHERE status = 'sent' AND dispatched_at < $1`, s.table)
	res, err := s.db.ExecContext(ctx, query, time.Now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("outbox purge: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("outbox purge count: %w", err)
	}
	return n, nil
}

// Get reads one row by message id, for admin introspection and tests.
func (s *PostgresStore) Get(ctx context.Context, messageID string) (Row, error) {
	query := fmt.Sprintf(`
		SELECT id, aggregate_id, message_id, event_type, payload, status, attempts,
		       occurred_at, picked_at, dispatched_at, COALESCE(last_error, '')
		FROM %s WHERE message_id = $1`, s.table)

	var r Row
	var payload []byte
	err := s.db.QueryRowContext(ctx, query, messageID).Scan(
		&r.ID, &r.AggregateID, &r.MessageID, &r.EventType, &payload, &r.Status,
		&r.Attempts, &r.OccurredAt, &r.PickedAt, &r.DispatchedAt, &r.LastError)
	if err != nil {
		return Row{}, fmt.Errorf("outbox get %s: %w", messageID, err)
	}
	r.Payload = payload
	return r, nil
}
