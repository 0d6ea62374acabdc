package consumer

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/veilchat/backend/internal/circuitbreaker"
	"github.com/veilchat/backend/internal/metrics"
)

// DLQEntry is one dead-lettered broker entry.
type DLQEntry struct {
	SourceStream string
	GroupName    string
	EventID      string
	AggregateID  string
	OccurredAt   time.Time
	Payload      json.RawMessage
	Reason       string
}

// DeadLetterer is the consumer's dead-letter port.
type DeadLetterer interface {
	Write(ctx context.Context, entry DLQEntry) error
}

// DLQWriter persists poison entries to Postgres behind its own breaker.
// Failures are counted and never block the caller's ack: a poison entry must
// clear the broker even when the DLQ is down.
type DLQWriter struct {
	db      *sql.DB
	table   string
	breaker *circuitbreaker.CircuitBreaker
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewDLQWriter wraps the shared pool. Table defaults to "consumer_dlq".
func NewDLQWriter(db *sql.DB, table string, breaker *circuitbreaker.CircuitBreaker, m *metrics.Metrics, logger *slog.Logger) *DLQWriter {
	if table == "" {
		table = "consumer_dlq"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DLQWriter{db: db, table: table, breaker: breaker, metrics: m, logger: logger}
}

// Init bootstraps the dead-letter table. Idempotent.
func (w *DLQWriter) Init(ctx context.Context) error {
	stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		source_stream TEXT        NOT NULL,
		group_name    TEXT        NOT NULL,
		event_id      TEXT        NOT NULL UNIQUE,
		aggregate_id  TEXT,
		occurred_at   TIMESTAMPTZ,
		payload       JSONB,
		reason        TEXT        NOT NULL,
		attempts      INT         NOT NULL DEFAULT 1,
		last_seen_at  TIMESTAMPTZ NOT NULL DEFAULT now()
	)`, w.table)

	if _, err := w.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("dlq schema bootstrap: %w", err)
	}
	w.logger.Info("[DLQ] schema ready", "table", w.table)
	return nil
}

// Write upserts the entry: a repeat of the same event id bumps attempts and
// the last-seen stamp. The payload is stored verbatim when it is valid JSON
// and as a JSON string otherwise, so truncated payloads survive the JSONB
// column.
func (w *DLQWriter) Write(ctx context.Context, entry DLQEntry) error {
	if w.breaker != nil && !w.breaker.Allow() {
		w.countError()
		return fmt.Errorf("dlq breaker open: %w", circuitbreaker.ErrCircuitOpen)
	}

	payload := entry.Payload
	if !json.Valid(payload) {
		quoted, _ := json.Marshal(string(payload))
		payload = quoted
	}

	var occurredAt interface{}
	if !entry.OccurredAt.IsZero() {
		occurredAt = entry.OccurredAt
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (source_stream, group_name, event_id, aggregate_id, occurred_at, payload, reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (event_id) DO UPDATE
		SET attempts = %s.attempts + 1, last_seen_at = now(), reason = EXCLUDED.reason`,
		w.table, w.table)

	_, err := w.db.ExecContext(ctx, query,
		entry.SourceStream, entry.GroupName, entry.EventID, entry.AggregateID,
		occurredAt, []byte(payload), entry.Reason)
	if err != nil {
		if w.breaker != nil {
			w.breaker.RecordFailure()
		}
		w.countError()
		w.logger.Warn("[DLQ] write failed", "eventId", entry.EventID, "reason", entry.Reason, "error", err)
		return fmt.Errorf("dlq write %s: %w", entry.EventID, err)
	}

	if w.breaker != nil {
		w.breaker.RecordSuccess()
	}
	if w.metrics != nil {
		w.metrics.DLQWrites.WithLabelValues(entry.Reason).Inc()
	}
	return nil
}

func (w *DLQWriter) countError() {
	if w.metrics != nil {
		w.metrics.DLQErrors.Inc()
	}
}
