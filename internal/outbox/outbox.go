// Package outbox implements the transactional outbox: rows co-committed with
// business writes, a batch-lease repository over Postgres, and the dispatcher
// that pumps committed events into the broker stream.
package outbox

import (
	"context"
	"encoding/json"
	"time"
)

// Status is the lifecycle of an outbox row. Transitions are
// pending→picked→(sent|pending|dead); sent is terminal except for retention
// cleanup.
type Status string

const (
	StatusPending Status = "pending"
	StatusPicked  Status = "picked"
	StatusSent    Status = "sent"
	StatusDead    Status = "dead"
)

// Row is one outbox entry. AggregateID is the conversation that orders the
// event; MessageID is unique so writes are idempotent.
type Row struct {
	ID           int64           `json:"id"`
	AggregateID  string          `json:"aggregateId"`
	MessageID    string          `json:"messageId"`
	EventType    string          `json:"eventType"`
	Payload      json.RawMessage `json:"payload"`
	Status       Status          `json:"status"`
	Attempts     int             `json:"attempts"`
	OccurredAt   time.Time       `json:"occurredAt"`
	PickedAt     *time.Time      `json:"pickedAt,omitempty"`
	DispatchedAt *time.Time      `json:"dispatchedAt,omitempty"`
	LastError    string          `json:"lastError,omitempty"`
}

// Store is the repository port the dispatcher drains. The Postgres
// implementation leases batches with SKIP LOCKED so concurrent dispatchers
// never pick the same row.
type Store interface {
	// FetchBatch atomically leases up to limit pending rows ordered by
	// (occurred_at, id): marks them picked, stamps picked_at, and bumps
	// attempts.
	FetchBatch(ctx context.Context, limit int) ([]Row, error)

	// MarkSent finalizes rows after a successful broker append.
	MarkSent(ctx context.Context, ids []int64) error

	// MarkFailed returns rows to pending for a later tick.
	MarkFailed(ctx context.Context, ids []int64, reason string) error

	// Bury moves poison rows to dead; they never get picked again.
	Bury(ctx context.Context, ids []int64, reason string) error
}

// maxErrorLen bounds last_error so one huge driver message cannot bloat the
// table.
const maxErrorLen = 1000

func truncateError(reason string) string {
	if len(reason) > maxErrorLen {
		return reason[:maxErrorLen]
	}
	return reason
}
