package participant

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/veilchat/backend/internal/core"
)

// Reader is the membership source of truth the cache falls back to.
type Reader interface {
	// ListActive returns current members of a conversation; empty means the
	// conversation has nobody in it (or does not exist).
	ListActive(ctx context.Context, conversationID string) ([]core.Participant, error)
}

// PostgresReader reads conversation membership from Postgres. It borrows the
// shared pool owned by the record adapter.
type PostgresReader struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgresReader wraps the shared pool.
func NewPostgresReader(db *sql.DB, logger *slog.Logger) *PostgresReader {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresReader{db: db, logger: logger}
}

// Init bootstraps the membership table. Idempotent.
func (r *PostgresReader) Init(ctx context.Context) error {
	stmt := `CREATE TABLE IF NOT EXISTS conversation_participants (
		conversation_id UUID        NOT NULL,
		user_id         UUID        NOT NULL,
		role            TEXT        NOT NULL DEFAULT 'member',
		joined_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
		left_at         TIMESTAMPTZ,
		PRIMARY KEY (conversation_id, user_id)
	)`
	if _, err := r.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("participant schema bootstrap: %w", err)
	}

	idx := `CREATE INDEX IF NOT EXISTS idx_participants_active
		ON conversation_participants (conversation_id) WHERE left_at IS NULL`
	if _, err := r.db.ExecContext(ctx, idx); err != nil {
		return fmt.Errorf("participant index bootstrap: %w", err)
	}

	r.logger.Info("[ParticipantReader] schema ready")
	return nil
}

// ListActive returns members who have not left, owners first then by join
// time so admin resolution is deterministic.
func (r *PostgresReader) ListActive(ctx context.Context, conversationID string) ([]core.Participant, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT conversation_id, user_id, role, joined_at
		FROM conversation_participants
		WHERE conversation_id = $1 AND left_at IS NULL
		ORDER BY role = 'owner' DESC, joined_at, user_id`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list participants %s: %w", conversationID, err)
	}
	defer rows.Close()

	var out []core.Participant
	for rows.Next() {
		var p core.Participant
		if err := rows.Scan(&p.ConversationID, &p.UserID, &p.Role, &p.JoinedAt); err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list participants %s: %w", conversationID, err)
	}
	return out, nil
}

// Add enrolls a user; rejoining a departed conversation clears left_at and
// refreshes the role.
func (r *PostgresReader) Add(ctx context.Context, conversationID, userID, role string) error {
	if role == "" {
		role = core.RoleMember
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO conversation_participants (conversation_id, user_id, role)
		VALUES ($1, $2, $3)
		ON CONFLICT (conversation_id, user_id)
		DO UPDATE SET role = EXCLUDED.role, left_at = NULL, joined_at = now()`,
		conversationID, userID, role)
	if err != nil {
		return fmt.Errorf("add participant %s/%s: %w", conversationID, userID, err)
	}
	return nil
}

// Remove marks the member departed. Removing an absent member is a no-op.
func (r *PostgresReader) Remove(ctx context.Context, conversationID, userID string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE conversation_participants
		SET left_at = $3
		WHERE conversation_id = $1 AND user_id = $2 AND left_at IS NULL`,
		conversationID, userID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("remove participant %s/%s: %w", conversationID, userID, err)
	}
	return nil
}
