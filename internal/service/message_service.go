// Package service holds the write-side business layer: message sends are
// committed together with their outbox event in one transaction, and
// conversation membership changes invalidate the participant cache.
package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/veilchat/backend/internal/core"
	"github.com/veilchat/backend/internal/outbox"
	"github.com/veilchat/backend/internal/storage"
)

// MessageNamespace is the records namespace messages live in.
const MessageNamespace = "messages"

// maxCiphertextBytes bounds a single message body (base64 text).
const maxCiphertextBytes = 1 << 20

// SendInput is one message send.
type SendInput struct {
	ConversationID string                 `json:"conversationId"`
	MessageID      string                 `json:"messageId,omitempty"`
	SenderID       string                 `json:"senderId"`
	Ciphertext     string                 `json:"ciphertext"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
	ContentSize    int64                  `json:"contentSize,omitempty"`
	ContentMime    string                 `json:"contentMimeType,omitempty"`

	// DeliveryGuarantee is advisory metadata: stored and echoed back, never
	// acted on. The pipeline is at-least-once regardless.
	DeliveryGuarantee string `json:"deliveryGuarantee,omitempty"`
}

// SendResult is the committed message.
type SendResult struct {
	Record    storage.Record `json:"record"`
	Seq       int64          `json:"seq"`
	Duplicate bool           `json:"duplicate"`
}

// MessageService commits messages: one transaction covering the record
// upsert, the per-conversation sequence bump, and the outbox append. The
// dispatcher picks the event up from there.
type MessageService struct {
	db      *sql.DB
	records *storage.PostgresRecordAdapter
	store   *outbox.PostgresStore
	facade  *storage.Facade
	logger  *slog.Logger
}

// NewMessageService wires the write path. The pool is the one the record
// adapter owns.
func NewMessageService(db *sql.DB, records *storage.PostgresRecordAdapter, store *outbox.PostgresStore, facade *storage.Facade, logger *slog.Logger) *MessageService {
	if logger == nil {
		logger = slog.Default()
	}
	return &MessageService{db: db, records: records, store: store, facade: facade, logger: logger}
}

// Init bootstraps the per-conversation sequence table. Idempotent.
func (s *MessageService) Init(ctx context.Context) error {
	stmt := `CREATE TABLE IF NOT EXISTS conversation_seq (
		conversation_id UUID   NOT NULL PRIMARY KEY,
		last_seq        BIGINT NOT NULL DEFAULT 0
	)`
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("sequence schema bootstrap: %w", err)
	}
	return nil
}

// Send validates, assigns the next conversation sequence, and commits the
// message record together with its outbox event. Resends of the same
// messageId are absorbed: the outbox's unique constraint detects the
// duplicate and the original record is returned untouched.
func (s *MessageService) Send(ctx context.Context, in SendInput) (SendResult, error) {
	if err := validateSend(in); err != nil {
		return SendResult{}, err
	}
	messageID := in.MessageID
	if messageID == "" {
		messageID = uuid.NewString()
	}
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return SendResult{}, core.Wrap(core.KindTransientAdapter, "begin send transaction", err)
	}
	defer tx.Rollback()

	seq, err := s.nextSeq(ctx, tx, in.ConversationID)
	if err != nil {
		return SendResult{}, err
	}

	event := core.BrokerEvent{
		V:               core.EnvelopeVersion,
		Type:            core.EventTypeMessageCreated,
		EventID:         uuid.NewString(),
		MessageID:       messageID,
		ConversationID:  in.ConversationID,
		Seq:             seq,
		Ciphertext:      in.Ciphertext,
		Metadata:        in.Metadata,
		ContentSize:     in.ContentSize,
		ContentMimeType: in.ContentMime,
		OccurredAt:      now,
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return SendResult{}, core.Wrap(core.KindValidationFailed, "message not serializable", err)
	}

	inserted, err := s.store.Append(ctx, tx, outbox.Row{
		AggregateID: in.ConversationID,
		MessageID:   messageID,
		EventType:   core.EventTypeMessageCreated,
		Payload:     payload,
		OccurredAt:  now,
	})
	if err != nil {
		return SendResult{}, core.Wrap(core.KindTransientAdapter, "outbox append", err)
	}
	if !inserted {
		// Duplicate send: the first commit already carries the event. Drop
		// this transaction so the sequence bump never lands, and hand back
		// the stored record.
		if err := tx.Rollback(); err != nil && err != sql.ErrTxDone {
			return SendResult{}, core.Wrap(core.KindTransientAdapter, "rollback duplicate send", err)
		}
		return s.duplicateResult(ctx, messageID)
	}

	stored, err := s.records.UpsertTx(ctx, tx, MessageNamespace, storage.Record{
		ID: messageID,
		Data: map[string]interface{}{
			"conversationId":    in.ConversationID,
			"senderId":          in.SenderID,
			"seq":               seq,
			"ciphertext":        in.Ciphertext,
			"metadata":          in.Metadata,
			"contentSize":       in.ContentSize,
			"contentMimeType":   in.ContentMime,
			"deliveryGuarantee": in.DeliveryGuarantee,
			"occurredAt":        now.Format(time.RFC3339Nano),
		},
	}, storage.UpsertOptions{})
	if err != nil {
		return SendResult{}, err
	}

	if err := tx.Commit(); err != nil {
		return SendResult{}, core.Wrap(core.KindTransientAdapter, "commit send transaction", err)
	}

	s.logger.Info("[MessageService] message committed",
		"conversation", in.ConversationID, "messageId", messageID, "seq", seq)
	return SendResult{Record: stored, Seq: seq}, nil
}

// nextSeq bumps the conversation's sequence inside the send transaction.
func (s *MessageService) nextSeq(ctx context.Context, tx *sql.Tx, conversationID string) (int64, error) {
	var seq int64
	err := tx.QueryRowContext(ctx, `
		INSERT INTO conversation_seq (conversation_id, last_seq)
		VALUES ($1, 1)
		ON CONFLICT (conversation_id)
		DO UPDATE SET last_seq = conversation_seq.last_seq + 1
		RETURNING last_seq`, conversationID).Scan(&seq)
	if err != nil {
		return 0, core.Wrap(core.KindTransientAdapter, "conversation sequence bump", err)
	}
	return seq, nil
}

// duplicateResult fetches the record committed by the first copy of a
// resent message.
func (s *MessageService) duplicateResult(ctx context.Context, messageID string) (SendResult, error) {
	rec, err := s.Get(ctx, messageID)
	if err != nil {
		return SendResult{}, err
	}
	seq := int64(0)
	if v, ok := rec.Data["seq"].(float64); ok {
		seq = int64(v)
	}
	return SendResult{Record: rec, Seq: seq, Duplicate: true}, nil
}

// Get reads one message through the facade (eventual consistency).
func (s *MessageService) Get(ctx context.Context, messageID string) (storage.Record, error) {
	return s.facade.GetRecord(ctx,
		storage.ObjectReference{Namespace: MessageNamespace, ID: messageID},
		storage.ReadOptions{})
}

// List pages a conversation's messages through the facade.
func (s *MessageService) List(ctx context.Context, conversationID, cursor string, limit int) (storage.QueryResult, error) {
	return s.facade.QueryRecords(ctx, MessageNamespace,
		storage.Query{Filter: map[string]interface{}{"conversationId": conversationID}},
		storage.Page{Cursor: cursor, Limit: limit},
		storage.CallOptions{})
}

func validateSend(in SendInput) error {
	if in.ConversationID == "" {
		return core.E(core.KindValidationFailed, "conversationId is required")
	}
	if in.SenderID == "" {
		return core.E(core.KindValidationFailed, "senderId is required")
	}
	if in.Ciphertext == "" {
		return core.E(core.KindValidationFailed, "ciphertext is required")
	}
	if len(in.Ciphertext) > maxCiphertextBytes {
		return core.Ef(core.KindValidationFailed, "ciphertext exceeds %d bytes", maxCiphertextBytes)
	}
	return nil
}
