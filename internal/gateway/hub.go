// Package gateway delivers pipeline envelopes to connected clients over
// long-lived websockets. The consumer depends only on the Hub interface; the
// websocket implementation lives behind it.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrPermanent marks a broadcast failure that redelivery can never fix; the
// consumer dead-letters and acks instead of leaving the entry pending.
var ErrPermanent = errors.New("permanent broadcast error")

// Hub is the socket fan-out consumed by the pipeline.
type Hub interface {
	// Broadcast delivers an envelope to every socket attached to the
	// conversation. Validation failures wrap ErrPermanent.
	Broadcast(ctx context.Context, conversationID string, env Envelope) error

	// Presence reports how many sockets are attached to the conversation.
	Presence(conversationID string) int
}

// Envelope is the versioned frame written to sockets.
type Envelope struct {
	V       int     `json:"v"`
	ID      string  `json:"id"`
	Type    string  `json:"type"`
	Size    int     `json:"size"`
	Payload Payload `json:"payload"`
}

// Payload carries the conversation sequence number and the message data.
type Payload struct {
	Seq  int64 `json:"seq"`
	Data Data  `json:"data"`
}

// Data is the delivered message. Ciphertext is opaque; the gateway never
// inspects it.
type Data struct {
	MessageID       string                 `json:"messageId"`
	ConversationID  string                 `json:"conversationId"`
	Ciphertext      string                 `json:"ciphertext"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
	ContentSize     int64                  `json:"contentSize,omitempty"`
	ContentMimeType string                 `json:"contentMimeType,omitempty"`
	OccurredAt      time.Time              `json:"occurredAt"`
}

// Validate checks the fields a client cannot use the envelope without.
func (e Envelope) Validate() error {
	if e.Payload.Data.MessageID == "" {
		return fmt.Errorf("envelope missing required messageId: %w", ErrPermanent)
	}
	if e.Payload.Data.ConversationID == "" {
		return fmt.Errorf("envelope missing required conversationId: %w", ErrPermanent)
	}
	if e.Payload.Data.Ciphertext == "" {
		return fmt.Errorf("envelope missing required ciphertext: %w", ErrPermanent)
	}
	return nil
}

// Marshal encodes the envelope, filling Size with the encoded length. Size
// is computed over the frame with Size already set, so it is stamped in two
// passes.
func (e Envelope) Marshal() ([]byte, error) {
	probe, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	if e.Size == 0 {
		e.Size = len(probe)
		return json.Marshal(e)
	}
	return probe, nil
}
