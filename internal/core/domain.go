package core

import (
	"time"
)

// EventTypeMessageCreated is the outbox event type emitted for every
// committed message.
const EventTypeMessageCreated = "MessageCreated"

// EnvelopeVersion is the wire version stamped on broker events and socket
// envelopes.
const EnvelopeVersion = 1

// Principal is the authenticated caller attached to the request context by
// the upstream token verifier. The pipeline never inspects credentials; it
// trusts this struct.
type Principal struct {
	UserID    string `json:"userId"`
	DeviceID  string `json:"deviceId"`
	SessionID string `json:"sessionId"`
	Scope     string `json:"scope"`
	IssuedAt  int64  `json:"iat"`
	ExpiresAt int64  `json:"exp"`
}

// Conversation roles. Role is carried on the participant record, not the
// principal; admin checks resolve it per conversation.
const (
	RoleOwner  = "owner"
	RoleAdmin  = "admin"
	RoleMember = "member"
)

// Participant is one row of a conversation's membership as served by the
// read port and cached by the participant cache.
type Participant struct {
	ConversationID string     `json:"conversationId"`
	UserID         string     `json:"userId"`
	Role           string     `json:"role"`
	JoinedAt       time.Time  `json:"joinedAt"`
	LeftAt         *time.Time `json:"leftAt,omitempty"`
}

// Active reports whether the participant has not departed.
func (p Participant) Active() bool {
	return p.LeftAt == nil
}

// BrokerEvent is the JSON payload carried on the outbox row and the broker
// stream entry. Ciphertext is opaque to the pipeline.
type BrokerEvent struct {
	V               int                    `json:"v"`
	Type            string                 `json:"type"`
	EventID         string                 `json:"eventId"`
	MessageID       string                 `json:"messageId"`
	ConversationID  string                 `json:"conversationId"`
	Seq             int64                  `json:"seq,omitempty"`
	Ciphertext      string                 `json:"ciphertext"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
	ContentSize     int64                  `json:"contentSize,omitempty"`
	ContentMimeType string                 `json:"contentMimeType,omitempty"`
	OccurredAt      time.Time              `json:"occurredAt"`
}

// Validate checks the fields the consumer cannot deliver without.
func (e *BrokerEvent) Validate() error {
	if e.MessageID == "" {
		return E(KindValidationFailed, "broker event missing messageId")
	}
	if e.ConversationID == "" {
		return E(KindValidationFailed, "broker event missing conversationId")
	}
	if e.Ciphertext == "" {
		return E(KindValidationFailed, "broker event missing ciphertext")
	}
	return nil
}
