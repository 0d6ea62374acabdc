// Package notify is the offline-notification egress: when a message is
// delivered to a conversation with no attached sockets, the consumer hands a
// notification to this sink best-effort. Delivery guarantees end at the
// broker; a lost notification is a push that never buzzed, not a lost
// message.
package notify

import (
	"context"
	"time"
)

// Notification is the minimal fact downstream push services need. It never
// carries ciphertext.
type Notification struct {
	ConversationID string    `json:"conversationId"`
	MessageID      string    `json:"messageId"`
	OccurredAt     time.Time `json:"occurredAt"`
}

// Notifier publishes notifications for offline recipients.
type Notifier interface {
	Publish(ctx context.Context, n Notification) error
	Close() error
}

// Noop drops every notification; the dev and test default.
type Noop struct{}

func (Noop) Publish(ctx context.Context, n Notification) error { return nil }
func (Noop) Close() error                                      { return nil }
