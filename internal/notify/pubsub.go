package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"cloud.google.com/go/pubsub"
)

// PubSubNotifier publishes notifications to a Cloud Pub/Sub topic with
// per-conversation ordering keys, so a recipient's push service sees a
// conversation's notifications in commit order.
type PubSubNotifier struct {
	client *pubsub.Client
	topic  *pubsub.Topic
	logger *slog.Logger
}

// NewPubSubNotifier connects and ensures the topic exists.
func NewPubSubNotifier(projectID, topicID string, logger *slog.Logger) (*PubSubNotifier, error) {
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client: %w", err)
	}

	topic := client.Topic(topicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("pubsub topic exists: %w", err)
	}
	if !exists {
		topic, err = client.CreateTopic(ctx, topicID)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("pubsub create topic: %w", err)
		}
		logger.Info("[Notify] created topic", "topic", topicID)
	}
	topic.EnableMessageOrdering = true

	logger.Info("[Notify] connected", "topic", topic.String())
	return &PubSubNotifier{client: client, topic: topic, logger: logger}, nil
}

// Publish sends one notification, ordered by conversation. The publish
// result is checked asynchronously so the consumer's hot path never waits on
// the Pub/Sub round trip.
func (n *PubSubNotifier) Publish(ctx context.Context, notification Notification) error {
	payload, err := json.Marshal(notification)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	result := n.topic.Publish(ctx, &pubsub.Message{
		Data: payload,
		Attributes: map[string]string{
			"conversationId": notification.ConversationID,
			"messageId":      notification.MessageID,
		},
		OrderingKey: notification.ConversationID,
	})

	go func() {
		if _, err := result.Get(context.Background()); err != nil {
			n.logger.Warn("[Notify] publish failed",
				"conversation", notification.ConversationID, "error", err)
			// A failed ordering key blocks subsequent publishes on that key
			// until resumed.
			n.topic.ResumePublish(notification.ConversationID)
		}
	}()
	return nil
}

// Close flushes outstanding publishes and shuts the client down.
func (n *PubSubNotifier) Close() error {
	n.topic.Stop()
	if err := n.client.Close(); err != nil {
		return fmt.Errorf("pubsub close: %w", err)
	}
	return nil
}
