// Package push wakes a group's offline clients by handing their push
// tokens to the downstream notification pipeline over Google Cloud Pub/Sub.
package push

import (
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/pubsub/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// pubsubTopicClient defines the interface for the underlying pubsub
// publisher. This allows us to use a mock for testing.
type pubsubTopicClient interface {
	Publish(ctx context.Context, msg *pubsub.Message) *pubsub.PublishResult
}

// wakeRequest is the JSON payload the notification pipeline consumes. The
// pipeline owns the FCM exchange; dead registrations come back to the
// relay through its own feedback, not this publish.
type wakeRequest struct {
	ID        string   `json:"id"`
	Type      string   `json:"type"`
	GroupID   string   `json:"group_id"`
	FCMTokens []string `json:"fcm_tokens"`
}

// PubSubNotifier implements relay.PushNotifier by publishing wake requests
// to a Pub/Sub topic.
type PubSubNotifier struct {
	topic  pubsubTopicClient
	logger zerolog.Logger
}

// NewPubSubNotifier is the constructor for the Pub/Sub notifier.
func NewPubSubNotifier(topic pubsubTopicClient, logger zerolog.Logger) (*PubSubNotifier, error) {
	if topic == nil {
		return nil, fmt.Errorf("topic cannot be nil")
	}
	return &PubSubNotifier{
		topic:  topic,
		logger: logger.With().Str("component", "PubSubNotifier").Logger(),
	}, nil
}

// Notify publishes one wake request carrying the group's push tokens and
// waits for the broker's acknowledgement. The returned rejected list is
// always empty: token feedback arrives asynchronously through the
// notification pipeline, never inline.
func (n *PubSubNotifier) Notify(ctx context.Context, groupID string, tokens []string) ([]string, error) {
	request := wakeRequest{
		ID:        uuid.NewString(),
		Type:      "wake",
		GroupID:   groupID,
		FCMTokens: tokens,
	}

	payload, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal wake request: %w", err)
	}

	n.logger.Debug().Str("group", groupID).Str("msg_id", request.ID).Int("tokens", len(tokens)).Msg("Publishing wake request")

	result := n.topic.Publish(ctx, &pubsub.Message{Data: payload})
	if _, err := result.Get(ctx); err != nil {
		return nil, fmt.Errorf("failed to publish wake request: %w", err)
	}
	return nil, nil
}
