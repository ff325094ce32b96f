// Package gcppubsub implements the gateway.Source contract on top of a
// Google Cloud Pub/Sub subscription, reading channel routing out of message
// attributes the way the original subscriber did.
package gcppubsub

import (
	"context"
	"fmt"

	"cloud.google.com/go/pubsub"
	"github.com/hui0202/sse-gateway"
)

// Source pulls messages from a single Pub/Sub subscription. Each message's
// "channel_id" attribute (if present) addresses the resulting
// IncomingMessage; its absence means broadcast. "event_type" defaults to
// "message".
type Source struct {
	gateway.BaseSource

	projectID      string
	subscriptionID string
}

// New returns a Source bound to projectID/subscriptionID.
func New(projectID, subscriptionID string) *Source {
	return &Source{projectID: projectID, subscriptionID: subscriptionID}
}

func (s *Source) Start(ctx context.Context, handler gateway.MessageHandler, _ gateway.RegistryView, cancel <-chan struct{}) error {
	client, err := pubsub.NewClient(ctx, s.projectID)
	if err != nil {
		return fmt.Errorf("gcppubsub: new client: %w", err)
	}
	defer client.Close()

	sub := client.Subscription(s.subscriptionID)

	receiveCtx, stop := context.WithCancel(ctx)
	defer stop()
	go func() {
		select {
		case <-cancel:
			stop()
		case <-receiveCtx.Done():
		}
	}()

	err = sub.Receive(receiveCtx, func(_ context.Context, m *pubsub.Message) {
		handler(incomingMessageFor(m.Attributes, m.Data))
		m.Ack()
	})
	if err != nil && receiveCtx.Err() == nil {
		return fmt.Errorf("gcppubsub: receive: %w", err)
	}
	return nil
}

// incomingMessageFor maps a Pub/Sub message's attributes and payload to an
// IncomingMessage: "channel_id" addresses it (its absence means broadcast),
// "event_type" defaults to "message".
func incomingMessageFor(attrs map[string]string, data []byte) gateway.IncomingMessage {
	eventType := attrs["event_type"]
	if eventType == "" {
		eventType = "message"
	}
	if channelID, ok := attrs["channel_id"]; ok && channelID != "" {
		return gateway.NewIncomingMessage(channelID, eventType, string(data))
	}
	return gateway.BroadcastMessage(eventType, string(data))
}

func (s *Source) Name() string { return "gcp-pubsub" }

var _ gateway.Source = (*Source)(nil)
