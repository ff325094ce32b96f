// Package redispubsub implements the gateway.Source contract on top of
// Redis Pub/Sub pattern subscriptions.
package redispubsub

import (
	"context"
	"fmt"

	"github.com/hui0202/sse-gateway"
	"github.com/redis/go-redis/v9"
)

// Source subscribes to one or more Redis Pub/Sub patterns and turns each
// published message into an IncomingMessage addressed to the channel the
// message arrived on.
type Source struct {
	gateway.BaseSource

	redisURL string
	patterns []string
}

// New returns a Source that PSUBSCRIBEs to patterns (e.g. "*" for "every
// channel").
func New(redisURL string, patterns ...string) *Source {
	if len(patterns) == 0 {
		patterns = []string{"*"}
	}
	return &Source{redisURL: redisURL, patterns: patterns}
}

func (s *Source) Start(ctx context.Context, handler gateway.MessageHandler, _ gateway.RegistryView, cancel <-chan struct{}) error {
	opt, err := redis.ParseURL(s.redisURL)
	if err != nil {
		return fmt.Errorf("redispubsub: parse redis url: %w", err)
	}
	client := redis.NewClient(opt)
	defer client.Close()

	pubsub := client.PSubscribe(ctx, s.patterns...)
	defer pubsub.Close()

	msgs := pubsub.Channel()
	for {
		select {
		case <-cancel:
			return nil
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return fmt.Errorf("redispubsub: subscription channel closed")
			}
			channelID := msg.Channel
			handler(gateway.NewIncomingMessage(channelID, "message", msg.Payload))
		}
	}
}

func (s *Source) Name() string { return "redis-pubsub" }

var _ gateway.Source = (*Source)(nil)
