package redis

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// PubSub publishes payloads to a Redis channel and delivers payloads from it.
type PubSub struct {
	client  *redis.Client
	channel string
	logger  *zap.Logger
}

// NewPubSub creates a PubSub bound to one channel.
func NewPubSub(client *redis.Client, channel string, logger *zap.Logger) *PubSub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PubSub{client: client, channel: channel, logger: logger}
}

// Publish sends payload to every subscriber of the channel.
func (p *PubSub) Publish(ctx context.Context, payload []byte) error {
	if err := p.client.Publish(ctx, p.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", p.channel, err)
	}
	return nil
}

// Subscribe calls handle for every message until ctx is done. It returns once
// the subscription is confirmed; delivery runs in a background goroutine and
// the returned channel is closed when it stops.
func (p *PubSub) Subscribe(ctx context.Context, handle func(payload []byte)) (<-chan struct{}, error) {
	sub := p.client.Subscribe(ctx, p.channel)
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", p.channel, err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer sub.Close()

		messages := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				handle([]byte(msg.Payload))
			}
		}
	}()

	p.logger.Info("subscribed", zap.String("channel", p.channel))
	return done, nil
}
