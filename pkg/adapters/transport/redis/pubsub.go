package redis

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/prismgate/relay/pkg/ports"
)

// keyPrefix namespaces relay channels on a shared Redis instance.
const keyPrefix = "relay:events:"

// subscriptionBuffer bounds inbound delivery between the Redis reader and
// the bus listen loop.
const subscriptionBuffer = 64

// PubSubTransport implements ports.Transport using Redis Pub/Sub. The
// client is injected and owned by the caller; publishing from concurrent
// producers is serialized by the client internally.
type PubSubTransport struct {
	client *redis.Client
	logger *zap.Logger
}

// NewPubSubTransport creates a Redis Pub/Sub transport
func NewPubSubTransport(client *redis.Client, logger *zap.Logger) *PubSubTransport {
	return &PubSubTransport{
		client: client,
		logger: logger,
	}
}

// Publish writes a payload to one channel. Per-channel delivery order
// follows publish order for a single producer, a property of Redis Pub/Sub.
func (t *PubSubTransport) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := t.client.Publish(ctx, keyPrefix+channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", channel, err)
	}
	return nil
}

// Subscribe opens a persistent subscription to the given channels.
func (t *PubSubTransport) Subscribe(ctx context.Context, channels ...string) (ports.Subscription, error) {
	keys := make([]string, len(channels))
	for i, channel := range channels {
		keys[i] = keyPrefix + channel
	}

	ps := t.client.Subscribe(ctx, keys...)

	// Confirm the subscription is live before handing it out.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	sub := &subscription{
		ps:       ps,
		messages: make(chan ports.TransportMessage, subscriptionBuffer),
	}
	go sub.pump()

	t.logger.Info("subscribed to transport channels", zap.Strings("channels", channels))
	return sub, nil
}

// Close is a no-op: the Redis client is closed by its owner.
func (t *PubSubTransport) Close() error {
	return nil
}

type subscription struct {
	ps       *redis.PubSub
	messages chan ports.TransportMessage
}

func (s *subscription) Messages() <-chan ports.TransportMessage {
	return s.messages
}

func (s *subscription) Close() error {
	return s.ps.Close()
}

// pump forwards Redis messages until the subscription closes.
func (s *subscription) pump() {
	defer close(s.messages)

	for msg := range s.ps.Channel() {
		s.messages <- ports.TransportMessage{
			Channel: strings.TrimPrefix(msg.Channel, keyPrefix),
			Payload: []byte(msg.Payload),
		}
	}
}
