package memory

import (
	"context"
	"sync"

	"github.com/prismgate/relay/pkg/ports"
)

// subscriptionBuffer bounds per-subscriber delivery. A subscriber that
// stops draining loses messages rather than blocking publishers.
const subscriptionBuffer = 256

// InMemoryTransport implements ports.Transport within a single process.
// This is for testing purposes only.
type InMemoryTransport struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]*subscription
	closed bool
}

// NewInMemoryTransport creates a new in-memory transport
func NewInMemoryTransport() *InMemoryTransport {
	return &InMemoryTransport{
		subs: make(map[int]*subscription),
	}
}

// Publish delivers a payload to every subscription covering the channel,
// in publish order per subscriber.
func (t *InMemoryTransport) Publish(_ context.Context, channel string, payload []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, sub := range t.subs {
		if !sub.covers(channel) {
			continue
		}
		select {
		case sub.messages <- ports.TransportMessage{Channel: channel, Payload: payload}:
		default:
			// Slow consumer, drop.
		}
	}
	return nil
}

// Subscribe registers a subscription for the given channels.
func (t *InMemoryTransport) Subscribe(_ context.Context, channels ...string) (ports.Subscription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	sub := &subscription{
		transport: t,
		channels:  make(map[string]struct{}, len(channels)),
		messages:  make(chan ports.TransportMessage, subscriptionBuffer),
	}
	for _, channel := range channels {
		sub.channels[channel] = struct{}{}
	}

	sub.id = t.nextID
	t.nextID++
	t.subs[sub.id] = sub

	return sub, nil
}

// Close drops all subscriptions.
func (t *InMemoryTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true

	for id, sub := range t.subs {
		close(sub.messages)
		delete(t.subs, id)
	}
	return nil
}

type subscription struct {
	transport *InMemoryTransport
	id        int
	channels  map[string]struct{}
	messages  chan ports.TransportMessage
	closed    bool
}

func (s *subscription) covers(channel string) bool {
	_, ok := s.channels[channel]
	return ok
}

func (s *subscription) Messages() <-chan ports.TransportMessage {
	return s.messages
}

func (s *subscription) Close() error {
	s.transport.mu.Lock()
	defer s.transport.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	delete(s.transport.subs, s.id)
	close(s.messages)
	return nil
}
