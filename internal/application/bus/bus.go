package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/prismgate/relay/pkg/domain"
	"github.com/prismgate/relay/pkg/ports"
)

// recentEventCap bounds the listen loop's duplicate-suppression window.
const recentEventCap = 1024

// ListenerFunc is a callback invoked for every inbound event of a
// registered type. Each invocation runs as its own goroutine behind an
// error boundary; failures never reach sibling listeners or the listen
// loop.
type ListenerFunc func(ctx context.Context, event *domain.Event)

// FilterFunc narrows WaitForEvent to events matching a predicate.
type FilterFunc func(event *domain.Event) bool

// ListenerHandle identifies one listener registration. Go function values
// have no usable identity (distinct closures built from the same literal
// share a code pointer), so removal goes through the handle returned at
// registration time.
type ListenerHandle struct {
	eventType domain.EventType
	id        uint64
}

// Bus distributes typed events across service processes.
type Bus struct {
	transport ports.Transport
	orgID     string
	logger    *zap.Logger
	metrics   ports.MetricsCollector

	mu             sync.Mutex
	listeners      map[domain.EventType]map[uint64]ListenerFunc
	nextListenerID uint64
	running        bool
	sub            ports.Subscription
	cancel         context.CancelFunc
	wg             sync.WaitGroup
}

// NewBus creates an event bus. orgID scopes the bus to one organization's
// channel in addition to the global system channel; empty means global
// only.
func NewBus(transport ports.Transport, orgID string, metrics ports.MetricsCollector, logger *zap.Logger) *Bus {
	return &Bus{
		transport: transport,
		orgID:     orgID,
		logger:    logger,
		metrics:   metrics,
		listeners: make(map[domain.EventType]map[uint64]ListenerFunc),
	}
}

// Start establishes the persistent transport subscription and launches the
// listen loop. Idempotent.
func (b *Bus) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.running {
		return nil
	}

	channels := []string{domain.SystemGlobalChannel}
	if b.orgID != "" {
		channels = append(channels, domain.OrgChannel(b.orgID))
	}

	sub, err := b.transport.Subscribe(ctx, channels...)
	if err != nil {
		return fmt.Errorf("failed to subscribe to transport: %w", err)
	}

	listenCtx, cancel := context.WithCancel(context.Background())
	b.sub = sub
	b.cancel = cancel
	b.running = true

	b.wg.Add(1)
	go b.listen(listenCtx, sub)

	b.logger.Info("event bus started", zap.Strings("channels", channels))
	return nil
}

// Stop cancels the listen loop and releases the subscription. Idempotent.
func (b *Bus) Stop() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	b.running = false
	b.cancel()
	if err := b.sub.Close(); err != nil {
		b.logger.Warn("failed to close transport subscription", zap.Error(err))
	}
	b.mu.Unlock()

	b.wg.Wait()
	b.logger.Info("event bus stopped")
}

// Publish computes the event's destination channels and writes the
// serialized event to each. Fire-and-forget: transport failures are logged,
// not returned. Events that are not system-wide must carry an organization
// id; the bus refuses to compute channels otherwise.
func (b *Bus) Publish(ctx context.Context, event *domain.Event) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if err := event.Validate(); err != nil {
		return fmt.Errorf("invalid event: %w", err)
	}

	channels := event.Channels()
	if len(channels) == 0 {
		// Such events should not be constructed; dropping is acceptable.
		b.logger.Debug("event has no destination channels",
			zap.String("event_id", event.ID),
			zap.String("type", string(event.Type)))
		b.metrics.IncEventsDiscarded("no_channels")
		return nil
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	for _, channel := range channels {
		if err := b.transport.Publish(ctx, channel, payload); err != nil {
			b.logger.Error("failed to publish event",
				zap.String("event_id", event.ID),
				zap.String("channel", channel),
				zap.Error(err))
		}
	}

	b.metrics.IncEventsPublished(string(event.Type))
	b.logger.Debug("event published",
		zap.String("event_id", event.ID),
		zap.String("type", string(event.Type)),
		zap.Strings("channels", channels))

	return nil
}

// RegisterListener adds a callback for an event type and returns the handle
// that removes it. Every call is an independent registration: concurrent
// registrations of closures built from the same literal stay independent and
// each receives every matching event.
func (b *Bus) RegisterListener(eventType domain.EventType, listener ListenerFunc) ListenerHandle {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextListenerID++
	set, ok := b.listeners[eventType]
	if !ok {
		set = make(map[uint64]ListenerFunc)
		b.listeners[eventType] = set
	}
	set[b.nextListenerID] = listener

	return ListenerHandle{eventType: eventType, id: b.nextListenerID}
}

// UnregisterListener removes the registration identified by the handle.
// Unknown or already-removed handles are a no-op.
func (b *Bus) UnregisterListener(handle ListenerHandle) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if set, ok := b.listeners[handle.eventType]; ok {
		delete(set, handle.id)
		if len(set) == 0 {
			delete(b.listeners, handle.eventType)
		}
	}
}

// WaitForEvent registers a temporary listener and resolves on the first
// event of the type passing the optional filter. The listener is removed on
// every exit path. Timeout is a normal outcome and yields a nil event.
func (b *Bus) WaitForEvent(ctx context.Context, eventType domain.EventType, timeout time.Duration, filter FilterFunc) (*domain.Event, error) {
	resultCh := make(chan *domain.Event, 1)
	var once sync.Once

	listener := func(_ context.Context, event *domain.Event) {
		if filter != nil && !filter(event) {
			return
		}
		once.Do(func() { resultCh <- event })
	}

	handle := b.RegisterListener(eventType, listener)
	defer b.UnregisterListener(handle)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case event := <-resultCh:
		return event, nil
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// listen consumes transport messages until the subscription closes.
// Malformed payloads are logged and skipped without terminating the loop.
// A system-wide event carrying an organization id arrives on both the global
// and the organization channel; a bounded window of recent event ids keeps
// local delivery to one fan-out per event.
func (b *Bus) listen(ctx context.Context, sub ports.Subscription) {
	defer b.wg.Done()

	seen := make(map[string]struct{}, recentEventCap)
	ring := make([]string, recentEventCap)
	next := 0

	for msg := range sub.Messages() {
		var event domain.Event
		if err := json.Unmarshal(msg.Payload, &event); err != nil {
			b.logger.Warn("skipping malformed event payload",
				zap.String("channel", msg.Channel),
				zap.Error(err))
			b.metrics.IncEventsDiscarded("malformed")
			continue
		}

		if event.ID != "" {
			if _, dup := seen[event.ID]; dup {
				b.metrics.IncEventsDiscarded("duplicate")
				continue
			}
			if ring[next] != "" {
				delete(seen, ring[next])
			}
			ring[next] = event.ID
			seen[event.ID] = struct{}{}
			next = (next + 1) % recentEventCap
		}

		b.metrics.IncEventsReceived(string(event.Type))
		b.dispatch(ctx, &event)
	}
}

// dispatch schedules every registered listener of the event's type as an
// independent goroutine with its own error boundary.
func (b *Bus) dispatch(ctx context.Context, event *domain.Event) {
	b.mu.Lock()
	set := b.listeners[event.Type]
	listeners := make([]ListenerFunc, 0, len(set))
	for _, listener := range set {
		listeners = append(listeners, listener)
	}
	b.mu.Unlock()

	for _, listener := range listeners {
		go func(fn ListenerFunc) {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("event listener panicked",
						zap.String("event_id", event.ID),
						zap.String("type", string(event.Type)),
						zap.Any("panic", r))
				}
			}()
			fn(ctx, event)
		}(listener)
	}
}
