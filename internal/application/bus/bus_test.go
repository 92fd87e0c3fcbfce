package bus

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/prismgate/relay/pkg/adapters/transport/memory"
	"github.com/prismgate/relay/pkg/domain"
	"github.com/prismgate/relay/pkg/ports"
)

func newTestBus(t *testing.T, orgID string) (*Bus, *memory.InMemoryTransport) {
	t.Helper()

	transport := memory.NewInMemoryTransport()
	b := NewBus(transport, orgID, ports.NopMetrics{}, zap.NewNop())
	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(b.Stop)
	return b, transport
}

func TestPublishReachesListener(t *testing.T) {
	b, _ := newTestBus(t, "acme")

	received := make(chan *domain.Event, 1)
	b.RegisterListener(domain.EventTypeMetricsUpdate, func(_ context.Context, event *domain.Event) {
		received <- event
	})

	err := b.Publish(context.Background(), &domain.Event{
		Type:           domain.EventTypeMetricsUpdate,
		OrganizationID: "acme",
		Data:           map[string]interface{}{"cpu": 0.5},
	})
	require.NoError(t, err)

	select {
	case event := <-received:
		assert.Equal(t, domain.EventTypeMetricsUpdate, event.Type)
		assert.Equal(t, "acme", event.OrganizationID)
		assert.NotEmpty(t, event.ID)
		assert.False(t, event.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("listener not invoked")
	}
}

func TestPublishRefusesInvalidEvent(t *testing.T) {
	b, _ := newTestBus(t, "acme")

	err := b.Publish(context.Background(), &domain.Event{Type: domain.EventTypeMetricsUpdate})
	assert.Error(t, err)

	err = b.Publish(context.Background(), &domain.Event{OrganizationID: "acme"})
	assert.Error(t, err)
}

func TestSystemWideEventCrossesOrganizations(t *testing.T) {
	publisher, transport := newTestBus(t, "acme")

	subscriber := NewBus(transport, "globex", ports.NopMetrics{}, zap.NewNop())
	require.NoError(t, subscriber.Start(context.Background()))
	t.Cleanup(subscriber.Stop)

	received := make(chan *domain.Event, 1)
	subscriber.RegisterListener(domain.EventTypeSystemAlert, func(_ context.Context, event *domain.Event) {
		received <- event
	})

	require.NoError(t, publisher.Publish(context.Background(), &domain.Event{
		Type: domain.EventTypeSystemAlert,
		Data: map[string]interface{}{"severity": "high"},
	}))

	select {
	case event := <-received:
		assert.Equal(t, domain.EventTypeSystemAlert, event.Type)
	case <-time.After(time.Second):
		t.Fatal("system-wide event not delivered across buses")
	}
}

func TestOrgScopedEventStaysInOrg(t *testing.T) {
	publisher, transport := newTestBus(t, "acme")

	other := NewBus(transport, "globex", ports.NopMetrics{}, zap.NewNop())
	require.NoError(t, other.Start(context.Background()))
	t.Cleanup(other.Stop)

	var count int64
	other.RegisterListener(domain.EventTypeMetricsUpdate, func(_ context.Context, _ *domain.Event) {
		atomic.AddInt64(&count, 1)
	})

	require.NoError(t, publisher.Publish(context.Background(), &domain.Event{
		Type:           domain.EventTypeMetricsUpdate,
		OrganizationID: "acme",
	}))

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int64(0), atomic.LoadInt64(&count))
}

func TestEachRegistrationIsIndependent(t *testing.T) {
	b, _ := newTestBus(t, "acme")

	var count int64
	listener := func(_ context.Context, _ *domain.Event) {
		atomic.AddInt64(&count, 1)
	}
	first := b.RegisterListener(domain.EventTypeSystemHealth, listener)
	second := b.RegisterListener(domain.EventTypeSystemHealth, listener)
	assert.NotEqual(t, first, second)

	require.NoError(t, b.Publish(context.Background(), &domain.Event{Type: domain.EventTypeSystemHealth}))

	require.Eventually(t, func() bool {
		return atomic.LoadInt64(&count) == 2
	}, time.Second, 10*time.Millisecond)
}

func TestUnregisterListener(t *testing.T) {
	b, _ := newTestBus(t, "acme")

	var count int64
	handle := b.RegisterListener(domain.EventTypeSystemHealth, func(_ context.Context, _ *domain.Event) {
		atomic.AddInt64(&count, 1)
	})
	b.UnregisterListener(handle)
	// Removing an already-removed handle is a no-op.
	b.UnregisterListener(handle)

	require.NoError(t, b.Publish(context.Background(), &domain.Event{Type: domain.EventTypeSystemHealth}))

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int64(0), atomic.LoadInt64(&count))
}

func TestUnregisterRemovesOnlyOwnRegistration(t *testing.T) {
	b, _ := newTestBus(t, "acme")

	var count int64
	listener := func(_ context.Context, _ *domain.Event) {
		atomic.AddInt64(&count, 1)
	}
	first := b.RegisterListener(domain.EventTypeSystemHealth, listener)
	b.RegisterListener(domain.EventTypeSystemHealth, listener)
	b.UnregisterListener(first)

	require.NoError(t, b.Publish(context.Background(), &domain.Event{Type: domain.EventTypeSystemHealth}))

	require.Eventually(t, func() bool {
		return atomic.LoadInt64(&count) == 1
	}, time.Second, 10*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(1), atomic.LoadInt64(&count))
}

func TestListenerPanicIsIsolated(t *testing.T) {
	b, _ := newTestBus(t, "acme")

	received := make(chan struct{}, 1)
	b.RegisterListener(domain.EventTypeSystemHealth, func(_ context.Context, _ *domain.Event) {
		panic("boom")
	})
	b.RegisterListener(domain.EventTypeSystemHealth, func(_ context.Context, _ *domain.Event) {
		received <- struct{}{}
	})

	require.NoError(t, b.Publish(context.Background(), &domain.Event{Type: domain.EventTypeSystemHealth}))

	select {
	case <-received:
	case <-time.After(time.Second):
		t.Fatal("sibling listener starved by panicking listener")
	}

	// The listen loop survives; a second publish still flows.
	require.NoError(t, b.Publish(context.Background(), &domain.Event{Type: domain.EventTypeSystemHealth}))
	select {
	case <-received:
	case <-time.After(time.Second):
		t.Fatal("listen loop dead after listener panic")
	}
}

func TestWaitForEvent(t *testing.T) {
	b, _ := newTestBus(t, "acme")

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = b.Publish(context.Background(), &domain.Event{
			Type: domain.EventTypeSystemAlert,
			Data: map[string]interface{}{"severity": "low"},
		})
		_ = b.Publish(context.Background(), &domain.Event{
			Type: domain.EventTypeSystemAlert,
			Data: map[string]interface{}{"severity": "high"},
		})
	}()

	event, err := b.WaitForEvent(context.Background(), domain.EventTypeSystemAlert, time.Second, func(e *domain.Event) bool {
		return e.Data["severity"] == "high"
	})
	require.NoError(t, err)
	require.NotNil(t, event)
	assert.Equal(t, "high", event.Data["severity"])
}

func TestConcurrentWaitersBothReceive(t *testing.T) {
	b, _ := newTestBus(t, "acme")

	type result struct {
		event *domain.Event
		err   error
	}
	results := make(chan result, 2)
	for i := 0; i < 2; i++ {
		go func() {
			event, err := b.WaitForEvent(context.Background(), domain.EventTypeSystemAlert, 2*time.Second, nil)
			results <- result{event, err}
		}()
	}

	time.Sleep(100 * time.Millisecond)
	require.NoError(t, b.Publish(context.Background(), &domain.Event{Type: domain.EventTypeSystemAlert}))

	for i := 0; i < 2; i++ {
		r := <-results
		require.NoError(t, r.err)
		require.NotNil(t, r.event, "every concurrent waiter must receive the event")
		assert.Equal(t, domain.EventTypeSystemAlert, r.event.Type)
	}
}

func TestWaitForEventTimeout(t *testing.T) {
	b, _ := newTestBus(t, "acme")

	event, err := b.WaitForEvent(context.Background(), domain.EventTypeSystemAlert, 50*time.Millisecond, nil)
	assert.NoError(t, err)
	assert.Nil(t, event)
}

func TestWaitForEventContextCancellation(t *testing.T) {
	b, _ := newTestBus(t, "acme")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	event, err := b.WaitForEvent(ctx, domain.EventTypeSystemAlert, time.Minute, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, event)
}

func TestSystemWideEventWithOrgDeliveredOnce(t *testing.T) {
	b, _ := newTestBus(t, "acme")

	var count int64
	b.RegisterListener(domain.EventTypeSystemHealth, func(_ context.Context, _ *domain.Event) {
		atomic.AddInt64(&count, 1)
	})

	// Published to both org:acme and system:global; this bus subscribes to
	// both channels but must fan the event out once.
	require.NoError(t, b.Publish(context.Background(), &domain.Event{
		Type:           domain.EventTypeSystemHealth,
		OrganizationID: "acme",
	}))

	require.Eventually(t, func() bool {
		return atomic.LoadInt64(&count) == 1
	}, time.Second, 10*time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int64(1), atomic.LoadInt64(&count))
}

func TestMalformedPayloadSkipped(t *testing.T) {
	b, transport := newTestBus(t, "acme")

	received := make(chan *domain.Event, 1)
	b.RegisterListener(domain.EventTypeSystemHealth, func(_ context.Context, event *domain.Event) {
		received <- event
	})

	require.NoError(t, transport.Publish(context.Background(), domain.SystemGlobalChannel, []byte("{not json")))
	require.NoError(t, b.Publish(context.Background(), &domain.Event{Type: domain.EventTypeSystemHealth}))

	select {
	case event := <-received:
		assert.Equal(t, domain.EventTypeSystemHealth, event.Type)
	case <-time.After(time.Second):
		t.Fatal("listen loop did not survive malformed payload")
	}
}

func TestStartAndStopAreIdempotent(t *testing.T) {
	transport := memory.NewInMemoryTransport()
	b := NewBus(transport, "acme", ports.NopMetrics{}, zap.NewNop())

	require.NoError(t, b.Start(context.Background()))
	require.NoError(t, b.Start(context.Background()))

	b.Stop()
	b.Stop()
}
