package health

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/prismgate/relay/internal/application/bus"
	"github.com/prismgate/relay/internal/application/sse"
	"github.com/prismgate/relay/internal/application/ws"
	"github.com/prismgate/relay/pkg/adapters/transport/memory"
	"github.com/prismgate/relay/pkg/domain"
	"github.com/prismgate/relay/pkg/ports"
)

func TestSnapshotReflectsConnectionCounts(t *testing.T) {
	logger := zap.NewNop()

	sseManager := sse.NewManager(time.Minute, 16, ports.NopMetrics{}, logger)
	wsManager := ws.NewManager(time.Minute, time.Minute, 10, ports.NopMetrics{}, logger)

	sseManager.Connect("acme", "u1", nil, nil)
	sseManager.Connect("acme", "u2", nil, nil)

	r := NewReporter(nil, sseManager, wsManager, "acme", time.Minute, logger)

	event := r.Snapshot()
	assert.Equal(t, domain.EventTypeSystemHealth, event.Type)
	assert.Equal(t, "acme", event.OrganizationID)
	assert.Equal(t, 2, event.Data["sse_connections"])
	assert.Equal(t, 0, event.Data["websocket_connections"])
}

func TestReporterPublishesPeriodically(t *testing.T) {
	logger := zap.NewNop()
	transport := memory.NewInMemoryTransport()

	eventBus := bus.NewBus(transport, "", ports.NopMetrics{}, logger)
	require.NoError(t, eventBus.Start(context.Background()))
	t.Cleanup(eventBus.Stop)

	received := make(chan *domain.Event, 4)
	eventBus.RegisterListener(domain.EventTypeSystemHealth, func(_ context.Context, event *domain.Event) {
		received <- event
	})

	sseManager := sse.NewManager(time.Minute, 16, ports.NopMetrics{}, logger)
	wsManager := ws.NewManager(time.Minute, time.Minute, 10, ports.NopMetrics{}, logger)

	r := NewReporter(eventBus, sseManager, wsManager, "", 20*time.Millisecond, logger)
	r.Start()
	defer r.Stop()

	select {
	case event := <-received:
		assert.Equal(t, "ok", event.Data["status"])
		assert.Equal(t, "relay-health", event.Source)
	case <-time.After(time.Second):
		t.Fatal("no health event published")
	}
}

func TestStartStopIdempotent(t *testing.T) {
	logger := zap.NewNop()
	transport := memory.NewInMemoryTransport()

	eventBus := bus.NewBus(transport, "", ports.NopMetrics{}, logger)
	require.NoError(t, eventBus.Start(context.Background()))
	t.Cleanup(eventBus.Stop)

	sseManager := sse.NewManager(time.Minute, 16, ports.NopMetrics{}, logger)
	wsManager := ws.NewManager(time.Minute, time.Minute, 10, ports.NopMetrics{}, logger)

	r := NewReporter(eventBus, sseManager, wsManager, "", time.Minute, logger)
	r.Start()
	r.Start()
	r.Stop()
	r.Stop()
}
