package dispatcher

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

type recordingSocket struct {
	messages chan *domain.Message
}

func (s *recordingSocket) WriteJSON(v interface{}) error {
	if msg, ok := v.(*domain.Message); ok {
		select {
		case s.messages <- msg:
		default:
		}
	}
	return nil
}

func (s *recordingSocket) WriteMessage(messageType int, data []byte) error { return nil }
func (s *recordingSocket) Close() error                                    { return nil }

func TestBusEventsReachBothManagers(t *testing.T) {
	logger := zap.NewNop()
	transport := memory.NewInMemoryTransport()

	eventBus := bus.NewBus(transport, "acme", ports.NopMetrics{}, logger)
	require.NoError(t, eventBus.Start(context.Background()))
	t.Cleanup(eventBus.Stop)

	sseManager := sse.NewManager(time.Minute, 16, ports.NopMetrics{}, logger)
	wsManager := ws.NewManager(time.Minute, time.Minute, 10, ports.NopMetrics{}, logger)

	New(eventBus, sseManager, wsManager, ports.NopMetrics{}, logger).Register()

	// SSE client on the organization channel.
	sseConn := sseManager.Connect("acme", "u1", nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	frames, err := sseManager.Stream(ctx, sseConn.ID)
	require.NoError(t, err)
	<-frames // connected frame

	// WebSocket client on the same channel.
	sock := &recordingSocket{messages: make(chan *domain.Message, 16)}
	wsConn, err := wsManager.Connect("acme", "u2", nil, sock)
	require.NoError(t, err)
	require.True(t, wsManager.Authenticate(wsConn.ID, "token"))
	<-sock.messages // welcome

	require.NoError(t, eventBus.Publish(context.Background(), &domain.Event{
		Type:           domain.EventTypeMetricsUpdate,
		OrganizationID: "acme",
		Source:         "collector",
		Data:           map[string]interface{}{"cpu": 0.5},
	}))

	select {
	case frame := <-frames:
		assert.Contains(t, frame, "event: metrics.update")
		assert.Contains(t, frame, `"cpu":0.5`)
	case <-time.After(time.Second):
		t.Fatal("no SSE frame delivered")
	}

	select {
	case msg := <-sock.messages:
		assert.Equal(t, domain.MessageTypeMetrics, msg.Type)
		assert.Equal(t, "metrics.update", msg.Data["event_type"])
		assert.Equal(t, "collector", msg.Data["source"])
	case <-time.After(time.Second):
		t.Fatal("no WebSocket message delivered")
	}
}

func TestWsEnvelopeTaxonomy(t *testing.T) {
	tests := []struct {
		eventType domain.EventType
		expected  domain.MessageType
	}{
		{domain.EventTypeMetricsUpdate, domain.MessageTypeMetrics},
		{domain.EventTypeMetricsUserUpdate, domain.MessageTypeMetrics},
		{domain.EventTypeLogEntry, domain.MessageTypeLogs},
		{domain.EventTypeSystemHealth, domain.MessageTypeAlerts},
		{domain.EventTypeSystemAlert, domain.MessageTypeAlerts},
		{domain.EventTypeChatMessage, domain.MessageTypeData},
		{domain.EventTypeAdminCommand, domain.MessageTypeData},
	}

	for _, tt := range tests {
		t.Run(string(tt.eventType), func(t *testing.T) {
			msg := wsEnvelope(&domain.Event{
				ID:            "e1",
				Type:          tt.eventType,
				CorrelationID: "c1",
			})
			assert.Equal(t, tt.expected, msg.Type)
			assert.Equal(t, "e1", msg.Data["event_id"])
			assert.Equal(t, "c1", msg.CorrelationID)
		})
	}
}
