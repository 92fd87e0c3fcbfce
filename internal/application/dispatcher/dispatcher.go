// Package dispatcher routes inbound bus events onto the connection
// managers: every delivered event type gets a listener that fans the event
// out to SSE subscribers and WebSocket subscribers of its computed
// channels.
package dispatcher

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/prismgate/relay/internal/application/bus"
	"github.com/prismgate/relay/internal/application/sse"
	"github.com/prismgate/relay/internal/application/ws"
	"github.com/prismgate/relay/pkg/domain"
	"github.com/prismgate/relay/pkg/ports"
)

// deliveredTypes are the event types pushed to connected clients.
var deliveredTypes = []domain.EventType{
	domain.EventTypeMetricsUpdate,
	domain.EventTypeMetricsUserUpdate,
	domain.EventTypeSystemHealth,
	domain.EventTypeSystemAlert,
	domain.EventTypeStreamChunk,
	domain.EventTypeStreamEnd,
	domain.EventTypeFirewallBlock,
	domain.EventTypeChatMessage,
	domain.EventTypeLogEntry,
	domain.EventTypeAdminCommand,
	domain.EventTypeAdminConfigUpdate,
	domain.EventTypeAdminSystemControl,
}

// Dispatcher connects the event bus to the connection managers.
type Dispatcher struct {
	bus     *bus.Bus
	sse     *sse.Manager
	ws      *ws.Manager
	metrics ports.MetricsCollector
	logger  *zap.Logger
}

// New creates a dispatcher
func New(eventBus *bus.Bus, sseManager *sse.Manager, wsManager *ws.Manager, metrics ports.MetricsCollector, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		bus:     eventBus,
		sse:     sseManager,
		ws:      wsManager,
		metrics: metrics,
		logger:  logger,
	}
}

// Register installs a bus listener for every delivered event type.
func (d *Dispatcher) Register() {
	for _, eventType := range deliveredTypes {
		d.bus.RegisterListener(eventType, d.deliver)
	}
	d.logger.Info("event dispatcher registered",
		zap.Int("event_types", len(deliveredTypes)))
}

// deliver pushes one inbound event onto every local connection subscribed
// to one of its channels.
func (d *Dispatcher) deliver(_ context.Context, event *domain.Event) {
	envelope := wsEnvelope(event)

	for _, channel := range event.Channels() {
		d.sse.Publish(channel, string(event.Type), event.Data, event.ID)
		d.ws.BroadcastToChannel(channel, envelope)
	}

	if !event.Timestamp.IsZero() {
		d.metrics.ObserveDeliveryLatency(time.Since(event.Timestamp).Seconds())
	}
}

// wsEnvelope maps a domain event onto the WebSocket message taxonomy.
func wsEnvelope(event *domain.Event) *domain.Message {
	var msgType domain.MessageType
	switch {
	case strings.HasPrefix(string(event.Type), "metrics."):
		msgType = domain.MessageTypeMetrics
	case strings.HasPrefix(string(event.Type), "log."):
		msgType = domain.MessageTypeLogs
	case event.Type.IsSystemWide():
		msgType = domain.MessageTypeAlerts
	default:
		msgType = domain.MessageTypeData
	}

	msg := domain.NewMessage(msgType, map[string]interface{}{
		"event_type": string(event.Type),
		"event_id":   event.ID,
		"source":     event.Source,
		"data":       event.Data,
	})
	msg.CorrelationID = event.CorrelationID
	return msg
}
