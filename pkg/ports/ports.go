package ports

import "context"

// TransportMessage is a raw payload received from a transport channel.
type TransportMessage struct {
	Channel string
	Payload []byte
}

// Subscription is a live subscription to one or more transport channels.
// Close releases the subscription; Messages is closed afterwards.
type Subscription interface {
	Messages() <-chan TransportMessage
	Close() error
}

// Transport is the external publish/subscribe broker used for cross-process
// event distribution. Publishing from concurrent producers must be safe; the
// broker serializes writes internally.
type Transport interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channels ...string) (Subscription, error)
	Close() error
}

// MetricsCollector records operational metrics for the delivery layer.
type MetricsCollector interface {
	SetConnections(kind string, count int)
	IncMessagesSent(kind string)
	IncMessagesDropped(kind string)
	IncEventsPublished(eventType string)
	IncEventsReceived(eventType string)
	IncEventsDiscarded(reason string)
	IncEvictions(kind, reason string)
	IncBroadcastFailures(kind string)
	ObserveDeliveryLatency(seconds float64)
}

// NopMetrics is a MetricsCollector that records nothing. Used in tests and
// wherever metrics are not wired.
type NopMetrics struct{}

func (NopMetrics) SetConnections(string, int)     {}
func (NopMetrics) IncMessagesSent(string)         {}
func (NopMetrics) IncMessagesDropped(string)      {}
func (NopMetrics) IncEventsPublished(string)      {}
func (NopMetrics) IncEventsReceived(string)       {}
func (NopMetrics) IncEventsDiscarded(string)      {}
func (NopMetrics) IncEvictions(string, string)    {}
func (NopMetrics) IncBroadcastFailures(string)    {}
func (NopMetrics) ObserveDeliveryLatency(float64) {}
