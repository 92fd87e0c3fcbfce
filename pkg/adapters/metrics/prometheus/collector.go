package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector implements ports.MetricsCollector using Prometheus
type Collector struct {
	connections       *prometheus.GaugeVec
	messagesSent      *prometheus.CounterVec
	messagesDropped   *prometheus.CounterVec
	eventsPublished   *prometheus.CounterVec
	eventsReceived    *prometheus.CounterVec
	eventsDiscarded   *prometheus.CounterVec
	evictions         *prometheus.CounterVec
	broadcastFailures *prometheus.CounterVec
	deliveryLatency   prometheus.Histogram
}

// NewCollector creates a new Prometheus metrics collector
func NewCollector() *Collector {
	return &Collector{
		connections: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "relay_connections",
				Help: "Current number of live connections by transport kind",
			},
			[]string{"kind"},
		),
		messagesSent: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_messages_sent_total",
				Help: "Total number of messages sent to connections",
			},
			[]string{"kind"},
		),
		messagesDropped: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_messages_dropped_total",
				Help: "Total number of messages dropped from full connection queues",
			},
			[]string{"kind"},
		),
		eventsPublished: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_events_published_total",
				Help: "Total number of events published to the transport",
			},
			[]string{"type"},
		),
		eventsReceived: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_events_received_total",
				Help: "Total number of events received from the transport",
			},
			[]string{"type"},
		),
		eventsDiscarded: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_events_discarded_total",
				Help: "Total number of events discarded before delivery",
			},
			[]string{"reason"},
		),
		evictions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_connection_evictions_total",
				Help: "Total number of connections evicted",
			},
			[]string{"kind", "reason"},
		),
		broadcastFailures: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_broadcast_failures_total",
				Help: "Total number of failed sends during broadcast",
			},
			[]string{"kind"},
		),
		deliveryLatency: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "relay_delivery_latency_seconds",
				Help:    "Latency from event creation to local fan-out",
				Buckets: prometheus.DefBuckets,
			},
		),
	}
}

// SetConnections sets the live connection count for a transport kind
func (c *Collector) SetConnections(kind string, count int) {
	c.connections.WithLabelValues(kind).Set(float64(count))
}

// IncMessagesSent increments the count of sent messages
func (c *Collector) IncMessagesSent(kind string) {
	c.messagesSent.WithLabelValues(kind).Inc()
}

// IncMessagesDropped increments the count of dropped messages
func (c *Collector) IncMessagesDropped(kind string) {
	c.messagesDropped.WithLabelValues(kind).Inc()
}

// IncEventsPublished increments the count of published events
func (c *Collector) IncEventsPublished(eventType string) {
	c.eventsPublished.WithLabelValues(eventType).Inc()
}

// IncEventsReceived increments the count of received events
func (c *Collector) IncEventsReceived(eventType string) {
	c.eventsReceived.WithLabelValues(eventType).Inc()
}

// IncEventsDiscarded increments the count of discarded events
func (c *Collector) IncEventsDiscarded(reason string) {
	c.eventsDiscarded.WithLabelValues(reason).Inc()
}

// IncEvictions increments the count of evicted connections
func (c *Collector) IncEvictions(kind, reason string) {
	c.evictions.WithLabelValues(kind, reason).Inc()
}

// IncBroadcastFailures increments the count of failed broadcast sends
func (c *Collector) IncBroadcastFailures(kind string) {
	c.broadcastFailures.WithLabelValues(kind).Inc()
}

// ObserveDeliveryLatency records one creation-to-fanout latency observation
func (c *Collector) ObserveDeliveryLatency(seconds float64) {
	c.deliveryLatency.Observe(seconds)
}
