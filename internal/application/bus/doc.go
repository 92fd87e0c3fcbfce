// Package bus implements cross-process distribution of typed domain events
// over a publish/subscribe transport.
//
// A bus instance publishes events to deterministically computed transport
// channels and dispatches inbound events to locally registered listeners.
// Ordering between listeners and between event types is not guaranteed;
// per-channel publish order is a transport property.
package bus
