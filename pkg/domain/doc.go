// Package domain defines the shared types of the real-time delivery layer:
// domain events distributed across processes, the WebSocket message
// envelope, and the transport channel naming scheme.
package domain
