// Package sse implements the Server-Sent-Events connection manager.
//
// The manager owns every live SSE connection in the process: its channel
// subscriptions, its outbound frame queue, and its liveness. Delivery is
// best-effort to present subscribers only; frames are never buffered for
// future subscribers.
package sse
