// Package ws implements the bidirectional WebSocket connection manager.
//
// Connections follow a connect -> authenticate -> operate lifecycle; an
// unauthenticated connection may only send auth messages and is closed
// after the auth timeout. The manager owns subscription state, typed
// message dispatch, broadcast fan-out, and liveness pings.
package ws
