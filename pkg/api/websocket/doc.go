// Package websocket provides the bidirectional control surface.
//
// Clients connect to /api/v1/ws with identity headers set by the gateway,
// then authenticate and subscribe over the message protocol owned by the
// connection manager.
package websocket
