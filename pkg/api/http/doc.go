// Package http provides the HTTP REST API implementation.
//
// The HTTP server exposes endpoints for:
//   - SSE event streaming
//   - Event publication by producing services
//   - Channel registry bootstrap and subscription checks
//   - Connection statistics and health checks
//   - Prometheus metrics
package http
