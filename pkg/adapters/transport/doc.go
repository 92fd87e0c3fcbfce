// Package transport contains adapters for the publish/subscribe broker
// used for cross-process event distribution.
//
// Implementations:
//   - redis: Redis Pub/Sub for production use
//   - memory: in-memory implementation for testing
package transport
