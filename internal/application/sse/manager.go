package sse

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/prismgate/relay/pkg/domain"
	"github.com/prismgate/relay/pkg/ports"
)

// ErrUnknownConnection is returned when a connection id is not registered.
var ErrUnknownConnection = errors.New("unknown connection")

// queuePollTimeout bounds how long the stream loop waits on the queue before
// re-checking connection liveness.
const queuePollTimeout = time.Second

// staleMultiplier times the heartbeat interval is the eviction threshold.
const staleMultiplier = 5

// Connection is a single client's live SSE session. The manager is the sole
// mutator of its subscription set and activity timestamp.
type Connection struct {
	ID             string
	OrganizationID string
	UserID         string
	Roles          []string
	CreatedAt      time.Time
	Metadata       map[string]interface{}

	// Guarded by the manager mutex.
	lastPing time.Time
	channels map[string]struct{}
	closed   bool

	// Outbound frame queue. A nil element is the termination sentinel.
	queue chan *string
}

// Stats is a point-in-time snapshot of manager state.
type Stats struct {
	TotalConnections int            `json:"total_connections"`
	Organizations    map[string]int `json:"organizations"`
	Channels         []string       `json:"channels"`
}

// Manager owns all SSE connections of this process.
type Manager struct {
	logger            *zap.Logger
	metrics           ports.MetricsCollector
	heartbeatInterval time.Duration
	queueCapacity     int

	mu            sync.Mutex
	connections   map[string]*Connection
	subscriptions map[string]map[string]struct{} // channel -> connection ids
	running       bool
	stopCh        chan struct{}
	wg            sync.WaitGroup
}

// NewManager creates an SSE connection manager
func NewManager(heartbeatInterval time.Duration, queueCapacity int, metrics ports.MetricsCollector, logger *zap.Logger) *Manager {
	return &Manager{
		logger:            logger,
		metrics:           metrics,
		heartbeatInterval: heartbeatInterval,
		queueCapacity:     queueCapacity,
		connections:       make(map[string]*Connection),
		subscriptions:     make(map[string]map[string]struct{}),
	}
}

// Start launches the heartbeat loop. Idempotent.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})

	m.wg.Add(1)
	go m.heartbeatLoop(m.stopCh)

	m.logger.Info("SSE manager started",
		zap.Duration("heartbeat_interval", m.heartbeatInterval))
}

// Stop terminates the heartbeat loop and disconnects every connection.
// Idempotent.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stopCh)

	for id := range m.connections {
		m.disconnectLocked(id, "shutdown")
	}
	m.mu.Unlock()

	m.wg.Wait()
	m.logger.Info("SSE manager stopped")
}

// Connect registers a new connection. The caller supplies an
// already-authenticated principal; the connection is auto-subscribed to its
// organization channel, its user channel when a user id is present, and any
// explicitly requested channels.
func (m *Manager) Connect(orgID, userID string, channelNames []string, metadata map[string]interface{}) *Connection {
	c := &Connection{
		ID:             uuid.New().String(),
		OrganizationID: orgID,
		UserID:         userID,
		CreatedAt:      time.Now(),
		Metadata:       metadata,
		lastPing:       time.Now(),
		channels:       make(map[string]struct{}),
		queue:          make(chan *string, m.queueCapacity),
	}

	m.mu.Lock()
	m.connections[c.ID] = c

	m.subscribeLocked(c, domain.OrgChannel(orgID))
	if userID != "" {
		m.subscribeLocked(c, domain.UserChannel(orgID, userID))
	}
	for _, name := range channelNames {
		m.subscribeLocked(c, name)
	}

	total := len(m.connections)
	m.mu.Unlock()

	m.metrics.SetConnections("sse", total)
	m.logger.Info("SSE connection established",
		zap.String("connection_id", c.ID),
		zap.String("org_id", orgID),
		zap.String("user_id", userID))

	return c
}

// Subscribe adds the connection to a channel. Returns false for unknown
// connections.
func (m *Manager) Subscribe(connectionID, channel string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.connections[connectionID]
	if !ok {
		return false
	}
	m.subscribeLocked(c, channel)
	return true
}

// Unsubscribe removes the connection from a channel.
func (m *Manager) Unsubscribe(connectionID, channel string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.connections[connectionID]
	if !ok {
		return
	}
	m.unsubscribeLocked(c, channel)
}

// Publish formats one message and enqueues it on every current subscriber
// of the channel. A channel with zero subscribers is a no-op: delivery is
// best-effort to present subscribers only. Returns the number of
// connections the message was enqueued for.
func (m *Manager) Publish(channel, eventName string, data interface{}, id string) int {
	payload, err := json.Marshal(data)
	if err != nil {
		m.logger.Error("failed to marshal SSE payload",
			zap.String("channel", channel),
			zap.String("event", eventName),
			zap.Error(err))
		return 0
	}
	frame := FormatFrame(id, eventName, payload)

	m.mu.Lock()
	defer m.mu.Unlock()

	subs := m.subscriptions[channel]
	if len(subs) == 0 {
		return 0
	}

	delivered := 0
	for connID := range subs {
		c, ok := m.connections[connID]
		if !ok || c.closed {
			continue
		}
		m.enqueueLocked(c, &frame)
		delivered++
	}

	m.metrics.IncMessagesSent("sse")
	return delivered
}

// Stream attaches a consumer to the connection's queue and returns a
// sequence of formatted text frames. The sequence starts with a "connected"
// frame, drains the queue until the termination sentinel arrives, then ends
// with a "disconnecting" frame and is closed. Cancelling ctx tears the
// connection down.
func (m *Manager) Stream(ctx context.Context, connectionID string) (<-chan string, error) {
	m.mu.Lock()
	c, ok := m.connections[connectionID]
	m.mu.Unlock()
	if !ok {
		return nil, ErrUnknownConnection
	}

	out := make(chan string)

	go func() {
		defer close(out)

		hello, _ := json.Marshal(map[string]interface{}{
			"connection_id":   c.ID,
			"organization_id": c.OrganizationID,
		})
		if !m.emit(ctx, out, connectionID, FormatFrame("", "connected", hello)) {
			return
		}

		for {
			select {
			case <-ctx.Done():
				m.Disconnect(connectionID)
				return

			case frame := <-c.queue:
				if frame == nil {
					bye := FormatFrame("", "disconnecting", []byte(`{"reason": "connection closed"}`))
					select {
					case out <- bye:
					case <-ctx.Done():
					}
					return
				}
				m.touch(c)
				if !m.emit(ctx, out, connectionID, *frame) {
					return
				}

			case <-time.After(queuePollTimeout):
				// Liveness re-check between frames.
				if m.isClosed(c) {
					return
				}
				m.touch(c)
			}
		}
	}()

	return out, nil
}

// Disconnect tears the connection down: unsubscribes it from every channel,
// signals queue termination, and removes bookkeeping. Idempotent and a
// no-op for unknown ids.
func (m *Manager) Disconnect(connectionID string) {
	m.mu.Lock()
	changed := m.disconnectLocked(connectionID, "disconnect")
	total := len(m.connections)
	m.mu.Unlock()

	if changed {
		m.metrics.SetConnections("sse", total)
	}
}

// GetConnectionStats returns a snapshot of connection counts and known
// channels for operational health endpoints.
func (m *Manager) GetConnectionStats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := Stats{
		TotalConnections: len(m.connections),
		Organizations:    make(map[string]int),
	}
	for _, c := range m.connections {
		stats.Organizations[c.OrganizationID]++
	}
	for channel := range m.subscriptions {
		stats.Channels = append(stats.Channels, channel)
	}
	return stats
}

// SubscribedChannels returns the channels a connection is subscribed to.
func (m *Manager) SubscribedChannels(connectionID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.connections[connectionID]
	if !ok {
		return nil
	}
	channels := make([]string, 0, len(c.channels))
	for name := range c.channels {
		channels = append(channels, name)
	}
	return channels
}

// emit delivers one frame to the consumer, tearing the connection down if
// the consumer's context is cancelled mid-send.
func (m *Manager) emit(ctx context.Context, out chan<- string, connectionID, frame string) bool {
	select {
	case out <- frame:
		return true
	case <-ctx.Done():
		m.Disconnect(connectionID)
		return false
	}
}

func (m *Manager) touch(c *Connection) {
	m.mu.Lock()
	c.lastPing = time.Now()
	m.mu.Unlock()
}

func (m *Manager) isClosed(c *Connection) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return c.closed
}

// heartbeatLoop enqueues a heartbeat frame to every live connection each
// interval, then evicts connections whose last activity is older than
// staleMultiplier intervals.
func (m *Manager) heartbeatLoop(stopCh <-chan struct{}) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			m.heartbeat()
		}
	}
}

func (m *Manager) heartbeat() {
	payload, _ := json.Marshal(map[string]interface{}{
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
	frame := FormatFrame("", "heartbeat", payload)
	threshold := staleMultiplier * m.heartbeatInterval

	m.mu.Lock()
	var stale []string
	now := time.Now()
	for id, c := range m.connections {
		m.enqueueLocked(c, &frame)
		if now.Sub(c.lastPing) > threshold {
			stale = append(stale, id)
		}
	}
	for _, id := range stale {
		m.disconnectLocked(id, "stale")
		m.metrics.IncEvictions("sse", "stale")
	}
	total := len(m.connections)
	m.mu.Unlock()

	if len(stale) > 0 {
		m.metrics.SetConnections("sse", total)
		m.logger.Info("evicted stale SSE connections", zap.Int("count", len(stale)))
	}
}

// subscribeLocked updates both sides of the subscription index. Callers
// hold m.mu.
func (m *Manager) subscribeLocked(c *Connection, channel string) {
	c.channels[channel] = struct{}{}
	subs, ok := m.subscriptions[channel]
	if !ok {
		subs = make(map[string]struct{})
		m.subscriptions[channel] = subs
	}
	subs[c.ID] = struct{}{}
}

// unsubscribeLocked removes the pair from both sides of the index. Callers
// hold m.mu.
func (m *Manager) unsubscribeLocked(c *Connection, channel string) {
	delete(c.channels, channel)
	if subs, ok := m.subscriptions[channel]; ok {
		delete(subs, c.ID)
		if len(subs) == 0 {
			delete(m.subscriptions, channel)
		}
	}
}

// enqueueLocked appends a frame to the connection queue, dropping the
// oldest queued frame when the queue is full. Callers hold m.mu, so frames
// enqueued for one connection keep publish order.
func (m *Manager) enqueueLocked(c *Connection, frame *string) {
	for {
		select {
		case c.queue <- frame:
			return
		default:
		}
		select {
		case <-c.queue:
			m.metrics.IncMessagesDropped("sse")
		default:
		}
	}
}

// disconnectLocked performs the shared teardown path for explicit
// disconnects, staleness eviction, and shutdown. Callers hold m.mu.
// Returns false when the id is unknown.
func (m *Manager) disconnectLocked(connectionID, reason string) bool {
	c, ok := m.connections[connectionID]
	if !ok {
		return false
	}

	for channel := range c.channels {
		m.unsubscribeLocked(c, channel)
	}
	c.closed = true
	delete(m.connections, connectionID)

	// Make room for the sentinel, then push it. No publisher can interleave
	// while the lock is held.
	for {
		select {
		case c.queue <- nil:
			m.logger.Info("SSE connection closed",
				zap.String("connection_id", connectionID),
				zap.String("reason", reason))
			return true
		default:
		}
		select {
		case <-c.queue:
		default:
		}
	}
}
