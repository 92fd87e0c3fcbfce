package ws

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/prismgate/relay/pkg/domain"
	"github.com/prismgate/relay/pkg/ports"
)

// ErrConnectionLimit is returned when an organization is at its connection
// capacity.
var ErrConnectionLimit = errors.New("organization connection limit reached")

// ErrUnknownConnection is returned when a connection id is not registered.
var ErrUnknownConnection = errors.New("unknown connection")

// activityMultiplier times the ping interval is the eviction threshold.
const activityMultiplier = 3

// Role strings that gate admin and system channel families.
const (
	RoleAdmin      = "admin"
	RoleSuperAdmin = "super_admin"
)

// Socket is the write side of an underlying WebSocket connection.
// *websocket.Conn satisfies it; tests substitute a fake.
type Socket interface {
	WriteJSON(v interface{}) error
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// HandlerFunc processes one typed message on behalf of an external
// collaborator. Handlers send their own responses via SendMessage; the
// manager only routes.
type HandlerFunc func(ctx context.Context, conn *Connection, msg *domain.Message)

// Connection is a single client's live WebSocket session.
type Connection struct {
	ID             string
	OrganizationID string
	UserID         string
	Roles          []string
	CreatedAt      time.Time
	Metadata       map[string]interface{}

	// Guarded by the manager mutex.
	isAuthenticated bool
	lastActivity    time.Time
	channels        map[string]struct{}
	closed          bool

	sock    Socket
	writeMu sync.Mutex
}

// hasRole reports whether the connection holds the given role.
func (c *Connection) hasRole(role string) bool {
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Stats is a point-in-time snapshot of manager state.
type Stats struct {
	TotalConnections int            `json:"total_connections"`
	Organizations    map[string]int `json:"organizations"`
	Channels         []string       `json:"channels"`
}

// Manager owns all WebSocket connections of this process.
type Manager struct {
	logger       *zap.Logger
	metrics      ports.MetricsCollector
	pingInterval time.Duration
	authTimeout  time.Duration
	maxPerOrg    int

	mu            sync.Mutex
	connections   map[string]*Connection
	subscriptions map[string]map[string]struct{} // channel -> connection ids
	orgCounts     map[string]int
	handlers      map[domain.MessageType]HandlerFunc
	running       bool
	stopCh        chan struct{}
	wg            sync.WaitGroup
}

// NewManager creates a WebSocket connection manager
func NewManager(pingInterval, authTimeout time.Duration, maxPerOrg int, metrics ports.MetricsCollector, logger *zap.Logger) *Manager {
	return &Manager{
		logger:        logger,
		metrics:       metrics,
		pingInterval:  pingInterval,
		authTimeout:   authTimeout,
		maxPerOrg:     maxPerOrg,
		connections:   make(map[string]*Connection),
		subscriptions: make(map[string]map[string]struct{}),
		orgCounts:     make(map[string]int),
		handlers:      make(map[domain.MessageType]HandlerFunc),
	}
}

// RegisterHandler installs the handler for a message type. Admin command,
// config update and system control handlers are registered here by their
// owning subsystems.
func (m *Manager) RegisterHandler(msgType domain.MessageType, handler HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[msgType] = handler
}

// Start launches the ping loop. Idempotent.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})

	m.wg.Add(1)
	go m.pingLoop(m.stopCh)

	m.logger.Info("WebSocket manager started",
		zap.Duration("ping_interval", m.pingInterval),
		zap.Duration("auth_timeout", m.authTimeout))
}

// Stop terminates the ping loop and closes every connection. Idempotent.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stopCh)

	ids := make([]string, 0, len(m.connections))
	for id := range m.connections {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.closeConnection(id, websocket.CloseGoingAway, "shutdown")
	}

	m.wg.Wait()
	m.logger.Info("WebSocket manager stopped")
}

// Connect accepts a connection for an already-authenticated principal. The
// connection starts unauthenticated at the protocol level and must send an
// auth message before the auth timeout. Capacity rejection sends a close
// frame carrying the reason and returns ErrConnectionLimit.
func (m *Manager) Connect(orgID, userID string, roles []string, sock Socket) (*Connection, error) {
	m.mu.Lock()
	if m.orgCounts[orgID] >= m.maxPerOrg {
		m.mu.Unlock()

		m.logger.Warn("connection rejected: organization at capacity",
			zap.String("org_id", orgID),
			zap.Int("limit", m.maxPerOrg))
		_ = sock.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "organization connection limit reached"))
		_ = sock.Close()
		return nil, ErrConnectionLimit
	}

	c := &Connection{
		ID:             uuid.New().String(),
		OrganizationID: orgID,
		UserID:         userID,
		Roles:          roles,
		CreatedAt:      time.Now(),
		lastActivity:   time.Now(),
		channels:       make(map[string]struct{}),
		sock:           sock,
	}
	m.connections[c.ID] = c
	m.orgCounts[orgID]++
	total := len(m.connections)
	m.mu.Unlock()

	m.metrics.SetConnections("websocket", total)
	m.logger.Info("WebSocket connection accepted",
		zap.String("connection_id", c.ID),
		zap.String("org_id", orgID),
		zap.String("user_id", userID))

	welcome := domain.NewMessage(domain.MessageTypeData, map[string]interface{}{
		"status":        "connected",
		"auth_required": true,
		"connection_id": c.ID,
	})
	if err := m.writeConn(c, welcome); err != nil {
		return nil, err
	}

	go m.authWatchdog(c)

	return c, nil
}

// Authenticate validates the token and promotes the connection. The trust
// model is delegated to the boundary layer: any non-empty token passes. On
// success the connection is auto-subscribed to its organization channel,
// the admin channel when it holds an admin role, and its user channel when
// a user id is present.
func (m *Manager) Authenticate(connectionID, token string) bool {
	if token == "" {
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.connections[connectionID]
	if !ok {
		return false
	}

	c.isAuthenticated = true
	c.lastActivity = time.Now()

	m.subscribeLocked(c, domain.OrgChannel(c.OrganizationID))
	if c.hasRole(RoleAdmin) || c.hasRole(RoleSuperAdmin) {
		m.subscribeLocked(c, domain.AdminChannel(c.OrganizationID))
	}
	if c.UserID != "" {
		m.subscribeLocked(c, domain.UserChannel(c.OrganizationID, c.UserID))
	}

	m.logger.Info("WebSocket connection authenticated",
		zap.String("connection_id", connectionID),
		zap.String("org_id", c.OrganizationID))

	return true
}

// Subscribe adds an authenticated connection to a channel when the
// structural authorization predicate allows it. The predicate is
// deliberately independent of the channel registry: a connection may reach
// its own organization's channels, its own user channels, admin channels
// with the admin role, and system channels with the super-admin role.
// Denial is silent (false) and logged.
func (m *Manager) Subscribe(connectionID, channel string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.connections[connectionID]
	if !ok || !c.isAuthenticated {
		return false
	}

	if !canSubscribe(c, channel) {
		m.logger.Warn("subscribe denied",
			zap.String("connection_id", connectionID),
			zap.String("org_id", c.OrganizationID),
			zap.String("channel", channel))
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

// HandleMessage dispatches one raw inbound frame by message type.
func (m *Manager) HandleMessage(ctx context.Context, connectionID string, raw []byte) {
	m.mu.Lock()
	c, ok := m.connections[connectionID]
	if ok {
		c.lastActivity = time.Now()
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	var msg domain.Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		m.logger.Warn("malformed message, closing connection",
			zap.String("connection_id", connectionID),
			zap.Error(err))
		_ = m.writeConn(c, domain.NewErrorMessage("Invalid message format", ""))
		m.closeConnection(connectionID, websocket.CloseInvalidFramePayloadData, "malformed message")
		return
	}

	if msg.Type == domain.MessageTypeAuth {
		m.handleAuth(c, &msg)
		return
	}

	m.mu.Lock()
	authenticated := c.isAuthenticated
	m.mu.Unlock()
	if !authenticated {
		_ = m.writeConn(c, domain.NewErrorMessage("Not authenticated", msg.CorrelationID))
		return
	}

	switch msg.Type {
	case domain.MessageTypePing:
		pong := domain.NewMessage(domain.MessageTypePong, nil)
		pong.CorrelationID = msg.CorrelationID
		_ = m.writeConn(c, pong)

	case domain.MessageTypeSubscribe:
		results := make(map[string]interface{})
		for _, name := range channelList(&msg) {
			results[name] = m.Subscribe(connectionID, name)
		}
		_ = m.writeConn(c, domain.NewSuccessMessage(map[string]interface{}{
			"subscribed": results,
		}, msg.CorrelationID))

	case domain.MessageTypeUnsubscribe:
		results := make(map[string]interface{})
		for _, name := range channelList(&msg) {
			m.Unsubscribe(connectionID, name)
			results[name] = true
		}
		_ = m.writeConn(c, domain.NewSuccessMessage(map[string]interface{}{
			"unsubscribed": results,
		}, msg.CorrelationID))

	default:
		m.mu.Lock()
		handler, ok := m.handlers[msg.Type]
		m.mu.Unlock()
		if !ok {
			// Deliberate ignore-unknown policy: no response.
			m.logger.Debug("no handler for message type",
				zap.String("connection_id", connectionID),
				zap.String("type", string(msg.Type)))
			return
		}
		m.invokeHandler(ctx, handler, c, &msg)
	}
}

// SendMessage writes an envelope to one connection. A write failure tears
// the connection down.
func (m *Manager) SendMessage(connectionID string, msg *domain.Message) error {
	m.mu.Lock()
	c, ok := m.connections[connectionID]
	m.mu.Unlock()
	if !ok {
		return ErrUnknownConnection
	}
	return m.writeConn(c, msg)
}

// BroadcastToChannel sends the envelope to every current subscriber of the
// channel. Broadcast is not atomic: a failed send evicts that connection
// and delivery continues for the rest. Returns the number of successful
// sends.
func (m *Manager) BroadcastToChannel(channel string, msg *domain.Message) int {
	m.mu.Lock()
	var targets []*Connection
	for connID := range m.subscriptions[channel] {
		if c, ok := m.connections[connID]; ok {
			targets = append(targets, c)
		}
	}
	m.mu.Unlock()

	return m.broadcast(targets, msg)
}

// BroadcastToOrganization sends the envelope to every authenticated
// connection of the organization.
func (m *Manager) BroadcastToOrganization(orgID string, msg *domain.Message) int {
	m.mu.Lock()
	var targets []*Connection
	for _, c := range m.connections {
		if c.OrganizationID == orgID && c.isAuthenticated {
			targets = append(targets, c)
		}
	}
	m.mu.Unlock()

	return m.broadcast(targets, msg)
}

// Disconnect closes a connection with a normal close frame. Idempotent and
// a no-op for unknown ids.
func (m *Manager) Disconnect(connectionID string) {
	m.closeConnection(connectionID, websocket.CloseNormalClosure, "disconnect")
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
	for org, count := range m.orgCounts {
		if count > 0 {
			stats.Organizations[org] = count
		}
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

// IsAuthenticated reports whether a connection has completed authentication.
func (m *Manager) IsAuthenticated(connectionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.connections[connectionID]
	return ok && c.isAuthenticated
}

func (m *Manager) handleAuth(c *Connection, msg *domain.Message) {
	token, _ := msg.Data["token"].(string)
	if m.Authenticate(c.ID, token) {
		_ = m.writeConn(c, domain.NewSuccessMessage(map[string]interface{}{
			"authenticated": true,
		}, msg.CorrelationID))
		return
	}
	_ = m.writeConn(c, domain.NewErrorMessage("Authentication failed", msg.CorrelationID))
}

// invokeHandler runs an external handler behind its own error boundary so a
// panicking handler cannot take down the read loop.
func (m *Manager) invokeHandler(ctx context.Context, handler HandlerFunc, c *Connection, msg *domain.Message) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("message handler panicked",
				zap.String("connection_id", c.ID),
				zap.String("type", string(msg.Type)),
				zap.Any("panic", r))
		}
	}()
	handler(ctx, c, msg)
}

func (m *Manager) broadcast(targets []*Connection, msg *domain.Message) int {
	sent := 0
	for _, c := range targets {
		if err := m.writeConn(c, msg); err != nil {
			continue
		}
		sent++
	}
	if sent > 0 {
		m.metrics.IncMessagesSent("websocket")
	}
	return sent
}

// writeConn serializes one envelope onto the socket. A failed write tears
// the connection down; the rest of the system is unaffected.
func (m *Manager) writeConn(c *Connection, msg *domain.Message) error {
	c.writeMu.Lock()
	err := c.sock.WriteJSON(msg)
	c.writeMu.Unlock()

	if err != nil {
		m.logger.Warn("write failed, closing connection",
			zap.String("connection_id", c.ID),
			zap.Error(err))
		m.metrics.IncBroadcastFailures("websocket")
		m.closeConnection(c.ID, websocket.CloseAbnormalClosure, "write failure")
		return err
	}
	return nil
}

// authWatchdog closes the connection if it is still unauthenticated when
// the auth timeout expires.
func (m *Manager) authWatchdog(c *Connection) {
	timer := time.NewTimer(m.authTimeout)
	defer timer.Stop()
	<-timer.C

	m.mu.Lock()
	expired := !c.closed && !c.isAuthenticated
	m.mu.Unlock()

	if expired {
		m.logger.Warn("authentication timeout",
			zap.String("connection_id", c.ID),
			zap.String("org_id", c.OrganizationID))
		m.metrics.IncEvictions("websocket", "auth_timeout")
		m.closeConnection(c.ID, websocket.ClosePolicyViolation, "authentication timeout")
	}
}

// pingLoop evicts connections whose last activity exceeds the threshold,
// then pings the remaining authenticated connections each interval.
func (m *Manager) pingLoop(stopCh <-chan struct{}) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			m.pingConnections()
		}
	}
}

func (m *Manager) pingConnections() {
	threshold := activityMultiplier * m.pingInterval
	now := time.Now()

	m.mu.Lock()
	var stale []string
	var targets []*Connection
	for id, c := range m.connections {
		if !c.isAuthenticated {
			continue
		}
		if now.Sub(c.lastActivity) > threshold {
			stale = append(stale, id)
			continue
		}
		targets = append(targets, c)
	}
	m.mu.Unlock()

	for _, id := range stale {
		m.metrics.IncEvictions("websocket", "stale")
		m.closeConnection(id, websocket.CloseGoingAway, "inactive")
	}
	if len(stale) > 0 {
		m.logger.Info("evicted inactive WebSocket connections", zap.Int("count", len(stale)))
	}

	ping := domain.NewMessage(domain.MessageTypePing, nil)
	for _, c := range targets {
		_ = m.writeConn(c, ping)
	}
}

// closeConnection is the shared teardown path: close frame, bookkeeping
// removal, socket close. Idempotent.
func (m *Manager) closeConnection(connectionID string, code int, reason string) {
	m.mu.Lock()
	c, ok := m.connections[connectionID]
	if !ok || c.closed {
		m.mu.Unlock()
		return
	}
	c.closed = true
	for channel := range c.channels {
		m.unsubscribeLocked(c, channel)
	}
	delete(m.connections, connectionID)
	m.orgCounts[c.OrganizationID]--
	if m.orgCounts[c.OrganizationID] <= 0 {
		delete(m.orgCounts, c.OrganizationID)
	}
	total := len(m.connections)
	m.mu.Unlock()

	c.writeMu.Lock()
	_ = c.sock.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
	_ = c.sock.Close()
	c.writeMu.Unlock()

	m.metrics.SetConnections("websocket", total)
	m.logger.Info("WebSocket connection closed",
		zap.String("connection_id", connectionID),
		zap.String("reason", reason))
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

// canSubscribe is the structural authorization predicate. A channel family
// prefix must match the connection's own identity exactly up to a segment
// boundary, so org "acme" cannot reach "org:acme-corp".
func canSubscribe(c *Connection, channel string) bool {
	switch {
	case strings.HasPrefix(channel, "org:"):
		return matchesSegment(channel, "org:"+c.OrganizationID)
	case strings.HasPrefix(channel, "user:"):
		if c.UserID == "" {
			return false
		}
		return matchesSegment(channel, "user:"+c.OrganizationID+":"+c.UserID)
	case strings.HasPrefix(channel, "admin:"):
		return c.hasRole(RoleAdmin) || c.hasRole(RoleSuperAdmin)
	case strings.HasPrefix(channel, "system:"):
		return c.hasRole(RoleSuperAdmin)
	default:
		return false
	}
}

// matchesSegment reports whether channel equals prefix or extends it with a
// further colon-delimited segment.
func matchesSegment(channel, prefix string) bool {
	return channel == prefix || strings.HasPrefix(channel, prefix+":")
}

// channelList extracts the channel names from a subscribe or unsubscribe
// payload. Non-string entries are skipped.
func channelList(msg *domain.Message) []string {
	raw, _ := msg.Data["channels"].([]interface{})
	names := make([]string, 0, len(raw))
	for _, item := range raw {
		if name, ok := item.(string); ok {
			names = append(names, name)
		}
	}
	return names
}
