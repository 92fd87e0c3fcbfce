package domain

import (
	"fmt"
	"strings"
	"time"
)

// EventType identifies a domain event distributed across service processes.
type EventType string

const (
	EventTypeMetricsUpdate     EventType = "metrics.update"
	EventTypeMetricsUserUpdate EventType = "metrics.user.update"
	EventTypeSystemHealth      EventType = "system.health"
	EventTypeSystemAlert       EventType = "system.alert"
	EventTypeStreamChunk       EventType = "llm.stream.chunk"
	EventTypeStreamEnd         EventType = "llm.stream.end"
	EventTypeFirewallBlock     EventType = "firewall.block"
	EventTypeChatMessage       EventType = "chat.message"
	EventTypeLogEntry          EventType = "log.entry"

	EventTypeAdminCommand       EventType = "admin.command"
	EventTypeAdminConfigUpdate  EventType = "admin.config_update"
	EventTypeAdminSystemControl EventType = "admin.system_control"
)

// SystemGlobalChannel is the transport channel every bus instance listens on.
const SystemGlobalChannel = "system:global"

// IsSystemWide reports whether events of this type are broadcast to every
// process regardless of organization.
func (t EventType) IsSystemWide() bool {
	return t == EventTypeSystemHealth || t == EventTypeSystemAlert
}

// IsAdmin reports whether this type belongs to the admin event family.
func (t EventType) IsAdmin() bool {
	return strings.HasPrefix(string(t), "admin.")
}

// Event is a typed domain occurrence in flight between processes. Events are
// serialized onto the transport once and never persisted.
type Event struct {
	ID             string                 `json:"event_id,omitempty"`
	Type           EventType              `json:"type"`
	OrganizationID string                 `json:"organization_id,omitempty"`
	UserID         string                 `json:"user_id,omitempty"`
	Data           map[string]interface{} `json:"data,omitempty"`
	Timestamp      time.Time              `json:"timestamp"`
	Source         string                 `json:"source,omitempty"`
	CorrelationID  string                 `json:"correlation_id,omitempty"`
}

// Validate checks the tenant-isolation invariant: every event that is not
// system-wide must carry an organization id.
func (e *Event) Validate() error {
	if e.Type == "" {
		return fmt.Errorf("event type is required")
	}
	if e.OrganizationID == "" && !e.Type.IsSystemWide() {
		return fmt.Errorf("event type %s requires an organization_id", e.Type)
	}
	return nil
}

// Channels computes the set of transport channels this event is delivered
// to. The computation is deterministic and shared by every producer and
// consumer so that routing stays consistent across processes.
func (e *Event) Channels() []string {
	var channels []string

	if e.OrganizationID != "" {
		channels = append(channels, OrgChannel(e.OrganizationID))

		if e.UserID != "" {
			channels = append(channels, UserChannel(e.OrganizationID, e.UserID))
		}
	}

	if e.Type.IsSystemWide() {
		channels = append(channels, SystemGlobalChannel)
	}

	if e.Type.IsAdmin() && e.OrganizationID != "" {
		channels = append(channels, AdminChannel(e.OrganizationID))
	}

	return channels
}

// OrgChannel returns the transport channel for an organization.
func OrgChannel(orgID string) string {
	return fmt.Sprintf("org:%s", orgID)
}

// UserChannel returns the transport channel for a user within an organization.
func UserChannel(orgID, userID string) string {
	return fmt.Sprintf("user:%s:%s", orgID, userID)
}

// AdminChannel returns the admin transport channel for an organization.
func AdminChannel(orgID string) string {
	return fmt.Sprintf("admin:%s", orgID)
}
