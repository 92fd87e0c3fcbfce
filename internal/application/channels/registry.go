package channels

import (
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ChannelType classifies a channel by the kind of traffic it carries.
type ChannelType string

const (
	TypeOrganization ChannelType = "organization"
	TypeUser         ChannelType = "user"
	TypeDepartment   ChannelType = "department"
	TypeAdmin        ChannelType = "admin"
	TypeSystem       ChannelType = "system"
	TypeMetric       ChannelType = "metric"
	TypeLog          ChannelType = "log"
	TypeCustom       ChannelType = "custom"
)

// ChannelScope is the isolation boundary of a channel. The scope is fully
// determined by which identifiers are set at creation and never mutated.
type ChannelScope string

const (
	ScopeGlobal       ChannelScope = "global"
	ScopeOrganization ChannelScope = "organization"
	ScopeDepartment   ChannelScope = "department"
	ScopeUser         ChannelScope = "user"
	ScopeAdmin        ChannelScope = "admin"
)

// RoleAdmin and RoleSuperAdmin are the role strings that gate admin and
// system scoped channels.
const (
	RoleAdmin      = "admin"
	RoleSuperAdmin = "super_admin"
)

// ChannelDefinition describes a named, scoped channel.
type ChannelDefinition struct {
	Name           string                 `json:"name"`
	Type           ChannelType            `json:"type"`
	Scope          ChannelScope           `json:"scope"`
	OrganizationID string                 `json:"organization_id,omitempty"`
	DepartmentID   string                 `json:"department_id,omitempty"`
	UserID         string                 `json:"user_id,omitempty"`
	RequiredRoles  []string               `json:"required_roles,omitempty"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
}

// ChannelParams are the inputs to CreateChannel. Suffix is the caller-chosen
// channel name; the registry composes the full lookup name from the type,
// the most specific identifier present, and the suffix.
type ChannelParams struct {
	Suffix         string
	Type           ChannelType
	OrganizationID string
	DepartmentID   string
	UserID         string
	RequiredRoles  []string
	Metadata       map[string]interface{}
}

// Principal is an already-authenticated identity handed to the registry by
// the boundary layer.
type Principal struct {
	OrganizationID string
	UserID         string
	DepartmentID   string
	Roles          []string
}

// HasRole reports whether the principal holds the given role.
func (p Principal) HasRole(role string) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Registry defines channels and evaluates access for principals.
type Registry struct {
	mu       sync.RWMutex
	channels map[string]*ChannelDefinition
	logger   *zap.Logger
}

// NewRegistry creates an empty channel registry
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		channels: make(map[string]*ChannelDefinition),
		logger:   logger,
	}
}

// CreateChannel defines a channel and returns its definition. Creating a
// channel whose composed name already exists returns the existing
// definition unchanged; channels are never deleted in-process.
//
// A channel created with no organization, department or user yields a
// global channel even for non-system types. This is intentional (truly
// shared channels); callers must consciously default to the narrowest
// applicable scope.
func (r *Registry) CreateChannel(p ChannelParams) *ChannelDefinition {
	name := composeName(p)

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.channels[name]; ok {
		return existing
	}

	def := &ChannelDefinition{
		Name:           name,
		Type:           p.Type,
		Scope:          deriveScope(p),
		OrganizationID: p.OrganizationID,
		DepartmentID:   p.DepartmentID,
		UserID:         p.UserID,
		RequiredRoles:  p.RequiredRoles,
		Metadata:       p.Metadata,
		CreatedAt:      time.Now(),
	}
	r.channels[name] = def

	r.logger.Info("channel created",
		zap.String("channel", name),
		zap.String("type", string(def.Type)),
		zap.String("scope", string(def.Scope)))

	return def
}

// CanAccess reports whether the principal may access the named channel.
// Unknown channels deny. Denials are logged at warning level and never
// surface as errors.
func (r *Registry) CanAccess(channelName string, p Principal) bool {
	r.mu.RLock()
	def, ok := r.channels[channelName]
	r.mu.RUnlock()

	if !ok {
		r.logger.Warn("access denied: unknown channel",
			zap.String("channel", channelName),
			zap.String("org_id", p.OrganizationID))
		return false
	}

	if !def.allows(p) {
		r.logger.Warn("access denied",
			zap.String("channel", channelName),
			zap.String("scope", string(def.Scope)),
			zap.String("org_id", p.OrganizationID),
			zap.String("user_id", p.UserID))
		return false
	}

	return true
}

// SubscribeUser evaluates access for each requested channel and partitions
// the list into granted and denied. Partial denial is not an error; callers
// must inspect the denied list.
func (r *Registry) SubscribeUser(p Principal, channelNames []string) (granted, denied []string) {
	for _, name := range channelNames {
		if r.CanAccess(name, p) {
			granted = append(granted, name)
		} else {
			denied = append(denied, name)
		}
	}
	return granted, denied
}

// ValidateCrossOrg checks whether sourceOrg may address a channel scoped to
// another organization. Global channels always pass; organization-scoped
// channels require an exact match.
func (r *Registry) ValidateCrossOrg(sourceOrg, targetChannel string) bool {
	r.mu.RLock()
	def, ok := r.channels[targetChannel]
	r.mu.RUnlock()

	if !ok {
		return false
	}

	if def.Scope == ScopeGlobal {
		return true
	}

	if def.OrganizationID != "" && def.OrganizationID != sourceOrg {
		r.logger.Warn("cross-organization access denied",
			zap.String("source_org", sourceOrg),
			zap.String("channel", targetChannel),
			zap.String("channel_org", def.OrganizationID))
		return false
	}

	return true
}

// ListAccessible returns the names of every channel the principal may access.
func (r *Registry) ListAccessible(p Principal) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var names []string
	for name, def := range r.channels {
		if def.allows(p) {
			names = append(names, name)
		}
	}
	return names
}

// GetChannel returns the definition for a channel name.
func (r *Registry) GetChannel(name string) (*ChannelDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.channels[name]
	return def, ok
}

// ChannelNames returns all known channel names.
func (r *Registry) ChannelNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.channels))
	for name := range r.channels {
		names = append(names, name)
	}
	return names
}

// allows evaluates scope match first, then intersects principal roles with
// the channel's required roles. Empty required roles means no role check.
func (d *ChannelDefinition) allows(p Principal) bool {
	switch d.Scope {
	case ScopeGlobal:
		// Always passes the scope check.
	case ScopeAdmin:
		if !p.HasRole(RoleAdmin) && !p.HasRole(RoleSuperAdmin) {
			return false
		}
		if d.OrganizationID != "" && d.OrganizationID != p.OrganizationID {
			return false
		}
	default:
		// Every populated identifier on the definition must match exactly.
		if d.OrganizationID != "" && d.OrganizationID != p.OrganizationID {
			return false
		}
		if d.DepartmentID != "" && d.DepartmentID != p.DepartmentID {
			return false
		}
		if d.UserID != "" && d.UserID != p.UserID {
			return false
		}
	}

	if len(d.RequiredRoles) == 0 {
		return true
	}
	for _, required := range d.RequiredRoles {
		if p.HasRole(required) {
			return true
		}
	}
	return false
}

// deriveScope determines scope from the identifiers present. System channels
// are global regardless of other fields; admin channels take admin scope.
func deriveScope(p ChannelParams) ChannelScope {
	switch {
	case p.Type == TypeSystem:
		return ScopeGlobal
	case p.Type == TypeAdmin:
		return ScopeAdmin
	case p.UserID != "":
		return ScopeUser
	case p.DepartmentID != "":
		return ScopeDepartment
	case p.OrganizationID != "":
		return ScopeOrganization
	default:
		return ScopeGlobal
	}
}

// composeName joins the type, the most specific identifier present, and the
// suffix with colons. The result is the lookup key everywhere downstream.
func composeName(p ChannelParams) string {
	parts := []string{string(p.Type)}

	switch {
	case p.UserID != "":
		parts = append(parts, p.UserID)
	case p.DepartmentID != "":
		parts = append(parts, p.DepartmentID)
	case p.OrganizationID != "":
		parts = append(parts, p.OrganizationID)
	}

	if p.Suffix != "" {
		parts = append(parts, p.Suffix)
	}

	return strings.Join(parts, ":")
}
