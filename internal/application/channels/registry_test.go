package channels

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestRegistry() *Registry {
	return NewRegistry(zap.NewNop())
}

func TestCreateChannelComposesName(t *testing.T) {
	r := newTestRegistry()

	def := r.CreateChannel(ChannelParams{
		Suffix:         "alerts",
		Type:           TypeCustom,
		OrganizationID: "acme",
	})
	assert.Equal(t, "custom:acme:alerts", def.Name)
	assert.Equal(t, ScopeOrganization, def.Scope)

	// The most specific identifier wins.
	def = r.CreateChannel(ChannelParams{
		Suffix:         "inbox",
		Type:           TypeUser,
		OrganizationID: "acme",
		UserID:         "u1",
	})
	assert.Equal(t, "user:u1:inbox", def.Name)
	assert.Equal(t, ScopeUser, def.Scope)
}

func TestCreateChannelIsIdempotent(t *testing.T) {
	r := newTestRegistry()

	first := r.CreateChannel(ChannelParams{Suffix: "global", Type: TypeSystem})
	second := r.CreateChannel(ChannelParams{Suffix: "global", Type: TypeSystem})
	assert.Same(t, first, second)
}

func TestScopeDerivation(t *testing.T) {
	r := newTestRegistry()

	tests := []struct {
		name     string
		params   ChannelParams
		expected ChannelScope
	}{
		{"system forces global", ChannelParams{Suffix: "a", Type: TypeSystem, OrganizationID: "acme", UserID: "u1"}, ScopeGlobal},
		{"admin type", ChannelParams{Suffix: "b", Type: TypeAdmin, OrganizationID: "acme"}, ScopeAdmin},
		{"user id wins", ChannelParams{Suffix: "c", Type: TypeCustom, OrganizationID: "acme", DepartmentID: "d1", UserID: "u1"}, ScopeUser},
		{"department", ChannelParams{Suffix: "d", Type: TypeCustom, OrganizationID: "acme", DepartmentID: "d1"}, ScopeDepartment},
		{"organization", ChannelParams{Suffix: "e", Type: TypeCustom, OrganizationID: "acme"}, ScopeOrganization},
		{"no identifiers yields global", ChannelParams{Suffix: "f", Type: TypeCustom}, ScopeGlobal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := r.CreateChannel(tt.params)
			assert.Equal(t, tt.expected, def.Scope)
		})
	}
}

func TestUserScopedAccessIsolation(t *testing.T) {
	r := newTestRegistry()

	def := r.CreateChannel(ChannelParams{
		Suffix:         "stream",
		Type:           TypeUser,
		OrganizationID: "acme",
		UserID:         "u1",
	})

	assert.True(t, r.CanAccess(def.Name, Principal{OrganizationID: "acme", UserID: "u1"}))

	// Same user id under a different organization must be denied.
	assert.False(t, r.CanAccess(def.Name, Principal{OrganizationID: "other", UserID: "u1"}))
	assert.False(t, r.CanAccess(def.Name, Principal{OrganizationID: "acme", UserID: "u2"}))
}

func TestUnknownChannelDenied(t *testing.T) {
	r := newTestRegistry()
	assert.False(t, r.CanAccess("custom:acme:nope", Principal{OrganizationID: "acme"}))
}

func TestRequiredRoles(t *testing.T) {
	r := newTestRegistry()

	def := r.CreateChannel(ChannelParams{
		Suffix:         "ops",
		Type:           TypeMetric,
		OrganizationID: "acme",
		RequiredRoles:  []string{"operator", "admin"},
	})

	// Any intersection grants access.
	assert.True(t, r.CanAccess(def.Name, Principal{OrganizationID: "acme", Roles: []string{"operator"}}))
	assert.True(t, r.CanAccess(def.Name, Principal{OrganizationID: "acme", Roles: []string{"admin", "viewer"}}))
	assert.False(t, r.CanAccess(def.Name, Principal{OrganizationID: "acme", Roles: []string{"viewer"}}))
	assert.False(t, r.CanAccess(def.Name, Principal{OrganizationID: "acme"}))
}

func TestAdminScope(t *testing.T) {
	r := newTestRegistry()

	def := r.CreateChannel(ChannelParams{
		Suffix:         "console",
		Type:           TypeAdmin,
		OrganizationID: "acme",
	})

	assert.True(t, r.CanAccess(def.Name, Principal{OrganizationID: "acme", Roles: []string{RoleAdmin}}))
	assert.True(t, r.CanAccess(def.Name, Principal{OrganizationID: "acme", Roles: []string{RoleSuperAdmin}}))
	assert.False(t, r.CanAccess(def.Name, Principal{OrganizationID: "acme"}))
	assert.False(t, r.CanAccess(def.Name, Principal{OrganizationID: "other", Roles: []string{RoleAdmin}}))
}

func TestGlobalChannelAccessibleToEveryone(t *testing.T) {
	r := newTestRegistry()

	def := r.CreateChannel(ChannelParams{Suffix: "notices", Type: TypeCustom})
	assert.True(t, r.CanAccess(def.Name, Principal{OrganizationID: "acme"}))
	assert.True(t, r.CanAccess(def.Name, Principal{OrganizationID: "other"}))
}

func TestSubscribeUserPartitions(t *testing.T) {
	r := newTestRegistry()

	own := r.CreateChannel(ChannelParams{Suffix: "own", Type: TypeCustom, OrganizationID: "acme"})
	foreign := r.CreateChannel(ChannelParams{Suffix: "foreign", Type: TypeCustom, OrganizationID: "other"})
	global := r.CreateChannel(ChannelParams{Suffix: "shared", Type: TypeCustom})

	granted, denied := r.SubscribeUser(
		Principal{OrganizationID: "acme", UserID: "u1"},
		[]string{own.Name, foreign.Name, global.Name, "custom:acme:missing"},
	)

	assert.Equal(t, []string{own.Name, global.Name}, granted)
	assert.Equal(t, []string{foreign.Name, "custom:acme:missing"}, denied)
}

func TestValidateCrossOrg(t *testing.T) {
	r := newTestRegistry()

	orgScoped := r.CreateChannel(ChannelParams{Suffix: "events", Type: TypeOrganization, OrganizationID: "acme"})
	global := r.CreateChannel(ChannelParams{Suffix: "global", Type: TypeSystem})

	assert.True(t, r.ValidateCrossOrg("acme", orgScoped.Name))
	assert.False(t, r.ValidateCrossOrg("other", orgScoped.Name))
	assert.True(t, r.ValidateCrossOrg("other", global.Name))
	assert.False(t, r.ValidateCrossOrg("acme", "custom:x:unknown"))
}

func TestListAccessible(t *testing.T) {
	r := newTestRegistry()

	own := r.CreateChannel(ChannelParams{Suffix: "own", Type: TypeCustom, OrganizationID: "acme"})
	r.CreateChannel(ChannelParams{Suffix: "foreign", Type: TypeCustom, OrganizationID: "other"})

	names := r.ListAccessible(Principal{OrganizationID: "acme"})
	require.Len(t, names, 1)
	assert.Equal(t, own.Name, names[0])
}
