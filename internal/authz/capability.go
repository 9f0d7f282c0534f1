package authz

// Capability is a named boolean permission resolved per (user, tenant).
type Capability string

const (
	CapManageMembers        Capability = "canManageMembers"
	CapCreateEvents         Capability = "canCreateEvents"
	CapManageEvents         Capability = "canManageEvents"
	CapCreatePosts          Capability = "canCreatePosts"
	CapManageResources      Capability = "canManageResources"
	CapViewWorkMenu         Capability = "canViewWorkMenu"
	CapModerateMessages     Capability = "canModerateMessages"
	CapManageTenantSettings Capability = "canManageTenantSettings"
	CapViewAuditLog         Capability = "canViewAuditLog"
)

// AllCapabilities lists the closed capability catalog.
var AllCapabilities = []Capability{
	CapManageMembers,
	CapCreateEvents,
	CapManageEvents,
	CapCreatePosts,
	CapManageResources,
	CapViewWorkMenu,
	CapModerateMessages,
	CapManageTenantSettings,
	CapViewAuditLog,
}

// CapabilitySet is the resolved mapping from capability to grant. It is a
// fixed snapshot for one request; absence means denied.
type CapabilitySet map[Capability]bool

// Has treats missing capabilities as denied, never as allow-by-default.
func (c CapabilitySet) Has(cap Capability) bool { return c[cap] }

// IsEmpty reports whether nothing is granted.
func (c CapabilitySet) IsEmpty() bool {
	for _, granted := range c {
		if granted {
			return false
		}
	}
	return true
}

// FullCapabilitySet grants everything. Used for platform super-admins.
func FullCapabilitySet() CapabilitySet {
	set := make(CapabilitySet, len(AllCapabilities))
	for _, cap := range AllCapabilities {
		set[cap] = true
	}
	return set
}

// EmptyCapabilitySet grants nothing.
func EmptyCapabilitySet() CapabilitySet {
	return CapabilitySet{}
}

// Matrix is a tenant-configured override layer: role name -> capability ->
// grant. It is merged over the built-in baseline at resolution time and never
// mutates the baseline itself.
type Matrix map[string]map[Capability]bool

// baseline is the hardcoded matrix applied when a tenant has no override for
// a role. ADMIN implies every capability; MEMBER implies none.
var baseline = map[Role]map[Capability]bool{
	RoleMember: {},
	RoleStaff: {
		CapCreateEvents:    true,
		CapManageEvents:    true,
		CapManageResources: true,
		CapViewWorkMenu:    true,
	},
	RoleClergy: {
		CapCreateEvents: true,
		CapCreatePosts:  true,
		CapViewWorkMenu: true,
	},
	RoleModerator: {
		CapModerateMessages: true,
		CapManageMembers:    true,
	},
	RoleAdmin: fullGrant(),
}

func fullGrant() map[Capability]bool {
	grant := make(map[Capability]bool, len(AllCapabilities))
	for _, cap := range AllCapabilities {
		grant[cap] = true
	}
	return grant
}

// BaselineFor returns a copy of the built-in grants for a role.
func BaselineFor(role Role) map[Capability]bool {
	out := make(map[Capability]bool, len(baseline[role]))
	for cap, granted := range baseline[role] {
		out[cap] = granted
	}
	return out
}
