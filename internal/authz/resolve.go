package authz

// Grant describes the membership facts resolution needs: whether the
// membership is approved and which roles it holds. A nil Grant means no
// membership exists for the (user, tenant) pair.
type Grant struct {
	Approved bool
	Roles    RoleSet
}

// Resolve computes the effective capability set for one (user, tenant) pair.
//
// Super-admins receive every capability unconditionally. Otherwise a missing
// or non-approved membership resolves to the empty set; the caller must treat
// that as denial, not as an error. For an approved membership a capability is
// granted when any held role grants it, after layering the tenant override
// matrix on the built-in baseline. An unknown or nil matrix falls back to the
// baseline alone, and an override can never withdraw ADMIN's baseline access.
func Resolve(isSuperAdmin bool, grant *Grant, overrides Matrix) CapabilitySet {
	if isSuperAdmin {
		return FullCapabilitySet()
	}
	if grant == nil || !grant.Approved || grant.Roles.IsEmpty() {
		return EmptyCapabilitySet()
	}

	set := EmptyCapabilitySet()
	for _, role := range AllRoles {
		if !grant.Roles.Has(role) {
			continue
		}
		for _, cap := range AllCapabilities {
			if effectiveGrant(role, cap, overrides) {
				set[cap] = true
			}
		}
	}
	return set
}

// effectiveGrant layers the tenant override over the baseline for one
// (role, capability) pair. ADMIN keeps its full baseline regardless of
// overrides; an override may only extend it.
func effectiveGrant(role Role, cap Capability, overrides Matrix) bool {
	base := baseline[role][cap]
	if role == RoleAdmin {
		return base || overrideValue(role, cap, overrides)
	}
	if v, ok := overrideLookup(role, cap, overrides); ok {
		return v
	}
	return base
}

func overrideLookup(role Role, cap Capability, overrides Matrix) (bool, bool) {
	if overrides == nil {
		return false, false
	}
	grants, ok := overrides[role.String()]
	if !ok {
		return false, false
	}
	v, ok := grants[cap]
	return v, ok
}

func overrideValue(role Role, cap Capability, overrides Matrix) bool {
	v, _ := overrideLookup(role, cap, overrides)
	return v
}
