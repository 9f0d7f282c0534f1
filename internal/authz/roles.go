package authz

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Role is a single tenant-scoped role, represented as a bit flag so a
// membership's full role set packs into one small integer.
type Role uint8

const (
	RoleMember Role = 1 << iota
	RoleStaff
	RoleClergy
	RoleModerator
	RoleAdmin
)

var roleNames = map[Role]string{
	RoleMember:    "MEMBER",
	RoleStaff:     "STAFF",
	RoleClergy:    "CLERGY",
	RoleModerator: "MODERATOR",
	RoleAdmin:     "ADMIN",
}

// AllRoles lists every defined role in declaration order.
var AllRoles = []Role{RoleMember, RoleStaff, RoleClergy, RoleModerator, RoleAdmin}

func (r Role) String() string {
	if name, ok := roleNames[r]; ok {
		return name
	}
	return fmt.Sprintf("ROLE(%d)", uint8(r))
}

// ParseRole maps a role name to its flag. Matching is case-insensitive.
func ParseRole(name string) (Role, error) {
	name = strings.ToUpper(strings.TrimSpace(name))
	for role, n := range roleNames {
		if n == name {
			return role, nil
		}
	}
	return 0, fmt.Errorf("unknown role %q", name)
}

// RoleSet is a set of roles packed into a bitmask.
type RoleSet uint8

// NewRoleSet combines the given roles into a set.
func NewRoleSet(roles ...Role) RoleSet {
	var s RoleSet
	for _, r := range roles {
		s |= RoleSet(r)
	}
	return s
}

// ParseRoleSet builds a set from role names, rejecting unknown names.
func ParseRoleSet(names []string) (RoleSet, error) {
	var s RoleSet
	for _, name := range names {
		role, err := ParseRole(name)
		if err != nil {
			return 0, err
		}
		s |= RoleSet(role)
	}
	return s, nil
}

// Has reports whether the set contains the role.
func (s RoleSet) Has(r Role) bool { return s&RoleSet(r) != 0 }

// IsEmpty reports whether no role is held.
func (s RoleSet) IsEmpty() bool { return s == 0 }

// Names returns the contained role names in declaration order.
func (s RoleSet) Names() []string {
	var names []string
	for _, r := range AllRoles {
		if s.Has(r) {
			names = append(names, r.String())
		}
	}
	return names
}

func (s RoleSet) String() string { return strings.Join(s.Names(), ",") }

// MarshalJSON encodes the set as an array of role names.
func (s RoleSet) MarshalJSON() ([]byte, error) {
	names := s.Names()
	if names == nil {
		names = []string{}
	}
	return json.Marshal(names)
}

// UnmarshalJSON decodes an array of role names.
func (s *RoleSet) UnmarshalJSON(data []byte) error {
	var names []string
	if err := json.Unmarshal(data, &names); err != nil {
		return err
	}
	parsed, err := ParseRoleSet(names)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
