package tenant

import (
	"time"

	"communa.org/internal/authz"
)

// User is a platform-wide identity. IsSuperAdmin grants every capability in
// every tenant and is independent of any membership.
type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	DisplayName  string    `json:"display_name"`
	IsSuperAdmin bool      `json:"is_super_admin"`
	Disabled     bool      `json:"disabled"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ApprovalMode controls the initial status of a join request.
type ApprovalMode string

const (
	ApprovalOpen     ApprovalMode = "OPEN"
	ApprovalRequired ApprovalMode = "APPROVAL_REQUIRED"
)

// Valid reports whether the mode is one of the two supported values.
func (m ApprovalMode) Valid() bool {
	return m == ApprovalOpen || m == ApprovalRequired
}

// Tenant is an organization with its own roster and settings. Permissions is
// the optional per-role override matrix layered over the built-in baseline at
// resolution time.
type Tenant struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	ApprovalMode ApprovalMode `json:"approval_mode"`
	Permissions  authz.Matrix `json:"permissions,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// Status is the membership lifecycle state.
type Status string

const (
	StatusRequested Status = "REQUESTED"
	StatusApproved  Status = "APPROVED"
	StatusRejected  Status = "REJECTED"
	StatusBanned    Status = "BANNED"
)

// Valid reports whether the status is a known lifecycle state.
func (s Status) Valid() bool {
	switch s {
	case StatusRequested, StatusApproved, StatusRejected, StatusBanned:
		return true
	}
	return false
}

// legalTransitions encodes the lifecycle state machine. BANNED -> APPROVED is
// the explicit un-ban path; REJECTED is terminal without a new invitation.
var legalTransitions = map[Status][]Status{
	StatusRequested: {StatusApproved, StatusRejected},
	StatusApproved:  {StatusBanned},
	StatusBanned:    {StatusApproved},
}

// CanTransition reports whether from -> to is a legal lifecycle move.
func CanTransition(from, to Status) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Membership links one user to one tenant; unique on (UserID, TenantID).
// DisplayName and DisplayTitle override the user's global profile within the
// tenant. Memberships are never deleted; status transitions record history.
type Membership struct {
	ID           string        `json:"id"`
	TenantID     string        `json:"tenant_id"`
	UserID       string        `json:"user_id"`
	Status       Status        `json:"status"`
	Roles        authz.RoleSet `json:"roles"`
	DisplayName  string        `json:"display_name,omitempty"`
	DisplayTitle string        `json:"display_title,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// Grant converts the membership into the resolver's input shape.
func (m Membership) Grant() *authz.Grant {
	return &authz.Grant{
		Approved: m.Status == StatusApproved,
		Roles:    m.Roles,
	}
}
