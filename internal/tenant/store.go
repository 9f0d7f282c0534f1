package tenant

import (
	"context"

	"communa.org/internal/audit"
	"communa.org/internal/authz"
)

// Store describes persistence for users, tenants and memberships.
//
// Mutations that take an audit.Entry must commit the state change and the
// audit row as one unit: if the append fails the mutation must not take
// effect, and vice versa. UpdateMembershipStatus additionally performs a
// compare-and-swap against the expected current status so concurrent
// transitions serialize; the loser observes ErrInvalidTransition.
type Store interface {
	CreateUser(ctx context.Context, u User) (User, error)
	GetUser(ctx context.Context, id string) (User, error)
	GetUserByEmail(ctx context.Context, email string) (User, error)
	UpdatePasswordHash(ctx context.Context, userID, hash string) error
	SetUserDisabled(ctx context.Context, userID string, disabled bool, entry audit.Entry) error

	CreateTenant(ctx context.Context, t Tenant, founder Membership) (Tenant, error)
	GetTenant(ctx context.Context, id string) (Tenant, error)
	UpdateTenantPermissions(ctx context.Context, tenantID string, matrix authz.Matrix, entry audit.Entry) (Tenant, error)

	// CreateMembership returns the stored membership and whether a new row
	// was created. An existing (userID, tenantID) row is returned unchanged.
	CreateMembership(ctx context.Context, m Membership) (Membership, bool, error)
	GetMembership(ctx context.Context, tenantID, userID string) (Membership, error)
	GetMembershipByID(ctx context.Context, id string) (Membership, error)
	ListMemberships(ctx context.Context, tenantID string) ([]Membership, error)
	UpdateMembershipStatus(ctx context.Context, tenantID, userID string, from, to Status, entry audit.Entry) (Membership, error)
	UpdateMembershipRoles(ctx context.Context, tenantID, userID string, roles authz.RoleSet, title string, entry audit.Entry) (Membership, error)
	// UpdateMembershipProfile fails with ErrNotFound unless the membership
	// id belongs to userID (cross-user tampering guard).
	UpdateMembershipProfile(ctx context.Context, membershipID, userID, displayName, displayTitle string) (Membership, error)
}
