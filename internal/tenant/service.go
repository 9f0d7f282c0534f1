package tenant

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"communa.org/internal/audit"
	"communa.org/internal/authz"
	"communa.org/internal/ids"
	"communa.org/internal/session"
)

// Service implements the membership lifecycle and permission resolution over
// a Store. All audited mutations commit state change and audit row as one
// unit inside the store; the service only validates, authorizes and shapes
// the audit entries.
type Service struct {
	store  Store
	notify audit.Notifier
	now    func() time.Time
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service)

// WithNotifier forwards committed audit entries to a live feed.
func WithNotifier(n audit.Notifier) ServiceOption {
	return func(s *Service) { s.notify = n }
}

// WithClock overrides the time source. Test use.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService constructs the lifecycle service.
func NewService(store Store, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store is required", ErrInvalidInput)
	}
	s := &Service{
		store: store,
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Register creates a platform account with a hashed credential.
func (s *Service) Register(ctx context.Context, email, password, displayName string) (User, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" || !strings.Contains(email, "@") {
		return User{}, fmt.Errorf("%w: valid email is required", ErrInvalidInput)
	}
	displayName = strings.TrimSpace(displayName)
	if displayName == "" {
		displayName = email
	}
	hash, err := session.HashPassword(password)
	if err != nil {
		return User{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return s.store.CreateUser(ctx, User{
		Email:        email,
		PasswordHash: hash,
		DisplayName:  displayName,
	})
}

// Authenticate verifies a credential pair. Disabled accounts cannot log in.
func (s *Service) Authenticate(ctx context.Context, email, password string) (User, error) {
	user, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		return User{}, ErrUnauthorized
	}
	if user.Disabled || !session.VerifyPassword(user.PasswordHash, password) {
		return User{}, ErrUnauthorized
	}
	return user, nil
}

// ResetPassword replaces the caller's own credential.
func (s *Service) ResetPassword(ctx context.Context, userID, newPassword string) error {
	hash, err := session.HashPassword(newPassword)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return s.store.UpdatePasswordHash(ctx, userID, hash)
}

// GetUser fetches a platform account.
func (s *Service) GetUser(ctx context.Context, id string) (User, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return User{}, fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	return s.store.GetUser(ctx, id)
}

// CreateTenant creates an organization; the creator becomes its first ADMIN
// member in the same transaction.
func (s *Service) CreateTenant(ctx context.Context, creatorID, name string, mode ApprovalMode) (Tenant, error) {
	creatorID = strings.TrimSpace(creatorID)
	name = strings.TrimSpace(name)
	if creatorID == "" || name == "" {
		return Tenant{}, fmt.Errorf("%w: creator and name are required", ErrInvalidInput)
	}
	if mode == "" {
		mode = ApprovalRequired
	}
	if !mode.Valid() {
		return Tenant{}, fmt.Errorf("%w: unsupported approval mode %s", ErrInvalidInput, mode)
	}
	founder := Membership{
		UserID: creatorID,
		Status: StatusApproved,
		Roles:  authz.NewRoleSet(authz.RoleAdmin),
	}
	return s.store.CreateTenant(ctx, Tenant{Name: name, ApprovalMode: mode}, founder)
}

// GetTenant fetches an organization.
func (s *Service) GetTenant(ctx context.Context, id string) (Tenant, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Tenant{}, fmt.Errorf("%w: tenant id is required", ErrInvalidInput)
	}
	return s.store.GetTenant(ctx, id)
}

// UpdatePermissionMatrix replaces the tenant's override matrix. Requires
// canManageTenantSettings and emits TENANT_PERMISSIONS_UPDATED.
func (s *Service) UpdatePermissionMatrix(ctx context.Context, actor audit.Actor, tenantID string, matrix authz.Matrix) (Tenant, error) {
	if err := s.requireCapability(ctx, actor, tenantID, authz.CapManageTenantSettings); err != nil {
		return Tenant{}, err
	}
	entry := s.newEntry(actor, audit.ActionTenantPermissions, "tenant", tenantID, nil)
	updated, err := s.store.UpdateTenantPermissions(ctx, tenantID, matrix, entry)
	if err != nil {
		return Tenant{}, err
	}
	s.publish(entry)
	return updated, nil
}

// RequestJoin creates a membership for (userID, tenantID), approved
// immediately for OPEN tenants and pending otherwise. A second call returns
// the existing membership unchanged, whatever its status.
func (s *Service) RequestJoin(ctx context.Context, userID, tenantID string) (Membership, error) {
	userID = strings.TrimSpace(userID)
	tenantID = strings.TrimSpace(tenantID)
	if userID == "" || tenantID == "" {
		return Membership{}, fmt.Errorf("%w: user and tenant ids are required", ErrInvalidInput)
	}
	t, err := s.store.GetTenant(ctx, tenantID)
	if err != nil {
		return Membership{}, err
	}
	status := StatusRequested
	if t.ApprovalMode == ApprovalOpen {
		status = StatusApproved
	}
	m, _, err := s.store.CreateMembership(ctx, Membership{
		TenantID: tenantID,
		UserID:   userID,
		Status:   status,
		Roles:    authz.NewRoleSet(authz.RoleMember),
	})
	return m, err
}

// UpdateStatus applies one lifecycle transition. The transition is validated
// against the persisted status and swapped atomically with the audit append;
// a concurrent transition makes the loser fail with ErrInvalidTransition.
func (s *Service) UpdateStatus(ctx context.Context, actor audit.Actor, tenantID, targetUserID string, newStatus Status) (Membership, error) {
	if !newStatus.Valid() {
		return Membership{}, fmt.Errorf("%w: unknown status %s", ErrInvalidInput, newStatus)
	}
	if err := s.requireCapability(ctx, actor, tenantID, authz.CapManageMembers); err != nil {
		return Membership{}, err
	}
	current, err := s.store.GetMembership(ctx, tenantID, targetUserID)
	if err != nil {
		return Membership{}, err
	}
	if !CanTransition(current.Status, newStatus) {
		return Membership{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status, newStatus)
	}
	if newStatus == StatusApproved && current.Roles.IsEmpty() {
		return Membership{}, fmt.Errorf("%w: approved members need at least one role", ErrInvalidInput)
	}
	entry := s.newEntry(actor, audit.ActionMembershipStatus, "membership", targetUserID, map[string]string{
		"tenant_id": tenantID,
		"from":      string(current.Status),
		"to":        string(newStatus),
	})
	updated, err := s.store.UpdateMembershipStatus(ctx, tenantID, targetUserID, current.Status, newStatus, entry)
	if err != nil {
		return Membership{}, err
	}
	s.publish(entry)
	return updated, nil
}

// UpdateRolesAndTitle replaces the member's role set and display title.
// APPROVED memberships must keep at least one role.
func (s *Service) UpdateRolesAndTitle(ctx context.Context, actor audit.Actor, tenantID, targetUserID string, roles authz.RoleSet, title string) (Membership, error) {
	if err := s.requireCapability(ctx, actor, tenantID, authz.CapManageMembers); err != nil {
		return Membership{}, err
	}
	current, err := s.store.GetMembership(ctx, tenantID, targetUserID)
	if err != nil {
		return Membership{}, err
	}
	if current.Status == StatusApproved && roles.IsEmpty() {
		return Membership{}, fmt.Errorf("%w: approved members need at least one role", ErrInvalidInput)
	}
	entry := s.newEntry(actor, audit.ActionMemberRolesUpdated, "membership", targetUserID, map[string]string{
		"tenant_id": tenantID,
		"roles":     roles.String(),
		"title":     strings.TrimSpace(title),
	})
	updated, err := s.store.UpdateMembershipRoles(ctx, tenantID, targetUserID, roles, strings.TrimSpace(title), entry)
	if err != nil {
		return Membership{}, err
	}
	s.publish(entry)
	return updated, nil
}

// UpdateOwnProfile changes the caller's tenant-scoped display name and title.
// No audit requirement; fails when the membership is not the caller's own.
func (s *Service) UpdateOwnProfile(ctx context.Context, userID, membershipID, displayName, displayTitle string) (Membership, error) {
	userID = strings.TrimSpace(userID)
	membershipID = strings.TrimSpace(membershipID)
	if userID == "" || membershipID == "" {
		return Membership{}, fmt.Errorf("%w: user and membership ids are required", ErrInvalidInput)
	}
	return s.store.UpdateMembershipProfile(ctx, membershipID, userID, strings.TrimSpace(displayName), strings.TrimSpace(displayTitle))
}

// ListMembers returns the tenant roster. Visible to approved members; anyone
// else needs canManageMembers (super-admins always pass).
func (s *Service) ListMembers(ctx context.Context, actor audit.Actor, tenantID string) ([]Membership, error) {
	caps, err := s.ResolveCapabilities(ctx, actor.Effective(), tenantID)
	if err != nil {
		return nil, err
	}
	if !caps.Has(authz.CapManageMembers) {
		m, err := s.store.GetMembership(ctx, tenantID, actor.Effective())
		if err != nil || m.Status != StatusApproved {
			return nil, ErrUnauthorized
		}
	}
	return s.store.ListMemberships(ctx, tenantID)
}

// DisableUser switches off a platform account. Super-admin only; emits
// BAN_USER. Tenant-level bans go through UpdateStatus instead.
func (s *Service) DisableUser(ctx context.Context, actor audit.Actor, targetUserID string) error {
	targetUserID = strings.TrimSpace(targetUserID)
	if targetUserID == "" {
		return fmt.Errorf("%w: target user id is required", ErrInvalidInput)
	}
	acting, err := s.store.GetUser(ctx, actor.Effective())
	if err != nil {
		return ErrUnauthorized
	}
	if !acting.IsSuperAdmin {
		return ErrUnauthorized
	}
	if targetUserID == acting.ID {
		return fmt.Errorf("%w: cannot disable own account", ErrInvalidInput)
	}
	if _, err := s.store.GetUser(ctx, targetUserID); err != nil {
		return err
	}
	entry := s.newEntry(actor, audit.ActionBanUser, "user", targetUserID, nil)
	if err := s.store.SetUserDisabled(ctx, targetUserID, true, entry); err != nil {
		return err
	}
	s.publish(entry)
	return nil
}

// ResolveCapabilities computes the effective capability set for one
// (user, tenant) pair. Missing or non-approved memberships resolve to the
// empty set; only a missing user or tenant is an error.
func (s *Service) ResolveCapabilities(ctx context.Context, userID, tenantID string) (authz.CapabilitySet, error) {
	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user.IsSuperAdmin {
		return authz.FullCapabilitySet(), nil
	}
	if user.Disabled {
		return authz.EmptyCapabilitySet(), nil
	}
	t, err := s.store.GetTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	m, err := s.store.GetMembership(ctx, tenantID, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return authz.EmptyCapabilitySet(), nil
		}
		return nil, err
	}
	return authz.Resolve(false, m.Grant(), t.Permissions), nil
}

func (s *Service) requireCapability(ctx context.Context, actor audit.Actor, tenantID string, cap authz.Capability) error {
	caps, err := s.ResolveCapabilities(ctx, actor.Effective(), tenantID)
	if err != nil {
		return err
	}
	if !caps.Has(cap) {
		return ErrUnauthorized
	}
	return nil
}

func (s *Service) newEntry(actor audit.Actor, action audit.Action, entityType, entityID string, metadata map[string]string) audit.Entry {
	return audit.Entry{
		ID:              ids.New(),
		OccurredAt:      s.now(),
		ActorUserID:     actor.UserID,
		EffectiveUserID: actor.EffectiveUserID,
		Action:          action,
		EntityType:      entityType,
		EntityID:        entityID,
		Metadata:        metadata,
	}
}

func (s *Service) publish(entry audit.Entry) {
	if s.notify != nil {
		s.notify.Publish(entry)
	}
}
