package tenant

import (
	"context"
	"strings"
	"sync"
	"time"

	"communa.org/internal/audit"
	"communa.org/internal/authz"
	"communa.org/internal/ids"
)

// InMemory implements Store with in-process concurrency safety. Mutations and
// their audit appends happen under one mutex hold, which gives the same
// all-or-nothing behavior the Postgres store gets from a transaction.
type InMemory struct {
	mu          sync.RWMutex
	users       map[string]*User
	userByEmail map[string]string
	tenants     map[string]*Tenant
	memberships map[string]*Membership // membership id -> row
	memberIndex map[string]string      // tenantID+"/"+userID -> membership id

	log *audit.InMemory
}

// NewInMemory creates an empty store appending audit entries to log.
func NewInMemory(log *audit.InMemory) *InMemory {
	s := &InMemory{
		users:       make(map[string]*User),
		userByEmail: make(map[string]string),
		tenants:     make(map[string]*Tenant),
		memberships: make(map[string]*Membership),
		memberIndex: make(map[string]string),
		log:         log,
	}
	if s.log != nil && s.log.DisplayName == nil {
		s.log.DisplayName = s.displayName
	}
	return s
}

func memberKey(tenantID, userID string) string { return tenantID + "/" + userID }

func (s *InMemory) displayName(userID string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if u, ok := s.users[userID]; ok {
		return u.DisplayName
	}
	return ""
}

func (s *InMemory) CreateUser(ctx context.Context, u User) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	email := strings.ToLower(strings.TrimSpace(u.Email))
	if _, exists := s.userByEmail[email]; exists {
		return User{}, ErrConflict
	}
	if u.ID == "" {
		u.ID = ids.New()
	}
	now := time.Now().UTC()
	u.Email = email
	u.CreatedAt = now
	u.UpdatedAt = now
	s.users[u.ID] = &u
	s.userByEmail[email] = u.ID
	return u, nil
}

func (s *InMemory) GetUser(ctx context.Context, id string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return User{}, ErrNotFound
	}
	return *u, nil
}

func (s *InMemory) GetUserByEmail(ctx context.Context, email string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.userByEmail[strings.ToLower(strings.TrimSpace(email))]
	if !ok {
		return User{}, ErrNotFound
	}
	return *s.users[id], nil
}

func (s *InMemory) UpdatePasswordHash(ctx context.Context, userID, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.PasswordHash = hash
	u.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *InMemory) SetUserDisabled(ctx context.Context, userID string, disabled bool, entry audit.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return ErrNotFound
	}
	if err := s.append(ctx, entry); err != nil {
		return err
	}
	u.Disabled = disabled
	u.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *InMemory) CreateTenant(ctx context.Context, t Tenant, founder Membership) (Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[founder.UserID]; !ok {
		return Tenant{}, ErrNotFound
	}
	if t.ID == "" {
		t.ID = ids.New()
	}
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now
	s.tenants[t.ID] = &t

	founder.ID = ids.New()
	founder.TenantID = t.ID
	founder.CreatedAt = now
	founder.UpdatedAt = now
	s.memberships[founder.ID] = &founder
	s.memberIndex[memberKey(t.ID, founder.UserID)] = founder.ID
	return t, nil
}

func (s *InMemory) GetTenant(ctx context.Context, id string) (Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tenants[id]
	if !ok {
		return Tenant{}, ErrNotFound
	}
	return *t, nil
}

func (s *InMemory) UpdateTenantPermissions(ctx context.Context, tenantID string, matrix authz.Matrix, entry audit.Entry) (Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tenants[tenantID]
	if !ok {
		return Tenant{}, ErrNotFound
	}
	if err := s.append(ctx, entry); err != nil {
		return Tenant{}, err
	}
	t.Permissions = matrix
	t.UpdatedAt = time.Now().UTC()
	return *t, nil
}

func (s *InMemory) CreateMembership(ctx context.Context, m Membership) (Membership, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tenants[m.TenantID]; !ok {
		return Membership{}, false, ErrNotFound
	}
	if _, ok := s.users[m.UserID]; !ok {
		return Membership{}, false, ErrNotFound
	}
	// Idempotency: an existing row of any status wins over the insert.
	if id, ok := s.memberIndex[memberKey(m.TenantID, m.UserID)]; ok {
		return *s.memberships[id], false, nil
	}
	if m.ID == "" {
		m.ID = ids.New()
	}
	now := time.Now().UTC()
	m.CreatedAt = now
	m.UpdatedAt = now
	s.memberships[m.ID] = &m
	s.memberIndex[memberKey(m.TenantID, m.UserID)] = m.ID
	return m, true, nil
}

func (s *InMemory) GetMembership(ctx context.Context, tenantID, userID string) (Membership, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.memberIndex[memberKey(tenantID, userID)]
	if !ok {
		return Membership{}, ErrNotFound
	}
	return *s.memberships[id], nil
}

func (s *InMemory) GetMembershipByID(ctx context.Context, id string) (Membership, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.memberships[id]
	if !ok {
		return Membership{}, ErrNotFound
	}
	return *m, nil
}

func (s *InMemory) ListMemberships(ctx context.Context, tenantID string) ([]Membership, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.tenants[tenantID]; !ok {
		return nil, ErrNotFound
	}
	var result []Membership
	for _, m := range s.memberships {
		if m.TenantID == tenantID {
			result = append(result, *m)
		}
	}
	return result, nil
}

func (s *InMemory) UpdateMembershipStatus(ctx context.Context, tenantID, userID string, from, to Status, entry audit.Entry) (Membership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.memberIndex[memberKey(tenantID, userID)]
	if !ok {
		return Membership{}, ErrNotFound
	}
	m := s.memberships[id]
	// Compare-and-swap: a concurrent transition that already moved the row
	// invalidates this one.
	if m.Status != from {
		return Membership{}, ErrInvalidTransition
	}
	if err := s.append(ctx, entry); err != nil {
		return Membership{}, err
	}
	m.Status = to
	m.UpdatedAt = time.Now().UTC()
	return *m, nil
}

func (s *InMemory) UpdateMembershipRoles(ctx context.Context, tenantID, userID string, roles authz.RoleSet, title string, entry audit.Entry) (Membership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.memberIndex[memberKey(tenantID, userID)]
	if !ok {
		return Membership{}, ErrNotFound
	}
	if err := s.append(ctx, entry); err != nil {
		return Membership{}, err
	}
	m := s.memberships[id]
	m.Roles = roles
	m.DisplayTitle = title
	m.UpdatedAt = time.Now().UTC()
	return *m, nil
}

func (s *InMemory) UpdateMembershipProfile(ctx context.Context, membershipID, userID, displayName, displayTitle string) (Membership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.memberships[membershipID]
	if !ok || m.UserID != userID {
		return Membership{}, ErrNotFound
	}
	m.DisplayName = displayName
	m.DisplayTitle = displayTitle
	m.UpdatedAt = time.Now().UTC()
	return *m, nil
}

func (s *InMemory) append(ctx context.Context, entry audit.Entry) error {
	if s.log == nil {
		return nil
	}
	return s.log.Append(ctx, entry)
}
