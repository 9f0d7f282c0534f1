package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"communa.org/internal/audit"
	"communa.org/internal/authz"
	"communa.org/internal/ids"
	"communa.org/internal/tenant"
)

var _ tenant.Store = (*Store)(nil)

func (s *Store) CreateUser(ctx context.Context, u tenant.User) (tenant.User, error) {
	if u.ID == "" {
		u.ID = ids.New()
	}
	row := s.db.QueryRowContext(ctx, `
		insert into users (id, email, password_hash, display_name, is_super_admin, disabled)
		values ($1, $2, $3, $4, $5, $6)
		returning id, email, password_hash, display_name, is_super_admin, disabled, created_at, updated_at
	`, u.ID, u.Email, u.PasswordHash, u.DisplayName, u.IsSuperAdmin, u.Disabled)
	created, err := scanUser(row)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return tenant.User{}, tenant.ErrConflict
		}
		return tenant.User{}, err
	}
	return created, nil
}

func (s *Store) GetUser(ctx context.Context, id string) (tenant.User, error) {
	row := s.db.QueryRowContext(ctx, `
		select id, email, password_hash, display_name, is_super_admin, disabled, created_at, updated_at
		from users
		where id = $1
	`, id)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return tenant.User{}, tenant.ErrNotFound
	}
	return u, err
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (tenant.User, error) {
	row := s.db.QueryRowContext(ctx, `
		select id, email, password_hash, display_name, is_super_admin, disabled, created_at, updated_at
		from users
		where email = $1
	`, email)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return tenant.User{}, tenant.ErrNotFound
	}
	return u, err
}

func (s *Store) UpdatePasswordHash(ctx context.Context, userID, hash string) error {
	res, err := s.db.ExecContext(ctx, `
		update users set password_hash = $2, updated_at = now() where id = $1
	`, userID, hash)
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return tenant.ErrNotFound
	}
	return nil
}

func (s *Store) SetUserDisabled(ctx context.Context, userID string, disabled bool, entry audit.Entry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		update users set disabled = $2, updated_at = now() where id = $1
	`, userID, disabled)
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return tenant.ErrNotFound
	}
	if err := insertAudit(ctx, tx, entry); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) CreateTenant(ctx context.Context, t tenant.Tenant, founder tenant.Membership) (tenant.Tenant, error) {
	if t.ID == "" {
		t.ID = ids.New()
	}
	if founder.ID == "" {
		founder.ID = ids.New()
	}
	matrix, err := marshalMatrix(t.Permissions)
	if err != nil {
		return tenant.Tenant{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return tenant.Tenant{}, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
		insert into tenants (id, name, approval_mode, permissions)
		values ($1, $2, $3, $4)
		returning id, name, approval_mode, permissions, created_at, updated_at
	`, t.ID, t.Name, string(t.ApprovalMode), matrix)
	created, err := scanTenant(row)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return tenant.Tenant{}, tenant.ErrConflict
		}
		return tenant.Tenant{}, err
	}

	if _, err := tx.ExecContext(ctx, `
		insert into memberships (id, tenant_id, user_id, status, roles, display_name, display_title)
		values ($1, $2, $3, $4, $5, $6, $7)
	`, founder.ID, created.ID, founder.UserID, string(founder.Status), founder.Roles.String(),
		nullIfEmpty(founder.DisplayName), nullIfEmpty(founder.DisplayTitle)); err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrForeignKeyViolation {
			return tenant.Tenant{}, tenant.ErrNotFound
		}
		return tenant.Tenant{}, err
	}

	if err := tx.Commit(); err != nil {
		return tenant.Tenant{}, err
	}
	return created, nil
}

func (s *Store) GetTenant(ctx context.Context, id string) (tenant.Tenant, error) {
	row := s.db.QueryRowContext(ctx, `
		select id, name, approval_mode, permissions, created_at, updated_at
		from tenants
		where id = $1
	`, id)
	t, err := scanTenant(row)
	if errors.Is(err, sql.ErrNoRows) {
		return tenant.Tenant{}, tenant.ErrNotFound
	}
	return t, err
}

func (s *Store) UpdateTenantPermissions(ctx context.Context, tenantID string, matrix authz.Matrix, entry audit.Entry) (tenant.Tenant, error) {
	raw, err := marshalMatrix(matrix)
	if err != nil {
		return tenant.Tenant{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return tenant.Tenant{}, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
		update tenants set permissions = $2, updated_at = now()
		where id = $1
		returning id, name, approval_mode, permissions, created_at, updated_at
	`, tenantID, raw)
	updated, err := scanTenant(row)
	if errors.Is(err, sql.ErrNoRows) {
		return tenant.Tenant{}, tenant.ErrNotFound
	}
	if err != nil {
		return tenant.Tenant{}, err
	}
	if err := insertAudit(ctx, tx, entry); err != nil {
		return tenant.Tenant{}, err
	}
	if err := tx.Commit(); err != nil {
		return tenant.Tenant{}, err
	}
	return updated, nil
}

func (s *Store) CreateMembership(ctx context.Context, m tenant.Membership) (tenant.Membership, bool, error) {
	if m.ID == "" {
		m.ID = ids.New()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return tenant.Membership{}, false, err
	}
	defer func() { _ = tx.Rollback() }()

	// Idempotent join: an existing row wins, locked so a concurrent request
	// for the same pair serializes.
	existing, err := membershipForUpdate(ctx, tx, m.TenantID, m.UserID)
	if err == nil {
		return existing, false, tx.Commit()
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return tenant.Membership{}, false, err
	}

	row := tx.QueryRowContext(ctx, `
		insert into memberships (id, tenant_id, user_id, status, roles, display_name, display_title)
		values ($1, $2, $3, $4, $5, $6, $7)
		returning id, tenant_id, user_id, status, roles, display_name, display_title, created_at, updated_at
	`, m.ID, m.TenantID, m.UserID, string(m.Status), m.Roles.String(),
		nullIfEmpty(m.DisplayName), nullIfEmpty(m.DisplayTitle))
	created, err := scanMembership(row)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok {
			switch pgErr.Code {
			case pgErrUniqueViolation:
				return tenant.Membership{}, false, tenant.ErrConflict
			case pgErrForeignKeyViolation:
				return tenant.Membership{}, false, tenant.ErrNotFound
			}
		}
		return tenant.Membership{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return tenant.Membership{}, false, err
	}
	return created, true, nil
}

func (s *Store) GetMembership(ctx context.Context, tenantID, userID string) (tenant.Membership, error) {
	row := s.db.QueryRowContext(ctx, `
		select id, tenant_id, user_id, status, roles, display_name, display_title, created_at, updated_at
		from memberships
		where tenant_id = $1 and user_id = $2
	`, tenantID, userID)
	m, err := scanMembership(row)
	if errors.Is(err, sql.ErrNoRows) {
		return tenant.Membership{}, tenant.ErrNotFound
	}
	return m, err
}

func (s *Store) GetMembershipByID(ctx context.Context, id string) (tenant.Membership, error) {
	row := s.db.QueryRowContext(ctx, `
		select id, tenant_id, user_id, status, roles, display_name, display_title, created_at, updated_at
		from memberships
		where id = $1
	`, id)
	m, err := scanMembership(row)
	if errors.Is(err, sql.ErrNoRows) {
		return tenant.Membership{}, tenant.ErrNotFound
	}
	return m, err
}

func (s *Store) ListMemberships(ctx context.Context, tenantID string) ([]tenant.Membership, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, tenant_id, user_id, status, roles, display_name, display_title, created_at, updated_at
		from memberships
		where tenant_id = $1
		order by created_at
	`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []tenant.Membership
	for rows.Next() {
		m, err := scanMembership(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// UpdateMembershipStatus performs a compare-and-swap: the update only applies
// when the row still holds the expected current status, so of two concurrent
// identical transitions exactly one commits and the loser observes
// ErrInvalidTransition.
func (s *Store) UpdateMembershipStatus(ctx context.Context, tenantID, userID string, from, to tenant.Status, entry audit.Entry) (tenant.Membership, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return tenant.Membership{}, err
	}
	defer func() { _ = tx.Rollback() }()

	current, err := membershipForUpdate(ctx, tx, tenantID, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return tenant.Membership{}, tenant.ErrNotFound
	}
	if err != nil {
		return tenant.Membership{}, err
	}
	if current.Status != from {
		return tenant.Membership{}, fmt.Errorf("%w: membership is %s, not %s", tenant.ErrInvalidTransition, current.Status, from)
	}

	row := tx.QueryRowContext(ctx, `
		update memberships set status = $3, updated_at = now()
		where tenant_id = $1 and user_id = $2 and status = $4
		returning id, tenant_id, user_id, status, roles, display_name, display_title, created_at, updated_at
	`, tenantID, userID, string(to), string(from))
	updated, err := scanMembership(row)
	if errors.Is(err, sql.ErrNoRows) {
		return tenant.Membership{}, tenant.ErrInvalidTransition
	}
	if err != nil {
		return tenant.Membership{}, err
	}
	if err := insertAudit(ctx, tx, entry); err != nil {
		return tenant.Membership{}, err
	}
	if err := tx.Commit(); err != nil {
		return tenant.Membership{}, err
	}
	return updated, nil
}

func (s *Store) UpdateMembershipRoles(ctx context.Context, tenantID, userID string, roles authz.RoleSet, title string, entry audit.Entry) (tenant.Membership, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return tenant.Membership{}, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
		update memberships set roles = $3, display_title = $4, updated_at = now()
		where tenant_id = $1 and user_id = $2
		returning id, tenant_id, user_id, status, roles, display_name, display_title, created_at, updated_at
	`, tenantID, userID, roles.String(), nullIfEmpty(title))
	updated, err := scanMembership(row)
	if errors.Is(err, sql.ErrNoRows) {
		return tenant.Membership{}, tenant.ErrNotFound
	}
	if err != nil {
		return tenant.Membership{}, err
	}
	if err := insertAudit(ctx, tx, entry); err != nil {
		return tenant.Membership{}, err
	}
	if err := tx.Commit(); err != nil {
		return tenant.Membership{}, err
	}
	return updated, nil
}

func (s *Store) UpdateMembershipProfile(ctx context.Context, membershipID, userID, displayName, displayTitle string) (tenant.Membership, error) {
	// The user_id predicate is the tampering guard: a foreign membership id
	// behaves exactly like a missing one.
	row := s.db.QueryRowContext(ctx, `
		update memberships set display_name = $3, display_title = $4, updated_at = now()
		where id = $1 and user_id = $2
		returning id, tenant_id, user_id, status, roles, display_name, display_title, created_at, updated_at
	`, membershipID, userID, nullIfEmpty(displayName), nullIfEmpty(displayTitle))
	updated, err := scanMembership(row)
	if errors.Is(err, sql.ErrNoRows) {
		return tenant.Membership{}, tenant.ErrNotFound
	}
	return updated, err
}

// --- scan helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (tenant.User, error) {
	var u tenant.User
	err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.DisplayName, &u.IsSuperAdmin, &u.Disabled, &u.CreatedAt, &u.UpdatedAt)
	return u, err
}

func scanTenant(row rowScanner) (tenant.Tenant, error) {
	var (
		t    tenant.Tenant
		mode string
		raw  []byte
	)
	if err := row.Scan(&t.ID, &t.Name, &mode, &raw, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return tenant.Tenant{}, err
	}
	t.ApprovalMode = tenant.ApprovalMode(mode)
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &t.Permissions); err != nil {
			return tenant.Tenant{}, fmt.Errorf("decode permissions: %w", err)
		}
	}
	return t, nil
}

func scanMembership(row rowScanner) (tenant.Membership, error) {
	var (
		m      tenant.Membership
		status string
		roles  string
		name   sql.NullString
		title  sql.NullString
	)
	if err := row.Scan(&m.ID, &m.TenantID, &m.UserID, &status, &roles, &name, &title, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return tenant.Membership{}, err
	}
	m.Status = tenant.Status(status)
	if roles != "" {
		set, err := authz.ParseRoleSet(strings.Split(roles, ","))
		if err != nil {
			return tenant.Membership{}, fmt.Errorf("decode roles: %w", err)
		}
		m.Roles = set
	}
	if name.Valid {
		m.DisplayName = name.String
	}
	if title.Valid {
		m.DisplayTitle = title.String
	}
	return m, nil
}

func membershipForUpdate(ctx context.Context, tx *sql.Tx, tenantID, userID string) (tenant.Membership, error) {
	row := tx.QueryRowContext(ctx, `
		select id, tenant_id, user_id, status, roles, display_name, display_title, created_at, updated_at
		from memberships
		where tenant_id = $1 and user_id = $2
		for update
	`, tenantID, userID)
	return scanMembership(row)
}

func marshalMatrix(m authz.Matrix) ([]byte, error) {
	if len(m) == 0 {
		return []byte("{}"), nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal permissions: %w", err)
	}
	return raw, nil
}
