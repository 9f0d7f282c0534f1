package pg

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"communa.org/internal/audit"
	"communa.org/internal/authz"
	"communa.org/internal/tenant"
)

// nonEmptyID matches any non-empty string argument.
type nonEmptyID struct{}

func (nonEmptyID) Match(v driver.Value) bool {
	s, ok := v.(string)
	return ok && s != ""
}

var membershipCols = []string{
	"id", "tenant_id", "user_id", "status", "roles",
	"display_name", "display_title", "created_at", "updated_at",
}

func membershipRow(status, roles string) *sqlmock.Rows {
	now := time.Now().UTC()
	return sqlmock.NewRows(membershipCols).
		AddRow("m1", "t1", "u1", status, roles, nil, nil, now, now)
}

func testEntry(action audit.Action) audit.Entry {
	return audit.Entry{
		ID:          "e1",
		OccurredAt:  time.Now().UTC(),
		ActorUserID: "admin",
		Action:      action,
		EntityType:  "membership",
		EntityID:    "u1",
	}
}

func TestUpdateMembershipStatusCommitsStateAndAuditTogether(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery("select id, tenant_id, user_id, status, roles.*for update").
		WithArgs("t1", "u1").
		WillReturnRows(membershipRow("REQUESTED", "MEMBER"))
	mock.ExpectQuery("update memberships set status").
		WithArgs("t1", "u1", "APPROVED", "REQUESTED").
		WillReturnRows(membershipRow("APPROVED", "MEMBER"))
	mock.ExpectExec("insert into audit_log").
		WithArgs("e1", sqlmock.AnyArg(), "admin", "", "MEMBERSHIP_STATUS_UPDATED", "membership", "u1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	store := NewWithDB(db)
	m, err := store.UpdateMembershipStatus(context.Background(), "t1", "u1",
		tenant.StatusRequested, tenant.StatusApproved, testEntry(audit.ActionMembershipStatus))
	if err != nil {
		t.Fatalf("UpdateMembershipStatus: %v", err)
	}
	if m.Status != tenant.StatusApproved {
		t.Fatalf("unexpected status %s", m.Status)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestUpdateMembershipStatusLoserSeesInvalidTransition(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	// The row was already moved to APPROVED by a concurrent transition.
	mock.ExpectBegin()
	mock.ExpectQuery("select id, tenant_id, user_id, status, roles.*for update").
		WithArgs("t1", "u1").
		WillReturnRows(membershipRow("APPROVED", "MEMBER"))
	mock.ExpectRollback()

	store := NewWithDB(db)
	_, err = store.UpdateMembershipStatus(context.Background(), "t1", "u1",
		tenant.StatusRequested, tenant.StatusApproved, testEntry(audit.ActionMembershipStatus))
	if !errors.Is(err, tenant.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSetUserDisabledRollsBackWhenAuditInsertFails(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("update users set disabled").
		WithArgs("u1", true).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into audit_log").
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	store := NewWithDB(db)
	err = store.SetUserDisabled(context.Background(), "u1", true, testEntry(audit.ActionBanUser))
	if !errors.Is(err, audit.ErrWriteFailed) {
		t.Fatalf("expected ErrWriteFailed, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCreateMembershipReturnsExistingRowUnchanged(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery("select id, tenant_id, user_id, status, roles.*for update").
		WithArgs("t1", "u1").
		WillReturnRows(membershipRow("BANNED", "MEMBER"))
	mock.ExpectCommit()

	store := NewWithDB(db)
	m, created, err := store.CreateMembership(context.Background(), tenant.Membership{
		ID:       "new-id",
		TenantID: "t1",
		UserID:   "u1",
		Status:   tenant.StatusRequested,
	})
	if err != nil {
		t.Fatalf("CreateMembership: %v", err)
	}
	if created {
		t.Fatal("expected existing row, not a new one")
	}
	if m.ID != "m1" || m.Status != tenant.StatusBanned {
		t.Fatalf("existing row was not returned unchanged: %+v", m)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCreateUserGeneratesMissingID(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	userCols := []string{
		"id", "email", "password_hash", "display_name",
		"is_super_admin", "disabled", "created_at", "updated_at",
	}
	now := time.Now().UTC()
	mock.ExpectQuery("insert into users").
		WithArgs(nonEmptyID{}, "u@example.org", "hash", "U", false, false).
		WillReturnRows(sqlmock.NewRows(userCols).
			AddRow("u-gen", "u@example.org", "hash", "U", false, false, now, now))

	store := NewWithDB(db)
	created, err := store.CreateUser(context.Background(), tenant.User{
		Email:        "u@example.org",
		PasswordHash: "hash",
		DisplayName:  "U",
	})
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if created.ID == "" {
		t.Fatal("created user has no id")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCreateMembershipGeneratesMissingID(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery("select id, tenant_id, user_id, status, roles.*for update").
		WithArgs("t1", "u1").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("insert into memberships").
		WithArgs(nonEmptyID{}, "t1", "u1", "REQUESTED", "MEMBER", nil, nil).
		WillReturnRows(membershipRow("REQUESTED", "MEMBER"))
	mock.ExpectCommit()

	store := NewWithDB(db)
	_, created, err := store.CreateMembership(context.Background(), tenant.Membership{
		TenantID: "t1",
		UserID:   "u1",
		Status:   tenant.StatusRequested,
		Roles:    authz.NewRoleSet(authz.RoleMember),
	})
	if err != nil {
		t.Fatalf("CreateMembership: %v", err)
	}
	if !created {
		t.Fatal("expected a new row")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestAuditLogAppendRejectsUnknownAction(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectRollback()

	log := NewAuditLog(NewWithDB(db))
	entry := testEntry("SOMETHING_ELSE")
	if err := log.Append(context.Background(), entry); !errors.Is(err, audit.ErrWriteFailed) {
		t.Fatalf("expected ErrWriteFailed, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestAuditLogListJoinsDisplayNames(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	cols := []string{
		"id", "occurred_at", "actor_user_id", "effective_user_id",
		"action", "entity_type", "entity_id", "metadata",
		"actor_display_name", "effective_display_name",
	}
	now := time.Now().UTC()
	rows := sqlmock.NewRows(cols).
		AddRow("e2", now, "admin", "target", "IMPERSONATE_START", "user", "target", []byte(`{}`), "Site Admin", "target").
		AddRow("e1", now.Add(-time.Minute), "admin", "", "BAN_USER", "user", "victim", []byte(`{"reason":"spam"}`), "Site Admin", "")

	mock.ExpectQuery("select a.id, a.occurred_at.*left join users actor").
		WithArgs("admin", 100).
		WillReturnRows(rows)

	log := NewAuditLog(NewWithDB(db))
	entries, err := log.List(context.Background(), audit.Filter{ActorUserID: "admin"})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].ActorDisplayName != "Site Admin" {
		t.Fatalf("unexpected actor display name %q", entries[0].ActorDisplayName)
	}
	// A user without a profile falls back to the raw id.
	if entries[0].EffectiveDisplayName != "target" {
		t.Fatalf("unexpected effective display name %q", entries[0].EffectiveDisplayName)
	}
	if entries[1].Metadata["reason"] != "spam" {
		t.Fatalf("metadata not decoded: %v", entries[1].Metadata)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
