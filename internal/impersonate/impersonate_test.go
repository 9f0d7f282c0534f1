package impersonate

import (
	"context"
	"errors"
	"testing"

	"communa.org/internal/audit"
	"communa.org/internal/session"
	"communa.org/internal/tenant"
)

type stubUsers map[string]tenant.User

func (s stubUsers) GetUser(_ context.Context, id string) (tenant.User, error) {
	u, ok := s[id]
	if !ok {
		return tenant.User{}, tenant.ErrNotFound
	}
	return u, nil
}

func newManager(t *testing.T) (*Manager, *audit.InMemory) {
	t.Helper()
	users := stubUsers{
		"root":     {ID: "root", IsSuperAdmin: true},
		"target":   {ID: "target"},
		"mortal":   {ID: "mortal"},
		"disabled": {ID: "disabled", IsSuperAdmin: true, Disabled: true},
	}
	log := audit.NewInMemory()
	tokens, err := session.NewTokens("test-secret")
	if err != nil {
		t.Fatalf("NewTokens: %v", err)
	}
	m, err := NewManager(users, log, tokens)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m, log
}

func asUser(id string) session.Identity {
	return session.Identity{UserID: id, RealUserID: id}
}

func TestStartIssuesDualIdentityToken(t *testing.T) {
	m, log := newManager(t)
	ctx := context.Background()

	token, ident, err := m.Start(ctx, asUser("root"), "target")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if ident.UserID != "target" || ident.RealUserID != "root" {
		t.Fatalf("unexpected identity %+v", ident)
	}
	parsed, err := m.tokens.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !parsed.Impersonating() || parsed.UserID != "target" || parsed.RealUserID != "root" {
		t.Fatalf("token does not carry both identities: %+v", parsed)
	}
	entries, err := log.List(ctx, audit.Filter{Action: audit.ActionImpersonateStart})
	if err != nil || len(entries) != 1 {
		t.Fatalf("expected one start entry (err=%v n=%d)", err, len(entries))
	}
	if entries[0].ActorUserID != "root" || entries[0].EntityID != "target" {
		t.Fatalf("unexpected entry %+v", entries[0].Entry)
	}
	if entries[0].EffectiveUserID != "target" {
		t.Fatalf("start entry must carry the impersonated identity, got %q", entries[0].EffectiveUserID)
	}
}

func TestStartRequiresSuperAdmin(t *testing.T) {
	m, log := newManager(t)
	ctx := context.Background()

	if _, _, err := m.Start(ctx, asUser("mortal"), "target"); !errors.Is(err, tenant.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if _, _, err := m.Start(ctx, asUser("disabled"), "target"); !errors.Is(err, tenant.ErrUnauthorized) {
		t.Fatalf("disabled super-admin must be rejected, got %v", err)
	}
	if n := log.Count(audit.Filter{}); n != 0 {
		t.Fatalf("rejected start must not write audit entries, found %d", n)
	}
}

func TestStartRejectsSelfAndUnknownTarget(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()

	if _, _, err := m.Start(ctx, asUser("root"), "root"); !errors.Is(err, tenant.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for self-impersonation, got %v", err)
	}
	if _, _, err := m.Start(ctx, asUser("root"), "ghost"); !errors.Is(err, tenant.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStartRejectsNestedSession(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()

	_, ident, err := m.Start(ctx, asUser("root"), "target")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, _, err := m.Start(ctx, ident, "mortal"); !errors.Is(err, tenant.ErrConflict) {
		t.Fatalf("expected ErrConflict for nested session, got %v", err)
	}
}

func TestEndReturnsRealIdentity(t *testing.T) {
	m, log := newManager(t)
	ctx := context.Background()

	_, ident, err := m.Start(ctx, asUser("root"), "target")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	token, ident, err := m.End(ctx, ident)
	if err != nil {
		t.Fatalf("End: %v", err)
	}
	if ident.UserID != "root" || ident.Impersonating() {
		t.Fatalf("unexpected identity %+v", ident)
	}
	parsed, err := m.tokens.Verify(token)
	if err != nil || parsed.Impersonating() || parsed.UserID != "root" {
		t.Fatalf("expected clean root token, got %+v (err=%v)", parsed, err)
	}
	if n := log.Count(audit.Filter{Action: audit.ActionImpersonateEnd}); n != 1 {
		t.Fatalf("expected one end entry, got %d", n)
	}
	// Start and end form a pair sharing the same (actor, effective) identities.
	entries, err := log.List(ctx, audit.Filter{ActorUserID: "root"})
	if err != nil || len(entries) != 2 {
		t.Fatalf("expected a start/end pair (err=%v n=%d)", err, len(entries))
	}
	for _, e := range entries {
		if e.ActorUserID != "root" || e.EffectiveUserID != "target" {
			t.Fatalf("entry %s does not carry the (root, target) pair: %+v", e.Action, e.Entry)
		}
	}
}

func TestEndWithoutSessionIsNoOp(t *testing.T) {
	m, log := newManager(t)
	ctx := context.Background()

	token, ident, err := m.End(ctx, asUser("root"))
	if err != nil {
		t.Fatalf("End: %v", err)
	}
	if ident.UserID != "root" || token == "" {
		t.Fatalf("expected usable root session, got %+v", ident)
	}
	if n := log.Count(audit.Filter{}); n != 0 {
		t.Fatalf("no-op end must not write audit entries, found %d", n)
	}
}

type failingLog struct{}

func (failingLog) Append(context.Context, audit.Entry) error { return audit.ErrWriteFailed }
func (failingLog) List(context.Context, audit.Filter) ([]audit.ResolvedEntry, error) {
	return nil, nil
}

func TestStartFailsWhenAuditWriteFails(t *testing.T) {
	users := stubUsers{
		"root":   {ID: "root", IsSuperAdmin: true},
		"target": {ID: "target"},
	}
	tokens, _ := session.NewTokens("test-secret")
	m, err := NewManager(users, failingLog{}, tokens)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if _, _, err := m.Start(context.Background(), asUser("root"), "target"); !errors.Is(err, audit.ErrWriteFailed) {
		t.Fatalf("expected ErrWriteFailed, got %v", err)
	}
}
