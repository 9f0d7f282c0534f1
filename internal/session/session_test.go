package session

import (
	"context"
	"testing"
	"time"
)

func TestHashAndVerifyPassword(t *testing.T) {
	hash, err := HashPassword("correct horse battery staple")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if !VerifyPassword(hash, "correct horse battery staple") {
		t.Fatal("expected password to verify")
	}
	if VerifyPassword(hash, "wrong") {
		t.Fatal("wrong password must not verify")
	}
	if VerifyPassword("not-a-hash", "anything") {
		t.Fatal("malformed hash must not verify")
	}
}

func TestHashPasswordRejectsEmpty(t *testing.T) {
	if _, err := HashPassword("   "); err == nil {
		t.Fatal("expected error for blank password")
	}
}

func TestTokenRoundTrip(t *testing.T) {
	tokens, err := NewTokens("test-secret")
	if err != nil {
		t.Fatalf("NewTokens: %v", err)
	}
	signed, err := tokens.Issue("user-1", "", time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	ident, err := tokens.Verify(signed)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if ident.UserID != "user-1" || ident.RealUserID != "user-1" {
		t.Fatalf("unexpected identity %+v", ident)
	}
	if ident.Impersonating() {
		t.Fatal("plain token must not be impersonating")
	}
}

func TestImpersonationTokenCarriesBothIdentities(t *testing.T) {
	tokens, err := NewTokens("test-secret")
	if err != nil {
		t.Fatalf("NewTokens: %v", err)
	}
	signed, err := tokens.Issue("target-user", "admin-user", time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	ident, err := tokens.Verify(signed)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if ident.UserID != "target-user" || ident.RealUserID != "admin-user" {
		t.Fatalf("unexpected identity %+v", ident)
	}
	if !ident.Impersonating() {
		t.Fatal("expected impersonating identity")
	}
	actor := ident.Actor()
	if actor.UserID != "admin-user" || actor.EffectiveUserID != "target-user" {
		t.Fatalf("unexpected actor %+v", actor)
	}
	if actor.Effective() != "target-user" {
		t.Fatalf("unexpected effective id %q", actor.Effective())
	}
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	current := time.Now().UTC()
	tokens, err := NewTokens("test-secret", WithClock(func() time.Time { return current }))
	if err != nil {
		t.Fatalf("NewTokens: %v", err)
	}
	signed, err := tokens.Issue("user-1", "", time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	current = current.Add(2 * time.Minute)
	if _, err := tokens.Verify(signed); err == nil {
		t.Fatal("expected expired token to fail")
	}
}

func TestVerifyRejectsForeignSecret(t *testing.T) {
	issuer, _ := NewTokens("secret-a")
	verifier, _ := NewTokens("secret-b")
	signed, err := issuer.Issue("user-1", "", time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := verifier.Verify(signed); err == nil {
		t.Fatal("expected signature mismatch to fail")
	}
}

func TestIdentityContextRoundTrip(t *testing.T) {
	ctx := context.Background()
	if _, ok := IdentityFromContext(ctx); ok {
		t.Fatal("empty context should carry no identity")
	}
	ident := Identity{UserID: "u1", RealUserID: "u1"}
	ctx = ContextWithIdentity(ctx, ident)
	got, ok := IdentityFromContext(ctx)
	if !ok || got != ident {
		t.Fatalf("unexpected identity %+v", got)
	}
}
