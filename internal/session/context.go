package session

import (
	"context"

	"communa.org/internal/audit"
)

// Identity is the authenticated caller of one request. UserID is the
// effective identity authorization resolves against; RealUserID is who is
// actually driving the session. They differ only under impersonation.
//
// The identity travels inside the request context, never in shared server
// state, so it stays correct when several instances serve the same user.
type Identity struct {
	UserID     string
	RealUserID string
}

// Impersonating reports whether the effective and real identities differ.
func (i Identity) Impersonating() bool {
	return i.RealUserID != "" && i.RealUserID != i.UserID
}

// Actor converts the identity into the audit shape: real identity as actor,
// effective identity only when impersonating.
func (i Identity) Actor() audit.Actor {
	actor := audit.Actor{UserID: i.RealUserID}
	if actor.UserID == "" {
		actor.UserID = i.UserID
	}
	if i.Impersonating() {
		actor.EffectiveUserID = i.UserID
	}
	return actor
}

type identityContextKey struct{}

// ContextWithIdentity attaches the authenticated identity to the context.
func ContextWithIdentity(ctx context.Context, ident Identity) context.Context {
	return context.WithValue(ctx, identityContextKey{}, ident)
}

// IdentityFromContext extracts the authenticated identity, if present.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	if ctx == nil {
		return Identity{}, false
	}
	ident, ok := ctx.Value(identityContextKey{}).(Identity)
	if !ok || ident.UserID == "" {
		return Identity{}, false
	}
	return ident, true
}
