// Package impersonate lets a super-admin act as another user for support
// work. The impersonated identity is carried inside the session token, so any
// instance serving a later request sees the same dual identity without shared
// server state. Both the start and the end of a session are audited.
package impersonate

import (
	"context"
	"fmt"
	"time"

	"communa.org/internal/audit"
	"communa.org/internal/ids"
	"communa.org/internal/session"
	"communa.org/internal/tenant"
)

const (
	defaultSessionTTL = time.Hour
	defaultResumeTTL  = 12 * time.Hour
)

// UserDirectory is the slice of the user store the manager needs.
type UserDirectory interface {
	GetUser(ctx context.Context, id string) (tenant.User, error)
}

// Manager starts and ends impersonation sessions.
type Manager struct {
	users  UserDirectory
	log    audit.Log
	tokens *session.Tokens
	notify audit.Notifier

	sessionTTL time.Duration
	resumeTTL  time.Duration
	now        func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithSessionTTL sets the lifetime of impersonation tokens.
func WithSessionTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl > 0 {
			m.sessionTTL = ttl
		}
	}
}

// WithResumeTTL sets the lifetime of the plain token issued when an
// impersonation session ends.
func WithResumeTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl > 0 {
			m.resumeTTL = ttl
		}
	}
}

// WithNotifier publishes committed audit entries to a live feed.
func WithNotifier(n audit.Notifier) Option {
	return func(m *Manager) {
		m.notify = n
	}
}

// WithClock overrides the time source. Test use.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// NewManager wires an impersonation manager over the user directory, the
// audit log and the token codec.
func NewManager(users UserDirectory, log audit.Log, tokens *session.Tokens, opts ...Option) (*Manager, error) {
	if users == nil || log == nil || tokens == nil {
		return nil, fmt.Errorf("impersonate: users, log and tokens are required")
	}
	m := &Manager{
		users:      users,
		log:        log,
		tokens:     tokens,
		sessionTTL: defaultSessionTTL,
		resumeTTL:  defaultResumeTTL,
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Start opens an impersonation session for the caller and returns a token
// whose effective identity is the target user. The caller must be a
// super-admin acting as themselves; nesting sessions is rejected.
func (m *Manager) Start(ctx context.Context, ident session.Identity, targetUserID string) (string, session.Identity, error) {
	if ident.Impersonating() {
		return "", session.Identity{}, fmt.Errorf("%w: already impersonating, end the current session first", tenant.ErrConflict)
	}
	caller, err := m.users.GetUser(ctx, ident.UserID)
	if err != nil {
		return "", session.Identity{}, err
	}
	if !caller.IsSuperAdmin || caller.Disabled {
		return "", session.Identity{}, fmt.Errorf("%w: impersonation requires super-admin", tenant.ErrUnauthorized)
	}
	if targetUserID == caller.ID {
		return "", session.Identity{}, fmt.Errorf("%w: cannot impersonate yourself", tenant.ErrUnauthorized)
	}
	target, err := m.users.GetUser(ctx, targetUserID)
	if err != nil {
		return "", session.Identity{}, err
	}

	entry := audit.Entry{
		ID:              ids.New(),
		OccurredAt:      m.now(),
		ActorUserID:     caller.ID,
		EffectiveUserID: target.ID,
		Action:          audit.ActionImpersonateStart,
		EntityType:      "user",
		EntityID:        target.ID,
	}
	if err := m.log.Append(ctx, entry); err != nil {
		return "", session.Identity{}, fmt.Errorf("%w: %v", audit.ErrWriteFailed, err)
	}
	m.publish(entry)

	token, err := m.tokens.Issue(target.ID, caller.ID, m.sessionTTL)
	if err != nil {
		return "", session.Identity{}, err
	}
	return token, session.Identity{UserID: target.ID, RealUserID: caller.ID}, nil
}

// End closes the caller's impersonation session and returns a plain token for
// the real identity. Calling End without an active session is a no-op that
// still returns a usable token.
func (m *Manager) End(ctx context.Context, ident session.Identity) (string, session.Identity, error) {
	real := ident.RealUserID
	if real == "" {
		real = ident.UserID
	}
	if ident.Impersonating() {
		entry := audit.Entry{
			ID:              ids.New(),
			OccurredAt:      m.now(),
			ActorUserID:     real,
			EffectiveUserID: ident.UserID,
			Action:          audit.ActionImpersonateEnd,
			EntityType:      "user",
			EntityID:        ident.UserID,
		}
		if err := m.log.Append(ctx, entry); err != nil {
			return "", session.Identity{}, fmt.Errorf("%w: %v", audit.ErrWriteFailed, err)
		}
		m.publish(entry)
	}
	token, err := m.tokens.Issue(real, "", m.resumeTTL)
	if err != nil {
		return "", session.Identity{}, err
	}
	return token, session.Identity{UserID: real, RealUserID: real}, nil
}

func (m *Manager) publish(entry audit.Entry) {
	if m.notify != nil {
		m.notify.Publish(entry)
	}
}
