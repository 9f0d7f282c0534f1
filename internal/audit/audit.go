package audit

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrWriteFailed marks a failed audit append. Any mutation bundled with the
// append must abort when it surfaces; audit is not best-effort.
var ErrWriteFailed = errors.New("audit: write failed")

// Action identifies a privileged operation. The enum is closed: stores reject
// entries carrying unknown actions.
type Action string

const (
	ActionImpersonateStart     Action = "IMPERSONATE_START"
	ActionImpersonateEnd       Action = "IMPERSONATE_END"
	ActionMembershipStatus     Action = "MEMBERSHIP_STATUS_UPDATED"
	ActionMemberRolesUpdated   Action = "MEMBER_ROLES_UPDATED"
	ActionBanUser              Action = "BAN_USER"
	ActionTenantPermissions    Action = "TENANT_PERMISSIONS_UPDATED"
)

var knownActions = map[Action]struct{}{
	ActionImpersonateStart:   {},
	ActionImpersonateEnd:     {},
	ActionMembershipStatus:   {},
	ActionMemberRolesUpdated: {},
	ActionBanUser:            {},
	ActionTenantPermissions:  {},
}

// Valid reports whether the action belongs to the closed enum.
func (a Action) Valid() bool {
	_, ok := knownActions[a]
	return ok
}

// ParseAction validates an action name from untrusted input.
func ParseAction(s string) (Action, error) {
	a := Action(strings.ToUpper(strings.TrimSpace(s)))
	if !a.Valid() {
		return "", errors.New("audit: unknown action")
	}
	return a, nil
}

// Entry is one immutable audit record. ActorUserID always holds the real
// identity; EffectiveUserID is set only when the action happened under
// impersonation.
type Entry struct {
	ID              string            `json:"id"`
	OccurredAt      time.Time         `json:"occurred_at"`
	ActorUserID     string            `json:"actor_user_id"`
	EffectiveUserID string            `json:"effective_user_id,omitempty"`
	Action          Action            `json:"action"`
	EntityType      string            `json:"entity_type,omitempty"`
	EntityID        string            `json:"entity_id,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// Actor carries both identities of the caller through service code. UserID is
// the real identity; EffectiveUserID is set only while impersonating.
type Actor struct {
	UserID          string
	EffectiveUserID string
}

// Effective returns the identity authorization must be resolved against.
func (a Actor) Effective() string {
	if a.EffectiveUserID != "" {
		return a.EffectiveUserID
	}
	return a.UserID
}

// Impersonating reports whether the actor operates under another identity.
func (a Actor) Impersonating() bool { return a.EffectiveUserID != "" }

// Filter narrows audit reads. Zero values mean "no constraint".
type Filter struct {
	ActorUserID string
	Action      Action
	From        time.Time
	To          time.Time
	Limit       int
}

// ResolvedEntry is an entry joined with display names for the audit viewer.
// Missing profiles fall back to the raw id string.
type ResolvedEntry struct {
	Entry
	ActorDisplayName     string `json:"actor_display_name"`
	EffectiveDisplayName string `json:"effective_display_name,omitempty"`
}

// Log is the append-only audit store. Append must be atomic with any state
// mutation it documents when both run inside one store transaction; a
// standalone Append (impersonation start/end) still either fully succeeds or
// reports ErrWriteFailed.
type Log interface {
	Append(ctx context.Context, entry Entry) error
	List(ctx context.Context, filter Filter) ([]ResolvedEntry, error)
}

// Notifier receives entries after they are durably committed. Implementations
// must not block; delivery is best-effort fan-out for live viewers.
type Notifier interface {
	Publish(entry Entry)
}
