package audit

import (
	"context"
	"sync"
	"time"

	"communa.org/internal/ids"
)

// InMemory implements Log with in-process concurrency safety. Used by tests
// and by DSN-less development runs; production uses the Postgres store.
type InMemory struct {
	mu      sync.RWMutex
	entries []Entry

	// DisplayName resolves a user id for the viewer join. Nil falls back to
	// the raw id, matching the missing-profile behavior of the pg store.
	DisplayName func(userID string) string
}

// NewInMemory creates an empty audit log.
func NewInMemory() *InMemory {
	return &InMemory{}
}

func (l *InMemory) Append(ctx context.Context, entry Entry) error {
	if !entry.Action.Valid() || entry.ActorUserID == "" {
		return ErrWriteFailed
	}
	if entry.ID == "" {
		entry.ID = ids.New()
	}
	if entry.OccurredAt.IsZero() {
		entry.OccurredAt = time.Now().UTC()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, entry)
	return nil
}

func (l *InMemory) List(ctx context.Context, filter Filter) ([]ResolvedEntry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	var result []ResolvedEntry
	// Newest first, like the pg store's order by occurred_at desc.
	for i := len(l.entries) - 1; i >= 0 && len(result) < limit; i-- {
		entry := l.entries[i]
		if filter.ActorUserID != "" && entry.ActorUserID != filter.ActorUserID {
			continue
		}
		if filter.Action != "" && entry.Action != filter.Action {
			continue
		}
		if !filter.From.IsZero() && entry.OccurredAt.Before(filter.From) {
			continue
		}
		if !filter.To.IsZero() && entry.OccurredAt.After(filter.To) {
			continue
		}
		result = append(result, ResolvedEntry{
			Entry:                entry,
			ActorDisplayName:     l.resolveName(entry.ActorUserID),
			EffectiveDisplayName: l.resolveEffective(entry.EffectiveUserID),
		})
	}
	return result, nil
}

// Count reports how many entries match the filter. Test helper.
func (l *InMemory) Count(filter Filter) int {
	entries, _ := l.List(context.Background(), Filter{
		ActorUserID: filter.ActorUserID,
		Action:      filter.Action,
		From:        filter.From,
		To:          filter.To,
		Limit:       1000,
	})
	return len(entries)
}

func (l *InMemory) resolveName(userID string) string {
	if l.DisplayName != nil {
		if name := l.DisplayName(userID); name != "" {
			return name
		}
	}
	return userID
}

func (l *InMemory) resolveEffective(userID string) string {
	if userID == "" {
		return ""
	}
	return l.resolveName(userID)
}
