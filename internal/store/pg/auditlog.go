package pg

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"communa.org/internal/audit"
)

// AuditLog is the durable audit store. It shares the connection pool with the
// main store so standalone appends and joined reads hit the same database.
type AuditLog struct {
	store *Store
}

var _ audit.Log = (*AuditLog)(nil)

// NewAuditLog wraps the store's pool as an audit log.
func NewAuditLog(store *Store) *AuditLog { return &AuditLog{store: store} }

// Append writes one standalone entry. Mutations that must be atomic with
// their audit row go through the Store methods instead, which insert inside
// the mutation's transaction.
func (l *AuditLog) Append(ctx context.Context, entry audit.Entry) error {
	tx, err := l.store.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", audit.ErrWriteFailed, err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := insertAudit(ctx, tx, entry); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", audit.ErrWriteFailed, err)
	}
	return nil
}

// List returns entries newest first, joined with user display names. Entries
// whose actor no longer resolves to a profile fall back to the raw id.
func (l *AuditLog) List(ctx context.Context, filter audit.Filter) ([]audit.ResolvedEntry, error) {
	var (
		where []string
		args  []any
		idx   = 1
	)
	if filter.ActorUserID != "" {
		where = append(where, fmt.Sprintf("a.actor_user_id = $%d", idx))
		args = append(args, filter.ActorUserID)
		idx++
	}
	if filter.Action != "" {
		where = append(where, fmt.Sprintf("a.action = $%d", idx))
		args = append(args, string(filter.Action))
		idx++
	}
	if !filter.From.IsZero() {
		where = append(where, fmt.Sprintf("a.occurred_at >= $%d", idx))
		args = append(args, filter.From)
		idx++
	}
	if !filter.To.IsZero() {
		where = append(where, fmt.Sprintf("a.occurred_at <= $%d", idx))
		args = append(args, filter.To)
		idx++
	}

	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	query := `
		select a.id, a.occurred_at, a.actor_user_id, coalesce(a.effective_user_id, ''),
		       a.action, a.entity_type, a.entity_id, a.metadata,
		       coalesce(actor.display_name, a.actor_user_id),
		       coalesce(effective.display_name, a.effective_user_id, '')
		from audit_log a
		left join users actor on actor.id = a.actor_user_id
		left join users effective on effective.id = a.effective_user_id
	`
	if len(where) > 0 {
		query += " where " + strings.Join(where, " and ")
	}
	query += fmt.Sprintf(" order by a.occurred_at desc, a.id desc limit $%d", idx)
	args = append(args, limit)

	rows, err := l.store.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []audit.ResolvedEntry
	for rows.Next() {
		var (
			e      audit.ResolvedEntry
			action string
			meta   []byte
		)
		if err := rows.Scan(&e.ID, &e.OccurredAt, &e.ActorUserID, &e.EffectiveUserID,
			&action, &e.EntityType, &e.EntityID, &meta,
			&e.ActorDisplayName, &e.EffectiveDisplayName); err != nil {
			return nil, err
		}
		e.Action = audit.Action(action)
		if len(meta) > 0 && string(meta) != "{}" {
			if err := json.Unmarshal(meta, &e.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata: %w", err)
			}
		}
		result = append(result, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}
