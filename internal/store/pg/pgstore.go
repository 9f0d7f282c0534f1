// Package pg is the PostgreSQL persistence layer. Mutations that carry an
// audit entry write the state change and the audit row in one transaction:
// either both commit or neither does.
package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"communa.org/internal/audit"
)

const (
	pgErrUniqueViolation     = "23505"
	pgErrForeignKeyViolation = "23503"
)

type Store struct {
	db *sql.DB
}

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing connection. Test use.
func NewWithDB(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// insertAudit writes one audit row inside the caller's transaction. Failures
// surface as ErrWriteFailed so the caller aborts the surrounding mutation.
func insertAudit(ctx context.Context, tx *sql.Tx, entry audit.Entry) error {
	if !entry.Action.Valid() || entry.ActorUserID == "" {
		return fmt.Errorf("%w: incomplete entry", audit.ErrWriteFailed)
	}
	meta := []byte("{}")
	if len(entry.Metadata) > 0 {
		raw, err := json.Marshal(entry.Metadata)
		if err != nil {
			return fmt.Errorf("%w: %v", audit.ErrWriteFailed, err)
		}
		meta = raw
	}
	if _, err := tx.ExecContext(ctx, `
		insert into audit_log (id, occurred_at, actor_user_id, effective_user_id, action, entity_type, entity_id, metadata)
		values ($1, $2, $3, nullif($4,''), $5, $6, $7, $8)
	`, entry.ID, entry.OccurredAt, entry.ActorUserID, entry.EffectiveUserID, string(entry.Action), entry.EntityType, entry.EntityID, meta); err != nil {
		return fmt.Errorf("%w: %v", audit.ErrWriteFailed, err)
	}
	return nil
}

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

func nullIfEmpty(s string) sql.NullString {
	s = strings.TrimSpace(s)
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
