package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// AuditEntry is one operator-visible action.
type AuditEntry struct {
	ID      int64          `db:"id"`
	At      int64          `db:"at"`
	ActorID int64          `db:"actor_id"`
	Action  string         `db:"action"`
	Target  string         `db:"target"`
	OK      int            `db:"ok"`
	Err     sql.NullString `db:"err"`
}

func (e AuditEntry) Time() time.Time { return fromMillis(e.At) }

func (s *Store) AppendAudit(ctx context.Context, actorID int64, action, target string, failure error) error {
	var errText sql.NullString
	if failure != nil {
		errText = sql.NullString{String: failure.Error(), Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit (at, actor_id, action, target, ok, err) VALUES (?, ?, ?, ?, ?, ?)`,
		millis(s.now()), actorID, action, target, boolInt(failure == nil), errText)
	if err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

func (s *Store) RecentAudit(ctx context.Context, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	var out []AuditEntry
	if err := s.db.SelectContext(ctx, &out,
		`SELECT id, at, actor_id, action, target, ok, err FROM audit ORDER BY id DESC LIMIT ?`, limit); err != nil {
		return nil, fmt.Errorf("recent audit: %w", err)
	}
	return out, nil
}
