package storage

import (
	"context"
	"fmt"
	"time"
)

// MarkOnce records key until the given time and reports whether it was not
// already marked. Expired marks are replaced.
func (s *Store) MarkOnce(ctx context.Context, key string, until time.Time) (bool, error) {
	now := millis(s.now())
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO dedup (key, until) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET until = excluded.until WHERE dedup.until <= ?`,
		key, millis(until), now)
	if err != nil {
		return false, fmt.Errorf("dedup %s: %w", key, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// PruneDedup removes expired marks.
func (s *Store) PruneDedup(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM dedup WHERE until <= ?`, millis(s.now()))
	if err != nil {
		return 0, fmt.Errorf("prune dedup: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
