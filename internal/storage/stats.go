package storage

import (
	"context"
	"fmt"
	"time"

	"groupcast/internal/domain"
)

func (s *Store) RecordCycle(ctx context.Context, st domain.CycleStats) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cycle_stats (cycle_id, user_id, account_id, sent, failed, skipped, started_at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		st.CycleID, st.UserID, st.AccountID, st.Sent, st.Failed, st.Skipped, millis(st.StartedAt), st.Duration.Milliseconds())
	if err != nil {
		return fmt.Errorf("record cycle %s: %w", st.CycleID, err)
	}
	return nil
}

// AddDailySent bumps the display counter of day (YYYY-MM-DD).
func (s *Store) AddDailySent(ctx context.Context, accountID int64, day string, n int) error {
	if n <= 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO daily_counters (account_id, day, sent) VALUES (?, ?, ?)
		ON CONFLICT(account_id, day) DO UPDATE SET sent = daily_counters.sent + excluded.sent`,
		accountID, day, n)
	if err != nil {
		return fmt.Errorf("add daily sent: %w", err)
	}
	return nil
}

func (s *Store) DailySent(ctx context.Context, accountID int64, day string) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n,
		`SELECT COALESCE(SUM(sent), 0) FROM daily_counters WHERE account_id = ? AND day = ?`, accountID, day)
	if err != nil {
		return 0, fmt.Errorf("daily sent: %w", err)
	}
	return n, nil
}

// Totals aggregates the recorded cycles of an account.
type Totals struct {
	Cycles  int
	Sent    int
	Failed  int
	Skipped int
	LastAt  time.Time
}

func (s *Store) Totals(ctx context.Context, accountID int64) (Totals, error) {
	var row struct {
		Cycles  int   `db:"cycles"`
		Sent    int   `db:"sent"`
		Failed  int   `db:"failed"`
		Skipped int   `db:"skipped"`
		LastAt  int64 `db:"last_at"`
	}
	err := s.db.GetContext(ctx, &row, `
		SELECT COUNT(*) AS cycles,
			COALESCE(SUM(sent), 0) AS sent,
			COALESCE(SUM(failed), 0) AS failed,
			COALESCE(SUM(skipped), 0) AS skipped,
			COALESCE(MAX(started_at), 0) AS last_at
		FROM cycle_stats WHERE account_id = ?`, accountID)
	if err != nil {
		return Totals{}, fmt.Errorf("stats totals: %w", err)
	}
	return Totals{
		Cycles:  row.Cycles,
		Sent:    row.Sent,
		Failed:  row.Failed,
		Skipped: row.Skipped,
		LastAt:  fromMillis(row.LastAt),
	}, nil
}

// PruneStats drops cycle rows started before cutoff and daily counters of
// days before it. It returns the number of cycle rows removed.
func (s *Store) PruneStats(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM cycle_stats WHERE started_at < ?`, millis(cutoff))
	if err != nil {
		return 0, fmt.Errorf("prune cycles: %w", err)
	}
	n, _ := res.RowsAffected()
	if _, err := s.db.ExecContext(ctx, `DELETE FROM daily_counters WHERE day < ?`, cutoff.Format(time.DateOnly)); err != nil {
		return n, fmt.Errorf("prune daily counters: %w", err)
	}
	return n, nil
}
