package storage

import (
	"context"
	"fmt"

	"groupcast/internal/domain"
)

type userRow struct {
	UserID          int64 `db:"user_id"`
	Verified        int   `db:"verified"`
	Premium         int   `db:"premium"`
	ActiveAccountID int64 `db:"active_account_id"`
	CreatedAt       int64 `db:"created_at"`
}

func (r userRow) toDomain() domain.User {
	return domain.User{
		UserID:          r.UserID,
		Verified:        r.Verified != 0,
		Premium:         r.Premium != 0,
		ActiveAccountID: r.ActiveAccountID,
		CreatedAt:       fromMillis(r.CreatedAt),
	}
}

func (s *Store) User(ctx context.Context, userID int64) (domain.User, error) {
	var row userRow
	err := s.db.GetContext(ctx, &row,
		`SELECT user_id, verified, premium, active_account_id, created_at FROM users WHERE user_id = ?`, userID)
	if err != nil {
		return domain.User{}, fmt.Errorf("get user %d: %w", userID, notFound(err))
	}
	return row.toDomain(), nil
}

// EnsureUser returns the user, creating an empty record on first contact.
func (s *Store) EnsureUser(ctx context.Context, userID int64) (domain.User, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (user_id, created_at) VALUES (?, ?) ON CONFLICT(user_id) DO NOTHING`,
		userID, millis(s.now()))
	if err != nil {
		return domain.User{}, fmt.Errorf("ensure user %d: %w", userID, err)
	}
	return s.User(ctx, userID)
}

func (s *Store) SetActiveAccount(ctx context.Context, userID, accountID int64) error {
	return s.upsertUserField(ctx, userID, "active_account_id", accountID)
}

func (s *Store) MarkVerified(ctx context.Context, userID int64) error {
	return s.upsertUserField(ctx, userID, "verified", 1)
}

func (s *Store) SetPremium(ctx context.Context, userID int64, premium bool) error {
	return s.upsertUserField(ctx, userID, "premium", boolInt(premium))
}

// upsertUserField writes one column. column is always a literal from this
// file, never user input.
func (s *Store) upsertUserField(ctx context.Context, userID int64, column string, v any) error {
	q := fmt.Sprintf(`INSERT INTO users (user_id, %[1]s, created_at) VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET %[1]s = excluded.%[1]s`, column)
	if _, err := s.db.ExecContext(ctx, q, userID, v, millis(s.now())); err != nil {
		return fmt.Errorf("update user %d %s: %w", userID, column, err)
	}
	return nil
}
