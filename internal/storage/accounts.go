package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"groupcast/internal/domain"
)

type accountRow struct {
	AccountID   int64  `db:"account_id"`
	OwnerUserID int64  `db:"owner_user_id"`
	Phone       string `db:"phone"`
	DisplayName string `db:"display_name"`
	Username    string `db:"username"`
	IsActive    int    `db:"is_active"`
	TagsApplied int    `db:"tags_applied"`
	CreatedAt   int64  `db:"created_at"`
	UpdatedAt   int64  `db:"updated_at"`
}

func (r accountRow) toDomain() domain.LinkedAccount {
	return domain.LinkedAccount{
		AccountID:          r.AccountID,
		OwnerUserID:        r.OwnerUserID,
		Phone:              r.Phone,
		DisplayName:        r.DisplayName,
		Username:           r.Username,
		IsActive:           r.IsActive != 0,
		ProfileTagsApplied: r.TagsApplied != 0,
		CreatedAt:          fromMillis(r.CreatedAt),
		UpdatedAt:          fromMillis(r.UpdatedAt),
	}
}

const accountColumns = `account_id, owner_user_id, phone, display_name, username, is_active, tags_applied, created_at, updated_at`

// SaveAccount inserts or refreshes an account. Re-linking an existing
// account keeps its creation time and tag flag.
func (s *Store) SaveAccount(ctx context.Context, a domain.LinkedAccount) error {
	now := s.now()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO accounts (`+accountColumns+`)
		VALUES (:account_id, :owner_user_id, :phone, :display_name, :username, :is_active, :tags_applied, :created_at, :updated_at)
		ON CONFLICT(account_id) DO UPDATE SET
			owner_user_id = excluded.owner_user_id,
			phone         = excluded.phone,
			display_name  = excluded.display_name,
			username      = excluded.username,
			is_active     = excluded.is_active,
			tags_applied  = MAX(accounts.tags_applied, excluded.tags_applied),
			updated_at    = excluded.updated_at`,
		accountRow{
			AccountID:   a.AccountID,
			OwnerUserID: a.OwnerUserID,
			Phone:       a.Phone,
			DisplayName: a.DisplayName,
			Username:    a.Username,
			IsActive:    boolInt(a.IsActive),
			TagsApplied: boolInt(a.ProfileTagsApplied),
			CreatedAt:   millis(a.CreatedAt),
			UpdatedAt:   millis(now),
		})
	if err != nil {
		return fmt.Errorf("save account %d: %w", a.AccountID, err)
	}
	return nil
}

func (s *Store) Account(ctx context.Context, accountID int64) (domain.LinkedAccount, error) {
	var row accountRow
	err := s.db.GetContext(ctx, &row, `SELECT `+accountColumns+` FROM accounts WHERE account_id = ?`, accountID)
	if err != nil {
		return domain.LinkedAccount{}, fmt.Errorf("get account %d: %w", accountID, notFound(err))
	}
	return row.toDomain(), nil
}

func (s *Store) AccountsByOwner(ctx context.Context, userID int64) ([]domain.LinkedAccount, error) {
	return s.selectAccounts(ctx, `SELECT `+accountColumns+` FROM accounts WHERE owner_user_id = ? ORDER BY created_at`, userID)
}

func (s *Store) ActiveAccounts(ctx context.Context) ([]domain.LinkedAccount, error) {
	return s.selectAccounts(ctx, `SELECT `+accountColumns+` FROM accounts WHERE is_active = 1 ORDER BY account_id`)
}

func (s *Store) selectAccounts(ctx context.Context, q string, args ...any) ([]domain.LinkedAccount, error) {
	var rows []accountRow
	if err := s.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	out := make([]domain.LinkedAccount, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

func (s *Store) SetAccountActive(ctx context.Context, accountID int64, active bool) error {
	return s.updateAccount(ctx, `UPDATE accounts SET is_active = ?, updated_at = ? WHERE account_id = ?`,
		boolInt(active), millis(s.now()), accountID)
}

func (s *Store) SetTagsApplied(ctx context.Context, accountID int64, applied bool) error {
	return s.updateAccount(ctx, `UPDATE accounts SET tags_applied = ?, updated_at = ? WHERE account_id = ?`,
		boolInt(applied), millis(s.now()), accountID)
}

func (s *Store) updateAccount(ctx context.Context, q string, args ...any) error {
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("update account: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update account: %w", domain.ErrNotFound)
	}
	return nil
}

// DeleteAccount removes the account and everything hanging off it, and
// clears it as anyone's active target.
func (s *Store) DeleteAccount(ctx context.Context, accountID int64) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		for _, q := range []string{
			`DELETE FROM sessions WHERE account_id = ?`,
			`DELETE FROM chat_groups WHERE account_id = ?`,
			`DELETE FROM blacklist WHERE account_id = ?`,
			`DELETE FROM account_settings WHERE account_id = ?`,
			`DELETE FROM variants WHERE account_id = ?`,
			`DELETE FROM daily_counters WHERE account_id = ?`,
			`UPDATE users SET active_account_id = 0 WHERE active_account_id = ?`,
		} {
			if _, err := tx.ExecContext(ctx, q, accountID); err != nil {
				return fmt.Errorf("delete account %d: %w", accountID, err)
			}
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM accounts WHERE account_id = ?`, accountID)
		if err != nil {
			return fmt.Errorf("delete account %d: %w", accountID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("delete account %d: %w", accountID, domain.ErrNotFound)
		}
		return nil
	})
}

func (s *Store) Session(ctx context.Context, accountID int64) ([]byte, error) {
	var data []byte
	err := s.db.GetContext(ctx, &data, `SELECT data FROM sessions WHERE account_id = ?`, accountID)
	if err != nil {
		return nil, fmt.Errorf("get session %d: %w", accountID, notFound(err))
	}
	return data, nil
}

func (s *Store) SetSession(ctx context.Context, accountID int64, data []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (account_id, data, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(account_id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		accountID, data, millis(s.now()))
	if err != nil {
		return fmt.Errorf("set session %d: %w", accountID, err)
	}
	return nil
}

// setClock pins the clock in tests.
func (s *Store) setClock(now func() time.Time) { s.now = now }
