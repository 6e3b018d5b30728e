package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"groupcast/internal/domain"
)

type groupRow struct {
	AccountID      int64  `db:"account_id"`
	GroupID        int64  `db:"group_id"`
	Kind           string `db:"kind"`
	AccessHash     int64  `db:"access_hash"`
	Title          string `db:"title"`
	Active         int    `db:"active"`
	InactiveReason string `db:"inactive_reason"`
	LastSentAt     int64  `db:"last_sent_at"`
}

func (r groupRow) toDomain() domain.Group {
	return domain.Group{
		AccountID:      r.AccountID,
		GroupID:        r.GroupID,
		Kind:           domain.PeerKind(r.Kind),
		AccessHash:     r.AccessHash,
		Title:          r.Title,
		Active:         r.Active != 0,
		InactiveReason: r.InactiveReason,
		LastSentAt:     fromMillis(r.LastSentAt),
	}
}

const groupColumns = `account_id, group_id, kind, access_hash, title, active, inactive_reason, last_sent_at`

func (s *Store) ActiveGroups(ctx context.Context, accountID int64) ([]domain.Group, error) {
	return s.selectGroups(ctx,
		`SELECT `+groupColumns+` FROM chat_groups WHERE account_id = ? AND active = 1 ORDER BY title, group_id`, accountID)
}

// Groups lists every known group of the account, active or not.
func (s *Store) Groups(ctx context.Context, accountID int64) ([]domain.Group, error) {
	return s.selectGroups(ctx,
		`SELECT `+groupColumns+` FROM chat_groups WHERE account_id = ? ORDER BY active DESC, title, group_id`, accountID)
}

func (s *Store) selectGroups(ctx context.Context, q string, args ...any) ([]domain.Group, error) {
	var rows []groupRow
	if err := s.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	out := make([]domain.Group, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

// SyncGroups reconciles the stored list with a fresh listing from the
// platform. Groups seen again are reactivated, groups no longer present are
// deactivated with reason "left", and send history is kept.
func (s *Store) SyncGroups(ctx context.Context, accountID int64, fresh []domain.Group) (added int, err error) {
	err = s.withTx(ctx, func(tx *sqlx.Tx) error {
		var known []int64
		if err := tx.SelectContext(ctx, &known, `SELECT group_id FROM chat_groups WHERE account_id = ?`, accountID); err != nil {
			return err
		}
		seen := make(map[int64]bool, len(known))
		for _, id := range known {
			seen[id] = false
		}
		for _, g := range fresh {
			if _, ok := seen[g.GroupID]; !ok {
				added++
			}
			seen[g.GroupID] = true
			_, err := tx.ExecContext(ctx, `
				INSERT INTO chat_groups (account_id, group_id, kind, access_hash, title, active, inactive_reason)
				VALUES (?, ?, ?, ?, ?, 1, '')
				ON CONFLICT(account_id, group_id) DO UPDATE SET
					kind = excluded.kind,
					access_hash = excluded.access_hash,
					title = excluded.title,
					active = 1,
					inactive_reason = ''`,
				accountID, g.GroupID, string(g.Kind), g.AccessHash, g.Title)
			if err != nil {
				return err
			}
		}
		for id, present := range seen {
			if present {
				continue
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE chat_groups SET active = 0, inactive_reason = 'left' WHERE account_id = ? AND group_id = ?`,
				accountID, id); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("sync groups %d: %w", accountID, err)
	}
	return added, nil
}

func (s *Store) MarkInactive(ctx context.Context, accountID, groupID int64, reason string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE chat_groups SET active = 0, inactive_reason = ? WHERE account_id = ? AND group_id = ?`,
		reason, accountID, groupID)
	if err != nil {
		return fmt.Errorf("mark group %d inactive: %w", groupID, err)
	}
	return nil
}

func (s *Store) MarkSent(ctx context.Context, accountID, groupID int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE chat_groups SET last_sent_at = ? WHERE account_id = ? AND group_id = ?`,
		millis(at), accountID, groupID)
	if err != nil {
		return fmt.Errorf("mark group %d sent: %w", groupID, err)
	}
	return nil
}

func (s *Store) Blacklist(ctx context.Context, accountID int64) (map[int64]struct{}, error) {
	var ids []int64
	if err := s.db.SelectContext(ctx, &ids, `SELECT group_id FROM blacklist WHERE account_id = ?`, accountID); err != nil {
		return nil, fmt.Errorf("list blacklist: %w", err)
	}
	out := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		out[id] = struct{}{}
	}
	return out, nil
}

func (s *Store) AddBlacklist(ctx context.Context, accountID, groupID int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO blacklist (account_id, group_id, created_at) VALUES (?, ?, ?) ON CONFLICT DO NOTHING`,
		accountID, groupID, millis(s.now()))
	if err != nil {
		return fmt.Errorf("blacklist group %d: %w", groupID, err)
	}
	return nil
}

func (s *Store) RemoveBlacklist(ctx context.Context, accountID, groupID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM blacklist WHERE account_id = ? AND group_id = ?`, accountID, groupID)
	if err != nil {
		return fmt.Errorf("unblacklist group %d: %w", groupID, err)
	}
	return nil
}
