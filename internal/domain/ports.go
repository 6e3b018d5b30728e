package domain

import (
	"context"
	"time"
)

// CredentialStore persists linked accounts and their opaque session blobs.
type CredentialStore interface {
	SaveAccount(ctx context.Context, a LinkedAccount) error
	Account(ctx context.Context, accountID int64) (LinkedAccount, error)
	AccountsByOwner(ctx context.Context, userID int64) ([]LinkedAccount, error)
	ActiveAccounts(ctx context.Context) ([]LinkedAccount, error)
	SetAccountActive(ctx context.Context, accountID int64, active bool) error
	SetTagsApplied(ctx context.Context, accountID int64, applied bool) error
	DeleteAccount(ctx context.Context, accountID int64) error

	Session(ctx context.Context, accountID int64) ([]byte, error)
	SetSession(ctx context.Context, accountID int64, data []byte) error
}

// UserDirectory tracks bot users: verification, premium and the active
// target account.
type UserDirectory interface {
	User(ctx context.Context, userID int64) (User, error)
	EnsureUser(ctx context.Context, userID int64) (User, error)
	SetActiveAccount(ctx context.Context, userID, accountID int64) error
	MarkVerified(ctx context.Context, userID int64) error
	SetPremium(ctx context.Context, userID int64, premium bool) error
}

// GroupService lists broadcast targets and records their outcomes.
type GroupService interface {
	ActiveGroups(ctx context.Context, accountID int64) ([]Group, error)
	Blacklist(ctx context.Context, accountID int64) (map[int64]struct{}, error)
	MarkInactive(ctx context.Context, accountID, groupID int64, reason string) error
	MarkSent(ctx context.Context, accountID, groupID int64, at time.Time) error
}

// StatsService receives per-cycle aggregates.
type StatsService interface {
	RecordCycle(ctx context.Context, s CycleStats) error
	AddDailySent(ctx context.Context, accountID int64, day string, n int) error
}

// ConfigService resolves the effective per-account settings and content.
type ConfigService interface {
	Settings(ctx context.Context, accountID int64) (Settings, error)
	Variant(ctx context.Context, accountID int64, v Variant) (Content, error)
	Template(ctx context.Context, userID int64, slot int) (Content, error)
}

// AdminNotifier delivers operator notices. Implementations must not block
// and swallow their own failures.
type AdminNotifier interface {
	NotifyAdmin(ctx context.Context, key, text string)
}

// NopNotifier drops every notice.
type NopNotifier struct{}

func (NopNotifier) NotifyAdmin(context.Context, string, string) {}
