// Package domain holds the entities shared by the linker, the broadcast
// engine and storage, the failure taxonomy, and the collaborator interfaces
// the core consumes.
package domain

import (
	"fmt"
	"strings"
	"time"
)

// LinkedAccount is a personal account attached to a bot user. AccountID is
// the platform user id of the account and never changes.
type LinkedAccount struct {
	AccountID          int64     `db:"account_id"`
	OwnerUserID        int64     `db:"owner_user_id"`
	Phone              string    `db:"phone"`
	DisplayName        string    `db:"display_name"`
	Username           string    `db:"username"`
	IsActive           bool      `db:"is_active"`
	ProfileTagsApplied bool      `db:"tags_applied"`
	CreatedAt          time.Time `db:"created_at"`
	UpdatedAt          time.Time `db:"updated_at"`
}

func (a LinkedAccount) Label() string {
	switch {
	case a.Username != "":
		return "@" + a.Username
	case a.DisplayName != "":
		return a.DisplayName
	default:
		return fmt.Sprintf("#%d", a.AccountID)
	}
}

// User is a bot user. Premium bypasses the profile tag requirement.
type User struct {
	UserID          int64     `db:"user_id"`
	Verified        bool      `db:"verified"`
	Premium         bool      `db:"premium"`
	ActiveAccountID int64     `db:"active_account_id"`
	CreatedAt       time.Time `db:"created_at"`
}

type PeerKind string

const (
	PeerChat    PeerKind = "chat"
	PeerChannel PeerKind = "channel"
)

// Group is a broadcast target reachable from one account.
type Group struct {
	AccountID      int64     `db:"account_id"`
	GroupID        int64     `db:"group_id"`
	Kind           PeerKind  `db:"kind"`
	AccessHash     int64     `db:"access_hash"`
	Title          string    `db:"title"`
	Active         bool      `db:"active"`
	InactiveReason string    `db:"inactive_reason"`
	LastSentAt     time.Time `db:"last_sent_at"`
}

type Variant string

const (
	VariantA Variant = "A"
	VariantB Variant = "B"
)

func ParseVariant(s string) (Variant, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "A":
		return VariantA, true
	case "B":
		return VariantB, true
	}
	return "", false
}

func (v Variant) Other() Variant {
	if v == VariantA {
		return VariantB
	}
	return VariantA
}

// Entity is a formatting span over message text. Offset and Length count
// UTF-16 code units, as both platform APIs do.
type Entity struct {
	Type     string `json:"type"`
	Offset   int    `json:"offset"`
	Length   int    `json:"length"`
	URL      string `json:"url,omitempty"`
	Language string `json:"language,omitempty"`
}

// Content is message text plus its formatting.
type Content struct {
	Text     string
	Entities []Entity
}

func (c Content) Empty() bool { return strings.TrimSpace(c.Text) == "" }

type MessageVariant struct {
	AccountID int64
	Variant   Variant
	Content
}

type Template struct {
	UserID int64
	Slot   int
	Content
}

type ABType string

const (
	ABSingle ABType = "single"
	ABRotate ABType = "rotate"
	ABSplit  ABType = "split"
)

type ABMode struct {
	Enabled bool
	Type    ABType
}

// MinIntervalMinutes is the floor for the broadcast interval.
const MinIntervalMinutes = 11

// Settings are the per-account broadcast knobs, re-read on every fire.
type Settings struct {
	IntervalMinutes int
	QuietHours      *Window
	ScheduleWindow  *Window
	AB              ABMode
	GroupDelayMin   int // seconds
	GroupDelayMax   int // seconds
	TemplateSlot    int // 0: none
}

// Interval returns the configured interval, never below the floor.
func (s Settings) Interval() time.Duration {
	m := s.IntervalMinutes
	if m < MinIntervalMinutes {
		m = MinIntervalMinutes
	}
	return time.Duration(m) * time.Minute
}

// DelayRange returns the inter-group delay bounds with min <= max.
func (s Settings) DelayRange() (time.Duration, time.Duration) {
	lo, hi := s.GroupDelayMin, s.GroupDelayMax
	if lo < 0 {
		lo = 0
	}
	if hi < lo {
		hi = lo
	}
	return time.Duration(lo) * time.Second, time.Duration(hi) * time.Second
}

// CycleStats is what a finished cycle reports to the stats collaborator.
type CycleStats struct {
	CycleID   string
	UserID    int64
	AccountID int64
	Sent      int
	Failed    int
	Skipped   int
	StartedAt time.Time
	Duration  time.Duration
}
