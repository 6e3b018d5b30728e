// Package transport declares the two channels the bot rides on: the
// bot-control channel users talk to, and the authenticated account channel
// used to log in personal accounts and post as them. Adapters live in the
// telegram and mtproto subpackages.
package transport

import (
	"context"
	"errors"
	"time"

	"groupcast/internal/domain"
)

type UpdateKind string

const (
	UpdateMessage  UpdateKind = "message"
	UpdateCallback UpdateKind = "callback"
)

type Update struct {
	Kind     UpdateKind
	Message  *Message
	Callback *Callback
}

type Message struct {
	ID           int
	ChatID       int64
	ThreadID     int // forum topic thread id (0 if none)
	FromID       int64
	FromUsername string
	Text         string
	Entities     []domain.Entity
	IsPrivate    bool
}

type Callback struct {
	ID        string
	FromID    int64
	ChatID    int64
	ThreadID  int
	MessageID int
	Data      string
}

type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

// Button is one inline keyboard button carrying callback data.
type Button struct {
	Text string
	Data string
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
	Keyboard       [][]Button
}

type Notification struct {
	Channel  string // "telegram" or "webhook"
	Priority int    // 0 low.. 10 high
	Key      string // dedup key; empty derives one from the text
	Target   ChatTarget
	Text     string
	Options  *SendOptions
}

// Adapter is the bot-control channel.
type Adapter interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	SendPhoto(ctx context.Context, to ChatTarget, png []byte, caption string) (MessageRef, error)
	EditText(ctx context.Context, ref MessageRef, text string, opt *SendOptions) error
	AnswerCallback(ctx context.Context, callbackID string, text string) error
}

// BotCommand represents a single bot command menu entry.
type BotCommand struct {
	Command     string
	Description string
}

// CommandMenuUpdater is an optional interface that adapters can implement
// to update platform-specific bot command menus.
type CommandMenuUpdater interface {
	UpdateMenuCommands(ctx context.Context, cmds []BotCommand) error
}

// ErrPasswordRequired is returned by Handshake.SignIn and Handshake.QR when
// the account has two-step verification enabled.
var ErrPasswordRequired = errors.New("two-step password required")

// Identity describes the account a handshake authorized.
type Identity struct {
	AccountID   int64
	Phone       string
	DisplayName string
	Username    string
}

// QRToken is one scannable login token. Tokens rotate until scanned.
type QRToken struct {
	URL     string
	Expires time.Time
}

// LoginDriver opens login handshakes on the account channel.
type LoginDriver interface {
	Begin(ctx context.Context) (Handshake, error)
}

// Handshake is one unauthenticated connection walking through login. It is
// not safe for concurrent use; Close releases the connection and may be
// called more than once.
type Handshake interface {
	SendCode(ctx context.Context, phone string) error
	SignIn(ctx context.Context, code string) (Identity, error)
	Password(ctx context.Context, password string) (Identity, error)
	// QR shows every token through show until one is accepted or ctx ends.
	QR(ctx context.Context, show func(ctx context.Context, t QRToken) error) (Identity, error)
	JoinChannel(ctx context.Context, username string) error
	// Session serializes the authorized session credential.
	Session(ctx context.Context) ([]byte, error)
	Close() error
}

// AccountClient acts as linked accounts using their stored sessions.
//
// Errors follow floodguard's vocabulary: flood waits are
// *floodguard.FloodWaitError, network trouble is marked transient, and
// failures that retrying cannot fix match domain.ErrGroupUnavailable or
// domain.ErrAccountUnusable.
type AccountClient interface {
	Send(ctx context.Context, accountID int64, g domain.Group, c domain.Content) error
	Dialogs(ctx context.Context, accountID int64) ([]domain.Group, error)
	Profile(ctx context.Context, accountID int64) (Profile, error)
	UpdateProfile(ctx context.Context, accountID int64, lastName, about string) error
	Release(accountID int64)
}

// Profile is the part of an account profile that carries tag markers.
type Profile struct {
	FirstName string
	LastName  string
	About     string
}
