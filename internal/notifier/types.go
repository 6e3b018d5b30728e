package notifier

import (
	"context"
	"time"

	"groupcast/internal/transport"
)

// Config controls the async notification pipeline.
type Config struct {
	Enabled         bool
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int

	// AdminChat receives NotifyAdmin notices on the telegram channel.
	AdminChat transport.ChatTarget
	// WebhookURL, when set, also posts every admin notice there.
	WebhookURL     string
	WebhookTimeout time.Duration
}

type HistoryItem struct {
	At      time.Time
	Channel string
	Text    string
}

// NotificationEvent is the payload of notifier events on the bus.
type NotificationEvent struct {
	Channel  string    `json:"channel"`
	ChatID   int64     `json:"chat_id"`
	ThreadID int       `json:"thread_id,omitempty"`
	Key      string    `json:"key"`
	At       time.Time `json:"at"`
	Error    string    `json:"error,omitempty"`
}

// Dedup persists suppression windows. MarkOnce reports whether key was free
// and, if so, claims it until the given time.
type Dedup interface {
	MarkOnce(ctx context.Context, key string, until time.Time) (bool, error)
}

// Sink delivers one rendered notice on one channel.
type Sink interface {
	Deliver(ctx context.Context, n transport.Notification, text string) error
}

const (
	ChannelTelegram = "telegram"
	ChannelWebhook  = "webhook"
)
