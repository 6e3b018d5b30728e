package notifier

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"

	"groupcast/internal/transport"
)

type adapterSink struct{ adapter transport.Adapter }

func (s adapterSink) Deliver(ctx context.Context, n transport.Notification, text string) error {
	if n.Target.ChatID == 0 {
		return errors.New("no admin chat configured")
	}
	_, err := s.adapter.SendText(ctx, n.Target, text, n.Options)
	return err
}

type webhookPayload struct {
	ID       string    `json:"id"`
	Key      string    `json:"key,omitempty"`
	Priority int       `json:"priority"`
	Text     string    `json:"text"`
	At       time.Time `json:"at"`
}

// WebhookSink posts notices as JSON.
type WebhookSink struct {
	client *resty.Client
	url    string
}

func NewWebhookSink(url string, timeout time.Duration) *WebhookSink {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	c := resty.New().
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("User-Agent", "groupcast-notifier")
	return &WebhookSink{client: c, url: url}
}

func (s *WebhookSink) Deliver(ctx context.Context, n transport.Notification, text string) error {
	resp, err := s.client.R().
		SetContext(ctx).
		SetBody(webhookPayload{ID: uuid.NewString(), Key: n.Key, Priority: n.Priority, Text: text, At: time.Now().UTC()}).
		Post(s.url)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("webhook answered %s", resp.Status())
	}
	return nil
}
