package commands

import (
	"context"

	"groupcast/internal/domain"
	"groupcast/internal/transport"
	logx "groupcast/pkg/logx"
	"groupcast/pkg/tgui"
)

// Request is one routed update.
type Request struct {
	Update    transport.Update
	Chat      transport.ChatTarget
	FromID    int64
	Private   bool
	MessageID int // message carrying the pressed button, callbacks only
	Command   string

	Text     string // full message text
	Entities []domain.Entity
	Args     []string // positionals after the command word
	RawArgs  []string
	Flags    map[string]string
	Bools    map[string]bool
	Payload  string // callback payload

	ReqID   string
	Log     logx.Logger
	Adapter transport.Adapter
	IsOwner bool
}

func (r *Request) Reply(ctx context.Context, text string) error {
	_, err := r.Adapter.SendText(ctx, r.Chat, text, &transport.SendOptions{DisablePreview: true})
	return err
}

func (r *Request) ReplyHTML(ctx context.Context, h tgui.H) error {
	_, err := r.Adapter.SendText(ctx, r.Chat, h.String(), &transport.SendOptions{ParseMode: "HTML", DisablePreview: true})
	return err
}

func (r *Request) ReplyKeyboard(ctx context.Context, h tgui.H, kb *tgui.Keyboard) (transport.MessageRef, error) {
	return r.Adapter.SendText(ctx, r.Chat, h.String(), &transport.SendOptions{ParseMode: "HTML", DisablePreview: true, Keyboard: kb.Rows()})
}

// Edit replaces the message a callback came from, or sends a new one for
// plain commands.
func (r *Request) Edit(ctx context.Context, h tgui.H, kb *tgui.Keyboard) error {
	opt := &transport.SendOptions{ParseMode: "HTML", DisablePreview: true}
	if kb != nil {
		opt.Keyboard = kb.Rows()
	}
	if r.MessageID == 0 {
		_, err := r.Adapter.SendText(ctx, r.Chat, h.String(), opt)
		return err
	}
	ref := transport.MessageRef{ChatID: r.Chat.ChatID, ThreadID: r.Chat.ThreadID, MessageID: r.MessageID}
	return r.Adapter.EditText(ctx, ref, h.String(), opt)
}

// Arg returns the i-th positional or "".
func (r *Request) Arg(i int) string {
	if i < len(r.Args) {
		return r.Args[i]
	}
	return ""
}
