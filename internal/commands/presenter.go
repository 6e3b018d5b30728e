package commands

import (
	"context"
	"fmt"
	"time"

	"groupcast/internal/domain"
	"groupcast/internal/linker"
	"groupcast/internal/transport"
	logx "groupcast/pkg/logx"
	"groupcast/pkg/tgui"
)

// Presenter shows QR login progress in the user's chat.
type Presenter struct {
	adapter transport.Adapter
	loc     *time.Location
	log     logx.Logger
}

var _ linker.Presenter = (*Presenter)(nil)

func NewPresenter(adapter transport.Adapter, loc *time.Location, log logx.Logger) *Presenter {
	if loc == nil {
		loc = time.Local
	}
	return &Presenter{adapter: adapter, loc: loc, log: log}
}

func (p *Presenter) ShowQR(ctx context.Context, chatID int64, png []byte, expires time.Time) error {
	caption := tgui.Lines(
		tgui.B("Scan to link your account"),
		tgui.Esc("Open Settings > Devices > Link Desktop Device and scan this code."),
		tgui.Esc(fmt.Sprintf("Valid until %s. /cancel to abort.", expires.In(p.loc).Format("15:04:05"))),
	)
	_, err := p.adapter.SendPhoto(ctx, transport.ChatTarget{ChatID: chatID}, png, caption.String())
	return err
}

func (p *Presenter) PasswordRequired(ctx context.Context, chatID int64) error {
	_, err := p.adapter.SendText(ctx, transport.ChatTarget{ChatID: chatID},
		"🔐 This account has two-step verification. Send your password as a message.", nil)
	return err
}

func (p *Presenter) WebLoginDone(ctx context.Context, chatID int64, acc domain.LinkedAccount, err *domain.Error) {
	text := linkedHTML(acc)
	if err != nil {
		text = domainErrorHTML(err)
	}
	if _, sendErr := p.adapter.SendText(ctx, transport.ChatTarget{ChatID: chatID}, text.String(), &transport.SendOptions{ParseMode: "HTML"}); sendErr != nil {
		p.log.Warn("qr result not delivered", logx.Int64("chat_id", chatID), logx.Err(sendErr))
	}
}

func linkedHTML(acc domain.LinkedAccount) tgui.H {
	return tgui.Lines(
		tgui.H("✅ Linked "+tgui.B(acc.Label()).String()),
		tgui.Esc("It is now your active account. Set a message with /msg a <text>, then /broadcast start."),
	)
}
