package commands

import (
	"context"
	"fmt"
	"strings"

	"groupcast/internal/domain"
	"groupcast/internal/linker"
	"groupcast/internal/transport"
	logx "groupcast/pkg/logx"
	"groupcast/pkg/tgui"
)

func (h *Handlers) cmdStart(ctx context.Context, req *Request) error {
	u, err := h.d.Store.EnsureUser(ctx, req.FromID)
	if err != nil {
		return err
	}
	accounts, err := h.d.Store.AccountsByOwner(ctx, req.FromID)
	if err != nil {
		return err
	}
	lines := []tgui.H{
		tgui.B("groupcast"),
		tgui.Esc("Broadcast a message to every group your account is in, on a schedule."),
		"",
	}
	if len(accounts) == 0 {
		lines = append(lines, tgui.H("Link an account with "+tgui.Code("/link +14155550123").String()+" or "+tgui.Code("/qr").String()+"."))
	} else {
		lines = append(lines, tgui.Esc(fmt.Sprintf("%d linked account(s). /accounts to manage, /broadcast status to check.", len(accounts))))
	}
	if u.Premium {
		lines = append(lines, tgui.I("premium"))
	}
	return req.ReplyHTML(ctx, tgui.Lines(lines...))
}

func (h *Handlers) cmdLink(ctx context.Context, req *Request) error {
	if !req.Private {
		return req.Reply(ctx, "Linking only works in a private chat with the bot.")
	}
	phone, _ := restAfter(req.Text, 1)
	if strings.TrimSpace(phone) == "" {
		return req.ReplyHTML(ctx, tgui.H("Usage: "+tgui.Code("/link +14155550123").String()))
	}
	res := h.d.Linker.InitiateLink(ctx, req.FromID, req.Chat.ChatID, phone)
	if res.Err != nil {
		return req.ReplyHTML(ctx, domainErrorHTML(res.Err))
	}
	_, err := req.ReplyKeyboard(ctx, otpPrompt(""), otpKeypad())
	return err
}

func otpPrompt(buf string) tgui.H {
	slots := make([]string, 5)
	for i := range slots {
		slots[i] = "_"
		if i < len(buf) {
			slots[i] = buf[i : i+1]
		}
	}
	return tgui.Lines(
		tgui.B("Code sent"),
		tgui.Esc("Enter the 5-digit code on the keypad, or send it as a message with spaces between digits."),
		tgui.Code(strings.Join(slots, " ")),
	)
}

func otpKeypad() *tgui.Keyboard {
	digits := make([]transport.Button, 0, 10)
	for _, d := range "1234567890" {
		digits = append(digits, tgui.Btn(string(d), tgui.Data("otp", "d", string(d))))
	}
	return tgui.NewKeyboard().
		Grid(5, digits...).
		Row(tgui.Btn("⌫", tgui.Data("otp", "x", "")), tgui.Btn("✅ Submit", tgui.Data("otp", "ok", "")))
}

func (h *Handlers) cmdQR(ctx context.Context, req *Request) error {
	if !req.Private {
		return req.Reply(ctx, "Linking only works in a private chat with the bot.")
	}
	res := h.d.Linker.InitiateWebLogin(ctx, req.FromID, req.Chat.ChatID)
	if res.Err != nil {
		return req.ReplyHTML(ctx, domainErrorHTML(res.Err))
	}
	// the presenter already showed the code
	return nil
}

func (h *Handlers) cmdCode(ctx context.Context, req *Request) error {
	code, _ := restAfter(req.Text, 1)
	return h.verifyOTP(ctx, req, code)
}

func (h *Handlers) cmdPassword(ctx context.Context, req *Request) error {
	if !req.Private {
		return req.Reply(ctx, "Send the password in a private chat with the bot.")
	}
	pw, _ := restAfter(req.Text, 1)
	return h.verifyPassword(ctx, req, strings.TrimSpace(pw))
}

func (h *Handlers) cmdCancel(ctx context.Context, req *Request) error {
	if h.d.Linker.Cancel(req.FromID) {
		return req.Reply(ctx, "Login cancelled.")
	}
	return req.Reply(ctx, "Nothing to cancel.")
}

// FreeText routes plain private messages to the pending login step.
func (h *Handlers) FreeText(ctx context.Context, req *Request) error {
	p, ok := h.d.Linker.Pending(req.FromID)
	if !ok {
		if _, looksPhone := linker.NormalizePhone(req.Text); looksPhone {
			return req.ReplyHTML(ctx, tgui.H("To link this number send "+tgui.Code("/link "+strings.TrimSpace(req.Text)).String()))
		}
		return req.Reply(ctx, "Send /help to see what I can do.")
	}
	switch p.Phase {
	case linker.PhaseAwaitingOTP:
		return h.verifyOTP(ctx, req, req.Text)
	case linker.PhaseAwaitingPassword, linker.PhaseLocked:
		return h.verifyPassword(ctx, req, strings.TrimSpace(req.Text))
	case linker.PhaseCodeSent:
		if p.Method == linker.MethodQR {
			return req.Reply(ctx, "Scan the QR code, or /cancel.")
		}
		return req.Reply(ctx, "Still waiting for the code to arrive.")
	default:
		return req.Reply(ctx, "Please wait, still working on your login.")
	}
}

func (h *Handlers) verifyOTP(ctx context.Context, req *Request, code string) error {
	res := h.d.Linker.VerifyOTP(ctx, req.FromID, code)
	return h.replyVerify(ctx, req, res)
}

func (h *Handlers) replyVerify(ctx context.Context, req *Request, res linker.VerifyResult) error {
	switch {
	case res.Err != nil:
		return req.ReplyHTML(ctx, domainErrorHTML(res.Err))
	case res.RequiresPassword:
		return req.Reply(ctx, "🔐 This account has two-step verification. Send your password as a message.")
	default:
		h.audit(ctx, req, "link", itoa(res.Account.AccountID), nil)
		return req.ReplyHTML(ctx, linkedHTML(res.Account))
	}
}

func (h *Handlers) verifyPassword(ctx context.Context, req *Request, pw string) error {
	res := h.d.Linker.VerifyPassword(ctx, req.FromID, pw)
	switch {
	case res.Success:
		h.audit(ctx, req, "link", itoa(res.Account.AccountID), nil)
		return req.ReplyHTML(ctx, linkedHTML(res.Account))
	case res.MaxAttemptsReached:
		return req.ReplyHTML(ctx, tgui.Esc(fmt.Sprintf("⛔ Too many wrong passwords. Try again in %s.", humanDuration(res.CooldownRemaining))))
	case res.Err != nil && res.Err.Code == domain.CodePasswordInvalid:
		return req.ReplyHTML(ctx, tgui.Esc(fmt.Sprintf("Wrong password. %d attempt(s) left.", res.RemainingAttempts)))
	case res.Err != nil:
		return req.ReplyHTML(ctx, domainErrorHTML(res.Err))
	}
	return nil
}

func (h *Handlers) cbOTPDigit(ctx context.Context, req *Request, payload string) error {
	if len(payload) != 1 || payload[0] < '0' || payload[0] > '9' {
		return nil
	}
	buf, derr := h.d.Linker.TypeOTPDigit(req.FromID, payload[0])
	if derr != nil {
		return req.ReplyHTML(ctx, domainErrorHTML(derr))
	}
	return req.Edit(ctx, otpPrompt(buf), otpKeypad())
}

func (h *Handlers) cbOTPErase(ctx context.Context, req *Request, _ string) error {
	buf, derr := h.d.Linker.EraseOTPDigit(req.FromID)
	if derr != nil {
		return req.ReplyHTML(ctx, domainErrorHTML(derr))
	}
	return req.Edit(ctx, otpPrompt(buf), otpKeypad())
}

func (h *Handlers) cbOTPSubmit(ctx context.Context, req *Request, _ string) error {
	res := h.d.Linker.SubmitOTPBuffer(ctx, req.FromID)
	if res.Err != nil && res.Err.Code == domain.CodeOTPInvalid {
		// keypad stays usable after a wrong code
		if p, ok := h.d.Linker.Pending(req.FromID); ok {
			if err := req.Edit(ctx, otpPrompt(p.OTPBuffer), otpKeypad()); err != nil {
				req.Log.Debug("keypad refresh failed", logx.Err(err))
			}
		}
	}
	return h.replyVerify(ctx, req, res)
}
