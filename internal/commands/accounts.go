package commands

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"groupcast/internal/domain"
	"groupcast/pkg/tgui"
)

func (h *Handlers) cmdAccounts(ctx context.Context, req *Request) error {
	u, err := h.d.Store.EnsureUser(ctx, req.FromID)
	if err != nil {
		return err
	}
	accounts, err := h.d.Store.AccountsByOwner(ctx, req.FromID)
	if err != nil {
		return err
	}
	if len(accounts) == 0 {
		return req.Reply(ctx, "No linked accounts. Use /link or /qr.")
	}
	lines := []tgui.H{tgui.B("Accounts")}
	kb := tgui.NewKeyboard()
	for _, a := range accounts {
		mark := "▫️"
		if a.AccountID == u.ActiveAccountID {
			mark = "▶️"
		}
		state := []string{}
		if !a.IsActive {
			state = append(state, "inactive")
		}
		if h.d.Jobs.IsBroadcasting(req.FromID, a.AccountID) {
			state = append(state, "broadcasting")
		}
		if a.ProfileTagsApplied {
			state = append(state, "tagged")
		}
		line := mark + " " + tgui.B(a.Label()).String() + " " + tgui.Code(itoa(a.AccountID)).String()
		if len(state) > 0 {
			line += " " + tgui.I(strings.Join(state, ", ")).String()
		}
		lines = append(lines, tgui.H(line))
		if a.AccountID != u.ActiveAccountID {
			kb.Row(tgui.Btn("Use "+tgui.TruncRunes(a.Label(), 24), tgui.Data("acc", "use", itoa(a.AccountID))))
		}
	}
	_, err = req.ReplyKeyboard(ctx, tgui.Lines(lines...), kb)
	return err
}

func (h *Handlers) cmdUse(ctx context.Context, req *Request) error {
	if req.Arg(0) == "" {
		return req.ReplyHTML(ctx, tgui.H("Usage: "+tgui.Code("/use <id>").String()+" (see /accounts)"))
	}
	return h.use(ctx, req, req.Arg(0))
}

func (h *Handlers) cbUse(ctx context.Context, req *Request, payload string) error {
	return h.use(ctx, req, payload)
}

func (h *Handlers) use(ctx context.Context, req *Request, raw string) error {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return domain.Validation(domain.CodeAccountNotFound, "account id must be a number")
	}
	acc, err := h.ownedAccount(ctx, req.FromID, id)
	if err != nil {
		return err
	}
	if err := h.d.Store.SetActiveAccount(ctx, req.FromID, acc.AccountID); err != nil {
		return err
	}
	return req.ReplyHTML(ctx, tgui.H("Active account: "+tgui.B(acc.Label()).String()))
}

func (h *Handlers) cmdUnlink(ctx context.Context, req *Request) error {
	id, err := strconv.ParseInt(req.Arg(0), 10, 64)
	if err != nil {
		return req.ReplyHTML(ctx, tgui.H("Usage: "+tgui.Code("/unlink <id>").String()+" (see /accounts)"))
	}
	derr := h.d.Linker.Unlink(ctx, req.FromID, id)
	if derr != nil {
		h.audit(ctx, req, "unlink", itoa(id), derr)
		return req.ReplyHTML(ctx, domainErrorHTML(derr))
	}
	h.audit(ctx, req, "unlink", itoa(id), nil)
	return req.Reply(ctx, "Account removed.")
}

func (h *Handlers) cmdTags(ctx context.Context, req *Request) error {
	acc, err := h.accountArg(ctx, req, 0)
	if err != nil {
		return err
	}
	if h.d.Tags == nil {
		return req.Reply(ctx, "Profile tags are not configured.")
	}
	opt := h.options()
	if err := h.d.Tags.Apply(ctx, acc.AccountID); err != nil {
		return err
	}
	if err := h.d.Store.SetTagsApplied(ctx, acc.AccountID, true); err != nil {
		return err
	}
	lines := []tgui.H{tgui.H("🏷 Tags applied to " + tgui.B(acc.Label()).String())}
	if opt.NameMarker != "" {
		lines = append(lines, tgui.KV("name", opt.NameMarker))
	}
	if opt.BioMarker != "" {
		lines = append(lines, tgui.KV("bio", opt.BioMarker))
	}
	return req.ReplyHTML(ctx, tgui.Lines(lines...))
}

func (h *Handlers) cmdPremium(ctx context.Context, req *Request) error {
	userID, err := strconv.ParseInt(req.Arg(0), 10, 64)
	on := strings.ToLower(req.Arg(1))
	if err != nil || (on != "on" && on != "off") {
		return req.ReplyHTML(ctx, tgui.H("Usage: "+tgui.Code("/premium <user id> on|off").String()))
	}
	if err := h.d.Store.SetPremium(ctx, userID, on == "on"); err != nil {
		h.audit(ctx, req, "premium."+on, itoa(userID), err)
		return err
	}
	h.audit(ctx, req, "premium."+on, itoa(userID), nil)
	return req.Reply(ctx, fmt.Sprintf("Premium %s for %d.", on, userID))
}
