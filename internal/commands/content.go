package commands

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"groupcast/internal/domain"
	"groupcast/pkg/tgui"
)

func (h *Handlers) cmdMsg(ctx context.Context, req *Request) error {
	acc, err := h.activeAccount(ctx, req.FromID)
	if err != nil {
		return err
	}
	v, ok := domain.ParseVariant(req.Arg(0))
	if !ok {
		return h.showVariants(ctx, req, acc.AccountID)
	}
	c := contentAfter(req.Text, req.Entities, 2)
	if c.Empty() {
		cur, err := h.d.Store.Variant(ctx, acc.AccountID, v)
		if err != nil {
			return err
		}
		if cur.Empty() {
			return req.Reply(ctx, fmt.Sprintf("Variant %s is empty.", v))
		}
		return req.ReplyHTML(ctx, tgui.Lines(tgui.B("Variant "+string(v)), tgui.Quote(cur.Text)))
	}
	if err := h.d.Store.SetVariant(ctx, acc.AccountID, v, c); err != nil {
		return err
	}
	return req.ReplyHTML(ctx, tgui.Lines(tgui.H("✅ Saved variant "+tgui.B(string(v)).String()), tgui.Quote(tgui.TruncRunes(c.Text, 300))))
}

func (h *Handlers) showVariants(ctx context.Context, req *Request, accountID int64) error {
	lines := []tgui.H{tgui.H("Usage: " + tgui.Code("/msg a|b <text>").String())}
	for _, v := range []domain.Variant{domain.VariantA, domain.VariantB} {
		c, err := h.d.Store.Variant(ctx, accountID, v)
		if err != nil {
			return err
		}
		text := "(empty)"
		if !c.Empty() {
			text = tgui.TruncRunes(c.Text, 120)
		}
		lines = append(lines, tgui.KV(string(v), text))
	}
	return req.ReplyHTML(ctx, tgui.Lines(lines...))
}

func (h *Handlers) cmdTemplate(ctx context.Context, req *Request) error {
	usage := tgui.H("Usage: " + tgui.Code("/template save <slot> <text>").String() + " or " + tgui.Code("/template use <slot>|off").String())
	switch strings.ToLower(req.Arg(0)) {
	case "save":
		slot, err := strconv.Atoi(req.Arg(1))
		if err != nil {
			return req.ReplyHTML(ctx, usage)
		}
		c := contentAfter(req.Text, req.Entities, 3)
		if c.Empty() {
			return req.ReplyHTML(ctx, usage)
		}
		if err := h.d.Store.SaveTemplate(ctx, req.FromID, slot, c); err != nil {
			return err
		}
		return req.Reply(ctx, fmt.Sprintf("Template %d saved.", slot))
	case "use":
		acc, err := h.activeAccount(ctx, req.FromID)
		if err != nil {
			return err
		}
		slot := 0
		if arg := strings.ToLower(req.Arg(1)); arg != "off" {
			if slot, err = strconv.Atoi(arg); err != nil {
				return req.ReplyHTML(ctx, usage)
			}
			c, err := h.d.Store.Template(ctx, req.FromID, slot)
			if err != nil {
				return err
			}
			if c.Empty() {
				return req.Reply(ctx, fmt.Sprintf("Template %d is empty.", slot))
			}
		}
		if _, err := h.d.Store.UpdateSettings(ctx, acc.AccountID, func(s *domain.Settings) { s.TemplateSlot = slot }); err != nil {
			return err
		}
		if slot == 0 {
			return req.Reply(ctx, "Template off, variant A is used.")
		}
		return req.Reply(ctx, fmt.Sprintf("Broadcasting template %d while A/B is off.", slot))
	default:
		return req.ReplyHTML(ctx, usage)
	}
}

func (h *Handlers) cmdSettings(ctx context.Context, req *Request) error {
	acc, err := h.activeAccount(ctx, req.FromID)
	if err != nil {
		return err
	}
	st, err := h.d.Store.Settings(ctx, acc.AccountID)
	if err != nil {
		return err
	}
	return req.ReplyHTML(ctx, settingsHTML(acc, st))
}

func settingsHTML(acc domain.LinkedAccount, st domain.Settings) tgui.H {
	window := func(w *domain.Window) string {
		if w == nil || w.Empty() {
			return "off"
		}
		return w.String()
	}
	ab := "off"
	if st.AB.Enabled {
		ab = string(st.AB.Type)
	}
	tpl := "none"
	if st.TemplateSlot > 0 {
		tpl = strconv.Itoa(st.TemplateSlot)
	}
	lo, hi := st.DelayRange()
	return tgui.Lines(
		tgui.B("Settings for "+acc.Label()),
		tgui.KV("interval", fmt.Sprintf("%d min", int(st.Interval().Minutes()))),
		tgui.KV("delay", fmt.Sprintf("%d-%ds", int(lo.Seconds()), int(hi.Seconds()))),
		tgui.KV("quiet hours", window(st.QuietHours)),
		tgui.KV("window", window(st.ScheduleWindow)),
		tgui.KV("A/B", ab),
		tgui.KV("template", tpl),
	)
}

// updateSettings edits the active account's settings and echoes them.
func (h *Handlers) updateSettings(ctx context.Context, req *Request, fn func(*domain.Settings)) error {
	acc, err := h.activeAccount(ctx, req.FromID)
	if err != nil {
		return err
	}
	st, err := h.d.Store.UpdateSettings(ctx, acc.AccountID, fn)
	if err != nil {
		return err
	}
	return req.ReplyHTML(ctx, settingsHTML(acc, st))
}

func (h *Handlers) cmdInterval(ctx context.Context, req *Request) error {
	n, err := strconv.Atoi(req.Arg(0))
	if err != nil {
		return req.ReplyHTML(ctx, tgui.H("Usage: "+tgui.Code("/interval <minutes>").String()+fmt.Sprintf(" (at least %d)", domain.MinIntervalMinutes)))
	}
	return h.updateSettings(ctx, req, func(s *domain.Settings) { s.IntervalMinutes = n })
}

func (h *Handlers) cmdDelay(ctx context.Context, req *Request) error {
	lo, hi, ok := parseRange(strings.Join(req.Args, ""))
	if !ok {
		return req.ReplyHTML(ctx, tgui.H("Usage: "+tgui.Code("/delay 5-10").String()+" (seconds)"))
	}
	return h.updateSettings(ctx, req, func(s *domain.Settings) {
		s.GroupDelayMin = lo
		s.GroupDelayMax = hi
	})
}

// parseRange reads "a-b" or a single "a".
func parseRange(s string) (int, int, bool) {
	a, b, found := strings.Cut(strings.TrimSpace(s), "-")
	lo, err := strconv.Atoi(a)
	if err != nil || lo < 0 {
		return 0, 0, false
	}
	if !found {
		return lo, lo, true
	}
	hi, err := strconv.Atoi(b)
	if err != nil {
		return 0, 0, false
	}
	return lo, hi, true
}

func (h *Handlers) cmdQuiet(ctx context.Context, req *Request) error {
	w, err := windowArg(req)
	if err != nil {
		return req.ReplyHTML(ctx, tgui.H("Usage: "+tgui.Code("/quiet 23:00-07:00").String()+" or "+tgui.Code("/quiet off").String()))
	}
	return h.updateSettings(ctx, req, func(s *domain.Settings) { s.QuietHours = w })
}

func (h *Handlers) cmdWindow(ctx context.Context, req *Request) error {
	w, err := windowArg(req)
	if err != nil {
		return req.ReplyHTML(ctx, tgui.H("Usage: "+tgui.Code("/window 09:00-21:00").String()+" or "+tgui.Code("/window off").String()))
	}
	return h.updateSettings(ctx, req, func(s *domain.Settings) { s.ScheduleWindow = w })
}

// windowArg parses "HH:MM-HH:MM" (spaces allowed) or "off" into nil.
func windowArg(req *Request) (*domain.Window, error) {
	raw := strings.Join(req.Args, "")
	if raw == "" {
		return nil, errors.New("missing window")
	}
	if strings.EqualFold(raw, "off") {
		return nil, nil
	}
	w, err := domain.ParseWindow(raw)
	if err != nil {
		return nil, err
	}
	if w.Empty() {
		return nil, nil
	}
	return &w, nil
}

func (h *Handlers) cmdAB(ctx context.Context, req *Request) error {
	arg := strings.ToLower(req.Arg(0))
	switch arg {
	case "off":
		return h.updateSettings(ctx, req, func(s *domain.Settings) { s.AB.Enabled = false })
	case string(domain.ABSingle), string(domain.ABRotate), string(domain.ABSplit):
		return h.updateSettings(ctx, req, func(s *domain.Settings) {
			s.AB = domain.ABMode{Enabled: true, Type: domain.ABType(arg)}
		})
	default:
		return req.ReplyHTML(ctx, tgui.H("Usage: "+tgui.Code("/ab off|single|rotate|split").String()))
	}
}
