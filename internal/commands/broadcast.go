package commands

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"groupcast/internal/broadcast"
	"groupcast/internal/domain"
	"groupcast/internal/transport"
	"groupcast/pkg/tgui"
)

func (h *Handlers) cmdBroadcast(ctx context.Context, req *Request) error {
	action := strings.ToLower(req.Arg(0))
	if action == "" {
		action = "status"
	}
	return h.broadcastAction(ctx, req, action)
}

func (h *Handlers) cbBroadcast(ctx context.Context, req *Request, _ string) error {
	_, action, _, _ := tgui.ParseData(req.Update.Callback.Data)
	return h.broadcastAction(ctx, req, action)
}

func (h *Handlers) broadcastAction(ctx context.Context, req *Request, action string) error {
	acc, err := h.activeAccount(ctx, req.FromID)
	if err != nil {
		return err
	}
	switch action {
	case "start":
		res := h.d.Jobs.StartBroadcast(ctx, req.FromID, acc.AccountID)
		if res.Err != nil {
			h.audit(ctx, req, "broadcast.start", itoa(acc.AccountID), res.Err)
			return req.ReplyHTML(ctx, domainErrorHTML(res.Err))
		}
		h.audit(ctx, req, "broadcast.start", itoa(acc.AccountID), nil)
		return req.Edit(ctx, h.statusHTML(ctx, acc, res.Job), statusKeyboard(res.Job.Status))
	case "stop":
		res := h.d.Jobs.StopBroadcast(ctx, req.FromID, acc.AccountID)
		if res.Err != nil {
			return req.ReplyHTML(ctx, domainErrorHTML(res.Err))
		}
		h.audit(ctx, req, "broadcast.stop", itoa(acc.AccountID), nil)
		return req.Edit(ctx, h.statusHTML(ctx, acc, res.Job), statusKeyboard(res.Job.Status))
	case "status":
		job := h.d.Jobs.Status(req.FromID, acc.AccountID)
		return req.Edit(ctx, h.statusHTML(ctx, acc, job), statusKeyboard(job.Status))
	default:
		return req.ReplyHTML(ctx, tgui.H("Usage: "+tgui.Code("/broadcast start|stop|status").String()))
	}
}

func statusKeyboard(st broadcast.Status) *tgui.Keyboard {
	kb := tgui.NewKeyboard()
	if st == broadcast.StatusIdle {
		return kb.Row(tgui.Btn("▶️ Start", tgui.Data("bc", "start", "")), tgui.Btn("🔄 Refresh", tgui.Data("bc", "status", "")))
	}
	return kb.Row(tgui.Btn("⏹ Stop", tgui.Data("bc", "stop", "")), tgui.Btn("🔄 Refresh", tgui.Data("bc", "status", "")))
}

func (h *Handlers) statusHTML(ctx context.Context, acc domain.LinkedAccount, job broadcast.JobSnapshot) tgui.H {
	opt := h.options()
	at := func(t time.Time) string {
		if t.IsZero() {
			return "-"
		}
		return t.In(opt.Location).Format("Jan 2 15:04")
	}
	lines := []tgui.H{
		tgui.B("Broadcast · " + acc.Label()),
		tgui.KV("status", string(job.Status)),
	}
	if job.Status != broadcast.StatusIdle {
		lines = append(lines,
			tgui.KV("cycle", strconv.Itoa(job.Cycle)),
			tgui.KV("last run", at(job.LastFireAt)),
			tgui.KV("next run", at(job.NextFireAt)),
		)
		if job.LastSkip != "" {
			lines = append(lines, tgui.KV("last skip", job.LastSkip))
		}
		if r := job.LastReport; r != nil {
			lines = append(lines, tgui.KV("last cycle", fmt.Sprintf("%d sent, %d failed, %d skipped", r.Sent, r.Failed, r.Skipped)))
		}
	}
	if sent, err := h.d.Store.DailySent(ctx, acc.AccountID, time.Now().In(opt.Location).Format(time.DateOnly)); err == nil {
		lines = append(lines, tgui.KV("today", dailyLabel(sent, opt.DailyCap)))
	}
	return tgui.Lines(lines...)
}

// cmdJobs lists the jobs of all users.
func (h *Handlers) cmdJobs(ctx context.Context, req *Request) error {
	jobs := h.d.Jobs.Jobs()
	if len(jobs) == 0 {
		return req.ReplyHTML(ctx, tgui.I("No broadcast jobs."))
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].AccountID < jobs[j].AccountID })
	loc := h.options().Location
	lines := []tgui.H{tgui.B(fmt.Sprintf("Jobs (%d)", len(jobs)))}
	for _, j := range jobs {
		next := "-"
		if !j.NextFireAt.IsZero() {
			next = j.NextFireAt.In(loc).Format("Jan 2 15:04")
		}
		lines = append(lines, tgui.Esc(fmt.Sprintf("%d · user %d · %s · cycle %d · next %s",
			j.AccountID, j.UserID, j.Status, j.Cycle, next)))
	}
	return req.ReplyHTML(ctx, tgui.Lines(lines...))
}

// dailyLabel renders the display-only counter, "n" or "n/cap".
func dailyLabel(sent, limit int) string {
	if limit <= 0 {
		return strconv.Itoa(sent)
	}
	return fmt.Sprintf("%d/%d", sent, limit)
}

func (h *Handlers) cmdGroups(ctx context.Context, req *Request) error {
	acc, err := h.activeAccount(ctx, req.FromID)
	if err != nil {
		return err
	}
	page := 0
	args := req.Args
	if len(args) > 0 && strings.EqualFold(args[0], "refresh") {
		if h.d.Groups == nil {
			return req.Reply(ctx, "Group refresh is not available.")
		}
		added, err := h.d.Groups.RefreshAccount(ctx, acc.AccountID)
		if err != nil {
			return err
		}
		if err := req.Reply(ctx, fmt.Sprintf("Groups refreshed, %d new.", added)); err != nil {
			return err
		}
		args = args[1:]
	}
	if len(args) > 0 {
		if n, err := strconv.Atoi(args[0]); err == nil {
			page = n - 1
		}
	}
	text, kb, err := h.groupsPage(ctx, acc, page)
	if err != nil {
		return err
	}
	_, err = req.ReplyKeyboard(ctx, text, kb)
	return err
}

func (h *Handlers) cbGroupsPage(ctx context.Context, req *Request, payload string) error {
	acc, err := h.activeAccount(ctx, req.FromID)
	if err != nil {
		return err
	}
	page, _ := strconv.Atoi(payload)
	text, kb, err := h.groupsPage(ctx, acc, page)
	if err != nil {
		return err
	}
	return req.Edit(ctx, text, kb)
}

func (h *Handlers) groupsPage(ctx context.Context, acc domain.LinkedAccount, page int) (tgui.H, *tgui.Keyboard, error) {
	groups, err := h.d.Store.Groups(ctx, acc.AccountID)
	if err != nil {
		return "", nil, err
	}
	bl, err := h.d.Store.Blacklist(ctx, acc.AccountID)
	if err != nil {
		return "", nil, err
	}
	if len(groups) == 0 {
		return tgui.H("No groups yet. Run " + tgui.Code("/groups refresh").String() + "."), nil, nil
	}
	p := tgui.Paginate(groups, page, h.options().PageSize)
	active := 0
	for _, g := range groups {
		if _, skip := bl[g.GroupID]; g.Active && !skip {
			active++
		}
	}
	lines := []tgui.H{
		tgui.B(fmt.Sprintf("Groups · %d of %d will receive", active, len(groups))),
	}
	for _, g := range p.Items {
		mark := "✅"
		note := ""
		switch _, skip := bl[g.GroupID]; {
		case skip:
			mark, note = "🚫", "blacklisted"
		case !g.Active:
			mark, note = "⏸", g.InactiveReason
		}
		line := mark + " " + tgui.Esc(tgui.TruncRunes(g.Title, 40)).String() + " " + tgui.Code(itoa(g.GroupID)).String()
		if note != "" {
			line += " " + tgui.I(note).String()
		}
		lines = append(lines, tgui.H(line))
	}
	lines = append(lines, tgui.I(p.Label()))

	kb := tgui.NewKeyboard()
	var nav []transport.Button
	if p.HasPrev {
		nav = append(nav, tgui.Btn("◀️", tgui.Data("grp", "page", strconv.Itoa(p.Index-1))))
	}
	if p.HasNext {
		nav = append(nav, tgui.Btn("▶️", tgui.Data("grp", "page", strconv.Itoa(p.Index+1))))
	}
	kb.Row(nav...)
	return tgui.Lines(lines...), kb, nil
}

func (h *Handlers) cmdBlacklist(ctx context.Context, req *Request) error {
	acc, err := h.activeAccount(ctx, req.FromID)
	if err != nil {
		return err
	}
	op := strings.ToLower(req.Arg(0))
	if op == "" {
		bl, err := h.d.Store.Blacklist(ctx, acc.AccountID)
		if err != nil {
			return err
		}
		if len(bl) == 0 {
			return req.Reply(ctx, "Blacklist is empty.")
		}
		return req.Reply(ctx, fmt.Sprintf("%d blacklisted group(s). See /groups.", len(bl)))
	}
	groupID, err := strconv.ParseInt(req.Arg(1), 10, 64)
	if err != nil {
		return req.ReplyHTML(ctx, tgui.H("Usage: "+tgui.Code("/blacklist add|del <group id>").String()))
	}
	switch op {
	case "add":
		err = h.d.Store.AddBlacklist(ctx, acc.AccountID, groupID)
	case "del", "rm", "remove":
		err = h.d.Store.RemoveBlacklist(ctx, acc.AccountID, groupID)
	default:
		return req.ReplyHTML(ctx, tgui.H("Usage: "+tgui.Code("/blacklist add|del <group id>").String()))
	}
	if err != nil {
		return err
	}
	return req.Reply(ctx, "Blacklist updated.")
}

func (h *Handlers) cmdStats(ctx context.Context, req *Request) error {
	acc, err := h.activeAccount(ctx, req.FromID)
	if err != nil {
		return err
	}
	tot, err := h.d.Store.Totals(ctx, acc.AccountID)
	if err != nil {
		return err
	}
	opt := h.options()
	today, err := h.d.Store.DailySent(ctx, acc.AccountID, time.Now().In(opt.Location).Format(time.DateOnly))
	if err != nil {
		return err
	}
	last := "-"
	if !tot.LastAt.IsZero() {
		last = tot.LastAt.In(opt.Location).Format("Jan 2 15:04")
	}
	return req.ReplyHTML(ctx, tgui.Lines(
		tgui.B("Stats · "+acc.Label()),
		tgui.KV("cycles", strconv.Itoa(tot.Cycles)),
		tgui.KV("sent", strconv.Itoa(tot.Sent)),
		tgui.KV("failed", strconv.Itoa(tot.Failed)),
		tgui.KV("skipped", strconv.Itoa(tot.Skipped)),
		tgui.KV("today", dailyLabel(today, opt.DailyCap)),
		tgui.KV("last cycle", last),
	))
}
