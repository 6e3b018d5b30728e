package broadcast

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"groupcast/internal/domain"
	"groupcast/internal/eventbus"
	"groupcast/internal/floodguard"
	"groupcast/internal/transport"
	logx "groupcast/pkg/logx"
)

type DispatcherDeps struct {
	Client  transport.AccountClient
	Groups  domain.GroupService
	Stats   domain.StatsService
	Content domain.ConfigService
	Guard   *floodguard.Guard
	Bus     eventbus.Bus
	Clock   Clock
	Log     logx.Logger

	// Wait replaces the inter-group sleep, for tests.
	Wait WaitFunc
	// Coin picks variant A in split mode when it returns true.
	Coin func() bool
}

// Dispatcher executes send cycles. One account never runs two cycles at
// once.
type Dispatcher struct {
	d   DispatcherDeps
	log logx.Logger

	mu     sync.Mutex
	locks  map[int64]*sync.Mutex
	rotate map[int64]domain.Variant
}

func NewDispatcher(d DispatcherDeps) *Dispatcher {
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	if d.Bus == nil {
		d.Bus = eventbus.Nop{}
	}
	if d.Clock == nil {
		d.Clock = RealClock()
	}
	if d.Wait == nil {
		d.Wait = realWait
	}
	if d.Coin == nil {
		d.Coin = func() bool { return rand.IntN(2) == 0 }
	}
	if d.Guard == nil {
		d.Guard = floodguard.New(floodguard.DefaultConfig(), floodguard.WithLogger(d.Log))
	}
	return &Dispatcher{
		d:      d,
		log:    d.Log,
		locks:  map[int64]*sync.Mutex{},
		rotate: map[int64]domain.Variant{},
	}
}

func (d *Dispatcher) accountLock(accountID int64) *sync.Mutex {
	d.mu.Lock()
	defer d.mu.Unlock()
	m, ok := d.locks[accountID]
	if !ok {
		m = &sync.Mutex{}
		d.locks[accountID] = m
	}
	return m
}

// Forget drops the rotation state and the pacing limiter of an account.
func (d *Dispatcher) Forget(accountID int64) {
	d.mu.Lock()
	delete(d.rotate, accountID)
	d.mu.Unlock()
	d.d.Guard.Forget(paceKey(accountID))
}

func paceKey(accountID int64) string { return "acct:" + strconv.FormatInt(accountID, 10) }

// picker chooses the content for each group of one cycle.
type picker struct {
	mode    string
	fixed   domain.Variant
	content map[domain.Variant]domain.Content
	coin    func() bool
}

func (p picker) pick() (domain.Variant, domain.Content) {
	v := p.fixed
	if p.mode == string(domain.ABSplit) {
		v = domain.VariantA
		if !p.coin() {
			v = domain.VariantB
		}
	}
	if c := p.content[v]; !c.Empty() {
		return v, c
	}
	return v.Other(), p.content[v.Other()]
}

// ResolveContent reports whether the account has anything to send with its
// current settings.
func ResolveContent(ctx context.Context, cs domain.ConfigService, userID, accountID int64, st domain.Settings) (map[domain.Variant]domain.Content, error) {
	a, err := cs.Variant(ctx, accountID, domain.VariantA)
	if err != nil {
		return nil, err
	}
	b, err := cs.Variant(ctx, accountID, domain.VariantB)
	if err != nil {
		return nil, err
	}
	if !st.AB.Enabled && st.TemplateSlot > 0 {
		tpl, err := cs.Template(ctx, userID, st.TemplateSlot)
		if err != nil {
			return nil, err
		}
		if !tpl.Empty() {
			a = tpl
		}
	}
	if a.Empty() && b.Empty() {
		return nil, domain.Config(domain.CodeMessageRequired, "/msg a <text>", "no message text is set")
	}
	return map[domain.Variant]domain.Content{domain.VariantA: a, domain.VariantB: b}, nil
}

func (d *Dispatcher) newPicker(ctx context.Context, req CycleRequest) (picker, error) {
	content, err := ResolveContent(ctx, d.d.Content, req.UserID, req.AccountID, req.Settings)
	if err != nil {
		return picker{}, err
	}
	p := picker{mode: string(domain.ABSingle), fixed: domain.VariantA, content: content, coin: d.d.Coin}
	if !req.Settings.AB.Enabled {
		if req.Settings.TemplateSlot > 0 {
			p.mode = "template"
		}
		return p, nil
	}
	switch req.Settings.AB.Type {
	case domain.ABRotate:
		p.mode = string(domain.ABRotate)
		d.mu.Lock()
		v, ok := d.rotate[req.AccountID]
		if !ok {
			v = domain.VariantA
		}
		d.rotate[req.AccountID] = v.Other()
		d.mu.Unlock()
		p.fixed = v
	case domain.ABSplit:
		p.mode = string(domain.ABSplit)
	}
	return p, nil
}

// RunCycle sends one round to the account's groups. A failing group never
// aborts the cycle; the returned error is either a setup failure (no
// content, group listing) or domain.ErrAccountUnusable, in which case the
// report covers the groups tried so far.
func (d *Dispatcher) RunCycle(ctx context.Context, req CycleRequest) (CycleReport, error) {
	lock := d.accountLock(req.AccountID)
	lock.Lock()
	defer lock.Unlock()

	loc := req.Location
	if loc == nil {
		loc = time.Local
	}
	rep := CycleReport{
		CycleID:   uuid.NewString(),
		UserID:    req.UserID,
		AccountID: req.AccountID,
		Cycle:     req.Cycle,
		StartedAt: d.d.Clock.Now(),
	}
	log := d.log.With(logx.Int64("account_id", req.AccountID), logx.Int("cycle", req.Cycle), logx.String("cycle_id", rep.CycleID))

	if stopped(req.Stop) {
		rep.Aborted = true
		rep.FinishedAt = rep.StartedAt
		return rep, nil
	}

	p, err := d.newPicker(ctx, req)
	if err != nil {
		return rep, err
	}
	rep.Mode = p.mode

	groups, err := d.d.Groups.ActiveGroups(ctx, req.AccountID)
	if err != nil {
		return rep, fmt.Errorf("list groups: %w", err)
	}
	blacklist, err := d.d.Groups.Blacklist(ctx, req.AccountID)
	if err != nil {
		return rep, fmt.Errorf("load blacklist: %w", err)
	}

	targets := make([]domain.Group, 0, len(groups))
	for _, g := range groups {
		if _, ok := blacklist[g.GroupID]; ok {
			rep.add(DispatchAttempt{GroupID: g.GroupID, Title: g.Title, Outcome: OutcomeSkippedBlacklist})
			continue
		}
		targets = append(targets, g)
	}

	lo, hi := req.Settings.DelayRange()
	window := req.Settings.ScheduleWindow
	opts := d.d.Guard.Defaults()
	opts.ThrowOnFailure = true
	opts.Key = paceKey(req.AccountID)

	var fatal error
	for i, g := range targets {
		if i > 0 {
			if err := d.d.Wait(ctx, randDelay(lo, hi), req.Stop); err != nil {
				rep.Aborted = true
				break
			}
		}
		// a wait that finished after a stop request must not lead to a send
		if stopped(req.Stop) || ctx.Err() != nil {
			rep.Aborted = true
			break
		}
		if window != nil && !window.Empty() && !window.Contains(d.d.Clock.Now().In(loc)) {
			for _, rest := range targets[i:] {
				rep.add(DispatchAttempt{GroupID: rest.GroupID, Title: rest.Title, Outcome: OutcomeSkippedWindow})
			}
			log.Info("schedule window closed mid-cycle", logx.Int("skipped", len(targets)-i))
			break
		}

		v, content := p.pick()
		err := d.d.Guard.Do(ctx, "broadcast.send", func(ctx context.Context) error {
			return d.d.Client.Send(ctx, req.AccountID, g, content)
		}, opts)
		att := DispatchAttempt{GroupID: g.GroupID, Title: g.Title, Variant: v, Outcome: OutcomeSent}
		if err != nil {
			att.Outcome, att.Err = OutcomeFailed, err
		}
		rep.add(att)

		switch {
		case err == nil:
			if merr := d.d.Groups.MarkSent(ctx, req.AccountID, g.GroupID, d.d.Clock.Now()); merr != nil {
				log.Warn("mark sent failed", logx.Int64("group_id", g.GroupID), logx.Err(merr))
			}
		case errors.Is(err, domain.ErrAccountUnusable):
			fatal = err
		case errors.Is(err, domain.ErrGroupUnavailable):
			d.deactivate(ctx, log, req.AccountID, g, err)
		default:
			log.Warn("send failed", logx.Int64("group_id", g.GroupID), logx.String("title", g.Title), logx.Err(err))
		}
		if fatal != nil {
			log.Error("account unusable, abandoning cycle", logx.Err(err))
			rep.Aborted = true
			break
		}
	}

	rep.FinishedAt = d.d.Clock.Now()
	d.record(ctx, log, rep, loc)
	return rep, fatal
}

func (d *Dispatcher) deactivate(ctx context.Context, log logx.Logger, accountID int64, g domain.Group, cause error) {
	reason := domain.CodeOf(cause)
	if de := domain.AsError(cause); de.Message != "" {
		reason = de.Message
	}
	if err := d.d.Groups.MarkInactive(ctx, accountID, g.GroupID, reason); err != nil {
		log.Warn("mark group inactive failed", logx.Int64("group_id", g.GroupID), logx.Err(err))
		return
	}
	log.Info("group deactivated", logx.Int64("group_id", g.GroupID), logx.String("title", g.Title), logx.String("reason", reason))
	d.d.Bus.Publish(eventbus.Event{Type: eventbus.GroupDeactivated, Time: d.d.Clock.Now(), Data: g})
}

func (d *Dispatcher) record(ctx context.Context, log logx.Logger, rep CycleReport, loc *time.Location) {
	if d.d.Stats != nil {
		err := d.d.Stats.RecordCycle(ctx, domain.CycleStats{
			CycleID:   rep.CycleID,
			UserID:    rep.UserID,
			AccountID: rep.AccountID,
			Sent:      rep.Sent,
			Failed:    rep.Failed,
			Skipped:   rep.Skipped,
			StartedAt: rep.StartedAt,
			Duration:  rep.FinishedAt.Sub(rep.StartedAt),
		})
		if err != nil {
			log.Warn("record cycle failed", logx.Err(err))
		}
		day := rep.StartedAt.In(loc).Format(time.DateOnly)
		if err := d.d.Stats.AddDailySent(ctx, rep.AccountID, day, rep.Sent); err != nil {
			log.Warn("daily counter failed", logx.Err(err))
		}
	}
	log.Info("cycle finished",
		logx.Int("sent", rep.Sent),
		logx.Int("failed", rep.Failed),
		logx.Int("skipped", rep.Skipped),
		logx.Bool("aborted", rep.Aborted),
		logx.Duration("took", rep.FinishedAt.Sub(rep.StartedAt)),
	)
	d.d.Bus.Publish(eventbus.Event{Type: eventbus.BroadcastCycle, Time: rep.FinishedAt, Data: rep})
}

// randDelay is uniform in [lo, hi].
func randDelay(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + rand.N(hi-lo+1)
}
