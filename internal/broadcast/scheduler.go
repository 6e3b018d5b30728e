package broadcast

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"groupcast/internal/domain"
	"groupcast/internal/eventbus"
	"groupcast/internal/runtime/supervisor"
	logx "groupcast/pkg/logx"
)

// CycleRunner executes one cycle. *Dispatcher implements it.
type CycleRunner interface {
	RunCycle(ctx context.Context, req CycleRequest) (CycleReport, error)
}

// TagVerifier checks the live profile of an account for the required
// markers.
type TagVerifier interface {
	HasTags(ctx context.Context, accountID int64) (bool, error)
}

type Config struct {
	Location     *time.Location
	JitterMax    time.Duration
	TagsRequired bool
}

type SchedulerDeps struct {
	Creds    domain.CredentialStore
	Users    domain.UserDirectory
	Content  domain.ConfigService
	Runner   CycleRunner
	Tags     TagVerifier
	Notifier domain.AdminNotifier
	Bus      eventbus.Bus
	Clock    Clock
	Sup      *supervisor.Supervisor
	Log      logx.Logger
}

type jobKey struct{ userID, accountID int64 }

type job struct {
	key     jobKey
	started time.Time

	// guarded by Scheduler.mu
	status     Status
	timer      Timer
	stop       chan struct{}
	inflight   chan struct{} // closed when the running cycle returns; nil when idle
	cycle      int
	lastFire   time.Time
	nextFire   time.Time
	lastSkip   string
	lastReport *CycleReport
}

// Scheduler owns broadcast jobs. At most one job exists per (user, account)
// and each job has at most one pending timer; a cycle is re-armed only after
// the previous one returned.
type Scheduler struct {
	d   SchedulerDeps
	log logx.Logger

	mu   sync.Mutex
	cfg  Config
	jobs map[jobKey]*job
}

func NewScheduler(cfg Config, d SchedulerDeps) *Scheduler {
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	if d.Clock == nil {
		d.Clock = RealClock()
	}
	if d.Bus == nil {
		d.Bus = eventbus.Nop{}
	}
	if d.Notifier == nil {
		d.Notifier = domain.NopNotifier{}
	}
	if d.Sup == nil {
		d.Sup = supervisor.New(context.Background(), supervisor.WithLogger(d.Log))
	}
	s := &Scheduler{d: d, log: d.Log, jobs: map[jobKey]*job{}}
	s.Apply(cfg)
	return s
}

// Apply swaps timing policy. Running jobs pick it up at their next fire.
func (s *Scheduler) Apply(cfg Config) {
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.JitterMax < 0 {
		cfg.JitterMax = 0
	}
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

func (s *Scheduler) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

func (s *Scheduler) snapshotLocked(j *job) JobSnapshot {
	return JobSnapshot{
		UserID:     j.key.userID,
		AccountID:  j.key.accountID,
		Status:     j.status,
		Cycle:      j.cycle,
		StartedAt:  j.started,
		LastFireAt: j.lastFire,
		NextFireAt: j.nextFire,
		LastSkip:   j.lastSkip,
		LastReport: j.lastReport,
	}
}

func (s *Scheduler) IsBroadcasting(userID, accountID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	j := s.jobs[jobKey{userID, accountID}]
	return j != nil && j.status == StatusRunning
}

// Status returns the job state; an absent job is IDLE.
func (s *Scheduler) Status(userID, accountID int64) JobSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	j := s.jobs[jobKey{userID, accountID}]
	if j == nil {
		return JobSnapshot{UserID: userID, AccountID: accountID, Status: StatusIdle}
	}
	return s.snapshotLocked(j)
}

// Jobs lists live jobs ordered by user then account.
func (s *Scheduler) Jobs() []JobSnapshot {
	s.mu.Lock()
	out := make([]JobSnapshot, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, s.snapshotLocked(j))
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, k int) bool {
		if out[i].UserID != out[k].UserID {
			return out[i].UserID < out[k].UserID
		}
		return out[i].AccountID < out[k].AccountID
	})
	return out
}

// StartBroadcast starts a job for the pair and fires its first cycle at
// once.
func (s *Scheduler) StartBroadcast(ctx context.Context, userID, accountID int64) BroadcastResult {
	key := jobKey{userID, accountID}
	if s.IsBroadcasting(userID, accountID) {
		return s.alreadyRunning(key)
	}
	if derr := s.checkStart(ctx, userID, accountID); derr != nil {
		return BroadcastResult{Status: StatusIdle, Err: derr}
	}

	s.mu.Lock()
	if cur := s.jobs[key]; cur != nil && cur.status == StatusRunning {
		s.mu.Unlock()
		return s.alreadyRunning(key)
	}
	// a job still STOPPING is replaced; its cycle sees the closed stop
	// channel and the dispatcher lock keeps the two from overlapping
	j := &job{key: key, started: s.d.Clock.Now(), status: StatusRunning, stop: make(chan struct{})}
	s.jobs[key] = j
	s.armLocked(j, 0)
	snap := s.snapshotLocked(j)
	s.mu.Unlock()

	s.log.Info("broadcast started", logx.Int64("user_id", userID), logx.Int64("account_id", accountID))
	s.d.Bus.Publish(eventbus.Event{Type: eventbus.BroadcastStarted, Time: snap.StartedAt, Data: snap})
	return BroadcastResult{Success: true, Status: StatusRunning, Job: snap}
}

func (s *Scheduler) alreadyRunning(key jobKey) BroadcastResult {
	return BroadcastResult{
		Status: StatusRunning,
		Job:    s.Status(key.userID, key.accountID),
		Err:    domain.Conflict(domain.CodeAlreadyRunning, "broadcast is already running for this account"),
	}
}

func (s *Scheduler) checkStart(ctx context.Context, userID, accountID int64) *domain.Error {
	acc, err := s.d.Creds.Account(ctx, accountID)
	if err != nil || acc.OwnerUserID != userID {
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return domain.Internal(err)
		}
		return domain.NotFound(domain.CodeAccountNotFound, "no such account")
	}
	if !acc.IsActive {
		return domain.Config(domain.CodeAccountInactive, "/link", "the account session is no longer valid, link it again")
	}

	st, err := s.d.Content.Settings(ctx, accountID)
	if err != nil {
		return domain.Internal(err)
	}
	if _, err := ResolveContent(ctx, s.d.Content, userID, accountID, st); err != nil {
		return domain.AsError(err)
	}

	if !s.config().TagsRequired {
		return nil
	}
	user, err := s.d.Users.EnsureUser(ctx, userID)
	if err != nil {
		return domain.Internal(err)
	}
	if user.Premium {
		return nil
	}
	tagged := acc.ProfileTagsApplied
	if s.d.Tags != nil {
		live, err := s.d.Tags.HasTags(ctx, accountID)
		switch {
		case err != nil:
			s.log.Warn("profile tag check failed, using stored flag", logx.Int64("account_id", accountID), logx.Err(err))
		case live != tagged:
			tagged = live
			if err := s.d.Creds.SetTagsApplied(ctx, accountID, live); err != nil {
				s.log.Warn("refresh tag flag failed", logx.Err(err))
			}
		}
	}
	if !tagged {
		return domain.Config(domain.CodeTagsRequired, "/tags", "the account profile must carry the required tags")
	}
	return nil
}

// StopBroadcast flips the job to STOPPING at once, cancels its timer, waits
// (bounded by ctx) for an in-flight cycle to give up and settles to IDLE.
// Stopping an idle pair succeeds.
func (s *Scheduler) StopBroadcast(ctx context.Context, userID, accountID int64) BroadcastResult {
	s.mu.Lock()
	j := s.jobs[jobKey{userID, accountID}]
	s.mu.Unlock()
	if j == nil {
		return BroadcastResult{Success: true, Status: StatusIdle}
	}
	s.stopJob(ctx, j, eventbus.BroadcastStopped)
	return BroadcastResult{Success: true, Status: StatusIdle}
}

func (s *Scheduler) stopJob(ctx context.Context, j *job, event string) {
	s.mu.Lock()
	if j.status == StatusRunning {
		j.status = StatusStopping
		if j.timer != nil {
			j.timer.Stop()
			j.timer = nil
		}
		close(j.stop)
	}
	inflight := j.inflight
	s.mu.Unlock()

	if inflight != nil {
		select {
		case <-inflight:
		case <-ctx.Done():
			s.log.Warn("stop did not wait for the running cycle", logx.Int64("account_id", j.key.accountID), logx.Err(ctx.Err()))
		}
	}
	s.settle(j)
	s.log.Info("broadcast stopped", logx.Int64("user_id", j.key.userID), logx.Int64("account_id", j.key.accountID))
	s.d.Bus.Publish(eventbus.Event{Type: event, Time: s.d.Clock.Now(), Data: j.key.accountID})
}

// settle moves j to IDLE and removes it.
func (s *Scheduler) settle(j *job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j.status = StatusIdle
	j.nextFire = time.Time{}
	if s.jobs[j.key] == j {
		delete(s.jobs, j.key)
	}
}

// ForceStopAccount stops every job of the account, used before the account
// is deleted.
func (s *Scheduler) ForceStopAccount(ctx context.Context, accountID int64) error {
	s.mu.Lock()
	var victims []*job
	for _, j := range s.jobs {
		if j.key.accountID == accountID {
			victims = append(victims, j)
		}
	}
	s.mu.Unlock()
	for _, j := range victims {
		s.stopJob(ctx, j, eventbus.BroadcastForceStop)
	}
	return ctx.Err()
}

// StopAll stops every job, on shutdown.
func (s *Scheduler) StopAll(ctx context.Context) {
	s.mu.Lock()
	victims := make([]*job, 0, len(s.jobs))
	for _, j := range s.jobs {
		victims = append(victims, j)
	}
	s.mu.Unlock()
	for _, j := range victims {
		s.stopJob(ctx, j, eventbus.BroadcastStopped)
	}
}

// armLocked schedules the next fire of j in d.
func (s *Scheduler) armLocked(j *job, d time.Duration) {
	if d < 0 {
		d = 0
	}
	j.nextFire = s.d.Clock.Now().Add(d)
	j.timer = s.d.Clock.AfterFunc(d, func() {
		s.d.Sup.Go0("broadcast.fire", func(ctx context.Context) { s.fire(ctx, j) })
	})
}

func (s *Scheduler) jitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return rand.N(max + 1)
}

// gate decides whether a cycle may run at t. When it may not, resume is the
// earliest instant worth re-checking.
func gate(st domain.Settings, t time.Time) (ok bool, reason string, resume time.Time) {
	if w := st.ScheduleWindow; w != nil && !w.Empty() && !w.Contains(t) {
		return false, "outside schedule window " + w.String(), w.NextStart(t)
	}
	if q := st.QuietHours; q != nil && q.Contains(t) {
		return false, "quiet hours " + q.String(), q.NextEnd(t)
	}
	return true, "", time.Time{}
}

func (s *Scheduler) fire(ctx context.Context, j *job) {
	s.mu.Lock()
	if s.jobs[j.key] != j || j.status != StatusRunning {
		s.mu.Unlock()
		return
	}
	j.timer = nil
	done := make(chan struct{})
	j.inflight = done
	stop := j.stop
	cycle := j.cycle + 1
	lastFire := j.lastFire
	s.mu.Unlock()

	cfg := s.config()
	log := s.log.With(logx.Int64("user_id", j.key.userID), logx.Int64("account_id", j.key.accountID))

	var next time.Duration
	defer func() {
		s.mu.Lock()
		j.inflight = nil
		close(done)
		if s.jobs[j.key] == j && j.status == StatusRunning {
			s.armLocked(j, next)
		}
		s.mu.Unlock()
	}()
	defer func() {
		if r := recover(); r != nil {
			log.Error("broadcast cycle panicked", logx.Any("panic", r))
			next = domain.MinIntervalMinutes * time.Minute
		}
	}()

	st, err := s.d.Content.Settings(ctx, j.key.accountID)
	if err != nil {
		log.Error("load settings failed, retrying next interval", logx.Err(err))
		next = domain.MinIntervalMinutes * time.Minute
		return
	}
	interval := st.Interval()
	now := s.d.Clock.Now()

	if ok, reason, resume := gate(st, now.In(cfg.Location)); !ok {
		at := resume
		if !lastFire.IsZero() && at.Before(lastFire.Add(interval)) {
			at = lastFire.Add(interval)
		}
		next = at.Sub(now) + s.jitter(cfg.JitterMax)
		s.mu.Lock()
		j.lastSkip = reason
		s.mu.Unlock()
		log.Info("cycle skipped", logx.String("reason", reason), logx.Time("resume_at", at))
		s.d.Bus.Publish(eventbus.Event{Type: eventbus.BroadcastSkipped, Time: now, Data: reason})
		return
	}

	s.mu.Lock()
	j.cycle = cycle
	j.lastFire = now
	j.lastSkip = ""
	s.mu.Unlock()

	rep, err := s.d.Runner.RunCycle(ctx, CycleRequest{
		UserID:    j.key.userID,
		AccountID: j.key.accountID,
		Cycle:     cycle,
		Settings:  st,
		Location:  cfg.Location,
		Stop:      stop,
	})
	s.mu.Lock()
	j.lastReport = &rep
	s.mu.Unlock()

	switch {
	case errors.Is(err, domain.ErrAccountUnusable):
		s.accountUnusable(ctx, j, err)
		return
	case err != nil:
		log.Warn("cycle failed", logx.Err(err))
	}

	at := now.Add(interval)
	if after := s.d.Clock.Now(); after.After(at) {
		at = after
	}
	next = at.Sub(s.d.Clock.Now()) + s.jitter(cfg.JitterMax)
}

// accountUnusable runs from inside the job's own cycle: it cannot wait for
// itself, so it settles the job directly.
func (s *Scheduler) accountUnusable(ctx context.Context, j *job, cause error) {
	s.mu.Lock()
	if j.status == StatusRunning {
		j.status = StatusStopping
		close(j.stop)
	}
	s.mu.Unlock()
	s.settle(j)

	accountID := j.key.accountID
	if err := s.d.Creds.SetAccountActive(ctx, accountID, false); err != nil {
		s.log.Error("mark account inactive failed", logx.Int64("account_id", accountID), logx.Err(err))
	}
	s.log.Error("account unusable, broadcast force-stopped", logx.Int64("account_id", accountID), logx.Err(cause))
	s.d.Bus.Publish(eventbus.Event{Type: eventbus.AccountUnusable, Time: s.d.Clock.Now(), Data: accountID})
	s.d.Notifier.NotifyAdmin(ctx, fmt.Sprintf("unusable:%d", accountID),
		fmt.Sprintf("Account %d of user %d was force-stopped: %v", accountID, j.key.userID, cause))
}
