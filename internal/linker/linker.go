// Package linker turns a phone number or a QR scan into a linked account with
// a durable session credential.
//
// Every user has at most one pending attempt, held in memory only. An attempt
// walks PHONE_SUBMITTED -> CODE_SENT -> AWAITING_OTP and ends LINKED, or
// detours through AWAITING_PASSWORD when two-step verification is on. Wrong
// passwords are counted per user in a lockout table that outlives single
// attempts.
package linker

import (
	"context"
	"sync"
	"time"

	"groupcast/internal/domain"
	"groupcast/internal/eventbus"
	"groupcast/internal/floodguard"
	"groupcast/internal/runtime/supervisor"
	"groupcast/internal/transport"
	logx "groupcast/pkg/logx"
)

type Phase string

// A QR attempt sits in CODE_SENT while login tokens are on screen.
const (
	PhasePhoneSubmitted   Phase = "PHONE_SUBMITTED"
	PhaseCodeSent         Phase = "CODE_SENT"
	PhaseAwaitingOTP      Phase = "AWAITING_OTP"
	PhaseAwaitingPassword Phase = "AWAITING_PASSWORD"
	PhaseLocked           Phase = "LOCKED"
	PhaseLinked           Phase = "LINKED"
	PhaseFailed           Phase = "FAILED"
	PhaseCancelled        Phase = "CANCELLED"
)

// Terminal reports whether no further transition can happen.
func (p Phase) Terminal() bool {
	return p == PhaseLinked || p == PhaseFailed || p == PhaseCancelled
}

type Method string

const (
	MethodPhone Method = "phone"
	MethodQR    Method = "qr"
)

type Config struct {
	PendingTTL          time.Duration
	PasswordMaxAttempts int
	PasswordCooldown    time.Duration
	QRTimeout           time.Duration

	ChannelUsername string
	JoinChannel     bool
	VerifyOnLink    bool
}

func DefaultConfig() Config {
	return Config{
		PendingTTL:          5 * time.Minute,
		PasswordMaxAttempts: 3,
		PasswordCooldown:    5 * time.Minute,
		QRTimeout:           2 * time.Minute,
	}
}

func (c Config) normalized() Config {
	def := DefaultConfig()
	if c.PendingTTL <= 0 {
		c.PendingTTL = def.PendingTTL
	}
	if c.PasswordMaxAttempts <= 0 {
		c.PasswordMaxAttempts = def.PasswordMaxAttempts
	}
	if c.PasswordCooldown <= 0 {
		c.PasswordCooldown = def.PasswordCooldown
	}
	if c.QRTimeout <= 0 {
		c.QRTimeout = def.QRTimeout
	}
	return c
}

// Presenter shows asynchronous QR login progress to the user's chat.
type Presenter interface {
	ShowQR(ctx context.Context, chatID int64, png []byte, expires time.Time) error
	PasswordRequired(ctx context.Context, chatID int64) error
	WebLoginDone(ctx context.Context, chatID int64, acc domain.LinkedAccount, err *domain.Error)
}

type NopPresenter struct{}

func (NopPresenter) ShowQR(context.Context, int64, []byte, time.Time) error { return nil }
func (NopPresenter) PasswordRequired(context.Context, int64) error          { return nil }
func (NopPresenter) WebLoginDone(context.Context, int64, domain.LinkedAccount, *domain.Error) {
}

// JobStopper force-stops broadcasting before an account disappears.
type JobStopper interface {
	ForceStopAccount(ctx context.Context, accountID int64) error
}

// SessionReleaser drops cached connections of an account.
type SessionReleaser interface {
	Release(accountID int64)
}

// StateForgetter drops per-account sending state kept in memory.
type StateForgetter interface {
	Forget(accountID int64)
}

type attempt struct {
	userID int64
	chatID int64
	phone  string
	method Method
	hs     transport.Handshake

	// guarded by Linker.mu
	phase   Phase
	otp     []byte
	touched time.Time
	cancel  context.CancelFunc // QR flow only

	// op serializes calls on hs
	op sync.Mutex
}

type lockout struct {
	failures    int
	lastFailure time.Time
	until       time.Time
}

type Deps struct {
	Driver    transport.LoginDriver
	Guard     *floodguard.Guard
	Creds     domain.CredentialStore
	Users     domain.UserDirectory
	Notifier  domain.AdminNotifier
	Bus       eventbus.Bus
	Presenter Presenter
	Jobs      JobStopper
	Sessions  SessionReleaser
	Dispatch  StateForgetter
	Sup       *supervisor.Supervisor
	Log       logx.Logger
}

// Linker is safe for concurrent use.
type Linker struct {
	d   Deps
	log logx.Logger
	now func() time.Time

	mu      sync.Mutex
	cfg     Config
	pending map[int64]*attempt
	locks   map[int64]*lockout
}

func New(cfg Config, d Deps) *Linker {
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	if d.Notifier == nil {
		d.Notifier = domain.NopNotifier{}
	}
	if d.Bus == nil {
		d.Bus = eventbus.Nop{}
	}
	if d.Presenter == nil {
		d.Presenter = NopPresenter{}
	}
	if d.Guard == nil {
		d.Guard = floodguard.New(floodguard.DefaultConfig(), floodguard.WithLogger(d.Log))
	}
	if d.Sup == nil {
		d.Sup = supervisor.New(context.Background(), supervisor.WithLogger(d.Log))
	}
	return &Linker{
		d:       d,
		log:     d.Log,
		now:     time.Now,
		cfg:     cfg.normalized(),
		pending: map[int64]*attempt{},
		locks:   map[int64]*lockout{},
	}
}

// Apply swaps the policy. Running attempts keep their phase; new limits apply
// from the next call.
func (l *Linker) Apply(cfg Config) {
	l.mu.Lock()
	l.cfg = cfg.normalized()
	l.mu.Unlock()
}

func (l *Linker) config() Config {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cfg
}

// Pending is a read-only view of a user's attempt.
type Pending struct {
	Phase     Phase
	Method    Method
	Phone     string
	OTPBuffer string
	ExpiresAt time.Time
}

// Pending returns the live attempt of the user, if any.
func (l *Linker) Pending(userID int64) (Pending, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	a := l.liveLocked(userID)
	if a == nil {
		return Pending{}, false
	}
	phase := a.phase
	if phase == PhaseLocked && l.lockRemainingLocked(userID) == 0 {
		phase = PhaseAwaitingPassword
	}
	return Pending{
		Phase:     phase,
		Method:    a.method,
		Phone:     a.phone,
		OTPBuffer: string(a.otp),
		ExpiresAt: a.touched.Add(l.cfg.PendingTTL),
	}, true
}

func (l *Linker) Phase(userID int64) (Phase, bool) {
	p, ok := l.Pending(userID)
	return p.Phase, ok
}

// liveLocked returns the attempt unless its TTL ran out, in which case it is
// cancelled on the spot.
func (l *Linker) liveLocked(userID int64) *attempt {
	a := l.pending[userID]
	if a == nil {
		return nil
	}
	if l.now().Sub(a.touched) > l.cfg.PendingTTL {
		l.dropLocked(a, PhaseCancelled)
		l.log.Info("auth attempt expired", logx.Int64("user_id", userID))
		return nil
	}
	return a
}

// dropLocked removes a from the table and releases its handshake.
func (l *Linker) dropLocked(a *attempt, final Phase) {
	if cur := l.pending[a.userID]; cur == a {
		delete(l.pending, a.userID)
	}
	a.phase = final
	if a.cancel != nil {
		a.cancel()
	}
	if a.hs != nil {
		hs := a.hs
		go func() { _ = hs.Close() }()
	}
	if final == PhaseCancelled {
		l.d.Bus.Publish(eventbus.Event{Type: eventbus.AuthCancelled, Time: l.now(), Data: a.userID})
	}
}

func (l *Linker) drop(a *attempt, final Phase) {
	l.mu.Lock()
	l.dropLocked(a, final)
	l.mu.Unlock()
}

func (l *Linker) touchLocked(a *attempt) { a.touched = l.now() }

// installLocked makes a the user's attempt. An attempt installed by a
// concurrent call in the meantime is cancelled and its handshake closed.
func (l *Linker) installLocked(a *attempt) {
	if prev := l.pending[a.userID]; prev != nil && prev != a {
		l.dropLocked(prev, PhaseCancelled)
	}
	l.touchLocked(a)
	l.pending[a.userID] = a
}

// lockRemainingLocked returns how long the user stays locked out. An expired
// lock resets the failure counter.
func (l *Linker) lockRemainingLocked(userID int64) time.Duration {
	lk := l.locks[userID]
	if lk == nil || lk.until.IsZero() {
		return 0
	}
	rem := lk.until.Sub(l.now())
	if rem <= 0 {
		delete(l.locks, userID)
		return 0
	}
	return rem
}

// Cancel aborts the user's attempt of any method. It reports whether one was
// in flight.
func (l *Linker) Cancel(userID int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	a := l.pending[userID]
	if a == nil {
		return false
	}
	l.dropLocked(a, PhaseCancelled)
	return true
}

// CancelWebLogin aborts an in-flight QR flow. Safe to call when none is
// running.
func (l *Linker) CancelWebLogin(userID int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	a := l.pending[userID]
	if a == nil || a.method != MethodQR {
		return false
	}
	l.dropLocked(a, PhaseCancelled)
	return true
}

// Sweep cancels attempts idle past the TTL and forgets stale lockouts. It
// returns the number of attempts removed.
func (l *Linker) Sweep(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, a := range l.pending {
		if now.Sub(a.touched) > l.cfg.PendingTTL {
			l.dropLocked(a, PhaseCancelled)
			n++
		}
	}
	for id, lk := range l.locks {
		switch {
		case !lk.until.IsZero() && !now.Before(lk.until):
			delete(l.locks, id)
		case lk.until.IsZero() && now.Sub(lk.lastFailure) > l.cfg.PasswordCooldown:
			delete(l.locks, id)
		}
	}
	if n > 0 {
		l.log.Debug("auth sweep", logx.Int("expired", n))
	}
	return n
}

// callOpts are the guard options for login calls of one user.
func (l *Linker) callOpts(userID int64) floodguard.Options {
	o := l.d.Guard.Defaults()
	o.ThrowOnFailure = true
	o.Key = "login:" + itoa(userID)
	return o
}
