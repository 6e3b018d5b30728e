package linker

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"groupcast/internal/domain"
	"groupcast/internal/floodguard"
	"groupcast/internal/storage"
	"groupcast/internal/transport"
	logx "groupcast/pkg/logx"
)

type fakeHandshake struct {
	mu       sync.Mutex
	sendErr  error
	codes    []string
	phones   []string
	signIn   func(code string) (transport.Identity, error)
	password func(pw string) (transport.Identity, error)
	qr       func(ctx context.Context, show func(context.Context, transport.QRToken) error) (transport.Identity, error)
	pwCalls  int
	joined   []string
	closed   atomic.Int32
}

func (h *fakeHandshake) SendCode(_ context.Context, phone string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.phones = append(h.phones, phone)
	return h.sendErr
}

func (h *fakeHandshake) SignIn(_ context.Context, code string) (transport.Identity, error) {
	h.mu.Lock()
	h.codes = append(h.codes, code)
	fn := h.signIn
	h.mu.Unlock()
	return fn(code)
}

func (h *fakeHandshake) Password(_ context.Context, pw string) (transport.Identity, error) {
	h.mu.Lock()
	h.pwCalls++
	fn := h.password
	h.mu.Unlock()
	return fn(pw)
}

func (h *fakeHandshake) QR(ctx context.Context, show func(context.Context, transport.QRToken) error) (transport.Identity, error) {
	return h.qr(ctx, show)
}

func (h *fakeHandshake) JoinChannel(_ context.Context, username string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.joined = append(h.joined, username)
	return nil
}

func (h *fakeHandshake) Session(context.Context) ([]byte, error) { return []byte("session"), nil }

func (h *fakeHandshake) Close() error {
	h.closed.Add(1)
	return nil
}

type fakeDriver struct{ hs *fakeHandshake }

func (d fakeDriver) Begin(context.Context) (transport.Handshake, error) { return d.hs, nil }

type presenterSpy struct {
	mu       sync.Mutex
	qrShown  int
	pwPrompt chan int64
	done     chan *domain.Error
}

func newPresenterSpy() *presenterSpy {
	return &presenterSpy{pwPrompt: make(chan int64, 1), done: make(chan *domain.Error, 1)}
}

func (p *presenterSpy) ShowQR(_ context.Context, _ int64, png []byte, _ time.Time) error {
	if len(png) == 0 {
		return errors.New("empty png")
	}
	p.mu.Lock()
	p.qrShown++
	p.mu.Unlock()
	return nil
}

func (p *presenterSpy) PasswordRequired(_ context.Context, chatID int64) error {
	p.pwPrompt <- chatID
	return nil
}

func (p *presenterSpy) WebLoginDone(_ context.Context, _ int64, _ domain.LinkedAccount, err *domain.Error) {
	p.done <- err
}

type stopperSpy struct {
	store     *storage.Store
	stopped   []int64
	existed   bool
	wasActive bool
}

func (s *stopperSpy) ForceStopAccount(ctx context.Context, accountID int64) error {
	s.stopped = append(s.stopped, accountID)
	acc, err := s.store.Account(ctx, accountID)
	s.existed = err == nil
	s.wasActive = acc.IsActive
	return nil
}

type forgetSpy struct{ forgot []int64 }

func (f *forgetSpy) Forget(accountID int64) { f.forgot = append(f.forgot, accountID) }

// gateDriver hands out a fresh handshake per Begin and holds every caller
// until want of them are inside.
type gateDriver struct {
	mu   sync.Mutex
	want int
	hss  []*fakeHandshake
	gate chan struct{}
}

func newGateDriver(want int) *gateDriver {
	return &gateDriver{want: want, gate: make(chan struct{})}
}

func (d *gateDriver) Begin(context.Context) (transport.Handshake, error) {
	hs := &fakeHandshake{}
	d.mu.Lock()
	d.hss = append(d.hss, hs)
	if len(d.hss) == d.want {
		close(d.gate)
	}
	d.mu.Unlock()
	<-d.gate
	return hs, nil
}

func (d *gateDriver) handshakes() []*fakeHandshake {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*fakeHandshake(nil), d.hss...)
}

type fixture struct {
	l      *Linker
	hs     *fakeHandshake
	store  *storage.Store
	pres   *presenterSpy
	jobs   *stopperSpy
	forget *forgetSpy
	clock  *time.Time
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	st, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "l.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	hs := &fakeHandshake{
		signIn: func(string) (transport.Identity, error) {
			return transport.Identity{AccountID: 777, DisplayName: "Ann"}, nil
		},
		password: func(string) (transport.Identity, error) {
			return transport.Identity{AccountID: 777, DisplayName: "Ann"}, nil
		},
	}
	guard := floodguard.New(floodguard.DefaultConfig(),
		floodguard.WithSleeper(func(ctx context.Context, _ time.Duration) error { return ctx.Err() }))
	pres := newPresenterSpy()
	jobs := &stopperSpy{store: st}
	forget := &forgetSpy{}
	l := New(cfg, Deps{
		Driver:    fakeDriver{hs: hs},
		Guard:     guard,
		Creds:     st,
		Users:     st,
		Presenter: pres,
		Jobs:      jobs,
		Dispatch:  forget,
	})
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	return &fixture{l: l, hs: hs, store: st, pres: pres, jobs: jobs, forget: forget, clock: &now}
}

func (f *fixture) advance(d time.Duration) { *f.clock = f.clock.Add(d) }

func TestNormalizePhone(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"+1 (555) 123-4567", "+15551234567", true},
		{"628123456789", "+628123456789", true},
		{"+0123456789", "", false},
		{"12345", "", false},
		{"+1555abc4567", "", false},
	}
	for _, tc := range tests {
		got, ok := NormalizePhone(tc.in)
		if ok != tc.ok || got != tc.want {
			t.Fatalf("NormalizePhone(%q) = %q,%v want %q,%v", tc.in, got, ok, tc.want, tc.ok)
		}
	}
}

func TestNormalizeOTP(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in string
		ok bool
	}{
		{"12345", true},
		{"1 2 3 4 5", true},
		{"12-345", true},
		{"1234", false},
		{"123456", false},
		{"12a45", false},
	}
	for _, tc := range tests {
		if _, ok := NormalizeOTP(tc.in); ok != tc.ok {
			t.Fatalf("NormalizeOTP(%q) ok=%v want %v", tc.in, ok, tc.ok)
		}
	}
}

func TestPhoneFlowLinksAccount(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.ChannelUsername = "updates"
	cfg.JoinChannel = true
	cfg.VerifyOnLink = true
	f := newFixture(t, cfg)

	res := f.l.InitiateLink(ctx, 1, 1, "555")
	require.NotNil(t, res.Err)
	assert.Equal(t, domain.CodePhoneInvalid, res.Err.Code)
	_, pending := f.l.Pending(1)
	assert.False(t, pending)

	res = f.l.InitiateLink(ctx, 1, 1, "+1 555 123 4567")
	require.True(t, res.Success)
	assert.Equal(t, PhaseAwaitingOTP, res.Phase)
	assert.Equal(t, []string{"+15551234567"}, f.hs.phones)

	v := f.l.VerifyOTP(ctx, 1, "12 34")
	require.NotNil(t, v.Err)
	assert.Equal(t, domain.KindValidation, v.Err.Kind)
	assert.Empty(t, f.hs.codes, "format errors never reach the platform")

	v = f.l.VerifyOTP(ctx, 1, "12-345")
	require.True(t, v.Success, "err: %v", v.Err)
	assert.Equal(t, int64(777), v.Account.AccountID)
	assert.Equal(t, []string{"12345"}, f.hs.codes)
	assert.Equal(t, []string{"updates"}, f.hs.joined)

	_, pending = f.l.Pending(1)
	assert.False(t, pending)

	acc, err := f.store.Account(ctx, 777)
	require.NoError(t, err)
	assert.Equal(t, int64(1), acc.OwnerUserID)
	assert.Equal(t, "+15551234567", acc.Phone)
	blob, err := f.store.Session(ctx, 777)
	require.NoError(t, err)
	assert.Equal(t, []byte("session"), blob)
	u, err := f.store.User(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(777), u.ActiveAccountID)
	assert.True(t, u.Verified)
	assert.Eventually(t, func() bool { return f.hs.closed.Load() > 0 }, time.Second, 5*time.Millisecond)
}

func TestOTPKeypadBuffer(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, DefaultConfig())
	require.True(t, f.l.InitiateLink(ctx, 1, 1, "+15551234567").Success)

	for _, d := range []byte("123") {
		_, err := f.l.TypeOTPDigit(1, d)
		require.Nil(t, err)
	}
	buf, derr := f.l.EraseOTPDigit(1)
	require.Nil(t, derr)
	assert.Equal(t, "12", buf)
	for _, d := range []byte("3456") {
		buf, derr = f.l.TypeOTPDigit(1, d)
		require.Nil(t, derr)
	}
	assert.Equal(t, "12345", buf, "buffer stops at five digits")

	v := f.l.SubmitOTPBuffer(ctx, 1)
	require.True(t, v.Success)
	assert.Equal(t, []string{"12345"}, f.hs.codes)
}

func TestExpiredCodeFailsAttempt(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, DefaultConfig())
	f.hs.signIn = func(code string) (transport.Identity, error) {
		if code == "11111" {
			return transport.Identity{}, domain.Auth(domain.CodeOTPInvalid, "wrong code")
		}
		return transport.Identity{}, domain.Auth(domain.CodeOTPExpired, "code expired")
	}
	require.True(t, f.l.InitiateLink(ctx, 1, 1, "+15551234567").Success)

	v := f.l.VerifyOTP(ctx, 1, "11111")
	require.NotNil(t, v.Err)
	assert.Equal(t, domain.CodeOTPInvalid, v.Err.Code)
	phase, ok := f.l.Phase(1)
	require.True(t, ok)
	assert.Equal(t, PhaseAwaitingOTP, phase)

	v = f.l.VerifyOTP(ctx, 1, "22222")
	require.NotNil(t, v.Err)
	assert.Equal(t, domain.CodeOTPExpired, v.Err.Code)
	_, ok = f.l.Phase(1)
	assert.False(t, ok)
}

func TestPasswordLockoutAndReset(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.PendingTTL = 10 * time.Minute
	f := newFixture(t, cfg)
	f.hs.signIn = func(string) (transport.Identity, error) { return transport.Identity{}, transport.ErrPasswordRequired }
	f.hs.password = func(pw string) (transport.Identity, error) {
		if pw != "right" {
			return transport.Identity{}, domain.Auth(domain.CodePasswordInvalid, "wrong password")
		}
		return transport.Identity{AccountID: 777}, nil
	}

	require.True(t, f.l.InitiateLink(ctx, 1, 1, "+15551234567").Success)
	v := f.l.VerifyOTP(ctx, 1, "12345")
	require.True(t, v.RequiresPassword)
	require.Nil(t, v.Err)

	r := f.l.VerifyPassword(ctx, 1, "nope")
	assert.Equal(t, 2, r.RemainingAttempts)
	r = f.l.VerifyPassword(ctx, 1, "nope")
	assert.Equal(t, 1, r.RemainingAttempts)
	r = f.l.VerifyPassword(ctx, 1, "nope")
	assert.True(t, r.MaxAttemptsReached)
	assert.Equal(t, 5*time.Minute, r.CooldownRemaining)
	phase, _ := f.l.Phase(1)
	assert.Equal(t, PhaseLocked, phase)

	f.advance(time.Minute)
	r = f.l.VerifyPassword(ctx, 1, "right")
	assert.True(t, r.MaxAttemptsReached, "fourth attempt is rejected during cooldown")
	assert.Equal(t, 4*time.Minute, r.CooldownRemaining)
	assert.Equal(t, 3, f.hs.pwCalls)

	lr := f.l.InitiateLink(ctx, 1, 1, "+15551234567")
	require.NotNil(t, lr.Err)
	assert.Equal(t, domain.CodePasswordLocked, lr.Err.Code)

	f.advance(4*time.Minute + time.Second)
	r = f.l.VerifyPassword(ctx, 1, "wrong")
	assert.Equal(t, 2, r.RemainingAttempts, "counter resets when the cooldown expires")
	r = f.l.VerifyPassword(ctx, 1, "right")
	require.True(t, r.Success, "err: %v", r.Err)

	f.l.mu.Lock()
	_, locked := f.l.locks[1]
	f.l.mu.Unlock()
	assert.False(t, locked, "success clears the counter")
}

func TestPendingAttemptExpires(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, DefaultConfig())
	require.True(t, f.l.InitiateLink(ctx, 1, 1, "+15551234567").Success)

	f.advance(4 * time.Minute)
	_, ok := f.l.Pending(1)
	require.True(t, ok)
	assert.Zero(t, f.l.Sweep(*f.clock))

	f.advance(2 * time.Minute)
	assert.Equal(t, 1, f.l.Sweep(*f.clock))
	v := f.l.VerifyOTP(ctx, 1, "12345")
	require.NotNil(t, v.Err)
	assert.Equal(t, domain.CodeNoPendingAuth, v.Err.Code)
}

func TestSendCodeFloodWaitAboveLimit(t *testing.T) {
	t.Parallel()
	f := newFixture(t, DefaultConfig())
	f.hs.sendErr = &floodguard.FloodWaitError{Wait: time.Hour}

	res := f.l.InitiateLink(context.Background(), 1, 1, "+15551234567")
	require.NotNil(t, res.Err)
	assert.Equal(t, domain.KindRateLimit, res.Err.Kind)
	assert.Equal(t, time.Hour, res.Err.RetryAfter)
	assert.Len(t, f.hs.phones, 1, "waits above the limit are not retried")
	_, ok := f.l.Pending(1)
	assert.False(t, ok)
}

func TestWebLoginWithPassword(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, DefaultConfig())
	f.hs.qr = func(ctx context.Context, show func(context.Context, transport.QRToken) error) (transport.Identity, error) {
		if err := show(ctx, transport.QRToken{URL: "tg://login?token=abc", Expires: time.Now().Add(30 * time.Second)}); err != nil {
			return transport.Identity{}, err
		}
		return transport.Identity{}, transport.ErrPasswordRequired
	}

	res := f.l.InitiateWebLogin(ctx, 1, 99)
	require.True(t, res.Started, "err: %v", res.Err)

	select {
	case chatID := <-f.pres.pwPrompt:
		assert.Equal(t, int64(99), chatID)
	case <-time.After(2 * time.Second):
		t.Fatal("password prompt not shown")
	}
	phase, _ := f.l.Phase(1)
	assert.Equal(t, PhaseAwaitingPassword, phase)

	r := f.l.VerifyPassword(ctx, 1, "secret")
	require.True(t, r.Success, "err: %v", r.Err)
	assert.Equal(t, 1, f.pres.qrShown)
}

func TestCancelWebLoginIsIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, DefaultConfig())
	f.hs.qr = func(ctx context.Context, show func(context.Context, transport.QRToken) error) (transport.Identity, error) {
		if err := show(ctx, transport.QRToken{URL: "tg://login?token=abc"}); err != nil {
			return transport.Identity{}, err
		}
		<-ctx.Done()
		return transport.Identity{}, ctx.Err()
	}

	assert.False(t, f.l.CancelWebLogin(1))
	require.True(t, f.l.InitiateWebLogin(ctx, 1, 99).Started)
	assert.True(t, f.l.CancelWebLogin(1))
	assert.False(t, f.l.CancelWebLogin(1))

	assert.Eventually(t, func() bool { return f.hs.closed.Load() > 0 }, time.Second, 5*time.Millisecond)
	select {
	case err := <-f.pres.done:
		t.Fatalf("cancelled login reported %v", err)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnlinkStopsJobBeforeDelete(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, DefaultConfig())
	require.True(t, f.l.InitiateLink(ctx, 1, 1, "+15551234567").Success)
	require.True(t, f.l.VerifyOTP(ctx, 1, "12345").Success)

	derr := f.l.Unlink(ctx, 2, 777)
	require.NotNil(t, derr)
	assert.Equal(t, domain.KindNotFound, derr.Kind)

	require.Nil(t, f.l.Unlink(ctx, 1, 777))
	assert.Equal(t, []int64{777}, f.jobs.stopped)
	assert.True(t, f.jobs.existed, "job stopped while the account still existed")
	assert.False(t, f.jobs.wasActive, "account deactivated before the job was stopped")
	assert.Equal(t, []int64{777}, f.forget.forgot)
	_, err := f.store.Account(ctx, 777)
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestConcurrentLinksKeepOneAttempt(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, DefaultConfig())
	drv := newGateDriver(2)
	f.l.d.Driver = drv

	var wg sync.WaitGroup
	results := make([]LinkResult, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = f.l.InitiateLink(ctx, 1, 1, "+15551234567")
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, r := range results {
		if r.Success {
			ok++
		}
	}
	assert.GreaterOrEqual(t, ok, 1)
	p, live := f.l.Pending(1)
	require.True(t, live)
	assert.Equal(t, PhaseAwaitingOTP, p.Phase)

	require.True(t, f.l.Cancel(1))
	hss := drv.handshakes()
	require.Len(t, hss, 2)
	for i, hs := range hss {
		assert.Eventually(t, func() bool { return hs.closed.Load() > 0 }, time.Second, 5*time.Millisecond,
			"handshake %d left open", i)
	}
}
