package broadcast

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"groupcast/internal/domain"
	"groupcast/internal/floodguard"
	"groupcast/internal/storage"
	"groupcast/internal/transport"
	logx "groupcast/pkg/logx"
)

type fakeTimer struct {
	c    *fakeClock
	at   time.Time
	f    func()
	dead bool
}

func (t *fakeTimer) Stop() bool {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	was := !t.dead
	t.dead = true
	return was
}

// fakeClock fires timers only from Advance, except zero delays which run at
// once.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

func newFakeClock(now time.Time) *fakeClock { return &fakeClock{now: now} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{c: c, at: c.now.Add(d), f: f}
	if d <= 0 {
		t.dead = true
		go f()
		return t
	}
	c.timers = append(c.timers, t)
	return t
}

// Advance moves time forward and runs the timers that came due.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	keep := c.timers[:0]
	for _, t := range c.timers {
		switch {
		case t.dead:
		case !t.at.After(c.now):
			t.dead = true
			due = append(due, t)
		default:
			keep = append(keep, t)
		}
	}
	c.timers = keep
	c.mu.Unlock()
	sort.Slice(due, func(i, k int) bool { return due[i].at.Before(due[k].at) })
	for _, t := range due {
		go t.f()
	}
}

// Pending counts live timers.
func (c *fakeClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.dead {
			n++
		}
	}
	return n
}

type sendCall struct {
	GroupID int64
	Text    string
}

// fakeClient records sends; failFor decides per-group errors.
type fakeClient struct {
	mu      sync.Mutex
	sends   []sendCall
	failFor func(g domain.Group, attempt int) error
	tries   map[int64]int
	sent    chan int64
}

func newFakeClient() *fakeClient {
	return &fakeClient{tries: map[int64]int{}, sent: make(chan int64, 64)}
}

func (c *fakeClient) Send(_ context.Context, _ int64, g domain.Group, content domain.Content) error {
	c.mu.Lock()
	c.tries[g.GroupID]++
	n := c.tries[g.GroupID]
	fail := c.failFor
	c.mu.Unlock()
	if fail != nil {
		if err := fail(g, n); err != nil {
			return err
		}
	}
	c.mu.Lock()
	c.sends = append(c.sends, sendCall{GroupID: g.GroupID, Text: content.Text})
	c.mu.Unlock()
	select {
	case c.sent <- g.GroupID:
	default:
	}
	return nil
}

func (c *fakeClient) Dialogs(context.Context, int64) ([]domain.Group, error) { return nil, nil }

func (c *fakeClient) Profile(context.Context, int64) (transport.Profile, error) {
	return transport.Profile{}, nil
}

func (c *fakeClient) UpdateProfile(context.Context, int64, string, string) error { return nil }

func (c *fakeClient) Release(int64) {}

func (c *fakeClient) Sends() []sendCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]sendCall(nil), c.sends...)
}

func (c *fakeClient) Tries(groupID int64) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tries[groupID]
}

func openStore(t *testing.T) *storage.Store {
	t.Helper()
	st, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "b.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func newTestGuard() *floodguard.Guard {
	cfg := floodguard.DefaultConfig()
	cfg.RatePerSec = 0
	return floodguard.New(cfg, floodguard.WithSleeper(func(ctx context.Context, _ time.Duration) error { return ctx.Err() }))
}

// seedAccount links account 100 to user 1 with n groups and variant A text.
func seedAccount(t *testing.T, st *storage.Store, n int) []domain.Group {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, st.SaveAccount(ctx, domain.LinkedAccount{AccountID: 100, OwnerUserID: 1, IsActive: true}))
	_, err := st.EnsureUser(ctx, 1)
	require.NoError(t, err)
	groups := make([]domain.Group, 0, n)
	for i := 1; i <= n; i++ {
		groups = append(groups, domain.Group{GroupID: int64(i), Kind: domain.PeerChat, Title: fmt.Sprintf("g%03d", i)})
	}
	_, err = st.SyncGroups(ctx, 100, groups)
	require.NoError(t, err)
	require.NoError(t, st.SetVariant(ctx, 100, domain.VariantA, domain.Content{Text: "hello A"}))
	return groups
}

// waitRecorder is a WaitFunc that moves the fake clock instead of sleeping.
type waitRecorder struct {
	mu    sync.Mutex
	clock *fakeClock
	waits []time.Duration
}

func (w *waitRecorder) wait(ctx context.Context, d time.Duration, stop <-chan struct{}) error {
	w.mu.Lock()
	w.waits = append(w.waits, d)
	w.mu.Unlock()
	if w.clock != nil {
		w.clock.Advance(d)
	}
	if stopped(stop) {
		return ErrStopped
	}
	return ctx.Err()
}

func (w *waitRecorder) total() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	var sum time.Duration
	for _, d := range w.waits {
		sum += d
	}
	return sum
}
