package housekeeping

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
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

type dialogsClient struct {
	mu     sync.Mutex
	groups map[int64][]domain.Group
	errs   map[int64]error
	calls  int
}

func (c *dialogsClient) Send(context.Context, int64, domain.Group, domain.Content) error { return nil }

func (c *dialogsClient) Dialogs(_ context.Context, accountID int64) ([]domain.Group, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if err := c.errs[accountID]; err != nil {
		return nil, err
	}
	return c.groups[accountID], nil
}

func (c *dialogsClient) Profile(context.Context, int64) (transport.Profile, error) {
	return transport.Profile{}, nil
}
func (c *dialogsClient) UpdateProfile(context.Context, int64, string, string) error { return nil }
func (c *dialogsClient) Release(int64)                                              {}

type sweepCounter struct{ at []time.Time }

func (s *sweepCounter) Sweep(now time.Time) int {
	s.at = append(s.at, now)
	return 2
}

type reapCounter struct{ n int }

func (r *reapCounter) ReapIdle() int { r.n++; return 1 }

func openStore(t *testing.T) *storage.Store {
	t.Helper()
	st, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "hk.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func testGuard() *floodguard.Guard {
	cfg := floodguard.DefaultConfig()
	cfg.RatePerSec = 0
	return floodguard.New(cfg, floodguard.WithSleeper(func(ctx context.Context, _ time.Duration) error { return ctx.Err() }))
}

func TestRefreshAllSyncsEachAccount(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)
	for _, id := range []int64{100, 200} {
		require.NoError(t, st.SaveAccount(ctx, domain.LinkedAccount{AccountID: id, OwnerUserID: 1, IsActive: true}))
	}
	_, err := st.SyncGroups(ctx, 100, []domain.Group{{GroupID: 1, Kind: domain.PeerChat, Title: "old"}})
	require.NoError(t, err)

	client := &dialogsClient{
		groups: map[int64][]domain.Group{
			100: {{GroupID: 2, Kind: domain.PeerChannel, Title: "new"}},
		},
		errs: map[int64]error{200: floodguard.Permanent(domain.ErrAccountUnusable)},
	}
	svc := New(Config{}, Deps{Accounts: st, Groups: st, Client: client, Guard: testGuard()})
	svc.RefreshAll(ctx)

	groups, err := st.Groups(ctx, 100)
	require.NoError(t, err)
	require.Len(t, groups, 2)
	byID := map[int64]domain.Group{}
	for _, g := range groups {
		byID[g.GroupID] = g
	}
	assert.True(t, byID[2].Active)
	assert.False(t, byID[1].Active)
	assert.Equal(t, "left", byID[1].InactiveReason)
	assert.Equal(t, 2, client.calls)
}

func TestRefreshAccountReportsAdded(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)
	require.NoError(t, st.SaveAccount(ctx, domain.LinkedAccount{AccountID: 100, OwnerUserID: 1, IsActive: true}))
	client := &dialogsClient{groups: map[int64][]domain.Group{
		100: {{GroupID: 1, Kind: domain.PeerChat, Title: "a"}, {GroupID: 2, Kind: domain.PeerChat, Title: "b"}},
	}}
	svc := New(Config{}, Deps{Accounts: st, Groups: st, Client: client, Guard: testGuard()})

	added, err := svc.RefreshAccount(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, 2, added)

	added, err = svc.RefreshAccount(ctx, 100)
	require.NoError(t, err)
	assert.Zero(t, added)
}

func TestRefreshAccountSurfacesUnusable(t *testing.T) {
	client := &dialogsClient{errs: map[int64]error{100: floodguard.Permanent(domain.ErrAccountUnusable)}}
	svc := New(Config{}, Deps{Client: client, Guard: testGuard()})
	_, err := svc.RefreshAccount(context.Background(), 100)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrAccountUnusable))
	assert.Equal(t, 1, client.calls)
}

func TestPruneDropsOldCycles(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	require.NoError(t, st.RecordCycle(ctx, domain.CycleStats{CycleID: "old", AccountID: 100, Sent: 3, StartedAt: now.Add(-40 * 24 * time.Hour)}))
	require.NoError(t, st.RecordCycle(ctx, domain.CycleStats{CycleID: "new", AccountID: 100, Sent: 5, StartedAt: now.Add(-time.Hour)}))

	svc := New(Config{StatsRetention: 30 * 24 * time.Hour}, Deps{Pruner: st, Now: func() time.Time { return now }})
	svc.Prune(ctx)

	tot, err := st.Totals(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, tot.Cycles)
	assert.Equal(t, 5, tot.Sent)
}

func TestSweepAndReapDelegate(t *testing.T) {
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	sw := &sweepCounter{}
	rp := &reapCounter{}
	svc := New(Config{}, Deps{Auth: sw, Reaper: rp, Now: func() time.Time { return now }})

	assert.Equal(t, 2, svc.SweepAuth())
	assert.Equal(t, []time.Time{now}, sw.at)
	assert.Equal(t, 1, svc.ReapIdle())
	assert.Equal(t, 1, rp.n)

	empty := New(Config{}, Deps{})
	assert.Zero(t, empty.SweepAuth())
	assert.Zero(t, empty.ReapIdle())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{name: "defaults", cfg: Config{}},
		{name: "seconds field", cfg: Config{AuthSweep: "*/15 * * * * *"}},
		{name: "bad refresh", cfg: Config{GroupRefresh: "every six hours"}, wantErr: "housekeeping.group_refresh"},
		{name: "bad reap", cfg: Config{IdleReap: "@sometimes"}, wantErr: "housekeeping.idle_reap"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.cfg)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestStartStopIsIdempotent(t *testing.T) {
	svc := New(Config{}, Deps{})
	ctx := context.Background()
	require.NoError(t, svc.Start(ctx))
	require.NoError(t, svc.Start(ctx))
	svc.Apply(Config{AuthSweep: "@every 1m"})
	svc.Stop(ctx)
	svc.Stop(ctx)
}

func TestStartRejectsBadSpec(t *testing.T) {
	svc := New(Config{StatsPrune: "nope"}, Deps{})
	assert.Error(t, svc.Start(context.Background()))
}
