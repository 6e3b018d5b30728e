package broadcast

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"groupcast/internal/domain"
	"groupcast/internal/floodguard"
	"groupcast/internal/storage"
)

type dispatchFixture struct {
	d      *Dispatcher
	st     *storage.Store
	client *fakeClient
	clock  *fakeClock
	waits  *waitRecorder
}

func newDispatchFixture(t *testing.T, groups int) *dispatchFixture {
	t.Helper()
	st := openStore(t)
	seedAccount(t, st, groups)
	clock := newFakeClock(time.Date(2026, 3, 2, 12, 0, 50, 0, time.UTC))
	client := newFakeClient()
	waits := &waitRecorder{clock: clock}
	d := NewDispatcher(DispatcherDeps{
		Client:  client,
		Groups:  st,
		Stats:   st,
		Content: st,
		Guard:   newTestGuard(),
		Clock:   clock,
		Wait:    waits.wait,
	})
	return &dispatchFixture{d: d, st: st, client: client, clock: clock, waits: waits}
}

func (f *dispatchFixture) run(t *testing.T, st domain.Settings) (CycleReport, error) {
	t.Helper()
	return f.d.RunCycle(context.Background(), CycleRequest{
		UserID:    1,
		AccountID: 100,
		Cycle:     1,
		Settings:  st,
		Location:  time.UTC,
		Stop:      make(chan struct{}),
	})
}

func baseSettings() domain.Settings {
	return domain.Settings{IntervalMinutes: 11, AB: domain.ABMode{Type: domain.ABSingle}, GroupDelayMin: 5, GroupDelayMax: 10}
}

func TestCycleWaitsBetweenGroups(t *testing.T) {
	t.Parallel()
	f := newDispatchFixture(t, 3)

	rep, err := f.run(t, baseSettings())
	require.NoError(t, err)
	assert.Equal(t, 3, rep.Sent)
	assert.Len(t, f.client.Sends(), 3)

	require.Len(t, f.waits.waits, 2, "no wait before the first group")
	for _, w := range f.waits.waits {
		assert.GreaterOrEqual(t, w, 5*time.Second)
		assert.LessOrEqual(t, w, 10*time.Second)
	}
	assert.GreaterOrEqual(t, f.waits.total(), 10*time.Second)

	tot, err := f.st.Totals(context.Background(), 100)
	require.NoError(t, err)
	assert.Equal(t, 1, tot.Cycles)
	assert.Equal(t, 3, tot.Sent)
	n, err := f.st.DailySent(context.Background(), 100, "2026-03-02")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestSplitModeUsesBothVariants(t *testing.T) {
	t.Parallel()
	f := newDispatchFixture(t, 100)
	require.NoError(t, f.st.SetVariant(context.Background(), 100, domain.VariantB, domain.Content{Text: "hello B"}))

	st := baseSettings()
	st.AB = domain.ABMode{Enabled: true, Type: domain.ABSplit}
	st.GroupDelayMin, st.GroupDelayMax = 0, 0

	rep, err := f.run(t, st)
	require.NoError(t, err)
	require.Equal(t, 100, rep.Sent)
	a := 0
	for _, att := range rep.Attempts {
		if att.Variant == domain.VariantA {
			a++
		}
	}
	assert.InDelta(t, 50, a, 25)
}

func TestRotateAlternatesPerCycle(t *testing.T) {
	t.Parallel()
	f := newDispatchFixture(t, 2)
	require.NoError(t, f.st.SetVariant(context.Background(), 100, domain.VariantB, domain.Content{Text: "hello B"}))
	st := baseSettings()
	st.AB = domain.ABMode{Enabled: true, Type: domain.ABRotate}

	for _, want := range []string{"hello A", "hello B", "hello A"} {
		before := len(f.client.Sends())
		_, err := f.run(t, st)
		require.NoError(t, err)
		for _, s := range f.client.Sends()[before:] {
			assert.Equal(t, want, s.Text)
		}
	}
}

func TestForgetRestartsRotation(t *testing.T) {
	t.Parallel()
	f := newDispatchFixture(t, 1)
	require.NoError(t, f.st.SetVariant(context.Background(), 100, domain.VariantB, domain.Content{Text: "hello B"}))
	st := baseSettings()
	st.AB = domain.ABMode{Enabled: true, Type: domain.ABRotate}

	_, err := f.run(t, st)
	require.NoError(t, err)
	f.d.Forget(100)
	_, err = f.run(t, st)
	require.NoError(t, err)

	sends := f.client.Sends()
	require.Len(t, sends, 2)
	assert.Equal(t, "hello A", sends[0].Text)
	assert.Equal(t, "hello A", sends[1].Text)
}

func TestEmptyVariantFallsBack(t *testing.T) {
	t.Parallel()
	f := newDispatchFixture(t, 1)
	st := baseSettings()
	st.AB = domain.ABMode{Enabled: true, Type: domain.ABRotate}

	// B is unset, so the second cycle still posts A
	for i := 0; i < 2; i++ {
		_, err := f.run(t, st)
		require.NoError(t, err)
	}
	for _, s := range f.client.Sends() {
		assert.Equal(t, "hello A", s.Text)
	}
}

func TestTemplateOverridesVariantA(t *testing.T) {
	t.Parallel()
	f := newDispatchFixture(t, 1)
	require.NoError(t, f.st.SaveTemplate(context.Background(), 1, 2, domain.Content{Text: "from template"}))
	st := baseSettings()
	st.TemplateSlot = 2

	rep, err := f.run(t, st)
	require.NoError(t, err)
	assert.Equal(t, "template", rep.Mode)
	assert.Equal(t, "from template", f.client.Sends()[0].Text)
}

func TestWindowClosingMidCycleSkipsRest(t *testing.T) {
	t.Parallel()
	f := newDispatchFixture(t, 3)
	w, err := domain.ParseWindow("12:00-12:01")
	require.NoError(t, err)
	st := baseSettings()
	st.ScheduleWindow = &w
	st.GroupDelayMin, st.GroupDelayMax = 5, 5

	rep, err := f.run(t, st)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Sent)
	assert.Equal(t, 1, rep.Skipped)
	assert.Equal(t, OutcomeSkippedWindow, rep.Attempts[2].Outcome)
}

func TestBlacklistAndSendFailures(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newDispatchFixture(t, 4)
	require.NoError(t, f.st.AddBlacklist(ctx, 100, 1))
	f.client.failFor = func(g domain.Group, attempt int) error {
		switch g.GroupID {
		case 2:
			return floodguard.Permanent(domain.Permanent(domain.CodeGroupUnavailable, errors.New("CHAT_WRITE_FORBIDDEN")))
		case 3:
			if attempt < 3 {
				return floodguard.Transient(errors.New("connection reset"))
			}
		case 4:
			return errors.New("something odd")
		}
		return nil
	}
	st := baseSettings()
	st.GroupDelayMin, st.GroupDelayMax = 0, 0

	rep, err := f.run(t, st)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Sent)
	assert.Equal(t, 2, rep.Failed)
	assert.Equal(t, 1, rep.Skipped)
	assert.Equal(t, OutcomeSkippedBlacklist, rep.Attempts[0].Outcome)
	assert.Zero(t, f.client.Tries(1))
	assert.Equal(t, 1, f.client.Tries(2), "permanent errors are not retried")
	assert.Equal(t, 3, f.client.Tries(3))
	assert.Equal(t, 1, f.client.Tries(4))

	active, err := f.st.ActiveGroups(ctx, 100)
	require.NoError(t, err)
	ids := make([]int64, 0, len(active))
	for _, g := range active {
		ids = append(ids, g.GroupID)
	}
	assert.ElementsMatch(t, []int64{1, 3, 4}, ids)
}

func TestAccountUnusableAbortsCycle(t *testing.T) {
	t.Parallel()
	f := newDispatchFixture(t, 3)
	f.client.failFor = func(domain.Group, int) error {
		return floodguard.Permanent(domain.Permanent(domain.CodeAccountUnusable, errors.New("AUTH_KEY_UNREGISTERED")))
	}

	rep, err := f.run(t, baseSettings())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrAccountUnusable)
	assert.True(t, rep.Aborted)
	assert.Equal(t, 1, rep.Failed)
	assert.Zero(t, f.client.Tries(2))
}

func TestMissingContentIsConfigError(t *testing.T) {
	t.Parallel()
	f := newDispatchFixture(t, 1)
	require.NoError(t, f.st.SetVariant(context.Background(), 100, domain.VariantA, domain.Content{}))

	_, err := f.run(t, baseSettings())
	require.Error(t, err)
	de := domain.AsError(err)
	assert.Equal(t, domain.CodeMessageRequired, de.Code)
	assert.Equal(t, domain.KindConfig, de.Kind)
	assert.Empty(t, f.client.Sends())
}

func TestStoppedCycleSendsNothing(t *testing.T) {
	t.Parallel()
	f := newDispatchFixture(t, 2)
	stop := make(chan struct{})
	close(stop)

	rep, err := f.d.RunCycle(context.Background(), CycleRequest{UserID: 1, AccountID: 100, Settings: baseSettings(), Stop: stop})
	require.NoError(t, err)
	assert.True(t, rep.Aborted)
	assert.Empty(t, f.client.Sends())
}

func TestStopDuringWaitBlocksNextSend(t *testing.T) {
	t.Parallel()
	f := newDispatchFixture(t, 3)
	stop := make(chan struct{})
	waits := 0
	// the stop lands while the delay runs, and the delay still completes
	f.d.d.Wait = func(context.Context, time.Duration, <-chan struct{}) error {
		waits++
		close(stop)
		return nil
	}

	rep, err := f.d.RunCycle(context.Background(), CycleRequest{
		UserID: 1, AccountID: 100, Settings: baseSettings(), Location: time.UTC, Stop: stop,
	})
	require.NoError(t, err)
	assert.True(t, rep.Aborted)
	assert.Equal(t, 1, waits)
	assert.Len(t, f.client.Sends(), 1)
}

func TestRandDelayBounds(t *testing.T) {
	t.Parallel()
	for i := 0; i < 200; i++ {
		d := randDelay(5*time.Second, 10*time.Second)
		require.GreaterOrEqual(t, d, 5*time.Second)
		require.LessOrEqual(t, d, 10*time.Second)
	}
	assert.Equal(t, 3*time.Second, randDelay(3*time.Second, time.Second))
}
