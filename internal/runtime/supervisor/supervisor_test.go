package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "groupcast/pkg/logx"
)

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestCancelOnErrorStopsSiblings(t *testing.T) {
	s := New(context.Background(), WithLogger(logx.Nop()), WithCancelOnError(true))
	boom := errors.New("boom")

	s.Go0("sibling", func(ctx context.Context) { <-ctx.Done() })
	s.Go("failing", func(context.Context) error { return boom })

	err := s.Wait(waitCtx(t))
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "failing")
	assert.ErrorIs(t, s.Context().Err(), context.Canceled)
}

func TestErrorsKeptWithoutCancel(t *testing.T) {
	s := New(context.Background(), WithLogger(logx.Nop()))
	s.Go("first", func(context.Context) error { return errors.New("first") })
	time.Sleep(20 * time.Millisecond)
	s.Go("second", func(context.Context) error { return errors.New("second") })

	require.Eventually(t, func() bool { return len(s.Snapshot().Active) == 0 }, time.Second, 5*time.Millisecond)
	assert.NoError(t, s.Context().Err())
	assert.Contains(t, s.Err().Error(), "first")
	assert.Error(t, s.Stop(waitCtx(t)))
}

func TestPanicIsRecovered(t *testing.T) {
	s := New(context.Background(), WithLogger(logx.Nop()))
	s.Go0("bad", func(context.Context) { panic("kaboom") })

	err := s.Stop(waitCtx(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panic in bad")
	assert.Equal(t, uint64(1), s.Snapshot().Panics)
}

func TestCanceledIsCleanExit(t *testing.T) {
	s := New(context.Background(), WithLogger(logx.Nop()))
	s.Go("loop", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	assert.Equal(t, []string{"loop"}, s.Snapshot().ActiveNames())
	assert.NoError(t, s.Stop(waitCtx(t)))
	assert.Empty(t, s.Snapshot().ActiveNames())
}

func TestGoRestartRetriesUntilNil(t *testing.T) {
	s := New(context.Background(), WithLogger(logx.Nop()))
	var runs atomic.Int32
	s.GoRestart("flaky", func(context.Context) error {
		n := runs.Add(1)
		switch n {
		case 1:
			return errors.New("transient")
		case 2:
			panic("again")
		default:
			return nil
		}
	}, WithRestartBackoff(time.Millisecond, 2*time.Millisecond))

	require.NoError(t, s.Wait(waitCtx(t)))
	assert.Equal(t, int32(3), runs.Load())
	assert.Equal(t, uint64(1), s.Snapshot().Panics)
}

func TestGoRestartGivesUp(t *testing.T) {
	s := New(context.Background(), WithLogger(logx.Nop()))
	var runs atomic.Int32
	s.GoRestart("broken", func(context.Context) error {
		runs.Add(1)
		return errors.New("still broken")
	}, WithRestartBackoff(time.Millisecond, time.Millisecond), WithMaxRestarts(2))

	err := s.Wait(waitCtx(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "still broken")
	assert.Equal(t, int32(3), runs.Load())
}

func TestWaitHonorsDeadline(t *testing.T) {
	s := New(context.Background(), WithLogger(logx.Nop()))
	release := make(chan struct{})
	s.Go0("stuck", func(context.Context) { <-release })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Stop(ctx), context.DeadlineExceeded)

	close(release)
	assert.NoError(t, s.Wait(waitCtx(t)))
}
