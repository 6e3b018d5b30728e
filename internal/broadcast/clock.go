package broadcast

import (
	"context"
	"time"
)

// Clock is the time source of the scheduler. Timers are single shot.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type Timer interface {
	// Stop prevents a pending fire and reports whether it did.
	Stop() bool
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// RealClock is the wall clock.
func RealClock() Clock { return realClock{} }

// WaitFunc sleeps d unless ctx ends or stop closes first.
type WaitFunc func(ctx context.Context, d time.Duration, stop <-chan struct{}) error

// ErrStopped is returned by waits interrupted by a stop request.
var ErrStopped = stoppedError{}

type stoppedError struct{}

func (stoppedError) Error() string { return "broadcast stopped" }

func realWait(ctx context.Context, d time.Duration, stop <-chan struct{}) error {
	if d <= 0 {
		select {
		case <-stop:
			return ErrStopped
		default:
			return ctx.Err()
		}
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-stop:
		return ErrStopped
	case <-t.C:
		return nil
	}
}

func stopped(stop <-chan struct{}) bool {
	select {
	case <-stop:
		return true
	default:
		return false
	}
}
