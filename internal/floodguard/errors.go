package floodguard

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

// ErrFailed is the failure sentinel returned when a call gives up and the
// caller did not ask for the underlying error.
var ErrFailed = errors.New("floodguard: call failed")

// FloodWaitError is the platform's instruction to wait before retrying.
type FloodWaitError struct {
	Wait  time.Duration
	Cause error
}

func (e *FloodWaitError) Error() string {
	return fmt.Sprintf("flood wait %s", e.Wait)
}

func (e *FloodWaitError) Unwrap() error { return e.Cause }

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

type transientError struct{ err error }

func (e transientError) Error() string { return e.err.Error() }
func (e transientError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// Transient marks err as retryable within the call budget.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err: err}
}

// Kind is the retry classification of an error.
type Kind int

const (
	KindNone Kind = iota
	KindFloodWait
	KindTransient
	KindPermanent
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindFloodWait:
		return "flood_wait"
	case KindTransient:
		return "transient"
	default:
		return "permanent"
	}
}

// Classify reports how err should be retried and, for flood waits, how long
// to wait. Unmarked errors are permanent unless they look like network
// hiccups.
func Classify(err error) (Kind, time.Duration) {
	if err == nil {
		return KindNone, 0
	}
	var fw *FloodWaitError
	if errors.As(err, &fw) {
		return KindFloodWait, fw.Wait
	}
	var pe permanentError
	if errors.As(err, &pe) {
		return KindPermanent, 0
	}
	var te transientError
	if errors.As(err, &te) {
		return KindTransient, 0
	}
	if errors.Is(err, context.Canceled) {
		return KindPermanent, 0
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return KindTransient, 0
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return KindTransient, 0
	}
	return KindPermanent, 0
}

// Failure wraps the last error of an exhausted call. It matches ErrFailed.
type Failure struct {
	Kind     Kind
	Attempts int
	Last     error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("floodguard: gave up after %d attempt(s) (%s): %v", f.Attempts, f.Kind, f.Last)
}

func (f *Failure) Is(target error) bool { return target == ErrFailed }

func (f *Failure) Unwrap() error { return f.Last }
