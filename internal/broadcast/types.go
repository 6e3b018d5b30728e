// Package broadcast runs the per-account broadcast jobs: the scheduler owns
// job lifecycle and timing, the dispatcher executes one send cycle.
package broadcast

import (
	"time"

	"groupcast/internal/domain"
)

type Status string

const (
	StatusIdle     Status = "IDLE"
	StatusRunning  Status = "RUNNING"
	StatusStopping Status = "STOPPING"
)

type Outcome string

const (
	OutcomeSent             Outcome = "SENT"
	OutcomeFailed           Outcome = "FAILED"
	OutcomeSkippedBlacklist Outcome = "SKIPPED_BLACKLIST"
	OutcomeSkippedWindow    Outcome = "SKIPPED_WINDOW"
)

// DispatchAttempt is the outcome of one group in one cycle.
type DispatchAttempt struct {
	GroupID int64
	Title   string
	Variant domain.Variant
	Outcome Outcome
	Err     error
}

// CycleReport summarizes one send cycle.
type CycleReport struct {
	CycleID    string
	UserID     int64
	AccountID  int64
	Cycle      int
	Mode       string
	Attempts   []DispatchAttempt
	Sent       int
	Failed     int
	Skipped    int
	StartedAt  time.Time
	FinishedAt time.Time
	Aborted    bool
}

func (r *CycleReport) add(a DispatchAttempt) {
	r.Attempts = append(r.Attempts, a)
	switch a.Outcome {
	case OutcomeSent:
		r.Sent++
	case OutcomeFailed:
		r.Failed++
	default:
		r.Skipped++
	}
}

// CycleRequest is everything a cycle needs from the scheduler.
type CycleRequest struct {
	UserID    int64
	AccountID int64
	Cycle     int
	Settings  domain.Settings
	Location  *time.Location
	// Stop closes when the job is being stopped; no send starts after that.
	Stop <-chan struct{}
}

// BroadcastResult answers start and stop requests.
type BroadcastResult struct {
	Success bool
	Status  Status
	Job     JobSnapshot
	Err     *domain.Error
}

// JobSnapshot is a copy of a job's observable state.
type JobSnapshot struct {
	UserID     int64
	AccountID  int64
	Status     Status
	Cycle      int
	StartedAt  time.Time
	LastFireAt time.Time
	NextFireAt time.Time
	LastSkip   string
	LastReport *CycleReport
}
