package linker

import (
	"context"
	"errors"
	"strconv"
	"time"

	"groupcast/internal/domain"
	"groupcast/internal/floodguard"
)

// LinkResult answers InitiateLink.
type LinkResult struct {
	Success bool
	Phase   Phase
	Err     *domain.Error
}

// VerifyResult answers VerifyOTP. RequiresPassword is not a failure: the
// attempt moved to AWAITING_PASSWORD.
type VerifyResult struct {
	Success          bool
	RequiresPassword bool
	Account          domain.LinkedAccount
	Err              *domain.Error
}

// PasswordResult answers VerifyPassword.
type PasswordResult struct {
	Success            bool
	Account            domain.LinkedAccount
	RemainingAttempts  int
	MaxAttemptsReached bool
	CooldownRemaining  time.Duration
	Err                *domain.Error
}

// WebLoginResult answers InitiateWebLogin once the first QR token is shown.
type WebLoginResult struct {
	Started bool
	Expires time.Time
	Err     *domain.Error
}

// toDomain maps transport and guard failures onto the taxonomy.
func toDomain(err error) *domain.Error {
	if err == nil {
		return nil
	}
	var de *domain.Error
	if errors.As(err, &de) {
		return de
	}
	var fw *floodguard.FloodWaitError
	if errors.As(err, &fw) {
		return domain.RateLimit(fw.Wait, err)
	}
	if kind, _ := floodguard.Classify(err); kind == floodguard.KindTransient {
		return domain.Transient(err)
	}
	if errors.Is(err, context.Canceled) {
		return domain.Transient(err)
	}
	return domain.Internal(err)
}

func itoa(v int64) string { return strconv.FormatInt(v, 10) }
