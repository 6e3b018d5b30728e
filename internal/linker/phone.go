package linker

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	"groupcast/internal/domain"
	"groupcast/internal/eventbus"
	"groupcast/internal/floodguard"
	"groupcast/internal/transport"
	logx "groupcast/pkg/logx"
)

var phoneRe = regexp.MustCompile(`^\+?[1-9][0-9]{6,14}$`)

// NormalizePhone strips formatting and validates the result. The returned
// number always starts with "+".
func NormalizePhone(raw string) (string, bool) {
	s := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-', '(', ')', '.', '\t':
			return -1
		}
		return r
	}, strings.TrimSpace(raw))
	if !phoneRe.MatchString(s) {
		return "", false
	}
	if !strings.HasPrefix(s, "+") {
		s = "+" + s
	}
	return s, true
}

// NormalizeOTP strips separators. ok is false unless exactly five digits
// remain.
func NormalizeOTP(raw string) (string, bool) {
	s := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-', '.', '\t':
			return -1
		}
		return r
	}, strings.TrimSpace(raw))
	if len(s) != 5 {
		return s, false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return s, false
		}
	}
	return s, true
}

func lockedErr(rem time.Duration) *domain.Error {
	e := domain.Auth(domain.CodePasswordLocked, "too many wrong passwords, try again in %s", rem.Round(time.Second))
	e.RetryAfter = rem
	return e
}

// InitiateLink starts a phone login for the user and requests a code. Any
// previous attempt of the user is cancelled first.
func (l *Linker) InitiateLink(ctx context.Context, userID, chatID int64, rawPhone string) LinkResult {
	phone, ok := NormalizePhone(rawPhone)
	if !ok {
		return LinkResult{Err: domain.Validation(domain.CodePhoneInvalid,
			"send the number in international format, for example +15551234567")}
	}

	l.mu.Lock()
	if rem := l.lockRemainingLocked(userID); rem > 0 {
		l.mu.Unlock()
		return LinkResult{Phase: PhaseLocked, Err: lockedErr(rem)}
	}
	if prev := l.pending[userID]; prev != nil {
		l.dropLocked(prev, PhaseCancelled)
	}
	l.mu.Unlock()

	hs, err := l.d.Driver.Begin(ctx)
	if err != nil {
		l.log.Warn("login handshake failed", logx.Int64("user_id", userID), logx.Err(err))
		return LinkResult{Phase: PhaseFailed, Err: toDomain(err)}
	}

	a := &attempt{userID: userID, chatID: chatID, phone: phone, method: MethodPhone, hs: hs, phase: PhasePhoneSubmitted}
	l.mu.Lock()
	l.installLocked(a)
	l.mu.Unlock()

	a.op.Lock()
	err = l.d.Guard.Do(ctx, "auth.send_code", func(ctx context.Context) error {
		return hs.SendCode(ctx, phone)
	}, l.callOpts(userID))
	a.op.Unlock()
	if err != nil {
		l.drop(a, PhaseFailed)
		l.log.Warn("send code failed", logx.Int64("user_id", userID), logx.Phone("phone", phone), logx.Err(err))
		return LinkResult{Phase: PhaseFailed, Err: toDomain(err)}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.pending[userID] != a {
		// cancelled or replaced while the code was being requested
		if !a.phase.Terminal() {
			l.dropLocked(a, PhaseCancelled)
		}
		return LinkResult{Phase: PhaseCancelled, Err: domain.Auth(domain.CodeNoPendingAuth, "login was cancelled")}
	}
	a.phase = PhaseAwaitingOTP
	l.touchLocked(a)
	l.log.Info("login code sent", logx.Int64("user_id", userID), logx.Phone("phone", phone))
	return LinkResult{Success: true, Phase: a.phase}
}

// current returns the user's live attempt if it is in one of the phases.
func (l *Linker) current(userID int64, phases ...Phase) (*attempt, *domain.Error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	a := l.liveLocked(userID)
	if a == nil {
		return nil, domain.NotFound(domain.CodeNoPendingAuth, "no login in progress, start with /link or /qr")
	}
	if a.phase == PhaseLocked && l.lockRemainingLocked(userID) == 0 {
		a.phase = PhaseAwaitingPassword
	}
	for _, p := range phases {
		if a.phase == p {
			l.touchLocked(a)
			return a, nil
		}
	}
	return nil, domain.Conflict(domain.CodeWrongPhase, "login is at step %s", a.phase)
}

// VerifyOTP submits the login code. Format problems are not counted against
// the user.
func (l *Linker) VerifyOTP(ctx context.Context, userID int64, code string) VerifyResult {
	otp, ok := NormalizeOTP(code)
	if !ok {
		return VerifyResult{Err: domain.Validation(domain.CodeOTPFormat, "the code has exactly 5 digits")}
	}
	a, derr := l.current(userID, PhaseAwaitingOTP)
	if derr != nil {
		return VerifyResult{Err: derr}
	}

	a.op.Lock()
	id, err := floodguard.SafeCall(ctx, l.d.Guard, "auth.sign_in", func(ctx context.Context) (transport.Identity, error) {
		return a.hs.SignIn(ctx, otp)
	}, l.callOpts(userID))
	a.op.Unlock()

	switch {
	case err == nil:
		acc, ferr := l.finalize(ctx, a, id)
		if ferr != nil {
			return VerifyResult{Err: ferr}
		}
		return VerifyResult{Success: true, Account: acc}
	case errors.Is(err, transport.ErrPasswordRequired):
		l.mu.Lock()
		if l.pending[userID] == a {
			a.phase = PhaseAwaitingPassword
			a.otp = a.otp[:0]
			l.touchLocked(a)
		}
		l.mu.Unlock()
		return VerifyResult{RequiresPassword: true}
	}

	de := toDomain(err)
	if de.Code == domain.CodeOTPExpired {
		l.drop(a, PhaseFailed)
	}
	l.log.Info("code rejected", logx.Int64("user_id", userID), logx.String("code", de.Code))
	return VerifyResult{Err: de}
}

// TypeOTPDigit appends one keypad digit and returns the buffer.
func (l *Linker) TypeOTPDigit(userID int64, digit byte) (string, *domain.Error) {
	if digit < '0' || digit > '9' {
		return "", domain.Validation(domain.CodeOTPFormat, "digits only")
	}
	a, derr := l.current(userID, PhaseAwaitingOTP)
	if derr != nil {
		return "", derr
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(a.otp) < 5 {
		a.otp = append(a.otp, digit)
	}
	return string(a.otp), nil
}

// EraseOTPDigit removes the last keypad digit.
func (l *Linker) EraseOTPDigit(userID int64) (string, *domain.Error) {
	a, derr := l.current(userID, PhaseAwaitingOTP)
	if derr != nil {
		return "", derr
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if n := len(a.otp); n > 0 {
		a.otp = a.otp[:n-1]
	}
	return string(a.otp), nil
}

// SubmitOTPBuffer verifies the keypad buffer and clears it.
func (l *Linker) SubmitOTPBuffer(ctx context.Context, userID int64) VerifyResult {
	a, derr := l.current(userID, PhaseAwaitingOTP)
	if derr != nil {
		return VerifyResult{Err: derr}
	}
	l.mu.Lock()
	code := string(a.otp)
	a.otp = a.otp[:0]
	l.mu.Unlock()
	return l.VerifyOTP(ctx, userID, code)
}

// VerifyPassword submits the two-step password. After PasswordMaxAttempts
// consecutive failures the user is locked out for PasswordCooldown.
func (l *Linker) VerifyPassword(ctx context.Context, userID int64, password string) PasswordResult {
	cfg := l.config()

	l.mu.Lock()
	if rem := l.lockRemainingLocked(userID); rem > 0 {
		l.mu.Unlock()
		return PasswordResult{MaxAttemptsReached: true, CooldownRemaining: rem, Err: lockedErr(rem)}
	}
	l.mu.Unlock()

	if strings.TrimSpace(password) == "" {
		return PasswordResult{Err: domain.Validation(domain.CodePasswordInvalid, "the password is empty")}
	}
	a, derr := l.current(userID, PhaseAwaitingPassword)
	if derr != nil {
		return PasswordResult{Err: derr}
	}

	a.op.Lock()
	id, err := floodguard.SafeCall(ctx, l.d.Guard, "auth.password", func(ctx context.Context) (transport.Identity, error) {
		return a.hs.Password(ctx, password)
	}, l.callOpts(userID))
	a.op.Unlock()

	if err == nil {
		l.mu.Lock()
		delete(l.locks, userID)
		l.mu.Unlock()
		acc, ferr := l.finalize(ctx, a, id)
		if ferr != nil {
			return PasswordResult{Err: ferr}
		}
		return PasswordResult{Success: true, Account: acc}
	}

	de := toDomain(err)
	if de.Code != domain.CodePasswordInvalid {
		return PasswordResult{Err: de}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	lk := l.locks[userID]
	if lk == nil {
		lk = &lockout{}
		l.locks[userID] = lk
	}
	now := l.now()
	lk.failures++
	lk.lastFailure = now
	if lk.failures < cfg.PasswordMaxAttempts {
		return PasswordResult{RemainingAttempts: cfg.PasswordMaxAttempts - lk.failures, Err: de}
	}

	lk.until = now.Add(cfg.PasswordCooldown)
	if l.pending[userID] == a {
		a.phase = PhaseLocked
	}
	l.d.Bus.Publish(eventbus.Event{Type: eventbus.AuthLocked, Time: now, Data: userID})
	l.log.Warn("password attempts exhausted", logx.Int64("user_id", userID), logx.Duration("cooldown", cfg.PasswordCooldown))
	return PasswordResult{MaxAttemptsReached: true, CooldownRemaining: cfg.PasswordCooldown, Err: lockedErr(cfg.PasswordCooldown)}
}
