package domain

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies a failure by how the caller should react to it.
type Kind string

const (
	KindValidation Kind = "validation" // malformed input, re-prompt
	KindAuth       Kind = "auth"       // wrong code or password
	KindRateLimit  Kind = "rate_limit" // flood-wait survived the retry budget
	KindTransient  Kind = "transient"  // network, retry later
	KindPermanent  Kind = "permanent"  // invalid or banned target
	KindConfig     Kind = "config"     // unmet precondition, see Remediation
	KindConflict   Kind = "conflict"
	KindNotFound   Kind = "not_found"
	KindInternal   Kind = "internal"
)

// Error codes surfaced to the command layer.
const (
	CodePhoneInvalid      = "PHONE_INVALID"
	CodeOTPFormat         = "OTP_FORMAT"
	CodeOTPInvalid        = "OTP_INVALID"
	CodeOTPExpired        = "OTP_EXPIRED"
	CodePasswordInvalid   = "PASSWORD_INVALID"
	CodePasswordLocked    = "PASSWORD_LOCKED"
	CodeNoPendingAuth     = "NO_PENDING_AUTH"
	CodeWrongPhase        = "WRONG_PHASE"
	CodeFloodWait         = "FLOOD_WAIT"
	CodeNetwork           = "NETWORK"
	CodePhoneBanned       = "PHONE_BANNED"
	CodeAlreadyRunning    = "ALREADY_RUNNING"
	CodeTagsRequired      = "TAGS_REQUIRED"
	CodeMessageRequired   = "MESSAGE_REQUIRED"
	CodeAccountInactive   = "ACCOUNT_INACTIVE"
	CodeAccountNotFound   = "ACCOUNT_NOT_FOUND"
	CodeAccountUnusable   = "ACCOUNT_UNUSABLE"
	CodeGroupUnavailable  = "GROUP_UNAVAILABLE"
	CodeSendRejected      = "SEND_REJECTED"
	CodeSettingsInvalid   = "SETTINGS_INVALID"
	CodeInternal          = "INTERNAL"
	CodeWebLoginExpired   = "QR_EXPIRED"
	CodeWebLoginCancelled = "QR_CANCELLED"
)

// Error is the user-facing failure value carried by typed results.
type Error struct {
	Kind        Kind
	Code        string
	Message     string
	Remediation string
	RetryAfter  time.Duration
	Err         error
}

func (e *Error) Error() string {
	msg := string(e.Kind) + ": " + e.Code
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by Kind and Code, so sentinels built with the
// constructors below work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Code == "" || t.Code == e.Code)
}

func newErr(k Kind, code, format string, args ...any) *Error {
	return &Error{Kind: k, Code: code, Message: fmt.Sprintf(format, args...)}
}

func Validation(code, format string, args ...any) *Error {
	return newErr(KindValidation, code, format, args...)
}

func Auth(code, format string, args ...any) *Error {
	return newErr(KindAuth, code, format, args...)
}

func RateLimit(wait time.Duration, err error) *Error {
	return &Error{
		Kind:       KindRateLimit,
		Code:       CodeFloodWait,
		Message:    fmt.Sprintf("platform asks to wait %s", wait.Round(time.Second)),
		RetryAfter: wait,
		Err:        err,
	}
}

func Transient(err error) *Error {
	return &Error{Kind: KindTransient, Code: CodeNetwork, Message: "temporary network failure", Err: err}
}

func Permanent(code string, err error) *Error {
	return &Error{Kind: KindPermanent, Code: code, Err: err}
}

// Config builds a precondition failure with the action that resolves it.
func Config(code, remediation, format string, args ...any) *Error {
	e := newErr(KindConfig, code, format, args...)
	e.Remediation = remediation
	return e
}

func Conflict(code, format string, args ...any) *Error {
	return newErr(KindConflict, code, format, args...)
}

func NotFound(code, format string, args ...any) *Error {
	return newErr(KindNotFound, code, format, args...)
}

func Internal(err error) *Error {
	return &Error{Kind: KindInternal, Code: CodeInternal, Err: err}
}

// ErrAccountUnusable marks session-level failures (revoked session, banned
// or deleted account). Matching is by kind and code.
var ErrAccountUnusable = &Error{Kind: KindPermanent, Code: CodeAccountUnusable}

// ErrGroupUnavailable marks targets the account can no longer post to.
var ErrGroupUnavailable = &Error{Kind: KindPermanent, Code: CodeGroupUnavailable}

// ErrNotFound is returned by stores for missing rows.
var ErrNotFound = errors.New("not found")

// AsError extracts the first *Error in err's chain, wrapping anything else as
// an internal error.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var de *Error
	if errors.As(err, &de) {
		return de
	}
	return Internal(err)
}

// KindOf reports the Kind of err, KindInternal for foreign errors.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	return AsError(err).Kind
}

// CodeOf reports the Code of err, empty for foreign errors.
func CodeOf(err error) string {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return ""
}
