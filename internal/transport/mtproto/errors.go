package mtproto

import (
	"context"
	"errors"

	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/tgerr"

	"groupcast/internal/domain"
	"groupcast/internal/floodguard"
)

// RPC error types that mean the session is gone for good.
var accountDead = []string{
	"AUTH_KEY_UNREGISTERED",
	"AUTH_KEY_INVALID",
	"AUTH_KEY_DUPLICATED",
	"SESSION_REVOKED",
	"SESSION_EXPIRED",
	"USER_DEACTIVATED",
	"USER_DEACTIVATED_BAN",
	"PHONE_NUMBER_BANNED",
}

// RPC error types that mean the account can no longer post to the target.
var groupGone = []string{
	"CHAT_WRITE_FORBIDDEN",
	"CHAT_RESTRICTED",
	"CHAT_ADMIN_REQUIRED",
	"CHAT_GUEST_SEND_FORBIDDEN",
	"CHAT_SEND_PLAIN_FORBIDDEN",
	"CHAT_ID_INVALID",
	"CHANNEL_PRIVATE",
	"CHANNEL_INVALID",
	"CHANNEL_PUBLIC_GROUP_NA",
	"PEER_ID_INVALID",
	"USER_BANNED_IN_CHANNEL",
	"USER_NOT_PARTICIPANT",
	"USER_IS_BLOCKED",
}

// translate maps account API failures onto floodguard and domain errors.
func translate(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if d, ok := tgerr.AsFloodWait(err); ok {
		return &floodguard.FloodWaitError{Wait: d, Cause: err}
	}
	rpc, ok := tgerr.As(err)
	if !ok {
		// not an RPC answer: connection trouble
		return floodguard.Transient(err)
	}
	switch {
	case tgerr.Is(err, accountDead...):
		return floodguard.Permanent(&domain.Error{
			Kind:    domain.KindPermanent,
			Code:    domain.CodeAccountUnusable,
			Message: rpc.Type,
			Err:     err,
		})
	case tgerr.Is(err, groupGone...):
		return floodguard.Permanent(&domain.Error{
			Kind:    domain.KindPermanent,
			Code:    domain.CodeGroupUnavailable,
			Message: rpc.Type,
			Err:     err,
		})
	case rpc.Code >= 500, tgerr.Is(err, "RPC_CALL_FAIL", "TIMEOUT"):
		return floodguard.Transient(err)
	}
	// SLOWMODE_WAIT and friends: skip the group this cycle
	return floodguard.Permanent(&domain.Error{
		Kind:    domain.KindPermanent,
		Code:    domain.CodeSendRejected,
		Message: rpc.Type,
		Err:     err,
	})
}

// translateLogin adds the login-specific answers on top of translate.
func translateLogin(err error) error {
	if err == nil {
		return nil
	}
	var signUp *auth.SignUpRequired
	switch {
	case tgerr.Is(err, "PHONE_CODE_INVALID", "PHONE_CODE_EMPTY"):
		return floodguard.Permanent(domain.Auth(domain.CodeOTPInvalid, "the code is wrong"))
	case tgerr.Is(err, "PHONE_CODE_EXPIRED"):
		return floodguard.Permanent(domain.Auth(domain.CodeOTPExpired, "the code expired, start again"))
	case errors.Is(err, auth.ErrPasswordInvalid), tgerr.Is(err, "PASSWORD_HASH_INVALID"):
		return floodguard.Permanent(domain.Auth(domain.CodePasswordInvalid, "the password is wrong"))
	case tgerr.Is(err, "PHONE_NUMBER_INVALID"):
		return floodguard.Permanent(domain.Validation(domain.CodePhoneInvalid, "the phone number was rejected"))
	case tgerr.Is(err, "PHONE_NUMBER_BANNED"):
		return floodguard.Permanent(domain.Auth(domain.CodePhoneBanned, "the phone number is banned"))
	case errors.As(err, &signUp):
		return floodguard.Permanent(domain.Validation(domain.CodePhoneInvalid, "no account is registered for this number"))
	}
	return translate(err)
}
