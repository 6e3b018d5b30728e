package mtproto

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/gotd/td/tgerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"groupcast/internal/domain"
	"groupcast/internal/floodguard"
)

func TestTranslate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  error
		kind floodguard.Kind
		is   error
		code string
	}{
		{name: "flood wait", err: tgerr.New(420, "FLOOD_WAIT_30"), kind: floodguard.KindFloodWait},
		{name: "revoked session", err: tgerr.New(401, "SESSION_REVOKED"), kind: floodguard.KindPermanent, is: domain.ErrAccountUnusable},
		{name: "unregistered key", err: tgerr.New(401, "AUTH_KEY_UNREGISTERED"), kind: floodguard.KindPermanent, is: domain.ErrAccountUnusable},
		{name: "write forbidden", err: tgerr.New(403, "CHAT_WRITE_FORBIDDEN"), kind: floodguard.KindPermanent, is: domain.ErrGroupUnavailable},
		{name: "banned in channel", err: tgerr.New(400, "USER_BANNED_IN_CHANNEL"), kind: floodguard.KindPermanent, is: domain.ErrGroupUnavailable},
		{name: "server side", err: tgerr.New(500, "INTERNAL"), kind: floodguard.KindTransient},
		{name: "slow mode", err: tgerr.New(420, "SLOWMODE_WAIT_60"), kind: floodguard.KindPermanent, code: domain.CodeSendRejected},
		{name: "network", err: fmt.Errorf("read: %w", errors.New("connection reset")), kind: floodguard.KindTransient},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := translate(tc.err)
			kind, _ := floodguard.Classify(got)
			assert.Equal(t, tc.kind, kind)
			if tc.is != nil {
				assert.ErrorIs(t, got, tc.is)
			}
			if tc.code != "" {
				assert.Equal(t, tc.code, domain.CodeOf(got))
			}
		})
	}
}

func TestTranslateFloodWaitDuration(t *testing.T) {
	t.Parallel()
	var fw *floodguard.FloodWaitError
	require.ErrorAs(t, translate(tgerr.New(420, "FLOOD_WAIT_30")), &fw)
	assert.Equal(t, 30*time.Second, fw.Wait)
}

func TestTranslateKeepsCancellation(t *testing.T) {
	t.Parallel()
	assert.ErrorIs(t, translate(context.Canceled), context.Canceled)
	assert.NoError(t, translate(nil))
}

func TestTranslateLogin(t *testing.T) {
	t.Parallel()
	tests := []struct {
		msg  string
		code string
	}{
		{"PHONE_CODE_INVALID", domain.CodeOTPInvalid},
		{"PHONE_CODE_EXPIRED", domain.CodeOTPExpired},
		{"PASSWORD_HASH_INVALID", domain.CodePasswordInvalid},
		{"PHONE_NUMBER_INVALID", domain.CodePhoneInvalid},
		{"PHONE_NUMBER_BANNED", domain.CodePhoneBanned},
	}
	for _, tc := range tests {
		got := translateLogin(tgerr.New(400, tc.msg))
		assert.Equal(t, tc.code, domain.CodeOf(got), tc.msg)
		kind, _ := floodguard.Classify(got)
		assert.Equal(t, floodguard.KindPermanent, kind, tc.msg)
	}
	// non-login answers fall through to the general mapping
	assert.ErrorIs(t, translateLogin(tgerr.New(401, "SESSION_REVOKED")), domain.ErrAccountUnusable)
}
