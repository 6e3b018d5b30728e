package app

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"groupcast/internal/config"
	"groupcast/internal/domain"
	"groupcast/internal/floodguard"
)

func baseConfig() *config.Config {
	cfg := &config.Config{
		Telegram: config.TelegramConfig{Token: "t", OwnerUserIDs: []int64{42, 43}},
		Account:  config.AccountConfig{AppID: 1, AppHash: "0123456789abcdef0123456789abcdef"},
	}
	cfg.ApplyDefaults()
	return cfg
}

func TestMapDefaults(t *testing.T) {
	cases := []struct {
		name  string
		edit  func(*config.Config)
		check func(t *testing.T, st domain.Settings)
	}{
		{"plain", func(*config.Config) {}, func(t *testing.T, st domain.Settings) {
			assert.Equal(t, config.DefaultIntervalMinutes, st.IntervalMinutes)
			assert.Equal(t, domain.ABMode{Type: domain.ABSingle}, st.AB)
			assert.Nil(t, st.QuietHours)
			assert.Nil(t, st.ScheduleWindow)
		}},
		{"windows and ab", func(c *config.Config) {
			c.Broadcast.Defaults.QuietHours = "23:00-07:00"
			c.Broadcast.Defaults.ScheduleWindow = "off"
			c.Broadcast.Defaults.ABMode = "Rotate"
		}, func(t *testing.T, st domain.Settings) {
			require.NotNil(t, st.QuietHours)
			assert.Equal(t, "23:00-07:00", st.QuietHours.String())
			assert.Nil(t, st.ScheduleWindow)
			assert.Equal(t, domain.ABMode{Enabled: true, Type: domain.ABRotate}, st.AB)
		}},
		{"interval floor", func(c *config.Config) { c.Broadcast.Defaults.IntervalMinutes = 3 }, func(t *testing.T, st domain.Settings) {
			assert.Equal(t, domain.MinIntervalMinutes, st.IntervalMinutes)
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := baseConfig()
			tc.edit(cfg)
			tc.check(t, mapDefaults(cfg).Settings)
		})
	}
}

func TestAdminChatFallsBackToFirstOwner(t *testing.T) {
	cfg := baseConfig()
	assert.Equal(t, int64(42), adminChat(cfg))
	assert.Equal(t, int64(42), mapNotifierConfig(cfg).AdminChat.ChatID)

	cfg.Telegram.AdminChat = -1001
	assert.Equal(t, int64(-1001), adminChat(cfg))

	cfg.Telegram.AdminChat = 0
	cfg.Telegram.OwnerUserIDs = nil
	assert.Zero(t, adminChat(cfg))
}

func TestMapLogConfigNeedsChat(t *testing.T) {
	cfg := baseConfig()
	cfg.Logging.Chat.Enabled = true
	assert.False(t, mapLogConfig(cfg).Chat.Enabled)

	cfg.Telegram.LogChat = -100
	cfg.Telegram.LogThreadID = 7
	lc := mapLogConfig(cfg)
	assert.True(t, lc.Chat.Enabled)
	assert.Equal(t, int64(-100), lc.Chat.ChatID)
	assert.Equal(t, 7, lc.Chat.ThreadID)
}

func TestMapGuardConfig(t *testing.T) {
	cfg := baseConfig()
	assert.Equal(t, floodguard.DefaultConfig(), mapGuardConfig(cfg))

	cfg.FloodGuard = config.FloodGuardConfig{MaxRetries: 5, Buffer: "1s", MaxWait: "1m", RatePerSec: 0.5}
	gc := mapGuardConfig(cfg)
	assert.Equal(t, 5, gc.MaxRetries)
	assert.Equal(t, time.Second, gc.Buffer)
	assert.Equal(t, time.Minute, gc.MaxWait)
	assert.Equal(t, 0.5, gc.RatePerSec)
}

func TestMapLinkerConfig(t *testing.T) {
	cfg := baseConfig()
	cfg.Channel = config.ChannelConfig{Username: "@news", JoinOnLink: true}
	cfg.Auth.PendingTTL = "90s"
	lc := mapLinkerConfig(cfg)
	assert.Equal(t, "news", lc.ChannelUsername)
	assert.True(t, lc.JoinChannel)
	assert.Equal(t, 90*time.Second, lc.PendingTTL)
	assert.Equal(t, config.DefaultPasswordAttempts, lc.PasswordMaxAttempts)
}
