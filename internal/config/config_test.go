package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
telegram:
  token: "123:abc"
  owner_user_ids: [42]
  poll_timeout: 10s
account:
  app_id: 12345
  app_hash: 0123456789abcdef0123456789abcdef
logging:
  level: info
  console: true
auth:
  pending_ttl: 5m
  password_cooldown: 2m
broadcast:
  timezone: UTC
  jitter_max: 90s
  defaults:
    interval_minutes: 15
    quiet_hours: "22:00-06:00"
    ab_mode: rotate
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestLoadYAMLAppliesDefaults(t *testing.T) {
	t.Parallel()

	m := NewManager(writeFile(t, "config.yaml", sampleYAML))
	cfg, err := m.Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.Equal(t, DefaultPasswordAttempts, cfg.Auth.PasswordMaxAttempts)
	assert.Equal(t, 15, cfg.Broadcast.Defaults.IntervalMinutes)
	assert.Equal(t, DefaultGroupDelayMin, cfg.Broadcast.Defaults.GroupDelayMin)
	assert.Equal(t, DefaultGroupDelayMax, cfg.Broadcast.Defaults.GroupDelayMax)
	require.NotNil(t, cfg.Notifier)
	assert.True(t, cfg.Notifier.Enabled)
	assert.Same(t, cfg, m.Get())

	w, err := ParseWindowField("q", cfg.Broadcast.Defaults.QuietHours)
	require.NoError(t, err)
	require.NotNil(t, w)
	assert.True(t, w.Wraps())
	assert.Equal(t, time.UTC, cfg.Location())
}

func TestDecodeRejectsInvalidConfigs(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
		want string
	}{
		{
			name: "interval below floor",
			body: `{"telegram":{"token":"t"},"account":{"app_id":1,"app_hash":"0123456789abcdef0123456789abcdef"},"broadcast":{"defaults":{"interval_minutes":5}}}`,
			want: "interval_minutes",
		},
		{
			name: "delay range inverted",
			body: `{"telegram":{"token":"t"},"account":{"app_id":1,"app_hash":"0123456789abcdef0123456789abcdef"},"broadcast":{"defaults":{"group_delay_min":9,"group_delay_max":3}}}`,
			want: "group_delay_max",
		},
		{
			name: "unknown field",
			body: `{"telegram":{"token":"t","tokn":"x"},"account":{"app_id":1,"app_hash":"0123456789abcdef0123456789abcdef"}}`,
			want: "unknown field",
		},
		{
			name: "missing app hash",
			body: `{"telegram":{"token":"t"},"account":{"app_id":1}}`,
			want: "app_hash",
		},
		{
			name: "bad quiet hours",
			body: `{"telegram":{"token":"t"},"account":{"app_id":1,"app_hash":"0123456789abcdef0123456789abcdef"},"broadcast":{"defaults":{"quiet_hours":"25:00-01:00"}}}`,
			want: "quiet_hours",
		},
		{
			name: "trailing data",
			body: `{"telegram":{"token":"t"},"account":{"app_id":1,"app_hash":"0123456789abcdef0123456789abcdef"}} {}`,
			want: "trailing",
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Decode("config.json", []byte(tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestReloadPublishesOnlyChangedValidConfigs(t *testing.T) {
	t.Parallel()

	path := writeFile(t, "config.yaml", sampleYAML)
	m := NewManager(path)
	_, err := m.Load()
	require.NoError(t, err)
	ch := m.Subscribe(1)

	m.reload(context.Background())
	assert.Len(t, ch, 0, "unchanged content must not publish")

	require.NoError(t, os.WriteFile(path, []byte(sampleYAML+"tags:\n  required: true\n"), 0o600))
	m.reload(context.Background())
	assert.Len(t, ch, 0, "invalid config must not publish")

	m.SetValidator(func(context.Context, *Config) error { return nil })
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML+"channel:\n  username: news\n  join_on_link: true\n"), 0o600))
	m.reload(context.Background())
	require.Len(t, ch, 1)
	got := <-ch
	assert.Equal(t, "news", got.Channel.Username)

	change := Diff(&Config{}, got)
	assert.True(t, change.Has("channel"))
	assert.Contains(t, change.Restart, "account")
}
