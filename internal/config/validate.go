package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
)

const (
	DefaultPendingTTL       = 5 * time.Minute
	DefaultPasswordAttempts = 3
	DefaultPasswordCooldown = 5 * time.Minute
	DefaultQRTimeout        = 2 * time.Minute
	DefaultJitterMax        = 2 * time.Minute
	DefaultIntervalMinutes  = 11
	DefaultGroupDelayMin    = 5
	DefaultGroupDelayMax    = 10
)

// ApplyDefaults fills zero values that have a meaningful default.
func (c *Config) ApplyDefaults() {
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.Path == "" {
		c.Storage.Path = "./groupcast.db"
	}
	if c.Auth.PasswordMaxAttempts == 0 {
		c.Auth.PasswordMaxAttempts = DefaultPasswordAttempts
	}
	d := &c.Broadcast.Defaults
	if d.IntervalMinutes == 0 {
		d.IntervalMinutes = DefaultIntervalMinutes
	}
	if d.GroupDelayMin == 0 && d.GroupDelayMax == 0 {
		d.GroupDelayMin, d.GroupDelayMax = DefaultGroupDelayMin, DefaultGroupDelayMax
	}
	if c.Notifier == nil {
		c.Notifier = &NotifierConfig{Enabled: true}
	}
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func structValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(f reflect.StructField) string {
			name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
			if name == "-" {
				return ""
			}
			return name
		})
	})
	return validate
}

// Validate checks struct tags first, then the cross-field rules the tags
// cannot express. Call after ApplyDefaults.
func (c *Config) Validate() error {
	var errs []error
	if err := structValidator().Struct(c); err != nil {
		var ve validator.ValidationErrors
		if errors.As(err, &ve) {
			for _, fe := range ve {
				errs = append(errs, fmt.Errorf("%s: failed %q", fieldPath(fe.Namespace()), fe.Tag()))
			}
		} else {
			errs = append(errs, err)
		}
	}

	durations := map[string]string{
		"telegram.poll_timeout":        c.Telegram.PollTimeout,
		"account.dial_timeout":         c.Account.DialTimeout,
		"account.idle_disconnect":      c.Account.IdleDisconnect,
		"storage.busy_timeout":         c.Storage.BusyTimeout,
		"auth.pending_ttl":             c.Auth.PendingTTL,
		"auth.password_cooldown":       c.Auth.PasswordCooldown,
		"auth.qr_timeout":              c.Auth.QRTimeout,
		"floodguard.buffer":            c.FloodGuard.Buffer,
		"floodguard.max_wait":          c.FloodGuard.MaxWait,
		"floodguard.transient_backoff": c.FloodGuard.TransientBackoff,
		"broadcast.jitter_max":         c.Broadcast.JitterMax,
		"housekeeping.stats_retention": c.Housekeeping.StatsRetention,
	}
	if n := c.Notifier; n != nil {
		durations["notifier.retry_base"] = n.RetryBase
		durations["notifier.retry_max_delay"] = n.RetryMaxDelay
		durations["notifier.dedup_window"] = n.DedupWindow
		durations["notifier.webhook_timeout"] = n.WebhookTimeout
	}
	for path, raw := range durations {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}

	d := c.Broadcast.Defaults
	if d.GroupDelayMax < d.GroupDelayMin {
		errs = append(errs, fmt.Errorf("broadcast.defaults.group_delay_max must be >= group_delay_min"))
	}
	if _, err := ParseWindowField("broadcast.defaults.quiet_hours", d.QuietHours); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseWindowField("broadcast.defaults.schedule_window", d.ScheduleWindow); err != nil {
		errs = append(errs, err)
	}
	if tz := strings.TrimSpace(c.Broadcast.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("broadcast.timezone: %w", err))
		}
	}
	if c.Tags.Required && strings.TrimSpace(c.Tags.NameMarker) == "" && strings.TrimSpace(c.Tags.BioMarker) == "" {
		errs = append(errs, fmt.Errorf("tags.required needs name_marker or bio_marker"))
	}
	if (c.Channel.JoinOnLink || c.Channel.VerifyOnLink) && strings.TrimSpace(c.Channel.Username) == "" {
		errs = append(errs, fmt.Errorf("channel.username is required when join_on_link or verify_on_link is set"))
	}
	return errors.Join(errs...)
}

// fieldPath turns "Config.broadcast.defaults.interval_minutes" into the key
// used in the file.
func fieldPath(ns string) string {
	return strings.TrimPrefix(ns, "Config.")
}
