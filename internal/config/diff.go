package config

import (
	"reflect"
	"strings"

	logx "groupcast/pkg/logx"
)

// Change describes what a reload touched.
type Change struct {
	Sections []string
	// Restart lists changed sections that only take effect after a restart.
	Restart []string
	Fields  []logx.Field
}

func (c Change) Has(section string) bool {
	for _, s := range c.Sections {
		if s == section {
			return true
		}
	}
	return false
}

// Diff compares two configs section by section. Secrets are reported only
// as set/unset.
func Diff(oldCfg, newCfg *Config) Change {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var ch Change
	mark := func(name string, restart bool, changed bool, fields ...logx.Field) {
		if !changed {
			return
		}
		ch.Sections = append(ch.Sections, name)
		if restart {
			ch.Restart = append(ch.Restart, name)
		}
		ch.Fields = append(ch.Fields, fields...)
	}

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	mark("telegram", ot.Token != nt.Token || ot.PollTimeout != nt.PollTimeout || ot.Workers != nt.Workers,
		!reflect.DeepEqual(ot, nt),
		logx.Secret("telegram.token", nt.Token),
		logx.Int("telegram.owner_count", len(nt.OwnerUserIDs)),
	)
	mark("account", true, !reflect.DeepEqual(oldCfg.Account, newCfg.Account),
		logx.Int("account.app_id", newCfg.Account.AppID),
		logx.Secret("account.app_hash", newCfg.Account.AppHash),
	)
	mark("storage", true, !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage),
		logx.String("storage.driver", newCfg.Storage.Driver),
	)
	mark("logging", false, !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging),
		logx.String("logging.level", newCfg.Logging.Level),
		logx.Bool("logging.chat", newCfg.Logging.Chat.Enabled),
	)
	mark("auth", false, oldCfg.Auth != newCfg.Auth,
		logx.Int("auth.password_max_attempts", newCfg.Auth.PasswordMaxAttempts),
	)
	mark("floodguard", false, oldCfg.FloodGuard != newCfg.FloodGuard,
		logx.Int("floodguard.max_retries", newCfg.FloodGuard.MaxRetries),
	)
	mark("broadcast", false, oldCfg.Broadcast != newCfg.Broadcast,
		logx.Int("broadcast.interval_minutes", newCfg.Broadcast.Defaults.IntervalMinutes),
		logx.String("broadcast.timezone", strings.TrimSpace(newCfg.Broadcast.Timezone)),
	)
	mark("channel", false, oldCfg.Channel != newCfg.Channel)
	mark("tags", false, oldCfg.Tags != newCfg.Tags, logx.Bool("tags.required", newCfg.Tags.Required))
	mark("notifier", false, !reflect.DeepEqual(oldCfg.Notifier, newCfg.Notifier),
		logx.Bool("notifier.webhook", newCfg.Notifier != nil && newCfg.Notifier.WebhookURL != ""),
	)
	mark("housekeeping", true, oldCfg.Housekeeping != newCfg.Housekeeping)
	return ch
}
