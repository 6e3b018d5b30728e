package app

import (
	"strings"
	"time"

	"groupcast/internal/broadcast"
	"groupcast/internal/commands"
	"groupcast/internal/config"
	"groupcast/internal/domain"
	"groupcast/internal/floodguard"
	"groupcast/internal/housekeeping"
	"groupcast/internal/linker"
	"groupcast/internal/notifier"
	"groupcast/internal/storage"
	"groupcast/internal/transport"
	"groupcast/internal/transport/mtproto"
	logx "groupcast/pkg/logx"
)

// The map functions run on configs that already passed Validate, so
// duration parse errors fall back to defaults.

func mapLogConfig(cfg *config.Config) logx.Config {
	lc := cfg.Logging
	return logx.Config{
		Level:   lc.Level,
		Console: lc.Console,
		File:    logx.FileConfig{Enabled: lc.File.Enabled, Path: lc.File.Path},
		Chat: logx.ChatConfig{
			Enabled:    lc.Chat.Enabled && cfg.Telegram.LogChat != 0,
			ChatID:     cfg.Telegram.LogChat,
			ThreadID:   cfg.Telegram.LogThreadID,
			MinLevel:   lc.Chat.MinLevel,
			RatePerSec: lc.Chat.RatePerSec,
		},
	}
}

func mapStorageConfig(cfg *config.Config) storage.Config {
	return storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: config.MustDuration(cfg.Storage.BusyTimeout, 5*time.Second),
	}
}

func mapDefaults(cfg *config.Config) storage.Defaults {
	d := cfg.Broadcast.Defaults
	st := domain.Settings{
		IntervalMinutes: d.IntervalMinutes,
		GroupDelayMin:   d.GroupDelayMin,
		GroupDelayMax:   d.GroupDelayMax,
		AB:              domain.ABMode{Type: domain.ABSingle},
	}
	if st.IntervalMinutes < domain.MinIntervalMinutes {
		st.IntervalMinutes = domain.MinIntervalMinutes
	}
	st.QuietHours, _ = config.ParseWindowField("", d.QuietHours)
	st.ScheduleWindow, _ = config.ParseWindowField("", d.ScheduleWindow)
	switch mode := strings.ToLower(strings.TrimSpace(d.ABMode)); mode {
	case "", "off":
	default:
		st.AB = domain.ABMode{Enabled: true, Type: domain.ABType(mode)}
	}
	return storage.Defaults{Settings: st}
}

func mapGuardConfig(cfg *config.Config) floodguard.Config {
	def := floodguard.DefaultConfig()
	fc := cfg.FloodGuard
	out := floodguard.Config{
		MaxRetries:       fc.MaxRetries,
		Buffer:           config.MustDuration(fc.Buffer, def.Buffer),
		MaxWait:          config.MustDuration(fc.MaxWait, def.MaxWait),
		TransientBackoff: config.MustDuration(fc.TransientBackoff, def.TransientBackoff),
		RatePerSec:       fc.RatePerSec,
		Burst:            def.Burst,
	}
	if out.MaxRetries <= 0 {
		out.MaxRetries = def.MaxRetries
	}
	if out.RatePerSec <= 0 {
		out.RatePerSec = def.RatePerSec
	}
	return out
}

func mapLinkerConfig(cfg *config.Config) linker.Config {
	ac := cfg.Auth
	return linker.Config{
		PendingTTL:          config.MustDuration(ac.PendingTTL, config.DefaultPendingTTL),
		PasswordMaxAttempts: ac.PasswordMaxAttempts,
		PasswordCooldown:    config.MustDuration(ac.PasswordCooldown, config.DefaultPasswordCooldown),
		QRTimeout:           config.MustDuration(ac.QRTimeout, config.DefaultQRTimeout),
		ChannelUsername:     strings.TrimPrefix(strings.TrimSpace(cfg.Channel.Username), "@"),
		JoinChannel:         cfg.Channel.JoinOnLink,
		VerifyOnLink:        cfg.Channel.VerifyOnLink,
	}
}

func mapSchedulerConfig(cfg *config.Config) broadcast.Config {
	return broadcast.Config{
		Location:     cfg.Location(),
		JitterMax:    config.MustDuration(cfg.Broadcast.JitterMax, config.DefaultJitterMax),
		TagsRequired: cfg.Tags.Required,
	}
}

func mapAccountConfig(cfg *config.Config) mtproto.Config {
	ac := cfg.Account
	return mtproto.Config{
		AppID:          ac.AppID,
		AppHash:        ac.AppHash,
		DeviceModel:    ac.DeviceModel,
		SystemVersion:  ac.SystemVersion,
		AppVersion:     ac.AppVersion,
		DialTimeout:    config.MustDuration(ac.DialTimeout, 30*time.Second),
		IdleDisconnect: config.MustDuration(ac.IdleDisconnect, 15*time.Minute),
	}
}

// adminChat is telegram.admin_chat, or the first owner when unset.
func adminChat(cfg *config.Config) int64 {
	if cfg.Telegram.AdminChat != 0 {
		return cfg.Telegram.AdminChat
	}
	if len(cfg.Telegram.OwnerUserIDs) > 0 {
		return cfg.Telegram.OwnerUserIDs[0]
	}
	return 0
}

func mapNotifierConfig(cfg *config.Config) notifier.Config {
	nc := cfg.Notifier
	if nc == nil {
		nc = &config.NotifierConfig{Enabled: true}
	}
	return notifier.Config{
		Enabled:         nc.Enabled,
		Workers:         nc.Workers,
		QueueSize:       nc.QueueSize,
		RatePerSec:      nc.RatePerSec,
		RetryMax:        nc.RetryMax,
		RetryBase:       config.MustDuration(nc.RetryBase, 500*time.Millisecond),
		RetryMaxDelay:   config.MustDuration(nc.RetryMaxDelay, 10*time.Second),
		DedupWindow:     config.MustDuration(nc.DedupWindow, time.Minute),
		DedupMaxEntries: nc.DedupMaxEntries,
		AdminChat:       transport.ChatTarget{ChatID: adminChat(cfg)},
		WebhookURL:      strings.TrimSpace(nc.WebhookURL),
		WebhookTimeout:  config.MustDuration(nc.WebhookTimeout, 5*time.Second),
	}
}

func mapHousekeepingConfig(cfg *config.Config) housekeeping.Config {
	hc := cfg.Housekeeping
	return housekeeping.Config{
		AuthSweep:      strings.TrimSpace(hc.AuthSweep),
		GroupRefresh:   strings.TrimSpace(hc.GroupRefresh),
		StatsPrune:     strings.TrimSpace(hc.StatsPrune),
		IdleReap:       strings.TrimSpace(hc.IdleReap),
		StatsRetention: config.MustDuration(hc.StatsRetention, 30*24*time.Hour),
		Location:       cfg.Location(),
	}
}

func mapCommandOptions(cfg *config.Config) commands.Options {
	return commands.Options{
		Location:     cfg.Location(),
		DailyCap:     cfg.Broadcast.DailyCap,
		TagsRequired: cfg.Tags.Required,
		NameMarker:   cfg.Tags.NameMarker,
		BioMarker:    cfg.Tags.BioMarker,
	}
}

func mapRouterConfig(cfg *config.Config) commands.RouterConfig {
	return commands.RouterConfig{Workers: cfg.Telegram.Workers}
}
