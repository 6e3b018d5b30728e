package config

// Config is the whole file. Durations are Go duration strings ("10s", "5m")
// and clock windows are "HH:MM-HH:MM".
type Config struct {
	Telegram     TelegramConfig     `json:"telegram"`
	Account      AccountConfig      `json:"account"`
	Logging      LoggingConfig      `json:"logging"`
	Storage      StorageConfig      `json:"storage"`
	Auth         AuthConfig         `json:"auth"`
	FloodGuard   FloodGuardConfig   `json:"floodguard"`
	Broadcast    BroadcastConfig    `json:"broadcast"`
	Channel      ChannelConfig      `json:"channel"`
	Tags         TagsConfig         `json:"tags"`
	Notifier     *NotifierConfig    `json:"notifier,omitempty"`
	Housekeeping HousekeepingConfig `json:"housekeeping"`
}

type TelegramConfig struct {
	Token        string  `json:"token" validate:"required"`
	OwnerUserIDs []int64 `json:"owner_user_ids" validate:"dive,gt=0"`
	// AdminChat receives operator notices; 0 falls back to the first owner.
	AdminChat   int64  `json:"admin_chat,omitempty"`
	LogChat     int64  `json:"log_chat,omitempty"`
	LogThreadID int    `json:"log_thread_id,omitempty"`
	PollTimeout string `json:"poll_timeout"`
	Workers     int    `json:"workers,omitempty" validate:"gte=0,lte=64"`
}

// AccountConfig identifies this application to the account API.
type AccountConfig struct {
	AppID         int    `json:"app_id" validate:"required,gt=0"`
	AppHash       string `json:"app_hash" validate:"required,len=32,hexadecimal"`
	DeviceModel   string `json:"device_model,omitempty"`
	SystemVersion string `json:"system_version,omitempty"`
	AppVersion    string `json:"app_version,omitempty"`
	DialTimeout   string `json:"dial_timeout,omitempty"`
	// IdleDisconnect closes pooled account connections unused for this long.
	IdleDisconnect string `json:"idle_disconnect,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level" validate:"omitempty,oneof=trace debug info warn warning error TRACE DEBUG INFO WARN WARNING ERROR"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
	Chat    LoggingChat `json:"chat"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingChat struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec" validate:"gte=0"`
}

// StorageConfig selects the persistence backend.
//
//	"storage": { "driver": "sqlite", "path": "./groupcast.db" }
type StorageConfig struct {
	Driver      string `json:"driver" validate:"omitempty,oneof=sqlite"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// AuthConfig is the linking policy.
type AuthConfig struct {
	PendingTTL          string `json:"pending_ttl"`
	PasswordMaxAttempts int    `json:"password_max_attempts" validate:"gte=0,lte=10"`
	PasswordCooldown    string `json:"password_cooldown"`
	QRTimeout           string `json:"qr_timeout,omitempty"`
}

type FloodGuardConfig struct {
	MaxRetries       int     `json:"max_retries" validate:"gte=0,lte=20"`
	Buffer           string  `json:"buffer"`
	MaxWait          string  `json:"max_wait"`
	TransientBackoff string  `json:"transient_backoff"`
	RatePerSec       float64 `json:"rate_per_sec" validate:"gte=0"`
}

type BroadcastConfig struct {
	Timezone  string `json:"timezone,omitempty"`
	JitterMax string `json:"jitter_max"`
	// DailyCap is shown next to the daily counter. It is never enforced.
	DailyCap int               `json:"daily_cap,omitempty" validate:"gte=0"`
	Defaults BroadcastDefaults `json:"defaults"`
}

// BroadcastDefaults apply to accounts without stored settings.
type BroadcastDefaults struct {
	IntervalMinutes int    `json:"interval_minutes" validate:"omitempty,gte=11"`
	GroupDelayMin   int    `json:"group_delay_min" validate:"gte=0"`
	GroupDelayMax   int    `json:"group_delay_max" validate:"gte=0"`
	QuietHours      string `json:"quiet_hours,omitempty"`
	ScheduleWindow  string `json:"schedule_window,omitempty"`
	ABMode          string `json:"ab_mode,omitempty" validate:"omitempty,oneof=off single rotate split"`
}

// ChannelConfig is the update channel joined after linking.
type ChannelConfig struct {
	Username     string `json:"username,omitempty"`
	JoinOnLink   bool   `json:"join_on_link"`
	VerifyOnLink bool   `json:"verify_on_link"`
}

// TagsConfig is the profile marker requirement gating broadcasts.
type TagsConfig struct {
	Required   bool   `json:"required"`
	NameMarker string `json:"name_marker,omitempty"`
	BioMarker  string `json:"bio_marker,omitempty"`
}

// NotifierConfig controls the admin notice pipeline. Omitting the section
// keeps it enabled with defaults.
type NotifierConfig struct {
	Enabled         bool   `json:"enabled"`
	Workers         int    `json:"workers" validate:"gte=0,lte=16"`
	QueueSize       int    `json:"queue_size" validate:"gte=0"`
	RatePerSec      int    `json:"rate_per_sec" validate:"gte=0"`
	RetryMax        int    `json:"retry_max" validate:"gte=0"`
	RetryBase       string `json:"retry_base"`
	RetryMaxDelay   string `json:"retry_max_delay"`
	DedupWindow     string `json:"dedup_window"`
	DedupMaxEntries int    `json:"dedup_max_entries" validate:"gte=0"`
	WebhookURL      string `json:"webhook_url,omitempty" validate:"omitempty,url"`
	WebhookTimeout  string `json:"webhook_timeout,omitempty"`
}

// HousekeepingConfig holds cron specs (5 or 6 fields, or descriptors such
// as "@every 30s") and the stats retention duration.
type HousekeepingConfig struct {
	AuthSweep      string `json:"auth_sweep,omitempty"`
	GroupRefresh   string `json:"group_refresh,omitempty"`
	StatsPrune     string `json:"stats_prune,omitempty"`
	IdleReap       string `json:"idle_reap,omitempty"`
	StatsRetention string `json:"stats_retention,omitempty"`
}
