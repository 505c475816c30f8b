package config

// Config is the on-disk configuration. JSON and YAML files are both decoded
// strictly: unknown keys are rejected so typos surface on load and on reload.
//
// All durations are Go duration strings ("500ms", "10s", "1m").
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Reminder  ReminderConfig  `json:"reminder"`
	Alert     AlertConfig     `json:"alert"`
	Notifier  *NotifierConfig `json:"notifier,omitempty"`
	Telegram  TelegramConfig  `json:"telegram"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Storage   *StorageConfig  `json:"storage,omitempty"`
	Tasks     TasksConfig     `json:"tasks"`
	Diag      DiagConfig      `json:"diag,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// ReminderConfig tunes the reminder engine.
//
// Defaults: tick_interval 1s, fire_window 1s, expiry_window 60s,
// start_timeout 10s.
type ReminderConfig struct {
	TickInterval string `json:"tick_interval,omitempty"`
	FireWindow   string `json:"fire_window,omitempty"`
	ExpiryWindow string `json:"expiry_window,omitempty"`
	StartTimeout string `json:"start_timeout,omitempty"`
}

// AlertConfig controls the looping alert sound.
//
// Command is an argv template; "{sound}" is replaced by the sound path.
// When empty a platform player is used (paplay on Linux, afplay on macOS).
type AlertConfig struct {
	Enabled     bool     `json:"enabled"`
	Sound       string   `json:"sound"`
	Command     []string `json:"command,omitempty"`
	LoadTimeout string   `json:"load_timeout,omitempty"`
	Gap         string   `json:"gap,omitempty"`
}

// NotifierConfig controls the async notification pipeline.
// If the whole section is omitted, the notifier defaults to enabled=true.
type NotifierConfig struct {
	Enabled         bool   `json:"enabled"`
	Workers         int    `json:"workers"`
	QueueSize       int    `json:"queue_size"`
	RatePerSec      int    `json:"rate_per_sec"`
	RetryMax        int    `json:"retry_max"`
	RetryBase       string `json:"retry_base"`
	RetryMaxDelay   string `json:"retry_max_delay"`
	SendTimeout     string `json:"send_timeout,omitempty"`
	PermTimeout     string `json:"permission_timeout,omitempty"`
	DedupWindow     string `json:"dedup_window"`
	DedupMaxEntries int    `json:"dedup_max_entries"`
	PersistDedup    bool   `json:"persist_dedup,omitempty"`

	Desktop DesktopConfig `json:"desktop"`
}

type DesktopConfig struct {
	Enabled bool   `json:"enabled"`
	AppName string `json:"app_name,omitempty"`
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	// ChatID receives reminder notifications and the daily digest.
	// Defaults to the first owner.
	ChatID   int64  `json:"chat_id,omitempty"`
	GroupLog string `json:"group_log"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout"`
}

// SchedulerConfig controls background jobs (daily digest, storage compaction).
type SchedulerConfig struct {
	Enabled        bool   `json:"enabled"`
	Timezone       string `json:"timezone,omitempty"`
	Workers        int    `json:"workers,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
	RetryMax       int    `json:"retry_max,omitempty"`

	// DigestAt is HH:MM; empty disables the daily digest.
	DigestAt string `json:"digest_at,omitempty"`
	// CompactSchedule accepts cron, duration or HH:MM interval; empty disables it.
	CompactSchedule string `json:"compact_schedule,omitempty"`
}

// StorageConfig controls persistence.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./taskbell.db" }
type StorageConfig struct {
	Driver       string `json:"driver"`
	Path         string `json:"path"`
	BusyTimeout  string `json:"busy_timeout,omitempty"` // sqlite
	CompactEvery int    `json:"compact_every,omitempty"`
}

type TasksConfig struct {
	Timezone        string `json:"timezone,omitempty"`
	DefaultPriority string `json:"default_priority,omitempty"`
}

// DiagConfig controls the diagnostics HTTP server (/healthz, /status,
// /metrics, /debug/pprof/).
//
// Prefer binding to localhost. A non-loopback address needs a token or an
// explicit allow_insecure.
type DiagConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:6060"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
}
