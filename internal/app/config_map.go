package app

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"taskbell/internal/alert"
	"taskbell/internal/config"
	"taskbell/internal/notifier"
	"taskbell/internal/observability/diag"
	"taskbell/internal/reminder"
	"taskbell/internal/scheduler"
	"taskbell/internal/storage"
	"taskbell/internal/tasks"
	kit "taskbell/internal/transport"
	logx "taskbell/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Forward: logx.ForwardConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

// mapLogTarget resolves telegram.group_log plus logging.telegram.thread_id.
// An empty group_log disables forwarding.
func mapLogTarget(cfg *config.Config) (kit.ChatTarget, error) {
	raw := strings.TrimSpace(cfg.Telegram.GroupLog)
	if raw == "" {
		return kit.ChatTarget{}, nil
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return kit.ChatTarget{}, fmt.Errorf("telegram.group_log: invalid chat id %q", raw)
	}
	return kit.ChatTarget{ChatID: id, ThreadID: cfg.Logging.Telegram.ThreadID}, nil
}

// mapNotifyTarget is telegram.chat_id, falling back to the first owner.
func mapNotifyTarget(cfg *config.Config) kit.ChatTarget {
	if cfg.Telegram.ChatID != 0 {
		return kit.ChatTarget{ChatID: cfg.Telegram.ChatID}
	}
	if len(cfg.Telegram.OwnerUserIDs) > 0 {
		return kit.ChatTarget{ChatID: cfg.Telegram.OwnerUserIDs[0]}
	}
	return kit.ChatTarget{}
}

func mapReminderConfig(cfg *config.Config) (reminder.Config, error) {
	rc := cfg.Reminder
	tick, err := config.ParseDurationOrDefault("reminder.tick_interval", rc.TickInterval, reminder.DefaultTickInterval)
	if err != nil {
		return reminder.Config{}, err
	}
	fire, err := config.ParseDurationOrDefault("reminder.fire_window", rc.FireWindow, reminder.DefaultFireWindow)
	if err != nil {
		return reminder.Config{}, err
	}
	expiry, err := config.ParseDurationOrDefault("reminder.expiry_window", rc.ExpiryWindow, reminder.DefaultExpiryWindow)
	if err != nil {
		return reminder.Config{}, err
	}
	start, err := config.ParseDurationOrDefault("reminder.start_timeout", rc.StartTimeout, reminder.DefaultStartTimeout)
	if err != nil {
		return reminder.Config{}, err
	}
	if expiry < fire {
		return reminder.Config{}, fmt.Errorf("reminder.expiry_window (%s) must not be shorter than fire_window (%s)", expiry, fire)
	}
	return reminder.Config{TickInterval: tick, FireWindow: fire, ExpiryWindow: expiry, StartTimeout: start}, nil
}

func mapAlertConfig(cfg *config.Config) (alert.Config, error) {
	ac := cfg.Alert
	load, err := config.ParseDurationOrDefault("alert.load_timeout", ac.LoadTimeout, 5*time.Second)
	if err != nil {
		return alert.Config{}, err
	}
	gap, err := config.ParseDurationField("alert.gap", ac.Gap)
	if err != nil {
		return alert.Config{}, err
	}
	if ac.Enabled && strings.TrimSpace(ac.Sound) == "" {
		return alert.Config{}, fmt.Errorf("alert.sound is required when alert.enabled=true")
	}
	return alert.Config{
		Enabled:     ac.Enabled,
		SoundPath:   strings.TrimSpace(ac.Sound),
		Command:     ac.Command,
		LoadTimeout: load,
		Gap:         gap,
	}, nil
}

// mapNotifierConfig maps the notifier section. An omitted section means
// enabled with defaults.
func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	if cfg.Notifier == nil {
		return notifier.Config{Enabled: true}, nil
	}
	nc := cfg.Notifier
	if nc.Workers < 0 || nc.QueueSize < 0 || nc.RatePerSec < 0 || nc.RetryMax < 0 || nc.DedupMaxEntries < 0 {
		return notifier.Config{}, fmt.Errorf("notifier: counts must be >= 0")
	}
	out := notifier.Config{
		Enabled:         nc.Enabled,
		Workers:         nc.Workers,
		QueueSize:       nc.QueueSize,
		RatePerSec:      nc.RatePerSec,
		RetryMax:        nc.RetryMax,
		DedupMaxEntries: nc.DedupMaxEntries,
		PersistDedup:    nc.PersistDedup,
	}
	var err error
	fields := []struct {
		path string
		raw  string
		dst  *time.Duration
	}{
		{"notifier.retry_base", nc.RetryBase, &out.RetryBase},
		{"notifier.retry_max_delay", nc.RetryMaxDelay, &out.RetryMaxDelay},
		{"notifier.send_timeout", nc.SendTimeout, &out.SendTimeout},
		{"notifier.permission_timeout", nc.PermTimeout, &out.PermTimeout},
		{"notifier.dedup_window", nc.DedupWindow, &out.DedupWindow},
	}
	for _, f := range fields {
		if *f.dst, err = config.ParseDurationField(f.path, f.raw); err != nil {
			return notifier.Config{}, err
		}
	}
	return out, nil
}

func desktopEnabled(cfg *config.Config) (bool, string) {
	if cfg.Notifier == nil {
		return false, ""
	}
	return cfg.Notifier.Desktop.Enabled, cfg.Notifier.Desktop.AppName
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)
	if sc.CompactEvery < 0 {
		return storage.Config{}, false, fmt.Errorf("storage.compact_every must be >= 0")
	}

	switch driver {
	case "file":
		return storage.Config{Driver: "file", Path: path, CompactEvery: sc.CompactEvery}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapTasksConfig(cfg *config.Config) (tasks.Config, error) {
	tc := tasks.Config{Timezone: cfg.Tasks.Timezone, DefaultPriority: cfg.Tasks.DefaultPriority}
	if _, err := tasks.LoadLocation(tc.Timezone); err != nil {
		return tasks.Config{}, fmt.Errorf("tasks.timezone: %w", err)
	}
	return tc, nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	sc := cfg.Scheduler
	if sc.Workers < 0 || sc.HistorySize < 0 || sc.RetryMax < 0 {
		return scheduler.Config{}, fmt.Errorf("scheduler: counts must be >= 0")
	}
	timeout, err := config.ParseDurationField("scheduler.default_timeout", sc.DefaultTimeout)
	if err != nil {
		return scheduler.Config{}, err
	}
	if tz := strings.TrimSpace(sc.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return scheduler.Config{}, fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
	}
	if sc.DigestAt != "" {
		if err := scheduler.ValidateDaily(sc.DigestAt); err != nil {
			return scheduler.Config{}, fmt.Errorf("scheduler.digest_at: %w", err)
		}
	}
	if sc.CompactSchedule != "" {
		if _, err := scheduler.ParseSchedule(sc.CompactSchedule); err != nil {
			return scheduler.Config{}, fmt.Errorf("scheduler.compact_schedule: %w", err)
		}
	}
	return scheduler.Config{
		Enabled:        sc.Enabled,
		Workers:        sc.Workers,
		DefaultTimeout: timeout,
		HistorySize:    sc.HistorySize,
		Timezone:       sc.Timezone,
		RetryMax:       sc.RetryMax,
	}, nil
}

func mapDiagConfig(cfg *config.Config) (diag.Config, error) {
	dc := cfg.Diag
	out := diag.Config{
		Enabled:              dc.Enabled,
		Addr:                 strings.TrimSpace(dc.Addr),
		Token:                strings.TrimSpace(dc.Token),
		AllowInsecure:        dc.AllowInsecure,
		Pprof:                dc.Pprof,
		MutexProfileFraction: dc.MutexProfileFraction,
		BlockProfileRate:     dc.BlockProfileRate,
	}
	var err error
	if out.ReadTimeout, err = config.ParseDurationOrDefault("diag.read_timeout", dc.ReadTimeout, 10*time.Second); err != nil {
		return diag.Config{}, err
	}
	// pprof profile and trace stream for up to 30s by default
	if out.WriteTimeout, err = config.ParseDurationOrDefault("diag.write_timeout", dc.WriteTimeout, 60*time.Second); err != nil {
		return diag.Config{}, err
	}
	if out.IdleTimeout, err = config.ParseDurationOrDefault("diag.idle_timeout", dc.IdleTimeout, 60*time.Second); err != nil {
		return diag.Config{}, err
	}
	return out, nil
}

func mapPollTimeout(cfg *config.Config) (time.Duration, error) {
	return config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
}

// validate checks every section the way the mappers read them. It runs on
// load and before a reload is committed.
func validate(cfg *config.Config) error {
	if _, err := mapLogTarget(cfg); err != nil {
		return err
	}
	if _, err := mapReminderConfig(cfg); err != nil {
		return err
	}
	if _, err := mapAlertConfig(cfg); err != nil {
		return err
	}
	if _, err := mapNotifierConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapTasksConfig(cfg); err != nil {
		return err
	}
	if _, err := mapSchedulerConfig(cfg); err != nil {
		return err
	}
	if _, err := mapDiagConfig(cfg); err != nil {
		return err
	}
	if _, err := mapPollTimeout(cfg); err != nil {
		return err
	}
	return nil
}
