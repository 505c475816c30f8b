package config

import (
	"reflect"
	"strings"

	logx "taskbell/pkg/logx"
)

// SummarizeConfigChange returns the changed top-level sections and safe
// structured fields for logging. Secrets (tokens) are never included, only
// whether they are set.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}
	if oldCfg.Reminder != newCfg.Reminder {
		changed = append(changed, "reminder")
		attrs = append(attrs,
			logx.String("reminder.fire_window", newCfg.Reminder.FireWindow),
			logx.String("reminder.expiry_window", newCfg.Reminder.ExpiryWindow),
		)
	}
	if !reflect.DeepEqual(oldCfg.Alert, newCfg.Alert) {
		changed = append(changed, "alert")
		attrs = append(attrs,
			logx.Bool("alert.enabled", newCfg.Alert.Enabled),
			logx.String("alert.sound", newCfg.Alert.Sound),
		)
	}
	if !reflect.DeepEqual(oldCfg.Notifier, newCfg.Notifier) {
		changed = append(changed, "notifier")
		n := derefNotifier(newCfg.Notifier)
		attrs = append(attrs,
			logx.Bool("notifier.present", newCfg.Notifier != nil),
			logx.Bool("notifier.enabled", n.Enabled),
			logx.Bool("notifier.desktop", n.Desktop.Enabled),
		)
	}
	// never log the token itself
	if strings.TrimSpace(oldCfg.Telegram.PollTimeout) != strings.TrimSpace(newCfg.Telegram.PollTimeout) ||
		!reflect.DeepEqual(oldCfg.Telegram.OwnerUserIDs, newCfg.Telegram.OwnerUserIDs) ||
		oldCfg.Telegram.ChatID != newCfg.Telegram.ChatID ||
		strings.TrimSpace(oldCfg.Telegram.GroupLog) != strings.TrimSpace(newCfg.Telegram.GroupLog) ||
		oldCfg.Telegram.Token != newCfg.Telegram.Token {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.token_set", strings.TrimSpace(newCfg.Telegram.Token) != ""),
			logx.Int("telegram.owner_count", len(newCfg.Telegram.OwnerUserIDs)),
			logx.Bool("telegram.group_log_set", strings.TrimSpace(newCfg.Telegram.GroupLog) != ""),
		)
	}
	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.timezone", newCfg.Scheduler.Timezone),
			logx.String("scheduler.digest_at", newCfg.Scheduler.DigestAt),
			logx.String("scheduler.compact_schedule", newCfg.Scheduler.CompactSchedule),
		)
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		st := derefStorage(newCfg.Storage)
		attrs = append(attrs, logx.String("storage.driver", st.Driver), logx.String("storage.path", st.Path))
	}
	if oldCfg.Tasks != newCfg.Tasks {
		changed = append(changed, "tasks")
		attrs = append(attrs, logx.String("tasks.timezone", newCfg.Tasks.Timezone))
	}
	if oldCfg.Diag != newCfg.Diag {
		changed = append(changed, "diag")
		attrs = append(attrs,
			logx.Bool("diag.enabled", newCfg.Diag.Enabled),
			logx.String("diag.addr", strings.TrimSpace(newCfg.Diag.Addr)),
			logx.Bool("diag.token_set", strings.TrimSpace(newCfg.Diag.Token) != ""),
			logx.Bool("diag.pprof", newCfg.Diag.Pprof),
		)
	}
	return changed, attrs
}

// RequiresRestart reports changes that live services cannot apply in place.
func RequiresRestart(oldCfg, newCfg *Config) []string {
	if oldCfg == nil || newCfg == nil {
		return nil
	}
	var out []string
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		out = append(out, "storage")
	}
	if strings.TrimSpace(oldCfg.Tasks.Timezone) != strings.TrimSpace(newCfg.Tasks.Timezone) {
		out = append(out, "tasks.timezone")
	}
	return out
}

func derefNotifier(n *NotifierConfig) NotifierConfig {
	if n == nil {
		return NotifierConfig{Enabled: true}
	}
	return *n
}

func derefStorage(s *StorageConfig) StorageConfig {
	if s == nil {
		return StorageConfig{}
	}
	return *s
}
