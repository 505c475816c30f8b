package app

import (
	"context"
	"errors"
	"time"

	"taskbell/internal/config"
	"taskbell/internal/notifier"
	logx "taskbell/pkg/logx"
)

const (
	jobDigest  = "tasks.digest"
	jobCompact = "storage.compact"
)

// registerJobs upserts the background jobs for cfg and removes the ones it
// no longer asks for.
func (a *App) registerJobs(cfg *config.Config) {
	if at := cfg.Scheduler.DigestAt; at != "" {
		if _, err := a.sched.AddDaily(jobDigest, at, 30*time.Second, a.sendDigest); err != nil {
			a.log.Warn("digest job not scheduled", logx.String("at", at), logx.Err(err))
		}
	} else {
		a.sched.Remove(jobDigest)
	}

	if spec := cfg.Scheduler.CompactSchedule; spec != "" && a.store != nil {
		if _, err := a.sched.AddSchedule(jobCompact, spec, 2*time.Minute, a.store.Compact); err != nil {
			a.log.Warn("compaction job not scheduled", logx.String("schedule", spec), logx.Err(err))
		}
	} else {
		a.sched.Remove(jobCompact)
	}
}

// sendDigest posts today's reminder summary. Empty days are skipped.
func (a *App) sendDigest(ctx context.Context) error {
	text, n := a.tasks.Digest()
	if n == 0 {
		a.log.Debug("digest skipped: nothing due today")
		return nil
	}
	err := a.notif.Notify(ctx, notifier.Notification{Title: "Today's reminders", Body: text})
	if errors.Is(err, notifier.ErrDisabled) {
		return nil
	}
	return err
}

func (a *App) registerGauges() {
	a.metrics.Gauge("reminder", "alerting", "Reminders currently alerting.", func() float64 {
		return float64(len(a.rem.Alerting()))
	})
	a.metrics.Gauge("reminder", "pending", "Reminders whose alert is starting.", func() float64 {
		return float64(len(a.rem.Pending()))
	})
	a.metrics.Gauge("tasks", "count", "Tasks in the store.", func() float64 {
		return float64(len(a.tasks.Snapshot()))
	})
	a.metrics.Gauge("notifier", "queued", "Notifications waiting for a worker.", func() float64 {
		return float64(a.notif.Snapshot().Queued)
	})
	a.metrics.Gauge("alert", "active", "Alert sounds currently looping.", func() float64 {
		return float64(a.alerts.Active())
	})
}
