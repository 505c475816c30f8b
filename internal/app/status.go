package app

import (
	"time"

	"taskbell/internal/notifier"
	"taskbell/internal/reminder"
	rtsup "taskbell/internal/runtime/supervisor"
	"taskbell/internal/scheduler"
)

// Status is the JSON document served on /status.
type Status struct {
	StartedAt  time.Time          `json:"started_at"`
	Uptime     string             `json:"uptime"`
	Tasks      int                `json:"tasks"`
	TasksRev   uint64             `json:"tasks_version"`
	NextDue    *time.Time         `json:"next_due,omitempty"`
	Reminder   reminder.Snapshot  `json:"reminder"`
	Notifier   notifier.Snapshot  `json:"notifier"`
	Scheduler  scheduler.Snapshot `json:"scheduler"`
	Supervisor rtsup.Counters     `json:"supervisor"`
	Telegram   bool               `json:"telegram"`
}

func (a *App) Status() any {
	st := Status{
		StartedAt: a.started,
		Uptime:    time.Since(a.started).Truncate(time.Second).String(),
		Tasks:     len(a.tasks.Snapshot()),
		TasksRev:  a.tasks.Version(),
		Reminder:  a.rem.Snapshot(),
		Notifier:  a.notif.Snapshot(),
		Scheduler: a.sched.Snapshot(),
		Telegram:  a.adapter != nil,
	}
	if next, ok := a.rem.NextDue(); ok {
		st.NextDue = &next
	}
	if a.sup != nil {
		st.Supervisor = a.sup.Counters()
	}
	return st
}
