package app

import (
	"context"
	"errors"
	"sync/atomic"

	"taskbell/internal/notifier"
	logx "taskbell/pkg/logx"
)

// switchSink lets config reloads turn a sink on and off without removing
// it from the notifier. While off it reports PermissionDenied.
type switchSink struct {
	notifier.Sink
	on atomic.Bool
}

func newSwitchSink(s notifier.Sink, on bool) *switchSink {
	w := &switchSink{Sink: s}
	w.on.Store(on)
	return w
}

// set reports whether the state changed.
func (w *switchSink) set(on bool) bool { return w.on.Swap(on) != on }

func (w *switchSink) Permission(ctx context.Context) (notifier.Permission, error) {
	if !w.on.Load() {
		return notifier.PermissionDenied, nil
	}
	return w.Sink.Permission(ctx)
}

// reminderNotifier adapts the notifier to the reminder engine, which must
// never block on delivery.
type reminderNotifier struct {
	svc *notifier.Service
	log logx.Logger
}

func (r reminderNotifier) Notify(title, body string) { r.NotifyTask("", title, body) }

func (r reminderNotifier) NotifyTask(taskID, title, body string) {
	err := r.svc.Notify(context.Background(), notifier.Notification{Title: title, Body: body, TaskID: taskID})
	if err != nil && !errors.Is(err, notifier.ErrDisabled) {
		r.log.Warn("reminder notification not queued", logx.String("task", taskID), logx.Err(err))
	}
}
