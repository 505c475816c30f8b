// Package systemd reports service state to systemd through sd_notify:
// readiness, shutdown, a free-form status line and watchdog keep-alives.
// Outside systemd (no NOTIFY_SOCKET) every call is a no-op.
package systemd

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "taskbell/pkg/logx"
)

type Notifier struct {
	log      logx.Logger
	send     func(unsetEnv bool, state string) (bool, error)
	interval func() (time.Duration, error)
}

func New(log logx.Logger) *Notifier {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Notifier{
		log:      log,
		send:     daemon.SdNotify,
		interval: func() (time.Duration, error) { return daemon.SdWatchdogEnabled(false) },
	}
}

func (n *Notifier) Ready() { n.notify(daemon.SdNotifyReady) }

func (n *Notifier) Stopping() { n.notify(daemon.SdNotifyStopping) }

func (n *Notifier) Reloading() { n.notify(daemon.SdNotifyReloading) }

func (n *Notifier) Status(s string) { n.notify("STATUS=" + s) }

func (n *Notifier) notify(state string) bool {
	sent, err := n.send(false, state)
	if err != nil {
		n.log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return false
	}
	return sent
}

// Watchdog pings systemd at half the configured WatchdogSec while healthy
// reports true. It returns at once when the unit has no watchdog.
func (n *Notifier) Watchdog(ctx context.Context, healthy func() bool) error {
	every, err := n.interval()
	if err != nil {
		return err
	}
	if every <= 0 {
		return nil
	}
	every /= 2
	n.log.Info("systemd watchdog enabled", logx.Duration("every", every))

	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if healthy != nil && !healthy() {
				n.log.Warn("skipping watchdog ping: unhealthy")
				continue
			}
			n.notify(daemon.SdNotifyWatchdog)
		}
	}
}
