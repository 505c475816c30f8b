package app

import (
	"context"
	"strings"
	"time"

	"taskbell/internal/config"
	logx "taskbell/pkg/logx"
)

// reloadLoop fans validated config updates out to the live components.
func (a *App) reloadLoop(c context.Context) {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)
	last := a.cfgm.Get()
	for {
		select {
		case <-c.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
			// coalesce bursts
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						cfg = newer
					}
				default:
					break drain
				}
			}
			a.sd.Reloading()
			a.applyConfig(c, last, cfg)
			last = cfg
			a.sd.Ready()
		}
	}
}

func (a *App) applyConfig(c context.Context, prev, cfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, cfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if restart := config.RequiresRestart(prev, cfg); len(restart) > 0 {
		a.log.Warn("config change needs a restart to take effect", logx.Strings("keys", restart))
	}

	if a.adapter != nil {
		if target, err := mapLogTarget(cfg); err == nil {
			a.adapter.SetLogTarget(target)
		}
		if a.tgSink.SetTarget(mapNotifyTarget(cfg)) {
			a.notif.ResetPermission(a.tgSink.Name())
		}
		a.cmdm.SetOwners(cfg.Telegram.OwnerUserIDs)
	}
	logCfg := mapLogConfig(cfg)
	if a.adapter == nil {
		logCfg.Forward.Enabled = false
	}
	a.logs.Apply(logCfg)

	if rc, err := mapReminderConfig(cfg); err == nil {
		a.rem.Apply(rc)
	}
	if ac, err := mapAlertConfig(cfg); err == nil {
		a.alerts.Apply(ac)
	}

	if nc, err := mapNotifierConfig(cfg); err == nil {
		wasOn := a.notif.Enabled()
		a.notif.Apply(nc)
		switch {
		case wasOn && !nc.Enabled:
			a.log.Info("notifier disabled via config")
			stopCtx, cancel := context.WithTimeout(c, 3*time.Second)
			a.notif.Stop(stopCtx)
			cancel()
		case !wasOn && nc.Enabled:
			a.log.Info("notifier enabled via config")
			a.notif.Start(c)
		}
	}
	if on, _ := desktopEnabled(cfg); a.desktop.set(on) {
		a.notif.ResetPermission(a.desktop.Name())
	}

	if sc, err := mapSchedulerConfig(cfg); err == nil {
		wasOn := a.sched.Enabled()
		a.sched.Apply(sc)
		a.registerJobs(cfg)
		switch {
		case wasOn && !sc.Enabled:
			a.log.Info("scheduler disabled via config")
			stopCtx, cancel := context.WithTimeout(c, 3*time.Second)
			a.sched.Stop(stopCtx)
			cancel()
		case !wasOn && sc.Enabled:
			a.log.Info("scheduler enabled via config")
			a.sched.Start(c)
		}
	}

	if dc, err := mapDiagConfig(cfg); err == nil {
		a.diag.Reconfigure(c, dc)
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}
