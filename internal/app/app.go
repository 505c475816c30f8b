package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"taskbell/internal/alert"
	"taskbell/internal/config"
	"taskbell/internal/eventbus"
	"taskbell/internal/notifier"
	"taskbell/internal/notifier/desktop"
	tgsink "taskbell/internal/notifier/telegram"
	"taskbell/internal/observability/diag"
	"taskbell/internal/observability/metrics"
	"taskbell/internal/reminder"
	rtsup "taskbell/internal/runtime/supervisor"
	"taskbell/internal/scheduler"
	"taskbell/internal/storage"
	"taskbell/internal/tasks"
	kit "taskbell/internal/transport"
	telegram "taskbell/internal/transport/telegram/adapter"
	"taskbell/internal/transport/telegram/router"
	logx "taskbell/pkg/logx"
	"taskbell/pkg/systemd"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	tasks   *tasks.Store
	alerts  *alert.Player
	notif   *notifier.Service
	desktop *switchSink
	tgSink  *tgsink.Sink
	rem     *reminder.Service
	sched   *scheduler.Service
	metrics *metrics.Metrics
	diag    *diag.Service
	sd      *systemd.Notifier

	// nil when no bot token is configured
	adapter *telegram.Adapter
	cmdm    *router.CommandManager
	updates chan kit.Update

	started time.Time
}

// New loads the config and builds every component. Nothing runs until
// Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}

	// Forwarding is enabled only after the target is set, so Apply does not
	// warn about a missing forwarder.
	logCfg := mapLogConfig(cfg)
	finalLogCfg := logCfg
	logCfg.Forward.Enabled = false
	logSvc, root := logx.New(logCfg)
	log := root.With(logx.String("comp", "app"))

	var ad *telegram.Adapter
	if cfg.Telegram.Token != "" {
		poll, _ := mapPollTimeout(cfg)
		target, _ := mapLogTarget(cfg)
		ad, err = telegram.New(telegram.Config{
			Token:       cfg.Telegram.Token,
			PollTimeout: poll,
			LogTarget:   target,
		}, root.With(logx.String("comp", "telegram")))
		if err != nil {
			logSvc.Close()
			return nil, err
		}
		logSvc.SetForwarder(ad)
	} else {
		finalLogCfg.Forward.Enabled = false
		log.Info("telegram disabled: no token configured")
	}
	logSvc.Apply(finalLogCfg)

	bus := eventbus.New()

	var store storage.Store
	if sc, enabled, _ := mapStorageConfig(cfg); enabled {
		store, err = storage.Open(sc, root.With(logx.String("comp", "storage")))
		if err != nil {
			logSvc.Close()
			return nil, err
		}
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	tcfg, _ := mapTasksConfig(cfg)
	taskStore, err := tasks.Open(context.Background(), tcfg, store, root.With(logx.String("comp", "tasks")), bus)
	if err != nil {
		if store != nil {
			_ = store.Close()
		}
		logSvc.Close()
		return nil, err
	}

	acfg, _ := mapAlertConfig(cfg)
	player := alert.New(acfg, root.With(logx.String("comp", "alert")))

	ncfg, _ := mapNotifierConfig(cfg)
	var dedupStore storage.Store
	if ncfg.PersistDedup {
		dedupStore = store
	}
	notif := notifier.New(ncfg, root.With(logx.String("comp", "notifier")), bus, dedupStore)
	deskOn, appName := desktopEnabled(cfg)
	desk := newSwitchSink(desktop.New(desktop.Config{AppName: appName}), deskOn)
	notif.AddSink(desk)
	var tg *tgsink.Sink
	if ad != nil {
		tg = tgsink.New(ad, mapNotifyTarget(cfg))
		notif.AddSink(tg)
	}

	rcfg, _ := mapReminderConfig(cfg)
	rem := reminder.New(rcfg, reminder.Deps{
		Source:   taskStore,
		Alerts:   player,
		Notifier: reminderNotifier{svc: notif, log: root.With(logx.String("comp", "notifier"))},
		Clear:    taskStore,
		Bus:      bus,
	}, root.With(logx.String("comp", "reminder")))

	scfg, _ := mapSchedulerConfig(cfg)
	sched := scheduler.New(scfg, root.With(logx.String("comp", "scheduler")), bus)

	a := &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		tasks:   taskStore,
		alerts:  player,
		notif:   notif,
		desktop: desk,
		tgSink:  tg,
		rem:     rem,
		sched:   sched,
		metrics: metrics.New(root.With(logx.String("comp", "metrics"))),
		sd:      systemd.New(root.With(logx.String("comp", "systemd"))),
		adapter: ad,
		updates: make(chan kit.Update, 256),
	}

	dcfg, _ := mapDiagConfig(cfg)
	a.diag = diag.New(dcfg, root.With(logx.String("comp", "diag")), a.Status, a.metrics.Handler())
	a.registerGauges()

	if ad != nil {
		a.cmdm = router.NewCommandManager(root.With(logx.String("comp", "commands")), ad, cfg.Telegram.OwnerUserIDs)
		a.cmdm.SetRegistry(router.TaskCommands(taskStore, rem))
	}
	return a, nil
}

// Tasks exposes the task store for one-shot CLI commands.
func (a *App) Tasks() *tasks.Store { return a.tasks }

// Done is closed when the app supervisor is cancelled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error seen by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.started = time.Now()
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return validate(cfg) })
	run := a.sup.Context()

	a.sup.Go("metrics", func(c context.Context) error { return a.metrics.Run(c, a.bus) })

	if a.notif.Enabled() {
		a.notif.Start(run)
	}
	a.rem.Start(run)

	cfg := a.cfgm.Get()
	a.registerJobs(cfg)
	if a.sched.Enabled() {
		a.sched.Start(run)
	}
	if a.diag.Enabled() {
		a.diag.Start(run)
	}

	if a.adapter != nil {
		if err := a.adapter.Start(run, a.updates); err != nil {
			return fmt.Errorf("telegram: %w", err)
		}
		a.sup.Go("commands.dispatch", func(c context.Context) error {
			return a.cmdm.DispatchLoop(c, a.updates)
		})
		a.sup.Go0("commands.menu", func(c context.Context) {
			mctx, cancel := context.WithTimeout(c, 10*time.Second)
			defer cancel()
			if err := a.adapter.UpdateMenuCommands(mctx, a.cmdm.MenuCommands()); err != nil {
				a.log.Warn("command menu not updated", logx.Err(err))
			}
		})
	}

	a.sup.Go0("eventbus.log", a.logEvents)
	a.sup.Go0("config.reload", a.reloadLoop)
	a.sup.Go("config.watch", func(c context.Context) error { return a.cfgm.Watch(c) })
	a.sup.Go0("systemd.watchdog", func(c context.Context) {
		if err := a.sd.Watchdog(c, a.rem.Running); err != nil {
			a.log.Warn("systemd watchdog unavailable", logx.Err(err))
		}
	})

	a.sd.Ready()
	a.log.Info("app started", logx.Bool("telegram", a.adapter != nil), logx.Bool("scheduler", a.sched.Enabled()))
	return nil
}

func (a *App) logEvents(c context.Context) {
	events, unsub := a.bus.Subscribe(128)
	defer unsub()
	for {
		select {
		case <-c.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
		}
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.sd.Stopping()
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()

	var errs []error
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		if err := a.stopStep(ctx, name, max, fn); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}

	// triggers first, then producers, then sinks
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("reminder", 2*time.Second, func(c context.Context) error { a.rem.Stop(c); return nil })
	step("alerts", time.Second, func(context.Context) error { a.alerts.Close(); return nil })
	if a.adapter != nil {
		step("telegram", 3*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	}
	step("notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("diag", time.Second, func(c context.Context) error { a.diag.Stop(c); return nil })
	if a.store != nil {
		step("storage", time.Second, func(context.Context) error { return a.store.Close() })
	}
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	_ = a.logs.Close()
	return errors.Join(errs...)
}

// stopStep bounds one shutdown step so a stuck component can't stall the
// whole stop. The caller's deadline is never extended.
func (a *App) stopStep(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) error {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < max {
			max = rem
		}
	}
	if max <= 0 {
		a.log.Warn("stop step skipped: no time left", logx.String("name", name))
		return context.DeadlineExceeded
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		took := time.Since(start)
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		} else if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
		return err
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		go func() {
			err := <-done
			a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", time.Since(start)), logx.Err(err))
		}()
		return stepCtx.Err()
	}
}
