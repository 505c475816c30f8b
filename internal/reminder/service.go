package reminder

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"taskbell/internal/eventbus"
	"taskbell/internal/runtime/supervisor"
	logx "taskbell/pkg/logx"
)

var errNilHandle = errors.New("alert channel returned no handle")

// Deps are the engine's collaborators. Only Source is required for RunOnce
// and Start; Tick works without any.
type Deps struct {
	Source   Source
	Clock    Clock
	Alerts   AlertChannel
	Notifier Notifier
	Clear    ClearRequester
	Bus      eventbus.Bus
}

type entry struct {
	taskID     string
	title      string
	phase      Phase
	reminderAt time.Time
	since      time.Time
	gen        uint64
	lease      *lease
}

// lease owns a started alert. release is the only path that stops it.
type lease struct {
	h    Handle
	once sync.Once
}

func (l *lease) release() {
	if l == nil {
		return
	}
	l.once.Do(func() {
		if l.h != nil {
			l.h.Stop()
		}
	})
}

type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	source   Source
	clock    Clock
	alerts   AlertChannel
	notifier Notifier
	clear    ClearRequester

	entries map[string]*entry
	// tombs remembers resolved occurrences (task -> reminder time) while they
	// are still inside the fire window, so they cannot fire again.
	tombs map[string]time.Time
	index dueIndex
	gen   uint64
	// released holds leases retired under mu. They are stopped by
	// unlockAndRelease once mu is free, so a slow Stop cannot stall ticks
	// or queries.
	released []*lease

	startCtx    context.Context
	startCancel context.CancelFunc
	inflight    sync.WaitGroup

	ticks      uint64
	fired      uint64
	fireFailed uint64
	resolved   map[Reason]uint64

	runMu sync.Mutex
	sup   *supervisor.Supervisor
	wake  chan struct{}
}

func New(cfg Config, deps Deps, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if deps.Clock == nil {
		deps.Clock = SystemClock
	}
	if deps.Alerts == nil {
		deps.Alerts = silentAlerts{}
	}
	if deps.Bus == nil {
		deps.Bus = eventbus.Nop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		cfg:         cfg.withDefaults(),
		log:         log,
		bus:         deps.Bus,
		source:      deps.Source,
		clock:       deps.Clock,
		alerts:      deps.Alerts,
		notifier:    deps.Notifier,
		clear:       deps.Clear,
		entries:     map[string]*entry{},
		tombs:       map[string]time.Time{},
		resolved:    map[Reason]uint64{},
		startCtx:    ctx,
		startCancel: cancel,
		wake:        make(chan struct{}, 1),
	}
}

// Apply swaps the timing config. The tick loop picks up a new interval
// immediately.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg.withDefaults()
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Tick evaluates one snapshot at now: it sweeps tracked entries and fires
// reminders that just fell due.
func (s *Service) Tick(now time.Time, tasks []Task) {
	s.mu.Lock()
	s.index.rebuild(tasks, 0, false)
	s.evaluateLocked(now)
	s.unlockAndRelease()
}

// RunOnce ticks with the configured clock and source. The index is only
// rebuilt when a VersionedSource reports a change.
func (s *Service) RunOnce() {
	now := s.clock.Now()
	s.mu.Lock()
	switch src := s.source.(type) {
	case nil:
		s.index.rebuild(nil, 0, false)
	case VersionedSource:
		v := src.Version()
		if !s.index.valid || s.index.version != v {
			s.index.rebuild(src.Snapshot(), v, true)
		}
	default:
		s.index.rebuild(src.Snapshot(), 0, false)
	}
	s.evaluateLocked(now)
	s.unlockAndRelease()
}

// unlockAndRelease drops mu and then stops the leases retired while it was
// held. Each lease still stops at most once.
func (s *Service) unlockAndRelease() {
	ls := s.released
	s.released = nil
	s.mu.Unlock()
	for _, l := range ls {
		l.release()
	}
}

func (s *Service) evaluateLocked(now time.Time) {
	s.ticks++
	cfg := s.cfg

	for id, e := range s.entries {
		t, ok := s.index.tasks[id]
		switch {
		case !ok:
			s.retireLocked(e, ReasonDeleted, now)
		case t.Completed:
			s.retireLocked(e, ReasonCompleted, now)
		case t.Reminder == nil || t.Reminder.IsZero():
			s.retireLocked(e, ReasonCleared, now)
		case !t.Reminder.Equal(e.reminderAt):
			s.retireLocked(e, ReasonRearmed, now)
		case now.Sub(e.reminderAt) > cfg.ExpiryWindow:
			s.retireLocked(e, ReasonExpired, now)
		}
	}

	s.index.dropBefore(now.Add(-cfg.FireWindow))
	for _, it := range s.index.dueAt(now) {
		if _, tracked := s.entries[it.taskID]; tracked {
			continue
		}
		if at, ok := s.tombs[it.taskID]; ok && at.Equal(it.at) {
			continue
		}
		t, ok := s.index.tasks[it.taskID]
		if !ok || t.Completed || t.Reminder == nil || !t.Reminder.Equal(it.at) {
			continue
		}
		s.fireLocked(t, now)
	}

	for id, at := range s.tombs {
		if now.Sub(at) > cfg.FireWindow {
			delete(s.tombs, id)
		}
	}
}

// fireLocked records the pending guard and starts the alert off the lock.
func (s *Service) fireLocked(t Task, now time.Time) {
	s.gen++
	e := &entry{
		taskID:     t.ID,
		title:      t.Title,
		phase:      PhasePending,
		reminderAt: *t.Reminder,
		since:      now,
		gen:        s.gen,
	}
	s.entries[t.ID] = e
	s.log.Debug("reminder due", logx.String("task", t.ID), logx.Time("at", e.reminderAt), logx.Duration("late", now.Sub(e.reminderAt)))

	ctx := s.startCtx
	timeout := s.cfg.StartTimeout
	gen := e.gen
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		h, err := s.startAlert(ctx, timeout, t.ID)
		s.resolveStart(gen, t, h, err)
	}()
}

func (s *Service) startAlert(base context.Context, timeout time.Duration, taskID string) (h Handle, err error) {
	defer func() {
		if r := recover(); r != nil {
			h, err = nil, fmt.Errorf("alert start panic: %v", r)
		}
	}()
	ctx, cancel := context.WithTimeout(base, timeout)
	defer cancel()
	return s.alerts.Start(ctx, taskID)
}

func (s *Service) resolveStart(gen uint64, t Task, h Handle, err error) {
	if err == nil && h == nil {
		err = errNilHandle
	}
	if err != nil && h != nil {
		h.Stop()
		h = nil
	}

	s.mu.Lock()
	e, ok := s.entries[t.ID]
	if !ok || e.gen != gen || e.phase != PhasePending {
		s.mu.Unlock()
		// The occurrence was retired while starting.
		if h != nil {
			h.Stop()
			s.log.Debug("late alert stopped", logx.String("task", t.ID))
		}
		return
	}

	now := s.clock.Now()
	if err != nil {
		s.fireFailed++
		s.bus.Publish(eventbus.Event{Type: EventFireFailed, Time: now, Data: LifecycleEvent{
			TaskID: t.ID, Title: t.Title, ReminderAt: e.reminderAt, Phase: PhasePending, Error: err.Error(),
		}})
		s.retireLocked(e, ReasonFireFailed, now)
		s.unlockAndRelease()
		s.log.Warn("alert start failed", logx.String("task", t.ID), logx.Err(err))
		return
	}

	e.phase = PhaseAlerting
	e.lease = &lease{h: h}
	e.since = now
	s.fired++
	n := s.notifier
	s.bus.Publish(eventbus.Event{Type: EventFired, Time: now, Data: LifecycleEvent{
		TaskID: t.ID, Title: t.Title, ReminderAt: e.reminderAt, Phase: PhaseAlerting,
	}})
	s.mu.Unlock()

	s.log.Info("reminder alerting", logx.String("task", t.ID), logx.String("title", t.Title))
	if n != nil {
		title, body := notification(t, e.reminderAt)
		if tn, ok := n.(TaskNotifier); ok {
			tn.NotifyTask(t.ID, title, body)
		} else {
			n.Notify(title, body)
		}
	}
}

// retireLocked is the single exit from tracking. It removes the entry and
// queues its alert lease (if any) for release once mu is dropped.
func (s *Service) retireLocked(e *entry, reason Reason, now time.Time) {
	delete(s.entries, e.taskID)
	prev := e.phase
	if e.lease != nil {
		s.released = append(s.released, e.lease)
	}
	e.lease = nil
	e.phase = PhaseResolved
	if reason != ReasonFireFailed {
		s.tombs[e.taskID] = e.reminderAt
	}
	s.resolved[reason]++
	s.bus.Publish(eventbus.Event{Type: EventResolved, Time: now, Data: LifecycleEvent{
		TaskID: e.taskID, Title: e.title, ReminderAt: e.reminderAt, Phase: prev, Reason: reason,
	}})
	s.log.Debug("reminder resolved", logx.String("task", e.taskID), logx.String("from", string(prev)), logx.String("reason", string(reason)))
}

// Dismiss stops a ringing or starting alert, drops its entry and asks the
// task source to clear the reminder. A task with nothing in flight is left
// untouched. It reports whether an entry existed.
func (s *Service) Dismiss(taskID string) bool {
	s.mu.Lock()
	now := s.clock.Now()
	e, ok := s.entries[taskID]
	if !ok {
		s.mu.Unlock()
		s.log.Debug("dismiss ignored, nothing in flight", logx.String("task", taskID))
		return false
	}
	s.retireLocked(e, ReasonDismissed, now)
	cr := s.clear
	s.bus.Publish(eventbus.Event{Type: EventDismissed, Time: now, Data: LifecycleEvent{TaskID: taskID, Phase: PhaseResolved, Reason: ReasonDismissed}})
	s.unlockAndRelease()

	if cr != nil {
		cr.RequestClearReminder(taskID)
	}
	s.log.Info("reminder dismissed", logx.String("task", taskID))
	return true
}

// Alerting returns the sorted IDs of tasks whose alert is running.
func (s *Service) Alerting() []string { return s.idsIn(PhaseAlerting) }

// Pending returns the sorted IDs of tasks whose alert is starting.
func (s *Service) Pending() []string { return s.idsIn(PhasePending) }

func (s *Service) idsIn(p Phase) []string {
	s.mu.Lock()
	out := make([]string, 0, len(s.entries))
	for id, e := range s.entries {
		if e.phase == p {
			out = append(out, id)
		}
	}
	s.mu.Unlock()
	sort.Strings(out)
	return out
}

// Start runs the tick loop until Stop or ctx cancellation.
func (s *Service) Start(ctx context.Context) {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.sup != nil {
		return
	}
	s.mu.Lock()
	if s.startCtx.Err() != nil {
		s.startCtx, s.startCancel = context.WithCancel(context.Background())
	}
	cfg := s.cfg
	s.mu.Unlock()

	s.sup = supervisor.New(ctx, supervisor.WithLogger(s.log))
	s.sup.GoRestart("reminder.tick", s.loop, supervisor.WithRestartBackoff(time.Second, 10*time.Second))
	s.log.Info("service started",
		logx.Duration("tick", cfg.TickInterval),
		logx.Duration("fire_window", cfg.FireWindow),
		logx.Duration("expiry_window", cfg.ExpiryWindow))
}

func (s *Service) loop(ctx context.Context) error {
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.wake:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		case <-timer.C:
			s.RunOnce()
		}
		s.mu.Lock()
		every := s.cfg.TickInterval
		s.mu.Unlock()
		timer.Reset(every)
	}
}

// Stop halts the tick loop, stops every live alert and waits (bounded by
// ctx) for in-flight starts to resolve.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.runMu.Lock()
	sup := s.sup
	s.sup = nil
	s.runMu.Unlock()
	if sup != nil {
		_ = sup.Stop(ctx)
	}

	s.mu.Lock()
	s.startCancel()
	now := s.clock.Now()
	n := len(s.entries)
	for _, e := range s.entries {
		s.retireLocked(e, ReasonShutdown, now)
	}
	s.unlockAndRelease()

	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("alert starts still in flight at stop", logx.Err(ctx.Err()))
	}
	s.log.Info("service stopped", logx.Int("released", n), logx.Duration("took", time.Since(start)))
}

// Running reports whether the tick loop is active.
func (s *Service) Running() bool {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	return s.sup != nil
}

func (s *Service) Snapshot() Snapshot {
	running := s.Running()
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		Running:      running,
		TickInterval: s.cfg.TickInterval,
		FireWindow:   s.cfg.FireWindow,
		ExpiryWindow: s.cfg.ExpiryWindow,
		Ticks:        s.ticks,
		Fired:        s.fired,
		FireFailed:   s.fireFailed,
		Resolved:     make(map[Reason]uint64, len(s.resolved)),
		Entries:      make([]EntryInfo, 0, len(s.entries)),
		Indexed:      s.index.due.Len(),
	}
	for k, v := range s.resolved {
		snap.Resolved[k] = v
	}
	for _, e := range s.entries {
		snap.Entries = append(snap.Entries, EntryInfo{TaskID: e.taskID, Title: e.title, Phase: e.phase, ReminderAt: e.reminderAt, Since: e.since})
	}
	sort.Slice(snap.Entries, func(i, j int) bool { return snap.Entries[i].TaskID < snap.Entries[j].TaskID })
	return snap
}

// NextDue returns the earliest armed reminder seen by the last tick.
func (s *Service) NextDue() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.index.next()
}

func notification(t Task, at time.Time) (string, string) {
	title := t.Title
	if title == "" {
		title = t.ID
	}
	return "Reminder: " + title, "Due: " + at.Local().Format("2006-01-02 15:04") + "\nSound is playing."
}

type silentAlerts struct{}

type silentHandle struct{}

func (silentHandle) Stop() {}

func (silentAlerts) Start(context.Context, string) (Handle, error) { return silentHandle{}, nil }
