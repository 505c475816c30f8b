package reminder

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"taskbell/internal/eventbus"
	logx "taskbell/pkg/logx"
)

type fakeAlerts struct {
	mu     sync.Mutex
	starts map[string]int
	stops  map[string]int
	gates  map[string]chan error
	fail   map[string]error
}

func newFakeAlerts() *fakeAlerts {
	return &fakeAlerts{
		starts: map[string]int{},
		stops:  map[string]int{},
		gates:  map[string]chan error{},
		fail:   map[string]error{},
	}
}

// gate makes the next Start for id block until a value is sent.
func (f *fakeAlerts) gate(id string) chan error {
	ch := make(chan error)
	f.mu.Lock()
	f.gates[id] = ch
	f.mu.Unlock()
	return ch
}

func (f *fakeAlerts) setFail(id string, err error) {
	f.mu.Lock()
	f.fail[id] = err
	f.mu.Unlock()
}

func (f *fakeAlerts) Start(ctx context.Context, id string) (Handle, error) {
	f.mu.Lock()
	f.starts[id]++
	gate := f.gates[id]
	delete(f.gates, id)
	err := f.fail[id]
	f.mu.Unlock()
	if gate != nil {
		select {
		case err = <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return &fakeHandle{f: f, id: id}, nil
}

func (f *fakeAlerts) counts(id string) (starts, stops int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts[id], f.stops[id]
}

// fakeHandle counts every Stop so double stops are visible.
type fakeHandle struct {
	f  *fakeAlerts
	id string
}

func (h *fakeHandle) Stop() {
	h.f.mu.Lock()
	h.f.stops[h.id]++
	h.f.mu.Unlock()
}

type recorder struct {
	mu      sync.Mutex
	notes   []string
	cleared []string
}

func (r *recorder) Notify(title, body string) {
	r.mu.Lock()
	r.notes = append(r.notes, title+"|"+body)
	r.mu.Unlock()
}

func (r *recorder) RequestClearReminder(id string) {
	r.mu.Lock()
	r.cleared = append(r.cleared, id)
	r.mu.Unlock()
}

func (r *recorder) snapshot() (notes, cleared []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.notes...), append([]string(nil), r.cleared...)
}

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

var base = time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

func at(d time.Duration) time.Time { return base.Add(d) }

func remind(id string, when time.Time) Task {
	w := when
	return Task{ID: id, Title: "Pay rent", Reminder: &w}
}

type harness struct {
	svc    *Service
	alerts *fakeAlerts
	rec    *recorder
	clock  *manualClock
}

func newHarness(t *testing.T, src Source) *harness {
	t.Helper()
	h := &harness{alerts: newFakeAlerts(), rec: &recorder{}, clock: &manualClock{now: base}}
	h.svc = New(Config{}, Deps{
		Source:   src,
		Clock:    h.clock,
		Alerts:   h.alerts,
		Notifier: h.rec,
		Clear:    h.rec,
	}, logx.Nop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		h.svc.Stop(ctx)
	})
	return h
}

// tick runs one evaluation and waits for the starts it launched.
func (h *harness) tick(now time.Time, tasks ...Task) {
	h.clock.Set(now)
	h.svc.Tick(now, tasks)
	h.svc.inflight.Wait()
}

func TestFiresOnceInsideWindow(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	task := remind("t1", at(0))

	h.tick(at(0), task)
	h.tick(at(500*time.Millisecond), task)
	h.tick(at(900*time.Millisecond), task)

	if starts, stops := h.alerts.counts("t1"); starts != 1 || stops != 0 {
		t.Fatalf("starts=%d stops=%d, want 1/0", starts, stops)
	}
	if got := h.svc.Alerting(); !reflect.DeepEqual(got, []string{"t1"}) {
		t.Fatalf("Alerting()=%v", got)
	}
	notes, _ := h.rec.snapshot()
	want := "Reminder: Pay rent|Due: " + at(0).Local().Format("2006-01-02 15:04") + "\nSound is playing."
	if len(notes) != 1 || notes[0] != want {
		t.Fatalf("notes=%q, want [%q]", notes, want)
	}
}

func TestMissedWindowNeverFires(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	task := remind("t1", at(0))

	h.tick(at(-500*time.Millisecond), task)
	h.tick(at(2*time.Second), task)

	if starts, _ := h.alerts.counts("t1"); starts != 0 {
		t.Fatalf("starts=%d, want 0", starts)
	}
}

func TestFutureReminderWaits(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	task := remind("t1", at(10*time.Second))

	h.tick(at(9*time.Second), task)
	if starts, _ := h.alerts.counts("t1"); starts != 0 {
		t.Fatalf("fired early")
	}
	if next, ok := h.svc.NextDue(); !ok || !next.Equal(at(10*time.Second)) {
		t.Fatalf("NextDue()=%v,%v", next, ok)
	}
	h.tick(at(10*time.Second), task)
	if got := h.svc.Alerting(); !reflect.DeepEqual(got, []string{"t1"}) {
		t.Fatalf("Alerting()=%v", got)
	}
}

func TestExpiryStopsExactlyOnce(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	task := remind("t1", at(0))

	h.tick(at(0), task)
	h.tick(at(60*time.Second), task)
	if got := h.svc.Alerting(); len(got) != 1 {
		t.Fatalf("expired too early: %v", got)
	}
	h.tick(at(61*time.Second), task)
	h.tick(at(62*time.Second), task)

	if starts, stops := h.alerts.counts("t1"); starts != 1 || stops != 1 {
		t.Fatalf("starts=%d stops=%d, want 1/1", starts, stops)
	}
	if got := h.svc.Alerting(); len(got) != 0 {
		t.Fatalf("Alerting()=%v, want empty", got)
	}
	if n := h.svc.Snapshot().Resolved[ReasonExpired]; n != 1 {
		t.Fatalf("expired count=%d", n)
	}
}

func TestResolutionStopsAlert(t *testing.T) {
	t.Parallel()
	completed := remind("t1", at(0))
	completed.Completed = true
	cleared := Task{ID: "t1", Title: "Pay rent"}

	tests := []struct {
		name   string
		next   []Task
		reason Reason
	}{
		{name: "completed", next: []Task{completed}, reason: ReasonCompleted},
		{name: "cleared", next: []Task{cleared}, reason: ReasonCleared},
		{name: "deleted", next: nil, reason: ReasonDeleted},
		{name: "rearmed", next: []Task{remind("t1", at(30*time.Second))}, reason: ReasonRearmed},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, nil)
			h.tick(at(0), remind("t1", at(0)))
			h.tick(at(500*time.Millisecond), tc.next...)

			if starts, stops := h.alerts.counts("t1"); starts != 1 || stops != 1 {
				t.Fatalf("starts=%d stops=%d, want 1/1", starts, stops)
			}
			if n := h.svc.Snapshot().Resolved[tc.reason]; n != 1 {
				t.Fatalf("resolved[%s]=%d", tc.reason, n)
			}
			h.tick(at(900*time.Millisecond), tc.next...)
			if _, stops := h.alerts.counts("t1"); stops != 1 {
				t.Fatalf("stops=%d after another tick", stops)
			}
		})
	}
}

func TestRearmedFiresAgainAtNewTime(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.tick(at(0), remind("t1", at(0)))
	moved := remind("t1", at(30*time.Second))
	h.tick(at(time.Second), moved)
	h.tick(at(30*time.Second), moved)

	if starts, stops := h.alerts.counts("t1"); starts != 2 || stops != 1 {
		t.Fatalf("starts=%d stops=%d, want 2/1", starts, stops)
	}
}

func TestCompletedTaskNeverFires(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	task := remind("t1", at(0))
	task.Completed = true

	h.tick(at(0), task)
	if starts, _ := h.alerts.counts("t1"); starts != 0 {
		t.Fatalf("completed task fired")
	}
}

func TestSkipsMalformedTasks(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	var zero time.Time
	h.tick(at(0),
		Task{ID: "nil"},
		Task{ID: "zero", Reminder: &zero},
		remind("", at(0)),
	)
	if snap := h.svc.Snapshot(); snap.Indexed != 0 || len(snap.Entries) != 0 {
		t.Fatalf("indexed=%d entries=%d", snap.Indexed, len(snap.Entries))
	}
}

func TestSimultaneousRemindersAllFire(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.tick(at(0), remind("b", at(0)), remind("a", at(0)), remind("c", at(-300*time.Millisecond)))

	if got := h.svc.Alerting(); !reflect.DeepEqual(got, []string{"a", "b", "c"}) {
		t.Fatalf("Alerting()=%v", got)
	}
}

func TestDismissStopsAndRequestsClearOnce(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	task := remind("t1", at(0))
	h.tick(at(0), task)

	if !h.svc.Dismiss("t1") {
		t.Fatalf("Dismiss reported no entry")
	}
	if _, stops := h.alerts.counts("t1"); stops != 1 {
		t.Fatalf("stops=%d, want 1", stops)
	}
	_, cleared := h.rec.snapshot()
	if !reflect.DeepEqual(cleared, []string{"t1"}) {
		t.Fatalf("cleared=%v", cleared)
	}

	// The source has not cleared the reminder yet; the occurrence must not
	// fire again.
	h.tick(at(500*time.Millisecond), task)
	if starts, _ := h.alerts.counts("t1"); starts != 1 {
		t.Fatalf("dismissed reminder re-fired")
	}
}

func TestDismissWithoutEntryKeepsReminder(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.tick(at(0), remind("later", at(3*time.Hour)))

	for _, id := range []string{"later", "ghost"} {
		if h.svc.Dismiss(id) {
			t.Fatalf("Dismiss(%q) reported an entry", id)
		}
	}
	if _, cleared := h.rec.snapshot(); len(cleared) != 0 {
		t.Fatalf("cleared=%v, want none", cleared)
	}
	if n := h.svc.Snapshot().Resolved[ReasonDismissed]; n != 0 {
		t.Fatalf("dismissed count=%d", n)
	}
}

func TestStalePendingStartExpires(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	gate := h.alerts.gate("t1")
	task := remind("t1", at(0))

	h.clock.Set(at(0))
	h.svc.Tick(at(0), []Task{task})
	h.clock.Set(at(61 * time.Second))
	h.svc.Tick(at(61*time.Second), []Task{task})

	if got := h.svc.Pending(); len(got) != 0 {
		t.Fatalf("Pending()=%v, want empty", got)
	}
	if n := h.svc.Snapshot().Resolved[ReasonExpired]; n != 1 {
		t.Fatalf("expired count=%d, want 1", n)
	}

	gate <- nil
	h.svc.inflight.Wait()
	if starts, stops := h.alerts.counts("t1"); starts != 1 || stops != 1 {
		t.Fatalf("starts=%d stops=%d, want 1/1", starts, stops)
	}
	if got := h.svc.Alerting(); len(got) != 0 {
		t.Fatalf("Alerting()=%v, want empty", got)
	}
	if notes, _ := h.rec.snapshot(); len(notes) != 0 {
		t.Fatalf("expired start notified: %v", notes)
	}
}

// stuckHandle blocks in Stop until released.
type stuckHandle struct {
	entered chan struct{}
	release chan struct{}
}

func (h *stuckHandle) Stop() {
	close(h.entered)
	<-h.release
}

type stuckAlerts struct{ h *stuckHandle }

func (a stuckAlerts) Start(ctx context.Context, id string) (Handle, error) { return a.h, nil }

func TestSlowAlertStopDoesNotBlockEngine(t *testing.T) {
	t.Parallel()
	stuck := &stuckHandle{entered: make(chan struct{}), release: make(chan struct{})}
	svc := New(Config{}, Deps{Alerts: stuckAlerts{h: stuck}}, logx.Nop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		svc.Stop(ctx)
	})
	task := remind("t1", at(0))
	svc.Tick(at(0), []Task{task})
	svc.inflight.Wait()
	if got := svc.Alerting(); !reflect.DeepEqual(got, []string{"t1"}) {
		t.Fatalf("Alerting()=%v", got)
	}

	tickDone := make(chan struct{})
	go func() {
		svc.Tick(at(61*time.Second), []Task{task})
		close(tickDone)
	}()
	select {
	case <-stuck.entered:
	case <-time.After(2 * time.Second):
		t.Fatalf("expired alert was never stopped")
	}

	queried := make(chan struct{})
	go func() {
		_ = svc.Alerting()
		_ = svc.Pending()
		svc.Tick(at(62*time.Second), []Task{task})
		close(queried)
	}()
	select {
	case <-queried:
	case <-time.After(2 * time.Second):
		t.Fatalf("engine blocked while an alert was stopping")
	}
	if n := svc.Snapshot().Resolved[ReasonExpired]; n != 1 {
		t.Fatalf("expired count=%d, want 1", n)
	}

	close(stuck.release)
	<-tickDone
}

func TestPendingStartIsNotRefired(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	gate := h.alerts.gate("t1")
	task := remind("t1", at(0))

	h.clock.Set(at(0))
	h.svc.Tick(at(0), []Task{task})
	h.svc.Tick(at(500*time.Millisecond), []Task{task})
	if got := h.svc.Pending(); !reflect.DeepEqual(got, []string{"t1"}) {
		t.Fatalf("Pending()=%v", got)
	}

	gate <- nil
	h.svc.inflight.Wait()
	if starts, _ := h.alerts.counts("t1"); starts != 1 {
		t.Fatalf("starts=%d, want 1", starts)
	}
	if got := h.svc.Alerting(); !reflect.DeepEqual(got, []string{"t1"}) {
		t.Fatalf("Alerting()=%v", got)
	}
}

func TestDismissDuringPendingStart(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		result    error
		wantStops int
	}{
		{name: "start succeeds late", result: nil, wantStops: 1},
		{name: "start fails late", result: errors.New("no audio device"), wantStops: 0},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, nil)
			gate := h.alerts.gate("t1")
			h.svc.Tick(at(0), []Task{remind("t1", at(0))})

			h.svc.Dismiss("t1")
			gate <- tc.result
			h.svc.inflight.Wait()

			if _, stops := h.alerts.counts("t1"); stops != tc.wantStops {
				t.Fatalf("stops=%d, want %d", stops, tc.wantStops)
			}
			if got := h.svc.Alerting(); len(got) != 0 {
				t.Fatalf("Alerting()=%v, want empty", got)
			}
			notes, _ := h.rec.snapshot()
			if len(notes) != 0 {
				t.Fatalf("dismissed reminder notified: %v", notes)
			}
		})
	}
}

func TestFailedStartMayRetryInsideWindow(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	task := remind("t1", at(0))
	h.alerts.setFail("t1", errors.New("sound file missing"))

	h.tick(at(0), task)
	if got := h.svc.Alerting(); len(got) != 0 {
		t.Fatalf("Alerting()=%v after failure", got)
	}
	if snap := h.svc.Snapshot(); snap.FireFailed != 1 || len(snap.Entries) != 0 {
		t.Fatalf("fireFailed=%d entries=%d", snap.FireFailed, len(snap.Entries))
	}

	h.alerts.setFail("t1", nil)
	h.tick(at(500*time.Millisecond), task)
	if starts, _ := h.alerts.counts("t1"); starts != 2 {
		t.Fatalf("starts=%d, want 2", starts)
	}
	if got := h.svc.Alerting(); !reflect.DeepEqual(got, []string{"t1"}) {
		t.Fatalf("Alerting()=%v", got)
	}
}

func TestStopReleasesEveryAlert(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.tick(at(0), remind("a", at(0)), remind("b", at(0)))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	h.svc.Stop(ctx)

	for _, id := range []string{"a", "b"} {
		if _, stops := h.alerts.counts(id); stops != 1 {
			t.Fatalf("%s stops=%d, want 1", id, stops)
		}
	}
	if n := h.svc.Snapshot().Resolved[ReasonShutdown]; n != 2 {
		t.Fatalf("shutdown count=%d", n)
	}
}

type countingSource struct {
	mu      sync.Mutex
	tasks   []Task
	version uint64
	reads   int
}

func (s *countingSource) Snapshot() []Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reads++
	return append([]Task(nil), s.tasks...)
}

func (s *countingSource) Version() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

func (s *countingSource) set(tasks ...Task) {
	s.mu.Lock()
	s.tasks = tasks
	s.version++
	s.mu.Unlock()
}

func TestRunOnceReindexesOnlyOnChange(t *testing.T) {
	t.Parallel()
	src := &countingSource{}
	src.set(remind("t1", at(0)))
	h := newHarness(t, src)

	h.clock.Set(at(0))
	h.svc.RunOnce()
	h.svc.inflight.Wait()
	h.clock.Set(at(200 * time.Millisecond))
	h.svc.RunOnce()

	src.mu.Lock()
	reads := src.reads
	src.mu.Unlock()
	if reads != 1 {
		t.Fatalf("reads=%d, want 1", reads)
	}

	src.set()
	h.clock.Set(at(400 * time.Millisecond))
	h.svc.RunOnce()
	if _, stops := h.alerts.counts("t1"); stops != 1 {
		t.Fatalf("deleted task alert not stopped")
	}
}

func TestPublishesLifecycleEvents(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(8)
	defer unsub()

	alerts := newFakeAlerts()
	svc := New(Config{}, Deps{Alerts: alerts, Bus: bus, Clock: ClockFunc(func() time.Time { return at(0) })}, logx.Nop())
	svc.Tick(at(0), []Task{remind("t1", at(0))})
	svc.inflight.Wait()
	svc.Tick(at(100*time.Millisecond), nil)

	want := []string{EventFired, EventResolved}
	for _, typ := range want {
		select {
		case e := <-ch:
			if e.Type != typ {
				t.Fatalf("event %q, want %q", e.Type, typ)
			}
			if ev, ok := e.Data.(LifecycleEvent); !ok || ev.TaskID != "t1" {
				t.Fatalf("data=%+v", e.Data)
			}
		case <-time.After(time.Second):
			t.Fatalf("missing %q", typ)
		}
	}
}

func TestApplyKeepsDefaults(t *testing.T) {
	t.Parallel()
	svc := New(Config{}, Deps{}, logx.Nop())
	svc.Apply(Config{ExpiryWindow: 5 * time.Second})
	snap := svc.Snapshot()
	if snap.ExpiryWindow != 5*time.Second || snap.FireWindow != DefaultFireWindow || snap.TickInterval != DefaultTickInterval {
		t.Fatalf("snapshot=%+v", snap)
	}
}

func TestStartRunsTickLoop(t *testing.T) {
	t.Parallel()
	src := &countingSource{}
	src.set(remind("t1", time.Now()))
	alerts := newFakeAlerts()
	svc := New(Config{TickInterval: 10 * time.Millisecond}, Deps{Source: src, Alerts: alerts}, logx.Nop())

	svc.Start(context.Background())
	deadline := time.Now().Add(2 * time.Second)
	for len(svc.Alerting()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	svc.Stop(ctx)

	if starts, stops := alerts.counts("t1"); starts != 1 || stops != 1 {
		t.Fatalf("starts=%d stops=%d, want 1/1", starts, stops)
	}
	if svc.Running() {
		t.Fatalf("still running after Stop")
	}
}
