package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"taskbell/internal/eventbus"
	logx "taskbell/pkg/logx"
)

func TestParseScheduleVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		raw      string
		kind     SpecKind
		source   string
		duration time.Duration
		cron     string
	}{
		{name: "cron", raw: "*/5 * * * *", kind: SpecCron, source: "cron", cron: "*/5 * * * *"},
		{name: "prefixed cron", raw: "cron:0 0 * * *", kind: SpecCron, source: "cron", cron: "0 0 * * *"},
		{name: "descriptor", raw: "@daily", kind: SpecCron, source: "cron", cron: "@daily"},
		{name: "duration", raw: "10m", kind: SpecInterval, source: "duration", duration: 10 * time.Minute, cron: "@every 10m0s"},
		{name: "prefixed interval", raw: "interval:45s", kind: SpecInterval, source: "duration", duration: 45 * time.Second},
		{name: "every prefix", raw: "every:02:00", kind: SpecInterval, source: "hhmm", duration: 2 * time.Hour},
		{name: "hhmm", raw: "01:30", kind: SpecInterval, source: "hhmm", duration: 90 * time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSchedule(tt.raw)
			if err != nil {
				t.Fatalf("ParseSchedule(%q) error: %v", tt.raw, err)
			}
			if got.Kind != tt.kind {
				t.Fatalf("Kind = %v, want %v", got.Kind, tt.kind)
			}
			if got.Source != tt.source {
				t.Fatalf("Source = %s, want %s", got.Source, tt.source)
			}
			if tt.kind == SpecInterval && got.Every != tt.duration {
				t.Fatalf("Every = %v, want %v", got.Every, tt.duration)
			}
			if tt.cron != "" && got.CronSpec() != tt.cron {
				t.Fatalf("CronSpec = %q, want %q", got.CronSpec(), tt.cron)
			}
		})
	}
}

func TestParseScheduleInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "not-a-schedule", "-5m", "00:00", "interval:", "01:75"} {
		if _, err := ParseSchedule(raw); err == nil {
			t.Fatalf("ParseSchedule(%q): expected error", raw)
		}
	}
}

func TestParseHHMM(t *testing.T) {
	t.Parallel()
	h, m, err := parseHHMM("23:15")
	if err != nil {
		t.Fatalf("parseHHMM error: %v", err)
	}
	if h != 23 || m != 15 {
		t.Fatalf("unexpected result: %d:%d", h, m)
	}
	for _, bad := range []string{"24:00", "7", "07:60", "aa:bb"} {
		if err := ValidateDaily(bad); err == nil {
			t.Fatalf("ValidateDaily(%q): expected error", bad)
		}
	}
}

func newService(t *testing.T, bus eventbus.Bus) *Service {
	t.Helper()
	s := New(Config{Enabled: true, Workers: 2, RetryMax: 0}, logx.Nop(), bus)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestAddRejectsBadInput(t *testing.T) {
	t.Parallel()
	s := New(Config{}, logx.Nop(), nil)
	job := func(context.Context) error { return nil }
	if _, err := s.AddSchedule("x", "61 * * * *", 0, job); err == nil {
		t.Fatal("expected cron parse error")
	}
	if _, err := s.AddSchedule(" ", "1h", 0, job); err == nil {
		t.Fatal("expected name error")
	}
	if _, err := s.AddDaily("digest", "25:00", 0, job); err == nil {
		t.Fatal("expected time error")
	}
	if _, err := s.AddSchedule("x", "1h", 0, nil); err == nil {
		t.Fatal("expected job error")
	}
}

func TestUpsertAndRemove(t *testing.T) {
	t.Parallel()
	s := New(Config{}, logx.Nop(), nil)
	job := func(context.Context) error { return nil }
	if _, err := s.AddSchedule("compact", "6h", 0, job); err != nil {
		t.Fatal(err)
	}
	if _, err := s.AddDaily("compact", "07:30", 0, job); err != nil {
		t.Fatal(err)
	}
	snap := s.Snapshot()
	if len(snap.Schedules) != 1 || snap.Schedules[0].Spec != "30 7 * * *" {
		t.Fatalf("schedules=%+v", snap.Schedules)
	}
	if !s.Remove("compact") {
		t.Fatal("Remove returned false")
	}
	if s.Remove("compact") {
		t.Fatal("second Remove returned true")
	}
}

func TestDefinitionsArmOnStart(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true}, logx.Nop(), nil)
	if _, err := s.AddSchedule("hourly", "1h", 0, func(context.Context) error { return nil }); err != nil {
		t.Fatal(err)
	}
	if !s.NextRun("hourly").IsZero() {
		t.Fatal("next run set before start")
	}
	before := time.Now()
	s.Start(context.Background())
	defer s.Stop(context.Background())

	next := s.NextRun("hourly")
	if next.Before(before.Add(time.Hour-time.Second)) || next.After(time.Now().Add(time.Hour+time.Second)) {
		t.Fatalf("next=%v", next)
	}
}

func TestTriggerRunsJobAndRecordsHistory(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()
	s := newService(t, bus)

	var runs atomic.Int32
	if _, err := s.AddSchedule("digest", "@daily", time.Second, func(ctx context.Context) error {
		if _, ok := ctx.Deadline(); !ok {
			return errors.New("no deadline")
		}
		runs.Add(1)
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if !s.Trigger("digest") {
		t.Fatal("Trigger returned false")
	}
	if s.Trigger("missing") {
		t.Fatal("Trigger of unknown job returned true")
	}
	waitFor(t, "history", func() bool { return len(s.Snapshot().History) == 1 })

	h := s.Snapshot().History[0]
	if runs.Load() != 1 || h.Name != "digest" || h.Error != "" || h.Attempts != 1 {
		t.Fatalf("runs=%d history=%+v", runs.Load(), h)
	}
	var types []string
	for len(types) < 2 {
		select {
		case e := <-events:
			types = append(types, e.Type)
		case <-time.After(2 * time.Second):
			t.Fatalf("events=%v", types)
		}
	}
	if types[0] != EventStarted || types[1] != EventFinished {
		t.Fatalf("events=%v", types)
	}
}

func TestOverlappingRunIsSkipped(t *testing.T) {
	t.Parallel()
	s := newService(t, nil)
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	if _, err := s.AddSchedule("slow", "@hourly", 0, func(ctx context.Context) error {
		entered <- struct{}{}
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if !s.Trigger("slow") {
		t.Fatal("first trigger refused")
	}
	<-entered
	if s.Trigger("slow") {
		t.Fatal("overlapping trigger accepted")
	}
	close(release)
	waitFor(t, "first run", func() bool { return len(s.Snapshot().History) == 1 })
	if !s.Trigger("slow") {
		t.Fatal("trigger after completion refused")
	}
	<-entered
}

func TestRetriesWithBackoff(t *testing.T) {
	t.Parallel()
	s := newService(t, nil)
	var calls atomic.Int32
	opt := JobOptions{RetryMax: 2, RetryBase: time.Millisecond, RetryMaxDelay: 2 * time.Millisecond}
	if _, err := s.AddScheduleOpt("flaky", "1h", 0, opt, func(context.Context) error {
		if calls.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	s.Trigger("flaky")
	waitFor(t, "history", func() bool { return len(s.Snapshot().History) == 1 })
	if h := s.Snapshot().History[0]; h.Attempts != 3 || h.Error != "" {
		t.Fatalf("history=%+v", h)
	}
}

func TestPanickingJobIsRecorded(t *testing.T) {
	t.Parallel()
	s := newService(t, nil)
	if _, err := s.AddSchedule("boom", "1h", 0, func(context.Context) error { panic("boom") }); err != nil {
		t.Fatal(err)
	}
	s.Trigger("boom")
	waitFor(t, "history", func() bool { return len(s.Snapshot().History) == 1 })
	if h := s.Snapshot().History[0]; h.Error == "" {
		t.Fatalf("history=%+v", h)
	}
}

func TestStoppedSchedulerRefusesTriggers(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true}, logx.Nop(), nil)
	_, _ = s.AddSchedule("x", "1h", 0, func(context.Context) error { return nil })
	if s.Trigger("x") {
		t.Fatal("trigger before start accepted")
	}
	s.Start(context.Background())
	s.Stop(context.Background())
	if s.Trigger("x") || s.Snapshot().Running {
		t.Fatal("scheduler still running after Stop")
	}

	off := New(Config{}, logx.Nop(), nil)
	off.Start(context.Background())
	if off.Snapshot().Running {
		t.Fatal("disabled scheduler started")
	}
}

func TestBackoffDelayBounded(t *testing.T) {
	t.Parallel()
	opt := JobOptions{}.withDefaults(Config{})
	for retry := 1; retry <= 10; retry++ {
		if d := backoffDelay(opt, retry); d < 0 || d > opt.RetryMaxDelay {
			t.Fatalf("retry %d: %v", retry, d)
		}
	}
}
