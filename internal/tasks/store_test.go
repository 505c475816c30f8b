package tasks

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"taskbell/internal/storage"
	logx "taskbell/pkg/logx"
)

var fixedNow = time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

func newStore(t *testing.T, persist storage.Store) *Store {
	t.Helper()
	s, err := Open(context.Background(), Config{Timezone: "UTC"}, persist, logx.Nop(), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	s.now = func() time.Time { return fixedNow }
	return s
}

func ptr(t time.Time) *time.Time { return &t }

func TestAddAssignsUniqueIDs(t *testing.T) {
	t.Parallel()
	s := newStore(t, nil)
	ctx := context.Background()
	v0 := s.Version()

	a, err := s.Add(ctx, NewTask{Title: "  Water plants "})
	if err != nil {
		t.Fatal(err)
	}
	b, err := s.Add(ctx, NewTask{Title: "Buy milk", Priority: PriorityHigh})
	if err != nil {
		t.Fatal(err)
	}
	if a.ID == b.ID {
		t.Fatalf("duplicate id %s", a.ID)
	}
	if a.Title != "Water plants" || a.Category != CategoryIndoor || a.Priority != PriorityLow {
		t.Fatalf("defaults not applied: %+v", a)
	}
	if s.Version() != v0+2 {
		t.Fatalf("version=%d, want %d", s.Version(), v0+2)
	}
	if _, err := s.Add(ctx, NewTask{Title: " "}); !errors.Is(err, ErrEmptyTitle) {
		t.Fatalf("empty title err=%v", err)
	}
}

func TestListFilters(t *testing.T) {
	t.Parallel()
	s := newStore(t, nil)
	ctx := context.Background()
	mustAdd := func(in NewTask) Task {
		t.Helper()
		task, err := s.Add(ctx, in)
		if err != nil {
			t.Fatal(err)
		}
		return task
	}
	mustAdd(NewTask{Title: "later today", Reminder: ptr(fixedNow.Add(2 * time.Hour))})
	mustAdd(NewTask{Title: "earlier today", Reminder: ptr(fixedNow.Add(-2 * time.Hour))})
	mustAdd(NewTask{Title: "next week", Reminder: ptr(fixedNow.Add(7 * 24 * time.Hour)), Priority: PriorityHigh})
	mustAdd(NewTask{Title: "hike", Category: CategoryOutdoor, Location: "Mount Tam"})
	mustAdd(NewTask{Title: "no reminder"})

	tests := []struct {
		q    Query
		want []string
	}{
		{Query{Filter: FilterAll}, []string{"later today", "earlier today", "next week", "hike", "no reminder"}},
		{Query{Filter: FilterToday}, []string{"later today", "earlier today"}},
		{Query{Filter: FilterUpcoming}, []string{"later today", "next week"}},
		{Query{Filter: FilterImportant}, []string{"next week"}},
		{Query{Search: "TAM"}, []string{"hike"}},
		{Query{Filter: FilterToday, Search: "later"}, []string{"later today"}},
		{Query{Search: "2024-06-08"}, []string{"next week"}},
	}
	for _, tc := range tests {
		got := s.List(tc.q)
		titles := make([]string, 0, len(got))
		for _, task := range got {
			titles = append(titles, task.Title)
		}
		if strings.Join(titles, ",") != strings.Join(tc.want, ",") {
			t.Fatalf("List(%+v)=%v, want %v", tc.q, titles, tc.want)
		}
	}
}

func TestIndoorTasksDropLocation(t *testing.T) {
	t.Parallel()
	s := newStore(t, nil)
	task, err := s.Add(context.Background(), NewTask{Title: "read", Location: "library"})
	if err != nil {
		t.Fatal(err)
	}
	if task.Location != "" {
		t.Fatalf("indoor task kept location %q", task.Location)
	}
}

func TestClearReminderAndDismissHook(t *testing.T) {
	t.Parallel()
	s := newStore(t, nil)
	ctx := context.Background()
	task, _ := s.Add(ctx, NewTask{Title: "call mom", Reminder: ptr(fixedNow)})

	v := s.Version()
	s.RequestClearReminder(task.ID)
	got, err := s.Get(task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Reminder != nil {
		t.Fatalf("reminder not cleared")
	}
	if s.Version() == v {
		t.Fatalf("version did not change")
	}

	// Clearing again is a no-op; a missing task only logs.
	if err := s.ClearReminder(ctx, task.ID); err != nil {
		t.Fatal(err)
	}
	s.RequestClearReminder("missing")
	if err := s.ClearReminder(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err=%v", err)
	}
}

func TestToggleAndDelete(t *testing.T) {
	t.Parallel()
	s := newStore(t, nil)
	ctx := context.Background()
	task, _ := s.Add(ctx, NewTask{Title: "x", Reminder: ptr(fixedNow)})

	done, err := s.ToggleCompleted(ctx, task.ID)
	if err != nil || !done.Completed {
		t.Fatalf("toggle=%+v,%v", done, err)
	}
	snap := s.Snapshot()
	if len(snap) != 1 || !snap[0].Completed || snap[0].Reminder == nil {
		t.Fatalf("snapshot=%+v", snap)
	}
	if err := s.Delete(ctx, task.ID); err != nil {
		t.Fatal(err)
	}
	if len(s.Snapshot()) != 0 {
		t.Fatalf("task still present")
	}
	if err := s.Delete(ctx, task.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second delete err=%v", err)
	}
}

func TestPersistsThroughStorage(t *testing.T) {
	t.Parallel()
	cfg := storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "tasks.db")}
	st, err := storage.Open(cfg, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	s := newStore(t, st)
	ctx := WithActor(context.Background(), "test")
	a, _ := s.Add(ctx, NewTask{Title: "persist me", Reminder: ptr(fixedNow.Add(time.Hour))})
	b, _ := s.Add(ctx, NewTask{Title: "delete me"})
	if err := s.Delete(ctx, b.ID); err != nil {
		t.Fatal(err)
	}
	_ = st.Close()

	st, err = storage.Open(cfg, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	s2 := newStore(t, st)
	got := s2.List(Query{})
	if len(got) != 1 || got[0].ID != a.ID || got[0].Reminder == nil {
		t.Fatalf("reloaded %+v", got)
	}
	c, _ := s2.Add(ctx, NewTask{Title: "after reload"})
	if c.ID <= a.ID {
		t.Fatalf("id %s not after %s", c.ID, a.ID)
	}
}

func TestDigest(t *testing.T) {
	t.Parallel()
	s := newStore(t, nil)
	if text, n := s.Digest(); n != 0 || text != "No reminders today." {
		t.Fatalf("empty digest=%q,%d", text, n)
	}
	ctx := context.Background()
	_, _ = s.Add(ctx, NewTask{Title: "standup", Reminder: ptr(fixedNow.Add(time.Hour)), Priority: PriorityHigh})
	done, _ := s.Add(ctx, NewTask{Title: "done already", Reminder: ptr(fixedNow)})
	_, _ = s.ToggleCompleted(ctx, done.ID)

	text, n := s.Digest()
	if n != 1 || text != "Today (1):\n- 10:00 standup (!)" {
		t.Fatalf("digest=%q,%d", text, n)
	}
}

func TestCalendar(t *testing.T) {
	t.Parallel()
	s := newStore(t, nil)
	ctx := context.Background()
	plain, _ := s.Add(ctx, NewTask{Title: "no time"})
	if _, err := s.Calendar(plain.ID); !errors.Is(err, ErrNoReminder) {
		t.Fatalf("err=%v, want ErrNoReminder", err)
	}
	task, _ := s.Add(ctx, NewTask{Title: "Lunch; with Ann, Bob", Reminder: ptr(fixedNow.Add(3 * time.Hour))})
	ics, err := s.Calendar(task.ID)
	if err != nil {
		t.Fatal(err)
	}
	body := string(ics)
	for _, want := range []string{
		"BEGIN:VCALENDAR\r\n",
		"UID:" + task.ID + "@taskbell\r\n",
		"DTSTART:20240601T120000Z\r\n",
		"DTEND:20240601T123000Z\r\n",
		`SUMMARY:Lunch\; with Ann\, Bob` + "\r\n",
		"END:VCALENDAR\r\n",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("ics missing %q:\n%s", want, body)
		}
	}
}

func TestParseReminder(t *testing.T) {
	t.Parallel()
	ny, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skip("tzdata unavailable")
	}
	tests := []struct {
		raw     string
		want    time.Time
		none    bool
		wantErr bool
	}{
		{raw: "", none: true},
		{raw: "   ", none: true},
		{raw: "2024-06-01T09:30", want: time.Date(2024, 6, 1, 9, 30, 0, 0, ny)},
		{raw: "2024-06-01 09:30:15", want: time.Date(2024, 6, 1, 9, 30, 15, 0, ny)},
		{raw: "2024-06-01T09:30:00Z", want: time.Date(2024, 6, 1, 9, 30, 0, 0, time.UTC)},
		{raw: "tomorrow-ish", wantErr: true},
		{raw: "2024-13-01T09:30", wantErr: true},
	}
	for _, tc := range tests {
		got, err := ParseReminder(tc.raw, ny)
		switch {
		case tc.wantErr:
			if !errors.Is(err, ErrBadReminder) || got != nil {
				t.Fatalf("ParseReminder(%q)=%v,%v want ErrBadReminder", tc.raw, got, err)
			}
		case tc.none:
			if err != nil || got != nil {
				t.Fatalf("ParseReminder(%q)=%v,%v want nil", tc.raw, got, err)
			}
		default:
			if err != nil || got == nil || !got.Equal(tc.want) {
				t.Fatalf("ParseReminder(%q)=%v,%v want %v", tc.raw, got, err, tc.want)
			}
		}
	}
}

func TestParseFilter(t *testing.T) {
	t.Parallel()
	for in, want := range map[string]Filter{"": FilterAll, "inbox": FilterAll, "Today": FilterToday, "important": FilterImportant} {
		got, ok := ParseFilter(in)
		if !ok || got != want {
			t.Fatalf("ParseFilter(%q)=%q,%v", in, got, ok)
		}
	}
	if _, ok := ParseFilter("someday"); ok {
		t.Fatalf("unknown filter accepted")
	}
}
