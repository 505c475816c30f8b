package router

import (
	"context"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"taskbell/internal/tasks"
	kit "taskbell/internal/transport"
	logx "taskbell/pkg/logx"
)

type sent struct {
	to   kit.ChatTarget
	text string
	opt  *kit.SendOptions
}

type fakeAdapter struct {
	mu      sync.Mutex
	sent    []sent
	edits   []string
	answers []string
}

func (f *fakeAdapter) Start(context.Context, chan<- kit.Update) error { return nil }
func (f *fakeAdapter) Stop(context.Context) error                     { return nil }

func (f *fakeAdapter) SendText(_ context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sent{to: to, text: text, opt: opt})
	return kit.MessageRef{ChatID: to.ChatID, MessageID: len(f.sent)}, nil
}

func (f *fakeAdapter) EditText(_ context.Context, _ kit.MessageRef, text string, _ *kit.SendOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits = append(f.edits, text)
	return nil
}

func (f *fakeAdapter) AnswerCallback(_ context.Context, _ string, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers = append(f.answers, text)
	return nil
}

func (f *fakeAdapter) last(t *testing.T) string {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		t.Fatalf("nothing sent")
	}
	return f.sent[len(f.sent)-1].text
}

type fakeReminders struct {
	mu        sync.Mutex
	ringing   map[string]bool
	dismissed []string
}

func (f *fakeReminders) Dismiss(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dismissed = append(f.dismissed, id)
	was := f.ringing[id]
	delete(f.ringing, id)
	return was
}

func (f *fakeReminders) Alerting() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for id := range f.ringing {
		out = append(out, id)
	}
	return out
}

func (f *fakeReminders) Pending() []string { return nil }

const owner = int64(42)

func newRouter(t *testing.T) (*CommandManager, *fakeAdapter, *tasks.Store, *fakeReminders) {
	t.Helper()
	store, err := tasks.Open(context.Background(), tasks.Config{Timezone: "UTC"}, nil, logx.Nop(), nil)
	if err != nil {
		t.Fatal(err)
	}
	rem := &fakeReminders{ringing: map[string]bool{}}
	ad := &fakeAdapter{}
	m := NewCommandManager(logx.Nop(), ad, []int64{owner})
	m.SetRegistry(TaskCommands(store, rem))
	return m, ad, store, rem
}

func msg(from int64, text string) kit.Update {
	return kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{ID: 1, ChatID: 100, FromID: from, Text: text}}
}

func TestTokenizeAndFlags(t *testing.T) {
	t.Parallel()
	parts := tokenizeCommandLine(`/add water the "big plant" --at "2024-06-01 09:30" --outdoor --where=park -p high`)
	want := []string{"/add", "water", "the", "big plant", "--at", "2024-06-01 09:30", "--outdoor", "--where=park", "-p", "high"}
	if !reflect.DeepEqual(parts, want) {
		t.Fatalf("tokens=%q", parts)
	}
	pos, flags, bools := parseFlags(parts[1:])
	if strings.Join(pos, " ") != "water the big plant" {
		t.Fatalf("pos=%q", pos)
	}
	if flags["at"] != "2024-06-01 09:30" || flags["where"] != "park" || flags["p"] != "high" || !bools["outdoor"] {
		t.Fatalf("flags=%v bools=%v", flags, bools)
	}
	if got := tokenizeCommandLine(`/add ""`); len(got) != 2 || got[1] != "" {
		t.Fatalf("empty quoted token lost: %q", got)
	}
}

func TestSanitizeTelegramCommand(t *testing.T) {
	t.Parallel()
	tests := []struct{ in, want string }{
		{"Tasks", "tasks"},
		{"  done-now ", "done_now"},
		{"a//b", "a_b"},
		{"9lives", "cmd_9lives"},
		{"$$$", ""},
		{strings.Repeat("x", 40), strings.Repeat("x", 32)},
	}
	for _, tc := range tests {
		if got := sanitizeTelegramCommand(tc.in); got != tc.want {
			t.Fatalf("sanitize(%q)=%q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestAddAndListCommands(t *testing.T) {
	t.Parallel()
	m, ad, store, _ := newRouter(t)
	ctx := context.Background()

	m.Route(ctx, msg(owner, `/add Pay rent --at "2030-01-02 09:30" --priority high`))
	if got := ad.last(t); !strings.Contains(got, "Added") || !strings.Contains(got, "Pay rent") {
		t.Fatalf("reply=%q", got)
	}
	list := store.List(tasks.Query{})
	if len(list) != 1 || list[0].Priority != tasks.PriorityHigh || list[0].Reminder == nil {
		t.Fatalf("store=%+v", list)
	}

	m.Route(ctx, msg(owner, "/ls important"))
	if got := ad.last(t); !strings.Contains(got, "Tasks (1)") || !strings.Contains(got, "2030-01-02 09:30") {
		t.Fatalf("list reply=%q", got)
	}

	m.Route(ctx, msg(owner, "/tasks someday"))
	if got := ad.last(t); !strings.HasPrefix(got, "usage: /tasks") {
		t.Fatalf("usage reply=%q", got)
	}
}

func TestAccessAndUnknown(t *testing.T) {
	t.Parallel()
	m, ad, store, _ := newRouter(t)
	ctx := context.Background()

	m.Route(ctx, msg(7, "/add sneaky"))
	if got := ad.last(t); got != "unauthorized" {
		t.Fatalf("reply=%q", got)
	}
	if len(store.List(tasks.Query{})) != 0 {
		t.Fatalf("non-owner added a task")
	}

	m.Route(ctx, msg(7, "/nope"))
	if got := ad.last(t); !strings.Contains(got, "unknown command") {
		t.Fatalf("reply=%q", got)
	}

	m.Route(ctx, msg(7, "/help@taskbell_bot"))
	if got := ad.last(t); !strings.Contains(got, "/tasks") || !strings.Contains(got, "/help") {
		t.Fatalf("help=%q", got)
	}

	// plain chatter is ignored
	before := len(ad.sent)
	m.Route(ctx, msg(owner, "hello"))
	if len(ad.sent) != before {
		t.Fatalf("non-command produced a reply")
	}
}

func TestDoneAndDismissCommands(t *testing.T) {
	t.Parallel()
	m, ad, store, rem := newRouter(t)
	ctx := context.Background()
	task, err := store.Add(ctx, tasks.NewTask{Title: "call mom"})
	if err != nil {
		t.Fatal(err)
	}
	rem.ringing[task.ID] = true

	m.Route(ctx, msg(owner, "/dismiss "+task.ID))
	if got := ad.last(t); got != "Dismissed "+task.ID+"." {
		t.Fatalf("reply=%q", got)
	}
	m.Route(ctx, msg(owner, "/dismiss "+task.ID))
	if got := ad.last(t); !strings.HasPrefix(got, "Nothing is ringing") {
		t.Fatalf("reply=%q", got)
	}

	m.Route(ctx, msg(owner, "/done"))
	if got := ad.last(t); got != "usage: /done <id>" {
		t.Fatalf("reply=%q", got)
	}
	at := time.Date(2030, 1, 2, 8, 0, 0, 0, time.UTC)
	timed, err := store.Add(ctx, tasks.NewTask{Title: "pay rent", Reminder: &at})
	if err != nil {
		t.Fatal(err)
	}
	m.Route(ctx, msg(owner, "/done "+timed.ID))
	got, _ := store.Get(timed.ID)
	if !got.Completed || got.Reminder == nil {
		t.Fatalf("after /done: completed=%v reminder=%v", got.Completed, got.Reminder)
	}
	if len(rem.dismissed) != 2 {
		t.Fatalf("/done dismissed the reminder: %v", rem.dismissed)
	}

	m.Route(ctx, msg(owner, "/delete missing"))
	if got := ad.last(t); !strings.Contains(got, tasks.ErrNotFound.Error()) {
		t.Fatalf("reply=%q", got)
	}
}

func TestReminderCallbacks(t *testing.T) {
	t.Parallel()
	m, ad, store, rem := newRouter(t)
	ctx := context.Background()
	task, _ := store.Add(ctx, tasks.NewTask{Title: "stretch"})

	buttons := ReminderButtons(task.ID)
	done := buttons[0][1].Data
	cb := kit.Update{Kind: kit.UpdateCallback, Callback: &kit.Callback{
		ID: "cb1", FromID: owner, ChatID: 100, MessageID: 9, Data: done,
	}}
	m.Route(ctx, cb)

	if got, _ := store.Get(task.ID); !got.Completed {
		t.Fatalf("callback did not complete task")
	}
	if len(rem.dismissed) != 0 {
		t.Fatalf("done button dismissed: %v", rem.dismissed)
	}
	if len(ad.edits) != 1 || !strings.Contains(ad.edits[0], "done") {
		t.Fatalf("edits=%v", ad.edits)
	}
	if len(ad.answers) != 1 || ad.answers[0] != "" {
		t.Fatalf("answers=%q", ad.answers)
	}

	cb.Callback.Data = buttons[0][0].Data
	m.Route(ctx, cb)
	if len(rem.dismissed) != 1 || rem.dismissed[0] != task.ID {
		t.Fatalf("dismissed=%v", rem.dismissed)
	}

	// a stranger pressing the button is refused
	cb.Callback.FromID = 7
	m.Route(ctx, cb)
	if ad.answers[len(ad.answers)-1] != "forbidden" || len(rem.dismissed) != 1 {
		t.Fatalf("answers=%q dismissed=%v", ad.answers, rem.dismissed)
	}
}

func TestMenuCommandsSorted(t *testing.T) {
	t.Parallel()
	m, _, _, _ := newRouter(t)
	var names []string
	for _, c := range m.MenuCommands() {
		names = append(names, c.Command)
	}
	want := "add,alerts,delete,digest,dismiss,done,help,ics,tasks"
	if strings.Join(names, ",") != want {
		t.Fatalf("menu=%v", names)
	}
}

func TestDispatchLoopDrainsUpdates(t *testing.T) {
	t.Parallel()
	m, ad, store, _ := newRouter(t)
	ctx, cancel := context.WithCancel(context.Background())
	updates := make(chan kit.Update)
	done := make(chan error, 1)
	go func() { done <- m.DispatchLoop(ctx, updates) }()

	updates <- msg(owner, "/add one")
	updates <- msg(owner, "/add two")
	close(updates)
	if err := <-done; err != nil {
		t.Fatalf("DispatchLoop: %v", err)
	}
	cancel()
	if n := len(store.List(tasks.Query{})); n != 2 {
		t.Fatalf("tasks=%d, want 2", n)
	}
	ad.mu.Lock()
	defer ad.mu.Unlock()
	if len(ad.sent) != 2 {
		t.Fatalf("replies=%d", len(ad.sent))
	}
}
