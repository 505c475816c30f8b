// Package tasks is the task list: an in-memory, versioned store with
// write-through persistence. It is the reminder engine's task source and
// the consumer of its clear-reminder requests.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"taskbell/internal/eventbus"
	"taskbell/internal/reminder"
	"taskbell/internal/storage"
	logx "taskbell/pkg/logx"
)

type actorKey struct{}

// WithActor tags mutations made with ctx for the audit log.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

func actorFrom(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	a, _ := ctx.Value(actorKey{}).(string)
	return a
}

type Store struct {
	mu      sync.RWMutex
	tasks   map[string]Task
	version uint64
	lastID  int64

	persist storage.Store
	log     logx.Logger
	bus     eventbus.Bus
	loc     *time.Location
	defPrio Priority
	now     func() time.Time
}

// Open loads the persisted task list. A nil persist keeps tasks in memory.
func Open(ctx context.Context, cfg Config, persist storage.Store, log logx.Logger, bus eventbus.Bus) (*Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	loc, err := LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, err
	}
	s := &Store{
		tasks:   map[string]Task{},
		persist: persist,
		log:     log,
		bus:     bus,
		loc:     loc,
		defPrio: ParsePriority(cfg.DefaultPriority),
		now:     time.Now,
	}
	if persist != nil {
		recs, err := persist.LoadTasks(ctx)
		if err != nil {
			return nil, fmt.Errorf("load tasks: %w", err)
		}
		for _, r := range recs {
			t := fromRecord(r)
			s.tasks[t.ID] = t
			if n, err := strconv.ParseInt(t.ID, 10, 64); err == nil && n > s.lastID {
				s.lastID = n
			}
		}
	}
	s.version = 1
	log.Info("tasks loaded", logx.Int("count", len(s.tasks)), logx.String("tz", loc.String()))
	return s, nil
}

// Location is the zone used for reminder input and "today".
func (s *Store) Location() *time.Location { return s.loc }

// Version changes on every mutation.
func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Snapshot returns the reminder engine's view of every task.
func (s *Store) Snapshot() []reminder.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]reminder.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		rt := reminder.Task{ID: t.ID, Title: t.Title, Completed: t.Completed}
		if t.Reminder != nil {
			r := *t.Reminder
			rt.Reminder = &r
		}
		out = append(out, rt)
	}
	return out
}

func (s *Store) Get(id string) (Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return Task{}, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return clone(t), nil
}

// List returns matching tasks ordered by creation time.
func (s *Store) List(q Query) []Task {
	now := s.now().In(s.loc)
	needle := strings.ToLower(strings.TrimSpace(q.Search))

	s.mu.RLock()
	out := make([]Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		if needle != "" && !s.matchesSearch(t, needle) {
			continue
		}
		if !matchesFilter(t, q.Filter, now) {
			continue
		}
		out = append(out, clone(t))
	}
	s.mu.RUnlock()

	sortTasks(out)
	return out
}

func (s *Store) matchesSearch(t Task, needle string) bool {
	if strings.Contains(strings.ToLower(t.Title), needle) {
		return true
	}
	if t.Location != "" && strings.Contains(strings.ToLower(t.Location), needle) {
		return true
	}
	if t.Reminder != nil && strings.Contains(strings.ToLower(t.Reminder.In(s.loc).Format("2006-01-02 15:04 Mon Jan")), needle) {
		return true
	}
	return false
}

func matchesFilter(t Task, f Filter, now time.Time) bool {
	switch f {
	case FilterToday:
		if t.Reminder == nil {
			return false
		}
		r := t.Reminder.In(now.Location())
		y1, m1, d1 := r.Date()
		y2, m2, d2 := now.Date()
		return y1 == y2 && m1 == m2 && d1 == d2
	case FilterUpcoming:
		return t.Reminder != nil && t.Reminder.After(now)
	case FilterImportant:
		return t.Priority == PriorityHigh
	default:
		return true
	}
}

func (s *Store) Add(ctx context.Context, in NewTask) (Task, error) {
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return Task{}, ErrEmptyTitle
	}
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	t := Task{
		ID:        s.nextIDLocked(now),
		Title:     title,
		Category:  in.Category,
		Priority:  in.Priority,
		Location:  strings.TrimSpace(in.Location),
		Reminder:  copyTime(in.Reminder),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if t.Category == "" {
		t.Category = CategoryIndoor
	}
	if t.Priority == "" {
		t.Priority = s.defPrio
	}
	if t.Category != CategoryOutdoor {
		t.Location = ""
	}
	if err := s.putLocked(ctx, t); err != nil {
		return Task{}, err
	}
	s.auditLocked(ctx, "add", t.ID, t.Title)
	s.publish(ctx, EventAdded, t)
	return clone(t), nil
}

func (s *Store) Update(ctx context.Context, id string, p Patch) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return Task{}, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	if p.Title != nil {
		title := strings.TrimSpace(*p.Title)
		if title == "" {
			return Task{}, ErrEmptyTitle
		}
		t.Title = title
	}
	if p.Category != nil {
		t.Category = *p.Category
	}
	if p.Priority != nil {
		t.Priority = *p.Priority
	}
	if p.Location != nil {
		t.Location = strings.TrimSpace(*p.Location)
	}
	if p.Reminder != nil {
		t.Reminder = copyTime(p.Reminder)
	}
	if p.ClearReminder {
		t.Reminder = nil
	}
	if p.Completed != nil {
		t.Completed = *p.Completed
	}
	t.UpdatedAt = s.now()
	if err := s.putLocked(ctx, t); err != nil {
		return Task{}, err
	}
	s.auditLocked(ctx, "update", t.ID, "")
	s.publish(ctx, EventUpdated, t)
	return clone(t), nil
}

func (s *Store) ToggleCompleted(ctx context.Context, id string) (Task, error) {
	s.mu.RLock()
	t, ok := s.tasks[id]
	s.mu.RUnlock()
	if !ok {
		return Task{}, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	done := !t.Completed
	return s.Update(ctx, id, Patch{Completed: &done})
}

// ClearReminder drops the task's reminder. Clearing an unset reminder is a
// no-op that still succeeds.
func (s *Store) ClearReminder(ctx context.Context, id string) error {
	s.mu.RLock()
	t, ok := s.tasks[id]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	if t.Reminder == nil {
		return nil
	}
	_, err := s.Update(ctx, id, Patch{ClearReminder: true})
	return err
}

// RequestClearReminder is the reminder engine's dismissal hook.
func (s *Store) RequestClearReminder(id string) {
	ctx, cancel := context.WithTimeout(WithActor(context.Background(), "dismiss"), 5*time.Second)
	defer cancel()
	err := s.ClearReminder(ctx, id)
	switch {
	case err == nil:
	case errors.Is(err, ErrNotFound):
		s.log.Debug("clear reminder for missing task", logx.String("task", id))
	default:
		s.log.Warn("clear reminder failed", logx.String("task", id), logx.Err(err))
	}
}

func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	if s.persist != nil {
		if err := s.persist.DeleteTask(ctx, id); err != nil {
			return fmt.Errorf("delete task %s: %w", id, err)
		}
	}
	delete(s.tasks, id)
	s.version++
	s.auditLocked(ctx, "delete", id, t.Title)
	s.publish(ctx, EventDeleted, t)
	return nil
}

// Digest summarizes today's open tasks for the daily digest job.
func (s *Store) Digest() (string, int) {
	today := s.List(Query{Filter: FilterToday})
	var open []Task
	for _, t := range today {
		if !t.Completed {
			open = append(open, t)
		}
	}
	if len(open) == 0 {
		return "No reminders today.", 0
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Today (%d):", len(open))
	for _, t := range open {
		fmt.Fprintf(&b, "\n- %s %s", t.Reminder.In(s.loc).Format("15:04"), t.Title)
		if t.Priority == PriorityHigh {
			b.WriteString(" (!)")
		}
	}
	return b.String(), len(open)
}

// nextIDLocked issues millisecond-timestamp IDs, bumped to stay unique.
func (s *Store) nextIDLocked(now time.Time) string {
	id := now.UnixMilli()
	if id <= s.lastID {
		id = s.lastID + 1
	}
	s.lastID = id
	return strconv.FormatInt(id, 10)
}

func (s *Store) putLocked(ctx context.Context, t Task) error {
	if s.persist != nil {
		if err := s.persist.PutTask(ctx, toRecord(t)); err != nil {
			return fmt.Errorf("save task %s: %w", t.ID, err)
		}
	}
	s.tasks[t.ID] = t
	s.version++
	return nil
}

func (s *Store) auditLocked(ctx context.Context, action, id, detail string) {
	if s.persist == nil {
		return
	}
	if err := s.persist.AppendAudit(ctx, storage.AuditEntry{
		At: s.now(), Actor: actorFrom(ctx), Action: action, TaskID: id, Detail: detail,
	}); err != nil {
		s.log.Debug("audit append failed", logx.String("action", action), logx.Err(err))
	}
}

func (s *Store) publish(ctx context.Context, typ string, t Task) {
	s.bus.Publish(eventbus.Event{Type: typ, Data: MutationEvent{TaskID: t.ID, Title: t.Title, Actor: actorFrom(ctx)}})
}

func toRecord(t Task) storage.TaskRecord {
	return storage.TaskRecord{
		ID:        t.ID,
		Title:     t.Title,
		Category:  string(t.Category),
		Priority:  string(t.Priority),
		Location:  t.Location,
		Reminder:  copyTime(t.Reminder),
		Completed: t.Completed,
		CreatedAt: t.CreatedAt,
		UpdatedAt: t.UpdatedAt,
	}
}

func fromRecord(r storage.TaskRecord) Task {
	t := Task{
		ID:        r.ID,
		Title:     r.Title,
		Category:  Category(r.Category),
		Priority:  ParsePriority(r.Priority),
		Location:  r.Location,
		Reminder:  copyTime(r.Reminder),
		Completed: r.Completed,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
	if t.Category == "" {
		t.Category = CategoryIndoor
	}
	return t
}

func clone(t Task) Task {
	t.Reminder = copyTime(t.Reminder)
	return t
}

func copyTime(p *time.Time) *time.Time {
	if p == nil || p.IsZero() {
		return nil
	}
	v := *p
	return &v
}

func sortTasks(ts []Task) {
	sort.Slice(ts, func(i, j int) bool {
		if !ts[i].CreatedAt.Equal(ts[j].CreatedAt) {
			return ts[i].CreatedAt.Before(ts[j].CreatedAt)
		}
		return ts[i].ID < ts[j].ID
	})
}
