package router

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"
	"time"

	"taskbell/internal/tasks"
	kit "taskbell/internal/transport"
)

// TaskPort is the subset of the task store the chat commands use.
type TaskPort interface {
	List(q tasks.Query) []tasks.Task
	Get(id string) (tasks.Task, error)
	Add(ctx context.Context, in tasks.NewTask) (tasks.Task, error)
	ToggleCompleted(ctx context.Context, id string) (tasks.Task, error)
	Delete(ctx context.Context, id string) error
	Location() *time.Location
	Digest() (string, int)
	Calendar(id string) ([]byte, error)
}

// ReminderPort is the subset of the reminder engine the chat commands use.
type ReminderPort interface {
	Dismiss(taskID string) bool
	Alerting() []string
	Pending() []string
}

const reminderScope = "rem"

// ReminderButtons is the inline keyboard attached to reminder messages.
func ReminderButtons(taskID string) [][]kit.Button {
	return [][]kit.Button{{
		{Text: "Dismiss", Data: reminderScope + ":dismiss:" + taskID},
		{Text: "Done", Data: reminderScope + ":done:" + taskID},
	}}
}

const listLimit = 30

// TaskCommands builds the chat surface over the task store and the
// reminder engine.
func TaskCommands(store TaskPort, rem ReminderPort) ([]Command, []CallbackRoute) {
	h := &taskHandlers{store: store, rem: rem}
	cmds := []Command{
		{
			Name:        "tasks",
			Aliases:     []string{"ls"},
			Description: "list tasks",
			Usage:       "/tasks [all|today|upcoming|important] [--q text]",
			Handle:      h.list,
		},
		{
			Name:        "add",
			Description: "add a task",
			Usage:       `/add <title> [--at "YYYY-MM-DD HH:MM"] [--priority low|medium|high] [--outdoor] [--where place]`,
			Handle:      h.add,
		},
		{
			Name:        "done",
			Description: "toggle completed",
			Usage:       "/done <id>",
			Handle:      h.done,
		},
		{
			Name:        "dismiss",
			Description: "stop a ringing reminder",
			Usage:       "/dismiss <id>",
			Handle:      h.dismiss,
		},
		{
			Name:        "delete",
			Aliases:     []string{"rm"},
			Description: "delete a task",
			Usage:       "/delete <id>",
			Handle:      h.remove,
		},
		{
			Name:        "alerts",
			Description: "reminders in flight",
			Usage:       "/alerts",
			Handle:      h.alerts,
		},
		{
			Name:        "digest",
			Description: "today's reminders",
			Usage:       "/digest",
			Handle:      h.digest,
		},
		{
			Name:        "ics",
			Description: "calendar entry for a task",
			Usage:       "/ics <id>",
			Handle:      h.calendar,
		},
	}
	cbs := []CallbackRoute{
		{Scope: reminderScope, Action: "dismiss", Handle: h.cbDismiss},
		{Scope: reminderScope, Action: "done", Handle: h.cbDone},
	}
	return cmds, cbs
}

type taskHandlers struct {
	store TaskPort
	rem   ReminderPort
}

func actorCtx(ctx context.Context, req *Request) context.Context {
	return tasks.WithActor(ctx, fmt.Sprintf("telegram:%d", req.FromID))
}

func oneID(req *Request, usage string) (string, error) {
	if len(req.Args) != 1 || strings.TrimSpace(req.Args[0]) == "" {
		return "", usageError{usage: usage}
	}
	return strings.TrimSpace(req.Args[0]), nil
}

func (h *taskHandlers) list(ctx context.Context, req *Request) error {
	filter := tasks.FilterAll
	if len(req.Args) > 0 {
		f, ok := tasks.ParseFilter(req.Args[0])
		if !ok {
			return usageError{usage: "/tasks [all|today|upcoming|important] [--q text]"}
		}
		filter = f
	}
	list := h.store.List(tasks.Query{Filter: filter, Search: req.Flags["q"]})
	if len(list) == 0 {
		return req.Reply(ctx, "No tasks.", nil)
	}
	return req.Reply(ctx, formatTaskList(list, h.store.Location()), &kit.SendOptions{ParseMode: "HTML"})
}

func formatTaskList(list []tasks.Task, loc *time.Location) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<b>Tasks (%d)</b>\n", len(list))
	for i, t := range list {
		if i == listLimit {
			fmt.Fprintf(&b, "… %d more", len(list)-listLimit)
			break
		}
		b.WriteString(formatTaskLine(t, loc))
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}

func formatTaskLine(t tasks.Task, loc *time.Location) string {
	mark := "☐"
	if t.Completed {
		mark = "☑"
	}
	line := mark + " <code>" + html.EscapeString(t.ID) + "</code> " + html.EscapeString(t.Title)
	if t.Reminder != nil {
		line += " · " + t.Reminder.In(loc).Format("2006-01-02 15:04")
	}
	if t.Priority == tasks.PriorityHigh {
		line += " (!)"
	}
	if t.Location != "" {
		line += " @ " + html.EscapeString(t.Location)
	}
	return line
}

func (h *taskHandlers) add(ctx context.Context, req *Request) error {
	title := strings.TrimSpace(strings.Join(req.Args, " "))
	if title == "" {
		return usageError{usage: `/add <title> [--at "YYYY-MM-DD HH:MM"]`}
	}
	at, err := tasks.ParseReminder(req.Flags["at"], h.store.Location())
	if err != nil {
		return err
	}
	in := tasks.NewTask{
		Title:    title,
		Priority: tasks.ParsePriority(req.Flags["priority"]),
		Reminder: at,
		Category: tasks.CategoryIndoor,
	}
	if req.Bools["outdoor"] {
		in.Category = tasks.CategoryOutdoor
		in.Location = req.Flags["where"]
	}
	t, err := h.store.Add(actorCtx(ctx, req), in)
	if err != nil {
		return err
	}
	return req.Reply(ctx, "Added "+formatTaskLine(t, h.store.Location()), &kit.SendOptions{ParseMode: "HTML"})
}

func (h *taskHandlers) done(ctx context.Context, req *Request) error {
	id, err := oneID(req, "/done <id>")
	if err != nil {
		return err
	}
	t, err := h.store.ToggleCompleted(actorCtx(ctx, req), id)
	if err != nil {
		return err
	}
	return req.Reply(ctx, formatTaskLine(t, h.store.Location()), &kit.SendOptions{ParseMode: "HTML"})
}

func (h *taskHandlers) dismiss(ctx context.Context, req *Request) error {
	id, err := oneID(req, "/dismiss <id>")
	if err != nil {
		return err
	}
	if !h.rem.Dismiss(id) {
		return req.Reply(ctx, "Nothing is ringing for "+id+".", nil)
	}
	return req.Reply(ctx, "Dismissed "+id+".", nil)
}

func (h *taskHandlers) remove(ctx context.Context, req *Request) error {
	id, err := oneID(req, "/delete <id>")
	if err != nil {
		return err
	}
	if err := h.store.Delete(actorCtx(ctx, req), id); err != nil {
		return err
	}
	return req.Reply(ctx, "Deleted "+id+".", nil)
}

func (h *taskHandlers) alerts(ctx context.Context, req *Request) error {
	alerting, pending := h.rem.Alerting(), h.rem.Pending()
	if len(alerting) == 0 && len(pending) == 0 {
		return req.Reply(ctx, "No reminders in flight.", nil)
	}
	var lines []string
	for _, id := range alerting {
		lines = append(lines, "🔔 "+h.describe(id))
	}
	for _, id := range pending {
		lines = append(lines, "⏳ "+h.describe(id))
	}
	return req.Reply(ctx, strings.Join(lines, "\n"), nil)
}

func (h *taskHandlers) describe(id string) string {
	t, err := h.store.Get(id)
	if err != nil {
		return id
	}
	return id + " " + t.Title
}

func (h *taskHandlers) digest(ctx context.Context, req *Request) error {
	text, _ := h.store.Digest()
	return req.Reply(ctx, text, nil)
}

func (h *taskHandlers) calendar(ctx context.Context, req *Request) error {
	id, err := oneID(req, "/ics <id>")
	if err != nil {
		return err
	}
	body, err := h.store.Calendar(id)
	if err != nil {
		return err
	}
	return req.Reply(ctx, "<pre>"+html.EscapeString(string(body))+"</pre>", &kit.SendOptions{ParseMode: "HTML"})
}

func (h *taskHandlers) cbDismiss(ctx context.Context, req *Request, id string) error {
	if id == "" {
		return errors.New("missing task id")
	}
	h.rem.Dismiss(id)
	return h.markMessage(ctx, req, "dismissed", id)
}

func (h *taskHandlers) cbDone(ctx context.Context, req *Request, id string) error {
	if id == "" {
		return errors.New("missing task id")
	}
	// Completing is enough: the engine stops the alert on its next tick and
	// the reminder stays on the task.
	t, err := h.store.Get(id)
	if err != nil {
		return err
	}
	if !t.Completed {
		if _, err := h.store.ToggleCompleted(actorCtx(ctx, req), id); err != nil {
			return err
		}
	}
	return h.markMessage(ctx, req, "done", id)
}

// markMessage rewrites the reminder message and drops its buttons.
func (h *taskHandlers) markMessage(ctx context.Context, req *Request, verb, id string) error {
	cb := req.Update.Callback
	if cb == nil || cb.MessageID == 0 {
		return nil
	}
	text := "✓ " + verb + ": " + h.describe(id)
	ref := kit.MessageRef{ChatID: cb.ChatID, ThreadID: cb.ThreadID, MessageID: cb.MessageID}
	return req.Adapter.EditText(ctx, ref, text, nil)
}
