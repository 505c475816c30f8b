package reminder

import (
	"context"
	"time"
)

// Phase is the lifecycle phase of a tracked reminder.
type Phase string

const (
	PhaseIdle     Phase = "idle"
	PhasePending  Phase = "pending"
	PhaseAlerting Phase = "alerting"
	PhaseResolved Phase = "resolved"
)

// Reason explains why an entry left tracking.
type Reason string

const (
	ReasonCompleted  Reason = "completed"
	ReasonCleared    Reason = "cleared"
	ReasonDeleted    Reason = "deleted"
	ReasonDismissed  Reason = "dismissed"
	ReasonExpired    Reason = "expired"
	ReasonRearmed    Reason = "rearmed"
	ReasonFireFailed Reason = "fire_failed"
	ReasonShutdown   Reason = "shutdown"
)

// Event types published on the bus.
const (
	EventFired      = "reminder.fired"
	EventFireFailed = "reminder.fire_failed"
	EventResolved   = "reminder.resolved"
	EventDismissed  = "reminder.dismissed"
)

// Task is the engine's read-only view of a task.
type Task struct {
	ID        string
	Title     string
	Reminder  *time.Time
	Completed bool
}

// Source provides the current task list.
type Source interface {
	Snapshot() []Task
}

// VersionedSource lets RunOnce skip re-indexing when nothing changed.
// Version must change whenever any task visible in Snapshot changes.
type VersionedSource interface {
	Source
	Version() uint64
}

// Clock is the engine's time source.
type Clock interface {
	Now() time.Time
}

type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }

// SystemClock reads time.Now.
var SystemClock Clock = ClockFunc(time.Now)

// AlertChannel starts a repeating alert for a task. Start may block while
// the alert resource loads; the engine calls it off the tick path.
type AlertChannel interface {
	Start(ctx context.Context, taskID string) (Handle, error)
}

// Handle is a started alert. Stop must be idempotent.
type Handle interface {
	Stop()
}

// Notifier is a fire-and-forget notification sink. It must not block.
type Notifier interface {
	Notify(title, body string)
}

// TaskNotifier is an optional Notifier extension that also receives the
// task ID, so sinks can offer per-task actions.
type TaskNotifier interface {
	Notifier
	NotifyTask(taskID, title, body string)
}

// ClearRequester receives the request to clear a dismissed task's reminder.
type ClearRequester interface {
	RequestClearReminder(taskID string)
}

// Config holds the engine timing knobs. Zero values take defaults.
type Config struct {
	TickInterval time.Duration
	FireWindow   time.Duration
	ExpiryWindow time.Duration
	StartTimeout time.Duration
}

const (
	DefaultTickInterval = time.Second
	DefaultFireWindow   = time.Second
	DefaultExpiryWindow = 60 * time.Second
	DefaultStartTimeout = 10 * time.Second
)

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = DefaultTickInterval
	}
	if c.FireWindow <= 0 {
		c.FireWindow = DefaultFireWindow
	}
	if c.ExpiryWindow <= 0 {
		c.ExpiryWindow = DefaultExpiryWindow
	}
	if c.StartTimeout <= 0 {
		c.StartTimeout = DefaultStartTimeout
	}
	return c
}

// LifecycleEvent is the Data of every reminder.* bus event.
type LifecycleEvent struct {
	TaskID     string    `json:"task_id"`
	Title      string    `json:"title,omitempty"`
	ReminderAt time.Time `json:"reminder_at"`
	Phase      Phase     `json:"phase"`
	Reason     Reason    `json:"reason,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// EntryInfo describes one tracked entry for diagnostics.
type EntryInfo struct {
	TaskID     string
	Title      string
	Phase      Phase
	ReminderAt time.Time
	Since      time.Time
}

type Snapshot struct {
	Running      bool
	TickInterval time.Duration
	FireWindow   time.Duration
	ExpiryWindow time.Duration
	Ticks        uint64
	Fired        uint64
	FireFailed   uint64
	Resolved     map[Reason]uint64
	Entries      []EntryInfo
	Indexed      int
}
