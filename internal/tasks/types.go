package tasks

import (
	"errors"
	"strings"
	"time"
)

var (
	ErrNotFound    = errors.New("task not found")
	ErrNoReminder  = errors.New("task has no reminder")
	ErrEmptyTitle  = errors.New("task title is required")
	ErrBadReminder = errors.New("unrecognized reminder time")
)

// Event types published on the bus.
const (
	EventAdded   = "tasks.added"
	EventUpdated = "tasks.updated"
	EventDeleted = "tasks.deleted"
)

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// ParsePriority falls back to low for anything unrecognized.
func ParsePriority(s string) Priority {
	switch Priority(strings.ToLower(strings.TrimSpace(s))) {
	case PriorityHigh:
		return PriorityHigh
	case PriorityMedium:
		return PriorityMedium
	default:
		return PriorityLow
	}
}

type Category string

const (
	CategoryIndoor  Category = "indoor"
	CategoryOutdoor Category = "outdoor"
)

type Task struct {
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	Category  Category   `json:"category"`
	Priority  Priority   `json:"priority"`
	Location  string     `json:"location,omitempty"`
	Reminder  *time.Time `json:"reminder,omitempty"`
	Completed bool       `json:"completed"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// NewTask is the input of Store.Add.
type NewTask struct {
	Title    string
	Category Category
	Priority Priority
	Location string
	Reminder *time.Time
}

// Patch updates the non-nil fields. ClearReminder wins over Reminder.
type Patch struct {
	Title         *string
	Category      *Category
	Priority      *Priority
	Location      *string
	Reminder      *time.Time
	ClearReminder bool
	Completed     *bool
}

type Filter string

const (
	FilterAll       Filter = "all"
	FilterToday     Filter = "today"
	FilterUpcoming  Filter = "upcoming"
	FilterImportant Filter = "important"
)

// ParseFilter maps UI tab names onto filters. "home" and "inbox" are all.
func ParseFilter(s string) (Filter, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "all", "home", "inbox":
		return FilterAll, true
	case "today":
		return FilterToday, true
	case "upcoming":
		return FilterUpcoming, true
	case "important":
		return FilterImportant, true
	default:
		return "", false
	}
}

type Query struct {
	Filter Filter
	Search string
}

// Config configures the task store.
type Config struct {
	// Timezone is an IANA name used to read reminder input and compute
	// "today". Empty means the process local zone.
	Timezone        string
	DefaultPriority string
}

// MutationEvent is the Data of every tasks.* bus event.
type MutationEvent struct {
	TaskID string `json:"task_id"`
	Title  string `json:"title,omitempty"`
	Actor  string `json:"actor,omitempty"`
}
