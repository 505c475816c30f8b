package storage

import (
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrClosed   = errors.New("storage closed")
)

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free file backend (jsonl journal + snapshot)
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled and tasks live in memory.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	// CompactEvery compacts the file journal after this many writes. 0 means 500.
	CompactEvery int
}

// TaskRecord is the persisted form of a task.
type TaskRecord struct {
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	Category  string     `json:"category,omitempty"`
	Priority  string     `json:"priority,omitempty"`
	Location  string     `json:"location,omitempty"`
	Reminder  *time.Time `json:"reminder,omitempty"`
	Completed bool       `json:"completed"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// AuditEntry records a task mutation or operator action.
// Keep it compact and schema-stable.
type AuditEntry struct {
	At     time.Time `json:"at"`
	Actor  string    `json:"actor,omitempty"`
	Action string    `json:"action"`
	TaskID string    `json:"task_id,omitempty"`
	Detail string    `json:"detail,omitempty"`
	Error  string    `json:"error,omitempty"`
}
