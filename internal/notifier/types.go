package notifier

import (
	"context"
	"time"
)

// Config controls the async notification pipeline.
type Config struct {
	Enabled         bool
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	SendTimeout     time.Duration
	PermTimeout     time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
	PersistDedup    bool
}

type Notification struct {
	Title    string
	Body     string
	TaskID   string
	Priority int
}

// Text renders the notification for plain-text sinks.
func (n Notification) Text() string {
	switch {
	case n.Title == "":
		return n.Body
	case n.Body == "":
		return n.Title
	default:
		return n.Title + "\n" + n.Body
	}
}

type Permission int

const (
	PermissionUnknown Permission = iota
	PermissionGranted
	PermissionDenied
)

func (p Permission) String() string {
	switch p {
	case PermissionGranted:
		return "granted"
	case PermissionDenied:
		return "denied"
	default:
		return "unknown"
	}
}

// Sink shows notifications somewhere.
//
// Permission may block (it can prompt or probe); it is called off the
// Notify path. An error leaves the permission unknown and it is asked again
// on the next notification.
type Sink interface {
	Name() string
	Permission(ctx context.Context) (Permission, error)
	Send(ctx context.Context, n Notification) error
}

type HistoryItem struct {
	At   time.Time
	Sink string
	Text string
}

type SinkInfo struct {
	Name       string
	Permission string
}

type Snapshot struct {
	Enabled bool
	Running bool
	Queued  int
	Sinks   []SinkInfo
	Dedup   int
	History []HistoryItem
}

// NotificationEvent is emitted on the event bus for notifier lifecycle events.
// Keep it small; Data may be logged/serialized by subscribers.
type NotificationEvent struct {
	Sink   string    `json:"sink,omitempty"`
	TaskID string    `json:"task_id,omitempty"`
	Key    string    `json:"key"`
	At     time.Time `json:"at"`
	Error  string    `json:"error,omitempty"`
}

// Event types published on the bus.
const (
	EventQueued  = "notifier.queued"
	EventSent    = "notifier.sent"
	EventFailed  = "notifier.failed"
	EventDropped = "notifier.dropped"
	EventDeduped = "notifier.deduped"
	EventSkipped = "notifier.skipped"
)
