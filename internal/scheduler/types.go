package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

const (
	EventStarted  = "scheduler.started"
	EventFinished = "scheduler.finished"
	EventFailed   = "scheduler.failed"
	EventSkipped  = "scheduler.skipped"
)

// Config controls the scheduler service.
type Config struct {
	Enabled        bool
	Workers        int
	QueueSize      int
	DefaultTimeout time.Duration
	HistorySize    int
	Timezone       string // IANA TZ, e.g. "Europe/Berlin"
	RetryMax       int
}

type OverlapPolicy int

const (
	OverlapSkipIfRunning OverlapPolicy = iota
	OverlapAllow
)

type JobOptions struct {
	Overlap       OverlapPolicy
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	RetryJitter   float64 // 0.2 = 20%
}

func (o JobOptions) withDefaults(cfg Config) JobOptions {
	if o.RetryMax <= 0 {
		o.RetryMax = cfg.RetryMax
	}
	if o.RetryBase <= 0 {
		o.RetryBase = 500 * time.Millisecond
	}
	if o.RetryMaxDelay <= 0 {
		o.RetryMaxDelay = 15 * time.Second
	}
	if o.RetryJitter <= 0 {
		o.RetryJitter = 0.2
	}
	return o
}

type JobFunc func(ctx context.Context) error

type runState struct {
	mu      sync.Mutex
	running bool
}

func (r *runState) tryAcquire() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return false
	}
	r.running = true
	return true
}

func (r *runState) release() {
	r.mu.Lock()
	r.running = false
	r.mu.Unlock()
}

type run struct {
	id      string
	name    string
	timeout time.Duration
	job     JobFunc
	opt     JobOptions
	state   *runState
	// held is true when the overlap slot was taken at trigger time.
	held bool
}

type def struct {
	id      string
	name    string
	spec    string
	timeout time.Duration
	job     JobFunc
	entryID cron.EntryID
	opt     JobOptions
	state   *runState
}

type HistoryItem struct {
	ID       string        `json:"id"`
	Name     string        `json:"name"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	Attempts int           `json:"attempts"`
	Error    string        `json:"error,omitempty"`
}

// JobEvent is the Data payload of scheduler.* bus events.
type JobEvent struct {
	ID       string
	Name     string
	Started  time.Time
	Duration time.Duration
	Attempts int
	Error    string
}

type ScheduleInfo struct {
	ID      string        `json:"id"`
	Name    string        `json:"name"`
	Spec    string        `json:"spec"`
	Timeout time.Duration `json:"timeout"`
	Next    time.Time     `json:"next,omitzero"`
	Prev    time.Time     `json:"prev,omitzero"`
}

type Snapshot struct {
	Enabled   bool           `json:"enabled"`
	Running   bool           `json:"running"`
	Timezone  string         `json:"timezone"`
	Workers   int            `json:"workers"`
	QueueLen  int            `json:"queue_len"`
	QueueCap  int            `json:"queue_cap"`
	Dropped   uint64         `json:"dropped"`
	Schedules []ScheduleInfo `json:"schedules"`
	History   []HistoryItem  `json:"history"`
}
