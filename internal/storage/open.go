package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "taskbell/pkg/logx"
)

// Store is the persistence API used by the task store and the notifier.
type Store interface {
	LoadTasks(ctx context.Context) ([]TaskRecord, error)
	PutTask(ctx context.Context, t TaskRecord) error
	DeleteTask(ctx context.Context, id string) error

	AppendAudit(ctx context.Context, e AuditEntry) error

	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)

	// Compact folds journals into snapshots and prunes expired state.
	Compact(ctx context.Context) error
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
