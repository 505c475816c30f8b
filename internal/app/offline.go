package app

import (
	"context"

	"taskbell/internal/config"
	"taskbell/internal/storage"
	"taskbell/internal/tasks"
	logx "taskbell/pkg/logx"
)

// OpenTasks opens only the task store for one-shot CLI edits. The returned
// close func releases the storage. A running daemon keeps its own copy in
// memory and does not see these edits until it restarts.
func OpenTasks(ctx context.Context, cfgPath string, log logx.Logger) (*tasks.Store, func() error, error) {
	cfg, err := config.NewConfigManager(cfgPath).Load()
	if err != nil {
		return nil, nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, nil, err
	}
	var store storage.Store
	if sc, enabled, _ := mapStorageConfig(cfg); enabled {
		if store, err = storage.Open(sc, log); err != nil {
			return nil, nil, err
		}
	}
	closeFn := func() error {
		if store == nil {
			return nil
		}
		return store.Close()
	}
	tcfg, _ := mapTasksConfig(cfg)
	ts, err := tasks.Open(ctx, tcfg, store, log, nil)
	if err != nil {
		_ = closeFn()
		return nil, nil, err
	}
	return ts, closeFn, nil
}
