package panel

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const watchDebounce = 300 * time.Millisecond

// Watch reloads the routes file whenever it changes and hands the new router
// to onChange. The parent directory is watched so editors that replace the
// file on save are handled. Watch blocks until ctx is done.
func Watch(ctx context.Context, path string, logger *zap.Logger, onChange func(*Router)) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("routes")

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create routes watcher: %w", err)
	}
	defer watcher.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve routes path: %w", err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch routes dir: %w", err)
	}

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			pending = time.After(watchDebounce)
		case <-pending:
			pending = nil
			r, err := LoadRouter(abs)
			if err != nil {
				logger.Warn("reload failed, keeping previous routes", zap.Error(err))
				continue
			}
			logger.Info("routes reloaded", zap.Int("types", len(r.Types())))
			onChange(r)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("watcher error", zap.Error(err))
		}
	}
}
