// internal/config/watcher.go
package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher reloads the config file when it changes on disk. It watches the
// parent directory rather than the file itself so atomic saves (write temp,
// rename over target) keep working, and debounces the event burst most
// editors produce for a single save.
type Watcher struct {
	path     string
	dir      string
	base     string
	debounce time.Duration
	onReload func(*Config, error)
	fw       *fsnotify.Watcher
	logger   *zap.Logger
}

// NewWatcher creates a watcher for the config file at path. onReload is
// called with the freshly loaded config, or with a nil config and the load
// error when the new file is invalid.
func NewWatcher(path string, logger *zap.Logger, onReload func(*Config, error)) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("config: resolve %s: %w", path, err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: create watcher: %w", err)
	}

	dir := filepath.Dir(abs)
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("config: watch %s: %w", dir, err)
	}

	return &Watcher{
		path:     abs,
		dir:      dir,
		base:     filepath.Base(abs),
		debounce: 200 * time.Millisecond,
		onReload: onReload,
		fw:       fw,
		logger:   logger,
	}, nil
}

// Run blocks processing file events until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	timer := time.NewTimer(0)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != w.base {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.logger.Debug("config file changed",
				zap.String("path", w.path),
				zap.String("op", ev.Op.String()))
			timer.Reset(w.debounce)

		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", zap.Error(err))

		case <-timer.C:
			cfg, err := Load(w.path)
			w.onReload(cfg, err)
		}
	}
}

// Close stops the underlying filesystem watcher.
func (w *Watcher) Close() error {
	return w.fw.Close()
}
