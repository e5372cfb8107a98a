package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher reloads config.yaml on change and notifies subscribers. Only the
// tool allow-list is applied at runtime; log level, listener address and
// database changes take effect after a restart.
type Watcher struct {
	path     string
	onReload func(*Config)
	logger   *zap.Logger
}

// NewWatcher returns nil when no config file is in use — nothing to watch.
func NewWatcher(path string, onReload func(*Config), logger *zap.Logger) *Watcher {
	if path == "" {
		return nil
	}
	return &Watcher{path: path, onReload: onReload, logger: logger}
}

// Run watches the config file until ctx is cancelled. Editors replace files
// rather than writing in place, so the watch is on the parent directory and
// events are debounced.
func (w *Watcher) Run(ctx context.Context) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		w.logger.Warn("Config watcher unavailable", zap.Error(err))
		return
	}
	defer fsw.Close()

	dir := filepath.Dir(w.path)
	if err := fsw.Add(dir); err != nil {
		w.logger.Warn("Config watcher failed to add directory", zap.String("dir", dir), zap.Error(err))
		return
	}

	w.logger.Info("Config watcher started", zap.String("path", w.path))

	var debounce *time.Timer
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(500*time.Millisecond, w.reload)
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Config watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load()
	if err != nil {
		w.logger.Warn("Config reload failed — keeping previous configuration", zap.Error(err))
		return
	}
	w.logger.Info("Config reloaded", zap.String("path", w.path))
	w.onReload(cfg)
}
