package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/itskum47/FwForge/control_plane/observability"
)

// Watcher reloads the config file when it changes on disk and hands the
// validated result to a callback. Invalid edits are logged and ignored.
type Watcher struct {
	path     string
	onChange func(Config)
	logger   *slog.Logger
	debounce time.Duration
}

func NewWatcher(path string, onChange func(Config), logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		path:     path,
		onChange: onChange,
		logger:   logger,
		debounce: 200 * time.Millisecond,
	}
}

// Run watches until ctx is cancelled. The parent directory is watched so
// editors that replace the file by rename are still observed.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	defer fw.Close()

	dir := filepath.Dir(w.path)
	if err := fw.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	target := filepath.Clean(w.path)

	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				if timer == nil {
					timer = time.NewTimer(w.debounce)
				} else {
					timer.Reset(w.debounce)
				}
				fire = timer.C
			}
		case <-fire:
			fire = nil
			w.reload()
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("config watcher error", "error", err)
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		observability.ConfigReloads.WithLabelValues("error").Inc()
		w.logger.Warn("config reload rejected", "path", w.path, "error", err)
		return
	}
	observability.ConfigReloads.WithLabelValues("applied").Inc()
	w.logger.Info("config reloaded",
		"path", w.path,
		"scheduler_enabled", cfg.Scheduler.Enabled,
		"max_concurrent_builds", cfg.Scheduler.MaxConcurrentBuilds,
	)
	if w.onChange != nil {
		w.onChange(cfg)
	}
}
