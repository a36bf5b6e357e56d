package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce collapses the burst of events an editor save produces.
const DefaultDebounce = 500 * time.Millisecond

// Watch reloads the config file at path whenever it changes and passes each
// valid result to apply. Invalid files are logged and skipped. The parent
// directory is watched so atomic replace-by-rename is seen. Watch blocks
// until ctx is done.
//
// apply runs on the calling goroutine, so it is never invoked after Watch
// returns and Watch does not return while apply is running.
func Watch(ctx context.Context, path string, debounce time.Duration, logger *slog.Logger, apply func(*Config)) error {
	if path == "" {
		return fmt.Errorf("no config file to watch")
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if logger == nil {
		logger = slog.Default()
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", path, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}

	reload := func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("config reload panic", "panic", r)
			}
		}()
		cfg, err := Load(abs)
		if err != nil {
			logger.Error("config reload failed", "path", abs, "error", err)
			return
		}
		if ctx.Err() != nil {
			return
		}
		logger.Info("config reloaded", "path", abs)
		apply(cfg)
	}

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

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			logger.Debug("config event", "name", ev.Name, "op", ev.Op)

			if timer == nil {
				timer = time.NewTimer(debounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(debounce)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			reload()

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Error("fsnotify error", "error", err)
		}
	}
}
