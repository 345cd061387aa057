package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watchDebounce coalesces the burst of events editors emit for one save.
var watchDebounce = 500 * time.Millisecond

// Watch reloads the store whenever its backing file changes and calls
// onReload with the new config. It blocks until ctx is cancelled.
// The parent directory is watched so atomic rename-on-save is picked up.
func (s *Store) Watch(ctx context.Context, onReload func(*Config)) error {
	if s.path == "" {
		return fmt.Errorf("config store has no backing file")
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()

	target := filepath.Clean(s.path)
	if err := w.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(target), err)
	}

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(watchDebounce)
			fire = timer.C
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			slog.Warn("config watcher error", "error", err)
		case <-fire:
			fire = nil
			cfg, err := s.Reload()
			if err != nil {
				slog.Error("config reload failed, keeping previous config", "error", err, "path", s.path)
				continue
			}
			slog.Info("config reloaded", "path", s.path)
			if onReload != nil {
				onReload(cfg)
			}
		}
	}
}
