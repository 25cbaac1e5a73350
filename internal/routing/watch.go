package routing

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// WatchDebounce coalesces bursts of editor writes into one reload.
const WatchDebounce = 250 * time.Millisecond

// WatchFile calls fn after file changes until ctx is done. The parent
// directory is watched so rename-on-save editors are picked up too.
func WatchFile(ctx context.Context, file string, logger *slog.Logger, fn func(context.Context)) error {
	if logger == nil {
		logger = slog.Default()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("routing: watch %s: %w", file, err)
	}
	target := filepath.Clean(file)
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("routing: watch %s: %w", file, err)
	}

	go func() {
		defer watcher.Close()
		var (
			timer *time.Timer
			fire  <-chan time.Time
		)
		for {
			select {
			case <-ctx.Done():
				if timer != nil {
					timer.Stop()
				}
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
					continue
				}
				if timer == nil {
					timer = time.NewTimer(WatchDebounce)
				} else {
					timer.Reset(WatchDebounce)
				}
				fire = timer.C
			case <-fire:
				fire = nil
				logger.Info("routes file changed", slog.String("path", target))
				fn(ctx)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("routes watcher error", slog.Any("error", err))
			}
		}
	}()
	return nil
}
