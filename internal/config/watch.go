package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/roach88/databroker/internal/log"
	"github.com/roach88/databroker/internal/metrics"
)

// WatchDebounce is how long Watch waits after the last change event before
// reloading.
var WatchDebounce = 200 * time.Millisecond

// Watch reloads the config file at path whenever it is written or
// recreated and passes the result to onChange. It blocks until ctx is done.
//
// The parent directory is watched rather than the file itself so editors
// that replace the file through a rename are noticed.
func Watch(ctx context.Context, path string, onChange func(*Config, error)) error {
	target, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve config path: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	if err := watcher.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("watch config directory: %w", err)
	}

	logger := log.WithComponent("config")
	logger.Info().
		Str("event", "config.watcher_started").
		Str("path", target).
		Msg("watching config file for changes")

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			logger.Info().Str("event", "config.watcher_stopped").Msg("config watcher stopped")
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				logger.Debug().
					Str("event", "config.file_changed").
					Str("op", event.Op.String()).
					Msg("config file changed")
				pending = time.After(WatchDebounce)
			}

		case <-pending:
			pending = nil
			cfg, err := Load(target)
			metrics.RecordConfigReload(err)
			if err != nil {
				logger.Error().Err(err).Str("event", "config.reload_failed").Msg("config reload failed")
			}
			onChange(cfg, err)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Error().Err(err).Str("event", "config.watcher_error").Msg("config watcher error")
		}
	}
}
