package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch re-loads the config file whenever it changes on disk and
// delivers the new Resolved to onChange. The serve command uses this
// to apply log_level changes without a restart (it does not re-apply
// log_format). Blocks until ctx is
// cancelled. A file that fails to load keeps the previous config.
//
// The parent directory is watched rather than the file itself:
// editors that write-rename would otherwise drop the watch.
func Watch(ctx context.Context, path string, logger *slog.Logger, onChange func(*Resolved)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: creating watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("config: watching %s: %w", dir, err)
	}

	logger.Debug("watching config file", "path", path)

	target := filepath.Clean(path)

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}

			if filepath.Clean(event.Name) != target {
				continue
			}

			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}

			resolved, loadErr := Load(path, logger)
			if loadErr != nil {
				logger.Warn("config reload failed, keeping previous config",
					slog.String("path", path),
					slog.String("error", loadErr.Error()),
				)

				continue
			}

			logger.Info("config reloaded", slog.String("path", path))
			onChange(resolved)

		case watchErr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}

			logger.Warn("config watcher error", slog.String("error", watchErr.Error()))
		}
	}
}
