package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// WatchProfile reloads the profile at path whenever it changes and passes
// each valid version to apply. Invalid edits are logged and skipped; the
// previous profile stays in force. It blocks until ctx is cancelled.
//
// The parent directory is watched rather than the file, so editors that
// save by renaming a temp file over the original are still seen.
func WatchProfile(ctx context.Context, path string, logger *slog.Logger, apply func(*Profile)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolving profile path: %w", err)
	}

	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watching profile directory: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed")
			}

			if filepath.Clean(event.Name) != abs {
				continue
			}

			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}

			p, err := LoadProfile(abs)
			if err != nil {
				logger.Warn("ignoring profile change", slog.String("path", abs), slog.String("error", err.Error()))
				continue
			}

			logger.Info("profile reloaded",
				slog.String("path", abs),
				slog.String("deployment_class", p.DeploymentClass),
			)
			apply(p)

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed")
			}

			// Non-fatal; the profile just won't reload for this event.
			logger.Warn("profile watcher error", slog.String("error", err.Error()))
		}
	}
}
