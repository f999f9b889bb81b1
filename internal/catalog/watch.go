package catalog

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

const watchDebounce = 250 * time.Millisecond

// Watch reloads the catalog at path whenever it changes and hands every
// valid version to apply. Invalid edits are logged and skipped, leaving the
// last applied catalog in place. Watch blocks until ctx is done.
func Watch(ctx context.Context, path string, log zerolog.Logger, apply func(context.Context, *Catalog) error) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("new watcher: %w", err)
	}
	defer w.Close()

	// Editors replace files by rename, so watch the directory.
	target := filepath.Clean(path)
	if err := w.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(target), err)
	}

	debounce := time.NewTimer(time.Hour)
	debounce.Stop()
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				debounce.Reset(watchDebounce)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Str("path", target).Msg("catalog watcher error")
		case <-debounce.C:
			c, err := Load(target)
			if err != nil {
				log.Warn().Err(err).Msg("catalog reload skipped")
				continue
			}
			if err := apply(ctx, c); err != nil {
				log.Error().Err(err).Msg("catalog apply failed")
				continue
			}
			log.Info().Int("personas", len(c.Personas)).Int("providers", len(c.Providers)).Msg("catalog reloaded")
		}
	}
}
