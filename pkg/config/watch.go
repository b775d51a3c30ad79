package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is how long Watch waits for a burst of file events to
// settle before reporting a change.
const DefaultDebounce = 500 * time.Millisecond

// Watch blocks until ctx is done and calls onChange after any of paths is
// written, created, renamed or removed. Directories report changes to the
// override files they contain. Bursts of events within debounce of each
// other produce one call, naming the last file that changed. onChange runs
// on the watching goroutine, so a slow callback delays the next one.
func (l *Loader) Watch(ctx context.Context, paths []string, debounce time.Duration, onChange func(path string)) error {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	// Editors replace files by renaming over them, which drops a watch on the
	// file itself. Watch the parent directory and filter by name instead.
	files := make(map[string]bool)
	dirs := make(map[string]bool)
	for _, path := range paths {
		abs, err := filepath.Abs(path)
		if err != nil {
			return err
		}
		info, err := os.Stat(abs)
		if err != nil {
			return fmt.Errorf("failed to watch %s: %w", path, err)
		}
		dir := abs
		if !info.IsDir() {
			files[abs] = true
			dir = filepath.Dir(abs)
		} else {
			dirs[abs] = true
		}
		if err := watcher.Add(dir); err != nil {
			return fmt.Errorf("failed to watch %s: %w", dir, err)
		}
	}

	relevant := func(name string) bool {
		if files[name] {
			return true
		}
		return dirs[filepath.Dir(name)] && isOverrideFile(name)
	}

	timer := time.NewTimer(debounce)
	if !timer.Stop() {
		<-timer.C
	}
	var pending string

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			if !relevant(filepath.Clean(event.Name)) {
				continue
			}
			l.logger.Debug().
				Str("file", event.Name).
				Str("op", event.Op.String()).
				Msg("Override file changed")
			pending = event.Name
			timer.Reset(debounce)

		case <-timer.C:
			if pending != "" {
				onChange(pending)
				pending = ""
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			l.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}
