package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the configuration whenever its file changes and passes
// the new value to onChange. Parse errors are passed to onError and the
// previous configuration stays in effect. Watch returns when ctx is done.
func Watch(ctx context.Context, dir string, onChange func(*Config), onError func(error)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	// Watch the directory: editors replace the file by renaming.
	if err := watcher.Add(dir); err != nil {
		return err
	}
	path := filepath.Join(dir, FileName)

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-watcher.Errors:
			if onError != nil {
				onError(err)
			}
		case ev := <-watcher.Events:
			if filepath.Clean(ev.Name) != path || ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			// Let the writer finish and collapse bursts of events.
			drain(watcher.Events, 20*time.Millisecond)
			c, err := Load(dir)
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			onChange(c)
		}
	}
}

func drain(events <-chan fsnotify.Event, quiet time.Duration) {
	for {
		select {
		case <-events:
		case <-time.After(quiet):
			return
		}
	}
}
