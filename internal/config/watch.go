package config

import (
	"context"
	"log/slog"

	"github.com/fsnotify/fsnotify"
)

// DirWatcher watches the personas/prompts/workflows directories and calls
// onChange whenever a file is created, written or removed. It never mutates
// anything itself — per §4.4, persona/workflow state is immutable for the
// lifetime of a running AgentSession, so callers must only apply a reload
// signal to *new* sessions, never to one already bound to a graph.
type DirWatcher struct {
	watcher  *fsnotify.Watcher
	onChange func(path string)
}

// NewDirWatcher starts watching dirs for changes. onChange is invoked from
// an internal goroutine; it must not block.
func NewDirWatcher(dirs []string, onChange func(path string)) (*DirWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	for _, d := range dirs {
		if d == "" {
			continue
		}
		if err := w.Add(d); err != nil {
			slog.Warn("config watcher: failed to watch directory", "dir", d, "error", err)
		}
	}
	return &DirWatcher{watcher: w, onChange: onChange}, nil
}

// Run processes events until ctx is cancelled.
func (d *DirWatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			d.watcher.Close()
			return
		case ev, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				d.onChange(ev.Name)
			}
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("config watcher error", "error", err)
		}
	}
}
