// Package watch inventories reduced frames as they appear in the source
// directories.
package watch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// AddFunc registers one file and reports whether it was new.
type AddFunc func(ctx context.Context, path string) (bool, error)

// Event is the outcome of handling one settled file.
type Event struct {
	Path  string    `json:"path"`
	Added bool      `json:"added"`
	Err   error     `json:"-"`
	Time  time.Time `json:"time"`
}

// Watcher monitors directories and hands new matching files to add once
// they have stopped changing for the debounce period.
type Watcher struct {
	watcher  *fsnotify.Watcher
	dirs     []string
	pattern  string
	debounce time.Duration
	add      AddFunc
	log      *slog.Logger
	// Events receives one entry per handled file; it is closed when Run
	// returns. Events are dropped when nobody reads them.
	Events chan Event
}

// New creates a watcher over dirs for files matching pattern.
func New(dirs []string, pattern string, debounce time.Duration, add AddFunc, log *slog.Logger) (*Watcher, error) {
	if log == nil {
		log = slog.Default()
	}
	if _, err := filepath.Match(pattern, ""); err != nil {
		return nil, fmt.Errorf("bad pattern %q: %w", pattern, err)
	}
	if debounce <= 0 {
		debounce = 2 * time.Second
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		watcher:  w,
		dirs:     dirs,
		pattern:  pattern,
		debounce: debounce,
		add:      add,
		log:      log,
		Events:   make(chan Event, 100),
	}, nil
}

func (w *Watcher) matches(path string) bool {
	ok, _ := filepath.Match(w.pattern, filepath.Base(path))
	return ok
}

// Run watches until ctx is cancelled. Directories that cannot be watched
// are logged; Run fails only when none can.
func (w *Watcher) Run(ctx context.Context) error {
	defer close(w.Events)
	defer w.watcher.Close()

	watched := 0
	for _, dir := range w.dirs {
		if err := w.watcher.Add(dir); err != nil {
			w.log.Error("cannot watch directory", "dir", dir, "error", err)
			continue
		}
		watched++
		w.log.Info("watching directory", "dir", dir, "pattern", w.pattern)
	}
	if watched == 0 {
		return errors.New("no directory could be watched")
	}

	pending := make(map[string]time.Time)
	tick := time.NewTicker(w.debounce / 4)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Write) {
				continue
			}
			if !w.matches(event.Name) {
				continue
			}
			pending[event.Name] = time.Now()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Error("filesystem watcher error", "error", err)

		case now := <-tick.C:
			for path, last := range pending {
				if now.Sub(last) < w.debounce {
					continue
				}
				delete(pending, path)
				w.handle(ctx, path)
			}
		}
	}
}

func (w *Watcher) handle(ctx context.Context, path string) {
	added, err := w.add(ctx, path)
	switch {
	case err != nil:
		w.log.Warn("could not inventory file", "file", path, "error", err)
	case added:
		w.log.Info("inventoried new file", "file", path)
	default:
		w.log.Debug("file already known", "file", path)
	}
	select {
	case w.Events <- Event{Path: path, Added: added, Err: err, Time: time.Now()}:
	default:
	}
}
