// Package watcher reports external edits to a fixed set of files.
package watcher

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"safemod/internal/logging"
)

// EventType represents the type of file system event
type EventType string

const (
	EventCreate EventType = "create"
	EventModify EventType = "modify"
	EventDelete EventType = "delete"
	EventRename EventType = "rename"
)

// Event represents a file system event on a watched file
type Event struct {
	Path string
	Type EventType
}

var errClosed = errors.New("watcher is closed")

// Watcher watches individual files for changes with debouncing. Files are
// watched through their parent directories so that deletes, recreations
// and atomic renames are all observed, including for files that do not
// exist yet.
type Watcher struct {
	debounce   time.Duration
	callback   func(Event)
	watcher    *fsnotify.Watcher
	logger     *slog.Logger
	done       chan struct{}
	started    bool
	closed     bool
	mu         sync.Mutex
	files      map[string]bool
	dirs       map[string]bool
	debouncer  map[string]*time.Timer
	debounceMu sync.Mutex
}

// New creates a Watcher for the given files. Every parent directory must exist.
func New(paths []string, debounce time.Duration, callback func(Event), logger *slog.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	w := &Watcher{
		debounce:  debounce,
		callback:  callback,
		watcher:   fw,
		logger:    logging.OrDefault(logger).With("component", "watcher.Watcher"),
		done:      make(chan struct{}),
		files:     make(map[string]bool),
		dirs:      make(map[string]bool),
		debouncer: make(map[string]*time.Timer),
	}

	for _, p := range paths {
		if err := w.add(p); err != nil {
			fw.Close()
			return nil, err
		}
	}
	return w, nil
}

func (w *Watcher) add(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", path, err)
	}
	dir := filepath.Dir(abs)
	if !w.dirs[dir] {
		if err := w.watcher.Add(dir); err != nil {
			return fmt.Errorf("failed to watch path %s: %w", dir, err)
		}
		w.dirs[dir] = true
	}
	w.files[abs] = true
	return nil
}

// Start starts watching for events
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return errClosed
	}

	if w.started {
		return fmt.Errorf("watcher already started")
	}

	w.started = true

	go w.watch()

	return nil
}

// Close stops watching and cleans up resources. Pending debounced events
// are dropped.
func (w *Watcher) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}

	w.closed = true

	if w.started {
		close(w.done)
	}

	w.debounceMu.Lock()
	for _, timer := range w.debouncer {
		timer.Stop()
	}
	w.debouncer = make(map[string]*time.Timer)
	w.debounceMu.Unlock()

	return w.watcher.Close()
}

// watch is the main event loop
func (w *Watcher) watch() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watcher error", "error", err)

		case <-w.done:
			return
		}
	}
}

func (w *Watcher) watched(path string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.files[path]
}

// handleEvent filters an fsnotify event down to watched files
func (w *Watcher) handleEvent(event fsnotify.Event) {
	if !w.watched(filepath.Clean(event.Name)) {
		return
	}

	var eventType EventType
	switch {
	case event.Op&fsnotify.Create == fsnotify.Create:
		eventType = EventCreate
	case event.Op&fsnotify.Write == fsnotify.Write:
		eventType = EventModify
	case event.Op&fsnotify.Remove == fsnotify.Remove:
		eventType = EventDelete
	case event.Op&fsnotify.Rename == fsnotify.Rename:
		eventType = EventRename
	default:
		// chmod only
		return
	}

	w.debounceEvent(Event{Path: filepath.Clean(event.Name), Type: eventType})
}

// debounceEvent debounces events for the same file; the last event wins
func (w *Watcher) debounceEvent(e Event) {
	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()

	if timer, exists := w.debouncer[e.Path]; exists {
		timer.Stop()
	}

	w.debouncer[e.Path] = time.AfterFunc(w.debounce, func() {
		w.debounceMu.Lock()
		delete(w.debouncer, e.Path)
		w.debounceMu.Unlock()

		w.callback(e)
	})
}
