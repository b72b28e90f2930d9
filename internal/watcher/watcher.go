package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

type Watcher interface {
	Watch(ctx context.Context, path string) error
	Stop() error
	OnChange(callback func(path string, event EventType))
}

type EventType int

const (
	EventCreate EventType = iota
	EventModify
	EventDelete
)

func (e EventType) String() string {
	switch e {
	case EventCreate:
		return "create"
	case EventModify:
		return "modify"
	case EventDelete:
		return "delete"
	}
	return "unknown"
}

// FSWatcher watches library folders recursively and reports file
// changes. Rapid bursts of events on the same path collapse into one
// callback after the debounce window.
type FSWatcher struct {
	logger   *slog.Logger
	fs       *fsnotify.Watcher
	debounce time.Duration
	once     sync.Once
	done     chan struct{}

	mu       sync.Mutex
	callback func(path string, event EventType)
	timers   map[string]*time.Timer
}

func NewFSWatcher(logger *slog.Logger, debounce time.Duration) (*FSWatcher, error) {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fs watcher: %w", err)
	}
	if debounce <= 0 {
		debounce = 2 * time.Second
	}
	return &FSWatcher{
		logger:   logger,
		fs:       fs,
		debounce: debounce,
		done:     make(chan struct{}),
		timers:   make(map[string]*time.Timer),
	}, nil
}

func (w *FSWatcher) OnChange(callback func(path string, event EventType)) {
	w.mu.Lock()
	w.callback = callback
	w.mu.Unlock()
}

// Watch adds path and all its subdirectories to the watch set. The
// event loop starts on the first call and runs until ctx is cancelled
// or Stop is called.
func (w *FSWatcher) Watch(ctx context.Context, path string) error {
	if err := w.addRecursive(path); err != nil {
		return err
	}
	w.once.Do(func() {
		go w.loop(ctx)
	})
	w.logger.Info("watching folder", "path", path)
	return nil
}

func (w *FSWatcher) Stop() error {
	close(w.done)
	err := w.fs.Close()

	w.mu.Lock()
	for path, t := range w.timers {
		t.Stop()
		delete(w.timers, path)
	}
	w.mu.Unlock()
	return err
}

func (w *FSWatcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && d.Name()[0] == '.' {
			return filepath.SkipDir
		}
		if err := w.fs.Add(path); err != nil {
			w.logger.Warn("failed to watch directory", "path", path, "error", err)
		}
		return nil
	})
}

func (w *FSWatcher) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch error", "error", err)
		}
	}
}

func (w *FSWatcher) handle(ev fsnotify.Event) {
	switch {
	case ev.Op.Has(fsnotify.Create):
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			// New subdirectory: watch it too. Files already inside are
			// picked up by the next full rescan.
			if err := w.addRecursive(ev.Name); err != nil {
				w.logger.Warn("failed to watch new directory", "path", ev.Name, "error", err)
			}
			return
		}
		w.emit(ev.Name, EventCreate)
	case ev.Op.Has(fsnotify.Write):
		w.emit(ev.Name, EventModify)
	case ev.Op.Has(fsnotify.Remove), ev.Op.Has(fsnotify.Rename):
		w.emit(ev.Name, EventDelete)
	}
}

func (w *FSWatcher) emit(path string, event EventType) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.callback == nil {
		return
	}
	if t, ok := w.timers[path]; ok {
		t.Stop()
	}
	cb := w.callback
	w.timers[path] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.timers, path)
		w.mu.Unlock()
		cb(path, event)
	})
}
