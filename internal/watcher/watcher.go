package watcher

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Handler processes one detected change to the file at path (the path as
// fsnotify reports it: the watched root joined with the file's location
// under it, not relative to the root), invoked at most once concurrently per path even if
// the underlying filesystem raises overlapping events for it.
type Handler func(path string)

// Watcher recursively watches a set of roots for file writes, debounces
// bursts, and serializes per-file handler invocations so the ingestion
// pipeline never processes the same file from two goroutines at once
// (§4.4).
type Watcher struct {
	roots          []string
	ignorePatterns []string
	handler        Handler
	debounce       *Debouncer

	fsw *fsnotify.Watcher

	mu     sync.Mutex
	queues map[string]chan struct{} // one per-file worker's wake channel
}

// New builds a Watcher over roots. handler is called (debounced, one at a
// time per file) whenever a file under a root is created or written.
func New(roots []string, ignorePatterns []string, debounceDuration int, handler Handler) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		roots:          roots,
		ignorePatterns: ignorePatterns,
		handler:        handler,
		debounce:       NewDebouncer(),
		fsw:            fsw,
		queues:         make(map[string]chan struct{}),
	}
	if debounceDuration > 0 {
		w.debounce.SetDuration(time.Duration(debounceDuration) * time.Millisecond)
	}
	return w, nil
}

// Start walks every root adding watches, then processes fsnotify events
// until stop is closed.
func (w *Watcher) Start(stop <-chan struct{}) error {
	for _, root := range w.roots {
		if err := w.addRecursive(root); err != nil {
			return err
		}
	}

	go func() {
		for {
			select {
			case <-stop:
				w.fsw.Close()
				return
			case event, ok := <-w.fsw.Events:
				if !ok {
					return
				}
				w.handleFsEvent(event)
			case err, ok := <-w.fsw.Errors:
				if !ok {
					return
				}
				slog.Warn("watcher: fsnotify error", "error", err)
			}
		}
	}()
	return nil
}

func (w *Watcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil // best effort: skip paths we can't stat
		}
		if d.IsDir() {
			if w.ignored(path) {
				return filepath.SkipDir
			}
			return w.fsw.Add(path)
		}
		return nil
	})
}

func (w *Watcher) ignored(path string) bool {
	base := filepath.Base(path)
	for _, pat := range w.ignorePatterns {
		if ok, _ := filepath.Match(pat, base); ok {
			return true
		}
	}
	return strings.HasPrefix(base, ".")
}

func (w *Watcher) handleFsEvent(event fsnotify.Event) {
	if w.ignored(event.Name) {
		return
	}
	if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
		return
	}

	if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
		w.fsw.Add(event.Name)
		return
	}

	w.debounce.Debounce(event.Name, func() {
		w.wake(event.Name)
	})
}

// wake signals the per-file worker for path, starting one if this is the
// first change ever seen for it. The worker channel has a buffer of 1: a
// second wake while the handler is still running coalesces into a single
// re-run rather than queuing unboundedly.
func (w *Watcher) wake(path string) {
	w.mu.Lock()
	ch, ok := w.queues[path]
	if !ok {
		ch = make(chan struct{}, 1)
		w.queues[path] = ch
		go w.fileWorker(path, ch)
	}
	w.mu.Unlock()

	select {
	case ch <- struct{}{}:
	default:
	}
}

func (w *Watcher) fileWorker(path string, ch chan struct{}) {
	for range ch {
		w.handler(path)
	}
}

// Stop halts all debounce timers; Start's own goroutine is stopped by
// closing the stop channel passed to it.
func (w *Watcher) Stop() {
	w.debounce.Stop()
}
