// Package watcher notifies the ingestion pipeline when a transcript file
// changes, debouncing bursts of writes from the coding CLI's own log
// rotation and coalescing them into one re-scan per file (§4.4).
package watcher

import (
	"sync"
	"time"
)

const defaultDebounceDuration = 100 * time.Millisecond

// Debouncer delays fn until duration has passed without another
// Debounce(key, ...) call for the same key, resetting the timer on every
// call in between.
type Debouncer struct {
	mu       sync.Mutex
	duration time.Duration
	timers   map[string]*time.Timer
}

// NewDebouncer builds a Debouncer with the default 100ms window.
func NewDebouncer() *Debouncer {
	return &Debouncer{
		duration: defaultDebounceDuration,
		timers:   make(map[string]*time.Timer),
	}
}

// SetDuration overrides the debounce window; intended to be called before
// any Debounce calls land (config wiring, not runtime tuning).
func (d *Debouncer) SetDuration(duration time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.duration = duration
}

// Debounce (re)starts key's timer; fn runs once after duration elapses
// without a further call for the same key.
func (d *Debouncer) Debounce(key string, fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if t, ok := d.timers[key]; ok {
		t.Stop()
	}
	d.timers[key] = time.AfterFunc(d.duration, fn)
}

// Cancel stops key's pending timer, if any.
func (d *Debouncer) Cancel(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if t, ok := d.timers[key]; ok {
		t.Stop()
		delete(d.timers, key)
	}
}

// Stop cancels every pending timer.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, t := range d.timers {
		t.Stop()
	}
	d.timers = make(map[string]*time.Timer)
}
