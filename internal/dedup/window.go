package dedup

import (
	"sync"
	"time"
)

// sweepEvery bounds how many Allow calls pass between expiry sweeps.
const sweepEvery = 1024

// Window remembers when each key was last accepted.
type Window struct {
	window time.Duration
	now    func() time.Time

	mu    sync.Mutex
	seen  map[string]time.Time
	calls int
}

// NewWindow creates a Window of the given length. A zero or negative
// length disables deduplication.
func NewWindow(window time.Duration) *Window {
	return &Window{
		window: window,
		now:    time.Now,
		seen:   make(map[string]time.Time),
	}
}

// Allow reports whether an update for key should be kept. An update within
// the window of the last accepted one is a duplicate and returns false.
func (w *Window) Allow(key string) bool {
	if w.window <= 0 {
		return true
	}

	now := w.now()

	w.mu.Lock()
	defer w.mu.Unlock()

	w.calls++
	if w.calls%sweepEvery == 0 {
		w.sweepLocked(now)
	}

	if last, ok := w.seen[key]; ok && now.Sub(last) < w.window {
		return false
	}
	w.seen[key] = now
	return true
}

// Forget removes key so its next update is always accepted.
func (w *Window) Forget(key string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.seen, key)
}

// Reset forgets every key.
func (w *Window) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.seen = make(map[string]time.Time)
}

// Len returns the number of tracked keys.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.seen)
}

func (w *Window) sweepLocked(now time.Time) {
	for k, t := range w.seen {
		if now.Sub(t) >= w.window {
			delete(w.seen, k)
		}
	}
}
