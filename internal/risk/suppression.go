package risk

import (
	"sync"
	"time"
)

// suppressionWindow is a timestamped memo map used to suppress near-duplicate
// and correlated signals. It is safe for concurrent use. Unlike a plain
// seen-map, entries are evicted once they age past the window so the map
// stays bounded over a long-running process.
type suppressionWindow struct {
	mu     sync.Mutex
	seen   map[string]time.Time
	window time.Duration
}

func newSuppressionWindow(window time.Duration) *suppressionWindow {
	return &suppressionWindow{
		seen:   make(map[string]time.Time),
		window: window,
	}
}

// Seen reports whether key was recorded within the window before now. It does
// not record the key.
func (w *suppressionWindow) Seen(key string, now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	last, ok := w.seen[key]
	return ok && now.Sub(last) < w.window
}

// Record stamps key with now, arming the window against later lookups.
func (w *suppressionWindow) Record(key string, now time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.seen[key] = now
}

// Cleanup drops entries older than the window. Called periodically from the
// pipeline's maintenance tick.
func (w *suppressionWindow) Cleanup(now time.Time) int {
	w.mu.Lock()
	defer w.mu.Unlock()

	removed := 0
	for key, ts := range w.seen {
		if now.Sub(ts) >= w.window {
			delete(w.seen, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of live entries.
func (w *suppressionWindow) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.seen)
}
