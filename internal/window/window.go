package window

import "sync"

// Window records how much history is known loaded at each edge of a
// conversation.
type Window struct {
	LoadedOldest bool
	LoadedNewest bool
}

// Tracker holds the Window for every conversation. Flags only move from false
// to true; Reset clears both together.
type Tracker struct {
	mu      sync.RWMutex
	windows map[string]Window
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{windows: make(map[string]Window)}
}

// Get returns the window for conv. Unknown conversations are unloaded.
func (t *Tracker) Get(conv string) Window {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.windows[conv]
}

// MarkOldestLoaded records that nothing older than the loaded pages exists.
func (t *Tracker) MarkOldestLoaded(conv string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	w := t.windows[conv]
	w.LoadedOldest = true
	t.windows[conv] = w
}

// MarkNewestLoaded records that the loaded pages reach the live edge.
func (t *Tracker) MarkNewestLoaded(conv string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	w := t.windows[conv]
	w.LoadedNewest = true
	t.windows[conv] = w
}

// Reset forgets both flags.
func (t *Tracker) Reset(conv string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.windows, conv)
}
