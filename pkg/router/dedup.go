package router

import (
	"sync"
	"time"
)

// DefaultDedupWindow is how long a fingerprint suppresses redeliveries.
const DefaultDedupWindow = 30 * time.Second

// DedupTable remembers recently seen fingerprints. CheckAndInsert is atomic,
// so two racing deliveries of one event cannot both pass.
type DedupTable struct {
	mu     sync.Mutex
	window time.Duration
	seen   map[string]time.Time // fingerprint -> first seen
}

// NewDedupTable creates a table with the given window.
func NewDedupTable(window time.Duration) *DedupTable {
	if window <= 0 {
		window = DefaultDedupWindow
	}
	return &DedupTable{window: window, seen: make(map[string]time.Time)}
}

// CheckAndInsert records fp and reports whether it is new. A fingerprint seen
// within the window is a duplicate; a repeat does not extend the window.
func (d *DedupTable) CheckAndInsert(fp string, now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if first, ok := d.seen[fp]; ok && now.Sub(first) < d.window {
		return false
	}
	d.seen[fp] = now
	return true
}

// Forget drops fp so its next delivery is treated as new.
func (d *DedupTable) Forget(fp string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.seen, fp)
}

// Prune removes expired fingerprints and returns how many were removed.
func (d *DedupTable) Prune(now time.Time) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for fp, first := range d.seen {
		if now.Sub(first) >= d.window {
			delete(d.seen, fp)
			n++
		}
	}
	return n
}

// Len returns the number of tracked fingerprints.
func (d *DedupTable) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}

// Window returns the dedup window.
func (d *DedupTable) Window() time.Duration {
	return d.window
}
