// Package notify decides when an inbound event deserves a user-visible
// notice. Throttling applies only to notices; the underlying data keeps
// flowing to live displays untouched.
package notify

import (
	"sync"
	"time"
)

// DefaultWindow is the notice suppression window for location updates.
const DefaultWindow = 5 * time.Minute

// Throttle suppresses repeated notices for the same key inside a window.
// Emitting resets the window. Entries live for the client session and can
// be swept after inactivity.
type Throttle struct {
	mu      sync.Mutex
	last    map[string]time.Time
	nowFunc func() time.Time
}

func NewThrottle() *Throttle {
	return &Throttle{
		last:    make(map[string]time.Time),
		nowFunc: time.Now,
	}
}

// ShouldEmit reports whether a notice for key may surface now, and if so
// records the emission. The check and the update are one atomic step.
func (t *Throttle) ShouldEmit(key string, window time.Duration) bool {
	now := t.nowFunc()
	t.mu.Lock()
	defer t.mu.Unlock()
	if last, ok := t.last[key]; ok && now.Sub(last) < window {
		return false
	}
	t.last[key] = now
	return true
}

// Sweep drops entries idle longer than maxAge.
func (t *Throttle) Sweep(maxAge time.Duration) {
	cutoff := t.nowFunc().Add(-maxAge)
	t.mu.Lock()
	defer t.mu.Unlock()
	for key, last := range t.last {
		if last.Before(cutoff) {
			delete(t.last, key)
		}
	}
}

func (t *Throttle) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.last)
}
