// Package watchdog tracks liveness pings from the foreground client.
package watchdog

import (
	"sync"
	"time"
)

// Watchdog expires when no ping arrived within timeout. A zero timeout never expires.
type Watchdog struct {
	mu       sync.Mutex
	timeout  time.Duration
	lastSeen time.Time
	now      func() time.Time
}

// New creates a watchdog that counts from now
func New(timeout time.Duration) *Watchdog {
	return newWithClock(timeout, time.Now)
}

func newWithClock(timeout time.Duration, now func() time.Time) *Watchdog {
	return &Watchdog{timeout: timeout, lastSeen: now(), now: now}
}

// Touch records a liveness ping
func (w *Watchdog) Touch() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastSeen = w.now()
}

// Expired reports whether the last ping is older than the timeout
func (w *Watchdog) Expired() bool {
	if w == nil || w.timeout <= 0 {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.now().Sub(w.lastSeen) > w.timeout
}

// Remaining returns the time left until expiry. ok is false when the watchdog is disabled.
func (w *Watchdog) Remaining() (left time.Duration, ok bool) {
	if w == nil || w.timeout <= 0 {
		return 0, false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.timeout - w.now().Sub(w.lastSeen), true
}

// LastSeen returns the time of the last ping
func (w *Watchdog) LastSeen() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastSeen
}

// Timeout returns the configured timeout
func (w *Watchdog) Timeout() time.Duration {
	return w.timeout
}
