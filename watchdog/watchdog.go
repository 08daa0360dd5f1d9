// Package watchdog tracks how long it has been since the last accepted motion command.
package watchdog

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Watchdog reports a timeout when Feed has not been called within the configured duration.
type Watchdog struct {
	timeout time.Duration
	clk     clock.Clock

	mu       sync.Mutex
	lastFeed time.Time
	fed      bool
}

// New returns a watchdog that has never been fed. A nil clock uses the wall clock.
func New(timeout time.Duration, clk clock.Clock) *Watchdog {
	if clk == nil {
		clk = clock.New()
	}
	return &Watchdog{timeout: timeout, clk: clk}
}

// Timeout returns the configured duration.
func (w *Watchdog) Timeout() time.Duration {
	return w.timeout
}

// Feed records a command as accepted now.
func (w *Watchdog) Feed() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastFeed = w.clk.Now()
	w.fed = true
}

// IsTimedOut is true if Feed was never called or the last feed is older than the timeout.
func (w *Watchdog) IsTimedOut() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.fed {
		return true
	}
	return w.clk.Since(w.lastFeed) > w.timeout
}

// SinceLastFeed returns the time since the last feed and false if never fed.
func (w *Watchdog) SinceLastFeed() (time.Duration, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.fed {
		return 0, false
	}
	return w.clk.Since(w.lastFeed), true
}

// Reset forgets the last feed, as if the watchdog was never fed.
func (w *Watchdog) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.fed = false
	w.lastFeed = time.Time{}
}
