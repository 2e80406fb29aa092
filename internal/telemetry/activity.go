package telemetry

import (
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
)

// DefaultIdleWindow is how long without activity before the host is idle.
const DefaultIdleWindow = 5 * time.Minute

// ActivityTracker holds the last time the host saw user activity. Any
// goroutine may record activity while the sampler reads it.
type ActivityTracker struct {
	clock  clock.Clock
	window time.Duration
	last   atomic.Int64
}

// NewActivityTracker starts tracking with activity recorded now.
func NewActivityTracker(clk clock.Clock, window time.Duration) *ActivityTracker {
	if window <= 0 {
		window = DefaultIdleWindow
	}
	a := &ActivityTracker{clock: clk, window: window}
	a.Record()
	return a
}

func (a *ActivityTracker) Record() {
	a.last.Store(a.clock.Now().UnixNano())
}

func (a *ActivityTracker) LastActivity() time.Time {
	return time.Unix(0, a.last.Load())
}

// IsIdle reports whether strictly more than the idle window has passed
// since the last recorded activity.
func (a *ActivityTracker) IsIdle() bool {
	return a.clock.Now().Sub(a.LastActivity()) > a.window
}
