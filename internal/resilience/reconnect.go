package resilience

import (
	"sync"
	"time"
)

// Reconnector schedules a single deferred reconnection attempt. Scheduling
// replaces any pending attempt and Cancel clears it, so at most one timer is
// outstanding at any moment. This debouncing is what prevents two abnormal
// closes in quick succession from producing overlapping sessions.
type Reconnector struct {
	mu    sync.Mutex
	timer *time.Timer
	gen   uint64
}

// NewReconnector creates an idle reconnector.
func NewReconnector() *Reconnector {
	return &Reconnector{}
}

// Schedule arranges fn to run once after delay, cancelling any previously
// pending attempt first.
func (r *Reconnector) Schedule(delay time.Duration, fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.timer != nil {
		r.timer.Stop()
	}
	r.gen++
	gen := r.gen

	r.timer = time.AfterFunc(delay, func() {
		r.mu.Lock()
		if r.gen != gen {
			// Superseded or cancelled after firing was already queued.
			r.mu.Unlock()
			return
		}
		r.timer = nil
		r.mu.Unlock()
		fn()
	})
}

// Cancel discards the pending attempt, if any.
func (r *Reconnector) Cancel() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.gen++
}

// Pending reports whether an attempt is scheduled and not yet fired.
func (r *Reconnector) Pending() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.timer != nil
}
