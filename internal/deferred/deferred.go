// Package deferred coalesces bursts of requests for the same action into a
// single delayed call.
package deferred

import (
	"sync"
	"time"

	"github.com/tinygame/tinyfs/internal/clock"
)

// Debouncer delays an action until requests stop arriving for minDelay,
// but never postpones it more than maxDelay past the first request of the
// current burst. One Debouncer serves one logical resource.
//
// The zero value is not usable; construct with New.
type Debouncer struct {
	clock    clock.Clock
	minDelay time.Duration
	maxDelay time.Duration

	mu      sync.Mutex
	pending bool
	startAt time.Time
	action  func()
	timer   clock.Timer
	gen     uint64
}

// New creates a Debouncer. A maxDelay of zero or less disables the ceiling.
// A nil clock means clock.Real().
func New(c clock.Clock, minDelay, maxDelay time.Duration) *Debouncer {
	if c == nil {
		c = clock.Real()
	}
	return &Debouncer{clock: c, minDelay: minDelay, maxDelay: maxDelay}
}

// Schedule requests that action run after minDelay. If a call is already
// pending, it is replaced by action and rescheduled to minDelay from now,
// capped at maxDelay after the first request of the burst. When the cap is
// already reached, action runs immediately on the calling goroutine.
func (d *Debouncer) Schedule(action func()) {
	d.mu.Lock()
	now := d.clock.Now()
	delay := d.minDelay
	if d.pending {
		d.timer.Stop()
		if d.maxDelay > 0 {
			if remaining := d.maxDelay - now.Sub(d.startAt); remaining < delay {
				delay = remaining
			}
		}
	} else {
		d.pending = true
		d.startAt = now
	}
	d.action = action
	d.gen++

	if delay <= 0 {
		run := d.takeLocked()
		d.mu.Unlock()
		run()
		return
	}

	gen := d.gen
	d.timer = d.clock.AfterFunc(delay, func() { d.fire(gen) })
	d.mu.Unlock()
}

// Flush runs the pending action now, if any. Reports whether one ran.
func (d *Debouncer) Flush() bool {
	d.mu.Lock()
	if !d.pending {
		d.mu.Unlock()
		return false
	}
	if d.timer != nil {
		d.timer.Stop()
	}
	run := d.takeLocked()
	d.mu.Unlock()
	run()
	return true
}

// Stop cancels the pending action without running it. Reports whether one
// was pending.
func (d *Debouncer) Stop() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.pending {
		return false
	}
	if d.timer != nil {
		d.timer.Stop()
	}
	d.takeLocked()
	return true
}

// Pending reports whether an action is waiting to run.
func (d *Debouncer) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending
}

func (d *Debouncer) fire(gen uint64) {
	d.mu.Lock()
	if !d.pending || gen != d.gen {
		d.mu.Unlock()
		return
	}
	run := d.takeLocked()
	d.mu.Unlock()
	run()
}

// takeLocked clears the burst state before the action runs, so a panicking
// or re-entrant action still leaves the Debouncer ready for a new burst.
// Must be called with d.mu held.
func (d *Debouncer) takeLocked() func() {
	run := d.action
	d.pending = false
	d.action = nil
	d.timer = nil
	d.gen++
	return run
}
