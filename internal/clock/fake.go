package clock

import (
	"sort"
	"sync"
	"time"
)

// FakeClock is a Clock whose time stands still until Advance is called.
// AfterFunc callbacks run synchronously inside Advance, in deadline order.
// Callbacks may schedule new timers; they must not call Advance.
//
// FakeClock is safe for concurrent use.
type FakeClock struct {
	mu      sync.Mutex
	current time.Time
	waiters []*fakeTimer
	seq     uint64
}

type fakeTimer struct {
	clock    *FakeClock
	deadline time.Time
	seq      uint64
	callback func()
	done     bool
}

// Fake returns a FakeClock set to initial.
func Fake(initial time.Time) *FakeClock {
	return &FakeClock{current: initial}
}

// Now returns the fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// AfterFunc registers f to run once the clock is advanced by d. A
// non-positive d runs f immediately on the calling goroutine.
func (c *FakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	c.seq++
	t := &fakeTimer{clock: c, deadline: c.current.Add(d), seq: c.seq, callback: f}
	if d <= 0 {
		t.done = true
		c.mu.Unlock()
		f()
		return t
	}
	c.waiters = append(c.waiters, t)
	c.mu.Unlock()
	return t
}

// Advance moves the clock forward by d, firing every timer whose deadline
// is reached. Each callback observes Now() equal to its own deadline.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.current.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		next := c.nextDue(target)
		if next == nil {
			c.current = target
			c.mu.Unlock()
			return
		}
		next.done = true
		if next.deadline.After(c.current) {
			c.current = next.deadline
		}
		c.mu.Unlock()
		next.callback()
	}
}

// Pending returns the number of timers that have not fired or been stopped.
func (c *FakeClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.compact()
	return len(c.waiters)
}

// nextDue returns the earliest live timer due at or before target.
// Must be called with c.mu held.
func (c *FakeClock) nextDue(target time.Time) *fakeTimer {
	c.compact()
	sort.Slice(c.waiters, func(i, j int) bool {
		a, b := c.waiters[i], c.waiters[j]
		if a.deadline.Equal(b.deadline) {
			return a.seq < b.seq
		}
		return a.deadline.Before(b.deadline)
	})
	if len(c.waiters) == 0 || c.waiters[0].deadline.After(target) {
		return nil
	}
	return c.waiters[0]
}

// compact drops finished timers. Must be called with c.mu held.
func (c *FakeClock) compact() {
	live := c.waiters[:0]
	for _, w := range c.waiters {
		if !w.done {
			live = append(live, w)
		}
	}
	for i := len(live); i < len(c.waiters); i++ {
		c.waiters[i] = nil
	}
	c.waiters = live
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.done {
		return false
	}
	t.done = true
	return true
}
