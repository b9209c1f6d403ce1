package clock

import (
	"testing"
	"time"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFakeAdvanceFiresInOrder(t *testing.T) {
	c := Fake(epoch)
	var order []int
	var seen []time.Time
	c.AfterFunc(300*time.Millisecond, func() { order = append(order, 3); seen = append(seen, c.Now()) })
	c.AfterFunc(100*time.Millisecond, func() { order = append(order, 1); seen = append(seen, c.Now()) })
	c.AfterFunc(200*time.Millisecond, func() { order = append(order, 2); seen = append(seen, c.Now()) })

	c.Advance(250 * time.Millisecond)
	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Fatalf("order after 250ms = %v, want [1 2]", order)
	}
	if !seen[0].Equal(epoch.Add(100 * time.Millisecond)) {
		t.Errorf("first callback saw %v", seen[0])
	}
	if got := c.Now(); !got.Equal(epoch.Add(250 * time.Millisecond)) {
		t.Errorf("Now = %v", got)
	}

	c.Advance(time.Second)
	if len(order) != 3 {
		t.Fatalf("order = %v, want 3 callbacks", order)
	}
	if c.Pending() != 0 {
		t.Errorf("Pending = %d, want 0", c.Pending())
	}
}

func TestFakeStop(t *testing.T) {
	c := Fake(epoch)
	fired := false
	timer := c.AfterFunc(time.Second, func() { fired = true })
	if !timer.Stop() {
		t.Fatal("Stop on pending timer returned false")
	}
	if timer.Stop() {
		t.Error("second Stop returned true")
	}
	c.Advance(2 * time.Second)
	if fired {
		t.Error("stopped timer fired")
	}
}

func TestFakeCallbackSchedulesTimer(t *testing.T) {
	c := Fake(epoch)
	count := 0
	var tick func()
	tick = func() {
		count++
		if count < 3 {
			c.AfterFunc(100*time.Millisecond, tick)
		}
	}
	c.AfterFunc(100*time.Millisecond, tick)
	c.Advance(time.Second)
	if count != 3 {
		t.Errorf("count = %d, want 3", count)
	}
}
