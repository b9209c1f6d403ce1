// Package clock abstracts the time source so that timer-driven code
// (manifest flushing, access timestamps) can be tested deterministically.
//
// Production code uses Real(). Tests use Fake(), whose time only moves
// when Advance is called.
package clock

import "time"

// Clock is the subset of the time package used by this module.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// AfterFunc calls f in its own goroutine (real) or synchronously
	// during Advance (fake) once d has elapsed.
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a pending AfterFunc call.
type Timer interface {
	// Stop prevents the call. Returns false if it already ran or was
	// already stopped.
	Stop() bool
}

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
