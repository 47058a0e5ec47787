// Package clock is the monotonic timer facility all delayed fx work runs on.
//
// Two implementations exist:
//   - Real: wall-clock timers backed by time.AfterFunc. Callbacks run on timer
//     goroutines, so consumers serialize their own state with a lock.
//   - Virtual: a manually advanced timer heap. Callbacks run synchronously on the
//     goroutine calling Advance, in (due time, scheduling order) order.
package clock

import "time"

// Handle is an outstanding timer. Stop reports whether the call prevented the
// callback from running. A false result means the callback already ran or is
// running, so owners must still check their own cancellation state.
type Handle interface {
	Stop() bool
}

// Facility schedules callbacks after a delay.
type Facility interface {
	Now() time.Time
	AfterFunc(d time.Duration, fn func()) Handle
}

// Real is the production facility.
type Real struct{}

func NewReal() Real { return Real{} }

func (Real) Now() time.Time { return time.Now() }

func (Real) AfterFunc(d time.Duration, fn func()) Handle {
	if d < 0 {
		d = 0
	}
	return time.AfterFunc(d, fn)
}
