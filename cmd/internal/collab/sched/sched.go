// Package sched holds the timer primitives a room session selects on.
//
// Every primitive exposes a receive channel that is nil while disarmed, so it can sit in a
// select statement permanently. None of them is safe for concurrent use: they are owned by
// the goroutine that selects on them.
package sched

import (
	"time"

	"github.com/jonboulle/clockwork"
)

// Timer is a re-armable one-shot timer.
type Timer struct {
	clock clockwork.Clock
	t     clockwork.Timer
}

// NewTimer constructs a disarmed timer. A nil clock means the real clock.
func NewTimer(clock clockwork.Clock) *Timer {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Timer{clock: clock}
}

// Arm (re)starts the timer so it fires once after d.
func (t *Timer) Arm(d time.Duration) {
	t.Stop()
	if d < 0 {
		d = 0
	}
	t.t = t.clock.NewTimer(d)
}

// Armed reports whether the timer is waiting to fire.
func (t *Timer) Armed() bool { return t.t != nil }

// C returns the fire channel, or nil when disarmed.
func (t *Timer) C() <-chan time.Time {
	if t.t == nil {
		return nil
	}
	return t.t.Chan()
}

// Fired must be called after receiving from C.
func (t *Timer) Fired() { t.t = nil }

// Stop disarms the timer.
func (t *Timer) Stop() {
	if t.t != nil {
		t.t.Stop()
		t.t = nil
	}
}

// Debouncer fires once after activity has been quiet for a fixed period.
type Debouncer struct {
	quiet time.Duration
	timer *Timer
}

// NewDebouncer constructs a Debouncer with the given quiet period.
func NewDebouncer(clock clockwork.Clock, quiet time.Duration) *Debouncer {
	return &Debouncer{quiet: quiet, timer: NewTimer(clock)}
}

// Touch records activity and pushes the deadline out.
func (d *Debouncer) Touch() { d.timer.Arm(d.quiet) }

// Pending reports whether a fire is scheduled.
func (d *Debouncer) Pending() bool { return d.timer.Armed() }

// C returns the fire channel, or nil when nothing is pending.
func (d *Debouncer) C() <-chan time.Time { return d.timer.C() }

// Fired must be called after receiving from C.
func (d *Debouncer) Fired() { d.timer.Fired() }

// Stop cancels a pending fire.
func (d *Debouncer) Stop() { d.timer.Stop() }

// Throttle limits an action to at most one run per interval.
//
// Request reports true when the caller may run the action immediately (leading edge).
// Otherwise a trailing run is scheduled and signalled on C.
type Throttle struct {
	clock    clockwork.Clock
	interval time.Duration
	last     time.Time
	timer    *Timer
}

// NewThrottle constructs a Throttle. A nil clock means the real clock.
func NewThrottle(clock clockwork.Clock, interval time.Duration) *Throttle {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Throttle{clock: clock, interval: interval, timer: NewTimer(clock)}
}

// Request asks to run the action.
func (t *Throttle) Request() bool {
	if t.timer.Armed() {
		return false
	}
	now := t.clock.Now()
	if t.last.IsZero() || now.Sub(t.last) >= t.interval {
		t.last = now
		return true
	}
	t.timer.Arm(t.interval - now.Sub(t.last))
	return false
}

// Pending reports whether a trailing run is scheduled.
func (t *Throttle) Pending() bool { return t.timer.Armed() }

// C returns the trailing-run channel, or nil when nothing is scheduled.
func (t *Throttle) C() <-chan time.Time { return t.timer.C() }

// Fired must be called after receiving from C; the caller then runs the action.
func (t *Throttle) Fired() {
	t.timer.Fired()
	t.last = t.clock.Now()
}

// Stop cancels a scheduled trailing run.
func (t *Throttle) Stop() { t.timer.Stop() }

// Ticker is a stoppable periodic ticker.
type Ticker struct {
	t clockwork.Ticker
}

// NewTicker starts a ticker. A non-positive period yields a ticker that never fires.
func NewTicker(clock clockwork.Clock, period time.Duration) *Ticker {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if period <= 0 {
		return &Ticker{}
	}
	return &Ticker{t: clock.NewTicker(period)}
}

// C returns the tick channel, or nil when stopped.
func (t *Ticker) C() <-chan time.Time {
	if t.t == nil {
		return nil
	}
	return t.t.Chan()
}

// Stop stops the ticker.
func (t *Ticker) Stop() {
	if t.t != nil {
		t.t.Stop()
		t.t = nil
	}
}
