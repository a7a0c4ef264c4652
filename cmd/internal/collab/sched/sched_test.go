package sched

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

func fired(c <-chan time.Time) bool {
	if c == nil {
		return false
	}
	select {
	case <-c:
		return true
	case <-time.After(50 * time.Millisecond):
		return false
	}
}

func TestTimer_NilChannelWhenDisarmed(t *testing.T) {
	t.Parallel()

	tm := NewTimer(clockwork.NewFakeClock())
	if tm.C() != nil || tm.Armed() {
		t.Fatalf("new timer must be disarmed")
	}
	tm.Arm(time.Second)
	if tm.C() == nil || !tm.Armed() {
		t.Fatalf("armed timer must expose a channel")
	}
	tm.Stop()
	if tm.C() != nil {
		t.Fatalf("stopped timer must be disarmed")
	}
}

func TestDebouncer_FiresAfterQuietPeriod(t *testing.T) {
	t.Parallel()

	fc := clockwork.NewFakeClock()
	d := NewDebouncer(fc, 3*time.Second)

	d.Touch()
	fc.Advance(2 * time.Second)
	d.Touch()
	fc.Advance(2 * time.Second)
	if fired(d.C()) {
		t.Fatalf("debouncer fired before the quiet period after the last touch")
	}

	fc.Advance(time.Second)
	if !fired(d.C()) {
		t.Fatalf("debouncer did not fire after the quiet period")
	}
	d.Fired()
	if d.Pending() {
		t.Fatalf("debouncer still pending after Fired")
	}
}

func TestThrottle_LeadingThenTrailing(t *testing.T) {
	t.Parallel()

	fc := clockwork.NewFakeClock()
	th := NewThrottle(fc, 100*time.Millisecond)

	if !th.Request() {
		t.Fatalf("first request must run immediately")
	}
	if th.Request() {
		t.Fatalf("second request inside the interval must be deferred")
	}
	if th.Request() {
		t.Fatalf("third request inside the interval must be coalesced")
	}
	if !th.Pending() {
		t.Fatalf("trailing run must be scheduled")
	}

	fc.Advance(100 * time.Millisecond)
	if !fired(th.C()) {
		t.Fatalf("trailing run did not fire")
	}
	th.Fired()

	if th.Request() {
		t.Fatalf("request right after a trailing run must be deferred")
	}
	fc.Advance(100 * time.Millisecond)
	if !fired(th.C()) {
		t.Fatalf("second trailing run did not fire")
	}
	th.Fired()

	fc.Advance(time.Second)
	if !th.Request() {
		t.Fatalf("request after a quiet interval must run immediately")
	}
}

func TestTicker_StopAndZeroPeriod(t *testing.T) {
	t.Parallel()

	fc := clockwork.NewFakeClock()
	tk := NewTicker(fc, 30*time.Second)
	fc.Advance(30 * time.Second)
	if !fired(tk.C()) {
		t.Fatalf("ticker did not tick")
	}
	tk.Stop()
	if tk.C() != nil {
		t.Fatalf("stopped ticker must expose a nil channel")
	}

	never := NewTicker(fc, 0)
	if never.C() != nil {
		t.Fatalf("zero-period ticker must never fire")
	}
}
