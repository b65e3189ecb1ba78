// Package clock is the time source for everything that schedules work.
//
// Production code uses Real(). Tests use Fake(), whose timers fire only
// when Advance is called, so a state machine's delays and timeouts can be
// stepped deterministically and a teardown can be checked for leftover
// timers with PendingCount.
package clock

import "time"

// Clock is the subset of the time package the daemon depends on.
type Clock interface {
	Now() time.Time

	// After delivers the current time on the returned channel once d has
	// elapsed. d <= 0 delivers immediately.
	After(d time.Duration) <-chan time.Time

	// AfterFunc calls f once d has elapsed. The returned Timer cancels the
	// pending call.
	AfterFunc(d time.Duration, f func()) *Timer
}

// Timer is a pending AfterFunc call.
type Timer struct {
	stop func() bool
}

// Stop cancels the call. It reports whether the call was still pending.
func (t *Timer) Stop() bool {
	if t == nil || t.stop == nil {
		return false
	}
	return t.stop()
}

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (realClock) AfterFunc(d time.Duration, f func()) *Timer {
	t := time.AfterFunc(d, f)
	return &Timer{stop: t.Stop}
}
