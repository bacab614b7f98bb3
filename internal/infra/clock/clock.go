// Package clock abstracts timers so that debounce, max-wait and scheduler
// wake-ups can be driven deterministically in tests.
//
// Production code takes a Clock and uses Real(). Tests use Fake() and move
// time forward with Advance.
package clock

import "time"

// Clock is the subset of the time package used by the batcher and scheduler.
type Clock interface {
	Now() time.Time

	// AfterFunc calls f after d. When d <= 0, f runs on a new goroutine
	// and never synchronously inside AfterFunc, so callers may hold locks
	// that f also needs.
	AfterFunc(d time.Duration, f func()) *Timer
}

// Timer is a pending AfterFunc call.
type Timer struct {
	stopFunc func() bool
}

// Stop prevents the timer from firing. It reports whether the call stopped
// the timer; false means the timer already fired or was stopped.
func (t *Timer) Stop() bool {
	if t == nil || t.stopFunc == nil {
		return false
	}
	return t.stopFunc()
}

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) *Timer {
	if d < 0 {
		d = 0
	}
	t := time.AfterFunc(d, f)
	return &Timer{stopFunc: t.Stop}
}
