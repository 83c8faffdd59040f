package interfaces

import "time"

// Clock abstracts wall-clock reads so coordinators can be tested with a
// frozen or stepped clock.
type Clock interface {
	Now() time.Time
}

// Scheduler abstracts deferred execution for retry timers. Schedule returns
// a cancel function; cancelling after the timer fired is a no-op.
type Scheduler interface {
	Schedule(d time.Duration, fn func()) (cancel func())
}

// SystemClock reads the real wall clock.
type SystemClock struct{}

// Now returns the current time.
func (SystemClock) Now() time.Time { return time.Now() }

// SystemScheduler defers execution with time.AfterFunc.
type SystemScheduler struct{}

// Schedule runs fn after d on a new goroutine.
func (SystemScheduler) Schedule(d time.Duration, fn func()) func() {
	t := time.AfterFunc(d, fn)
	return func() { t.Stop() }
}
