package clock

import "time"

// Timer is a pending callback scheduled by a Clock.
type Timer interface {
	// Stop cancels the timer. It reports whether the call prevented the callback from running.
	Stop() bool
}

// Clock provides the current time and schedules callbacks.
type Clock interface {
	Now() time.Time
	AfterFunc(delay time.Duration, callback func()) Timer
}

type systemClock struct{}

// System returns a Clock backed by the time package.
func System() Clock {
	return systemClock{}
}

// Now returns the current UTC timestamp.
func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

// AfterFunc runs callback on its own goroutine once delay has elapsed.
func (systemClock) AfterFunc(delay time.Duration, callback func()) Timer {
	return time.AfterFunc(delay, callback)
}

// OrSystem returns candidate, or the system clock when candidate is nil.
func OrSystem(candidate Clock) Clock {
	if candidate == nil {
		return systemClock{}
	}
	return candidate
}
