// Package clocktest provides a manually advanced clock for deterministic timer tests.
package clocktest

import (
	"sort"
	"sync"
	"time"

	"github.com/tyemirov/authsession/internal/clock"
)

// Fake is a clock.Clock whose time only moves when Advance is called.
// Due callbacks run synchronously on the goroutine calling Advance.
type Fake struct {
	mutex    sync.Mutex
	current  time.Time
	timers   []*fakeTimer
	sequence uint64
}

type fakeTimer struct {
	owner    *Fake
	deadline time.Time
	callback func()
	order    uint64
	active   bool
}

// NewFake constructs a Fake positioned at start.
func NewFake(start time.Time) *Fake {
	return &Fake{current: start}
}

// Now returns the fake current time.
func (fake *Fake) Now() time.Time {
	fake.mutex.Lock()
	defer fake.mutex.Unlock()
	return fake.current
}

// AfterFunc schedules callback to run once the fake time reaches now+delay.
func (fake *Fake) AfterFunc(delay time.Duration, callback func()) clock.Timer {
	fake.mutex.Lock()
	defer fake.mutex.Unlock()
	fake.sequence++
	timer := &fakeTimer{
		owner:    fake,
		deadline: fake.current.Add(delay),
		callback: callback,
		order:    fake.sequence,
		active:   true,
	}
	fake.timers = append(fake.timers, timer)
	return timer
}

// Advance moves the clock forward, firing every timer that becomes due in deadline order.
func (fake *Fake) Advance(delta time.Duration) {
	fake.mutex.Lock()
	target := fake.current.Add(delta)
	fake.mutex.Unlock()

	for {
		fake.mutex.Lock()
		next := fake.nextDueLocked(target)
		if next == nil {
			fake.current = target
			fake.mutex.Unlock()
			return
		}
		next.active = false
		fake.removeLocked(next)
		if next.deadline.After(fake.current) {
			fake.current = next.deadline
		}
		callback := next.callback
		fake.mutex.Unlock()
		callback()
	}
}

// Pending returns the number of scheduled timers that have neither fired nor been stopped.
func (fake *Fake) Pending() int {
	fake.mutex.Lock()
	defer fake.mutex.Unlock()
	return len(fake.timers)
}

// Deadlines returns the pending deadlines in firing order.
func (fake *Fake) Deadlines() []time.Time {
	fake.mutex.Lock()
	defer fake.mutex.Unlock()
	ordered := fake.orderedLocked()
	deadlines := make([]time.Time, 0, len(ordered))
	for _, timer := range ordered {
		deadlines = append(deadlines, timer.deadline)
	}
	return deadlines
}

func (fake *Fake) nextDueLocked(target time.Time) *fakeTimer {
	ordered := fake.orderedLocked()
	if len(ordered) == 0 || ordered[0].deadline.After(target) {
		return nil
	}
	return ordered[0]
}

func (fake *Fake) orderedLocked() []*fakeTimer {
	ordered := make([]*fakeTimer, len(fake.timers))
	copy(ordered, fake.timers)
	sort.Slice(ordered, func(left, right int) bool {
		if ordered[left].deadline.Equal(ordered[right].deadline) {
			return ordered[left].order < ordered[right].order
		}
		return ordered[left].deadline.Before(ordered[right].deadline)
	})
	return ordered
}

func (fake *Fake) removeLocked(target *fakeTimer) {
	for index, timer := range fake.timers {
		if timer == target {
			fake.timers = append(fake.timers[:index], fake.timers[index+1:]...)
			return
		}
	}
}

func (timer *fakeTimer) Stop() bool {
	timer.owner.mutex.Lock()
	defer timer.owner.mutex.Unlock()
	if !timer.active {
		return false
	}
	timer.active = false
	timer.owner.removeLocked(timer)
	return true
}
