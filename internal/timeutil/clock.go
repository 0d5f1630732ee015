// Package timeutil provides a testable abstraction over monotonic time.
//
// The RT tick, the watchdog and the recovery driver all read time through a
// Clock so that tests can drive deadlines deterministically.
package timeutil

import (
	"sort"
	"sync"
	"time"
)

// Clock is the time source shared by the control loop and its supervisors.
type Clock interface {
	// Now returns the current time. Real implementations carry a monotonic
	// reading so differences between two Now values are immune to wall-clock
	// steps.
	Now() time.Time

	Since(t time.Time) time.Duration
	Until(t time.Time) time.Duration
	Sleep(d time.Duration)

	// After delivers the clock's time once d has elapsed on it.
	After(d time.Duration) <-chan time.Time
}

// RealClock reads the process clock.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }
func (RealClock) Since(t time.Time) time.Duration { return time.Since(t) }
func (RealClock) Until(t time.Time) time.Duration { return time.Until(t) }
func (RealClock) Sleep(d time.Duration) { time.Sleep(d) }
func (RealClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// MockClock is a manually controlled clock for testing.
//
// Time only moves when the test calls Advance or Set, unless auto-advance is
// enabled, in which case Sleep and After move the clock forward by the
// requested duration and return immediately.
type MockClock struct {
	mu          sync.Mutex
	now         time.Time
	sleeps      []time.Duration
	waiters     []*waiter
	autoAdvance bool
}

type waiter struct {
	deadline time.Time
	ch       chan time.Time
}

// NewMockClock creates a new MockClock set to the given time.
func NewMockClock(t time.Time) *MockClock {
	return &MockClock{now: t}
}

// SetAutoAdvance controls whether Sleep and After advance the clock.
func (c *MockClock) SetAutoAdvance(on bool) {
	c.mu.Lock()
	c.autoAdvance = on
	c.mu.Unlock()
}

// Now returns the mocked current time.
func (c *MockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Set moves the clock to t and fires any waiters whose deadline has passed.
func (c *MockClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
	c.fire()
}

// Advance moves the clock forward by d and fires expired waiters.
func (c *MockClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
	c.fire()
}

func (c *MockClock) Since(t time.Time) time.Duration {
	return c.Now().Sub(t)
}

func (c *MockClock) Until(t time.Time) time.Duration {
	return t.Sub(c.Now())
}

// Sleep records the sleep duration. With auto-advance enabled the clock
// moves forward by d.
func (c *MockClock) Sleep(d time.Duration) {
	c.mu.Lock()
	c.sleeps = append(c.sleeps, d)
	auto := c.autoAdvance
	c.mu.Unlock()
	if auto && d > 0 {
		c.Advance(d)
	}
}

// Sleeps returns all recorded sleep durations.
func (c *MockClock) Sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]time.Duration, len(c.sleeps))
	copy(out, c.sleeps)
	return out
}

// After returns a channel that receives the time once the clock reaches
// now+d. Non-positive durations fire immediately.
func (c *MockClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	w := &waiter{deadline: c.now.Add(d), ch: make(chan time.Time, 1)}
	c.waiters = append(c.waiters, w)
	auto := c.autoAdvance
	c.mu.Unlock()

	if auto && d > 0 {
		c.Advance(d)
	} else {
		c.fire()
	}
	return w.ch
}

// Waiters returns the number of pending After channels.
func (c *MockClock) Waiters() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}

func (c *MockClock) fire() {
	c.mu.Lock()
	now := c.now
	var due []*waiter
	pending := c.waiters[:0]
	for _, w := range c.waiters {
		if !now.Before(w.deadline) {
			due = append(due, w)
		} else {
			pending = append(pending, w)
		}
	}
	c.waiters = pending
	c.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].deadline.Before(due[j].deadline) })
	for _, w := range due {
		w.ch <- now
	}
}
