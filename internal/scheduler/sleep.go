package scheduler

import "time"

// Two-phase sleep tuning. OS wake-up latency is too coarse for sub-millisecond
// deadlines, so the last stretch before a deadline is always busy-waited.
const (
	// SpinThreshold is the remaining time below which the sleeper spins only.
	SpinThreshold = 100 * time.Microsecond
	// SpinMargin is how early the coarse OS sleep ends before the deadline.
	SpinMargin = 80 * time.Microsecond
)

// Sleeper blocks the calling thread until a deadline.
type Sleeper interface {
	SleepUntil(deadline time.Time)
}

// PlatformSleep sleeps with the platform's highest-resolution wait and then
// busy-spins the remainder.
type PlatformSleep struct{}

// SleepUntil returns at or just after deadline.
func (PlatformSleep) SleepUntil(deadline time.Time) {
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return
	}
	if coarse := coarseSleepFor(remaining); coarse > 0 {
		coarseSleep(coarse)
	}
	for time.Now().Before(deadline) {
	}
}

// coarseSleepFor returns how long to sleep in the OS before spinning.
func coarseSleepFor(remaining time.Duration) time.Duration {
	if remaining < SpinThreshold {
		return 0
	}
	return remaining - SpinMargin
}
