//go:build !linux

package scheduler

import "time"

// coarseSleep falls back to the runtime timer on platforms without
// clock_nanosleep.
func coarseSleep(d time.Duration) {
	time.Sleep(d)
}
