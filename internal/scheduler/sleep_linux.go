//go:build linux

package scheduler

import (
	"errors"
	"time"

	"golang.org/x/sys/unix"
)

// coarseSleep waits on CLOCK_MONOTONIC with nanosecond resolution, resuming
// after signal interruptions with the remaining time.
func coarseSleep(d time.Duration) {
	req := unix.NsecToTimespec(int64(d))
	var rem unix.Timespec
	for {
		err := unix.ClockNanosleep(unix.CLOCK_MONOTONIC, 0, &req, &rem)
		if !errors.Is(err, unix.EINTR) {
			return
		}
		req = rem
	}
}
