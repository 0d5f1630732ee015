//go:build linux

package scheduler

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"runtime"

	"golang.org/x/sys/unix"
)

const cpuDMALatencyPath = "/dev/cpu_dma_latency"

// setFIFOPriority moves the calling thread to SCHED_FIFO. Requires
// CAP_SYS_NICE or an rtprio limit.
func setFIFOPriority(priority int) error {
	attr := unix.SchedAttr{
		Policy:   unix.SCHED_FIFO,
		Priority: uint32(priority),
	}
	if err := unix.SchedSetAttr(0, &attr, 0); err != nil {
		return fmt.Errorf("sched_setattr(SCHED_FIFO, %d): %w", priority, err)
	}
	return nil
}

func lockMemory() error {
	if err := unix.Mlockall(unix.MCL_CURRENT | unix.MCL_FUTURE); err != nil {
		return fmt.Errorf("mlockall: %w", err)
	}
	return nil
}

// holdZeroLatency keeps CPUs out of deep idle states for as long as the
// returned file stays open.
func holdZeroLatency() (io.Closer, error) {
	f, err := os.OpenFile(cpuDMALatencyPath, os.O_WRONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cpuDMALatencyPath, err)
	}
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], 0)
	if _, err := f.Write(buf[:]); err != nil {
		f.Close()
		return nil, fmt.Errorf("write %s: %w", cpuDMALatencyPath, err)
	}
	return f, nil
}

func pinCPUs(cpus []int) error {
	var set unix.CPUSet
	set.Zero()
	for _, cpu := range cpus {
		if cpu < 0 || cpu >= runtime.NumCPU() {
			return fmt.Errorf("cpu %d out of range 0..%d", cpu, runtime.NumCPU()-1)
		}
		set.Set(cpu)
	}
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		return fmt.Errorf("sched_setaffinity: %w", err)
	}
	return nil
}
