package scheduler

import (
	"errors"
	"fmt"
	"io"
	"strings"
)

// RTSetup lists the real-time thread settings to request. Every setting is
// best-effort unless Required is set.
type RTSetup struct {
	// Priority is the SCHED_FIFO priority (1..99). Zero leaves the scheduling
	// policy unchanged.
	Priority int `json:"priority"`
	// LockMemory locks current and future pages against paging.
	LockMemory bool `json:"lock_memory"`
	// DisablePowerThrottling holds a zero CPU wake-latency request.
	DisablePowerThrottling bool `json:"disable_power_throttling"`
	// CPUAffinity pins the calling thread to the listed cores.
	CPUAffinity []int `json:"cpu_affinity,omitempty"`
	// Required makes any failed setting fatal.
	Required bool `json:"required"`
}

// Setting names used in RTReport.
const (
	SettingPriority = "priority"
	SettingMemlock  = "memlock"
	SettingThrottle = "power_throttling"
	SettingAffinity = "cpu_affinity"
)

// RTFailure is one setting that could not be applied.
type RTFailure struct {
	Setting string
	Err     error
}

// RTReport records the outcome of each requested setting.
type RTReport struct {
	Applied  []string
	Failures []RTFailure
}

// Err joins all failures into one error, nil when everything applied.
func (r RTReport) Err() error {
	if len(r.Failures) == 0 {
		return nil
	}
	errs := make([]error, 0, len(r.Failures))
	for _, f := range r.Failures {
		errs = append(errs, fmt.Errorf("%s: %w", f.Setting, f.Err))
	}
	return errors.Join(errs...)
}

func (r RTReport) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "applied=[%s]", strings.Join(r.Applied, ","))
	for _, f := range r.Failures {
		fmt.Fprintf(&b, " %s_failed=%q", f.Setting, f.Err.Error())
	}
	return b.String()
}

func (r *RTReport) record(setting string, err error) {
	if err != nil {
		r.Failures = append(r.Failures, RTFailure{Setting: setting, Err: err})
		return
	}
	r.Applied = append(r.Applied, setting)
}

// RTHandle keeps resources that must stay open for a setting to remain in
// force, such as the CPU latency request.
type RTHandle struct {
	Report  RTReport
	closers []io.Closer
}

// Close releases held resources. It is safe to call on a nil handle.
func (h *RTHandle) Close() error {
	if h == nil {
		return nil
	}
	var errs []error
	for _, c := range h.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	h.closers = nil
	return errors.Join(errs...)
}

// ApplyRTSetup applies setup to the calling thread. The caller must have
// locked its goroutine to the OS thread with runtime.LockOSThread.
//
// The returned handle is always non-nil and describes every setting. The
// error is non-nil only when setup.Required is set and a setting failed.
func ApplyRTSetup(setup RTSetup) (*RTHandle, error) {
	h := &RTHandle{}

	if setup.Priority != 0 {
		if setup.Priority < 1 || setup.Priority > 99 {
			h.Report.record(SettingPriority, fmt.Errorf("priority %d out of range 1..99", setup.Priority))
		} else {
			h.Report.record(SettingPriority, setFIFOPriority(setup.Priority))
		}
	}
	if setup.LockMemory {
		h.Report.record(SettingMemlock, lockMemory())
	}
	if setup.DisablePowerThrottling {
		c, err := holdZeroLatency()
		if c != nil {
			h.closers = append(h.closers, c)
		}
		h.Report.record(SettingThrottle, err)
	}
	if len(setup.CPUAffinity) > 0 {
		h.Report.record(SettingAffinity, pinCPUs(setup.CPUAffinity))
	}

	if setup.Required {
		if err := h.Report.Err(); err != nil {
			return h, fmt.Errorf("failed to apply required RT setup: %w", err)
		}
	}
	return h, nil
}
