// Package fmea classifies faults of the force-feedback core and drives their
// recovery.
//
// A System owns per-fault detection state and the FMEA matrix that maps each
// fault to an action. It is not safe for concurrent use; one supervisory
// goroutine owns it. A Driver runs recovery procedures off the RT goroutine.
package fmea

import (
	"fmt"
	"time"
)

// FaultType is the closed set of faults the core can raise.
type FaultType uint8

const (
	UsbStall FaultType = iota + 1
	EncoderNaN
	ThermalLimit
	Overcurrent
	PluginOverrun
	TimingViolation
	SafetyInterlockViolation
	HandsOffTimeout
	PipelineFault
)

// AllFaults lists every fault type in declaration order.
var AllFaults = [...]FaultType{
	UsbStall,
	EncoderNaN,
	ThermalLimit,
	Overcurrent,
	PluginOverrun,
	TimingViolation,
	SafetyInterlockViolation,
	HandsOffTimeout,
	PipelineFault,
}

var faultCodes = map[FaultType]string{
	UsbStall:                 "usb_stall",
	EncoderNaN:               "encoder_nan",
	ThermalLimit:             "thermal_limit",
	Overcurrent:              "overcurrent",
	PluginOverrun:            "plugin_overrun",
	TimingViolation:          "timing_violation",
	SafetyInterlockViolation: "safety_interlock_violation",
	HandsOffTimeout:          "hands_off_timeout",
	PipelineFault:            "pipeline_fault",
}

var faultNames = map[FaultType]string{
	UsbStall:                 "USB communication stall",
	EncoderNaN:               "Encoder returned invalid data",
	ThermalLimit:             "Thermal protection triggered",
	Overcurrent:              "Overcurrent protection triggered",
	PluginOverrun:            "Plugin exceeded timing budget",
	TimingViolation:          "Real-time timing violation",
	SafetyInterlockViolation: "Safety interlock violation",
	HandsOffTimeout:          "Hands-off timeout exceeded",
	PipelineFault:            "Filter pipeline fault",
}

// Valid reports whether f is one of the declared fault types.
func (f FaultType) Valid() bool {
	_, ok := faultCodes[f]
	return ok
}

func (f FaultType) String() string {
	if f == 0 {
		return "none"
	}
	if name, ok := faultNames[f]; ok {
		return name
	}
	return fmt.Sprintf("FaultType(%d)", uint8(f))
}

// Code returns the stable snake_case identifier used in logs, metrics labels
// and the incident store.
func (f FaultType) Code() string {
	if f == 0 {
		return "none"
	}
	if code, ok := faultCodes[f]; ok {
		return code
	}
	return "unknown"
}

// ParseFaultType is the inverse of Code.
func ParseFaultType(code string) (FaultType, error) {
	for _, f := range AllFaults {
		if faultCodes[f] == code {
			return f, nil
		}
	}
	return 0, fmt.Errorf("unknown fault type %q", code)
}

// Severity ranks the fault: 1 is critical, 3 is the least severe.
func (f FaultType) Severity() uint8 {
	switch f {
	case Overcurrent, ThermalLimit:
		return 1
	case UsbStall, EncoderNaN, SafetyInterlockViolation, HandsOffTimeout:
		return 2
	default:
		return 3
	}
}

// IsRecoverable reports whether the fault may clear without operator action.
func (f FaultType) IsRecoverable() bool {
	switch f {
	case UsbStall, ThermalLimit, PluginOverrun, TimingViolation, PipelineFault:
		return true
	default:
		return false
	}
}

// MaxResponseTime is the deadline for the fault's action to take effect.
func (f FaultType) MaxResponseTime() time.Duration {
	switch f {
	case Overcurrent, SafetyInterlockViolation, PipelineFault:
		return 10 * time.Millisecond
	case PluginOverrun, TimingViolation:
		return time.Millisecond
	default:
		return 50 * time.Millisecond
	}
}

// DefaultAction is the action the FMEA matrix starts with for f.
func (f FaultType) DefaultAction() FaultAction {
	switch f {
	case PluginOverrun:
		return ActionQuarantine
	case TimingViolation:
		return ActionLogAndContinue
	case SafetyInterlockViolation:
		return ActionSafeMode
	case PipelineFault:
		return ActionRestart
	default:
		return ActionSoftStop
	}
}

// FaultAction is what the system does when a fault is raised.
type FaultAction uint8

const (
	ActionSoftStop FaultAction = iota + 1
	ActionQuarantine
	ActionLogAndContinue
	ActionRestart
	ActionSafeMode
)

func (a FaultAction) String() string {
	switch a {
	case ActionSoftStop:
		return "soft_stop"
	case ActionQuarantine:
		return "quarantine"
	case ActionLogAndContinue:
		return "log_and_continue"
	case ActionRestart:
		return "restart"
	case ActionSafeMode:
		return "safe_mode"
	default:
		return fmt.Sprintf("FaultAction(%d)", uint8(a))
	}
}

// AffectsTorque reports whether the action ramps or suppresses output torque.
func (a FaultAction) AffectsTorque() bool {
	return a == ActionSoftStop || a == ActionSafeMode
}
