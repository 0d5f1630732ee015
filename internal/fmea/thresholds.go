package fmea

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// FaultThresholds are the detection limits used by System. HandsOffTorque is
// the normalized commanded torque at or above which a hands-off wheel counts
// toward HandsOffTimeout.
type FaultThresholds struct {
	USBTimeout          time.Duration `json:"usb_timeout"`
	USBMaxConsecutive   uint32        `json:"usb_max_consecutive_failures"`
	EncoderNaNWindow    time.Duration `json:"encoder_nan_window"`
	EncoderMaxNaN       uint32        `json:"encoder_max_nan_count"`
	ThermalLimitC       float64       `json:"thermal_limit_celsius"`
	ThermalHysteresisC  float64       `json:"thermal_hysteresis_celsius"`
	PluginTimeout       time.Duration `json:"plugin_timeout"`
	PluginMaxOverruns   uint32        `json:"plugin_max_overruns"`
	TimingThreshold     time.Duration `json:"timing_violation_threshold"`
	TimingMaxViolations uint32        `json:"timing_max_violations"`
	OvercurrentLimitA   float64       `json:"overcurrent_limit_amps"`
	HandsOffTimeout     time.Duration `json:"hands_off_timeout"`
	HandsOffTorque      float64       `json:"hands_off_torque"`
}

// Preset names accepted by ThresholdsByName.
const (
	PresetDefault      = "default"
	PresetConservative = "conservative"
	PresetRelaxed      = "relaxed"
)

// DefaultThresholds returns the limits used for normal operation.
func DefaultThresholds() FaultThresholds {
	return FaultThresholds{
		USBTimeout:          10 * time.Millisecond,
		USBMaxConsecutive:   3,
		EncoderNaNWindow:    time.Second,
		EncoderMaxNaN:       5,
		ThermalLimitC:       80,
		ThermalHysteresisC:  5,
		PluginTimeout:       100 * time.Microsecond,
		PluginMaxOverruns:   10,
		TimingThreshold:     250 * time.Microsecond,
		TimingMaxViolations: 100,
		OvercurrentLimitA:   10,
		HandsOffTimeout:     5 * time.Second,
		HandsOffTorque:      0.5,
	}
}

// ConservativeThresholds trips earlier on every detector.
func ConservativeThresholds() FaultThresholds {
	return FaultThresholds{
		USBTimeout:          5 * time.Millisecond,
		USBMaxConsecutive:   2,
		EncoderNaNWindow:    2 * time.Second,
		EncoderMaxNaN:       3,
		ThermalLimitC:       70,
		ThermalHysteresisC:  10,
		PluginTimeout:       50 * time.Microsecond,
		PluginMaxOverruns:   5,
		TimingThreshold:     200 * time.Microsecond,
		TimingMaxViolations: 50,
		OvercurrentLimitA:   8,
		HandsOffTimeout:     3 * time.Second,
		HandsOffTorque:      0.3,
	}
}

// RelaxedThresholds tolerates noisier hardware and slower hosts.
func RelaxedThresholds() FaultThresholds {
	return FaultThresholds{
		USBTimeout:          20 * time.Millisecond,
		USBMaxConsecutive:   5,
		EncoderNaNWindow:    500 * time.Millisecond,
		EncoderMaxNaN:       10,
		ThermalLimitC:       90,
		ThermalHysteresisC:  3,
		PluginTimeout:       200 * time.Microsecond,
		PluginMaxOverruns:   20,
		TimingThreshold:     500 * time.Microsecond,
		TimingMaxViolations: 200,
		OvercurrentLimitA:   12,
		HandsOffTimeout:     10 * time.Second,
		HandsOffTorque:      0.7,
	}
}

// ThresholdsByName resolves a preset name. The empty name is the default.
func ThresholdsByName(name string) (FaultThresholds, error) {
	switch name {
	case "", PresetDefault:
		return DefaultThresholds(), nil
	case PresetConservative:
		return ConservativeThresholds(), nil
	case PresetRelaxed:
		return RelaxedThresholds(), nil
	default:
		return FaultThresholds{}, fmt.Errorf("unknown threshold preset %q", name)
	}
}

// Validate checks every limit is usable, joining all failures.
func (t FaultThresholds) Validate() error {
	var errs []error
	positive := func(name string, d time.Duration) {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %v", name, d))
		}
	}
	count := func(name string, n uint32) {
		if n == 0 {
			errs = append(errs, fmt.Errorf("%s must be at least 1", name))
		}
	}

	positive("usb_timeout", t.USBTimeout)
	count("usb_max_consecutive_failures", t.USBMaxConsecutive)
	positive("encoder_nan_window", t.EncoderNaNWindow)
	count("encoder_max_nan_count", t.EncoderMaxNaN)
	positive("plugin_timeout", t.PluginTimeout)
	count("plugin_max_overruns", t.PluginMaxOverruns)
	positive("timing_violation_threshold", t.TimingThreshold)
	count("timing_max_violations", t.TimingMaxViolations)
	positive("hands_off_timeout", t.HandsOffTimeout)
	if !(t.HandsOffTorque > 0 && t.HandsOffTorque <= 1) {
		errs = append(errs, fmt.Errorf("hands_off_torque must be in (0, 1], got %v", t.HandsOffTorque))
	}

	if math.IsNaN(t.ThermalLimitC) || math.IsInf(t.ThermalLimitC, 0) || t.ThermalLimitC <= 0 {
		errs = append(errs, fmt.Errorf("thermal_limit_celsius must be a positive number, got %v", t.ThermalLimitC))
	}
	if math.IsNaN(t.ThermalHysteresisC) || t.ThermalHysteresisC < 0 || t.ThermalHysteresisC >= t.ThermalLimitC {
		errs = append(errs, fmt.Errorf("thermal_hysteresis_celsius must be in [0, limit), got %v", t.ThermalHysteresisC))
	}
	if math.IsNaN(t.OvercurrentLimitA) || math.IsInf(t.OvercurrentLimitA, 0) || t.OvercurrentLimitA <= 0 {
		errs = append(errs, fmt.Errorf("overcurrent_limit_amps must be a positive number, got %v", t.OvercurrentLimitA))
	}
	return errors.Join(errs...)
}
