package scheduler

import (
	"math"
	"time"
)

// Default PLL gains. The proportional term tracks interval error; the
// integral term removes a constant offset such as systematic sleep overshoot.
const (
	DefaultPLLGain         = 0.01
	DefaultPLLIntegralGain = 0.1
)

// PLL is a discrete phase-locked loop that corrects the sleep period so the
// average tick interval converges on the target.
//
// Every estimate is clamped to [0.9*target, 1.1*target]. A single outlier
// interval, for example a preemption, can move the period by at most 10%.
type PLL struct {
	target       time.Duration
	gain         float64
	integralGain float64
	phaseError   float64 // accumulated interval error in ns
	estimate     time.Duration
}

// NewPLL creates a PLL with the default gains.
func NewPLL(target time.Duration) *PLL {
	return NewPLLWithGains(target, DefaultPLLGain, DefaultPLLIntegralGain)
}

// NewPLLWithGains creates a PLL with custom gains, each clamped to [0,1].
func NewPLLWithGains(target time.Duration, gain, integralGain float64) *PLL {
	p := &PLL{
		gain:         clampUnit(gain),
		integralGain: clampUnit(integralGain),
	}
	p.SetTarget(target)
	p.estimate = p.target
	return p
}

// Update feeds one measured tick interval and returns the corrected period.
func (p *PLL) Update(actual time.Duration) time.Duration {
	err := float64(actual - p.target)
	p.phaseError += err

	// Anti-windup: the integral term alone may never exceed 10% of target.
	if k := p.integralGain * p.gain; k > 0 {
		limit := 0.1 * float64(p.target) / k
		p.phaseError = math.Max(-limit, math.Min(limit, p.phaseError))
	}

	correction := p.gain*err + p.integralGain*p.gain*p.phaseError
	est := float64(p.target) - correction

	lo, hi := p.bounds()
	switch {
	case math.IsNaN(est) || est < float64(lo):
		p.estimate = lo
	case est > float64(hi):
		p.estimate = hi
	default:
		p.estimate = time.Duration(est)
	}
	return p.estimate
}

// bounds returns the closed estimate interval, rounded inward so integer
// nanoseconds never fall outside [0.9*target, 1.1*target].
func (p *PLL) bounds() (lo, hi time.Duration) {
	lo = (p.target*9 + 9) / 10
	hi = p.target * 11 / 10
	return lo, hi
}

// SetTarget changes the target period and re-clamps the current estimate.
// A non-positive target is treated as 1ns.
func (p *PLL) SetTarget(target time.Duration) {
	if target < 1 {
		target = 1
	}
	p.target = target
	lo, hi := p.bounds()
	if p.estimate < lo {
		p.estimate = lo
	} else if p.estimate > hi {
		p.estimate = hi
	}
}

// Reset clears the integrator and returns the estimate to target.
func (p *PLL) Reset() {
	p.phaseError = 0
	p.estimate = p.target
}

// Target returns the target period.
func (p *PLL) Target() time.Duration { return p.target }

// Estimate returns the last corrected period.
func (p *PLL) Estimate() time.Duration { return p.estimate }

// PhaseError returns the accumulated interval error.
func (p *PLL) PhaseError() time.Duration { return time.Duration(p.phaseError) }

// IsStable reports whether the estimate is within 5% of target.
func (p *PLL) IsStable() bool {
	ratio := float64(p.estimate) / float64(p.target)
	return ratio >= 0.95 && ratio <= 1.05
}

func clampUnit(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
