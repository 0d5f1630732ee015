package fmea

import (
	"math"
	"time"
)

// DefaultSoftStopRamp is the time to bring torque to zero after a fault.
const DefaultSoftStopRamp = 50 * time.Millisecond

// SoftStop ramps torque linearly from a start value to a target. Time is
// supplied by the caller through Update, so the ramp advances in step with
// whatever loop drives it.
type SoftStop struct {
	active   bool
	start    float64
	target   float64
	current  float64
	duration time.Duration
	elapsed  time.Duration
}

// NewSoftStop returns an idle controller with the default ramp.
func NewSoftStop() *SoftStop {
	return &SoftStop{duration: DefaultSoftStopRamp}
}

// Start ramps from current to zero over the default duration.
func (s *SoftStop) Start(current float64) {
	s.StartRamp(current, 0, DefaultSoftStopRamp)
}

// StartRamp ramps from one torque to another over d. A non-positive d jumps
// straight to the target.
func (s *SoftStop) StartRamp(from, to float64, d time.Duration) {
	if math.IsNaN(from) || math.IsInf(from, 0) {
		from = 0
	}
	if math.IsNaN(to) || math.IsInf(to, 0) {
		to = 0
	}
	s.start = from
	s.target = to
	s.current = from
	s.duration = d
	s.elapsed = 0
	s.active = d > 0
	if !s.active {
		s.current = to
	}
}

// Update advances the ramp by delta and returns the torque for this instant.
func (s *SoftStop) Update(delta time.Duration) float64 {
	if !s.active {
		return s.current
	}
	if delta > 0 {
		s.elapsed += delta
	}
	if s.elapsed >= s.duration {
		s.active = false
		s.current = s.target
		return s.current
	}
	p := float64(s.elapsed) / float64(s.duration)
	s.current = s.start + (s.target-s.start)*p
	return s.current
}

// Current returns the last torque produced by the ramp.
func (s *SoftStop) Current() float64 { return s.current }

// Multiplier is the fraction of the start torque still applied, in [0,1].
// It is 0 when the ramp started from (near) zero torque.
func (s *SoftStop) Multiplier() float64 {
	if math.Abs(s.start) < 1e-9 {
		return 0
	}
	m := math.Abs(s.current / s.start)
	if math.IsNaN(m) {
		return 0
	}
	return math.Min(1, m)
}

// IsActive reports whether the ramp is still running.
func (s *SoftStop) IsActive() bool { return s.active }

// Progress is the ramp completion fraction in [0,1].
func (s *SoftStop) Progress() float64 {
	if s.duration <= 0 || s.elapsed >= s.duration {
		return 1
	}
	return float64(s.elapsed) / float64(s.duration)
}

// Remaining is the time left on an active ramp, zero otherwise.
func (s *SoftStop) Remaining() time.Duration {
	if !s.active {
		return 0
	}
	return s.duration - s.elapsed
}

// Reset stops the ramp and zeroes its output.
func (s *SoftStop) Reset() {
	*s = SoftStop{duration: DefaultSoftStopRamp}
}
