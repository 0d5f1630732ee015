package scheduler

import (
	"math"
	"time"
)

// AdaptiveConfig bounds how far the scheduler may move the tick period away
// from nominal, and how it reacts to jitter and processing load.
//
// Jitter above JitterTightenThreshold (or a missed deadline) shortens the
// period by DecreaseStep. Jitter below JitterRelaxThreshold, with the
// processing-time average at or under ProcessingHeadroom, lengthens it by
// IncreaseStep. Between the two thresholds the period holds, which keeps the
// controller from flipping direction every tick.
type AdaptiveConfig struct {
	Enabled bool `json:"enabled"`

	MinPeriod time.Duration `json:"min_period"`
	MaxPeriod time.Duration `json:"max_period"`

	IncreaseStep time.Duration `json:"increase_step"`
	DecreaseStep time.Duration `json:"decrease_step"`

	JitterTightenThreshold time.Duration `json:"jitter_tighten_threshold"`
	JitterRelaxThreshold   time.Duration `json:"jitter_relax_threshold"`

	// ProcessingHeadroom is the largest processing-time average that still
	// counts as comfortable headroom for relaxing the period.
	ProcessingHeadroom time.Duration `json:"processing_headroom"`

	// ProcessingEMAAlpha is the weight of the newest processing sample.
	ProcessingEMAAlpha float64 `json:"processing_ema_alpha"`
}

const defaultEMAAlpha = 0.2

// DefaultAdaptiveConfig returns a disabled configuration allowing +/-10%
// around the nominal period.
func DefaultAdaptiveConfig(nominal time.Duration) AdaptiveConfig {
	return AdaptiveConfig{
		Enabled:                false,
		MinPeriod:              nominal * 9 / 10,
		MaxPeriod:              nominal * 11 / 10,
		IncreaseStep:           5 * time.Microsecond,
		DecreaseStep:           2 * time.Microsecond,
		JitterTightenThreshold: 200 * time.Microsecond,
		JitterRelaxThreshold:   50 * time.Microsecond,
		ProcessingHeadroom:     80 * time.Microsecond,
		ProcessingEMAAlpha:     defaultEMAAlpha,
	}
}

// Normalize returns a copy with every field clamped into a usable range.
// Normalize is idempotent.
func (c AdaptiveConfig) Normalize() AdaptiveConfig {
	if c.MinPeriod > c.MaxPeriod {
		c.MinPeriod, c.MaxPeriod = c.MaxPeriod, c.MinPeriod
	}
	if c.MinPeriod < 1 {
		c.MinPeriod = 1
	}
	if c.MaxPeriod < c.MinPeriod {
		c.MaxPeriod = c.MinPeriod
	}
	if c.IncreaseStep < 1 {
		c.IncreaseStep = 1
	}
	if c.DecreaseStep < 1 {
		c.DecreaseStep = 1
	}
	if c.JitterTightenThreshold < 0 {
		c.JitterTightenThreshold = 0
	}
	if c.JitterRelaxThreshold < 0 {
		c.JitterRelaxThreshold = 0
	}
	if c.JitterRelaxThreshold > c.JitterTightenThreshold {
		c.JitterRelaxThreshold, c.JitterTightenThreshold = c.JitterTightenThreshold, c.JitterRelaxThreshold
	}
	if c.ProcessingHeadroom < 0 {
		c.ProcessingHeadroom = 0
	}
	if math.IsNaN(c.ProcessingEMAAlpha) {
		c.ProcessingEMAAlpha = defaultEMAAlpha
	}
	c.ProcessingEMAAlpha = math.Max(0.01, math.Min(1, c.ProcessingEMAAlpha))
	return c
}

// Valid reports whether c is already normalized.
func (c AdaptiveConfig) Valid() bool {
	return c == c.Normalize()
}

// AdaptiveState chooses the target period each tick. The target always lies
// within [MinPeriod, MaxPeriod] of the active configuration.
type AdaptiveState struct {
	cfg       AdaptiveConfig
	nominal   time.Duration
	target    time.Duration
	emaNs     float64
	hasSample bool
}

// NewAdaptiveState creates a state around the nominal period.
func NewAdaptiveState(nominal time.Duration, cfg AdaptiveConfig) *AdaptiveState {
	s := &AdaptiveState{nominal: nominal}
	s.SetConfig(cfg)
	return s
}

// SetConfig normalizes and applies cfg, resetting the target to the clamped
// nominal period.
func (s *AdaptiveState) SetConfig(cfg AdaptiveConfig) {
	s.cfg = cfg.Normalize()
	s.target = s.clamp(s.nominal)
}

// Config returns the active, normalized configuration.
func (s *AdaptiveState) Config() AdaptiveConfig { return s.cfg }

// RecordProcessingTime folds one tick's processing time into the average.
func (s *AdaptiveState) RecordProcessingTime(d time.Duration) {
	if d < 0 {
		d = 0
	}
	if !s.hasSample {
		s.emaNs = float64(d)
		s.hasSample = true
		return
	}
	a := s.cfg.ProcessingEMAAlpha
	s.emaNs = (1-a)*s.emaNs + a*float64(d)
}

// Update applies one tick's jitter observation and returns the new target.
func (s *AdaptiveState) Update(jitter time.Duration, missed bool) time.Duration {
	if !s.cfg.Enabled {
		s.target = s.clamp(s.nominal)
		return s.target
	}
	if jitter < 0 {
		jitter = -jitter
	}

	switch {
	case missed || jitter > s.cfg.JitterTightenThreshold:
		s.target -= s.cfg.DecreaseStep
	case jitter < s.cfg.JitterRelaxThreshold && s.hasHeadroom():
		s.target += s.cfg.IncreaseStep
	}
	s.target = s.clamp(s.target)
	return s.target
}

func (s *AdaptiveState) hasHeadroom() bool {
	return s.hasSample && s.emaNs <= float64(s.cfg.ProcessingHeadroom)
}

func (s *AdaptiveState) clamp(d time.Duration) time.Duration {
	if d < s.cfg.MinPeriod {
		return s.cfg.MinPeriod
	}
	if d > s.cfg.MaxPeriod {
		return s.cfg.MaxPeriod
	}
	return d
}

// Target returns the current target period.
func (s *AdaptiveState) Target() time.Duration { return s.target }

// ProcessingEMA returns the processing-time moving average.
func (s *AdaptiveState) ProcessingEMA() time.Duration { return time.Duration(s.emaNs) }

// PeriodFraction locates the target between MinPeriod (0) and MaxPeriod (1).
// It is 0.5 when the bounds coincide.
func (s *AdaptiveState) PeriodFraction() float64 {
	span := s.cfg.MaxPeriod - s.cfg.MinPeriod
	if span <= 0 {
		return 0.5
	}
	return clampUnit(float64(s.target-s.cfg.MinPeriod) / float64(span))
}
