// Package scheduler drives the fixed-rate RT tick.
//
// A Scheduler sleeps to absolute deadlines, measures how late each wake-up
// was, and feeds that measurement to a JitterTracker, an AdaptiveState that
// picks the target period, and a PLL that corrects the next sleep so the
// mean interval converges on the target.
package scheduler

import (
	"errors"
	"math"
	"sync/atomic"
	"time"

	"github.com/banshee-data/wheelcore/internal/timeutil"
)

// ErrTimingViolation is returned by WaitForTick when a wake-up was later
// than Config.MaxJitter. The tick itself still happened.
var ErrTimingViolation = errors.New("tick jitter exceeded limit")

// Defaults for a 1kHz loop.
const (
	DefaultPeriod    = time.Millisecond
	DefaultMaxJitter = 250 * time.Microsecond
)

// Config parameterizes a Scheduler.
type Config struct {
	// Period is the nominal tick period.
	Period time.Duration
	// MaxJitter is the lateness above which WaitForTick reports a timing
	// violation.
	MaxJitter time.Duration
	// JitterCapacity is the number of jitter samples kept for percentiles.
	JitterCapacity int
	// Adaptive configures period adaptation. Nil selects
	// DefaultAdaptiveConfig(Period).
	Adaptive *AdaptiveConfig
	// PLLGain and PLLIntegralGain override the PLL gains when non-zero.
	PLLGain         float64
	PLLIntegralGain float64
}

// DefaultConfig returns a 1kHz configuration with adaptation disabled.
func DefaultConfig() Config {
	return Config{
		Period:         DefaultPeriod,
		MaxJitter:      DefaultMaxJitter,
		JitterCapacity: DefaultJitterCapacity,
	}
}

// Metrics is a snapshot of scheduler observability state.
type Metrics struct {
	Ticks           uint64        `json:"ticks"`
	Jitter          JitterStats   `json:"jitter"`
	NominalPeriod   time.Duration `json:"nominal_period_ns"`
	TargetPeriod    time.Duration `json:"target_period_ns"`
	CorrectedPeriod time.Duration `json:"corrected_period_ns"`
	PeriodFraction  float64       `json:"period_fraction"`
	ProcessingEMA   time.Duration `json:"processing_ema_ns"`
	PLLStable       bool          `json:"pll_stable"`
	AdaptiveEnabled bool          `json:"adaptive_enabled"`
}

// Scheduler is driven by a single RT goroutine. WaitForTick,
// RecordProcessingTime and SetAdaptive belong to that goroutine; Metrics and
// ProposeAdaptive are safe from any goroutine.
type Scheduler struct {
	cfg      Config
	clock    timeutil.Clock
	sleeper  Sleeper
	pll      *PLL
	jitter   *JitterTracker
	adaptive *AdaptiveState

	started  bool
	next     time.Time
	lastWake time.Time
	ticks    uint64

	pending atomic.Pointer[AdaptiveConfig]
	pub     published
}

// published mirrors RT-owned scalars for concurrent readers.
type published struct {
	ticks     atomic.Uint64
	target    atomic.Int64
	corrected atomic.Int64
	emaNs     atomic.Int64
	fraction  atomic.Uint64
	stable    atomic.Bool
	adaptive  atomic.Bool
}

// New creates a Scheduler. A nil clock selects the real clock and a nil
// sleeper selects PlatformSleep.
func New(cfg Config, clock timeutil.Clock, sleeper Sleeper) *Scheduler {
	if cfg.Period <= 0 {
		cfg.Period = DefaultPeriod
	}
	if cfg.MaxJitter <= 0 {
		cfg.MaxJitter = DefaultMaxJitter
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if sleeper == nil {
		sleeper = PlatformSleep{}
	}

	adaptive := DefaultAdaptiveConfig(cfg.Period)
	if cfg.Adaptive != nil {
		adaptive = *cfg.Adaptive
	}

	gain, integral := DefaultPLLGain, DefaultPLLIntegralGain
	if cfg.PLLGain != 0 {
		gain = cfg.PLLGain
	}
	if cfg.PLLIntegralGain != 0 {
		integral = cfg.PLLIntegralGain
	}

	s := &Scheduler{
		cfg:      cfg,
		clock:    clock,
		sleeper:  sleeper,
		jitter:   NewJitterTracker(cfg.JitterCapacity),
		adaptive: NewAdaptiveState(cfg.Period, adaptive),
	}
	s.pll = NewPLLWithGains(s.adaptive.Target(), gain, integral)
	s.publish()
	return s
}

// WaitForTick blocks until the next deadline and returns the tick count.
//
// The first call establishes phase and returns after one period. A deadline
// that has already passed counts as missed and is not slept for. When the
// loop falls more than a full period behind, the schedule restarts from the
// wake time instead of bursting to catch up.
func (s *Scheduler) WaitForTick() (uint64, error) {
	if cfg := s.pending.Swap(nil); cfg != nil {
		s.SetAdaptive(*cfg)
	}
	if !s.started {
		now := s.clock.Now()
		s.started = true
		s.lastWake = now
		s.next = now.Add(s.pll.Estimate())
	}

	deadline := s.next
	missed := !s.clock.Now().Before(deadline)
	if !missed {
		s.sleeper.SleepUntil(deadline)
	}

	wake := s.clock.Now()
	lateness := wake.Sub(deadline)
	jitter := lateness
	if jitter < 0 {
		jitter = -jitter
	}
	s.jitter.Record(jitter, missed)

	s.pll.SetTarget(s.adaptive.Update(jitter, missed))
	corrected := s.pll.Update(wake.Sub(s.lastWake))
	s.lastWake = wake

	s.ticks++
	if lateness > s.cfg.Period {
		s.next = wake.Add(corrected)
	} else {
		s.next = deadline.Add(corrected)
	}
	s.publish()

	if jitter > s.cfg.MaxJitter {
		return s.ticks, ErrTimingViolation
	}
	return s.ticks, nil
}

func (s *Scheduler) publish() {
	s.pub.ticks.Store(s.ticks)
	s.pub.target.Store(int64(s.adaptive.Target()))
	s.pub.corrected.Store(int64(s.pll.Estimate()))
	s.pub.emaNs.Store(int64(s.adaptive.ProcessingEMA()))
	s.pub.fraction.Store(math.Float64bits(s.adaptive.PeriodFraction()))
	s.pub.stable.Store(s.pll.IsStable())
	s.pub.adaptive.Store(s.adaptive.Config().Enabled)
}

// RecordProcessingTime feeds the time spent in one tick body to the
// adaptive processing-time average.
func (s *Scheduler) RecordProcessingTime(d time.Duration) {
	s.adaptive.RecordProcessingTime(d)
	s.pub.emaNs.Store(int64(s.adaptive.ProcessingEMA()))
}

// SetAdaptive replaces the adaptive configuration immediately. The target
// restarts at the clamped nominal period. Only the RT goroutine may call it;
// other goroutines use ProposeAdaptive.
func (s *Scheduler) SetAdaptive(cfg AdaptiveConfig) {
	s.adaptive.SetConfig(cfg)
	s.pll.SetTarget(s.adaptive.Target())
	s.publish()
}

// ProposeAdaptive hands a configuration to the RT goroutine, which applies
// it at the start of the next WaitForTick.
func (s *Scheduler) ProposeAdaptive(cfg AdaptiveConfig) {
	s.pending.Store(&cfg)
}

// TickCount returns the number of completed ticks.
func (s *Scheduler) TickCount() uint64 { return s.pub.ticks.Load() }

// LastJitter returns the most recent jitter sample.
func (s *Scheduler) LastJitter() time.Duration { return s.jitter.Last() }

// Period returns the nominal period.
func (s *Scheduler) Period() time.Duration { return s.cfg.Period }

// Jitter exposes the tracker for read-only queries.
func (s *Scheduler) Jitter() *JitterTracker { return s.jitter }

// Metrics computes a snapshot. It sorts the jitter window and is meant to be
// called at a low rate from a non-RT goroutine.
func (s *Scheduler) Metrics() Metrics {
	return Metrics{
		Ticks:           s.pub.ticks.Load(),
		Jitter:          s.jitter.Stats(),
		NominalPeriod:   s.cfg.Period,
		TargetPeriod:    time.Duration(s.pub.target.Load()),
		CorrectedPeriod: time.Duration(s.pub.corrected.Load()),
		PeriodFraction:  math.Float64frombits(s.pub.fraction.Load()),
		ProcessingEMA:   time.Duration(s.pub.emaNs.Load()),
		PLLStable:       s.pub.stable.Load(),
		AdaptiveEnabled: s.pub.adaptive.Load(),
	}
}
