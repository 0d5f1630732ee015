// Package engine drives the real-time force-feedback tick: it reads the
// latest input, runs the plugin and pipeline, applies the torque safety
// chain and hands the result to the device sink. Everything that may block
// or allocate lives on the Supervisor goroutine instead.
package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/banshee-data/wheelcore/internal/pipeline"
	"github.com/banshee-data/wheelcore/internal/scheduler"
	"github.com/banshee-data/wheelcore/internal/timeutil"
	"github.com/banshee-data/wheelcore/internal/watchdog"
)

// Defaults for Config.
const (
	DefaultMaxTorque        = 1.0
	DefaultPluginBudget     = 100 * time.Microsecond
	DefaultProcessingBudget = 200 * time.Microsecond
	DefaultFaultQueueSize   = 256
	DefaultBlackboxSize     = 4096
	DefaultPluginID         = "plugin"
)

var (
	// ErrMissingDependency is returned by New when a required Deps field is nil.
	ErrMissingDependency = errors.New("missing engine dependency")
	// ErrAlreadyRunning is returned by Run on an engine that is running.
	ErrAlreadyRunning = errors.New("engine already running")
)

// Config tunes the tick.
type Config struct {
	MaxTorque        float64
	SafeTorque       float64
	PluginBudget     time.Duration
	ProcessingBudget time.Duration
	FaultQueueSize   int
	BlackboxSize     int
	PluginID         string
	RTSetup          scheduler.RTSetup
}

// DefaultConfig returns the defaults with no RT settings requested.
func DefaultConfig() Config {
	return Config{
		MaxTorque:        DefaultMaxTorque,
		PluginBudget:     DefaultPluginBudget,
		ProcessingBudget: DefaultProcessingBudget,
		FaultQueueSize:   DefaultFaultQueueSize,
		BlackboxSize:     DefaultBlackboxSize,
		PluginID:         DefaultPluginID,
	}
}

// normalize fills zero values and keeps SafeTorque inside the torque range.
func (c Config) normalize() Config {
	if !(c.MaxTorque > 0) || math.IsInf(c.MaxTorque, 0) {
		c.MaxTorque = DefaultMaxTorque
	}
	if math.IsNaN(c.SafeTorque) {
		c.SafeTorque = 0
	}
	c.SafeTorque = clamp(c.SafeTorque, -c.MaxTorque, c.MaxTorque)
	if c.PluginBudget <= 0 {
		c.PluginBudget = DefaultPluginBudget
	}
	if c.ProcessingBudget <= 0 {
		c.ProcessingBudget = DefaultProcessingBudget
	}
	if c.FaultQueueSize <= 0 {
		c.FaultQueueSize = DefaultFaultQueueSize
	}
	if c.BlackboxSize <= 0 {
		c.BlackboxSize = DefaultBlackboxSize
	}
	if c.PluginID == "" {
		c.PluginID = DefaultPluginID
	}
	return c
}

// Deps are the collaborators of an Engine. Scheduler, Publisher, Watchdog
// and Sink are required.
type Deps struct {
	Scheduler *scheduler.Scheduler
	Publisher *pipeline.Publisher
	Watchdog  *watchdog.Watchdog
	Input     InputSource
	Sink      DeviceSink
	Plugin    PluginStage
	Clock     timeutil.Clock
}

// Engine runs the tick. Tick and Run belong to one goroutine; every other
// method is safe from any goroutine.
type Engine struct {
	cfg      Config
	sched    *scheduler.Scheduler
	pub      *pipeline.Publisher
	wd       *watchdog.Watchdog
	input    InputSource
	sink     DeviceSink
	wire     WireMonitor
	plugin   PluginStage
	clock    timeutil.Clock
	epoch    time.Time
	events   chan Event
	blackbox *Blackbox
	stats    counters

	multiplier    atomic.Uint64
	limit         atomic.Uint64
	lastTorque    atomic.Uint64
	lastWriteOK   atomic.Int64
	demand        atomic.Uint64
	handsOff      atomic.Bool
	estop         atomic.Bool
	resetPending  atomic.Bool
	pluginEnabled atomic.Bool
	running       atomic.Bool

	// RT-owned.
	seq           uint64
	prevHandsOff  bool
	writeFailures uint32
}

// New validates deps and builds an engine with the multiplier at 1.
func New(cfg Config, deps Deps) (*Engine, error) {
	switch {
	case deps.Scheduler == nil:
		return nil, fmt.Errorf("%w: scheduler", ErrMissingDependency)
	case deps.Publisher == nil:
		return nil, fmt.Errorf("%w: publisher", ErrMissingDependency)
	case deps.Watchdog == nil:
		return nil, fmt.Errorf("%w: watchdog", ErrMissingDependency)
	case deps.Sink == nil:
		return nil, fmt.Errorf("%w: sink", ErrMissingDependency)
	}
	if deps.Input == nil {
		deps.Input = NewAtomicInput()
	}
	if deps.Clock == nil {
		deps.Clock = timeutil.RealClock{}
	}
	cfg = cfg.normalize()
	e := &Engine{
		cfg:      cfg,
		sched:    deps.Scheduler,
		pub:      deps.Publisher,
		wd:       deps.Watchdog,
		input:    deps.Input,
		sink:     deps.Sink,
		plugin:   deps.Plugin,
		clock:    deps.Clock,
		events:   make(chan Event, cfg.FaultQueueSize),
		blackbox: NewBlackbox(cfg.BlackboxSize),
	}
	e.wire, _ = deps.Sink.(WireMonitor)
	e.epoch = e.clock.Now()
	e.multiplier.Store(math.Float64bits(1))
	e.limit.Store(math.Float64bits(1))
	e.lastTorque.Store(math.Float64bits(cfg.SafeTorque))
	e.lastWriteOK.Store(0)
	e.pluginEnabled.Store(true)
	return e, nil
}

// Run owns the calling goroutine until ctx is done. It locks the OS thread,
// applies the RT setup, arms the watchdog and ticks. On exit the watchdog is
// disarmed and one safe report is written.
func (e *Engine) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer e.running.Store(false)

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	h, err := scheduler.ApplyRTSetup(e.cfg.RTSetup)
	defer h.Close()
	if err != nil {
		return fmt.Errorf("failed to apply RT setup: %w", err)
	}
	opsf("rt setup: %s", h.Report)

	if err := e.wd.Arm(); err != nil {
		return fmt.Errorf("failed to arm watchdog: %w", err)
	}
	defer e.shutdown()

	opsf("running: period=%v max_torque=%g safe_torque=%g", e.sched.Period(), e.cfg.MaxTorque, e.cfg.SafeTorque)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		tick, err := e.sched.WaitForTick()
		jitter := e.sched.LastJitter()
		if errors.Is(err, scheduler.ErrTimingViolation) {
			e.stats.missed.Add(1)
			e.emit(Event{Kind: EventDeadlineMiss, Tick: tick, Duration: jitter})
		}
		e.Tick(jitter)
	}
}

func (e *Engine) shutdown() {
	e.wd.Reset()
	e.seq++
	r := Report{Torque: e.cfg.SafeTorque, Seq: e.seq, Flags: FlagSafeState}
	if err := e.sink.WriteReport(r); err != nil {
		opsf("failed to write shutdown report: %v", err)
	}
	e.lastTorque.Store(math.Float64bits(r.Torque))
	opsf("stopped after %d ticks", e.stats.ticks.Load())
}

// Tick runs one control cycle and returns the report handed to the sink.
// jitter is the scheduler's lateness for this wake and is only recorded.
func (e *Engine) Tick(jitter time.Duration) Report {
	start := e.clock.Now()
	tick := e.stats.ticks.Add(1)

	if !e.wd.TryFeed() {
		e.stats.feedRejects.Add(1)
	}

	if e.resetPending.Swap(false) {
		e.pub.Current().Reset()
	}
	p := e.pub.Acquire()

	force, speed := e.input.Latest()
	if !finite(force) {
		force = 0
		e.stats.sanitized.Add(1)
	}
	if !finite(speed) {
		e.stats.sanitized.Add(1)
		e.emit(Event{Kind: EventEncoderNaN, Tick: tick, Value: speed})
		speed = 0
	}

	e.seq++
	frame := pipeline.Frame{
		FFBIn:       force,
		WheelSpeed:  speed,
		TimestampNs: int64(start.Sub(e.epoch)),
		Seq:         e.seq,
	}

	if e.plugin != nil && e.pluginEnabled.Load() {
		ps := e.clock.Now()
		out := e.plugin.Process(frame.FFBIn, e.sched.Period())
		if d := e.clock.Since(ps); d > e.cfg.PluginBudget {
			e.stats.pluginOverruns.Add(1)
			e.emit(Event{Kind: EventPluginOverrun, Tick: tick, Duration: d})
		}
		if finite(out) {
			frame.FFBIn = out
		}
	}

	e.demand.Store(math.Float64bits(math.Abs(frame.FFBIn)))

	var flags uint8
	pipelineOK := true
	if err := p.Process(&frame); err != nil {
		pipelineOK = false
		flags |= FlagPipelineFault
		e.stats.pipelineFaults.Add(1)
		e.emit(Event{Kind: EventPipelineFault, Tick: tick, Value: frame.TorqueOut})
	}

	if frame.HandsOff {
		flags |= FlagHandsOff
		if !e.prevHandsOff {
			e.emit(Event{Kind: EventHandsOff, Tick: tick})
		}
	}
	e.prevHandsOff = frame.HandsOff
	e.handsOff.Store(frame.HandsOff)

	mult := e.Multiplier()
	torque, chainFlags := e.safetyChain(frame.TorqueOut, mult, pipelineOK)
	flags |= chainFlags
	if chainFlags&FlagSaturated != 0 {
		e.stats.saturations.Add(1)
	}

	r := Report{Torque: torque, Seq: e.seq, Flags: flags}
	if err := e.sink.WriteReport(r); err != nil {
		e.writeFailures++
		e.stats.writeErrors.Add(1)
		e.emit(Event{Kind: EventWriteFailure, Tick: tick, Count: e.writeFailures})
	} else {
		e.writeFailures = 0
		e.lastWriteOK.Store(int64(e.clock.Since(e.epoch)))
	}
	e.lastTorque.Store(math.Float64bits(torque))

	processing := e.clock.Since(start)
	e.sched.RecordProcessingTime(processing)
	if processing > e.cfg.ProcessingBudget {
		e.stats.overBudget.Add(1)
		e.emit(Event{Kind: EventOverBudget, Tick: tick, Duration: processing})
	}

	if !e.blackbox.push(BlackboxFrame{
		Seq:            e.seq,
		TimestampNs:    frame.TimestampNs,
		FFBIn:          force,
		WheelSpeed:     speed,
		PipelineTorque: frame.TorqueOut,
		Torque:         torque,
		Multiplier:     mult,
		Jitter:         jitter,
		Processing:     processing,
		Flags:          flags,
	}) {
		e.stats.droppedFrames.Add(1)
	}
	return r
}

// safetyChain turns a normalized pipeline output into device torque.
func (e *Engine) safetyChain(out, mult float64, pipelineOK bool) (float64, uint8) {
	var flags uint8
	if e.wd.IsSafeState() {
		flags |= FlagSafeState
	}
	if e.estop.Load() {
		flags |= FlagEmergencyStop
	}
	if mult < 1 {
		flags |= FlagSoftStop
	}
	if flags&(FlagSafeState|FlagEmergencyStop) != 0 || !pipelineOK {
		return e.cfg.SafeTorque, flags
	}

	if !finite(out) {
		out = 0
	}
	t := clamp(out*mult*e.cfg.MaxTorque, -e.cfg.MaxTorque, e.cfg.MaxTorque)
	if math.Abs(t) >= e.cfg.MaxTorque {
		flags |= FlagSaturated
	}
	return t, flags
}

func (e *Engine) emit(ev Event) {
	select {
	case e.events <- ev:
	default:
		e.stats.droppedEvents.Add(1)
	}
}

// Events is the channel the Supervisor drains.
func (e *Engine) Events() <-chan Event { return e.events }

// SetMultiplier publishes the soft-stop multiplier, clamped to [0, 1].
// Non-finite values are treated as 0.
func (e *Engine) SetMultiplier(m float64) {
	if !finite(m) {
		m = 0
	}
	e.multiplier.Store(math.Float64bits(clamp(m, 0, 1)))
}

// SetTorqueLimit caps the multiplier independently of the soft stop,
// clamped to [0, 1]. Recovery steps lower it; clearing a fault restores 1.
func (e *Engine) SetTorqueLimit(l float64) {
	if !finite(l) {
		l = 0
	}
	e.limit.Store(math.Float64bits(clamp(l, 0, 1)))
}

// TorqueLimit returns the cap set by SetTorqueLimit.
func (e *Engine) TorqueLimit() float64 { return math.Float64frombits(e.limit.Load()) }

// Multiplier returns the effective multiplier applied by the next tick.
func (e *Engine) Multiplier() float64 {
	return math.Min(math.Float64frombits(e.multiplier.Load()), e.TorqueLimit())
}

// EmergencyStop latches the safe torque until ClearEmergencyStop.
func (e *Engine) EmergencyStop() {
	if !e.estop.Swap(true) {
		opsf("emergency stop latched")
	}
}

// ClearEmergencyStop releases the latch.
func (e *Engine) ClearEmergencyStop() {
	if e.estop.Swap(false) {
		opsf("emergency stop cleared")
	}
}

// EmergencyStopped reports whether the latch is set.
func (e *Engine) EmergencyStopped() bool { return e.estop.Load() }

// RequestPipelineReset asks the RT goroutine to clear pipeline state at the
// next tick boundary.
func (e *Engine) RequestPipelineReset() { e.resetPending.Store(true) }

// PipelineResetPending reports whether a requested reset has not run yet.
func (e *Engine) PipelineResetPending() bool { return e.resetPending.Load() }

// SetPluginEnabled turns the plugin stage on or off from the next tick.
func (e *Engine) SetPluginEnabled(on bool) { e.pluginEnabled.Store(on) }

// PluginEnabled reports whether the plugin runs.
func (e *Engine) PluginEnabled() bool { return e.pluginEnabled.Load() }

// PluginID names the plugin for fault tracking.
func (e *Engine) PluginID() string { return e.cfg.PluginID }

// LastTorque is the torque of the most recent report.
func (e *Engine) LastTorque() float64 { return math.Float64frombits(e.lastTorque.Load()) }

// LastWriteSuccess is when the sink last accepted a report, or the engine's
// creation time if it never has. Acceptance is not delivery; see
// UnwrittenSince.
func (e *Engine) LastWriteSuccess() time.Time {
	return e.epoch.Add(time.Duration(e.lastWriteOK.Load()))
}

// UnwrittenSince is when the oldest report not yet on the wire was accepted,
// or the zero time when the device is current or the sink cannot tell.
func (e *Engine) UnwrittenSince() time.Time {
	if e.wire == nil {
		return time.Time{}
	}
	return e.wire.UnwrittenSince()
}

// HandsOff reports whether the last tick's pipeline flagged the wheel as
// not held.
func (e *Engine) HandsOff() bool { return e.handsOff.Load() }

// Demand is the magnitude of the force fed to the pipeline on the last tick.
func (e *Engine) Demand() float64 { return math.Float64frombits(e.demand.Load()) }

// Running reports whether Run is active.
func (e *Engine) Running() bool { return e.running.Load() }

// Stats returns the cumulative counters.
func (e *Engine) Stats() Stats { return e.stats.snapshot() }

// Config returns the normalized configuration.
func (e *Engine) Config() Config { return e.cfg }

// Scheduler returns the engine's scheduler.
func (e *Engine) Scheduler() *scheduler.Scheduler { return e.sched }

// Publisher returns the engine's pipeline publisher.
func (e *Engine) Publisher() *pipeline.Publisher { return e.pub }

// Watchdog returns the engine's watchdog.
func (e *Engine) Watchdog() *watchdog.Watchdog { return e.wd }

// Blackbox returns the frame recorder so a host can run its drain loop.
func (e *Engine) Blackbox() *Blackbox { return e.blackbox }

// BlackboxFrames returns up to n of the most recent frames, oldest first.
func (e *Engine) BlackboxFrames(n int) []BlackboxFrame { return e.blackbox.Frames(n) }

func finite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
