package engine

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/banshee-data/wheelcore/internal/fmea"
	"github.com/banshee-data/wheelcore/internal/timeutil"
	"github.com/banshee-data/wheelcore/internal/watchdog"
)

// DefaultSupervisorInterval is how often the soft stop and watchdog are
// serviced.
const DefaultSupervisorInterval = time.Millisecond

// snapshotEvery bounds how many quiet intervals may pass between snapshot
// refreshes.
const snapshotEvery = 100

// ErrSupervisorStopped is returned by requests made after Run has exited.
var ErrSupervisorStopped = errors.New("supervisor stopped")

type hardwareKind uint8

const (
	hwTemperature hardwareKind = iota + 1
	hwCurrent
	hwInterlock
	hwUSBTimeout
)

type hardwareReport struct {
	kind  hardwareKind
	value float64
}

// Supervisor owns the fmea.System. It turns engine events and hardware
// reports into faults, drives the soft stop and recovery, and escalates to
// safe state.
type Supervisor struct {
	engine   *Engine
	system   *fmea.System
	driver   *fmea.Driver
	wd       *watchdog.Watchdog
	clock    timeutil.Clock
	interval time.Duration

	hardware chan hardwareReport
	resets   chan chan error
	outcomes chan fmea.RecoveryOutcome
	stopped  chan struct{}

	// Loop-owned.
	ctx         context.Context
	recovering  bool
	cancelRec   context.CancelFunc
	lastOutcome *fmea.RecoveryOutcome
	lastPeriod  time.Time
	sawTiming   bool
	quiet       int

	thermal atomic.Bool
	snap    atomic.Pointer[FaultSnapshot]
}

// NewSupervisor wires a supervisor. A non-positive interval selects
// DefaultSupervisorInterval.
func NewSupervisor(e *Engine, system *fmea.System, driver *fmea.Driver, wd *watchdog.Watchdog, clock timeutil.Clock, interval time.Duration) *Supervisor {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if interval <= 0 {
		interval = DefaultSupervisorInterval
	}
	s := &Supervisor{
		engine:   e,
		system:   system,
		driver:   driver,
		wd:       wd,
		clock:    clock,
		interval: interval,
		hardware: make(chan hardwareReport, 64),
		resets:   make(chan chan error),
		outcomes: make(chan fmea.RecoveryOutcome, 1),
		stopped:  make(chan struct{}),
		ctx:      context.Background(),
	}
	s.lastPeriod = clock.Now()
	s.publish()
	return s
}

// RegisterSteps adds handlers that need supervisor state.
func (s *Supervisor) RegisterSteps(steps *Steps) {
	waitCool := func(ctx context.Context, _ fmea.FaultType) error {
		return steps.waitFor(ctx, func() bool { return !s.thermal.Load() })
	}
	steps.Register(fmea.StepCooldown, waitCool)
	steps.Register(fmea.StepVerifyTemperature, waitCool)
}

// Run services events until ctx is done. It cancels any recovery in
// progress before returning.
func (s *Supervisor) Run(ctx context.Context) error {
	s.ctx = ctx
	defer close(s.stopped)
	t := time.NewTicker(s.interval)
	defer t.Stop()
	s.lastPeriod = s.clock.Now()

	for {
		select {
		case <-ctx.Done():
			if s.cancelRec != nil {
				s.cancelRec()
			}
			return nil
		case ev := <-s.engine.Events():
			s.handleEvent(ev)
		case r := <-s.hardware:
			s.handleHardware(r)
		case out := <-s.outcomes:
			s.finishRecovery(out)
		case reply := <-s.resets:
			reply <- s.reset()
		case <-t.C:
			now := s.clock.Now()
			s.periodic(now.Sub(s.lastPeriod))
			s.lastPeriod = now
		}
	}
}

// ReportTemperature submits a motor temperature reading in °C.
func (s *Supervisor) ReportTemperature(celsius float64) bool {
	return s.submit(hardwareReport{kind: hwTemperature, value: celsius})
}

// ReportCurrent submits a motor current reading in amps.
func (s *Supervisor) ReportCurrent(amps float64) bool {
	return s.submit(hardwareReport{kind: hwCurrent, value: amps})
}

// ReportInterlockViolation reports a tripped safety interlock.
func (s *Supervisor) ReportInterlockViolation() bool {
	return s.submit(hardwareReport{kind: hwInterlock})
}

// ReportUSBTimeout reports that the device stopped answering.
func (s *Supervisor) ReportUSBTimeout() bool {
	return s.submit(hardwareReport{kind: hwUSBTimeout})
}

// submit queues r without blocking and reports whether it was accepted.
func (s *Supervisor) submit(r hardwareReport) bool {
	select {
	case s.hardware <- r:
		return true
	default:
		opsf("hardware report queue full, dropped kind %d", r.kind)
		return false
	}
}

// Reset disarms the watchdog, clears every fault and re-arms. It runs on
// the supervisor goroutine.
func (s *Supervisor) Reset(ctx context.Context) error {
	reply := make(chan error, 1)
	select {
	case s.resets <- reply:
	case <-s.stopped:
		return ErrSupervisorStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Supervisor) handleEvent(ev Event) {
	tracef("event %s", ev)
	var (
		f  fmea.FaultType
		ok bool
	)
	switch ev.Kind {
	case EventEncoderNaN:
		f, ok = s.system.DetectEncoderFault(ev.Value)
	case EventPluginOverrun:
		f, ok = s.system.DetectPluginOverrun(s.engine.PluginID(), ev.Duration)
	case EventPipelineFault:
		f, ok = fmea.PipelineFault, true
	case EventWriteFailure:
		f, ok = s.system.DetectUSBFault(ev.Count, s.engine.LastWriteSuccess())
	case EventDeadlineMiss, EventOverBudget:
		s.sawTiming = true
		f, ok = s.system.DetectTimingViolation(ev.Duration)
	}
	if ok {
		s.raise(f)
	}
}

func (s *Supervisor) handleHardware(r hardwareReport) {
	var (
		f  fmea.FaultType
		ok bool
	)
	switch r.kind {
	case hwTemperature:
		f, ok = s.system.DetectThermalFault(r.value)
		s.thermal.Store(s.system.ThermalLatched())
	case hwCurrent:
		f, ok = s.system.DetectOvercurrent(r.value)
	case hwInterlock:
		f, ok = fmea.SafetyInterlockViolation, true
	case hwUSBTimeout:
		f, ok = fmea.UsbStall, true
	}
	if ok {
		s.raise(f)
	}
}

// raise hands f to the system and acts on the matrix entry.
func (s *Supervisor) raise(f fmea.FaultType) {
	if active, ok := s.system.ActiveFault(); ok && active == f {
		tracef("fault %s already active", f.Code())
		return
	}
	if err := s.system.HandleFault(f, s.engine.LastTorque()); err != nil {
		opsf("failed to handle fault %s: %v", f.Code(), err)
		return
	}
	defer s.publish()
	entry, _ := s.system.Entry(f)
	if !entry.Enabled {
		return
	}
	s.engine.SetMultiplier(s.system.TorqueMultiplier())

	active, _ := s.system.ActiveFault()
	switch {
	case entry.Action == fmea.ActionLogAndContinue:
		diagf("fault %s logged", f.Code())
	case entry.Action == fmea.ActionSafeMode:
		s.escalate(f)
	case active != f:
		diagf("fault %s deferred to active %s", f.Code(), active.Code())
	case s.system.CanRecover():
		s.startRecovery(f)
	default:
		s.escalate(f)
	}
}

func (s *Supervisor) escalate(f fmea.FaultType) {
	err := s.wd.TriggerSafeState()
	switch {
	case err == nil:
		opsf("safe state entered for %s", f.Code())
	case errors.Is(err, watchdog.ErrSafeStateAlreadyTriggered):
		diagf("safe state already active for %s", f.Code())
	default:
		opsf("failed to enter safe state for %s: %v", f.Code(), err)
	}
}

func (s *Supervisor) startRecovery(f fmea.FaultType) {
	if s.recovering || s.driver == nil {
		return
	}
	ctx, cancel := context.WithCancel(s.ctx)
	s.recovering = true
	s.cancelRec = cancel
	go func() {
		defer cancel()
		s.outcomes <- s.driver.Recover(ctx, f)
	}()
}

func (s *Supervisor) finishRecovery(out fmea.RecoveryOutcome) {
	s.recovering = false
	s.cancelRec = nil
	s.lastOutcome = &out
	defer s.publish()
	if !out.Succeeded() {
		return
	}
	if active, ok := s.system.ActiveFault(); ok && active == out.Fault {
		_ = s.system.ClearFault()
		s.thermal.Store(s.system.ThermalLatched())
	}
	if out.Fault == fmea.PluginOverrun {
		s.engine.SetPluginEnabled(!s.system.IsPluginQuarantined(s.engine.PluginID()))
	}
	s.engine.SetMultiplier(1)
	s.engine.SetTorqueLimit(1)

	if next, ok := s.system.ActiveFault(); ok && next != out.Fault {
		if s.system.CanRecover() {
			s.startRecovery(next)
		} else {
			s.escalate(next)
		}
	}
}

// periodic advances the soft stop by delta and polls the watchdog.
func (s *Supervisor) periodic(delta time.Duration) {
	mult := s.system.UpdateSoftStop(delta)
	s.engine.SetMultiplier(mult)

	if s.wd.HasTimedOut() {
		err := s.wd.TriggerSafeState()
		if err == nil {
			since, _ := s.wd.TimeSinceLastFeed()
			opsf("watchdog timed out after %v, safe state entered", since)
		}
	}
	if !s.sawTiming {
		s.system.DetectTimingViolation(0)
	}
	s.sawTiming = false

	if f, ok := s.system.DetectHandsOff(s.engine.HandsOff(), s.engine.Demand()); ok {
		s.raise(f)
	}
	if f, ok := s.system.DetectUSBTimeout(s.engine.UnwrittenSince()); ok {
		s.raise(f)
	}

	if !s.engine.PluginEnabled() && !s.recovering {
		if _, active := s.system.ActiveFault(); !active && !s.system.IsPluginQuarantined(s.engine.PluginID()) {
			s.engine.SetPluginEnabled(true)
			opsf("plugin %s released from quarantine", s.engine.PluginID())
		}
	}

	s.quiet++
	if s.quiet >= snapshotEvery || s.system.SoftStop().IsActive() {
		s.publish()
	}
}

func (s *Supervisor) reset() error {
	if s.cancelRec != nil {
		s.cancelRec()
	}
	s.wd.Reset()
	if err := s.system.ClearFault(); err == nil {
		diagf("cleared active fault")
	}
	for _, f := range fmea.AllFaults {
		s.system.ResetDetection(f)
	}
	s.thermal.Store(false)
	s.engine.SetMultiplier(1)
	s.engine.SetTorqueLimit(1)
	s.engine.RequestPipelineReset()
	defer s.publish()
	if err := s.wd.Arm(); err != nil {
		return fmt.Errorf("failed to re-arm watchdog: %w", err)
	}
	opsf("reset complete")
	return nil
}

func (s *Supervisor) publish() {
	s.quiet = 0
	snap := &FaultSnapshot{
		Status:     s.system.Status(),
		Recovering: s.recovering,
	}
	if s.lastOutcome != nil {
		snap.LastOutcome = summarize(*s.lastOutcome)
	}
	s.snap.Store(snap)
}

// Snapshot returns the last published fault view.
func (s *Supervisor) Snapshot() FaultSnapshot { return *s.snap.Load() }

// Health is the engine snapshot with the fault view attached.
func (s *Supervisor) Health() HealthSnapshot {
	h := s.engine.Health()
	snap := s.Snapshot()
	h.Faults = &snap
	return h
}

// Engine returns the supervised engine.
func (s *Supervisor) Engine() *Engine { return s.engine }
