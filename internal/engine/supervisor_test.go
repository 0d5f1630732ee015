package engine

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/wheelcore/internal/fmea"
	"github.com/banshee-data/wheelcore/internal/pipeline"
)

// stepLog records the steps the driver ran.
type stepLog struct {
	mu    sync.Mutex
	steps []string
}

func (l *stepLog) RunStep(_ context.Context, _ fmea.FaultType, st fmea.RecoveryStep) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.steps = append(l.steps, st.Name)
	return nil
}

func (l *stepLog) names() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.steps...)
}

type supHarness struct {
	*harness
	system *fmea.System
	steps  *stepLog
	sup    *Supervisor
}

func newSupHarness(t *testing.T, opts ...option) *supHarness {
	t.Helper()
	h := newHarness(t, opts...)
	system := fmea.NewSystem(fmea.DefaultThresholds(), h.clock)
	steps := &stepLog{}
	driver := fmea.NewDriver(steps, h.wd, nil, h.clock)
	return &supHarness{
		harness: h,
		system:  system,
		steps:   steps,
		sup:     NewSupervisor(h.engine, system, driver, h.wd, h.clock, time.Millisecond),
	}
}

func (h *supHarness) awaitOutcome(t *testing.T) fmea.RecoveryOutcome {
	t.Helper()
	select {
	case out := <-h.sup.outcomes:
		h.sup.finishRecovery(out)
		return out
	case <-time.After(2 * time.Second):
		t.Fatal("recovery did not finish")
		return fmea.RecoveryOutcome{}
	}
}

func TestSupervisor_PipelineFaultRecovers(t *testing.T) {
	h := newSupHarness(t)

	h.sup.handleEvent(Event{Kind: EventPipelineFault})
	snap := h.sup.Snapshot()
	assert.Equal(t, fmea.PipelineFault.Code(), snap.Status.Active)
	assert.True(t, snap.Recovering)

	out := h.awaitOutcome(t)
	assert.True(t, out.Succeeded())
	assert.Equal(t, []string{fmea.StepResetPipeline, fmea.StepVerifyPipeline}, h.steps.names())

	_, active := h.system.ActiveFault()
	assert.False(t, active)
	snap = h.sup.Snapshot()
	assert.False(t, snap.Recovering)
	require.NotNil(t, snap.LastOutcome)
	assert.Equal(t, "completed", snap.LastOutcome.Status)
	assert.Equal(t, fmea.PipelineFault.Code(), snap.LastOutcome.Fault)
	assert.False(t, h.wd.IsSafeState())
}

func TestSupervisor_USBSoftStopRamp(t *testing.T) {
	h := newSupHarness(t)
	h.input.Store(0.5, 0)
	h.engine.Tick(0)
	require.InDelta(t, 1.0, h.engine.LastTorque(), 1e-12)

	for i := uint32(1); i <= 3; i++ {
		h.sup.handleEvent(Event{Kind: EventWriteFailure, Count: i})
	}
	f, ok := h.system.ActiveFault()
	require.True(t, ok)
	assert.Equal(t, fmea.UsbStall, f)
	assert.True(t, h.system.SoftStop().IsActive())

	h.sup.periodic(25 * time.Millisecond)
	assert.InDelta(t, 0.5, h.engine.Multiplier(), 1e-9)
	assert.InDelta(t, 0.5, h.engine.Tick(0).Torque, 1e-9)

	out := h.awaitOutcome(t)
	assert.True(t, out.Succeeded())
	assert.Equal(t, []string{fmea.StepResetUSB, fmea.StepReconnect, fmea.StepVerifyCommunication}, h.steps.names())
	assert.Equal(t, 1.0, h.engine.Multiplier())
	_, active := h.system.ActiveFault()
	assert.False(t, active)
}

func TestSupervisor_EncoderNaNEscalates(t *testing.T) {
	h := newSupHarness(t)
	for range 5 {
		h.sup.handleEvent(Event{Kind: EventEncoderNaN, Value: math.NaN()})
	}
	assert.True(t, h.wd.IsSafeState())
	snap := h.sup.Snapshot()
	assert.Equal(t, fmea.EncoderNaN.Code(), snap.Status.Active)
	assert.False(t, snap.Status.CanRecover)
	assert.False(t, snap.Recovering)
	assert.Empty(t, h.steps.names())
}

func TestSupervisor_InterlockEntersSafeState(t *testing.T) {
	h := newSupHarness(t)
	require.True(t, h.sup.ReportInterlockViolation())
	h.sup.handleHardware(<-h.sup.hardware)

	assert.True(t, h.wd.IsSafeState())
	h.input.Store(0.7, 0)
	r := h.engine.Tick(0)
	assert.Equal(t, 0.0, r.Torque)
	assert.True(t, r.Has(FlagSafeState))
}

func TestSupervisor_OvercurrentEscalates(t *testing.T) {
	h := newSupHarness(t)
	require.True(t, h.sup.ReportCurrent(4))
	h.sup.handleHardware(<-h.sup.hardware)
	assert.False(t, h.wd.IsSafeState())

	require.True(t, h.sup.ReportCurrent(-12))
	h.sup.handleHardware(<-h.sup.hardware)
	assert.True(t, h.wd.IsSafeState())
	assert.Equal(t, fmea.Overcurrent.Code(), h.sup.Snapshot().Status.Active)
}

func TestSupervisor_TimingViolationLogsOnly(t *testing.T) {
	h := newSupHarness(t)
	for range 100 {
		h.sup.handleEvent(Event{Kind: EventDeadlineMiss, Duration: time.Millisecond})
	}
	_, active := h.system.ActiveFault()
	assert.False(t, active)
	assert.Equal(t, uint64(1), h.system.FaultCounts()[fmea.TimingViolation])
	assert.False(t, h.wd.IsSafeState())
	assert.Empty(t, h.steps.names())
}

func TestSupervisor_QuietIntervalResetsTimingCount(t *testing.T) {
	h := newSupHarness(t)
	for range 50 {
		h.sup.handleEvent(Event{Kind: EventOverBudget, Duration: time.Millisecond})
	}
	h.sup.periodic(time.Millisecond)
	assert.Equal(t, uint32(50), h.system.DetectionCount(fmea.TimingViolation))

	h.sup.periodic(time.Millisecond)
	assert.Zero(t, h.system.DetectionCount(fmea.TimingViolation))
}

func TestSupervisor_WatchdogTimeout(t *testing.T) {
	h := newSupHarness(t)
	require.NoError(t, h.wd.Arm())

	h.sup.periodic(time.Millisecond)
	assert.True(t, h.wd.IsArmed())

	h.clock.Advance(150 * time.Millisecond)
	h.sup.periodic(time.Millisecond)
	assert.True(t, h.wd.IsSafeState())
}

func TestSupervisor_PluginQuarantine(t *testing.T) {
	h := newSupHarness(t)
	for range 10 {
		h.sup.handleEvent(Event{Kind: EventPluginOverrun, Duration: 150 * time.Microsecond})
	}
	assert.True(t, h.system.IsPluginQuarantined(DefaultPluginID))

	out := h.awaitOutcome(t)
	require.True(t, out.Succeeded())
	assert.False(t, h.engine.PluginEnabled(), "quarantine outlives the recovery")
	assert.Equal(t, []string{DefaultPluginID}, h.sup.Snapshot().Status.Quarantined)

	h.clock.Advance(fmea.PluginQuarantine + time.Second)
	h.sup.periodic(time.Millisecond)
	assert.True(t, h.engine.PluginEnabled())
}

func TestSupervisor_CooldownWaitsForThermalRelease(t *testing.T) {
	h := newSupHarness(t)
	steps := NewSteps(h.engine)
	h.sup.RegisterSteps(steps)

	require.NoError(t, h.system.SetEnabled(fmea.ThermalLimit, false))

	require.True(t, h.sup.ReportTemperature(85))
	h.sup.handleHardware(<-h.sup.hardware)
	assert.True(t, h.system.ThermalLatched())
	assert.False(t, h.sup.Snapshot().Recovering)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- steps.RunStep(ctx, fmea.ThermalLimit, step(fmea.StepCooldown)) }()

	require.True(t, h.sup.ReportTemperature(78))
	h.sup.handleHardware(<-h.sup.hardware)
	assert.True(t, h.system.ThermalLatched(), "inside the hysteresis band")

	require.True(t, h.sup.ReportTemperature(70))
	h.sup.handleHardware(<-h.sup.hardware)
	require.NoError(t, <-done)
}

func TestSupervisor_ResetThroughRun(t *testing.T) {
	h := newSupHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan error, 1)
	go func() { stopped <- h.sup.Run(ctx) }()

	require.True(t, h.sup.ReportInterlockViolation())
	require.Eventually(t, h.wd.IsSafeState, time.Second, time.Millisecond)
	h.engine.SetTorqueLimit(0.5)

	require.NoError(t, h.sup.Reset(context.Background()))
	assert.True(t, h.wd.IsArmed())
	assert.Equal(t, 1.0, h.engine.Multiplier())
	assert.True(t, h.engine.PipelineResetPending())
	assert.Empty(t, h.sup.Snapshot().Status.Active)

	cancel()
	require.NoError(t, <-stopped)
	assert.ErrorIs(t, h.sup.Reset(context.Background()), ErrSupervisorStopped)
}

func TestSupervisor_HardwareQueueFull(t *testing.T) {
	h := newSupHarness(t)
	for range cap(h.sup.hardware) {
		require.True(t, h.sup.ReportUSBTimeout())
	}
	assert.False(t, h.sup.ReportUSBTimeout())
}

func TestSupervisor_Health(t *testing.T) {
	h := newSupHarness(t)
	h.sup.raise(fmea.HandsOffTimeout)

	got := h.sup.Health()
	require.NotNil(t, got.Faults)
	assert.Equal(t, fmea.HandsOffTimeout.Code(), got.Faults.Status.Active)
	assert.Equal(t, uint64(1), got.Faults.Status.Counts[fmea.HandsOffTimeout.Code()])
}

func TestSupervisor_IdleWheelWithDefaultFilterKeepsTorque(t *testing.T) {
	h := newSupHarness(t, func(_ *Config, d *Deps) {
		d.Publisher = pipeline.NewPublisher(pipeline.MustCompile(pipeline.DefaultFilterConfig()))
	})

	var evs []EventKind
	for range 5100 {
		h.engine.Tick(0)
		for _, ev := range drainEvents(h.engine) {
			evs = append(evs, ev.Kind)
			h.sup.handleEvent(ev)
		}
		h.sup.periodic(time.Millisecond)
		h.clock.Advance(time.Millisecond)
	}
	require.Contains(t, evs, EventHandsOff)
	assert.True(t, h.engine.HandsOff())

	_, active := h.system.ActiveFault()
	assert.False(t, active)
	assert.False(t, h.wd.IsSafeState())
	assert.Zero(t, h.system.FaultCounts()[fmea.HandsOffTimeout])

	h.input.Store(0.6, 0)
	r := h.engine.Tick(0)
	assert.False(t, r.Has(FlagSafeState))
	assert.InDelta(t, 1.2, r.Torque, 1e-9)
	assert.InDelta(t, 1.2, h.engine.LastTorque(), 1e-9)
}

func TestSupervisor_HandsOffUnderLoadEntersSafeState(t *testing.T) {
	cfg := neutralFilter()
	cfg.TorqueCap = 0.04
	cfg.HandsOff = pipeline.HandsOffConfig{Enabled: true, Threshold: 0.05, TimeoutSeconds: 0.002}
	h := newSupHarness(t, func(_ *Config, d *Deps) {
		d.Publisher = pipeline.NewPublisher(pipeline.MustCompile(cfg))
	})
	h.input.Store(0.6, 0)
	for range 3 {
		h.engine.Tick(0)
	}
	require.True(t, h.engine.HandsOff())

	h.sup.periodic(time.Millisecond)
	h.clock.Advance(4 * time.Second)
	h.sup.periodic(time.Millisecond)
	assert.False(t, h.wd.IsSafeState(), "under the hands-off timeout")

	h.clock.Advance(time.Second + time.Millisecond)
	h.sup.periodic(time.Millisecond)
	f, ok := h.system.ActiveFault()
	require.True(t, ok)
	assert.Equal(t, fmea.HandsOffTimeout, f)
	assert.True(t, h.wd.IsSafeState())
	assert.True(t, h.engine.Tick(0).Has(FlagSafeState))
}

func TestSupervisor_TimingViolationKeepsPluginFault(t *testing.T) {
	h := newSupHarness(t)
	h.sup.raise(fmea.PluginOverrun)
	for range 100 {
		h.sup.handleEvent(Event{Kind: EventDeadlineMiss, Duration: time.Millisecond})
	}
	assert.Equal(t, uint64(1), h.system.FaultCounts()[fmea.TimingViolation])

	f, ok := h.system.ActiveFault()
	require.True(t, ok)
	assert.Equal(t, fmea.PluginOverrun, f)
	assert.Equal(t, fmea.PluginOverrun.Code(), h.sup.Snapshot().Status.Active)

	out := h.awaitOutcome(t)
	assert.True(t, out.Succeeded())
	assert.Equal(t, fmea.PluginOverrun, out.Fault)
	_, active := h.system.ActiveFault()
	assert.False(t, active)
}

func TestSupervisor_WireStallRaisesUSBFault(t *testing.T) {
	ws := &wireSink{}
	h := newSupHarness(t, func(_ *Config, d *Deps) { d.Sink = ws })

	h.sup.periodic(time.Millisecond)
	_, active := h.system.ActiveFault()
	require.False(t, active)

	ws.stall(h.clock.Now())
	h.clock.Advance(5 * time.Millisecond)
	h.sup.periodic(time.Millisecond)
	_, active = h.system.ActiveFault()
	require.False(t, active, "backlog younger than the USB timeout")

	h.clock.Advance(6 * time.Millisecond)
	h.sup.periodic(time.Millisecond)
	f, ok := h.system.ActiveFault()
	require.True(t, ok)
	assert.Equal(t, fmea.UsbStall, f)
	assert.True(t, h.system.SoftStop().IsActive())

	out := h.awaitOutcome(t)
	assert.True(t, out.Succeeded())
	assert.Equal(t, []string{fmea.StepResetUSB, fmea.StepReconnect, fmea.StepVerifyCommunication}, h.steps.names())

	h.sup.periodic(time.Millisecond)
	assert.Equal(t, uint64(1), h.system.FaultCounts()[fmea.UsbStall], "one report per stall")

	ws.stall(time.Time{})
	h.sup.periodic(time.Millisecond)
	ws.stall(h.clock.Now())
	h.clock.Advance(11 * time.Millisecond)
	h.sup.periodic(time.Millisecond)
	assert.Equal(t, uint64(2), h.system.FaultCounts()[fmea.UsbStall])
	h.awaitOutcome(t)
}
