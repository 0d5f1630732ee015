package engine

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/wheelcore/internal/pipeline"
	"github.com/banshee-data/wheelcore/internal/scheduler"
	"github.com/banshee-data/wheelcore/internal/timeutil"
	"github.com/banshee-data/wheelcore/internal/watchdog"
)

var testEpoch = time.Date(2026, 5, 6, 7, 8, 9, 0, time.UTC)

var errWrite = errors.New("write failed")

// recordingSink keeps every accepted report. The first failN writes fail.
type recordingSink struct {
	mu      sync.Mutex
	reports []Report
	writes  int
	failN   int
	clock   *timeutil.MockClock
	cost    time.Duration
	onWrite func(n int)
}

func (s *recordingSink) WriteReport(r Report) error {
	s.mu.Lock()
	s.writes++
	n := s.writes
	fail := n <= s.failN
	if !fail {
		s.reports = append(s.reports, r)
	}
	hook := s.onWrite
	s.mu.Unlock()

	if s.cost > 0 {
		s.clock.Advance(s.cost)
	}
	if hook != nil {
		hook(n)
	}
	if fail {
		return errWrite
	}
	return nil
}

func (s *recordingSink) all() []Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Report(nil), s.reports...)
}

// deadlineSleeper moves the mock clock straight to each deadline.
type deadlineSleeper struct{ clock *timeutil.MockClock }

func (s deadlineSleeper) SleepUntil(t time.Time) { s.clock.Set(t) }

type harness struct {
	clock  *timeutil.MockClock
	sched  *scheduler.Scheduler
	pub    *pipeline.Publisher
	wd     *watchdog.Watchdog
	input  *AtomicInput
	sink   *recordingSink
	engine *Engine
}

func neutralFilter() pipeline.FilterConfig {
	cfg := pipeline.DefaultFilterConfig()
	cfg.Bumpstop.Enabled = false
	cfg.HandsOff.Enabled = false
	return cfg
}

type option func(*Config, *Deps)

func newHarness(t *testing.T, opts ...option) *harness {
	t.Helper()
	clock := timeutil.NewMockClock(testEpoch)
	wd, err := watchdog.New(watchdog.DefaultConfig(), clock)
	require.NoError(t, err)

	h := &harness{
		clock: clock,
		sched: scheduler.New(scheduler.DefaultConfig(), clock, deadlineSleeper{clock}),
		pub:   pipeline.NewPublisher(pipeline.MustCompile(neutralFilter())),
		wd:    wd,
		input: NewAtomicInput(),
		sink:  &recordingSink{clock: clock},
	}
	cfg := DefaultConfig()
	cfg.MaxTorque = 2
	deps := Deps{
		Scheduler: h.sched,
		Publisher: h.pub,
		Watchdog:  h.wd,
		Input:     h.input,
		Sink:      h.sink,
		Clock:     clock,
	}
	for _, o := range opts {
		o(&cfg, &deps)
	}
	h.engine, err = New(cfg, deps)
	require.NoError(t, err)
	return h
}

func drainEvents(e *Engine) []Event {
	var out []Event
	for {
		select {
		case ev := <-e.Events():
			out = append(out, ev)
		default:
			return out
		}
	}
}

func kinds(evs []Event) []EventKind {
	out := make([]EventKind, len(evs))
	for i, ev := range evs {
		out[i] = ev.Kind
	}
	return out
}

func TestNew_MissingDependencies(t *testing.T) {
	h := newHarness(t)
	full := Deps{Scheduler: h.sched, Publisher: h.pub, Watchdog: h.wd, Sink: h.sink}

	tests := []struct {
		name  string
		strip func(*Deps)
	}{
		{"scheduler", func(d *Deps) { d.Scheduler = nil }},
		{"publisher", func(d *Deps) { d.Publisher = nil }},
		{"watchdog", func(d *Deps) { d.Watchdog = nil }},
		{"sink", func(d *Deps) { d.Sink = nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := full
			tt.strip(&d)
			_, err := New(DefaultConfig(), d)
			require.ErrorIs(t, err, ErrMissingDependency)
			assert.Contains(t, err.Error(), tt.name)
		})
	}

	e, err := New(DefaultConfig(), full)
	require.NoError(t, err)
	assert.Equal(t, 1.0, e.Multiplier())
}

func TestConfig_Normalize(t *testing.T) {
	c := Config{MaxTorque: math.Inf(1), SafeTorque: 5}.normalize()
	assert.Equal(t, DefaultMaxTorque, c.MaxTorque)
	assert.Equal(t, DefaultMaxTorque, c.SafeTorque)
	assert.Equal(t, DefaultPluginBudget, c.PluginBudget)
	assert.Equal(t, DefaultProcessingBudget, c.ProcessingBudget)
	assert.Equal(t, DefaultFaultQueueSize, c.FaultQueueSize)
	assert.Equal(t, DefaultBlackboxSize, c.BlackboxSize)
	assert.Equal(t, DefaultPluginID, c.PluginID)

	c = Config{MaxTorque: 3, SafeTorque: math.NaN()}.normalize()
	assert.Equal(t, 3.0, c.MaxTorque)
	assert.Equal(t, 0.0, c.SafeTorque)
}

func TestTick_PassesTorqueThrough(t *testing.T) {
	h := newHarness(t)
	h.input.Store(0.25, 0)

	r := h.engine.Tick(0)
	assert.InDelta(t, 0.5, r.Torque, 1e-12)
	assert.Equal(t, uint64(1), r.Seq)
	assert.Zero(t, r.Flags)
	assert.Equal(t, []Report{r}, h.sink.all())

	r = h.engine.Tick(0)
	assert.Equal(t, uint64(2), r.Seq)
	assert.InDelta(t, 0.5, h.engine.LastTorque(), 1e-12)
	assert.Equal(t, uint64(2), h.engine.Stats().Ticks)
}

func TestTick_MultiplierAndLimit(t *testing.T) {
	h := newHarness(t)
	h.input.Store(0.5, 0)

	h.engine.SetMultiplier(0.5)
	r := h.engine.Tick(0)
	assert.InDelta(t, 0.5, r.Torque, 1e-12)
	assert.True(t, r.Has(FlagSoftStop))

	h.engine.SetTorqueLimit(0.2)
	assert.InDelta(t, 0.2, h.engine.Multiplier(), 1e-12)
	r = h.engine.Tick(0)
	assert.InDelta(t, 0.2, r.Torque, 1e-12)

	h.engine.SetTorqueLimit(1)
	h.engine.SetMultiplier(math.NaN())
	assert.Equal(t, 0.0, h.engine.Multiplier())
	assert.Equal(t, 0.0, h.engine.Tick(0).Torque)

	h.engine.SetMultiplier(3)
	assert.Equal(t, 1.0, h.engine.Multiplier())
	r = h.engine.Tick(0)
	assert.InDelta(t, 1.0, r.Torque, 1e-12)
	assert.False(t, r.Has(FlagSoftStop))
}

func TestTick_Saturation(t *testing.T) {
	h := newHarness(t)
	for i, in := range []float64{1, -1} {
		h.input.Store(in, 0)
		r := h.engine.Tick(0)
		assert.Equal(t, 2*in, r.Torque)
		assert.True(t, r.Has(FlagSaturated))
		assert.Equal(t, uint64(i+1), h.engine.Stats().Saturations)
	}
}

func TestTick_ForcesSafeTorque(t *testing.T) {
	h := newHarness(t, func(c *Config, _ *Deps) { c.SafeTorque = 0.1 })
	h.input.Store(0.8, 0)

	h.engine.EmergencyStop()
	assert.True(t, h.engine.EmergencyStopped())
	r := h.engine.Tick(0)
	assert.Equal(t, 0.1, r.Torque)
	assert.True(t, r.Has(FlagEmergencyStop))

	h.engine.ClearEmergencyStop()
	assert.InDelta(t, 1.6, h.engine.Tick(0).Torque, 1e-12)

	require.NoError(t, h.wd.TriggerSafeState())
	r = h.engine.Tick(0)
	assert.Equal(t, 0.1, r.Torque)
	assert.True(t, r.Has(FlagSafeState))
}

func TestTick_SanitizesInput(t *testing.T) {
	h := newHarness(t)

	h.input.Store(math.NaN(), 0)
	r := h.engine.Tick(0)
	assert.Equal(t, 0.0, r.Torque)
	assert.Empty(t, drainEvents(h.engine))

	h.input.Store(0.5, math.Inf(1))
	r = h.engine.Tick(0)
	assert.InDelta(t, 1.0, r.Torque, 1e-12)
	evs := drainEvents(h.engine)
	require.Len(t, evs, 1)
	assert.Equal(t, EventEncoderNaN, evs[0].Kind)
	assert.True(t, math.IsInf(evs[0].Value, 1))
	assert.Equal(t, uint64(2), evs[0].Tick)
	assert.Equal(t, uint64(2), h.engine.Stats().SanitizedInput)

	frames := h.engine.BlackboxFrames(1)
	require.Len(t, frames, 1)
	assert.Equal(t, 0.0, frames[0].WheelSpeed)
}

func TestTick_Plugin(t *testing.T) {
	var (
		calls int
		gotDt time.Duration
		out   = 0.5
	)
	plugin := PluginFunc(func(force float64, dt time.Duration) float64 {
		calls++
		gotDt = dt
		return force * out
	})
	h := newHarness(t, func(_ *Config, d *Deps) { d.Plugin = plugin })
	h.input.Store(0.8, 0)

	assert.InDelta(t, 0.8, h.engine.Tick(0).Torque, 1e-12)
	assert.Equal(t, time.Millisecond, gotDt)

	out = math.NaN()
	assert.InDelta(t, 1.6, h.engine.Tick(0).Torque, 1e-12, "non-finite plugin output keeps the input")

	h.engine.SetPluginEnabled(false)
	h.engine.Tick(0)
	assert.Equal(t, 2, calls)
}

func TestTick_PluginOverrun(t *testing.T) {
	var h *harness
	cost := 150 * time.Microsecond
	plugin := PluginFunc(func(force float64, _ time.Duration) float64 {
		h.clock.Advance(cost)
		return force
	})
	h = newHarness(t, func(_ *Config, d *Deps) { d.Plugin = plugin })

	h.engine.Tick(0)
	evs := drainEvents(h.engine)
	require.Len(t, evs, 1)
	assert.Equal(t, EventPluginOverrun, evs[0].Kind)
	assert.Equal(t, cost, evs[0].Duration)
	assert.Equal(t, uint64(1), h.engine.Stats().PluginOverruns)

	cost = 50 * time.Microsecond
	h.engine.Tick(0)
	assert.Empty(t, drainEvents(h.engine))
}

func TestTick_PipelineFaultSubstitutesSafeTorque(t *testing.T) {
	h := newHarness(t, func(c *Config, d *Deps) {
		c.SafeTorque = 0.05
		d.Publisher = pipeline.NewPublisher(nil)
	})
	h.input.Store(0.9, 0)

	r := h.engine.Tick(0)
	assert.Equal(t, 0.05, r.Torque)
	assert.True(t, r.Has(FlagPipelineFault))
	assert.Equal(t, []EventKind{EventPipelineFault}, kinds(drainEvents(h.engine)))
	assert.Equal(t, uint64(1), h.engine.Stats().PipelineFaults)
}

func TestTick_HandsOffRisingEdge(t *testing.T) {
	cfg := neutralFilter()
	cfg.HandsOff = pipeline.HandsOffConfig{Enabled: true, Threshold: 0.05, TimeoutSeconds: 0.002}
	h := newHarness(t, func(_ *Config, d *Deps) {
		d.Publisher = pipeline.NewPublisher(pipeline.MustCompile(cfg))
	})

	var last Report
	for range 10 {
		last = h.engine.Tick(0)
	}
	assert.True(t, last.Has(FlagHandsOff))
	assert.Equal(t, []EventKind{EventHandsOff}, kinds(drainEvents(h.engine)))

	h.input.Store(0.5, 0)
	assert.False(t, h.engine.Tick(0).Has(FlagHandsOff))
	h.input.Store(0, 0)
	for range 5 {
		h.engine.Tick(0)
	}
	assert.Equal(t, []EventKind{EventHandsOff}, kinds(drainEvents(h.engine)))
}

func TestTick_WriteFailures(t *testing.T) {
	h := newHarness(t)
	h.sink.failN = 3
	assert.Equal(t, testEpoch, h.engine.LastWriteSuccess())

	for range 3 {
		h.engine.Tick(0)
		h.clock.Advance(time.Millisecond)
	}
	evs := drainEvents(h.engine)
	require.Len(t, evs, 3)
	for i, ev := range evs {
		assert.Equal(t, EventWriteFailure, ev.Kind)
		assert.Equal(t, uint32(i+1), ev.Count)
	}
	assert.Equal(t, uint64(3), h.engine.Stats().WriteErrors)

	h.engine.Tick(0)
	assert.Empty(t, drainEvents(h.engine))
	assert.Equal(t, h.clock.Now(), h.engine.LastWriteSuccess())

	h.sink.failN = 10
	h.engine.Tick(0)
	evs = drainEvents(h.engine)
	require.Len(t, evs, 1)
	assert.Equal(t, uint32(1), evs[0].Count, "success resets the consecutive count")
}

func TestTick_OverBudget(t *testing.T) {
	h := newHarness(t)
	h.sink.cost = 300 * time.Microsecond

	h.engine.Tick(0)
	evs := drainEvents(h.engine)
	require.Len(t, evs, 1)
	assert.Equal(t, EventOverBudget, evs[0].Kind)
	assert.Equal(t, 300*time.Microsecond, evs[0].Duration)
	assert.Equal(t, uint64(1), h.engine.Stats().OverBudget)
	assert.Positive(t, h.sched.Metrics().ProcessingEMA)
}

func TestTick_EventQueueDropsWhenFull(t *testing.T) {
	h := newHarness(t, func(c *Config, _ *Deps) { c.FaultQueueSize = 2 })
	h.input.Store(0, math.NaN())
	for range 3 {
		h.engine.Tick(0)
	}
	assert.Len(t, drainEvents(h.engine), 2)
	assert.Equal(t, uint64(1), h.engine.Stats().DroppedEvents)
}

func TestTick_PipelineSwapAtBoundary(t *testing.T) {
	h := newHarness(t)
	h.input.Store(1, 0)
	h.engine.Tick(0)

	capped := neutralFilter()
	capped.TorqueCap = 0.5
	h.pub.Publish(pipeline.MustCompile(capped))
	assert.True(t, h.pub.HasPending())

	r := h.engine.Tick(0)
	assert.InDelta(t, 1.0, r.Torque, 1e-12)
	assert.Equal(t, uint64(1), h.pub.Swaps())
	assert.False(t, h.pub.HasPending())
}

func TestTick_PipelineResetRequest(t *testing.T) {
	smooth := neutralFilter()
	smooth.Reconstruction = 8
	h := newHarness(t, func(_ *Config, d *Deps) {
		d.Publisher = pipeline.NewPublisher(pipeline.MustCompile(smooth))
	})
	h.input.Store(1, 0)

	first := h.engine.Tick(0)
	for range 5 {
		h.engine.Tick(0)
	}
	assert.Greater(t, h.engine.LastTorque(), first.Torque)

	h.engine.RequestPipelineReset()
	assert.True(t, h.engine.PipelineResetPending())
	r := h.engine.Tick(0)
	assert.False(t, h.engine.PipelineResetPending())
	assert.InDelta(t, first.Torque, r.Torque, 1e-12)
}

func TestTick_Blackbox(t *testing.T) {
	h := newHarness(t)
	for i := range 3 {
		h.input.Store(float64(i)/10, 0)
		h.engine.Tick(time.Duration(i) * time.Microsecond)
	}

	frames := h.engine.BlackboxFrames(2)
	require.Len(t, frames, 2)
	assert.Equal(t, uint64(2), frames[0].Seq)
	assert.Equal(t, uint64(3), frames[1].Seq)
	assert.InDelta(t, 0.2, frames[1].FFBIn, 1e-12)
	assert.InDelta(t, 0.4, frames[1].Torque, 1e-12)
	assert.Equal(t, 2*time.Microsecond, frames[1].Jitter)
	assert.Len(t, h.engine.BlackboxFrames(0), 3)
}

func TestTick_BlackboxDropsWithoutDrain(t *testing.T) {
	h := newHarness(t, func(c *Config, _ *Deps) { c.BlackboxSize = 2 })
	for range 3 {
		h.engine.Tick(0)
	}
	assert.Equal(t, uint64(1), h.engine.Stats().DroppedFrames)

	frames := h.engine.BlackboxFrames(0)
	require.Len(t, frames, 2)
	assert.Equal(t, uint64(1), frames[0].Seq)
}

func TestRun_StopsWithSafeReport(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := newHarness(t, func(c *Config, _ *Deps) { c.SafeTorque = 0 })
	h.input.Store(0.5, 0)
	h.sink.onWrite = func(n int) {
		if n == 5 {
			assert.True(t, h.wd.IsArmed())
			cancel()
		}
	}

	require.NoError(t, h.engine.Run(ctx))

	reports := h.sink.all()
	require.Len(t, reports, 6)
	for _, r := range reports[:5] {
		assert.InDelta(t, 1.0, r.Torque, 1e-12)
	}
	last := reports[5]
	assert.Equal(t, 0.0, last.Torque)
	assert.True(t, last.Has(FlagSafeState))
	assert.Equal(t, uint64(6), last.Seq)

	assert.Equal(t, watchdog.Disarmed, h.wd.State())
	assert.False(t, h.engine.Running())
	assert.Equal(t, uint64(5), h.engine.Stats().Ticks)
	assert.Zero(t, h.engine.Stats().FeedRejects)
	assert.Equal(t, uint64(5), h.sched.TickCount())
}

func TestRun_FailsWhenWatchdogArmed(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.wd.Arm())

	err := h.engine.Run(context.Background())
	require.ErrorIs(t, err, watchdog.ErrAlreadyArmed)
	assert.False(t, h.engine.Running())
	assert.Empty(t, h.sink.all())
}

func TestHealth(t *testing.T) {
	h := newHarness(t)
	h.input.Store(0.5, 0)
	h.engine.Tick(0)
	h.engine.Tick(0)

	got := h.engine.Health()
	assert.False(t, got.Running)
	assert.Equal(t, uint64(2), got.Engine.Ticks)
	assert.Equal(t, "disarmed", got.WatchdogState)
	assert.Equal(t, h.pub.Current().Snapshot(), got.Pipeline)
	assert.InDelta(t, 1.0, got.LastTorque, 1e-12)
	assert.Equal(t, 1.0, got.Multiplier)
	assert.True(t, got.PluginEnabled)
	assert.Nil(t, got.Faults)
}

// wireSink is a DeviceSink that accepts every report but reports a backlog.
type wireSink struct {
	DiscardSink
	mu     sync.Mutex
	oldest time.Time
}

func (s *wireSink) UnwrittenSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.oldest
}

func (s *wireSink) stall(at time.Time) {
	s.mu.Lock()
	s.oldest = at
	s.mu.Unlock()
}

func TestEngine_UnwrittenSince(t *testing.T) {
	h := newHarness(t)
	assert.True(t, h.engine.UnwrittenSince().IsZero(), "recordingSink has no backlog")

	ws := &wireSink{}
	h = newHarness(t, func(_ *Config, d *Deps) { d.Sink = ws })
	assert.True(t, h.engine.UnwrittenSince().IsZero())
	ws.stall(testEpoch)
	assert.Equal(t, testEpoch, h.engine.UnwrittenSince())
}

func TestTick_PublishesHandsOffAndDemand(t *testing.T) {
	cfg := neutralFilter()
	cfg.TorqueCap = 0.04
	cfg.HandsOff = pipeline.HandsOffConfig{Enabled: true, Threshold: 0.05, TimeoutSeconds: 0.002}
	h := newHarness(t, func(_ *Config, d *Deps) {
		d.Publisher = pipeline.NewPublisher(pipeline.MustCompile(cfg))
	})

	h.input.Store(0.6, 0)
	h.engine.Tick(0)
	assert.False(t, h.engine.HandsOff())
	assert.InDelta(t, 0.6, h.engine.Demand(), 1e-12)

	for range 5 {
		h.engine.Tick(0)
	}
	assert.True(t, h.engine.HandsOff())
	assert.InDelta(t, 0.08, h.engine.LastTorque(), 1e-12)
}

func TestTick_DoesNotAllocate(t *testing.T) {
	h := newHarness(t, func(_ *Config, d *Deps) { d.Sink = DiscardSink{} })
	require.NoError(t, h.wd.Arm())
	h.input.Store(0.4, 0.1)
	for range 10 {
		h.engine.Tick(0)
	}

	allocs := testing.AllocsPerRun(1000, func() { h.engine.Tick(0) })
	assert.Zero(t, allocs, "armed")

	require.NoError(t, h.wd.TriggerSafeState())
	allocs = testing.AllocsPerRun(1000, func() { h.engine.Tick(0) })
	assert.Zero(t, allocs, "safe state")
	assert.NotZero(t, h.engine.Stats().FeedRejects)
}
