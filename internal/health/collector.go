// Package health exposes the control loop's state to operators: Prometheus
// metrics and the tsweb debug pages.
package health

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/banshee-data/wheelcore/internal/engine"
	"github.com/banshee-data/wheelcore/internal/fmea"
)

const namespace = "wheelcore"

// Source yields a health snapshot. *engine.Supervisor and *engine.Engine
// both satisfy it.
type Source interface {
	Health() engine.HealthSnapshot
}

func desc(subsystem, name, help string, labels ...string) *prometheus.Desc {
	return prometheus.NewDesc(prometheus.BuildFQName(namespace, subsystem, name), help, labels, nil)
}

type counterDesc struct {
	desc *prometheus.Desc
	get  func(engine.Stats) uint64
}

var engineCounters = []counterDesc{
	{desc("engine", "ticks_total", "Ticks executed by the RT loop."), func(s engine.Stats) uint64 { return s.Ticks }},
	{desc("engine", "missed_deadlines_total", "Ticks that overran the timing limit."), func(s engine.Stats) uint64 { return s.Missed }},
	{desc("engine", "write_errors_total", "Failed device report writes."), func(s engine.Stats) uint64 { return s.WriteErrors }},
	{desc("engine", "dropped_events_total", "Fault events dropped on a full queue."), func(s engine.Stats) uint64 { return s.DroppedEvents }},
	{desc("engine", "dropped_blackbox_frames_total", "Black-box frames dropped on a full queue."), func(s engine.Stats) uint64 { return s.DroppedFrames }},
	{desc("engine", "pipeline_faults_total", "Ticks where the filter pipeline failed."), func(s engine.Stats) uint64 { return s.PipelineFaults }},
	{desc("engine", "saturations_total", "Ticks clamped at the torque limit."), func(s engine.Stats) uint64 { return s.Saturations }},
	{desc("engine", "plugin_overruns_total", "Plugin calls over their budget."), func(s engine.Stats) uint64 { return s.PluginOverruns }},
	{desc("engine", "sanitized_inputs_total", "Non-finite inputs replaced with zero."), func(s engine.Stats) uint64 { return s.SanitizedInput }},
	{desc("engine", "watchdog_feed_rejects_total", "Watchdog feeds rejected outside the armed state."), func(s engine.Stats) uint64 { return s.FeedRejects }},
	{desc("engine", "over_budget_total", "Ticks whose processing exceeded the budget."), func(s engine.Stats) uint64 { return s.OverBudget }},
}

var watchdogStates = []string{"disarmed", "armed", "timed_out", "safe_state"}

// Collector implements prometheus.Collector by reading a fresh snapshot on
// every scrape.
type Collector struct {
	src Source

	running         *prometheus.Desc
	schedTicks      *prometheus.Desc
	jitter          *prometheus.Desc
	jitterMax       *prometheus.Desc
	missedRate      *prometheus.Desc
	periodFraction  *prometheus.Desc
	targetPeriod    *prometheus.Desc
	processingEMA   *prometheus.Desc
	pllStable       *prometheus.Desc
	wdFeeds         *prometheus.Desc
	wdTimeouts      *prometheus.Desc
	wdSafeStates    *prometheus.Desc
	wdResets        *prometheus.Desc
	wdState         *prometheus.Desc
	pipelineStages  *prometheus.Desc
	pipelineBytes   *prometheus.Desc
	pipelineSwaps   *prometheus.Desc
	multiplier      *prometheus.Desc
	torqueLimit     *prometheus.Desc
	lastTorque      *prometheus.Desc
	emergencyStop   *prometheus.Desc
	pluginEnabled   *prometheus.Desc
	faultsTotal     *prometheus.Desc
	faultActive     *prometheus.Desc
	recovering      *prometheus.Desc
	softStopActive  *prometheus.Desc
	quarantineCount *prometheus.Desc
}

// NewCollector returns a collector reading from src.
func NewCollector(src Source) *Collector {
	return &Collector{
		src:             src,
		running:         desc("engine", "running", "1 while the RT loop is running."),
		schedTicks:      desc("scheduler", "ticks_total", "Scheduler ticks."),
		jitter:          desc("scheduler", "jitter_seconds", "Absolute wake-up jitter over the sample window."),
		jitterMax:       desc("scheduler", "jitter_max_seconds", "Largest jitter in the sample window."),
		missedRate:      desc("scheduler", "missed_rate", "Fraction of ticks that missed their deadline."),
		periodFraction:  desc("scheduler", "period_fraction", "Processing time as a fraction of the tick period."),
		targetPeriod:    desc("scheduler", "target_period_seconds", "Current tick period target."),
		processingEMA:   desc("scheduler", "processing_ema_seconds", "Smoothed per-tick processing time."),
		pllStable:       desc("scheduler", "pll_stable", "1 when the period PLL is locked."),
		wdFeeds:         desc("watchdog", "feeds_total", "Accepted watchdog feeds."),
		wdTimeouts:      desc("watchdog", "timeouts_total", "Watchdog timeouts."),
		wdSafeStates:    desc("watchdog", "safe_state_entries_total", "Entries into safe state."),
		wdResets:        desc("watchdog", "resets_total", "Watchdog resets."),
		wdState:         desc("watchdog", "state", "1 for the current watchdog state.", "state"),
		pipelineStages:  desc("pipeline", "stages", "Stages in the active filter pipeline."),
		pipelineBytes:   desc("pipeline", "state_bytes", "Bytes of filter state in the active pipeline."),
		pipelineSwaps:   desc("pipeline", "swaps_total", "Pipelines swapped in at a tick boundary."),
		multiplier:      desc("engine", "torque_multiplier", "Effective torque multiplier."),
		torqueLimit:     desc("engine", "torque_limit", "Torque limit applied during recovery."),
		lastTorque:      desc("engine", "last_torque", "Most recent torque written to the device."),
		emergencyStop:   desc("engine", "emergency_stop", "1 while the emergency stop is latched."),
		pluginEnabled:   desc("engine", "plugin_enabled", "1 while the effect plugin runs."),
		faultsTotal:     desc("fmea", "faults_total", "Faults raised by type.", "fault"),
		faultActive:     desc("fmea", "fault_active", "1 for the active fault.", "fault"),
		recovering:      desc("fmea", "recovering", "1 while a recovery procedure runs."),
		softStopActive:  desc("fmea", "soft_stop_active", "1 while a soft stop ramps torque down."),
		quarantineCount: desc("fmea", "quarantined_plugins", "Plugins currently quarantined."),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.running, c.schedTicks, c.jitter, c.jitterMax, c.missedRate, c.periodFraction,
		c.targetPeriod, c.processingEMA, c.pllStable, c.wdFeeds, c.wdTimeouts, c.wdSafeStates,
		c.wdResets, c.wdState, c.pipelineStages, c.pipelineBytes, c.pipelineSwaps, c.multiplier,
		c.torqueLimit, c.lastTorque, c.emergencyStop, c.pluginEnabled, c.faultsTotal,
		c.faultActive, c.recovering, c.softStopActive, c.quarantineCount,
	} {
		ch <- d
	}
	for _, ec := range engineCounters {
		ch <- ec.desc
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	h := c.src.Health()
	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
	}
	counter := func(d *prometheus.Desc, v uint64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
	}

	gauge(c.running, boolFloat(h.Running))

	m := h.Scheduler
	counter(c.schedTicks, m.Ticks)
	j := m.Jitter
	ch <- prometheus.MustNewConstSummary(c.jitter, uint64(j.Samples), seconds(j.Mean)*float64(j.Samples),
		map[float64]float64{0.5: seconds(j.P50), 0.95: seconds(j.P95), 0.99: seconds(j.P99)})
	gauge(c.jitterMax, seconds(j.Max))
	gauge(c.missedRate, j.MissedRate)
	gauge(c.periodFraction, m.PeriodFraction)
	gauge(c.targetPeriod, seconds(m.TargetPeriod))
	gauge(c.processingEMA, seconds(m.ProcessingEMA))
	gauge(c.pllStable, boolFloat(m.PLLStable))

	counter(c.wdFeeds, h.Watchdog.Feeds)
	counter(c.wdTimeouts, h.Watchdog.Timeouts)
	counter(c.wdSafeStates, h.Watchdog.SafeStateEntries)
	counter(c.wdResets, h.Watchdog.Resets)
	for _, st := range watchdogStates {
		gauge(c.wdState, boolFloat(st == h.WatchdogState), st)
	}

	gauge(c.pipelineStages, float64(h.Pipeline.StageCount))
	gauge(c.pipelineBytes, float64(h.Pipeline.StateBytes))
	counter(c.pipelineSwaps, h.PipelineSwaps)

	for _, ec := range engineCounters {
		counter(ec.desc, ec.get(h.Engine))
	}
	gauge(c.multiplier, h.Multiplier)
	gauge(c.torqueLimit, h.TorqueLimit)
	gauge(c.lastTorque, h.LastTorque)
	gauge(c.emergencyStop, boolFloat(h.EmergencyStop))
	gauge(c.pluginEnabled, boolFloat(h.PluginEnabled))

	if h.Faults == nil {
		return
	}
	st := h.Faults.Status
	for _, f := range fmea.AllFaults {
		code := f.Code()
		counter(c.faultsTotal, st.Counts[code], code)
		gauge(c.faultActive, boolFloat(st.Active == code), code)
	}
	gauge(c.recovering, boolFloat(h.Faults.Recovering))
	gauge(c.softStopActive, boolFloat(st.SoftStopActive))
	gauge(c.quarantineCount, float64(len(st.Quarantined)))
}

// NewRegistry returns a registry holding the Go and process collectors plus
// a Collector for src.
func NewRegistry(src Source) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		NewCollector(src),
	)
	return reg
}

// Handler serves reg in the Prometheus exposition format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

func seconds(d time.Duration) float64 { return d.Seconds() }

func boolFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
