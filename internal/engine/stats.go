package engine

import "sync/atomic"

// Stats are cumulative engine counters.
type Stats struct {
	Ticks          uint64 `json:"ticks"`
	Missed         uint64 `json:"missed"`
	WriteErrors    uint64 `json:"write_errors"`
	DroppedEvents  uint64 `json:"dropped_events"`
	DroppedFrames  uint64 `json:"dropped_blackbox_frames"`
	PipelineFaults uint64 `json:"pipeline_faults"`
	Saturations    uint64 `json:"saturations"`
	PluginOverruns uint64 `json:"plugin_overruns"`
	SanitizedInput uint64 `json:"sanitized_inputs"`
	FeedRejects    uint64 `json:"feed_rejects"`
	OverBudget     uint64 `json:"over_budget"`
}

// counters are written by the RT goroutine and read anywhere.
type counters struct {
	ticks          atomic.Uint64
	missed         atomic.Uint64
	writeErrors    atomic.Uint64
	droppedEvents  atomic.Uint64
	droppedFrames  atomic.Uint64
	pipelineFaults atomic.Uint64
	saturations    atomic.Uint64
	pluginOverruns atomic.Uint64
	sanitized      atomic.Uint64
	feedRejects    atomic.Uint64
	overBudget     atomic.Uint64
}

func (c *counters) snapshot() Stats {
	return Stats{
		Ticks:          c.ticks.Load(),
		Missed:         c.missed.Load(),
		WriteErrors:    c.writeErrors.Load(),
		DroppedEvents:  c.droppedEvents.Load(),
		DroppedFrames:  c.droppedFrames.Load(),
		PipelineFaults: c.pipelineFaults.Load(),
		Saturations:    c.saturations.Load(),
		PluginOverruns: c.pluginOverruns.Load(),
		SanitizedInput: c.sanitized.Load(),
		FeedRejects:    c.feedRejects.Load(),
		OverBudget:     c.overBudget.Load(),
	}
}
