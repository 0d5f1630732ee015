package engine

import (
	"github.com/banshee-data/wheelcore/internal/fmea"
	"github.com/banshee-data/wheelcore/internal/pipeline"
	"github.com/banshee-data/wheelcore/internal/scheduler"
	"github.com/banshee-data/wheelcore/internal/watchdog"
)

// HealthSnapshot aggregates everything an operator needs to judge the loop.
type HealthSnapshot struct {
	Running       bool              `json:"running"`
	Scheduler     scheduler.Metrics `json:"scheduler"`
	Watchdog      watchdog.Stats    `json:"watchdog"`
	WatchdogState string            `json:"watchdog_state"`
	Pipeline      pipeline.Snapshot `json:"pipeline"`
	PipelineSwaps uint64            `json:"pipeline_swaps"`
	Engine        Stats             `json:"engine"`
	Multiplier    float64           `json:"multiplier"`
	TorqueLimit   float64           `json:"torque_limit"`
	LastTorque    float64           `json:"last_torque"`
	EmergencyStop bool              `json:"emergency_stop"`
	PluginEnabled bool              `json:"plugin_enabled"`
	Faults        *FaultSnapshot    `json:"faults,omitempty"`
}

// FaultSnapshot is the supervisor's view of fault handling.
type FaultSnapshot struct {
	Status      fmea.Status     `json:"status"`
	Recovering  bool            `json:"recovering"`
	LastOutcome *OutcomeSummary `json:"last_outcome,omitempty"`
}

// OutcomeSummary is a JSON-friendly fmea.RecoveryOutcome.
type OutcomeSummary struct {
	ID             string `json:"id"`
	Fault          string `json:"fault"`
	Status         string `json:"status"`
	Attempts       uint32 `json:"attempts"`
	StepsCompleted int    `json:"steps_completed"`
	Escalated      bool   `json:"escalated"`
	DurationMs     int64  `json:"duration_ms"`
	Error          string `json:"error,omitempty"`
}

func summarize(o fmea.RecoveryOutcome) *OutcomeSummary {
	return &OutcomeSummary{
		ID:             o.ID.String(),
		Fault:          o.Fault.Code(),
		Status:         o.Status.String(),
		Attempts:       o.Attempts,
		StepsCompleted: o.StepsCompleted,
		Escalated:      o.Escalated,
		DurationMs:     o.Duration().Milliseconds(),
		Error:          o.ErrorString(),
	}
}

// Health returns the engine's part of the snapshot. Faults is left nil.
func (e *Engine) Health() HealthSnapshot {
	return HealthSnapshot{
		Running:       e.Running(),
		Scheduler:     e.sched.Metrics(),
		Watchdog:      e.wd.Stats(),
		WatchdogState: e.wd.State().String(),
		Pipeline:      e.pub.Current().Snapshot(),
		PipelineSwaps: e.pub.Swaps(),
		Engine:        e.Stats(),
		Multiplier:    e.Multiplier(),
		TorqueLimit:   e.TorqueLimit(),
		LastTorque:    e.LastTorque(),
		EmergencyStop: e.EmergencyStopped(),
		PluginEnabled: e.PluginEnabled(),
	}
}
