package engine

import (
	"fmt"
	"time"
)

// EventKind classifies an event raised by the RT goroutine.
type EventKind uint8

const (
	EventDeadlineMiss EventKind = iota + 1
	EventEncoderNaN
	EventPluginOverrun
	EventPipelineFault
	EventHandsOff
	EventWriteFailure
	EventOverBudget
)

func (k EventKind) String() string {
	switch k {
	case EventDeadlineMiss:
		return "deadline_miss"
	case EventEncoderNaN:
		return "encoder_nan"
	case EventPluginOverrun:
		return "plugin_overrun"
	case EventPipelineFault:
		return "pipeline_fault"
	case EventHandsOff:
		return "hands_off"
	case EventWriteFailure:
		return "write_failure"
	case EventOverBudget:
		return "over_budget"
	default:
		return fmt.Sprintf("EventKind(%d)", uint8(k))
	}
}

// Event is a fixed-size notification from the tick. Fields beyond Kind and
// Tick are meaningful per kind: Value carries the offending reading, Count a
// consecutive failure count and Duration a measured time.
type Event struct {
	Kind     EventKind
	Tick     uint64
	Value    float64
	Count    uint32
	Duration time.Duration
}

func (e Event) String() string {
	return fmt.Sprintf("%s tick=%d value=%g count=%d duration=%v", e.Kind, e.Tick, e.Value, e.Count, e.Duration)
}
