package engine

import "time"

// Report flags.
const (
	FlagSafeState uint8 = 1 << iota
	FlagEmergencyStop
	FlagSoftStop
	FlagHandsOff
	FlagSaturated
	FlagPipelineFault
)

// Report is one output sample for the device. Torque is in
// [-MaxTorque, MaxTorque].
type Report struct {
	Torque float64
	Seq    uint64
	Flags  uint8
}

// Has reports whether every bit of flag is set.
func (r Report) Has(flag uint8) bool { return r.Flags&flag == flag }

// DeviceSink accepts reports from the RT goroutine. WriteReport is called
// once per tick and must not block.
type DeviceSink interface {
	WriteReport(Report) error
}

// WireMonitor is implemented by sinks that write to the device
// asynchronously. UnwrittenSince returns when the oldest report that has not
// reached the device was accepted, or the zero time when the device is
// current.
type WireMonitor interface {
	UnwrittenSince() time.Time
}

// PluginStage is an optional external filter run once per tick before the
// pipeline. The host bounds its execution time; the engine only measures it.
type PluginStage interface {
	Process(force float64, dt time.Duration) float64
}

// PluginFunc adapts a function to PluginStage.
type PluginFunc func(force float64, dt time.Duration) float64

// Process calls f.
func (f PluginFunc) Process(force float64, dt time.Duration) float64 { return f(force, dt) }

// DiscardSink accepts and drops every report.
type DiscardSink struct{}

// WriteReport implements DeviceSink.
func (DiscardSink) WriteReport(Report) error { return nil }
