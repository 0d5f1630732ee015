// Package pipeline turns a force command into a torque command through a
// compiled chain of filter stages.
//
// A FilterConfig is validated and compiled off the RT thread into an
// immutable stage list plus one byte arena holding every stage's state. The
// compiled Pipeline is handed to the RT goroutine through a Publisher and
// swapped in at a tick boundary. Process never allocates.
package pipeline

// Frame is the per-tick working record. The engine fills the inputs, stages
// mutate TorqueOut and HandsOff in place, and the frame is discarded when the
// tick ends.
type Frame struct {
	FFBIn       float64 // force command in [-1, 1]
	TorqueOut   float64
	WheelSpeed  float64 // rad/s
	HandsOff    bool
	TimestampNs int64 // monotonic ns since engine start
	Seq         uint64
}
