package engine

import (
	"math"
	"sync/atomic"
)

// InputSource supplies the latest force command and wheel speed. Latest is
// called from the RT goroutine and must not block.
type InputSource interface {
	Latest() (force, wheelSpeed float64)
}

// AtomicInput is a single-slot mailbox: writers overwrite, the RT reader
// always sees the most recent value of each field.
type AtomicInput struct {
	force atomic.Uint64
	speed atomic.Uint64
	seq   atomic.Uint64
}

// NewAtomicInput returns a mailbox holding zero force and speed.
func NewAtomicInput() *AtomicInput { return &AtomicInput{} }

// Store publishes a new sample.
func (in *AtomicInput) Store(force, wheelSpeed float64) {
	in.force.Store(math.Float64bits(force))
	in.speed.Store(math.Float64bits(wheelSpeed))
	in.seq.Add(1)
}

// Latest implements InputSource.
func (in *AtomicInput) Latest() (float64, float64) {
	return math.Float64frombits(in.force.Load()), math.Float64frombits(in.speed.Load())
}

// Updates counts calls to Store.
func (in *AtomicInput) Updates() uint64 { return in.seq.Load() }
