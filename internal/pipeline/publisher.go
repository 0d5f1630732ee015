package pipeline

import "sync/atomic"

// Publisher hands compiled pipelines from a configuring goroutine to the RT
// goroutine. Publish only stages a pipeline; the RT side adopts it the next
// time it calls Acquire, so a swap always lands between two ticks.
type Publisher struct {
	current atomic.Pointer[Pipeline]
	pending atomic.Pointer[Pipeline]
	swaps   atomic.Uint64
}

// NewPublisher creates a publisher serving initial.
func NewPublisher(initial *Pipeline) *Publisher {
	p := &Publisher{}
	p.current.Store(initial)
	return p
}

// Publish stages next for the following tick boundary. A later Publish
// before that boundary replaces the staged pipeline. nil is ignored.
func (p *Publisher) Publish(next *Pipeline) {
	if next == nil {
		return
	}
	p.pending.Store(next)
	diagf("staged pipeline %016x", next.Fingerprint())
}

// Acquire adopts a staged pipeline if there is one and returns the pipeline
// to run this tick. Only the RT goroutine calls Acquire.
func (p *Publisher) Acquire() *Pipeline {
	if next := p.pending.Swap(nil); next != nil {
		p.current.Store(next)
		p.swaps.Add(1)
		return next
	}
	return p.current.Load()
}

// Current returns the active pipeline for observation. Callers must not run
// Process or Reset on it.
func (p *Publisher) Current() *Pipeline { return p.current.Load() }

// HasPending reports whether a pipeline is waiting for the next boundary.
func (p *Publisher) HasPending() bool { return p.pending.Load() != nil }

// Swaps counts pipelines adopted by Acquire.
func (p *Publisher) Swaps() uint64 { return p.swaps.Load() }
