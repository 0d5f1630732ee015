package pipeline

import (
	"errors"
	"fmt"
	"math"
)

var (
	// ErrStateOutOfBounds means a stage's state slice does not fit the arena
	// or is misaligned. It indicates a corrupted pipeline.
	ErrStateOutOfBounds = errors.New("stage state out of bounds")
	// ErrNonFiniteOutput means the stages produced NaN or Inf torque.
	ErrNonFiniteOutput = errors.New("non-finite torque output")
	// ErrNilPipeline is returned by methods called on a nil *Pipeline.
	ErrNilPipeline = errors.New("nil pipeline")
)

// Pipeline is a compiled filter chain. The stage list is immutable; the
// arena is mutated by Process and must only be touched by the goroutine that
// runs the ticks.
type Pipeline struct {
	stages      []Stage
	arena       []byte
	fingerprint uint64
	response    *ResponseLUT
	config      FilterConfig
}

// Process runs every stage over f and leaves the result in f.TorqueOut,
// clamped to [-1, 1] and shaped by the response curve. On error the caller
// must substitute a safe torque; f.TorqueOut is unspecified.
func (p *Pipeline) Process(f *Frame) error {
	if p == nil {
		return ErrNilPipeline
	}
	f.TorqueOut = f.FFBIn

	for i := range p.stages {
		s := &p.stages[i]
		end := s.offset + s.size
		if s.offset < 0 || s.offset%stateAlign != 0 || end > len(p.arena) {
			return ErrStateOutOfBounds
		}
		s.apply(f, p.arena[s.offset:end])
	}

	t := f.TorqueOut
	if math.IsNaN(t) || math.IsInf(t, 0) {
		return ErrNonFiniteOutput
	}
	t = math.Max(-1, math.Min(1, t))
	if p.response != nil {
		t = sign(t) * p.response.Lookup(math.Abs(t))
	}
	f.TorqueOut = t
	return nil
}

// Transfer maps a steady input magnitude in [0,1] through the static
// shaping stages (curve, torque cap, response curve) and returns the output
// magnitude. Stateful stages are skipped. Safe from any goroutine.
func (p *Pipeline) Transfer(x float64) float64 {
	t := clamp01(x)
	if p == nil {
		return t
	}
	for i := range p.stages {
		s := &p.stages[i]
		switch s.Kind {
		case StageCurve:
			t = lookup(s.lut[:], t)
		case StageTorqueCap:
			t = capTorque(t, s.coef)
		}
	}
	t = clamp01(t)
	if p.response != nil {
		t = p.response.Lookup(t)
	}
	return t
}

// Reset zeroes all stage state.
func (p *Pipeline) Reset() {
	if p == nil {
		return
	}
	clear(p.arena)
}

// Fingerprint identifies the configuration the pipeline was compiled from.
func (p *Pipeline) Fingerprint() uint64 {
	if p == nil {
		return 0
	}
	return p.fingerprint
}

// Len returns the number of compiled stages.
func (p *Pipeline) Len() int {
	if p == nil {
		return 0
	}
	return len(p.stages)
}

// StateSize returns the arena size in bytes.
func (p *Pipeline) StateSize() int {
	if p == nil {
		return 0
	}
	return len(p.arena)
}

// Kinds returns the stage kinds in execution order.
func (p *Pipeline) Kinds() []StageKind {
	if p == nil {
		return nil
	}
	out := make([]StageKind, len(p.stages))
	for i, s := range p.stages {
		out[i] = s.Kind
	}
	return out
}

// Config returns a copy of the configuration the pipeline was compiled from.
func (p *Pipeline) Config() FilterConfig {
	if p == nil {
		return FilterConfig{}
	}
	return p.config.Clone()
}

// Snapshot describes a pipeline for status output.
type Snapshot struct {
	StageCount    int       `json:"stage_count"`
	Stages        []string  `json:"stages"`
	StateBytes    int       `json:"state_bytes"`
	Fingerprint   string    `json:"fingerprint"`
	ResponseCurve CurveKind `json:"response_curve,omitempty"`
}

// Snapshot reads only immutable fields and is safe from any goroutine.
func (p *Pipeline) Snapshot() Snapshot {
	if p == nil {
		return Snapshot{}
	}
	s := Snapshot{
		StageCount:  len(p.stages),
		Stages:      make([]string, len(p.stages)),
		StateBytes:  len(p.arena),
		Fingerprint: fmt.Sprintf("%016x", p.fingerprint),
	}
	for i, st := range p.stages {
		s.Stages[i] = st.Kind.String()
	}
	if p.response != nil {
		s.ResponseCurve = p.response.Kind()
	}
	return s
}
