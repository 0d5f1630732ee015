package pipeline

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"math"
)

const stateAlign = 8

// Compile validates cfg and builds a ready-to-run pipeline. Stages run in a
// fixed order and a stage whose settings are neutral is left out:
//
//	reconstruction, friction, damper, inertia, notch..., slew, curve,
//	torque cap, bumpstop, hands-off
func Compile(cfg FilterConfig) (*Pipeline, error) {
	if err := Validate(cfg); err != nil {
		return nil, err
	}

	var b builder
	if cfg.Reconstruction > 0 {
		b.add(Stage{Kind: StageReconstruction, coef: reconstructionAlpha[cfg.Reconstruction]})
	}
	if cfg.Friction > 0 {
		b.add(Stage{Kind: StageFriction, coef: cfg.Friction})
	}
	if cfg.Damper > 0 {
		b.add(Stage{Kind: StageDamper, coef: cfg.Damper})
	}
	if cfg.Inertia > 0 {
		b.add(Stage{Kind: StageInertia, coef: cfg.Inertia})
	}
	for _, n := range cfg.NotchFilters {
		b.add(Stage{Kind: StageNotch, bq: peakingCut(n.Hz, n.Q, n.GainDB)})
	}
	if cfg.SlewRate < 1 {
		b.add(Stage{Kind: StageSlew, coef: cfg.SlewRate * tickSeconds})
	}
	if !isIdentityCurve(cfg.CurvePoints) {
		lut := new([CurveLUTSize]float64)
		if err := buildCurveLUT(cfg.CurvePoints, lut[:]); err != nil {
			return nil, err
		}
		b.add(Stage{Kind: StageCurve, lut: lut})
	}
	if cfg.TorqueCap < 1 {
		b.add(Stage{Kind: StageTorqueCap, coef: cfg.TorqueCap})
	}
	if cfg.Bumpstop.Enabled {
		b.add(Stage{Kind: StageBumpstop, bump: cfg.Bumpstop})
	}
	if cfg.HandsOff.Enabled {
		b.add(Stage{
			Kind:         StageHandsOff,
			threshold:    cfg.HandsOff.Threshold,
			timeoutTicks: math.Max(1, math.Round(cfg.HandsOff.TimeoutSeconds*SampleRateHz)),
		})
	}

	p := &Pipeline{
		stages:      b.stages,
		arena:       make([]byte, b.size),
		fingerprint: Fingerprint(cfg),
		config:      cfg.Clone(),
	}
	if cfg.Response != nil {
		p.response = NewResponseLUT(*cfg.Response)
	}
	diagf("compiled %d stages, %d state bytes, fingerprint %016x", len(p.stages), len(p.arena), p.fingerprint)
	return p, nil
}

// MustCompile is Compile for configurations known to be valid, such as
// DefaultFilterConfig. It panics on error.
func MustCompile(cfg FilterConfig) *Pipeline {
	p, err := Compile(cfg)
	if err != nil {
		panic(fmt.Sprintf("pipeline: %v", err))
	}
	return p
}

// builder lays stage state out in the arena.
type builder struct {
	stages []Stage
	size   int
}

func (b *builder) add(s Stage) {
	off := (b.size + stateAlign - 1) &^ (stateAlign - 1)
	s.offset = off
	s.size = s.Kind.stateSlots() * 8
	b.size = off + s.size
	b.stages = append(b.stages, s)
}

// Fingerprint hashes a canonical encoding of cfg with 64-bit FNV-1a. Equal
// configurations always share a fingerprint; -0 and +0 hash differently.
func Fingerprint(cfg FilterConfig) uint64 {
	h := fnv.New64a()
	var buf [8]byte
	f := func(v float64) {
		binary.LittleEndian.PutUint64(buf[:], math.Float64bits(v))
		h.Write(buf[:])
	}
	u := func(v uint64) {
		binary.LittleEndian.PutUint64(buf[:], v)
		h.Write(buf[:])
	}
	flag := func(b bool) {
		if b {
			u(1)
		} else {
			u(0)
		}
	}

	u(uint64(cfg.Reconstruction))
	f(cfg.Friction)
	f(cfg.Damper)
	f(cfg.Inertia)
	u(uint64(len(cfg.NotchFilters)))
	for _, n := range cfg.NotchFilters {
		f(n.Hz)
		f(n.Q)
		f(n.GainDB)
	}
	f(cfg.SlewRate)
	u(uint64(len(cfg.CurvePoints)))
	for _, p := range cfg.CurvePoints {
		f(p.Input)
		f(p.Output)
	}
	f(cfg.TorqueCap)

	flag(cfg.Bumpstop.Enabled)
	f(cfg.Bumpstop.StartAngle)
	f(cfg.Bumpstop.MaxAngle)
	f(cfg.Bumpstop.Stiffness)
	f(cfg.Bumpstop.Damping)

	flag(cfg.HandsOff.Enabled)
	f(cfg.HandsOff.Threshold)
	f(cfg.HandsOff.TimeoutSeconds)

	flag(cfg.Response != nil)
	if r := cfg.Response; r != nil {
		u(uint64(len(r.Kind)))
		h.Write([]byte(r.Kind))
		f(r.Exponent)
		f(r.Base)
		for _, p := range r.Control {
			f(p.Input)
			f(p.Output)
		}
	}
	return h.Sum64()
}
