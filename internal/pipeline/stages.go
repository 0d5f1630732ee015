package pipeline

import (
	"encoding/binary"
	"math"
)

// Sample rate every stage is tuned for.
const (
	SampleRateHz = 1000
	tickSeconds  = 1.0 / SampleRateHz
)

// StageKind tags the variant held by a Stage.
type StageKind uint8

const (
	StageReconstruction StageKind = iota + 1
	StageFriction
	StageDamper
	StageInertia
	StageNotch
	StageSlew
	StageCurve
	StageTorqueCap
	StageBumpstop
	StageHandsOff
)

var stageNames = [...]string{
	StageReconstruction: "reconstruction",
	StageFriction:       "friction",
	StageDamper:         "damper",
	StageInertia:        "inertia",
	StageNotch:          "notch",
	StageSlew:           "slew",
	StageCurve:          "curve",
	StageTorqueCap:      "torque_cap",
	StageBumpstop:       "bumpstop",
	StageHandsOff:       "hands_off",
}

func (k StageKind) String() string {
	if int(k) < len(stageNames) && stageNames[k] != "" {
		return stageNames[k]
	}
	return "unknown"
}

// stateSlots is the number of float64 state slots each kind keeps in the
// arena.
func (k StageKind) stateSlots() int {
	switch k {
	case StageReconstruction, StageInertia, StageSlew, StageBumpstop:
		return 1
	case StageNotch:
		return 4 // x1, x2, y1, y2
	case StageHandsOff:
		return 2 // quiet tick count, previous torque
	default:
		return 0
	}
}

// reconstructionAlpha is the smoothing weight per level.
var reconstructionAlpha = [MaxReconstruction + 1]float64{1, 0.5, 0.3, 0.2, 0.1, 0.05, 0.03, 0.02, 0.01}

// biquad holds normalized direct form I coefficients.
type biquad struct {
	b0, b1, b2, a1, a2 float64
}

// peakingCut returns RBJ peaking EQ coefficients for a cut of gainDB at hz.
func peakingCut(hz, q, gainDB float64) biquad {
	w := 2 * math.Pi * hz / SampleRateHz
	sin, cos := math.Sincos(w)
	alpha := sin / (2 * q)
	a := math.Pow(10, gainDB/40)

	a0 := 1 + alpha/a
	return biquad{
		b0: (1 + alpha*a) / a0,
		b1: -2 * cos / a0,
		b2: (1 - alpha*a) / a0,
		a1: -2 * cos / a0,
		a2: (1 - alpha/a) / a0,
	}
}

// Stage is one compiled filter. Kind selects which parameter fields apply.
type Stage struct {
	Kind StageKind

	offset int // byte offset of the state slots in the arena
	size   int // byte length of the state slots

	coef float64 // alpha, gain, slew step, or torque cap
	bq   biquad
	bump BumpstopConfig
	// hands-off
	threshold    float64
	timeoutTicks float64

	lut *[CurveLUTSize]float64
}

func slot(state []byte, i int) float64 {
	return math.Float64frombits(binary.LittleEndian.Uint64(state[i*8:]))
}

func setSlot(state []byte, i int, v float64) {
	binary.LittleEndian.PutUint64(state[i*8:], math.Float64bits(v))
}

func sign(x float64) float64 {
	switch {
	case x > 0:
		return 1
	case x < 0:
		return -1
	default:
		return 0
	}
}

// apply runs one stage over f with its state slice.
func (s *Stage) apply(f *Frame, state []byte) {
	switch s.Kind {
	case StageReconstruction:
		prev := slot(state, 0)
		out := prev + s.coef*(f.FFBIn-prev)
		setSlot(state, 0, out)
		f.TorqueOut = out

	case StageFriction:
		speed := f.WheelSpeed
		if math.Abs(speed) < 1e-6 {
			return
		}
		f.TorqueOut -= sign(speed) * s.coef * (1 - math.Min(0.1*math.Abs(speed), 0.8))

	case StageDamper:
		speed := f.WheelSpeed
		f.TorqueOut -= speed * s.coef * (1 + math.Min(0.2*math.Abs(speed), 0.5))

	case StageInertia:
		prev := slot(state, 0)
		f.TorqueOut -= (f.WheelSpeed - prev) * s.coef
		setSlot(state, 0, f.WheelSpeed)

	case StageNotch:
		x1, x2 := slot(state, 0), slot(state, 1)
		y1, y2 := slot(state, 2), slot(state, 3)
		x := f.TorqueOut
		y := s.bq.b0*x + s.bq.b1*x1 + s.bq.b2*x2 - s.bq.a1*y1 - s.bq.a2*y2
		setSlot(state, 0, x)
		setSlot(state, 1, x1)
		setSlot(state, 2, y)
		setSlot(state, 3, y1)
		f.TorqueOut = y

	case StageSlew:
		prev := slot(state, 0)
		delta := f.TorqueOut - prev
		if delta > s.coef {
			delta = s.coef
		} else if delta < -s.coef {
			delta = -s.coef
		}
		out := prev + delta
		if math.IsNaN(delta) {
			out = prev
		}
		setSlot(state, 0, out)
		f.TorqueOut = out

	case StageCurve:
		t := f.TorqueOut
		f.TorqueOut = sign(t) * lookup(s.lut[:], math.Abs(t))

	case StageTorqueCap:
		f.TorqueOut = capTorque(f.TorqueOut, s.coef)

	case StageBumpstop:
		degPerSec := f.WheelSpeed * 180 / math.Pi
		angle := slot(state, 0) + degPerSec*tickSeconds
		setSlot(state, 0, angle)
		abs := math.Abs(angle)
		if abs <= s.bump.StartAngle {
			return
		}
		pen := (abs - s.bump.StartAngle) / (s.bump.MaxAngle - s.bump.StartAngle)
		pen = math.Max(0, math.Min(1, pen))
		spring := pen * pen * s.bump.Stiffness
		damping := math.Abs(degPerSec) * s.bump.Damping * tickSeconds
		f.TorqueOut -= (spring + damping) * sign(angle)

	case StageHandsOff:
		quiet, last := slot(state, 0), slot(state, 1)
		t := f.TorqueOut
		if math.Abs(t-last) > s.threshold || math.Abs(t) > s.threshold {
			quiet = 0
			f.HandsOff = false
		} else {
			quiet++
			f.HandsOff = quiet >= s.timeoutTicks
		}
		setSlot(state, 0, quiet)
		setSlot(state, 1, t)
	}
}

// capTorque limits t to [-limit, limit]. A non-finite t maps to +limit
// whatever its sign.
func capTorque(t, limit float64) float64 {
	if math.IsNaN(t) || math.IsInf(t, 0) {
		return limit
	}
	return math.Max(-limit, math.Min(limit, t))
}
