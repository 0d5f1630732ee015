package pipeline

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("invalid filter config")

// ConfigError describes one invalid field.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *ConfigError) Unwrap() error { return ErrInvalidConfig }

// Limits accepted by Validate.
const (
	MaxReconstruction = 8
	MaxNotchHz        = 500
	MaxNotchQ         = 20
	MinNotchGainDB    = -60
	MaxHandsOffSecs   = 60
)

// validator collects every failure instead of stopping at the first.
type validator struct {
	errs []error
}

func (v *validator) failf(field, format string, args ...interface{}) {
	v.errs = append(v.errs, &ConfigError{Field: field, Reason: fmt.Sprintf(format, args...)})
}

// finite reports whether x is usable and records a failure if not.
func (v *validator) finite(field string, x float64) bool {
	if math.IsNaN(x) || math.IsInf(x, 0) {
		v.failf(field, "must be finite, got %v", x)
		return false
	}
	return true
}

func (v *validator) unit(field string, x float64) {
	if !v.finite(field, x) {
		return
	}
	if x < 0 || x > 1 {
		v.failf(field, "must be in [0,1], got %v", x)
	}
}

// Validate checks cfg without modifying it. The returned error joins one
// *ConfigError per invalid field; errors.Is(err, ErrInvalidConfig) holds for
// any non-nil result.
func Validate(cfg FilterConfig) error {
	var v validator

	if cfg.Reconstruction > MaxReconstruction {
		v.failf("reconstruction", "must be 0..%d, got %d", MaxReconstruction, cfg.Reconstruction)
	}
	v.unit("friction", cfg.Friction)
	v.unit("damper", cfg.Damper)
	v.unit("inertia", cfg.Inertia)
	v.unit("slew_rate", cfg.SlewRate)
	v.unit("torque_cap", cfg.TorqueCap)

	for i, n := range cfg.NotchFilters {
		field := fmt.Sprintf("notch_filters[%d]", i)
		if v.finite(field+".hz", n.Hz) && (n.Hz <= 0 || n.Hz > MaxNotchHz) {
			v.failf(field+".hz", "must be in (0,%d], got %v", MaxNotchHz, n.Hz)
		}
		if v.finite(field+".q", n.Q) && (n.Q <= 0 || n.Q > MaxNotchQ) {
			v.failf(field+".q", "must be in (0,%d], got %v", MaxNotchQ, n.Q)
		}
		if v.finite(field+".gain_db", n.GainDB) && (n.GainDB < MinNotchGainDB || n.GainDB > 0) {
			v.failf(field+".gain_db", "must be in [%d,0], got %v", MinNotchGainDB, n.GainDB)
		}
	}

	validateCurvePoints(&v, cfg.CurvePoints)

	if b := cfg.Bumpstop; b.Enabled {
		startOK := v.finite("bumpstop.start_angle", b.StartAngle)
		maxOK := v.finite("bumpstop.max_angle", b.MaxAngle)
		if startOK && b.StartAngle <= 0 {
			v.failf("bumpstop.start_angle", "must be > 0, got %v", b.StartAngle)
		}
		if startOK && maxOK && b.MaxAngle <= b.StartAngle {
			v.failf("bumpstop.max_angle", "must exceed start_angle %v, got %v", b.StartAngle, b.MaxAngle)
		}
		v.unit("bumpstop.stiffness", b.Stiffness)
		v.unit("bumpstop.damping", b.Damping)
	}

	if h := cfg.HandsOff; h.Enabled {
		if v.finite("hands_off.threshold", h.Threshold) && (h.Threshold <= 0 || h.Threshold > 1) {
			v.failf("hands_off.threshold", "must be in (0,1], got %v", h.Threshold)
		}
		if v.finite("hands_off.timeout_seconds", h.TimeoutSeconds) &&
			(h.TimeoutSeconds <= 0 || h.TimeoutSeconds > MaxHandsOffSecs) {
			v.failf("hands_off.timeout_seconds", "must be in (0,%d], got %v", MaxHandsOffSecs, h.TimeoutSeconds)
		}
	}

	if cfg.Response != nil {
		validateResponse(&v, *cfg.Response)
	}

	return errors.Join(v.errs...)
}

func validateCurvePoints(v *validator, pts []CurvePoint) {
	if len(pts) < 2 {
		v.failf("curve_points", "need at least 2 points, got %d", len(pts))
		return
	}
	ok := true
	for i, p := range pts {
		field := fmt.Sprintf("curve_points[%d]", i)
		inOK := v.finite(field+".input", p.Input)
		if v.finite(field+".output", p.Output) && (p.Output < 0 || p.Output > 1) {
			v.failf(field+".output", "must be in [0,1], got %v", p.Output)
		}
		if !inOK {
			ok = false
			continue
		}
		if i > 0 && ok && p.Input <= pts[i-1].Input {
			v.failf(field+".input", "inputs must be strictly increasing, %v follows %v", p.Input, pts[i-1].Input)
		}
	}
	if !ok {
		return
	}
	if first := pts[0].Input; first != 0 {
		v.failf("curve_points[0].input", "must be 0, got %v", first)
	}
	if last := pts[len(pts)-1].Input; last != 1 {
		v.failf(fmt.Sprintf("curve_points[%d].input", len(pts)-1), "must be 1, got %v", last)
	}
}

func validateResponse(v *validator, r ResponseCurve) {
	switch r.Kind {
	case CurveLinear:
	case CurveExponential:
		if v.finite("response_curve.exponent", r.Exponent) && r.Exponent <= 0 {
			v.failf("response_curve.exponent", "must be > 0, got %v", r.Exponent)
		}
	case CurveLogarithmic:
		if v.finite("response_curve.base", r.Base) && r.Base <= 1 {
			v.failf("response_curve.base", "must be > 1, got %v", r.Base)
		}
	case CurveBezier:
		for i, p := range r.Control {
			v.unit(fmt.Sprintf("response_curve.control[%d].input", i), p.Input)
			v.unit(fmt.Sprintf("response_curve.control[%d].output", i), p.Output)
		}
	default:
		v.failf("response_curve.kind", "unknown kind %q", r.Kind)
	}
}
