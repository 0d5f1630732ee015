package pipeline

// NotchFilter attenuates a narrow band around Hz.
type NotchFilter struct {
	Hz     float64 `json:"hz"`
	Q      float64 `json:"q"`
	GainDB float64 `json:"gain_db"`
}

// CurvePoint maps an input magnitude to an output magnitude, both in [0,1].
type CurvePoint struct {
	Input  float64 `json:"input"`
	Output float64 `json:"output"`
}

// BumpstopConfig models the soft end stops of the steering rack. Angles are
// in degrees from center.
type BumpstopConfig struct {
	Enabled    bool    `json:"enabled"`
	StartAngle float64 `json:"start_angle"`
	MaxAngle   float64 `json:"max_angle"`
	Stiffness  float64 `json:"stiffness"`
	Damping    float64 `json:"damping"`
}

// HandsOffConfig flags a wheel that nobody is holding.
type HandsOffConfig struct {
	Enabled        bool    `json:"enabled"`
	Threshold      float64 `json:"threshold"`
	TimeoutSeconds float64 `json:"timeout_seconds"`
}

// CurveKind selects a response curve family.
type CurveKind string

const (
	CurveLinear      CurveKind = "linear"
	CurveExponential CurveKind = "exponential"
	CurveLogarithmic CurveKind = "logarithmic"
	CurveBezier      CurveKind = "bezier"
)

// ResponseCurve reshapes the final torque magnitude after every stage has
// run. Only the parameters of the selected Kind are used.
type ResponseCurve struct {
	Kind     CurveKind `json:"kind"`
	Exponent float64   `json:"exponent,omitempty"` // exponential: x^Exponent, > 0
	Base     float64   `json:"base,omitempty"`     // logarithmic: log_Base(1+x(Base-1)), > 1
	// Control holds the four cubic bezier control points, each in [0,1]^2.
	Control [4]CurvePoint `json:"control"`
}

// FilterConfig is the full description of a pipeline.
type FilterConfig struct {
	// Reconstruction is the input smoothing level, 0 (off) to 8 (heaviest).
	Reconstruction uint8 `json:"reconstruction"`

	Friction float64 `json:"friction"`
	Damper   float64 `json:"damper"`
	Inertia  float64 `json:"inertia"`

	NotchFilters []NotchFilter `json:"notch_filters,omitempty"`

	// SlewRate is the maximum torque change per second in full-scale units.
	// 1 disables the limiter.
	SlewRate float64 `json:"slew_rate"`

	CurvePoints []CurvePoint `json:"curve_points"`
	TorqueCap   float64      `json:"torque_cap"`

	Bumpstop BumpstopConfig `json:"bumpstop"`
	HandsOff HandsOffConfig `json:"hands_off"`

	Response *ResponseCurve `json:"response_curve,omitempty"`
}

// DefaultBumpstop returns the standard end-stop preset.
func DefaultBumpstop() BumpstopConfig {
	return BumpstopConfig{
		Enabled:    true,
		StartAngle: 450,
		MaxAngle:   540,
		Stiffness:  0.8,
		Damping:    0.3,
	}
}

// DefaultHandsOff returns the standard hands-off preset: 5% torque for 5s.
func DefaultHandsOff() HandsOffConfig {
	return HandsOffConfig{
		Enabled:        true,
		Threshold:      0.05,
		TimeoutSeconds: 5,
	}
}

// DefaultFilterConfig returns a pipeline that passes torque through
// unchanged apart from the bumpstop and hands-off detector.
func DefaultFilterConfig() FilterConfig {
	return FilterConfig{
		SlewRate:    1,
		CurvePoints: []CurvePoint{{0, 0}, {1, 1}},
		TorqueCap:   1,
		Bumpstop:    DefaultBumpstop(),
		HandsOff:    DefaultHandsOff(),
	}
}

// Clone returns a deep copy of c.
func (c FilterConfig) Clone() FilterConfig {
	out := c
	out.NotchFilters = append([]NotchFilter(nil), c.NotchFilters...)
	out.CurvePoints = append([]CurvePoint(nil), c.CurvePoints...)
	if c.Response != nil {
		r := *c.Response
		out.Response = &r
	}
	return out
}
