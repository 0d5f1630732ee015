package pipeline

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/interp"
)

// Table sizes. Both tables span inputs [0,1] evenly, endpoints included.
const (
	CurveLUTSize    = 1024
	ResponseLUTSize = 256
)

// buildCurveLUT samples the curve through pts into dst. Three or more points
// use a monotone cubic so the shaped curve never overshoots between points;
// two points are joined by a straight line. Callers validate pts first.
func buildCurveLUT(pts []CurvePoint, dst []float64) error {
	xs := make([]float64, len(pts))
	ys := make([]float64, len(pts))
	for i, p := range pts {
		xs[i], ys[i] = p.Input, p.Output
	}

	var fp interp.FittablePredictor
	if len(pts) >= 3 {
		fp = &interp.FritschButland{}
	} else {
		fp = &interp.PiecewiseLinear{}
	}
	if err := fp.Fit(xs, ys); err != nil {
		return fmt.Errorf("failed to fit curve: %w", err)
	}

	last := float64(len(dst) - 1)
	for i := range dst {
		dst[i] = clamp01(fp.Predict(float64(i) / last))
	}
	return nil
}

// isIdentityCurve reports whether every point lies on output == input.
func isIdentityCurve(pts []CurvePoint) bool {
	for _, p := range pts {
		if p.Input != p.Output {
			return false
		}
	}
	return true
}

// lookup interpolates table at x in [0,1].
func lookup(table []float64, x float64) float64 {
	x = clamp01(x)
	scaled := x * float64(len(table)-1)
	lo := int(scaled)
	if lo >= len(table)-1 {
		return table[len(table)-1]
	}
	frac := scaled - float64(lo)
	return table[lo] + frac*(table[lo+1]-table[lo])
}

func clamp01(x float64) float64 {
	if x <= 0 || math.IsNaN(x) {
		return 0
	}
	if x >= 1 {
		return 1
	}
	return x
}

// ResponseLUT is a precomputed response curve, safe to use on the RT path.
type ResponseLUT struct {
	kind  CurveKind
	table [ResponseLUTSize]float64
}

// NewResponseLUT samples c into a table. c must already be valid.
func NewResponseLUT(c ResponseCurve) *ResponseLUT {
	l := &ResponseLUT{kind: c.Kind}
	for i := range l.table {
		l.table[i] = c.Evaluate(float64(i) / (ResponseLUTSize - 1))
	}
	return l
}

// Kind returns the curve family the table was built from.
func (l *ResponseLUT) Kind() CurveKind { return l.kind }

// Lookup maps a magnitude in [0,1] through the table.
func (l *ResponseLUT) Lookup(x float64) float64 {
	return lookup(l.table[:], x)
}

// Evaluate computes the curve directly. Bezier evaluation iterates, so the RT
// path uses a ResponseLUT instead.
func (c ResponseCurve) Evaluate(x float64) float64 {
	x = clamp01(x)
	switch c.Kind {
	case CurveExponential:
		return clamp01(math.Pow(x, c.Exponent))
	case CurveLogarithmic:
		if x == 0 || x == 1 {
			return x
		}
		return clamp01(math.Log(1+x*(c.Base-1)) / math.Log(c.Base))
	case CurveBezier:
		return bezierMap(c.Control, x)
	default:
		return x
	}
}

func bezierPoint(p [4]CurvePoint, t float64) (x, y float64) {
	mt := 1 - t
	a, b, c, d := mt*mt*mt, 3*mt*mt*t, 3*mt*t*t, t*t*t
	x = a*p[0].Input + b*p[1].Input + c*p[2].Input + d*p[3].Input
	y = a*p[0].Output + b*p[1].Output + c*p[2].Output + d*p[3].Output
	return x, y
}

func bezierDX(p [4]CurvePoint, t float64) float64 {
	mt := 1 - t
	d0 := p[1].Input - p[0].Input
	d1 := p[2].Input - p[1].Input
	d2 := p[3].Input - p[2].Input
	return 3 * (mt*mt*d0 + 2*mt*t*d1 + t*t*d2)
}

// bezierMap solves x(t) = x by Newton iteration and returns y(t).
func bezierMap(p [4]CurvePoint, x float64) float64 {
	const (
		maxIter = 8
		eps     = 1e-9
	)
	t := x
	for i := 0; i < maxIter; i++ {
		bx, _ := bezierPoint(p, t)
		diff := bx - x
		if math.Abs(diff) < eps {
			break
		}
		dx := bezierDX(p, t)
		if math.Abs(dx) < eps {
			break
		}
		t = clamp01(t - diff/dx)
	}
	_, y := bezierPoint(p, t)
	return clamp01(y)
}
