package lsq

import (
	"fmt"
	"math"

	"golang.org/x/image/math/f64"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"astrophot/pkg/failure"
)

// Coeffs3 holds the coefficients of out = C[0] + C[1]*x + C[2]*y.
type Coeffs3 [3]float64

// Eval evaluates the linear model at (x, y).
func (c Coeffs3) Eval(x, y float64) float64 {
	return c[0] + c[1]*x + c[2]*y
}

// FitLinear3 fits out = c0 + c1*x + c2*y. The intercept is always part of the
// model. w may be nil.
//
// The coordinates are centred and scaled to unit spread before solving, so
// the condition of the system does not depend on where the points lie.
func FitLinear3(x, y, out, w []float64) (Coeffs3, error) {
	n := len(x)
	if len(y) != n || len(out) != n {
		return Coeffs3{}, fmt.Errorf("lsq: coordinate slices of length %d/%d/%d: %w", len(x), len(y), len(out), failure.ErrInput)
	}
	if n == 0 {
		return Coeffs3{}, fmt.Errorf("lsq: no points: %w", failure.ErrInput)
	}
	mx, sx := spread(x)
	my, sy := spread(y)
	a := mat.NewDense(n, 3, nil)
	for i := 0; i < n; i++ {
		a.Set(i, 0, 1)
		a.Set(i, 1, (x[i]-mx)/sx)
		a.Set(i, 2, (y[i]-my)/sy)
	}
	p, err := Solve(a, out, w)
	if err != nil {
		return Coeffs3{}, err
	}
	c1, c2 := p[1]/sx, p[2]/sy
	return Coeffs3{p[0] - c1*mx - c2*my, c1, c2}, nil
}

// spread returns the mean of v and its RMS deviation, or 1 when v is
// constant.
func spread(v []float64) (float64, float64) {
	mean, sd := stat.PopMeanStdDev(v, nil)
	if !(sd > 0) {
		sd = 1
	}
	return mean, sd
}

// FitPlane fits z = a + b*x + c*y. It is FitLinear3 under the name the
// background code uses.
func FitPlane(x, y, z, w []float64) (Coeffs3, error) {
	return FitLinear3(x, y, z, w)
}

// Affine is a 2D affine map stored row-major as
// x' = A[0]*x + A[1]*y + A[2], y' = A[3]*x + A[4]*y + A[5].
type Affine f64.Aff3

// Identity returns the identity map.
func Identity() Affine {
	return Affine{1, 0, 0, 0, 1, 0}
}

// Translation returns the pure shift by (dx, dy).
func Translation(dx, dy float64) Affine {
	return Affine{1, 0, dx, 0, 1, dy}
}

// Apply maps (x, y).
func (a Affine) Apply(x, y float64) (float64, float64) {
	return a[0]*x + a[1]*y + a[2], a[3]*x + a[4]*y + a[5]
}

// Mult composes a after q, so a.Mult(q).Apply(p) == a.Apply(q.Apply(p)).
func (a Affine) Mult(q Affine) Affine {
	return Affine{
		a[0]*q[0] + a[1]*q[3],
		a[0]*q[1] + a[1]*q[4],
		a[0]*q[2] + a[1]*q[5] + a[2],
		a[3]*q[0] + a[4]*q[3],
		a[3]*q[1] + a[4]*q[4],
		a[3]*q[2] + a[4]*q[5] + a[5],
	}
}

// Det is the determinant of the linear part.
func (a Affine) Det() float64 {
	return a[0]*a[4] - a[1]*a[3]
}

// Invert returns the inverse map.
func (a Affine) Invert() (Affine, error) {
	det := a.Det()
	if det == 0 || math.IsNaN(det) {
		return Affine{}, fmt.Errorf("lsq: affine map not invertible: %w", ErrSingular)
	}
	i0, i1 := a[4]/det, -a[1]/det
	i3, i4 := -a[3]/det, a[0]/det
	return Affine{
		i0, i1, -(i0*a[2] + i1*a[5]),
		i3, i4, -(i3*a[2] + i4*a[5]),
	}, nil
}

// Scale returns the mean linear scale factor sqrt(|det|).
func (a Affine) Scale() float64 {
	return math.Sqrt(math.Abs(a.Det()))
}

// RotationDeg returns the rotation angle of the first column in degrees.
func (a Affine) RotationDeg() float64 {
	return math.Atan2(a[3], a[0]) * 180 / math.Pi
}

// FitAffine fits dst = M(src) with two independent 3-parameter models, one per
// output axis, over the same point set.
func FitAffine(src, dst [][2]float64) (Affine, error) {
	if len(src) != len(dst) {
		return Affine{}, fmt.Errorf("lsq: %d source points for %d targets: %w", len(src), len(dst), failure.ErrInput)
	}
	xs, ys := splitPoints(src)
	xd, yd := splitPoints(dst)
	cx, err := FitLinear3(xs, ys, xd, nil)
	if err != nil {
		return Affine{}, fmt.Errorf("lsq: x axis: %w", err)
	}
	cy, err := FitLinear3(xs, ys, yd, nil)
	if err != nil {
		return Affine{}, fmt.Errorf("lsq: y axis: %w", err)
	}
	return Affine{cx[1], cx[2], cx[0], cy[1], cy[2], cy[0]}, nil
}

// FitShift returns the mean translation from src to dst. One point suffices.
func FitShift(src, dst [][2]float64) (Affine, error) {
	if len(src) != len(dst) || len(src) == 0 {
		return Affine{}, fmt.Errorf("lsq: shift needs matching non-empty point sets (%d, %d): %w", len(src), len(dst), failure.ErrInput)
	}
	var dx, dy float64
	for i := range src {
		dx += dst[i][0] - src[i][0]
		dy += dst[i][1] - src[i][1]
	}
	n := float64(len(src))
	return Translation(dx/n, dy/n), nil
}

// AffineRMS is the root mean square distance between M(src) and dst.
func AffineRMS(m Affine, src, dst [][2]float64) float64 {
	if len(src) == 0 {
		return 0
	}
	sum := 0.0
	for i := range src {
		x, y := m.Apply(src[i][0], src[i][1])
		dx, dy := x-dst[i][0], y-dst[i][1]
		sum += dx*dx + dy*dy
	}
	return math.Sqrt(sum / float64(len(src)))
}

func splitPoints(p [][2]float64) ([]float64, []float64) {
	x := make([]float64, len(p))
	y := make([]float64, len(p))
	for i := range p {
		x[i], y[i] = p[i][0], p[i][1]
	}
	return x, y
}
