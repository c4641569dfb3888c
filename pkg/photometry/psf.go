/*
Extracted from HocusFocus plugin by George Hilios.
Original Copyright © 2021 George Hilios <ghilios+NINA@googlemail.com>
Licensed under Mozilla Public License 2.0.
Ported to Go.
*/

package photometry

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"astrophot/pkg/failure"
	"astrophot/pkg/imaging"
	"astrophot/pkg/lsq"
)

var sigmaToFWHM = 2.0 * math.Sqrt(2.0*math.Log(2.0))

// PSFResult is a rotated elliptical Gaussian fitted to a source.
type PSFResult struct {
	X, Y         float64
	Amplitude    float64
	Background   float64
	SigmaX       float64 // major axis
	SigmaY       float64 // minor axis
	FWHMx        float64
	FWHMy        float64
	FWHM         float64 // geometric mean of FWHMx and FWHMy
	Angle        float64 // major axis, degrees in (-90, 90]
	Eccentricity float64
	RSquared     float64
}

func (p PSFResult) String() string {
	return fmt.Sprintf("{X=%f, Y=%f, Amplitude=%f, Background=%f, FWHM=(%f,%f), Angle=%f, Eccentricity=%f, RSquared=%f}",
		p.X, p.Y, p.Amplitude, p.Background, p.FWHMx, p.FWHMy, p.Angle, p.Eccentricity, p.RSquared)
}

// FitPSF fits B + A*exp(-(X^2/2U^2 + Y^2/2V^2)) with (X, Y) the offsets from
// the centre rotated by theta, over the square of half size radius around
// (x, y).
func FitPSF(s *imaging.Sampler, x, y, radius float64) (PSFResult, error) {
	if !(radius > 0) {
		return PSFResult{}, fmt.Errorf("psf radius %v: %w", radius, failure.ErrInput)
	}
	x0, y0, x1, y1, ok := s.Window(x, y, radius)
	if !ok {
		return PSFResult{}, fmt.Errorf("psf window at (%.2f, %.2f) is off the image: %w", x, y, failure.ErrGeometry)
	}

	var inputs [][]float64
	var outputs []float64
	lo, hi := math.Inf(1), math.Inf(-1)
	for iy := y0; iy <= y1; iy++ {
		for ix := x0; ix <= x1; ix++ {
			v, _ := s.ValueAt(ix, iy)
			if math.IsNaN(v) {
				continue
			}
			inputs = append(inputs, []float64{s.Coord(ix) - x, s.Coord(iy) - y})
			outputs = append(outputs, v)
			lo, hi = min(lo, v), max(hi, v)
		}
	}
	if len(inputs) < 7 {
		return PSFResult{}, fmt.Errorf("%d pixels for a 7 parameter psf: %w", len(inputs), failure.ErrGeometry)
	}

	start := []float64{hi - lo, lo, 0, 0, radius / 3, radius / 3, 0}
	lower := []float64{0, math.Inf(-1), -radius / 2, -radius / 2, 0.05, 0.05, -math.Pi / 2}
	upper := []float64{math.Inf(1), math.Inf(1), radius / 2, radius / 2, 2 * radius, 2 * radius, math.Pi / 2}

	p := levenbergMarquardt(inputs, outputs, start, lower, upper, 1e-10, 200)
	sigX, sigY := p[4], p[5]
	if math.IsNaN(sigX) || math.IsNaN(sigY) || math.IsNaN(p[0]) {
		return PSFResult{}, fmt.Errorf("psf fit at (%.2f, %.2f): %w", x, y, failure.ErrConvergence)
	}

	theta := euclidianModulus(p[6], math.Pi)
	if theta > math.Pi/2.0 {
		theta -= math.Pi
	}
	if sigY > sigX {
		if theta < 0 {
			theta += math.Pi / 2.0
		} else {
			theta -= math.Pi / 2.0
		}
		sigX, sigY = sigY, sigX
	}

	res := PSFResult{
		X:          x + p[2],
		Y:          y + p[3],
		Amplitude:  p[0],
		Background: p[1],
		SigmaX:     sigX,
		SigmaY:     sigY,
		FWHMx:      sigX * sigmaToFWHM,
		FWHMy:      sigY * sigmaToFWHM,
		Angle:      theta * 180 / math.Pi,
		RSquared:   computeRSquared(inputs, outputs, p),
	}
	res.FWHM = math.Sqrt(res.FWHMx * res.FWHMy)
	res.Eccentricity = math.Sqrt(1 - (sigY*sigY)/(sigX*sigX))
	return res, nil
}

func euclidianModulus(x, y float64) float64 {
	return math.Mod(math.Mod(x, y)+y, y)
}

func gaussianValue(p, input []float64) float64 {
	A, B := p[0], p[1]
	x, y := input[0], input[1]
	x0, y0 := p[2], p[3]
	U, V, T := p[4], p[5], p[6]

	cosT, sinT := math.Cos(T), math.Sin(T)
	X := (x-x0)*cosT + (y-y0)*sinT
	Y := -(x-x0)*sinT + (y-y0)*cosT
	E := X*X/(2*U*U) + Y*Y/(2*V*V)
	return B + A*math.Exp(-E)
}

func gaussianGradient(p, input, grad []float64) {
	A := p[0]
	x, y := input[0], input[1]
	x0, y0 := p[2], p[3]
	U, V, T := p[4], p[5], p[6]

	cosT, sinT := math.Cos(T), math.Sin(T)
	X := (x-x0)*cosT + (y-y0)*sinT
	Y := -(x-x0)*sinT + (y-y0)*cosT
	U2, V2 := U*U, V*V
	eE := math.Exp(-(X*X/(2*U2) + Y*Y/(2*V2)))

	grad[0] = eE
	grad[1] = 1.0
	grad[2] = A * (cosT*X/U2 - sinT*Y/V2) * eE
	grad[3] = A * (sinT*X/U2 + cosT*Y/V2) * eE
	grad[4] = A * X * X / (U2 * U) * eE
	grad[5] = A * Y * Y / (V2 * V) * eE
	grad[6] = A * X * Y * (1.0/V2 - 1.0/U2) * eE
}

func computeRSquared(inputs [][]float64, outputs, p []float64) float64 {
	yBar := 0.0
	for _, o := range outputs {
		yBar += o
	}
	yBar /= float64(len(outputs))

	tss, rss := 0.0, 0.0
	for i := range inputs {
		res := gaussianValue(p, inputs[i]) - outputs[i]
		disp := outputs[i] - yBar
		rss += res * res
		tss += disp * disp
	}
	if tss > 0 {
		return 1.0 - rss/tss
	}
	return 0.0
}

// levenbergMarquardt minimises the squared residuals of the Gaussian model
// within box bounds. The damping is scaled by the diagonal of J^T J, with a
// floor so that parameters the data does not yet constrain stay solvable.
func levenbergMarquardt(inputs [][]float64, outputs, x0, lower, upper []float64, tolerance float64, maxIter int) []float64 {
	n, m := len(x0), len(inputs)
	clamp := func(dst, v []float64) {
		for j := range dst {
			dst[j] = min(max(v[j], lower[j]), upper[j])
		}
	}
	x := make([]float64, n)
	clamp(x, x0)

	jac := mat.NewDense(m, n, nil)
	res := mat.NewVecDense(m, nil)
	row := make([]float64, n)
	linearize := func() float64 {
		for k, in := range inputs {
			res.SetVec(k, gaussianValue(x, in)-outputs[k])
			gaussianGradient(x, in, row)
			jac.SetRow(k, row)
		}
		return mat.Dot(res, res)
	}
	cost := linearize()

	jtj := mat.NewSymDense(n, nil)
	damped := mat.NewSymDense(n, nil)
	var grad mat.VecDense
	rhs := make([]float64, n)
	trial := make([]float64, n)
	lambda, nu := 1e-3, 2.0
	for iter := 0; iter < maxIter; iter++ {
		jtj.SymOuterK(1, jac.T())
		grad.MulVec(jac.T(), res)
		if mat.Norm(&grad, 2) < tolerance*cost {
			break
		}
		floor := 0.0
		for i := 0; i < n; i++ {
			floor = max(floor, jtj.At(i, i))
		}
		floor = max(floor*1e-9, 1e-300)

		accepted := false
		for tries := 0; tries < 20 && !accepted; tries++ {
			damped.CopySym(jtj)
			for i := 0; i < n; i++ {
				d := jtj.At(i, i)
				damped.SetSym(i, i, d+lambda*max(d, floor))
				rhs[i] = -grad.AtVec(i)
			}
			dx, err := lsq.SolveSquare(damped, rhs)
			if err != nil {
				lambda *= nu
				continue
			}
			for j := range trial {
				trial[j] = x[j] + dx[j]
			}
			clamp(trial, trial)
			trialCost := 0.0
			for k, in := range inputs {
				r := gaussianValue(trial, in) - outputs[k]
				trialCost += r * r
			}

			if trialCost >= cost {
				lambda *= nu
				nu *= 2
				if lambda > 1e16 {
					return x
				}
				continue
			}
			improvement := (cost - trialCost) / cost
			copy(x, trial)
			cost = linearize()
			lambda = max(lambda/3, 1e-15)
			nu = 2
			if improvement < tolerance {
				return x
			}
			accepted = true
		}
		if !accepted {
			break
		}
	}
	return x
}
