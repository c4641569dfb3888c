package photometry

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"

	"astrophot/pkg/failure"
	"astrophot/pkg/imaging"
	"astrophot/pkg/lsq"
)

// rejectMode selects which side of the sky distribution is clipped.
type rejectMode int

const (
	rejectNone rejectMode = iota
	rejectSymmetric
	rejectUpper // drops background stars only
)

// sky is an estimated background, evaluable at any position.
type sky struct {
	model    BackgroundModel
	level    float64
	plane    lsq.Coeffs3
	variance float64 // per-pixel variance of the accepted annulus samples
	n        int
}

func (b sky) at(x, y float64) float64 {
	if b.model == BackgroundPlanar {
		return b.plane.Eval(x, y)
	}
	return b.level
}

type skyOptions struct {
	model      BackgroundModel
	reject     rejectMode
	sigma      float64
	iterations int
	minPixels  int
	cal        Calibration
}

// estimateSky collects the in-image pixels whose centres lie within
// [r1, r2] of (cx, cy) and models their level.
func estimateSky(s *imaging.Sampler, cx, cy, r1, r2 float64, o skyOptions) (sky, error) {
	var xs, ys, vs []float64
	x0, y0, x1, y1, ok := s.Window(cx, cy, r2)
	if ok {
		for iy := y0; iy <= y1; iy++ {
			y := s.Coord(iy)
			for ix := x0; ix <= x1; ix++ {
				x := s.Coord(ix)
				d := math.Hypot(x-cx, y-cy)
				if d < r1 || d > r2 {
					continue
				}
				v, _ := s.ValueAt(ix, iy)
				if math.IsNaN(v) {
					continue
				}
				if o.cal != nil {
					v = o.cal.Apply(v)
				}
				xs = append(xs, x)
				ys = append(ys, y)
				vs = append(vs, v)
			}
		}
	}
	minPixels := max(o.minPixels, 1)
	if len(vs) < minPixels {
		return sky{}, fmt.Errorf("%d sky pixels in [%g, %g], need %d: %w", len(vs), r1, r2, minPixels, failure.ErrGeometry)
	}

	if o.model == BackgroundPlanar {
		if o.reject != rejectNone {
			return sky{}, fmt.Errorf("planar background with outlier rejection: %w", failure.ErrInput)
		}
		plane, err := lsq.FitPlane(xs, ys, vs, nil)
		if err != nil {
			return sky{}, fmt.Errorf("sky plane: %w", err)
		}
		resid := make([]float64, len(vs))
		for i := range vs {
			resid[i] = vs[i] - plane.Eval(xs[i], ys[i])
		}
		_, variance := stat.MeanVariance(resid, nil)
		return sky{model: BackgroundPlanar, plane: plane, level: plane.Eval(cx, cy), variance: variance, n: len(vs)}, nil
	}

	kept := clipSamples(vs, o.reject, o.sigma, o.iterations)
	if len(kept) < minPixels {
		return sky{}, fmt.Errorf("%d sky pixels left after rejection, need %d: %w", len(kept), minPixels, failure.ErrGeometry)
	}
	mean, variance := stat.MeanVariance(kept, nil)
	if len(kept) == 1 {
		variance = 0
	}
	return sky{model: BackgroundFlat, level: mean, variance: variance, n: len(kept)}, nil
}

// clipSamples repeatedly drops samples more than k sigma from the mean until
// nothing changes or the iteration limit is reached.
func clipSamples(vs []float64, mode rejectMode, k float64, iterations int) []float64 {
	if mode == rejectNone || iterations <= 0 {
		return vs
	}
	kept := vs
	for iter := 0; iter < iterations && len(kept) > 2; iter++ {
		mean, sd := stat.MeanStdDev(kept, nil)
		next := make([]float64, 0, len(kept))
		for _, v := range kept {
			d := v - mean
			if d > k*sd || (mode == rejectSymmetric && -d > k*sd) {
				continue
			}
			next = append(next, v)
		}
		if len(next) == len(kept) {
			break
		}
		kept = next
	}
	return kept
}
