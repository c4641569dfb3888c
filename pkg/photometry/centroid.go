package photometry

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"astrophot/pkg/failure"
	"astrophot/pkg/imaging"
)

// minCentroidPixels is the fewest in-image aperture pixels a centroid needs.
const minCentroidPixels = 3

// Centroid refines source positions and measures their shape.
type Centroid struct {
	cfg Config
}

// NewCentroid returns a Centroid using cfg.
func NewCentroid(cfg Config) *Centroid {
	return &Centroid{cfg: cfg}
}

// MeasureCentroid refines the position of the source seeded at (x0, y0) and
// measures its shape within radius.
func MeasureCentroid(s *imaging.Sampler, x0, y0, radius float64, cfg Config) (CentroidResult, error) {
	return NewCentroid(cfg).Measure(s, x0, y0, radius)
}

func (c *Centroid) skyOptions() skyOptions {
	o := skyOptions{
		model:      c.cfg.Background,
		sigma:      c.cfg.RejectSigma,
		iterations: c.cfg.RejectIterations,
		minPixels:  minCentroidPixels,
	}
	if c.cfg.RejectOutliers {
		o.reject = rejectSymmetric
	}
	return o
}

// Measure runs the centroid state machine: Seeded, Measuring, then
// Converged or Failed.
func (c *Centroid) Measure(s *imaging.Sampler, x0, y0, radius float64) (CentroidResult, error) {
	res := CentroidResult{X: x0, Y: y0, State: Seeded}
	if err := c.cfg.validate(); err != nil {
		return res, err
	}
	if !(radius > 0) || math.IsInf(radius, 0) {
		return res, fmt.Errorf("centroid radius %v: %w", radius, failure.ErrInput)
	}
	if math.IsNaN(x0) || math.IsNaN(y0) {
		return res, fmt.Errorf("centroid seed (%v, %v): %w", x0, y0, failure.ErrInput)
	}
	if !s.Contains(x0, y0) {
		return res, fmt.Errorf("centroid seed (%.2f, %.2f) is off the image: %w", x0, y0, failure.ErrGeometry)
	}

	x, y := x0, y0
	converged := !c.cfg.Reposition
	if c.cfg.Reposition {
		res.State = Measuring
		for res.Iterations < c.cfg.CentroidMaxIter {
			res.Iterations++
			nx, ny, ok, err := c.step(s, x, y, radius)
			if err != nil {
				res.X, res.Y, res.State = x, y, Failed
				return res, err
			}
			if !ok {
				break
			}
			if !s.Contains(nx, ny) {
				res.X, res.Y, res.State = nx, ny, Failed
				return res, fmt.Errorf("centroid walked off the image to (%.2f, %.2f): %w", nx, ny, failure.ErrGeometry)
			}
			shift := math.Hypot(nx-x, ny-y)
			x, y = nx, ny
			if shift < c.cfg.CentroidTolerance {
				converged = true
				break
			}
		}
	}

	res.X, res.Y = x, y
	if err := c.shape(s, radius, &res); err != nil {
		res.State = Failed
		return res, err
	}
	if !converged {
		res.State = Failed
		if c.cfg.Forgiving {
			return res, nil
		}
		return res, fmt.Errorf("centroid at (%.2f, %.2f) after %d iterations: %w", x, y, res.Iterations, failure.ErrConvergence)
	}
	res.State = Converged
	res.Converged = true
	return res, nil
}

// step computes one background-subtracted, coverage-weighted centroid about
// (x, y). ok is false when the aperture holds no positive signal.
func (c *Centroid) step(s *imaging.Sampler, x, y, radius float64) (float64, float64, bool, error) {
	r1, r2 := c.cfg.annulus(radius)
	bg, err := estimateSky(s, x, y, r1, r2, c.skyOptions())
	if err != nil {
		return 0, 0, false, err
	}
	pix, _ := aperturePixels(s, x, y, radius, nil)
	if len(pix) < minCentroidPixels {
		return 0, 0, false, fmt.Errorf("%d aperture pixels on the image: %w", len(pix), failure.ErrGeometry)
	}
	var sw, sx, sy float64
	for _, p := range pix {
		w := p.w * max(p.v-bg.at(p.x, p.y), 0)
		sw += w
		sx += w * p.x
		sy += w * p.y
	}
	if !(sw > 0) {
		return 0, 0, false, nil
	}
	return sx / sw, sy / sw, true, nil
}

// shape fills in the background, moments and variance at res.X, res.Y.
func (c *Centroid) shape(s *imaging.Sampler, radius float64, res *CentroidResult) error {
	r1, r2 := c.cfg.annulus(radius)
	bg, err := estimateSky(s, res.X, res.Y, r1, r2, c.skyOptions())
	if err != nil {
		return err
	}
	pix, _ := aperturePixels(s, res.X, res.Y, radius, nil)
	if len(pix) < minCentroidPixels {
		return fmt.Errorf("%d aperture pixels on the image: %w", len(pix), failure.ErrGeometry)
	}
	res.Background = bg.at(res.X, res.Y)

	var sw, mxx, myy, mxy, cov, sum float64
	for _, p := range pix {
		d := p.v - bg.at(p.x, p.y)
		cov += p.w
		sum += p.w * d
		w := p.w * max(d, 0)
		dx, dy := p.x-res.X, p.y-res.Y
		sw += w
		mxx += w * dx * dx
		myy += w * dy * dy
		mxy += w * dx * dy
	}
	mean := sum / cov
	for _, p := range pix {
		d := p.v - bg.at(p.x, p.y) - mean
		res.Variance += p.w * d * d
	}
	res.Variance /= cov

	if !(sw > 0) {
		return nil
	}
	mxx, myy, mxy = mxx/sw, myy/sw, mxy/sw
	res.XWidth = math.Sqrt(mxx)
	res.YWidth = math.Sqrt(myy)
	res.Angle = 0.5 * math.Atan2(2*mxy, mxx-myy) * 180 / math.Pi
	if res.Angle < 0 {
		// A rounding residue just below zero would land on 360.
		res.Angle = math.Mod(res.Angle+360, 360)
	}
	res.Roundness = roundness(mxx, myy, mxy)
	return nil
}

// roundness is 1 - lambda_min/lambda_max of the second-moment matrix.
func roundness(mxx, myy, mxy float64) float64 {
	var eig mat.EigenSym
	if !eig.Factorize(mat.NewSymDense(2, []float64{mxx, mxy, mxy, myy}), false) {
		return 0
	}
	vals := eig.Values(nil)
	lo, hi := vals[0], vals[1]
	if !(hi > 0) {
		return 0
	}
	return min(max(1-lo/hi, 0), 1)
}
