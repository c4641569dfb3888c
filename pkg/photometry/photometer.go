package photometry

import (
	"fmt"
	"math"

	"astrophot/pkg/failure"
	"astrophot/pkg/imaging"
)

// fullCoverage is the fraction of the source circle that must fall on the
// image.
const fullCoverage = 1 - 1e-9

// Photometer integrates source flux over circular apertures.
type Photometer struct {
	cfg Config
}

// NewPhotometer returns a Photometer using cfg.
func NewPhotometer(cfg Config) *Photometer {
	return &Photometer{cfg: cfg}
}

// MeasurePhotometry measures the source at (x, y) with radius r and sky
// annulus [r1, r2] using the given detector noise model.
func MeasurePhotometry(s *imaging.Sampler, x, y, r, r1, r2 float64, ccd CCD, cfg Config) (PhotometryResult, error) {
	cfg.CCD = ccd
	return NewPhotometer(cfg).MeasureAperture(s, Aperture{X: x, Y: y, Radius: r, SkyInner: r1, SkyOuter: r2})
}

// Measure measures the configured aperture centred at (x, y).
func (p *Photometer) Measure(s *imaging.Sampler, x, y float64) (PhotometryResult, error) {
	return p.MeasureAperture(s, p.cfg.Aperture(x, y))
}

// MeasureAperture measures ap at its stated position. The source circle must
// lie entirely on the image.
func (p *Photometer) MeasureAperture(s *imaging.Sampler, ap Aperture) (PhotometryResult, error) {
	if err := ap.Validate(); err != nil {
		return PhotometryResult{}, err
	}
	if err := p.cfg.validate(); err != nil {
		return PhotometryResult{}, err
	}
	if math.IsNaN(ap.X) || math.IsNaN(ap.Y) {
		return PhotometryResult{}, fmt.Errorf("aperture centre (%v, %v): %w", ap.X, ap.Y, failure.ErrInput)
	}

	res, err := p.integrate(s, ap, p.cfg.Calibration)
	if err != nil {
		return res, err
	}
	if p.cfg.Calibration != nil {
		raw, err := p.integrate(s, ap, nil)
		if err != nil {
			return res, err
		}
		res.RawSource = raw.Source
		res.RawBackground = raw.Background
		res.Saturated = raw.Saturated
		res.Calibrated = true
	} else {
		res.RawSource = res.Source
		res.RawBackground = res.Background
	}

	res.Error = p.sourceError(res)
	if res.Error > 0 {
		res.SNR = res.Source / res.Error
	}
	return res, nil
}

// integrate measures sky and source on values passed through cal.
func (p *Photometer) integrate(s *imaging.Sampler, ap Aperture, cal Calibration) (PhotometryResult, error) {
	o := skyOptions{
		model:      p.cfg.Background,
		sigma:      p.cfg.RejectSigma,
		iterations: p.cfg.RejectIterations,
		minPixels:  p.cfg.MinSkyPixels,
		cal:        cal,
	}
	if p.cfg.RejectOutliers {
		o.reject = rejectUpper
	}
	bg, err := estimateSky(s, ap.X, ap.Y, ap.SkyInner, ap.SkyOuter, o)
	if err != nil {
		return PhotometryResult{}, err
	}

	pix, coverage := aperturePixels(s, ap.X, ap.Y, ap.Radius, cal)
	if coverage < fullCoverage {
		return PhotometryResult{}, fmt.Errorf("aperture at (%.2f, %.2f) r=%g is %.1f%% on the image: %w",
			ap.X, ap.Y, ap.Radius, 100*coverage, failure.ErrGeometry)
	}

	res := PhotometryResult{
		Background:  bg.at(ap.X, ap.Y),
		Peak:        math.Inf(-1),
		NSky:        bg.n,
		SkyVariance: bg.variance,
	}
	for _, px := range pix {
		d := px.v - bg.at(px.x, px.y)
		res.Source += px.w * d
		res.NSource += px.w
		res.Peak = max(res.Peak, d)
		if p.cfg.SaturationWarning > 0 && cal == nil && px.v >= p.cfg.SaturationWarning {
			res.Saturated = true
		}
	}
	return res, nil
}

// sourceError propagates photon, detector and sky noise:
// err^2 = F*g + N*(rn^2 + dark) + (N^2/Nsky)*skyVar*g.
func (p *Photometer) sourceError(r PhotometryResult) float64 {
	ccd := p.cfg.CCD
	gain := ccd.Gain
	if !(gain > 0) {
		gain = 1
	}
	e2 := max(r.Source, 0) * gain
	e2 += r.NSource * (ccd.ReadNoise*ccd.ReadNoise + ccd.Dark)
	if r.NSky > 0 {
		e2 += r.NSource * r.NSource / float64(r.NSky) * r.SkyVariance * gain
	}
	return math.Sqrt(e2)
}
