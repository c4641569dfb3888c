package photometry

import (
	"fmt"
	"math"

	"astrophot/pkg/failure"
	"astrophot/pkg/imaging"
)

// Profile is a background-subtracted radial profile normalised to its peak.
type Profile struct {
	Radius     []float64 // mean pixel distance per bin
	Value      []float64 // mean normalised intensity per bin
	Count      []int
	Background float64
	Peak       float64
	HWHM       float64
	FWHM       float64

	// Apertures suggested from the FWHM.
	SuggestedRadius   float64
	SuggestedSkyInner float64
	SuggestedSkyOuter float64
}

// RadialProfile bins the pixels within ap.SkyOuter of the aperture centre by
// distance, one pixel per bin, after subtracting the sky measured in the
// annulus of ap. The FWHM is found by linear interpolation where the profile
// first drops below half its peak.
func RadialProfile(s *imaging.Sampler, ap Aperture, cfg Config) (Profile, error) {
	if err := ap.Validate(); err != nil {
		return Profile{}, err
	}
	o := skyOptions{
		model:      cfg.Background,
		sigma:      cfg.RejectSigma,
		iterations: cfg.RejectIterations,
		minPixels:  cfg.MinSkyPixels,
	}
	if cfg.RejectOutliers {
		o.reject = rejectUpper
	}
	bg, err := estimateSky(s, ap.X, ap.Y, ap.SkyInner, ap.SkyOuter, o)
	if err != nil {
		return Profile{}, err
	}

	nbins := int(math.Ceil(ap.SkyOuter)) + 1
	sumR := make([]float64, nbins)
	sumV := make([]float64, nbins)
	count := make([]int, nbins)
	x0, y0, x1, y1, _ := s.Window(ap.X, ap.Y, ap.SkyOuter)
	for iy := y0; iy <= y1; iy++ {
		for ix := x0; ix <= x1; ix++ {
			x, y := s.Coord(ix), s.Coord(iy)
			d := math.Hypot(x-ap.X, y-ap.Y)
			b := int(d)
			if d > ap.SkyOuter || b >= nbins {
				continue
			}
			v, ok := s.ValueAt(ix, iy)
			if !ok || math.IsNaN(v) {
				continue
			}
			sumR[b] += d
			sumV[b] += v - bg.at(x, y)
			count[b]++
		}
	}

	p := Profile{Background: bg.at(ap.X, ap.Y)}
	for b := range count {
		if count[b] == 0 {
			continue
		}
		p.Radius = append(p.Radius, sumR[b]/float64(count[b]))
		p.Value = append(p.Value, sumV[b]/float64(count[b]))
		p.Count = append(p.Count, count[b])
	}
	if len(p.Value) < 2 {
		return p, fmt.Errorf("radial profile has %d bins: %w", len(p.Value), failure.ErrGeometry)
	}

	p.Peak = p.Value[0]
	for _, v := range p.Value {
		p.Peak = max(p.Peak, v)
	}
	if !(p.Peak > 0) {
		return p, fmt.Errorf("radial profile peak %v: %w", p.Peak, failure.ErrGeometry)
	}
	for i := range p.Value {
		p.Value[i] /= p.Peak
	}

	p.HWHM = math.NaN()
	for i := 1; i < len(p.Value); i++ {
		if p.Value[i] < 0.5 && p.Value[i-1] >= 0.5 {
			f := (p.Value[i-1] - 0.5) / (p.Value[i-1] - p.Value[i])
			p.HWHM = p.Radius[i-1] + f*(p.Radius[i]-p.Radius[i-1])
			break
		}
	}
	if math.IsNaN(p.HWHM) {
		return p, fmt.Errorf("radial profile does not fall to half maximum within %g: %w", ap.SkyOuter, failure.ErrGeometry)
	}
	p.FWHM = 2 * p.HWHM
	p.SuggestedRadius = 1.7 * p.FWHM
	p.SuggestedSkyInner = 1.9 * p.FWHM
	p.SuggestedSkyOuter = 2.55 * p.FWHM
	return p, nil
}
