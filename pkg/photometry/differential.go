package photometry

import (
	"fmt"
	"math"

	"astrophot/pkg/failure"
)

// DifferentialResult is a target flux relative to the summed comparisons.
type DifferentialResult struct {
	Ratio           float64
	Error           float64
	SNR             float64
	Comparison      float64 // summed comparison flux
	ComparisonError float64
}

// Differential divides the target flux by the total comparison flux. The
// apertures are treated as independent, so no covariance terms enter the
// error.
func Differential(target PhotometryResult, comparisons []PhotometryResult) (DifferentialResult, error) {
	if len(comparisons) == 0 {
		return DifferentialResult{}, fmt.Errorf("differential photometry without comparison stars: %w", failure.ErrInput)
	}
	var sum, var2 float64
	for _, c := range comparisons {
		sum += c.Source
		var2 += c.Error * c.Error
	}
	if !(sum > 0) {
		return DifferentialResult{}, fmt.Errorf("comparison flux %v: %w", sum, failure.ErrInput)
	}

	r := DifferentialResult{
		Ratio:           target.Source / sum,
		Comparison:      sum,
		ComparisonError: math.Sqrt(var2),
	}
	// ratio*sqrt(et^2/T^2 + ec^2/C^2), written so that T = 0 stays finite
	r.Error = math.Hypot(target.Error/sum, r.Ratio*r.ComparisonError/sum)
	if r.Error > 0 {
		r.SNR = r.Ratio / r.Error
	}
	return r, nil
}

// VariableApertures resizes apertures to factor times the mean FWHM of the
// centroids. The sky radii move by the same amount as the source radius.
// Centroids without a measured width are ignored. The mean FWHM is returned
// with the new apertures.
func VariableApertures(aps []Aperture, centroids []CentroidResult, factor float64) ([]Aperture, float64, error) {
	if !(factor > 0) {
		return nil, 0, fmt.Errorf("aperture FWHM factor %v: %w", factor, failure.ErrInput)
	}
	var sum float64
	n := 0
	for _, c := range centroids {
		if c.XWidth > 0 && c.YWidth > 0 {
			sum += (c.XWidth + c.YWidth) / 2
			n++
		}
	}
	if n == 0 {
		return nil, 0, fmt.Errorf("no centroid widths to size apertures from: %w", failure.ErrInput)
	}
	fwhm := sigmaToFWHM * sum / float64(n)
	radius := factor * fwhm

	out := make([]Aperture, len(aps))
	for i, ap := range aps {
		delta := radius - ap.Radius
		out[i] = Aperture{
			X:        ap.X,
			Y:        ap.Y,
			Radius:   radius,
			SkyInner: ap.SkyInner + delta,
			SkyOuter: ap.SkyOuter + delta,
		}
	}
	return out, fwhm, nil
}
