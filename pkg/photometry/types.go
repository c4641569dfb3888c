package photometry

import (
	"fmt"

	"astrophot/pkg/failure"
)

// Aperture is a circular source region with a sky annulus, in spatial
// coordinates.
type Aperture struct {
	X, Y     float64
	Radius   float64
	SkyInner float64
	SkyOuter float64
}

// Validate rejects apertures that cannot be measured. An annulus that starts
// inside the source radius is allowed.
func (a Aperture) Validate() error {
	switch {
	case !(a.Radius > 0):
		return fmt.Errorf("aperture radius %v: %w", a.Radius, failure.ErrInput)
	case !(a.SkyOuter > a.SkyInner) || a.SkyInner < 0:
		return fmt.Errorf("sky annulus [%v, %v]: %w", a.SkyInner, a.SkyOuter, failure.ErrInput)
	}
	return nil
}

// Grow scales all three radii by f.
func (a Aperture) Grow(f float64) Aperture {
	a.Radius *= f
	a.SkyInner *= f
	a.SkyOuter *= f
	return a
}

func (a Aperture) String() string {
	return fmt.Sprintf("{X=%f, Y=%f, Radius=%f, Sky=[%f, %f]}", a.X, a.Y, a.Radius, a.SkyInner, a.SkyOuter)
}

// CentroidState tracks a centroid measurement.
type CentroidState int

const (
	Seeded CentroidState = iota
	Measuring
	Converged
	Failed
)

func (s CentroidState) String() string {
	switch s {
	case Seeded:
		return "seeded"
	case Measuring:
		return "measuring"
	case Converged:
		return "converged"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("CentroidState(%d)", int(s))
}

// CentroidResult describes the refined position and shape of a source.
type CentroidResult struct {
	X, Y           float64
	XWidth, YWidth float64 // sqrt of the second moments
	Angle          float64 // major axis, degrees in [0, 360)
	Roundness      float64 // 0 round, 1 a line
	Variance       float64
	Background     float64
	Iterations     int
	State          CentroidState
	Converged      bool
}

// FWHM converts the mean moment width to a Gaussian full width at half
// maximum.
func (r CentroidResult) FWHM() float64 {
	return sigmaToFWHM * (r.XWidth + r.YWidth) / 2
}

func (r CentroidResult) String() string {
	return fmt.Sprintf("{X=%f, Y=%f, Width=(%f,%f), Angle=%f, Roundness=%f, Variance=%f, Background=%f, Iterations=%d, State=%s}",
		r.X, r.Y, r.XWidth, r.YWidth, r.Angle, r.Roundness, r.Variance, r.Background, r.Iterations, r.State)
}

// PhotometryResult holds an aperture measurement. Source, Background and Peak
// are in calibrated units when Calibrated is set; RawSource and RawBackground
// are always in raw units.
type PhotometryResult struct {
	Source        float64 // integrated, background-subtracted
	Background    float64 // sky per pixel at the aperture centre
	Peak          float64
	Error         float64
	SNR           float64
	NSource       float64 // effective pixel count, fractional
	NSky          int
	SkyVariance   float64
	RawSource     float64
	RawBackground float64
	Calibrated    bool
	Saturated     bool
}

func (r PhotometryResult) String() string {
	return fmt.Sprintf("{Source=%f, Background=%f, Peak=%f, Error=%f, SNR=%f, NSource=%f, NSky=%d, Saturated=%t}",
		r.Source, r.Background, r.Peak, r.Error, r.SNR, r.NSource, r.NSky, r.Saturated)
}

// Measurement pairs the centroid and photometry of one aperture.
type Measurement struct {
	Aperture   Aperture
	Centroid   CentroidResult
	Photometry PhotometryResult
	Err        error
}
