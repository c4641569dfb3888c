// Package photometry measures star-like sources on a pixel grid: centroid
// and shape, aperture flux with partial-pixel weighting, sky background,
// signal-to-noise, and the derived tools built on those measurements
// (differential photometry, frame tracking, seeing profiles, PSF fits).
package photometry

import (
	"fmt"
	"strings"

	"astrophot/pkg/failure"
)

// BackgroundModel selects how the sky under the source is estimated.
type BackgroundModel int

const (
	// BackgroundFlat uses one level, the (optionally clipped) annulus mean.
	BackgroundFlat BackgroundModel = iota
	// BackgroundPlanar fits a plane through the annulus pixels.
	BackgroundPlanar
)

func (m BackgroundModel) String() string {
	switch m {
	case BackgroundFlat:
		return "flat"
	case BackgroundPlanar:
		return "planar"
	}
	return fmt.Sprintf("BackgroundModel(%d)", int(m))
}

// ParseBackgroundModel accepts "flat" or "planar".
func ParseBackgroundModel(s string) (BackgroundModel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "flat", "mean":
		return BackgroundFlat, nil
	case "planar", "plane":
		return BackgroundPlanar, nil
	}
	return 0, fmt.Errorf("unknown background model %q", s)
}

// Set implements flag.Value.
func (m *BackgroundModel) Set(s string) error {
	v, err := ParseBackgroundModel(s)
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// MarshalYAML writes the model by name.
func (m BackgroundModel) MarshalYAML() (interface{}, error) {
	return m.String(), nil
}

// UnmarshalYAML reads the model by name.
func (m *BackgroundModel) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	v, err := ParseBackgroundModel(s)
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// CCD describes the detector noise used for error propagation.
type CCD struct {
	Gain      float64 `yaml:"gain"`       // e- per count
	ReadNoise float64 `yaml:"read_noise"` // e- per pixel
	Dark      float64 `yaml:"dark"`       // e- per pixel accumulated over the exposure
}

// Calibration maps raw pixel values to calibrated ones.
type Calibration interface {
	Apply(raw float64) float64
}

// Polynomial is a calibration c0 + c1*v + c2*v^2 + ...
type Polynomial []float64

func (p Polynomial) Apply(v float64) float64 {
	out := 0.0
	for i := len(p) - 1; i >= 0; i-- {
		out = out*v + p[i]
	}
	return out
}

// Config bundles the measurement options. Start from DefaultConfig.
type Config struct {
	// Reposition refines the centroid before measuring. When false the seed
	// position is used as given.
	Reposition bool `yaml:"reposition"`

	Background       BackgroundModel `yaml:"background"`
	RejectOutliers   bool            `yaml:"reject_outliers"`
	RejectSigma      float64         `yaml:"reject_sigma"`
	RejectIterations int             `yaml:"reject_iterations"`

	// Forgiving turns centroid non-convergence into a flagged result.
	Forgiving      bool    `yaml:"forgiving"`
	RetryOnFailure bool    `yaml:"retry_on_failure"`
	RetryGrowth    float64 `yaml:"retry_growth"`

	CentroidTolerance float64 `yaml:"centroid_tolerance"`
	CentroidMaxIter   int     `yaml:"centroid_max_iter"`

	// Radius, SkyInner and SkyOuter give the aperture used by
	// Photometer.Measure. SkyOuter zero derives the annulus from the radius;
	// the centroid uses the same annulus.
	Radius   float64 `yaml:"radius"`
	SkyInner float64 `yaml:"sky_inner"`
	SkyOuter float64 `yaml:"sky_outer"`

	MinSkyPixels      int     `yaml:"min_sky_pixels"`
	SaturationWarning float64 `yaml:"saturation_warning"`

	CCD CCD `yaml:"ccd"`

	ApertureFWHMFactor float64 `yaml:"aperture_fwhm_factor"`

	// Follow moves each aperture to its centroid for the next frame;
	// TrackMean moves all apertures by their mean shift instead.
	Follow    bool `yaml:"follow"`
	TrackMean bool `yaml:"track_mean"`

	// Workers bounds parallel measurement in MeasureBatch and MeasureFrames;
	// 0 means one per CPU.
	Workers int `yaml:"workers"`

	Calibration Calibration `yaml:"-"`
}

// DefaultConfig returns the standard measurement options.
func DefaultConfig() Config {
	return Config{
		Reposition:         true,
		Background:         BackgroundFlat,
		RejectSigma:        3,
		RejectIterations:   5,
		RetryGrowth:        1.5,
		CentroidTolerance:  1e-4,
		CentroidMaxIter:    50,
		Radius:             10,
		MinSkyPixels:       10,
		CCD:                CCD{Gain: 1},
		ApertureFWHMFactor: 2,
	}
}

// Aperture returns the configured aperture centred at (x, y).
func (c Config) Aperture(x, y float64) Aperture {
	r1, r2 := c.annulus(c.Radius)
	return Aperture{X: x, Y: y, Radius: c.Radius, SkyInner: r1, SkyOuter: r2}
}

// annulus returns the sky radii for a source of the given radius.
func (c Config) annulus(radius float64) (float64, float64) {
	if c.SkyOuter > 0 {
		return c.SkyInner, c.SkyOuter
	}
	return radius, radius + max(3, radius/2)
}

// validate checks options that every measurement depends on.
func (c Config) validate() error {
	switch {
	case c.Background != BackgroundFlat && c.Background != BackgroundPlanar:
		return fmt.Errorf("background model %v: %w", c.Background, failure.ErrInput)
	case c.Background == BackgroundPlanar && c.RejectOutliers:
		return fmt.Errorf("planar background cannot be combined with outlier rejection: %w", failure.ErrInput)
	case c.RejectOutliers && c.RejectSigma <= 0:
		return fmt.Errorf("reject sigma %v: %w", c.RejectSigma, failure.ErrInput)
	case c.CentroidMaxIter < 1 || !(c.CentroidTolerance > 0):
		return fmt.Errorf("centroid iteration limits %d/%v: %w", c.CentroidMaxIter, c.CentroidTolerance, failure.ErrInput)
	case c.SkyOuter < 0 || c.SkyInner < 0 || (c.SkyOuter > 0 && c.SkyOuter <= c.SkyInner):
		return fmt.Errorf("sky annulus [%v, %v]: %w", c.SkyInner, c.SkyOuter, failure.ErrInput)
	}
	return nil
}
