package wcs

import (
	"fmt"
	"math"
	"math/cmplx"

	"github.com/soniakeys/meeus/v3/angle"
	"github.com/soniakeys/unit"

	"astrophot/pkg/failure"
)

// TwoStarResult is the plate solution implied by two identified stars.
type TwoStarResult struct {
	Separation      unit.Angle // on the sky
	PositionAngle   unit.Angle // of the second star from the first, east of north
	PixelSeparation float64
	ImageAngle      float64 // degrees, direction of the second star in the pixel frame
	Scale           float64 // arcsec per pixel, Separation over PixelSeparation
	Rotation        float64 // degrees, CROTA2 convention
	Transform       Transform
}

func (r TwoStarResult) String() string {
	return fmt.Sprintf("{Separation=%.2f\", PA=%.3f deg, Pixels=%.3f, Scale=%.4f\"/px, Rotation=%.3f deg}",
		r.Separation.Deg()*3600, r.PositionAngle.Deg(), r.PixelSeparation, r.Scale, r.Rotation)
}

// TwoStar derives scale and orientation from two matched stars on an image
// of width×height pixels, assuming square pixels with RA increasing to the
// left. The returned transform has its reference pixel at the image centre.
func TwoStar(a, b Match, width, height int) (TwoStarResult, error) {
	var r TwoStarResult
	if width <= 0 || height <= 0 {
		return r, fmt.Errorf("image size %dx%d: %w", width, height, failure.ErrInput)
	}
	dx, dy := b.Pixel[0]-a.Pixel[0], b.Pixel[1]-a.Pixel[1]
	r.PixelSeparation = math.Hypot(dx, dy)
	if !(r.PixelSeparation > 0) {
		return r, fmt.Errorf("stars share a pixel position: %w", failure.ErrSingularFit)
	}

	ra1, dec1 := unit.AngleFromDeg(a.Sky[0]), unit.AngleFromDeg(a.Sky[1])
	ra2, dec2 := unit.AngleFromDeg(b.Sky[0]), unit.AngleFromDeg(b.Sky[1])
	r.Separation = angle.SepHav(ra1, dec1, ra2, dec2)
	if !(r.Separation > 0) {
		return r, fmt.Errorf("stars share a sky position: %w", failure.ErrSingularFit)
	}
	r.PositionAngle = positionAngle(ra1, dec1, ra2, dec2)

	r.Scale = r.Separation.Deg() * 3600 / r.PixelSeparation
	r.ImageAngle = math.Atan2(dy, dx) / deg

	// Start from the plane tangent at the first star, then solve the
	// similarity w = A*z + B between pixel offsets z from the centre and
	// mirrored standard coordinates w, moving the tangent point to the centre
	// until B vanishes.
	guess := NewTangent(a.Pixel, a.Sky, r.Scale/3600, r.ImageAngle-r.PositionAngle.Deg()-90)
	centre := [2]float64{float64(width-1) / 2, float64(height-1) / 2}
	var crval [2]float64
	crval[0], crval[1] = guess.PixelToSky(centre[0], centre[1])
	z1 := complex(a.Pixel[0]-centre[0], a.Pixel[1]-centre[1])
	z2 := complex(b.Pixel[0]-centre[0], b.Pixel[1]-centre[1])
	var A complex128
	for pass := 0; pass < 8; pass++ {
		w1, err := mirrored(crval, a.Sky)
		if err != nil {
			return r, err
		}
		w2, err := mirrored(crval, b.Sky)
		if err != nil {
			return r, err
		}
		A = (w2 - w1) / (z2 - z1)
		B := w1 - A*z1
		crval[0], crval[1] = deproject(crval, -real(B)*deg, imag(B)*deg)
	}
	r.Rotation = -cmplx.Phase(A) / deg
	r.Transform = NewTangent(centre, crval, cmplx.Abs(A), r.Rotation)
	return r, nil
}

// positionAngle is the direction of (ra2, dec2) seen from (ra1, dec1),
// east of north, in [0, 2pi).
func positionAngle(ra1, dec1, ra2, dec2 unit.Angle) unit.Angle {
	sd, cd := math.Sincos((ra2 - ra1).Rad())
	s1, c1 := math.Sincos(dec1.Rad())
	s2, c2 := math.Sincos(dec2.Rad())
	pa := math.Atan2(sd*c2, c1*s2-s1*c2*cd)
	if pa < 0 {
		pa += 2 * math.Pi
	}
	return unit.Angle(pa)
}

// mirrored returns -xi + i*eta in degrees for sky on the plane tangent at c.
func mirrored(c, sky [2]float64) (complex128, error) {
	xi, eta, err := project(c, sky[0], sky[1])
	if err != nil {
		return 0, err
	}
	return complex(-xi/deg, eta/deg), nil
}
