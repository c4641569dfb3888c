// Package wcs maps image pixels to celestial coordinates with a gnomonic
// (TAN) projection and fits that mapping to matched star positions.
//
// Pixel coordinates are buffer coordinates as used by imaging.Sampler; the
// FITS 1-based convention is applied only when reading or writing headers.
package wcs

import (
	"fmt"
	"math"

	"astrophot/pkg/failure"
	"astrophot/pkg/lsq"
)

const deg = math.Pi / 180

// Transform is a linear pixel to intermediate-world map followed by a TAN
// deprojection about CRVal.
type Transform struct {
	CRPix [2]float64    // reference pixel
	CRVal [2]float64    // RA, Dec of the reference pixel in degrees
	PC    [2][2]float64 // rotation and skew
	CDelt [2]float64    // degrees per pixel
	CType [2]string
}

// Match pairs a measured pixel position with a catalogue position.
type Match struct {
	Pixel [2]float64
	Sky   [2]float64 // RA, Dec in degrees
}

// NewTangent returns a TAN transform with square pixels of scale degrees
// and RA increasing to the left. rotation follows the CROTA2 convention.
func NewTangent(crpix, crval [2]float64, scale, rotation float64) Transform {
	s, c := math.Sincos(rotation * deg)
	return Transform{
		CRPix: crpix,
		CRVal: crval,
		PC:    [2][2]float64{{c, s}, {-s, c}},
		CDelt: [2]float64{-scale, scale},
		CType: [2]string{"RA---TAN", "DEC--TAN"},
	}
}

// linear is the pixel offset to intermediate world coordinate map in
// degrees, diag(CDelt)*PC.
func (t Transform) linear() lsq.Affine {
	return lsq.Affine{
		t.CDelt[0] * t.PC[0][0], t.CDelt[0] * t.PC[0][1], 0,
		t.CDelt[1] * t.PC[1][0], t.CDelt[1] * t.PC[1][1], 0,
	}
}

// CD returns the combined matrix diag(CDelt)*PC.
func (t Transform) CD() [2][2]float64 {
	l := t.linear()
	return [2][2]float64{{l[0], l[1]}, {l[3], l[4]}}
}

// Scale returns the mean pixel scale in degrees.
func (t Transform) Scale() float64 {
	return t.linear().Scale()
}

// PixelToSky returns the RA and Dec in degrees of the pixel (x, y). RA is
// normalised to [0, 360).
func (t Transform) PixelToSky(x, y float64) (float64, float64) {
	xi, eta := t.linear().Apply(x-t.CRPix[0], y-t.CRPix[1])
	return deproject(t.CRVal, xi*deg, eta*deg)
}

// SkyToPixel returns the pixel position of (ra, dec) in degrees. Points on or
// behind the horizon of the tangent plane cannot be projected.
func (t Transform) SkyToPixel(ra, dec float64) (float64, float64, error) {
	xi, eta, err := project(t.CRVal, ra, dec)
	if err != nil {
		return 0, 0, err
	}
	inv, err := t.linear().Invert()
	if err != nil {
		return 0, 0, err
	}
	dx, dy := inv.Apply(xi/deg, eta/deg)
	return dx + t.CRPix[0], dy + t.CRPix[1], nil
}

// project returns the standard coordinates in radians of (ra, dec) on the
// plane tangent at c.
func project(c [2]float64, ra, dec float64) (float64, float64, error) {
	sd0, cd0 := math.Sincos(c[1] * deg)
	sd, cd := math.Sincos(dec * deg)
	sa, ca := math.Sincos((ra - c[0]) * deg)
	den := sd*sd0 + cd*cd0*ca
	if !(den > 0) {
		return 0, 0, fmt.Errorf("(%.6f, %.6f) is %.2f deg from the tangent point: %w",
			ra, dec, math.Acos(max(-1, min(1, den)))/deg, failure.ErrGeometry)
	}
	return cd * sa / den, (sd*cd0 - cd*sd0*ca) / den, nil
}

func deproject(c [2]float64, xi, eta float64) (float64, float64) {
	sd0, cd0 := math.Sincos(c[1] * deg)
	q := cd0 - eta*sd0
	ra := c[0] + math.Atan2(xi, q)/deg
	dec := math.Atan2(sd0+eta*cd0, math.Hypot(xi, q)) / deg
	return normRA(ra), dec
}

func normRA(ra float64) float64 {
	ra = math.Mod(ra, 360)
	if ra < 0 {
		ra += 360
	}
	return ra
}

// wrapRA returns ra - ref folded into (-180, 180].
func wrapRA(ra, ref float64) float64 {
	d := math.Mod(ra-ref, 360)
	switch {
	case d > 180:
		d -= 360
	case d <= -180:
		d += 360
	}
	return d
}

// Residuals returns SkyToPixel(sky) - pixel for every match.
func (t Transform) Residuals(matches []Match) ([][2]float64, error) {
	out := make([][2]float64, len(matches))
	for i, m := range matches {
		x, y, err := t.SkyToPixel(m.Sky[0], m.Sky[1])
		if err != nil {
			return nil, fmt.Errorf("match %d: %w", i, err)
		}
		out[i] = [2]float64{x - m.Pixel[0], y - m.Pixel[1]}
	}
	return out, nil
}

// RMS is the root mean square pixel distance between the matches and their
// projected catalogue positions.
func (t Transform) RMS(matches []Match) (float64, error) {
	if len(matches) == 0 {
		return 0, fmt.Errorf("no matches: %w", failure.ErrInput)
	}
	res, err := t.Residuals(matches)
	if err != nil {
		return 0, err
	}
	sum := 0.0
	for _, r := range res {
		sum += r[0]*r[0] + r[1]*r[1]
	}
	return math.Sqrt(sum / float64(len(res))), nil
}

func (t Transform) String() string {
	return fmt.Sprintf("{CRPix=(%f, %f), CRVal=(%f, %f), CDelt=(%g, %g), PC=%v}",
		t.CRPix[0], t.CRPix[1], t.CRVal[0], t.CRVal[1], t.CDelt[0], t.CDelt[1], t.PC)
}
