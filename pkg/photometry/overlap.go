package photometry

import (
	"math"

	"astrophot/pkg/imaging"
)

// pixelOverlap returns the exact area of the unit pixel centred at (px, py)
// that lies inside the circle of radius r centred at (cx, cy).
func pixelOverlap(px, py, cx, cy, r float64) float64 {
	x0, x1 := px-0.5-cx, px+0.5-cx
	y0, y1 := py-0.5-cy, py+0.5-cy

	nx := max(x0, min(0, x1))
	ny := max(y0, min(0, y1))
	if nx*nx+ny*ny >= r*r {
		return 0
	}
	fx := max(math.Abs(x0), math.Abs(x1))
	fy := max(math.Abs(y0), math.Abs(y1))
	if fx*fx+fy*fy <= r*r {
		return 1
	}
	a := quadrantArea(x1, y1, r) - quadrantArea(x0, y1, r) - quadrantArea(x1, y0, r) + quadrantArea(x0, y0, r)
	return min(max(a, 0), 1)
}

// quadrantArea is the signed area of the circle inside the rectangle spanned
// by the origin and (x, y).
func quadrantArea(x, y, r float64) float64 {
	sign := 1.0
	if x < 0 {
		sign, x = -sign, -x
	}
	if y < 0 {
		sign, y = -sign, -y
	}
	xm := min(x, r)
	ym := min(y, r)
	u := math.Sqrt(r*r - ym*ym)
	if xm <= u {
		return sign * ym * xm
	}
	return sign * (ym*u + segmentArea(xm, r) - segmentArea(u, r))
}

// segmentArea integrates sqrt(r^2 - t^2) from 0 to a.
func segmentArea(a, r float64) float64 {
	return 0.5 * (a*math.Sqrt(max(r*r-a*a, 0)) + r*r*math.Asin(min(a/r, 1)))
}

// aperturePixel is one pixel touched by a circular aperture.
type aperturePixel struct {
	ix, iy int
	x, y   float64 // pixel centre
	w      float64 // covered fraction
	v      float64 // sample value
}

// aperturePixels lists the in-image pixels covered by the circle and returns
// the fraction of the circle's area that they account for.
func aperturePixels(s *imaging.Sampler, cx, cy, r float64, cal Calibration) ([]aperturePixel, float64) {
	ix0, ix1 := s.Index(cx-r), s.Index(cx+r)
	iy0, iy1 := s.Index(cy-r), s.Index(cy+r)
	pix := make([]aperturePixel, 0, (ix1-ix0+1)*(iy1-iy0+1))
	covered := 0.0
	for iy := iy0; iy <= iy1; iy++ {
		y := s.Coord(iy)
		for ix := ix0; ix <= ix1; ix++ {
			v, ok := s.ValueAt(ix, iy)
			if !ok {
				continue
			}
			x := s.Coord(ix)
			w := pixelOverlap(x, y, cx, cy, r)
			if w == 0 {
				continue
			}
			if cal != nil {
				v = cal.Apply(v)
			}
			covered += w
			pix = append(pix, aperturePixel{ix: ix, iy: iy, x: x, y: y, w: w, v: v})
		}
	}
	return pix, covered / (math.Pi * r * r)
}
