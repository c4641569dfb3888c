package imaging

import (
	"fmt"
	"math"
)

// DefaultPixelCenter places pixel centres on whole-number coordinates.
const DefaultPixelCenter = 0.0

// Sampler reads intensities from a Mat in spatial coordinates. Pixel index i
// covers [i+c-0.5, i+c+0.5) where c is PixelCenter. Samplers are read-only and
// safe for concurrent use as long as the underlying Mat is not modified.
type Sampler struct {
	data        []float32
	width       int
	height      int
	PixelCenter float64
}

// NewSampler wraps img. The Mat must stay open while the sampler is in use.
func NewSampler(img Mat) (*Sampler, error) {
	if img.Empty() {
		return nil, fmt.Errorf("sampler: empty image")
	}
	return &Sampler{
		data:        img.DataFloat32(),
		width:       img.Cols(),
		height:      img.Rows(),
		PixelCenter: DefaultPixelCenter,
	}, nil
}

// NewSamplerFromValues builds a sampler over a row-major buffer. It is meant
// for synthetic images and tests.
func NewSamplerFromValues(values []float32, width, height int) (*Sampler, error) {
	if width <= 0 || height <= 0 || len(values) != width*height {
		return nil, fmt.Errorf("sampler: %d values for a %dx%d image", len(values), width, height)
	}
	return &Sampler{data: values, width: width, height: height, PixelCenter: DefaultPixelCenter}, nil
}

func (s *Sampler) Width() int  { return s.width }
func (s *Sampler) Height() int { return s.height }

// Coord returns the spatial coordinate of the centre of pixel index i.
func (s *Sampler) Coord(i int) float64 {
	return float64(i) + s.PixelCenter
}

// Index returns the index of the pixel whose footprint contains coordinate x.
func (s *Sampler) Index(x float64) int {
	return int(math.Floor(x - s.PixelCenter + 0.5))
}

// InBounds reports whether the pixel index lies inside the image.
func (s *Sampler) InBounds(ix, iy int) bool {
	return ix >= 0 && iy >= 0 && ix < s.width && iy < s.height
}

// Contains reports whether the spatial point falls on a pixel of the image.
func (s *Sampler) Contains(x, y float64) bool {
	return s.InBounds(s.Index(x), s.Index(y))
}

// ValueAt returns the sample at pixel index (ix, iy). Outside the image it
// returns NaN and false; it never substitutes an edge value.
func (s *Sampler) ValueAt(ix, iy int) (float64, bool) {
	if !s.InBounds(ix, iy) {
		return math.NaN(), false
	}
	return float64(s.data[iy*s.width+ix]), true
}

// ClampedValueAt returns the sample at the nearest valid pixel index.
func (s *Sampler) ClampedValueAt(ix, iy int) float64 {
	ix = min(max(ix, 0), s.width-1)
	iy = min(max(iy, 0), s.height-1)
	return float64(s.data[iy*s.width+ix])
}

// InterpolatedValueAt interpolates bilinearly between the four pixels whose
// centres surround (x, y). Neighbours that fall outside the image are clamped
// to the nearest edge pixel, so the result is always defined.
func (s *Sampler) InterpolatedValueAt(x, y float64) float64 {
	fx := x - s.PixelCenter
	fy := y - s.PixelCenter
	x0 := int(math.Floor(fx))
	y0 := int(math.Floor(fy))
	xr := fx - float64(x0)
	yr := fy - float64(y0)

	p00 := s.ClampedValueAt(x0, y0)
	p01 := s.ClampedValueAt(x0+1, y0)
	p10 := s.ClampedValueAt(x0, y0+1)
	p11 := s.ClampedValueAt(x0+1, y0+1)
	top := p00 + xr*(p01-p00)
	bottom := p10 + xr*(p11-p10)
	return top + yr*(bottom-top)
}

// Window returns the inclusive pixel-index range covering the square of half
// size r around (x, y), clipped to the image. ok is false when the square
// misses the image entirely.
func (s *Sampler) Window(x, y, r float64) (x0, y0, x1, y1 int, ok bool) {
	x0 = max(s.Index(x-r), 0)
	y0 = max(s.Index(y-r), 0)
	x1 = min(s.Index(x+r), s.width-1)
	y1 = min(s.Index(y+r), s.height-1)
	return x0, y0, x1, y1, x0 <= x1 && y0 <= y1
}
