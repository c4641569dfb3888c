package imaging

import (
	"math"
	"testing"
)

func rampSampler(t *testing.T, w, h int) *Sampler {
	t.Helper()
	values := make([]float32, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			values[y*w+x] = float32(10*y + x)
		}
	}
	s, err := NewSamplerFromValues(values, w, h)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestValueAtOutOfBounds(t *testing.T) {
	s := rampSampler(t, 4, 3)
	for _, c := range []struct{ x, y int }{{-1, 0}, {0, -1}, {4, 0}, {0, 3}, {100, 100}} {
		v, ok := s.ValueAt(c.x, c.y)
		if ok || !math.IsNaN(v) {
			t.Errorf("ValueAt(%d,%d) = %v, %v; want NaN, false", c.x, c.y, v, ok)
		}
	}
	if v, ok := s.ValueAt(3, 2); !ok || v != 23 {
		t.Fatalf("ValueAt(3,2) = %v, %v", v, ok)
	}
}

func TestInterpolatedValueAt(t *testing.T) {
	s := rampSampler(t, 4, 3)
	cases := []struct {
		x, y, want float64
	}{
		{1, 1, 11},
		{1.5, 1, 11.5},
		{1.5, 1.5, 16.5},
		{2.25, 0.5, 7.25},
		// clamped at the edges
		{-3, 0, 0},
		{3.5, 2.5, 23},
		{5, -2, 3},
	}
	for _, c := range cases {
		if got := s.InterpolatedValueAt(c.x, c.y); math.Abs(got-c.want) > 1e-12 {
			t.Errorf("InterpolatedValueAt(%v,%v) = %v, want %v", c.x, c.y, got, c.want)
		}
	}
}

func TestPixelCenterConvention(t *testing.T) {
	s := rampSampler(t, 4, 3)
	s.PixelCenter = 0.5
	if got := s.Coord(0); got != 0.5 {
		t.Fatalf("Coord(0) = %v", got)
	}
	for _, c := range []struct {
		x    float64
		want int
	}{{0, 0}, {0.99, 0}, {1, 1}, {3.99, 3}, {-0.01, -1}} {
		if got := s.Index(c.x); got != c.want {
			t.Errorf("Index(%v) = %d, want %d", c.x, got, c.want)
		}
	}
	if got := s.InterpolatedValueAt(1.5, 1.5); got != 11 {
		t.Fatalf("interpolation at a pixel centre = %v, want 11", got)
	}
	if s.Contains(4.0, 1) || !s.Contains(3.9, 2.9) {
		t.Fatal("Contains disagrees with pixel footprints")
	}
}

func TestWindow(t *testing.T) {
	s := rampSampler(t, 10, 10)
	x0, y0, x1, y1, ok := s.Window(1, 8, 3)
	if !ok || x0 != 0 || y0 != 5 || x1 != 4 || y1 != 9 {
		t.Fatalf("Window = %d %d %d %d %v", x0, y0, x1, y1, ok)
	}
	if _, _, _, _, ok := s.Window(-20, 5, 3); ok {
		t.Fatal("window off the image reported ok")
	}
}

func TestNewSamplerFromValuesSize(t *testing.T) {
	if _, err := NewSamplerFromValues(make([]float32, 5), 2, 3); err == nil {
		t.Fatal("expected size mismatch error")
	}
}
