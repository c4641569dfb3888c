package imaging

import (
	"fmt"
	"strings"

	"astrophot/pkg/failure"
)

// Debayer interpolates a raw colour filter array image bilinearly and returns
// its luminance (R + G + B) / 3 per pixel. pattern names the 2x2 cell at the
// top left in the order of the BAYERPAT keyword: RGGB, BGGR, GRBG or GBRG.
//
// Each missing colour is the mean of the pixels of that colour in the 3x3
// neighbourhood. Edges are mirrored so neighbours keep their colour.
func Debayer(m Mat, pattern string) (Mat, error) {
	pattern = strings.ToUpper(strings.TrimSpace(pattern))
	switch pattern {
	case "RGGB", "BGGR", "GRBG", "GBRG":
	default:
		return Mat{}, fmt.Errorf("bayer pattern %q: %w", pattern, failure.ErrInput)
	}
	if m.Empty() {
		return Mat{}, fmt.Errorf("debayer: empty image: %w", failure.ErrInput)
	}
	width, height := m.Cols(), m.Rows()
	data := m.DataFloat32()

	mirror := func(i, n int) int {
		switch {
		case n == 1:
			return 0
		case i < 0:
			return -i
		case i >= n:
			return 2*(n-1) - i
		}
		return i
	}
	colour := func(x, y int) int {
		switch pattern[(y%2)*2+x%2] {
		case 'R':
			return 0
		case 'G':
			return 1
		}
		return 2
	}

	out := make([]float32, width*height)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			var sum, rgb [3]float64
			var n [3]int
			own := colour(x, y)
			rgb[own] = float64(data[y*width+x])
			for dy := -1; dy <= 1; dy++ {
				for dx := -1; dx <= 1; dx++ {
					nx, ny := mirror(x+dx, width), mirror(y+dy, height)
					c := colour(nx, ny)
					if c == own {
						continue
					}
					sum[c] += float64(data[ny*width+nx])
					n[c]++
				}
			}
			for c := 0; c < 3; c++ {
				if c != own && n[c] > 0 {
					rgb[c] = sum[c] / float64(n[c])
				}
			}
			out[y*width+x] = float32((rgb[0] + rgb[1] + rgb[2]) / 3)
		}
	}
	return NewMatFromValues(out, width, height)
}
