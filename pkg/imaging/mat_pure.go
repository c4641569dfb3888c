//go:build purego || js

package imaging

import (
	"image"
	_ "image/jpeg"
	_ "image/png"
	"math"
	"os"
	"slices"

	_ "golang.org/x/image/tiff"
)

// Mat is a single-channel float32 image held in a Go slice.
type Mat struct {
	data []float32
	rows int
	cols int
}

func NewMat() Mat { return Mat{} }

func NewMatWithSize(rows, cols int) Mat {
	return Mat{data: make([]float32, rows*cols), rows: rows, cols: cols}
}

func (m Mat) Rows() int   { return m.rows }
func (m Mat) Cols() int   { return m.cols }
func (m Mat) Empty() bool { return len(m.data) == 0 }

func (m Mat) Clone() Mat {
	return Mat{data: slices.Clone(m.data), rows: m.rows, cols: m.cols}
}

func (m *Mat) Close() {
	*m = Mat{}
}

// DataFloat32 exposes the pixel buffer row by row.
func (m Mat) DataFloat32() []float32 {
	return m.data
}

func CopyMatTo(src Mat, dst *Mat) {
	ensureSize(dst, src.rows, src.cols)
	copy(dst.data, src.data)
}

func ensureSize(dst *Mat, rows, cols int) {
	if dst.rows != rows || dst.cols != cols || dst.data == nil {
		*dst = NewMatWithSize(rows, cols)
	}
}

// reflectIndex mirrors idx into [0, size) without repeating the edge sample,
// matching OpenCV's BORDER_REFLECT_101.
func reflectIndex(idx, size int) int {
	if size == 1 {
		return 0
	}
	for idx < 0 || idx >= size {
		if idx < 0 {
			idx = -idx
		}
		if idx >= size {
			idx = 2*size - 2 - idx
		}
	}
	return idx
}

func clampIndex(idx, size int) int {
	return min(max(idx, 0), size-1)
}

func sepFilter2DReflect(src Mat, dst *Mat, kernelX, kernelY Mat) {
	rows, cols := src.rows, src.cols
	kx, ky := kernelX.data, kernelY.data
	hx, hy := len(kx)/2, len(ky)/2

	tmp := make([]float32, rows*cols)
	for r := 0; r < rows; r++ {
		row := src.data[r*cols : (r+1)*cols]
		for c := 0; c < cols; c++ {
			var sum float32
			for k, w := range kx {
				sum += row[reflectIndex(c+k-hx, cols)] * w
			}
			tmp[r*cols+c] = sum
		}
	}

	out := make([]float32, rows*cols)
	for r := 0; r < rows; r++ {
		for k, w := range ky {
			off := reflectIndex(r+k-hy, rows) * cols
			for c := 0; c < cols; c++ {
				out[r*cols+c] += tmp[off+c] * w
			}
		}
	}
	ensureSize(dst, rows, cols)
	copy(dst.data, out)
}

func getGaussianKernel1D(size int, sigma float64) Mat {
	m := NewMatWithSize(size, 1)
	half := size / 2
	sum := 0.0
	w := make([]float64, size)
	for i := range w {
		x := float64(i - half)
		w[i] = math.Exp(-x * x / (2 * sigma * sigma))
		sum += w[i]
	}
	for i := range w {
		m.data[i] = float32(w[i] / sum)
	}
	return m
}

func medianBlur(src Mat, dst *Mat, ksize int) {
	rows, cols := src.rows, src.cols
	half := ksize / 2
	out := make([]float32, rows*cols)
	window := make([]float32, 0, ksize*ksize)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			window = window[:0]
			for dr := -half; dr <= half; dr++ {
				rr := clampIndex(r+dr, rows)
				for dc := -half; dc <= half; dc++ {
					window = append(window, src.data[rr*cols+clampIndex(c+dc, cols)])
				}
			}
			slices.Sort(window)
			out[r*cols+c] = window[len(window)/2]
		}
	}
	ensureSize(dst, rows, cols)
	copy(dst.data, out)
}

func mapInto(src Mat, dst *Mat, f func(float32) float32) {
	ensureSize(dst, src.rows, src.cols)
	for i, v := range src.data {
		dst.data[i] = f(v)
	}
}

func absDiff(a, b Mat, dst *Mat) {
	ensureSize(dst, a.rows, a.cols)
	for i := range a.data {
		d := a.data[i] - b.data[i]
		if d < 0 {
			d = -d
		}
		dst.data[i] = d
	}
}

func thresholdBinary(src Mat, dst *Mat, thresh, maxval float32) {
	mapInto(src, dst, func(v float32) float32 {
		if v > thresh {
			return maxval
		}
		return 0
	})
}

func countNonZero(src Mat) int {
	n := 0
	for _, v := range src.data {
		if v != 0 {
			n++
		}
	}
	return n
}

func morphDilateEllipse(src Mat, dst *Mat, kernelSize, iterations int) {
	rows, cols := src.rows, src.cols
	half := kernelSize / 2
	var offsets []image.Point
	for dr := -half; dr <= half; dr++ {
		for dc := -half; dc <= half; dc++ {
			nr, nc := float64(dr)/float64(half), float64(dc)/float64(half)
			if nr*nr+nc*nc <= 1 {
				offsets = append(offsets, image.Pt(dc, dr))
			}
		}
	}

	cur := slices.Clone(src.data)
	next := make([]float32, len(cur))
	for it := 0; it < iterations; it++ {
		for r := 0; r < rows; r++ {
			for c := 0; c < cols; c++ {
				v := cur[r*cols+c]
				for _, o := range offsets {
					v = max(v, cur[reflectIndex(r+o.Y, rows)*cols+reflectIndex(c+o.X, cols)])
				}
				next[r*cols+c] = v
			}
		}
		cur, next = next, cur
	}
	ensureSize(dst, rows, cols)
	copy(dst.data, cur)
}

// inRangeScalar writes 1 where lower <= src <= upper and 0 elsewhere.
func inRangeScalar(src Mat, lower, upper float32, dst *Mat) {
	mapInto(src, dst, func(v float32) float32 {
		if v >= lower && v <= upper {
			return 1
		}
		return 0
	})
}

func matMeanStdDev(src Mat) (float64, float64) {
	if len(src.data) == 0 {
		return 0, 0
	}
	var sum float64
	for _, v := range src.data {
		sum += float64(v)
	}
	mean := sum / float64(len(src.data))
	var sse float64
	for _, v := range src.data {
		d := float64(v) - mean
		sse += d * d
	}
	return mean, math.Sqrt(sse / float64(len(src.data)))
}

func matMinMax(src Mat) (float32, float32) {
	if len(src.data) == 0 {
		return 0, 0
	}
	return slices.Min(src.data), slices.Max(src.data)
}

func matCopyToWithMask(src Mat, dst *Mat, mask Mat) {
	for i, m := range mask.data {
		if m != 0 {
			dst.data[i] = src.data[i]
		}
	}
}

// imWriteMat is unsupported without OpenCV; intermediate files are skipped.
func imWriteMat(_ string, _ Mat) bool {
	return false
}

// imReadGray decodes PNG, JPEG or TIFF through the image package and keeps
// 16-bit luminance values.
func imReadGray(path string) Mat {
	f, err := os.Open(path)
	if err != nil {
		return Mat{}
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return Mat{}
	}
	b := img.Bounds()
	m := NewMatWithSize(b.Dy(), b.Dx())
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			r, g, bl, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
			m.data[y*b.Dx()+x] = float32((19595*r + 38470*g + 7471*bl + 1<<15) >> 16)
		}
	}
	return m
}
