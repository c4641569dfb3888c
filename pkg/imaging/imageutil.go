/*
Extracted from HocusFocus plugin by George Hilios.
Original Copyright © 2021 George Hilios <ghilios+NINA@googlemail.com>
Licensed under Mozilla Public License 2.0.
Ported to Go.
*/

package imaging

import (
	"fmt"
	"math"
	"slices"

	"gonum.org/v1/gonum/stat"
)

// KappaSigmaResult holds noise estimation results.
type KappaSigmaResult struct {
	Sigma          float64
	BackgroundMean float64
	NumIterations  int
}

func (r KappaSigmaResult) String() string {
	return fmt.Sprintf("{Sigma=%f, BackgroundMean=%f, NumIterations=%d}", r.Sigma, r.BackgroundMean, r.NumIterations)
}

// NewMatFromValues copies a row-major buffer of physical sample values into a
// new Mat. Values are kept as they are; nothing is normalised.
func NewMatFromValues(values []float32, width, height int) (Mat, error) {
	if width <= 0 || height <= 0 || len(values) != width*height {
		return Mat{}, fmt.Errorf("imaging: %d values for a %dx%d image", len(values), width, height)
	}
	m := NewMatWithSize(height, width)
	copy(m.DataFloat32(), values)
	return m, nil
}

// ConvolveGaussian applies a separated Gaussian convolution.
func ConvolveGaussian(src, dst *Mat, kernelSize int) error {
	if kernelSize < 3 || kernelSize%2 == 0 {
		return fmt.Errorf("imaging: kernel size %d must be an odd number >= 3", kernelSize)
	}
	sigma := 0.159758 * float64(kernelSize)
	kernel := getGaussianKernel1D(kernelSize, sigma)
	defer kernel.Close()
	sepFilter2DReflect(*src, dst, kernel, kernel)
	return nil
}

// FilterHotPixels replaces pixels that differ from their 3x3 median by more
// than threshold with that median and returns how many were replaced. A
// threshold <= 0 applies the median filter everywhere.
func FilterHotPixels(m *Mat, threshold float64) int {
	blurred := NewMat()
	defer blurred.Close()
	medianBlur(*m, &blurred, 3)
	if threshold <= 0 {
		CopyMatTo(blurred, m)
		return 0
	}

	diff := NewMat()
	defer diff.Close()
	mask := NewMat()
	defer mask.Close()
	absDiff(*m, blurred, &diff)
	thresholdBinary(diff, &mask, float32(threshold), 1.0)
	n := countNonZero(mask)
	matCopyToWithMask(blurred, m, mask)
	return n
}

// CountInRange counts samples in [lo, hi]; used for saturation statistics.
func CountInRange(m Mat, lo, hi float64) int {
	mask := NewMat()
	defer mask.Close()
	inRangeScalar(m, float32(lo), float32(hi), &mask)
	return countNonZero(mask)
}

// Median returns the median sample of the whole image.
func Median(m Mat) float64 {
	data := m.DataFloat32()
	if len(data) == 0 {
		return math.NaN()
	}
	sorted := make([]float64, len(data))
	for i, v := range data {
		sorted[i] = float64(v)
	}
	slices.Sort(sorted)
	return stat.Quantile(0.5, stat.Empirical, sorted, nil)
}

// KappaSigmaNoiseEstimate performs iterative kappa-sigma noise estimation:
// samples above mean + k*sigma are excluded and the statistics recomputed
// until sigma changes by no more than allowedError.
func KappaSigmaNoiseEstimate(img Mat, clippingMultiplier float64, allowedError float64, maxIterations int) KappaSigmaResult {
	mask := NewMat()
	defer mask.Close()

	lowest, _ := matMinMax(img)
	threshold := float32(math.MaxFloat32)
	lastSigma := 1.0
	lastBackgroundMean := 1.0
	numIterations := 0

	for numIterations < maxIterations {
		var meanVal, sigmaVal float64
		if numIterations > 0 {
			inRangeScalar(img, lowest, threshold, &mask)
			meanVal, sigmaVal = meanStdDevWithMask(img, mask)
		} else {
			meanVal, sigmaVal = matMeanStdDev(img)
		}

		numIterations++
		if numIterations > 1 && math.Abs(sigmaVal-lastSigma) <= allowedError {
			lastSigma = sigmaVal
			lastBackgroundMean = meanVal
			break
		}
		threshold = float32(meanVal + clippingMultiplier*sigmaVal)
		lastSigma = sigmaVal
		lastBackgroundMean = meanVal
	}

	return KappaSigmaResult{
		Sigma:          lastSigma,
		BackgroundMean: lastBackgroundMean,
		NumIterations:  numIterations,
	}
}

// meanStdDevWithMask computes mean and stddev of pixels where mask is non-zero.
func meanStdDevWithMask(img Mat, mask Mat) (float64, float64) {
	imgData := img.DataFloat32()
	maskData := mask.DataFloat32()
	values := make([]float64, 0, len(imgData))
	for i, m := range maskData {
		if m != 0 {
			values = append(values, float64(imgData[i]))
		}
	}
	if len(values) == 0 {
		return 0, 0
	}
	mean, variance := stat.PopMeanVariance(values, nil)
	return mean, math.Sqrt(variance)
}

// Binarize thresholds the image to 0/1.
func Binarize(src, dst *Mat, threshold float64) {
	thresholdBinary(*src, dst, float32(threshold), 1.0)
}

// Shift translates the image by (dx, dy) pixels with bilinear interpolation:
// out(x, y) = in(x-dx, y-dy). Output pixels whose source lies outside the
// input get fill.
func Shift(src *Sampler, dx, dy float64, fill float32) Mat {
	w, h := src.Width(), src.Height()
	out := NewMatWithSize(h, w)
	data := out.DataFloat32()
	for iy := 0; iy < h; iy++ {
		sy := src.Coord(iy) - dy
		for ix := 0; ix < w; ix++ {
			sx := src.Coord(ix) - dx
			if sx < src.Coord(0) || sy < src.Coord(0) || sx > src.Coord(w-1) || sy > src.Coord(h-1) {
				data[iy*w+ix] = fill
				continue
			}
			data[iy*w+ix] = float32(src.InterpolatedValueAt(sx, sy))
		}
	}
	return out
}
