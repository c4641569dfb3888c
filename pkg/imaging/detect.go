/*
Extracted from HocusFocus plugin by George Hilios.
Original Copyright © 2021 George Hilios <ghilios+NINA@googlemail.com>
Licensed under Mozilla Public License 2.0.
Ported to Go.
*/

package imaging

import (
	"context"
	"fmt"
	"image"
	"math"
	"os"
	"path/filepath"
	"slices"
)

// DetectParams configures seed detection.
type DetectParams struct {
	HotPixelFiltering bool
	HotPixelThreshold float64 // ADU above the 3x3 median; <= 0 median-filters everything

	NoiseReductionRadius int
	// NoiseClippingMultiplier sets the binarisation threshold in units of the
	// kappa-sigma background noise.
	NoiseClippingMultiplier float64
	// StarClippingMultiplier excludes pixels within this many sigma of the
	// local background from the seed centre.
	StarClippingMultiplier float64

	MinimumSize            int
	MaximumSize            int
	BackgroundBoxExpansion int
	MaxDistortion          float64
	Sensitivity            float64
	SaturationLevel        float64 // 0 disables the saturation flag
	DilationCount          int
	DilationSize           int
	PixelCenter            float64
	MaxSeeds               int // 0 keeps all, otherwise the brightest

	SaveIntermediateFilesPath string
}

// NewDetectParams returns defaults suited to unbinned CCD frames.
func NewDetectParams() DetectParams {
	return DetectParams{
		HotPixelFiltering:       true,
		NoiseReductionRadius:    1,
		NoiseClippingMultiplier: 4,
		StarClippingMultiplier:  2,
		MinimumSize:             3,
		MaximumSize:             100,
		BackgroundBoxExpansion:  3,
		MaxDistortion:           0.3,
		Sensitivity:             5,
		DilationSize:            3,
		PixelCenter:             DefaultPixelCenter,
	}
}

// Seed is a detected source suitable as a centroid starting position.
type Seed struct {
	X, Y       float64
	Peak       float64
	Flux       float64
	Background float64
	Pixels     int
	Bounds     image.Rectangle
	Saturated  bool
}

func (s Seed) String() string {
	return fmt.Sprintf("{X=%f, Y=%f, Peak=%f, Flux=%f, Background=%f, Pixels=%d, Saturated=%t}",
		s.X, s.Y, s.Peak, s.Flux, s.Background, s.Pixels, s.Saturated)
}

// DetectMetrics counts why candidates were kept or dropped.
type DetectMetrics struct {
	HotPixelCount       int
	SaturatedPixelCount int
	Candidates          int
	TooSmall            int
	TooLarge            int
	OnBorder            int
	TooDistorted        int
	Degenerate          int
	LowSensitivity      int
	Detected            int
	Noise               KappaSigmaResult
	Threshold           float64
}

// DetectResult holds the seeds, brightest first.
type DetectResult struct {
	Seeds   []Seed
	Metrics DetectMetrics
}

// DetectSeeds finds compact sources in img. img itself is not modified.
func DetectSeeds(ctx context.Context, img Mat, p DetectParams) (*DetectResult, error) {
	if img.Empty() {
		return nil, fmt.Errorf("detect: empty image")
	}
	if p.NoiseReductionRadius < 0 || p.MinimumSize < 1 {
		return nil, fmt.Errorf("detect: invalid parameters %+v", p)
	}
	metrics := DetectMetrics{}

	work := img.Clone()
	defer work.Close()
	maybeSaveImage(work, p.SaveIntermediateFilesPath, "01-source.tif")

	if p.HotPixelFiltering {
		metrics.HotPixelCount = FilterHotPixels(&work, p.HotPixelThreshold)
	}
	if p.NoiseReductionRadius > 0 {
		if err := ConvolveGaussian(&work, &work, p.NoiseReductionRadius*2+1); err != nil {
			return nil, err
		}
	}
	maybeSaveImage(work, p.SaveIntermediateFilesPath, "02-prepared.tif")

	noise := KappaSigmaNoiseEstimate(work, p.NoiseClippingMultiplier, 1e-4, 5)
	median := Median(work)
	threshold := median + p.NoiseClippingMultiplier*noise.Sigma
	metrics.Noise = noise
	metrics.Threshold = threshold
	maybeSaveText(p.SaveIntermediateFilesPath, "03-noise.txt",
		fmt.Sprintf("Noise: %s\nMedian: %f, Threshold: %f", noise, median, threshold))

	if p.SaturationLevel > 0 {
		metrics.SaturatedPixelCount = CountInRange(img, p.SaturationLevel, math.MaxFloat32)
	}

	structure := NewMat()
	defer structure.Close()
	Binarize(&work, &structure, threshold)
	if p.DilationCount > 0 {
		morphDilateEllipse(structure, &structure, p.DilationSize, p.DilationCount)
	}
	maybeSaveImage(structure, p.SaveIntermediateFilesPath, "04-binarized.tif")

	seeds := scanSeeds(ctx, img, structure, p, noise.Sigma, &metrics)
	slices.SortStableFunc(seeds, func(a, b Seed) int {
		switch {
		case a.Flux > b.Flux:
			return -1
		case a.Flux < b.Flux:
			return 1
		}
		return 0
	})
	if p.MaxSeeds > 0 && len(seeds) > p.MaxSeeds {
		seeds = seeds[:p.MaxSeeds]
	}
	metrics.Detected = len(seeds)
	return &DetectResult{Seeds: seeds, Metrics: metrics}, ctx.Err()
}

// scanSeeds walks the binarised structure map row by row, flood-fills each
// structure it meets and evaluates it as a candidate. Visited structures are
// cleared from the map.
func scanSeeds(ctx context.Context, src, structure Mat, p DetectParams, noiseSigma float64, metrics *DetectMetrics) []Seed {
	width, height := structure.Cols(), structure.Rows()
	mask := structure.DataFloat32()
	var seeds []Seed
	var points, stack []image.Point

	for y := 0; y < height; y++ {
		select {
		case <-ctx.Done():
			return seeds
		default:
		}
		for x := 0; x < width; x++ {
			if mask[y*width+x] == 0 {
				continue
			}
			points = points[:0]
			stack = append(stack[:0], image.Pt(x, y))
			mask[y*width+x] = 0
			bounds := image.Rect(x, y, x+1, y+1)
			for len(stack) > 0 {
				pt := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				points = append(points, pt)
				bounds = bounds.Union(image.Rect(pt.X, pt.Y, pt.X+1, pt.Y+1))
				for _, d := range [4]image.Point{{1, 0}, {-1, 0}, {0, 1}, {0, -1}} {
					q := pt.Add(d)
					if q.X < 0 || q.Y < 0 || q.X >= width || q.Y >= height || mask[q.Y*width+q.X] == 0 {
						continue
					}
					mask[q.Y*width+q.X] = 0
					stack = append(stack, q)
				}
			}

			metrics.Candidates++
			if s, ok := evaluateCandidate(src, p, bounds, points, noiseSigma, metrics); ok {
				seeds = append(seeds, s)
			}
		}
	}
	return seeds
}

func evaluateCandidate(src Mat, p DetectParams, bounds image.Rectangle, points []image.Point, noiseSigma float64, metrics *DetectMetrics) (Seed, bool) {
	w, h := bounds.Dx(), bounds.Dy()
	if w < p.MinimumSize || h < p.MinimumSize {
		metrics.TooSmall++
		return Seed{}, false
	}
	if p.MaximumSize > 0 && (w > p.MaximumSize || h > p.MaximumSize) {
		metrics.TooLarge++
		return Seed{}, false
	}
	if bounds.Min.X == 0 || bounds.Min.Y == 0 || bounds.Max.X >= src.Cols() || bounds.Max.Y >= src.Rows() {
		metrics.OnBorder++
		return Seed{}, false
	}
	d := float64(max(w, h))
	if float64(len(points))/(d*d) < p.MaxDistortion {
		metrics.TooDistorted++
		return Seed{}, false
	}

	s, ok := seedParameters(src, bounds, points, p, noiseSigma)
	if !ok {
		metrics.Degenerate++
		return Seed{}, false
	}
	if noiseSigma > 0 && s.Peak/noiseSigma <= p.Sensitivity {
		metrics.LowSensitivity++
		return Seed{}, false
	}
	return s, true
}

// seedParameters estimates the local background as the median of a ring of
// pixels around the bounding box and the seed centre as the flux-weighted
// mean of the structure pixels above background + clip*sigma.
func seedParameters(src Mat, bounds image.Rectangle, points []image.Point, p DetectParams, noiseSigma float64) (Seed, bool) {
	width, height := src.Cols(), src.Rows()
	data := src.DataFloat32()

	outer := bounds.Inset(-p.BackgroundBoxExpansion).Intersect(image.Rect(0, 0, width, height))
	ring := make([]float64, 0, outer.Dx()*outer.Dy())
	for y := outer.Min.Y; y < outer.Max.Y; y++ {
		for x := outer.Min.X; x < outer.Max.X; x++ {
			if image.Pt(x, y).In(bounds) {
				continue
			}
			ring = append(ring, float64(data[y*width+x]))
		}
	}
	if len(ring) == 0 {
		return Seed{}, false
	}
	slices.Sort(ring)
	background := ring[len(ring)/2]
	cut := background + p.StarClippingMultiplier*noiseSigma

	var sx, sy, sz, peak, raw float64
	n := 0
	for _, pt := range points {
		v := float64(data[pt.Y*width+pt.X])
		raw = max(raw, v)
		if v <= cut {
			continue
		}
		v -= background
		sx += v * float64(pt.X)
		sy += v * float64(pt.Y)
		sz += v
		peak = max(peak, v)
		n++
	}
	if n <= 1 || sz <= 0 {
		return Seed{}, false
	}
	return Seed{
		X:          sx/sz + p.PixelCenter,
		Y:          sy/sz + p.PixelCenter,
		Peak:       peak,
		Flux:       sz,
		Background: background,
		Pixels:     len(points),
		Bounds:     bounds,
		Saturated:  p.SaturationLevel > 0 && raw >= p.SaturationLevel,
	}, true
}

func maybeSaveImage(img Mat, savePath, filename string) {
	if savePath == "" {
		return
	}
	if _, err := os.Stat(savePath); os.IsNotExist(err) {
		return
	}
	imWriteMat(filepath.Join(savePath, filename), img)
}

func maybeSaveText(savePath, filename, text string) {
	if savePath == "" {
		return
	}
	if _, err := os.Stat(savePath); os.IsNotExist(err) {
		return
	}
	os.WriteFile(filepath.Join(savePath, filename), []byte(text), 0644)
}
