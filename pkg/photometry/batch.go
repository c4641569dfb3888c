package photometry

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"

	"astrophot/pkg/failure"
	"astrophot/pkg/imaging"
)

// MeasureSource centroids the source in ap and measures its photometry at
// the refined position. A centroid that failed in forgiving mode leaves the
// aperture where it was seeded. With RetryOnFailure, a geometry or
// convergence failure is retried once with every radius grown by
// RetryGrowth.
func MeasureSource(s *imaging.Sampler, ap Aperture, cfg Config) Measurement {
	m := measureSource(s, ap, cfg)
	if m.Err != nil && cfg.RetryOnFailure && failure.Retryable(m.Err) {
		growth := cfg.RetryGrowth
		if !(growth > 1) {
			growth = 1.5
		}
		m = measureSource(s, ap.Grow(growth), cfg)
	}
	return m
}

func measureSource(s *imaging.Sampler, ap Aperture, cfg Config) Measurement {
	m := Measurement{Aperture: ap}
	if m.Err = ap.Validate(); m.Err != nil {
		return m
	}
	ccfg := cfg
	ccfg.SkyInner, ccfg.SkyOuter = ap.SkyInner, ap.SkyOuter
	m.Centroid, m.Err = MeasureCentroid(s, ap.X, ap.Y, ap.Radius, ccfg)
	if m.Err != nil {
		return m
	}
	if m.Centroid.State != Failed {
		m.Aperture.X, m.Aperture.Y = m.Centroid.X, m.Centroid.Y
	}
	m.Photometry, m.Err = NewPhotometer(cfg).MeasureAperture(s, m.Aperture)
	return m
}

// BatchItem is one aperture on one frame.
type BatchItem struct {
	Frame    *imaging.Sampler
	Aperture Aperture
}

// MeasureBatch measures independent items in parallel. Results are in item
// order. Unless cfg.Forgiving is set the first failure cancels the items
// not yet started and is returned.
func MeasureBatch(ctx context.Context, items []BatchItem, cfg Config) ([]Measurement, error) {
	return measureParallel(ctx, len(items), cfg, func(i int) Measurement {
		return MeasureSource(items[i].Frame, items[i].Aperture, cfg)
	})
}

// MeasureFrames measures the same apertures on a sequence of frames. With
// cfg.TrackMean the mean centroid shift of the successful apertures moves
// every aperture for the next frame; otherwise with cfg.Follow each aperture
// follows its own centroid.
func MeasureFrames(ctx context.Context, frames []*imaging.Sampler, aps []Aperture, cfg Config) ([][]Measurement, error) {
	current := append([]Aperture(nil), aps...)
	out := make([][]Measurement, 0, len(frames))
	for f, frame := range frames {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		res, err := measureParallel(ctx, len(current), cfg, func(i int) Measurement {
			return MeasureSource(frame, current[i], cfg)
		})
		out = append(out, res)
		if err != nil {
			return out, fmt.Errorf("frame %d: %w", f, err)
		}
		current = nextApertures(current, res, cfg)
	}
	return out, nil
}

// nextApertures moves the apertures for the following frame. Grown retry
// radii are not carried forward.
func nextApertures(current []Aperture, res []Measurement, cfg Config) []Aperture {
	next := append([]Aperture(nil), current...)
	switch {
	case cfg.TrackMean:
		var dx, dy float64
		n := 0
		for i, m := range res {
			if m.Err == nil && m.Centroid.Converged {
				dx += m.Centroid.X - current[i].X
				dy += m.Centroid.Y - current[i].Y
				n++
			}
		}
		if n == 0 {
			return next
		}
		dx, dy = dx/float64(n), dy/float64(n)
		for i := range next {
			next[i].X += dx
			next[i].Y += dy
		}
	case cfg.Follow:
		for i, m := range res {
			if m.Err == nil && m.Centroid.Converged {
				next[i].X, next[i].Y = m.Centroid.X, m.Centroid.Y
			}
		}
	}
	return next
}

// measureParallel runs fn for 0..n-1 on a bounded set of goroutines and
// stores each result at its own index.
func measureParallel(ctx context.Context, n int, cfg Config, fn func(i int) Measurement) ([]Measurement, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	workers := cfg.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	results := make([]Measurement, n)
	var wg sync.WaitGroup
	sem := make(chan struct{}, workers)
	for i := 0; i < n; i++ {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := ctx.Err(); err != nil {
				results[i].Err = err
				return
			}
			results[i] = fn(i)
			if results[i].Err != nil && !cfg.Forgiving {
				cancel()
			}
		}(i)
	}
	wg.Wait()

	if cfg.Forgiving {
		return results, ctx.Err()
	}
	var cancelled error
	for i, m := range results {
		switch {
		case m.Err == nil:
		case errors.Is(m.Err, context.Canceled) || errors.Is(m.Err, context.DeadlineExceeded):
			if cancelled == nil {
				cancelled = fmt.Errorf("item %d: %w", i, m.Err)
			}
		default:
			return results, fmt.Errorf("item %d: %w", i, m.Err)
		}
	}
	return results, cancelled
}
