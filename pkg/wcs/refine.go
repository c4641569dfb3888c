package wcs

import (
	"context"
	"fmt"
	"math"
	"runtime"
	"sync"

	xrand "golang.org/x/exp/rand"

	"astrophot/pkg/amoeba"
	"astrophot/pkg/failure"
)

// RefineOptions selects the free parameters and the search effort of Refine.
// CRVal and PC are always free.
type RefineOptions struct {
	FitScale    bool // also fit CDelt
	FitRefPixel bool // also fit CRPix
	Starts      int  // independent random starting simplexes, default 1
	Seed        uint64
	Settings    amoeba.Settings // zero value means amoeba.DefaultSettings
	Workers     int             // default runtime.NumCPU
}

// RefineResult is the best transform over all starts.
type RefineResult struct {
	Transform Transform
	Cost      float64 // sum of squared pixel residuals over 2N
	RMS       float64
	Start     int
	Optimizer amoeba.Result
}

func (r RefineResult) String() string {
	return fmt.Sprintf("{Cost=%g, RMS=%f px, Start=%d, Optimizer=%s}", r.Cost, r.RMS, r.Start, r.Optimizer)
}

func (o RefineOptions) params() int {
	n := 6
	if o.FitScale {
		n += 2
	}
	if o.FitRefPixel {
		n += 2
	}
	return n
}

func (o RefineOptions) pack(t Transform) []float64 {
	p := []float64{t.CRVal[0], t.CRVal[1], t.PC[0][0], t.PC[0][1], t.PC[1][0], t.PC[1][1]}
	if o.FitScale {
		p = append(p, t.CDelt[0], t.CDelt[1])
	}
	if o.FitRefPixel {
		p = append(p, t.CRPix[0], t.CRPix[1])
	}
	return p
}

func (o RefineOptions) unpack(base Transform, p []float64) Transform {
	t := base
	t.CRVal = [2]float64{normRA(p[0]), p[1]}
	t.PC = [2][2]float64{{p[2], p[3]}, {p[4], p[5]}}
	k := 6
	if o.FitScale {
		t.CDelt = [2]float64{p[k], p[k+1]}
		k += 2
	}
	if o.FitRefPixel {
		t.CRPix = [2]float64{p[k], p[k+1]}
	}
	return t
}

// cost is the mean half squared distance between the observed pixels and
// the projected catalogue positions.
func cost(t Transform, matches []Match) float64 {
	if math.Abs(t.CRVal[1]) >= 90 {
		return math.Inf(1)
	}
	sum := 0.0
	for _, m := range matches {
		x, y, err := t.SkyToPixel(m.Sky[0], m.Sky[1])
		if err != nil {
			return math.Inf(1)
		}
		dx, dy := x-m.Pixel[0], y-m.Pixel[1]
		sum += dx*dx + dy*dy
	}
	return sum / float64(2*len(matches))
}

// simplex builds a random starting simplex about p: CRVal within about 20
// arcsec, PC within 0.1, CDelt up to 10% larger and CRPix within 10 pixels.
func (o RefineOptions) simplex(p []float64, rng *xrand.Rand) [][]float64 {
	const crvalSigma = 20.0 / 3600
	s := make([][]float64, len(p)+1)
	for j := range s {
		v := append([]float64(nil), p...)
		v[0] += crvalSigma * rng.NormFloat64() / math.Cos(p[1]*deg)
		v[1] += crvalSigma * rng.NormFloat64()
		for k := 2; k < 6; k++ {
			v[k] += 0.1 * rng.NormFloat64()
		}
		k := 6
		if o.FitScale {
			v[k] *= 1 + 0.1*rng.Float64()
			v[k+1] *= 1 + 0.1*rng.Float64()
			k += 2
		}
		if o.FitRefPixel {
			v[k] += 10 * rng.NormFloat64()
			v[k+1] += 10 * rng.NormFloat64()
		}
		s[j] = v
	}
	return s
}

type startResult struct {
	res amoeba.Result
	err error
}

// Refine improves t by minimising the pixel residuals of the matches with
// the simplex method. Each start uses its own random source seeded from
// opts.Seed and the start index, so results do not depend on scheduling.
// The best start wins; ties go to the lower index.
func Refine(ctx context.Context, t Transform, matches []Match, opts RefineOptions) (RefineResult, error) {
	npar := opts.params()
	if len(matches) < npar {
		return RefineResult{}, fmt.Errorf("%d matches for %d parameters: %w", len(matches), npar, failure.ErrInput)
	}
	if err := t.check(); err != nil {
		return RefineResult{}, err
	}
	starts := max(opts.Starts, 1)
	settings := opts.Settings
	if settings == (amoeba.Settings{}) {
		settings = amoeba.DefaultSettings()
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	p0 := opts.pack(t)
	f := func(p []float64) float64 { return cost(opts.unpack(t, p), matches) }

	results := make([]startResult, starts)
	var wg sync.WaitGroup
	sem := make(chan struct{}, workers)
	for i := 0; i < starts; i++ {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := ctx.Err(); err != nil {
				results[i].err = err
				return
			}
			src := &xrand.PCGSource{}
			src.Seed(opts.Seed + uint64(i))
			simplex := opts.simplex(p0, xrand.New(src))
			results[i].res, results[i].err = amoeba.Minimize(f, simplex, settings)
		}(i)
	}
	wg.Wait()
	if err := ctx.Err(); err != nil {
		return RefineResult{}, err
	}

	best, firstErr := -1, error(nil)
	for i, r := range results {
		if r.err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("start %d: %w", i, r.err)
			}
			continue
		}
		if best < 0 || r.res.F < results[best].res.F {
			best = i
		}
	}
	if best < 0 {
		return RefineResult{}, firstErr
	}

	out := RefineResult{
		Transform: opts.unpack(t, results[best].res.X),
		Cost:      results[best].res.F,
		Start:     best,
		Optimizer: results[best].res,
	}
	rms, err := out.Transform.RMS(matches)
	if err != nil {
		return out, err
	}
	out.RMS = rms
	return out, nil
}
