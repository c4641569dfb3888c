// Package amoeba is a derivative-free Nelder-Mead simplex minimiser with
// restarts. The objective is a plain function value; any state it needs is
// captured by the closure.
package amoeba

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"astrophot/pkg/failure"
)

// Func is the objective to minimise.
type Func func(x []float64) float64

// Settings controls termination.
type Settings struct {
	// FTol is the fractional spread 2|fhi-flo|/(|fhi|+|flo|) across the
	// simplex at which a run is considered converged.
	FTol float64
	// MaxIter caps the total number of simplex steps over all restarts.
	MaxIter int
	// MaxRestarts caps the number of times the simplex is rebuilt around the
	// best vertex after a converged run.
	MaxRestarts int
}

// DefaultSettings returns the tolerances used for WCS refinement.
func DefaultSettings() Settings {
	return Settings{
		FTol:        1e-6,
		MaxIter:     20000,
		MaxRestarts: 100,
	}
}

// Result is the best vertex found.
type Result struct {
	X           []float64
	F           float64
	Iterations  int
	Restarts    int
	Evaluations int
	Converged   bool
}

func (r Result) String() string {
	return fmt.Sprintf("{F=%g,Iterations=%d,Restarts=%d,Evaluations=%d,Converged=%t}",
		r.F, r.Iterations, r.Restarts, r.Evaluations, r.Converged)
}

const (
	alpha = 1.0 // reflection
	gamma = 2.0 // expansion
	rho   = 0.5 // contraction
	sigma = 0.5 // shrink

	restartShrink = 0.5
	tiny  = 1e-10
)

// SimplexAround builds the n+1 vertex simplex x0, x0+step[0]*e0, ...
func SimplexAround(x0, step []float64) [][]float64 {
	n := len(x0)
	s := make([][]float64, n+1)
	for i := range s {
		s[i] = append([]float64(nil), x0...)
		if i > 0 {
			s[i][i-1] += step[i-1]
		}
	}
	return s
}

// Minimize runs Nelder-Mead from the given starting simplex of n+1 vertices in
// n dimensions. A converged run is followed by restarts from a simplex with
// the original shape, halved at every restart, rebuilt around the best
// vertex, until a restart no longer improves the minimum by more than FTol or
// MaxRestarts is reached.
//
// If MaxIter is exhausted the best vertex so far is returned together with an
// error wrapping failure.ErrConvergence.
func Minimize(f Func, simplex [][]float64, s Settings) (Result, error) {
	if f == nil {
		return Result{}, fmt.Errorf("amoeba: nil objective: %w", failure.ErrInput)
	}
	n := len(simplex) - 1
	if n < 1 {
		return Result{}, fmt.Errorf("amoeba: simplex needs at least 2 vertices, got %d: %w", len(simplex), failure.ErrInput)
	}
	for i, v := range simplex {
		if len(v) != n {
			return Result{}, fmt.Errorf("amoeba: vertex %d has dimension %d, want %d: %w", i, len(v), n, failure.ErrInput)
		}
	}
	if s.FTol <= 0 || s.MaxIter <= 0 || s.MaxRestarts < 0 {
		return Result{}, fmt.Errorf("amoeba: bad settings %+v: %w", s, failure.ErrInput)
	}

	m := &minimizer{f: f, n: n, settings: s}
	m.init(simplex)

	offsets := make([][]float64, n+1)
	for i := range simplex {
		offsets[i] = make([]float64, n)
		floats.SubTo(offsets[i], simplex[i], simplex[0])
	}

	res := Result{}
	prev := math.Inf(1)
	for {
		ok := m.run()
		ilo := m.lowest()
		res.X = append(res.X[:0], m.pts[ilo]...)
		res.F = m.vals[ilo]
		res.Iterations = m.iter
		res.Evaluations = m.evals
		if !ok {
			return res, fmt.Errorf("amoeba: no convergence after %d iterations (best %g): %w", m.iter, res.F, failure.ErrConvergence)
		}
		if res.Restarts >= s.MaxRestarts || !improved(prev, res.F, s.FTol) {
			res.Converged = true
			return res, nil
		}
		prev = res.F
		res.Restarts++
		for _, o := range offsets {
			floats.Scale(restartShrink, o)
		}
		m.rebuild(res.X, offsets)
	}
}

func improved(prev, cur, ftol float64) bool {
	if math.IsInf(prev, 1) {
		return true
	}
	return 2*(prev-cur)/(math.Abs(prev)+math.Abs(cur)+tiny) > ftol
}

type minimizer struct {
	f        Func
	n        int
	settings Settings
	pts      [][]float64
	vals     []float64
	iter     int
	evals    int

	centroid, xr, xe, xc []float64
}

func (m *minimizer) eval(x []float64) float64 {
	m.evals++
	v := m.f(x)
	if math.IsNaN(v) {
		return math.Inf(1)
	}
	return v
}

func (m *minimizer) init(simplex [][]float64) {
	m.pts = make([][]float64, m.n+1)
	m.vals = make([]float64, m.n+1)
	for i, v := range simplex {
		m.pts[i] = append([]float64(nil), v...)
		m.vals[i] = m.eval(m.pts[i])
	}
	m.centroid = make([]float64, m.n)
	m.xr = make([]float64, m.n)
	m.xe = make([]float64, m.n)
	m.xc = make([]float64, m.n)
}

func (m *minimizer) rebuild(best []float64, offsets [][]float64) {
	for i := range m.pts {
		floats.AddTo(m.pts[i], best, offsets[i])
		m.vals[i] = m.eval(m.pts[i])
	}
}

func (m *minimizer) lowest() int {
	ilo := 0
	for i, v := range m.vals {
		if v < m.vals[ilo] {
			ilo = i
		}
	}
	return ilo
}

// order returns the indices of the lowest, highest and next-highest vertices.
func (m *minimizer) order() (ilo, ihi, inhi int) {
	ilo = 0
	if m.vals[0] > m.vals[1] {
		ihi, inhi = 0, 1
	} else {
		ihi, inhi = 1, 0
	}
	for i, v := range m.vals {
		if v < m.vals[ilo] {
			ilo = i
		}
		if v > m.vals[ihi] {
			inhi = ihi
			ihi = i
		} else if v > m.vals[inhi] && i != ihi {
			inhi = i
		}
	}
	return ilo, ihi, inhi
}

// run iterates until the simplex spread falls below FTol (true) or the
// iteration budget is gone (false).
func (m *minimizer) run() bool {
	for {
		ilo, ihi, inhi := m.order()
		flo, fhi := m.vals[ilo], m.vals[ihi]
		if flo == fhi || 2*math.Abs(fhi-flo)/(math.Abs(fhi)+math.Abs(flo)+tiny) < m.settings.FTol {
			return true
		}
		if m.iter >= m.settings.MaxIter {
			return false
		}
		m.iter++
		m.step(ilo, ihi, inhi)
	}
}

func (m *minimizer) step(ilo, ihi, inhi int) {
	for j := range m.centroid {
		m.centroid[j] = 0
	}
	for i, p := range m.pts {
		if i != ihi {
			floats.Add(m.centroid, p)
		}
	}
	floats.Scale(1/float64(m.n), m.centroid)

	xhi := m.pts[ihi]
	// xr = c + alpha*(c - xhi)
	for j := range m.xr {
		m.xr[j] = m.centroid[j] + alpha*(m.centroid[j]-xhi[j])
	}
	fr := m.eval(m.xr)

	switch {
	case fr < m.vals[ilo]:
		for j := range m.xe {
			m.xe[j] = m.centroid[j] + gamma*(m.xr[j]-m.centroid[j])
		}
		if fe := m.eval(m.xe); fe < fr {
			m.accept(ihi, m.xe, fe)
		} else {
			m.accept(ihi, m.xr, fr)
		}
	case fr < m.vals[inhi]:
		m.accept(ihi, m.xr, fr)
	default:
		outside := fr < m.vals[ihi]
		from := xhi
		if outside {
			from = m.xr
		}
		for j := range m.xc {
			m.xc[j] = m.centroid[j] + rho*(from[j]-m.centroid[j])
		}
		fc := m.eval(m.xc)
		if (outside && fc <= fr) || (!outside && fc < m.vals[ihi]) {
			m.accept(ihi, m.xc, fc)
			return
		}
		m.shrink(ilo)
	}
}

func (m *minimizer) accept(i int, x []float64, v float64) {
	copy(m.pts[i], x)
	m.vals[i] = v
}

func (m *minimizer) shrink(ilo int) {
	lo := m.pts[ilo]
	for i, p := range m.pts {
		if i == ilo {
			continue
		}
		for j := range p {
			p[j] = lo[j] + sigma*(p[j]-lo[j])
		}
		m.vals[i] = m.eval(p)
	}
}
