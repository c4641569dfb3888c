// Package lsq solves weighted linear least-squares problems through the
// normal equations and provides the small fixed models built on top of it:
// 3-parameter linear fits, planes and affine point transforms.
package lsq

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"astrophot/pkg/failure"
)

// MaxCondition is the largest condition number of the normal matrix accepted
// before a system is reported as singular.
const MaxCondition = 1e12

// ErrSingular is returned when the normal matrix cannot be inverted.
var ErrSingular = fmt.Errorf("normal matrix is singular: %w", failure.ErrSingularFit)

// Solve returns the parameter vector p minimising sum w_i*(A_i.p - b_i)^2.
// A nil w means unit weights. The normal equations (A^T W A) p = A^T W b are
// factorised with LU.
func Solve(a mat.Matrix, b, w []float64) ([]float64, error) {
	rows, cols := a.Dims()
	if len(b) != rows {
		return nil, fmt.Errorf("lsq: %d observations for %d design rows: %w", len(b), rows, failure.ErrInput)
	}
	if w != nil && len(w) != rows {
		return nil, fmt.Errorf("lsq: %d weights for %d design rows: %w", len(w), rows, failure.ErrInput)
	}
	if cols == 0 {
		return nil, fmt.Errorf("lsq: empty design matrix: %w", failure.ErrInput)
	}
	if rows < cols {
		return nil, fmt.Errorf("lsq: %d rows cannot constrain %d parameters: %w", rows, cols, ErrSingular)
	}

	aw := mat.NewDense(rows, cols, nil)
	bw := mat.NewVecDense(rows, nil)
	for i := 0; i < rows; i++ {
		s := 1.0
		if w != nil {
			if w[i] < 0 || math.IsNaN(w[i]) {
				return nil, fmt.Errorf("lsq: weight %d is %v: %w", i, w[i], failure.ErrInput)
			}
			s = math.Sqrt(w[i])
		}
		for j := 0; j < cols; j++ {
			aw.Set(i, j, s*a.At(i, j))
		}
		bw.SetVec(i, s*b[i])
	}

	var ata mat.Dense
	ata.Mul(aw.T(), aw)
	var atb mat.VecDense
	atb.MulVec(aw.T(), bw)

	var lu mat.LU
	lu.Factorize(&ata)
	if c := lu.Cond(); math.IsNaN(c) || c > MaxCondition {
		return nil, fmt.Errorf("lsq: condition number %.3g: %w", c, ErrSingular)
	}

	var p mat.VecDense
	if err := lu.SolveVecTo(&p, false, &atb); err != nil {
		return nil, fmt.Errorf("lsq: %v: %w", err, ErrSingular)
	}

	out := make([]float64, cols)
	for j := range out {
		out[j] = p.AtVec(j)
		if math.IsNaN(out[j]) || math.IsInf(out[j], 0) {
			return nil, fmt.Errorf("lsq: non-finite parameter %d: %w", j, ErrSingular)
		}
	}
	return out, nil
}

// SolveSquare solves the square system A x = b directly. It is used for
// damped normal equations that the caller has already assembled.
func SolveSquare(a mat.Matrix, b []float64) ([]float64, error) {
	r, c := a.Dims()
	if r != c || r != len(b) {
		return nil, fmt.Errorf("lsq: %dx%d matrix for %d unknowns: %w", r, c, len(b), failure.ErrInput)
	}
	var lu mat.LU
	lu.Factorize(a)
	if cond := lu.Cond(); math.IsNaN(cond) || cond > MaxCondition*1e3 {
		return nil, fmt.Errorf("lsq: condition number %.3g: %w", cond, ErrSingular)
	}
	var x mat.VecDense
	if err := lu.SolveVecTo(&x, false, mat.NewVecDense(r, append([]float64(nil), b...))); err != nil {
		return nil, fmt.Errorf("lsq: %v: %w", err, ErrSingular)
	}
	return x.RawVector().Data, nil
}

// RMS returns the root mean square of the residuals A.p - b.
func RMS(a mat.Matrix, b, p []float64) float64 {
	rows, cols := a.Dims()
	if rows == 0 {
		return 0
	}
	sum := 0.0
	for i := 0; i < rows; i++ {
		r := -b[i]
		for j := 0; j < cols; j++ {
			r += a.At(i, j) * p[j]
		}
		sum += r * r
	}
	return math.Sqrt(sum / float64(rows))
}
