package amoeba

import (
	"errors"
	"fmt"
	"math"
	"testing"

	"gonum.org/v1/gonum/optimize"

	"astrophot/pkg/failure"
)

func rosenbrock(x []float64) float64 {
	a := 1 - x[0]
	b := x[1] - x[0]*x[0]
	return a*a + 100*b*b
}

func TestRosenbrock(t *testing.T) {
	s := DefaultSettings()
	s.FTol = 1e-12
	res, err := Minimize(rosenbrock, SimplexAround([]float64{-1.2, 1}, []float64{0.5, 0.5}), s)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Converged {
		t.Fatalf("not converged: %v", res)
	}
	if math.Abs(res.X[0]-1) > 1e-3 || math.Abs(res.X[1]-1) > 1e-3 {
		t.Fatalf("minimum at %v, want (1,1)", res.X)
	}
}

func TestQuadraticDimensions(t *testing.T) {
	for _, n := range []int{1, 2, 6, 8, 10} {
		centre := make([]float64, n)
		x0 := make([]float64, n)
		step := make([]float64, n)
		for i := range centre {
			centre[i] = float64(i) - 2.5
			step[i] = 1
		}
		f := func(x []float64) float64 {
			sum := 0.0
			for i := range x {
				d := x[i] - centre[i]
				sum += float64(i+1) * d * d
			}
			return sum
		}
		res, err := Minimize(f, SimplexAround(x0, step), DefaultSettings())
		if err != nil {
			t.Errorf("n=%d: %v", n, err)
			continue
		}
		for i := range centre {
			if math.Abs(res.X[i]-centre[i]) > 1e-4 {
				t.Errorf("n=%d: x[%d]=%v, want %v", n, i, res.X[i], centre[i])
			}
		}
	}
}

// Reflection and contraction leave {-3, -2} with equal values either side
// of the minimum; only a smaller restart simplex gets past it.
func TestStraddledMinimum(t *testing.T) {
	f := func(x []float64) float64 { return (x[0] + 2.5) * (x[0] + 2.5) }
	res, err := Minimize(f, [][]float64{{0}, {1}}, DefaultSettings())
	if err != nil {
		t.Fatal(err)
	}
	if !res.Converged || res.Restarts == 0 {
		t.Fatalf("unexpected result %v", res)
	}
	if math.Abs(res.X[0]+2.5) > 1e-4 || res.F > 1e-8 {
		t.Fatalf("minimum at %v (f=%g), want -2.5", res.X, res.F)
	}
}

func TestIterationCap(t *testing.T) {
	s := Settings{FTol: 1e-15, MaxIter: 5, MaxRestarts: 3}
	res, err := Minimize(rosenbrock, SimplexAround([]float64{-1.2, 1}, []float64{0.5, 0.5}), s)
	if !errors.Is(err, failure.ErrConvergence) {
		t.Fatalf("got %v, want convergence failure", err)
	}
	if res.Converged || res.Iterations != 5 || len(res.X) != 2 {
		t.Fatalf("unexpected result %v %v", res, res.X)
	}
	if res.F > rosenbrock([]float64{-1.2, 1}) {
		t.Fatalf("best value %v worse than the start", res.F)
	}
}

func TestNaNObjective(t *testing.T) {
	f := func(x []float64) float64 {
		if x[0] < 0 {
			return math.NaN()
		}
		return (x[0] - 2) * (x[0] - 2)
	}
	res, err := Minimize(f, [][]float64{{1}, {0.5}}, DefaultSettings())
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(res.X[0]-2) > 1e-2 {
		t.Fatalf("got %v", res.X)
	}
}

func TestBadInput(t *testing.T) {
	cases := []struct {
		name    string
		f       Func
		simplex [][]float64
		s       Settings
	}{
		{"nil func", nil, [][]float64{{0}, {1}}, DefaultSettings()},
		{"one vertex", rosenbrock, [][]float64{{0, 0}}, DefaultSettings()},
		{"ragged", rosenbrock, [][]float64{{0, 0}, {1}, {0, 1}}, DefaultSettings()},
		{"zero tolerance", rosenbrock, [][]float64{{0, 0}, {1, 0}, {0, 1}}, Settings{MaxIter: 10}},
	}
	for _, c := range cases {
		if _, err := Minimize(c.f, c.simplex, c.s); !errors.Is(err, failure.ErrInput) {
			t.Errorf("%s: got %v, want input error", c.name, err)
		}
	}
}

func TestAgreesWithGonum(t *testing.T) {
	f := func(x []float64) float64 {
		a := x[0] - 3
		b := x[1] + 1
		c := x[2] - 0.5
		return a*a + 2*b*b + 4*c*c + a*b
	}
	x0 := []float64{0, 0, 0}

	ref, err := optimize.Minimize(optimize.Problem{Func: f}, x0, nil, &optimize.NelderMead{})
	if err != nil {
		t.Fatal(err)
	}

	res, err := Minimize(f, SimplexAround(x0, []float64{1, 1, 1}), DefaultSettings())
	if err != nil {
		t.Fatal(err)
	}
	for i := range x0 {
		if math.Abs(res.X[i]-ref.X[i]) > 1e-3 {
			t.Fatalf("x[%d]: got %v, gonum %v", i, res.X[i], ref.X[i])
		}
	}
	if math.Abs(res.F-ref.F) > 1e-6 {
		t.Fatalf("f: got %v, gonum %v", res.F, ref.F)
	}
}

func ExampleMinimize() {
	f := func(x []float64) float64 { return (x[0]-1)*(x[0]-1) + (x[1]+2)*(x[1]+2) }
	s := DefaultSettings()
	s.FTol = 1e-12
	res, _ := Minimize(f, SimplexAround([]float64{0, 0}, []float64{1, 1}), s)
	fmt.Printf("%.3f %.3f\n", res.X[0], res.X[1])
	// Output: 1.000 -2.000
}
