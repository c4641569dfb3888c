package lsq

import (
	"errors"
	"fmt"
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"

	"astrophot/pkg/failure"
)

func TestSolveLine(t *testing.T) {
	// y = 2 + 3x sampled exactly.
	a := mat.NewDense(4, 2, []float64{1, 0, 1, 1, 1, 2, 1, 3})
	b := []float64{2, 5, 8, 11}
	p, err := Solve(a, b, nil)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(p[0]-2) > 1e-12 || math.Abs(p[1]-3) > 1e-12 {
		t.Fatalf("got %v, want [2 3]", p)
	}
	if r := RMS(a, b, p); r > 1e-12 {
		t.Fatalf("rms %g", r)
	}
}

func TestSolveWeighted(t *testing.T) {
	// Two inconsistent observations of a constant; the weights pull the
	// answer towards the heavier one: (1*0 + 3*4)/4 = 3.
	a := mat.NewDense(2, 1, []float64{1, 1})
	p, err := Solve(a, []float64{0, 4}, []float64{1, 3})
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(p[0]-3) > 1e-12 {
		t.Fatalf("got %v, want 3", p[0])
	}
}

func TestSolveInputErrors(t *testing.T) {
	a := mat.NewDense(3, 2, []float64{1, 0, 1, 1, 1, 2})
	cases := []struct {
		name string
		b, w []float64
	}{
		{"short b", []float64{1, 2}, nil},
		{"short w", []float64{1, 2, 3}, []float64{1}},
		{"negative w", []float64{1, 2, 3}, []float64{1, -1, 1}},
	}
	for _, c := range cases {
		if _, err := Solve(a, c.b, c.w); !errors.Is(err, failure.ErrInput) {
			t.Errorf("%s: got %v, want input error", c.name, err)
		}
	}
}

func TestFitAffineExact(t *testing.T) {
	// rotation by 30 degrees, scale 1.5, shift (10, -4)
	th := 30 * math.Pi / 180
	s := 1.5
	want := Affine{s * math.Cos(th), -s * math.Sin(th), 10, s * math.Sin(th), s * math.Cos(th), -4}
	src := [][2]float64{{0, 0}, {100, 5}, {20, 80}}
	dst := make([][2]float64, len(src))
	for i, p := range src {
		x, y := want.Apply(p[0], p[1])
		dst[i] = [2]float64{x, y}
	}
	got, err := FitAffine(src, dst)
	if err != nil {
		t.Fatal(err)
	}
	for i := range want {
		if math.Abs(got[i]-want[i]) > 1e-9 {
			t.Fatalf("coefficient %d: got %v, want %v", i, got[i], want[i])
		}
	}
	if math.Abs(got.Scale()-s) > 1e-9 {
		t.Errorf("scale %v", got.Scale())
	}
	if math.Abs(got.RotationDeg()-30) > 1e-9 {
		t.Errorf("rotation %v", got.RotationDeg())
	}
	if r := AffineRMS(got, src, dst); r > 1e-9 {
		t.Errorf("residual %g", r)
	}
}

func TestFitLinear3FarFromOrigin(t *testing.T) {
	// A cluster one pixel across, 1e5 pixels from the origin.
	x := []float64{1e5, 1e5 + 1, 1e5, 1e5 + 1, 1e5 + 0.5}
	y := []float64{2e5, 2e5, 2e5 + 1, 2e5 + 1, 2e5 + 0.3}
	want := Coeffs3{3, 2, -0.5}
	out := make([]float64, len(x))
	for i := range x {
		out[i] = want.Eval(x[i], y[i])
	}
	got, err := FitLinear3(x, y, out, nil)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(got[1]-want[1]) > 1e-8 || math.Abs(got[2]-want[2]) > 1e-8 {
		t.Errorf("slopes %v, want %v", got, want)
	}
	for i := range x {
		if d := got.Eval(x[i], y[i]) - out[i]; math.Abs(d) > 1e-6 {
			t.Errorf("point %d: residual %g", i, d)
		}
	}
}

func TestFitAffineDegenerate(t *testing.T) {
	cases := []struct {
		name string
		src  [][2]float64
	}{
		{"two points", [][2]float64{{0, 0}, {1, 1}}},
		{"three collinear", [][2]float64{{0, 0}, {1, 1}, {2, 2}}},
		{"repeated point", [][2]float64{{3, 4}, {3, 4}, {3, 4}, {3, 4}}},
	}
	for _, c := range cases {
		_, err := FitAffine(c.src, c.src)
		if !errors.Is(err, failure.ErrSingularFit) {
			t.Errorf("%s: got %v, want singular fit", c.name, err)
		}
	}
}

func TestAffineInvert(t *testing.T) {
	m := Affine{1.2, 0.3, -5, -0.1, 0.9, 7}
	inv, err := m.Invert()
	if err != nil {
		t.Fatal(err)
	}
	x, y := inv.Apply(m.Apply(13.5, -2.25))
	if math.Abs(x-13.5) > 1e-12 || math.Abs(y+2.25) > 1e-12 {
		t.Fatalf("round trip gave (%v, %v)", x, y)
	}
	id := m.Mult(inv)
	for i, v := range Identity() {
		if math.Abs(id[i]-v) > 1e-12 {
			t.Fatalf("m*inv = %v", id)
		}
	}
	if _, err := (Affine{1, 2, 0, 2, 4, 0}).Invert(); !errors.Is(err, failure.ErrSingularFit) {
		t.Fatalf("got %v, want singular", err)
	}
}

func TestFitShift(t *testing.T) {
	m, err := FitShift([][2]float64{{1, 1}}, [][2]float64{{3.5, -1}})
	if err != nil {
		t.Fatal(err)
	}
	if m != Translation(2.5, -2) {
		t.Fatalf("got %v", m)
	}
	if _, err := FitShift(nil, nil); !errors.Is(err, failure.ErrInput) {
		t.Fatalf("got %v, want input error", err)
	}
}

func TestFitPlane(t *testing.T) {
	var x, y, z []float64
	for j := -3; j <= 3; j++ {
		for i := -3; i <= 3; i++ {
			x = append(x, float64(i))
			y = append(y, float64(j))
			z = append(z, 100+0.5*float64(i)-0.25*float64(j))
		}
	}
	c, err := FitPlane(x, y, z, nil)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(c[0]-100) > 1e-9 || math.Abs(c[1]-0.5) > 1e-9 || math.Abs(c[2]+0.25) > 1e-9 {
		t.Fatalf("got %v", c)
	}
	if v := c.Eval(2, 2); math.Abs(v-100.5) > 1e-9 {
		t.Fatalf("eval %v", v)
	}
}

func ExampleFitAffine() {
	src := [][2]float64{{0, 0}, {10, 0}, {0, 10}}
	dst := [][2]float64{{5, 5}, {5, 15}, {-5, 5}}
	m, _ := FitAffine(src, dst)
	fmt.Printf("rotation %.1f scale %.1f\n", m.RotationDeg(), m.Scale())
	// Output: rotation 90.0 scale 1.0
}
