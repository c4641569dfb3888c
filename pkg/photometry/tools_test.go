package photometry

import (
	"errors"
	"fmt"
	"math"
	"testing"

	"gopkg.in/yaml.v2"

	"astrophot/pkg/failure"
)

func TestFitPSF(t *testing.T) {
	truth := star{x: 30.3, y: 29.6, amp: 1000, sx: 2.5, sy: 1.5, theta: 30 * math.Pi / 180}
	s := sampledImage(t, 60, 60, 100, truth)

	res, err := FitPSF(s, 30, 30, 8)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(res.X-truth.x) > 0.01 || math.Abs(res.Y-truth.y) > 0.01 {
		t.Errorf("centre (%v, %v)", res.X, res.Y)
	}
	if math.Abs(res.FWHMx-2.5*sigmaToFWHM)/(2.5*sigmaToFWHM) > 0.02 ||
		math.Abs(res.FWHMy-1.5*sigmaToFWHM)/(1.5*sigmaToFWHM) > 0.02 {
		t.Errorf("fwhm %v x %v", res.FWHMx, res.FWHMy)
	}
	if math.Abs(res.Angle-30) > 1 {
		t.Errorf("angle %v, want 30", res.Angle)
	}
	if math.Abs(res.Background-100) > 1 || math.Abs(res.Amplitude-1000) > 10 {
		t.Errorf("levels %s", res)
	}
	if res.RSquared < 0.999 {
		t.Errorf("R^2 %v", res.RSquared)
	}
	if want := math.Sqrt(1 - 1.5*1.5/(2.5*2.5)); math.Abs(res.Eccentricity-want) > 0.02 {
		t.Errorf("eccentricity %v, want %v", res.Eccentricity, want)
	}
}

func TestFitPSFErrors(t *testing.T) {
	s := sampledImage(t, 20, 20, 0)
	if _, err := FitPSF(s, 10, 10, 0); !errors.Is(err, failure.ErrInput) {
		t.Errorf("zero radius: %v", err)
	}
	if _, err := FitPSF(s, -30, 10, 3); !errors.Is(err, failure.ErrGeometry) {
		t.Errorf("off image: %v", err)
	}
}

func TestRadialProfile(t *testing.T) {
	const sigma = 2.0
	s := sampledImage(t, 80, 80, 50, star{x: 40, y: 40, amp: 800, sx: sigma, sy: sigma})
	p, err := RadialProfile(s, Aperture{X: 40, Y: 40, Radius: 8, SkyInner: 14, SkyOuter: 20}, DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	want := sigma * sigmaToFWHM
	if math.Abs(p.FWHM-want) > 0.35 {
		t.Fatalf("FWHM %v, want %v", p.FWHM, want)
	}
	if math.Abs(p.Background-50) > 0.01 || p.Value[0] != 1 {
		t.Fatalf("background %v, first bin %v", p.Background, p.Value[0])
	}
	if p.SuggestedRadius != 1.7*p.FWHM || p.SuggestedSkyInner != 1.9*p.FWHM || p.SuggestedSkyOuter != 2.55*p.FWHM {
		t.Fatalf("suggested radii %v %v %v", p.SuggestedRadius, p.SuggestedSkyInner, p.SuggestedSkyOuter)
	}
	for i := 1; i < len(p.Radius); i++ {
		if p.Radius[i] <= p.Radius[i-1] {
			t.Fatalf("radii not increasing at %d: %v", i, p.Radius)
		}
	}
}

func TestRadialProfileFlat(t *testing.T) {
	values := make([]float32, 40*40)
	for i := range values {
		values[i] = 10
	}
	s := mustSampler(t, values, 40, 40)
	_, err := RadialProfile(s, Aperture{X: 20, Y: 20, Radius: 4, SkyInner: 8, SkyOuter: 12}, DefaultConfig())
	if !errors.Is(err, failure.ErrGeometry) {
		t.Fatalf("got %v, want geometry error", err)
	}
}

func TestDifferential(t *testing.T) {
	target := PhotometryResult{Source: 200, Error: 10}
	comps := []PhotometryResult{{Source: 300, Error: 12}, {Source: 100, Error: 5}}
	res, err := Differential(target, comps)
	if err != nil {
		t.Fatal(err)
	}
	want := 0.5 * math.Sqrt(10.0*10/(200*200)+(12.0*12+5*5)/(400*400))
	if res.Ratio != 0.5 || math.Abs(res.Error-want) > 1e-15 {
		t.Fatalf("ratio %v error %v, want 0.5 %v", res.Ratio, res.Error, want)
	}
	if math.Abs(res.SNR-0.5/want) > 1e-9 || res.Comparison != 400 || res.ComparisonError != 13 {
		t.Fatalf("unexpected %+v", res)
	}

	if _, err := Differential(target, nil); !errors.Is(err, failure.ErrInput) {
		t.Errorf("no comparisons: %v", err)
	}
	if _, err := Differential(target, []PhotometryResult{{Source: -5}}); !errors.Is(err, failure.ErrInput) {
		t.Errorf("negative comparison sum: %v", err)
	}
	if res, err := Differential(PhotometryResult{Error: 3}, comps); err != nil || res.Error != 3.0/400 {
		t.Errorf("zero target: %+v %v", res, err)
	}
}

func TestVariableApertures(t *testing.T) {
	aps := []Aperture{{X: 1, Y: 2, Radius: 5, SkyInner: 8, SkyOuter: 12}, {X: 3, Y: 4, Radius: 6, SkyInner: 10, SkyOuter: 15}}
	cents := []CentroidResult{{XWidth: 1.5, YWidth: 1.5}, {XWidth: 2, YWidth: 3}, {}}
	out, fwhm, err := VariableApertures(aps, cents, 2)
	if err != nil {
		t.Fatal(err)
	}
	if want := sigmaToFWHM * 2; math.Abs(fwhm-want) > 1e-12 {
		t.Fatalf("fwhm %v, want %v", fwhm, want)
	}
	r := 2 * fwhm
	for i, ap := range out {
		delta := r - aps[i].Radius
		if ap.Radius != r || ap.SkyInner != aps[i].SkyInner+delta || ap.SkyOuter != aps[i].SkyOuter+delta {
			t.Errorf("aperture %d: %s", i, ap)
		}
		if ap.X != aps[i].X || ap.Y != aps[i].Y {
			t.Errorf("aperture %d moved", i)
		}
	}
	if _, _, err := VariableApertures(aps, []CentroidResult{{}}, 2); !errors.Is(err, failure.ErrInput) {
		t.Errorf("no widths: %v", err)
	}
}

func TestAlignmentShift(t *testing.T) {
	ref := []CentroidResult{{X: 10, Y: 10, Converged: true}, {X: 30, Y: 12, Converged: true}, {X: 5, Y: 5}}
	cur := []CentroidResult{{X: 9, Y: 10.5, Converged: true}, {X: 29, Y: 12.5, Converged: true}, {X: 100, Y: 100, Converged: true}}
	dx, dy, err := AlignmentShift(ref, cur)
	if err != nil {
		t.Fatal(err)
	}
	if dx != 1 || dy != -0.5 {
		t.Fatalf("shift (%v, %v)", dx, dy)
	}
	if _, _, err := AlignmentShift(ref, cur[:1]); !errors.Is(err, failure.ErrInput) {
		t.Errorf("length mismatch: %v", err)
	}
}

func TestAlignFrame(t *testing.T) {
	s := sampledImage(t, 40, 40, 0, star{x: 18, y: 21, amp: 1000, sx: 1.5, sy: 1.5})
	cur, err := MeasureCentroid(s, 18, 21, 6, DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	ref := CentroidResult{X: 20, Y: 20, Converged: true}
	m, dx, dy, err := AlignFrame(s, []CentroidResult{ref}, []CentroidResult{cur})
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()
	if math.Abs(dx-2) > 0.01 || math.Abs(dy+1) > 0.01 {
		t.Fatalf("shift (%v, %v)", dx, dy)
	}
	if v := m.DataFloat32()[20*40+20]; math.Abs(float64(v)-1000) > 5 {
		t.Fatalf("aligned peak %v", v)
	}
	if v := m.DataFloat32()[0]; !math.IsNaN(float64(v)) {
		t.Fatalf("corner %v, want NaN", v)
	}
}

func TestPolynomial(t *testing.T) {
	p := Polynomial{1, -2, 0.5}
	if got := p.Apply(4); got != 1-8+8 {
		t.Fatalf("Apply(4) = %v", got)
	}
	if got := (Polynomial{}).Apply(7); got != 0 {
		t.Fatalf("empty polynomial = %v", got)
	}
}

func TestConfigYAML(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Background = BackgroundPlanar
	cfg.CCD = CCD{Gain: 1.4, ReadNoise: 9, Dark: 2}
	out, err := yaml.Marshal(cfg)
	if err != nil {
		t.Fatal(err)
	}

	got := DefaultConfig()
	if err := yaml.Unmarshal(out, &got); err != nil {
		t.Fatal(err)
	}
	if got != cfg {
		t.Fatalf("round trip:\n%+v\n%+v", got, cfg)
	}

	var partial Config
	if err := yaml.Unmarshal([]byte("background: bogus\n"), &partial); err == nil {
		t.Fatal("expected error for unknown background model")
	}
}

func ExampleDifferential() {
	target := PhotometryResult{Source: 1500, Error: 40}
	comps := []PhotometryResult{{Source: 2000, Error: 45}, {Source: 1000, Error: 30}}
	res, _ := Differential(target, comps)
	fmt.Printf("ratio %.3f snr %.1f\n", res.Ratio, res.SNR)
	// Output: ratio 0.500 snr 31.1
}
