package wcs

import (
	"errors"
	"fmt"
	"math"
	"testing"

	"astrophot/pkg/failure"
	"astrophot/pkg/imaging"
)

func skewed() Transform {
	t := NewTangent([2]float64{300, 200}, [2]float64{359.98, -20}, 5e-4, 0)
	t.PC = [2][2]float64{{0.98, 0.05}, {-0.03, 1.02}}
	return t
}

func TestRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		tr   Transform
	}{
		{"rotated", NewTangent([2]float64{512, 384}, [2]float64{150, 30}, 2.5e-4, 10)},
		{"near pole", NewTangent([2]float64{1024, 1024}, [2]float64{10, 89.5}, 1e-3, -35)},
		{"skewed across RA 0", skewed()},
	}
	for _, c := range cases {
		for y := -100.0; y <= 1100; y += 75 {
			for x := -100.0; x <= 1100; x += 75 {
				ra, dec := c.tr.PixelToSky(x, y)
				if ra < 0 || ra >= 360 {
					t.Fatalf("%s: RA %v out of range", c.name, ra)
				}
				px, py, err := c.tr.SkyToPixel(ra, dec)
				if err != nil {
					t.Fatalf("%s: %v", c.name, err)
				}
				if math.Abs(px-x) > 1e-9 || math.Abs(py-y) > 1e-9 {
					t.Fatalf("%s: (%v, %v) came back as (%v, %v)", c.name, x, y, px, py)
				}
			}
		}
	}
}

func TestOrientation(t *testing.T) {
	tr := NewTangent([2]float64{100, 100}, [2]float64{40, 10}, 1.0/3600, 0)
	if ra, dec := tr.PixelToSky(100, 100); math.Abs(ra-40) > 1e-12 || math.Abs(dec-10) > 1e-12 {
		t.Fatalf("reference pixel maps to (%v, %v)", ra, dec)
	}
	ra, _ := tr.PixelToSky(90, 100)
	if !(ra > 40) {
		t.Errorf("RA should grow to the left, got %v", ra)
	}
	_, dec := tr.PixelToSky(100, 110)
	if !(dec > 10) {
		t.Errorf("Dec should grow with y, got %v", dec)
	}
	if s := tr.Scale() * 3600; math.Abs(s-1) > 1e-12 {
		t.Errorf("scale %v arcsec", s)
	}
}

func TestSkyToPixelHorizon(t *testing.T) {
	tr := NewTangent([2]float64{0, 0}, [2]float64{0, 0}, 1e-3, 0)
	for _, p := range [][2]float64{{95, 0}, {180, 10}, {-100, 0}} {
		if _, _, err := tr.SkyToPixel(p[0], p[1]); !errors.Is(err, failure.ErrGeometry) {
			t.Errorf("%v: got %v, want geometry error", p, err)
		}
	}
}

func TestResidualsAndRMS(t *testing.T) {
	tr := NewTangent([2]float64{50, 50}, [2]float64{210, -45}, 2e-4, 5)
	var matches []Match
	for _, p := range [][2]float64{{10, 10}, {90, 20}, {40, 80}} {
		ra, dec := tr.PixelToSky(p[0], p[1])
		matches = append(matches, Match{Pixel: [2]float64{p[0] + 3, p[1] - 4}, Sky: [2]float64{ra, dec}})
	}
	res, err := tr.Residuals(matches)
	if err != nil {
		t.Fatal(err)
	}
	for i, r := range res {
		if math.Abs(r[0]+3) > 1e-9 || math.Abs(r[1]-4) > 1e-9 {
			t.Errorf("residual %d = %v", i, r)
		}
	}
	if rms, err := tr.RMS(matches); err != nil || math.Abs(rms-5) > 1e-9 {
		t.Errorf("RMS %v, %v", rms, err)
	}
	if _, err := tr.RMS(nil); !errors.Is(err, failure.ErrInput) {
		t.Errorf("empty RMS: %v", err)
	}
}

func matchesFor(tr Transform, pixels ...[2]float64) []Match {
	out := make([]Match, len(pixels))
	for i, p := range pixels {
		ra, dec := tr.PixelToSky(p[0], p[1])
		out[i] = Match{Pixel: p, Sky: [2]float64{ra, dec}}
	}
	return out
}

func TestFitAffineExact(t *testing.T) {
	for _, truth := range []Transform{
		NewTangent([2]float64{500, 500}, [2]float64{83.8, -5.4}, 1.0/3600, 23),
		NewTangent([2]float64{500, 500}, [2]float64{0.01, 60}, 2.0/3600, -140),
		skewed(),
	} {
		matches := matchesFor(truth, [2]float64{300, 320}, [2]float64{700, 410}, [2]float64{520, 760})
		got, err := FitAffine(matches, truth.CRPix)
		if err != nil {
			t.Fatal(err)
		}
		if math.Abs(wrapRA(got.CRVal[0], truth.CRVal[0])) > 1e-9 || math.Abs(got.CRVal[1]-truth.CRVal[1]) > 1e-9 {
			t.Errorf("CRVal %v, want %v", got.CRVal, truth.CRVal)
		}
		want, have := truth.CD(), got.CD()
		for i := 0; i < 2; i++ {
			for j := 0; j < 2; j++ {
				if math.Abs(have[i][j]-want[i][j]) > 1e-9*truth.Scale() {
					t.Errorf("CD %v, want %v", have, want)
				}
			}
		}
		probe := matchesFor(truth, [2]float64{650, 200}, [2]float64{100, 900})
		if rms, err := got.RMS(probe); err != nil || rms > 1e-4 {
			t.Errorf("probe RMS %v, %v", rms, err)
		}
	}
}

func TestFitAffineRecoversRotation(t *testing.T) {
	truth := NewTangent([2]float64{0, 0}, [2]float64{120, 15}, 1.5/3600, 64)
	got, err := FitAffine(matchesFor(truth, [2]float64{-200, -100}, [2]float64{250, -50}, [2]float64{0, 300}, [2]float64{100, 100}), truth.CRPix)
	if err != nil {
		t.Fatal(err)
	}
	if got.CDelt[0] >= 0 || math.Abs(got.CDelt[1]-1.5/3600) > 1e-12 {
		t.Errorf("CDelt %v", got.CDelt)
	}
	rot := math.Atan2(got.PC[0][1], got.PC[0][0]) / deg
	if math.Abs(rot-64) > 1e-6 {
		t.Errorf("rotation %v, want 64", rot)
	}
}

func TestFitAffineSingular(t *testing.T) {
	truth := NewTangent([2]float64{500, 500}, [2]float64{83.8, -5.4}, 1.0/3600, 23)
	cases := []struct {
		name   string
		pixels [][2]float64
	}{
		{"two points", [][2]float64{{100, 100}, {400, 300}}},
		{"collinear", [][2]float64{{100, 100}, {200, 200}, {300, 300}}},
		{"duplicate", [][2]float64{{100, 100}, {100, 100}, {600, 300}}},
	}
	for _, c := range cases {
		if _, err := FitAffine(matchesFor(truth, c.pixels...), truth.CRPix); !errors.Is(err, failure.ErrSingularFit) {
			t.Errorf("%s: got %v, want singular fit", c.name, err)
		}
	}
	if _, err := FitAffine(nil, truth.CRPix); !errors.Is(err, failure.ErrInput) {
		t.Errorf("no matches: %v", err)
	}
}

func TestFitShift(t *testing.T) {
	truth := NewTangent([2]float64{400, 300}, [2]float64{250, 45}, 1.0/3600, 12)
	guess := truth
	guess.CRVal[0] += 30.0 / 3600
	guess.CRVal[1] -= 20.0 / 3600

	got, err := FitShift(guess, matchesFor(truth, [2]float64{150, 500}))
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(got.CRVal[0]-truth.CRVal[0]) > 1e-9 || math.Abs(got.CRVal[1]-truth.CRVal[1]) > 1e-9 {
		t.Fatalf("CRVal %v, want %v", got.CRVal, truth.CRVal)
	}
	if got.PC != truth.PC || got.CDelt != truth.CDelt || got.CRPix != truth.CRPix {
		t.Fatalf("shift changed the linear part: %s", got)
	}
	if _, err := FitShift(guess, nil); !errors.Is(err, failure.ErrInput) {
		t.Errorf("no matches: %v", err)
	}
}

func closeTransforms(t *testing.T, got, want Transform, tol float64) {
	t.Helper()
	for i := 0; i < 2; i++ {
		if math.Abs(got.CRPix[i]-want.CRPix[i]) > tol || math.Abs(got.CRVal[i]-want.CRVal[i]) > tol ||
			math.Abs(got.CDelt[i]-want.CDelt[i]) > tol*math.Abs(want.CDelt[i]) {
			t.Fatalf("got %s, want %s", got, want)
		}
		for j := 0; j < 2; j++ {
			if math.Abs(got.PC[i][j]-want.PC[i][j]) > tol {
				t.Fatalf("PC %v, want %v", got.PC, want.PC)
			}
		}
	}
}

func TestHeaderRoundTrip(t *testing.T) {
	want := NewTangent([2]float64{511.5, 383.25}, [2]float64{150.125, 30.5}, 2.5e-4, 10)
	md := imaging.NewFitsMetadata()
	want.ApplyHeader(md)
	if got := md.GetString("CRPIX1"); got != "512.5" {
		t.Fatalf("CRPIX1 %q, want the 1-based 512.5", got)
	}
	got, err := FromHeader(md)
	if err != nil {
		t.Fatal(err)
	}
	closeTransforms(t, got, want, 1e-12)
	if got.CType != want.CType {
		t.Fatalf("CTYPE %v", got.CType)
	}
}

func TestFromHeaderVariants(t *testing.T) {
	want := NewTangent([2]float64{99, 49}, [2]float64{10.5, -30}, 1.0/3600, 23)
	base := func() *imaging.FitsMetadata {
		md := imaging.NewFitsMetadata()
		md.Set("CTYPE1", "RA---TAN")
		md.Set("CTYPE2", "DEC--TAN")
		md.Set("CRPIX1", "100")
		md.Set("CRPIX2", "50")
		md.Set("CRVAL1", "10.5")
		md.Set("CRVAL2", "-30")
		return md
	}

	md := base()
	cd := want.CD()
	for i := 0; i < 2; i++ {
		for j := 0; j < 2; j++ {
			md.Set(fmt.Sprintf("CD%d_%d", i+1, j+1), fmt.Sprint(cd[i][j]))
		}
	}
	got, err := FromHeader(md)
	if err != nil {
		t.Fatal(err)
	}
	closeTransforms(t, got, want, 1e-12)

	md = base()
	md.Set("CDELT1", fmt.Sprint(-1.0/3600))
	md.Set("CDELT2", fmt.Sprint(1.0/3600))
	md.Set("CROTA2", "23")
	if got, err = FromHeader(md); err != nil {
		t.Fatal(err)
	}
	closeTransforms(t, got, want, 1e-12)

	delete(md.Headers, "CROTA2")
	if got, err = FromHeader(md); err != nil {
		t.Fatal(err)
	}
	if got.PC != [2][2]float64{{1, 0}, {0, 1}} {
		t.Fatalf("default PC %v", got.PC)
	}

	bad := []struct {
		name string
		edit func(md *imaging.FitsMetadata)
	}{
		{"sin projection", func(md *imaging.FitsMetadata) { md.Set("CTYPE1", "RA---SIN") }},
		{"no crval", func(md *imaging.FitsMetadata) { delete(md.Headers, "CRVAL2") }},
		{"no scale", func(md *imaging.FitsMetadata) {}},
		{"zero scale", func(md *imaging.FitsMetadata) { md.Set("CDELT1", "0"); md.Set("CDELT2", "0.001") }},
	}
	for _, c := range bad {
		md := base()
		c.edit(md)
		if _, err := FromHeader(md); !errors.Is(err, failure.ErrInput) {
			t.Errorf("%s: got %v, want input error", c.name, err)
		}
	}
}

func TestTwoStar(t *testing.T) {
	truth := NewTangent([2]float64{1023.5, 767.5}, [2]float64{210.8, 54.35}, 1.2/3600, 37)
	ms := matchesFor(truth, [2]float64{400, 300}, [2]float64{1500, 1100})
	res, err := TwoStar(ms[0], ms[1], 2048, 1536)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(res.Scale-1.2) > 1e-3 {
		t.Errorf("scale %v", res.Scale)
	}
	if math.Abs(res.Rotation-37) > 1e-6 {
		t.Errorf("rotation %v", res.Rotation)
	}
	if math.Abs(res.PixelSeparation-math.Hypot(1100, 800)) > 1e-9 {
		t.Errorf("pixel separation %v", res.PixelSeparation)
	}

	r1, d1 := ms[0].Sky[0]*deg, ms[0].Sky[1]*deg
	r2, d2 := ms[1].Sky[0]*deg, ms[1].Sky[1]*deg
	pa := math.Atan2(math.Sin(r2-r1)*math.Cos(d2), math.Cos(d1)*math.Sin(d2)-math.Sin(d1)*math.Cos(d2)*math.Cos(r2-r1))
	if pa < 0 {
		pa += 2 * math.Pi
	}
	if math.Abs(res.PositionAngle.Rad()-pa) > 1e-9 {
		t.Errorf("position angle %v, want %v", res.PositionAngle.Deg(), pa/deg)
	}
	sep := math.Acos(math.Sin(d1)*math.Sin(d2) + math.Cos(d1)*math.Cos(d2)*math.Cos(r2-r1))
	if math.Abs(res.Separation.Rad()-sep) > 1e-9 {
		t.Errorf("separation %v, want %v", res.Separation.Rad(), sep)
	}

	closeTransforms(t, res.Transform, truth, 1e-7)
	if rms, err := res.Transform.RMS(ms); err != nil || rms > 1e-6 {
		t.Errorf("RMS %v, %v", rms, err)
	}
}

func TestTwoStarPositionAngle(t *testing.T) {
	a := Match{Pixel: [2]float64{60, 50}, Sky: [2]float64{100, 20}}
	cases := []struct {
		name  string
		pixel [2]float64
		sky   [2]float64
		pa    float64
	}{
		{"north", [2]float64{60, 95}, [2]float64{100, 20.05}, 0},
		{"east", [2]float64{20, 50}, [2]float64{100.05, 20}, 90},
		{"south", [2]float64{60, 5}, [2]float64{100, 19.95}, 180},
		{"west", [2]float64{100, 50}, [2]float64{99.95, 20}, 270},
	}
	for _, c := range cases {
		res, err := TwoStar(a, Match{Pixel: c.pixel, Sky: c.sky}, 120, 100)
		if err != nil {
			t.Fatalf("%s: %v", c.name, err)
		}
		d := math.Mod(res.PositionAngle.Deg()-c.pa+540, 360) - 180
		if math.Abs(d) > 0.05 {
			t.Errorf("%s: position angle %v, want %v", c.name, res.PositionAngle.Deg(), c.pa)
		}
		if pa := res.PositionAngle.Deg(); pa < 0 || pa >= 360 {
			t.Errorf("%s: position angle %v out of range", c.name, pa)
		}
		if math.Abs(res.Rotation) > 0.05 {
			t.Errorf("%s: rotation %v, want 0", c.name, res.Rotation)
		}
	}
}

func TestTwoStarErrors(t *testing.T) {
	a := Match{Pixel: [2]float64{10, 10}, Sky: [2]float64{100, 20}}
	b := Match{Pixel: [2]float64{10, 10}, Sky: [2]float64{100.1, 20}}
	if _, err := TwoStar(a, b, 100, 100); !errors.Is(err, failure.ErrSingularFit) {
		t.Errorf("same pixel: %v", err)
	}
	b.Pixel[0] = 50
	if _, err := TwoStar(a, b, 0, 100); !errors.Is(err, failure.ErrInput) {
		t.Errorf("no image: %v", err)
	}
	b.Sky = a.Sky
	if _, err := TwoStar(a, b, 100, 100); !errors.Is(err, failure.ErrSingularFit) {
		t.Errorf("same sky position: %v", err)
	}
}

func ExampleTransform_PixelToSky() {
	t := NewTangent([2]float64{512, 512}, [2]float64{180, 45}, 1.0/3600, 0)
	ra, dec := t.PixelToSky(512, 1112)
	fmt.Printf("%.6f %.6f\n", ra, dec)
	// Output: 180.000000 45.166666
}
