package wcs

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"astrophot/pkg/failure"
	"astrophot/pkg/imaging"
)

// FromHeader reads a TAN transform from parsed FITS keywords. The linear part
// comes from CD1_1..CD2_2 when present, otherwise from CDELT1/2 with either
// PC1_1..PC2_2 or the older CROTA2.
func FromHeader(md *imaging.FitsMetadata) (Transform, error) {
	var t Transform
	if md == nil {
		return t, fmt.Errorf("no header: %w", failure.ErrInput)
	}
	for i := 0; i < 2; i++ {
		n := strconv.Itoa(i + 1)
		t.CType[i] = strings.ToUpper(md.GetString("CTYPE" + n))
		if !strings.HasSuffix(t.CType[i], "-TAN") {
			return t, fmt.Errorf("CTYPE%s %q is not a TAN projection: %w", n, t.CType[i], failure.ErrInput)
		}
		crpix, ok1 := md.GetDouble("CRPIX" + n)
		crval, ok2 := md.GetDouble("CRVAL" + n)
		if !ok1 || !ok2 {
			return t, fmt.Errorf("missing CRPIX%s or CRVAL%s: %w", n, n, failure.ErrInput)
		}
		t.CRPix[i] = crpix - 1
		t.CRVal[i] = crval
	}

	if cd, ok := readMatrix(md, "CD"); ok {
		t.CDelt, t.PC = splitCD(cd)
		return t, t.check()
	}

	for i := 0; i < 2; i++ {
		v, ok := md.GetDouble("CDELT" + strconv.Itoa(i+1))
		if !ok {
			return t, fmt.Errorf("neither CD nor CDELT%d: %w", i+1, failure.ErrInput)
		}
		t.CDelt[i] = v
	}
	if pc, ok := readMatrix(md, "PC"); ok {
		t.PC = pc
	} else if rot, ok := md.GetDouble("CROTA2"); ok {
		s, c := math.Sincos(rot * deg)
		r := t.CDelt[1] / t.CDelt[0]
		t.PC = [2][2]float64{{c, -s * r}, {s / r, c}}
	} else {
		t.PC = [2][2]float64{{1, 0}, {0, 1}}
	}
	return t, t.check()
}

func readMatrix(md *imaging.FitsMetadata, prefix string) ([2][2]float64, bool) {
	var m [2][2]float64
	found := false
	for i := 0; i < 2; i++ {
		for j := 0; j < 2; j++ {
			v, ok := md.GetDouble(fmt.Sprintf("%s%d_%d", prefix, i+1, j+1))
			if ok {
				found = true
				m[i][j] = v
			} else if prefix == "PC" && i == j {
				m[i][j] = 1
			}
		}
	}
	return m, found
}

// splitCD factors a CD matrix into row scales and a PC matrix with unit rows.
// A mirrored image puts the sign on CDELT1.
func splitCD(cd [2][2]float64) ([2]float64, [2][2]float64) {
	var cdelt [2]float64
	var pc [2][2]float64
	for i := 0; i < 2; i++ {
		cdelt[i] = math.Hypot(cd[i][0], cd[i][1])
	}
	if cd[0][0]*cd[1][1]-cd[0][1]*cd[1][0] < 0 {
		cdelt[0] = -cdelt[0]
	}
	for i := 0; i < 2; i++ {
		for j := 0; j < 2; j++ {
			if cdelt[i] != 0 {
				pc[i][j] = cd[i][j] / cdelt[i]
			}
		}
	}
	return cdelt, pc
}

func (t Transform) check() error {
	if d := t.linear().Det(); d == 0 || math.IsNaN(d) || math.IsInf(d, 0) {
		return fmt.Errorf("degenerate pixel matrix %v: %w", t.CD(), failure.ErrInput)
	}
	return nil
}

// Header returns the FITS keywords describing t, with CRPIX converted to the
// 1-based FITS convention.
func (t Transform) Header() map[string]string {
	f := func(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }
	ctype := t.CType
	if ctype[0] == "" {
		ctype = [2]string{"RA---TAN", "DEC--TAN"}
	}
	h := map[string]string{
		"CTYPE1": ctype[0],
		"CTYPE2": ctype[1],
	}
	for i := 0; i < 2; i++ {
		n := strconv.Itoa(i + 1)
		h["CRPIX"+n] = f(t.CRPix[i] + 1)
		h["CRVAL"+n] = f(t.CRVal[i])
		h["CDELT"+n] = f(t.CDelt[i])
		for j := 0; j < 2; j++ {
			h[fmt.Sprintf("PC%d_%d", i+1, j+1)] = f(t.PC[i][j])
		}
	}
	return h
}

// ApplyHeader writes t's keywords into md.
func (t Transform) ApplyHeader(md *imaging.FitsMetadata) {
	for k, v := range t.Header() {
		md.Set(k, v)
	}
}
