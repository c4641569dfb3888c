package wcs

import (
	"fmt"

	"astrophot/pkg/failure"
	"astrophot/pkg/lsq"
)

// tangentPasses is the number of times the tangent point is re-centred while
// fitting the linear part.
const tangentPasses = 3

// FitAffine estimates a TAN transform with reference pixel crpix from at
// least three non-collinear matches. RA and Dec are first fitted linearly
// against the pixel offsets to find the tangent point; the catalogue
// positions are then projected on that plane and the pixel offsets fitted
// against them, which gives the CD matrix and a correction to the tangent
// point.
func FitAffine(matches []Match, crpix [2]float64) (Transform, error) {
	n := len(matches)
	if n == 0 {
		return Transform{}, fmt.Errorf("no matches: %w", failure.ErrInput)
	}
	dx := make([]float64, n)
	dy := make([]float64, n)
	ra := make([]float64, n)
	dec := make([]float64, n)
	ref := matches[0].Sky[0]
	for i, m := range matches {
		dx[i] = m.Pixel[0] - crpix[0]
		dy[i] = m.Pixel[1] - crpix[1]
		ra[i] = ref + wrapRA(m.Sky[0], ref)
		dec[i] = m.Sky[1]
	}
	cra, err := lsq.FitLinear3(dx, dy, ra, nil)
	if err != nil {
		return Transform{}, fmt.Errorf("RA against pixels: %w", err)
	}
	cdec, err := lsq.FitLinear3(dx, dy, dec, nil)
	if err != nil {
		return Transform{}, fmt.Errorf("Dec against pixels: %w", err)
	}
	if cdec[0] <= -90 || cdec[0] >= 90 {
		return Transform{}, fmt.Errorf("tangent point declination %.3f: %w", cdec[0], failure.ErrSingularFit)
	}

	crval := [2]float64{normRA(cra[0]), cdec[0]}
	pix := make([][2]float64, n)
	std := make([][2]float64, n)
	for i := range matches {
		pix[i] = [2]float64{dx[i], dy[i]}
	}
	var toStd lsq.Affine
	for pass := 0; pass < tangentPasses; pass++ {
		for i, m := range matches {
			xi, eta, err := project(crval, m.Sky[0], m.Sky[1])
			if err != nil {
				return Transform{}, fmt.Errorf("match %d: %w", i, err)
			}
			std[i] = [2]float64{xi / deg, eta / deg}
		}
		toPix, err := lsq.FitAffine(std, pix)
		if err != nil {
			return Transform{}, fmt.Errorf("pixels against projected positions: %w", err)
		}
		if toStd, err = toPix.Invert(); err != nil {
			return Transform{}, err
		}
		crval[0], crval[1] = deproject(crval, toStd[2]*deg, toStd[5]*deg)
	}

	t := Transform{CRPix: crpix, CRVal: crval, CType: [2]string{"RA---TAN", "DEC--TAN"}}
	t.CDelt, t.PC = splitCD([2][2]float64{{toStd[0], toStd[1]}, {toStd[3], toStd[4]}})
	return t, nil
}

// FitShift moves the tangent point of t so that the matches line up on
// average, keeping the reference pixel and the linear part. One match is
// enough.
func FitShift(t Transform, matches []Match) (Transform, error) {
	if len(matches) == 0 {
		return t, fmt.Errorf("no matches: %w", failure.ErrInput)
	}
	lin := t.linear()
	pred := make([][2]float64, len(matches))
	std := make([][2]float64, len(matches))
	for pass := 0; pass < tangentPasses; pass++ {
		for i, m := range matches {
			xi, eta, err := project(t.CRVal, m.Sky[0], m.Sky[1])
			if err != nil {
				return t, fmt.Errorf("match %d: %w", i, err)
			}
			std[i] = [2]float64{xi / deg, eta / deg}
			pred[i][0], pred[i][1] = lin.Apply(m.Pixel[0]-t.CRPix[0], m.Pixel[1]-t.CRPix[1])
		}
		shift, err := lsq.FitShift(pred, std)
		if err != nil {
			return t, err
		}
		t.CRVal[0], t.CRVal[1] = deproject(t.CRVal, shift[2]*deg, shift[5]*deg)
	}
	return t, nil
}
