package photometry

import (
	"fmt"
	"slices"

	"astrophot/pkg/failure"
)

const (
	fieldEdgeFraction = 0.25
	minSourcesPerZone = 3
	minSourcesForTilt = 20
	fieldZones        = 9
)

// Zone is a cell of the 3x3 field grid, numbered row by row from the top
// left (smallest x and y).
type Zone int

const (
	ZoneNone Zone = iota - 1
	ZoneTopLeft
	ZoneTop
	ZoneTopRight
	ZoneLeft
	ZoneCenter
	ZoneRight
	ZoneBottomLeft
	ZoneBottom
	ZoneBottomRight
)

var zoneLabels = [fieldZones]string{"TL", "T", "TR", "L", "Center", "R", "BL", "B", "BR"}

func (z Zone) String() string {
	if z < 0 || int(z) >= fieldZones {
		return "none"
	}
	return zoneLabels[z]
}

var cornerZones = []Zone{ZoneTopLeft, ZoneTopRight, ZoneBottomLeft, ZoneBottomRight}

// ZoneSeeing summarises the sources measured in one zone.
type ZoneSeeing struct {
	Count           int
	MedianFWHM      float64
	MedianRoundness float64
}

// FieldSeeing compares the image quality over the field. TiltPct is the
// spread between the best and worst corner and OffAxisPct the mean excess
// of the outer zones, both relative to the centre FWHM.
type FieldSeeing struct {
	Zones       [fieldZones]ZoneSeeing
	TiltPct     float64
	OffAxisPct  float64
	BestCorner  Zone
	WorstCorner Zone
	Reliable    bool
}

func (f FieldSeeing) String() string {
	return fmt.Sprintf("{Center=%.3f px, Tilt=%.1f%% (%s/%s), OffAxis=%.1f%%, Reliable=%t}",
		f.Zones[ZoneCenter].MedianFWHM, f.TiltPct, f.BestCorner, f.WorstCorner, f.OffAxisPct, f.Reliable)
}

// AnalyzeField buckets the successful measurements of a width×height frame
// into a 3x3 grid, by aperture position, and compares their moment FWHM.
func AnalyzeField(ms []Measurement, width, height int) (FieldSeeing, error) {
	f := FieldSeeing{BestCorner: ZoneNone, WorstCorner: ZoneNone}
	if width <= 0 || height <= 0 {
		return f, fmt.Errorf("field size %dx%d: %w", width, height, failure.ErrInput)
	}
	xLo, xHi := float64(width)*fieldEdgeFraction, float64(width)*(1-fieldEdgeFraction)
	yLo, yHi := float64(height)*fieldEdgeFraction, float64(height)*(1-fieldEdgeFraction)

	var fwhm, round [fieldZones][]float64
	total := 0
	for _, m := range ms {
		if m.Err != nil || !(m.Centroid.XWidth > 0 && m.Centroid.YWidth > 0) {
			continue
		}
		z := classifyZone(m.Aperture.X, m.Aperture.Y, xLo, xHi, yLo, yHi)
		fwhm[z] = append(fwhm[z], m.Centroid.FWHM())
		round[z] = append(round[z], m.Centroid.Roundness)
		total++
	}
	if total == 0 {
		return f, fmt.Errorf("no measured sources to analyse: %w", failure.ErrInput)
	}
	for z := range f.Zones {
		f.Zones[z] = ZoneSeeing{Count: len(fwhm[z]), MedianFWHM: median(fwhm[z]), MedianRoundness: median(round[z])}
	}

	centre := f.Zones[ZoneCenter].MedianFWHM
	if !(centre > 0) {
		return f, nil
	}

	best, worst := 0.0, 0.0
	corners := 0
	for _, z := range cornerZones {
		zs := f.Zones[z]
		if zs.Count < minSourcesPerZone {
			continue
		}
		if corners == 0 || zs.MedianFWHM < best {
			best, f.BestCorner = zs.MedianFWHM, z
		}
		if corners == 0 || zs.MedianFWHM > worst {
			worst, f.WorstCorner = zs.MedianFWHM, z
		}
		corners++
	}
	if corners >= 2 {
		f.TiltPct = (worst - best) / centre * 100
	} else {
		f.BestCorner, f.WorstCorner = ZoneNone, ZoneNone
	}

	var sum float64
	n := 0
	for z, zs := range f.Zones {
		if Zone(z) == ZoneCenter || zs.Count < minSourcesPerZone {
			continue
		}
		sum += zs.MedianFWHM
		n++
	}
	if n > 0 {
		f.OffAxisPct = (sum/float64(n) - centre) / centre * 100
	}

	f.Reliable = total >= minSourcesForTilt && corners == len(cornerZones) && f.Zones[ZoneCenter].Count >= minSourcesPerZone
	return f, nil
}

func classifyZone(x, y, xLo, xHi, yLo, yHi float64) Zone {
	col, row := 1, 1
	switch {
	case x < xLo:
		col = 0
	case x >= xHi:
		col = 2
	}
	switch {
	case y < yLo:
		row = 0
	case y >= yHi:
		row = 2
	}
	return Zone(row*3 + col)
}

func median(values []float64) float64 {
	n := len(values)
	if n == 0 {
		return 0
	}
	sorted := slices.Clone(values)
	slices.Sort(sorted)
	if n%2 == 0 {
		return (sorted[n/2-1] + sorted[n/2]) / 2
	}
	return sorted[n/2]
}
