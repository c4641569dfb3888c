package photometry

import (
	"fmt"
	"math"

	"astrophot/pkg/failure"
	"astrophot/pkg/imaging"
)

// AlignmentShift returns the mean offset (reference - current) over the
// pairs where both centroids converged.
func AlignmentShift(reference, current []CentroidResult) (float64, float64, error) {
	if len(reference) != len(current) {
		return 0, 0, fmt.Errorf("%d reference and %d current centroids: %w", len(reference), len(current), failure.ErrInput)
	}
	var dx, dy float64
	n := 0
	for i := range reference {
		if !reference[i].Converged || !current[i].Converged {
			continue
		}
		dx += reference[i].X - current[i].X
		dy += reference[i].Y - current[i].Y
		n++
	}
	if n == 0 {
		return 0, 0, fmt.Errorf("no converged centroid pairs: %w", failure.ErrInput)
	}
	return dx / float64(n), dy / float64(n), nil
}

// AlignFrame shifts the frame so that its centroids land on the reference
// ones. Pixels shifted in from outside the frame are NaN.
func AlignFrame(s *imaging.Sampler, reference, current []CentroidResult) (imaging.Mat, float64, float64, error) {
	dx, dy, err := AlignmentShift(reference, current)
	if err != nil {
		return imaging.Mat{}, 0, 0, err
	}
	return imaging.Shift(s, dx, dy, float32(math.NaN())), dx, dy, nil
}
