// Package failure defines the error categories shared by the measurement and
// fitting packages. Callers classify errors with errors.Is.
package failure

import "errors"

var (
	// ErrInput marks malformed requests: bad radii, too few points for a model,
	// mismatched slice lengths. Never worth retrying.
	ErrInput = errors.New("invalid input")

	// ErrConvergence marks an iteration that hit its cap without settling.
	ErrConvergence = errors.New("did not converge")

	// ErrGeometry marks apertures that fall off the image or leave too few
	// usable pixels. A caller may retry with larger radii.
	ErrGeometry = errors.New("aperture geometry")

	// ErrSingularFit marks degenerate least-squares systems such as collinear
	// or duplicated correspondence points.
	ErrSingularFit = errors.New("singular fit")
)

// Retryable reports whether err is a failure that a batch loop may retry with
// an enlarged aperture.
func Retryable(err error) bool {
	return errors.Is(err, ErrGeometry) || errors.Is(err, ErrConvergence)
}
