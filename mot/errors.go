package mot

import "github.com/pkg/errors"

var (
	// ErrNumericAnomaly marks a frame that could not be applied: non-positive
	// time step or a degenerate covariance. The tracker state is left untouched.
	ErrNumericAnomaly = errors.New("numeric anomaly")
	// ErrCorruptSnapshot is returned when a tracker snapshot can't be restored.
	ErrCorruptSnapshot = errors.New("corrupt tracker snapshot")
	// ErrInvalidConfig is returned for tracker configuration that can't be used.
	ErrInvalidConfig = errors.New("invalid tracker configuration")
)
