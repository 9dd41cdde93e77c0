package pipeline

import (
	"fmt"

	"github.com/LdDl/mot-pipeline/detect"
	"github.com/LdDl/mot-pipeline/mot"
	"github.com/LdDl/mot-pipeline/source"
	"github.com/pkg/errors"
)

var (
	// ErrInvalidTransition is returned when a control operation doesn't apply to the current status
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrTransientDetection is a retryable detector failure
	ErrTransientDetection = detect.ErrTransient
	// ErrFatalDetection is a detector failure which won't go away on retry
	ErrFatalDetection = detect.ErrFatal
	// ErrDecode is a frame decoding failure
	ErrDecode = source.ErrDecode
	// ErrNumericAnomaly makes the tracker skip a frame
	ErrNumericAnomaly = mot.ErrNumericAnomaly
	// ErrCorruptCheckpoint is returned when checkpoint can't be read or doesn't fit the job
	ErrCorruptCheckpoint  = errors.New("corrupt checkpoint")
	ErrCheckpointNotFound = errors.New("checkpoint not found")
	ErrJobNotFound        = errors.New("job not found")
	ErrInvalidJobSpec     = errors.New("invalid job spec")
)

// TransitionError describes rejected control operation. The job keeps its status.
type TransitionError struct {
	JobID string
	From  Status
	To    Status
}

func (e *TransitionError) Error() string {
	if e.JobID == "" {
		return fmt.Sprintf("%s: %s -> %s", ErrInvalidTransition, e.From, e.To)
	}
	return fmt.Sprintf("%s: job %s: %s -> %s", ErrInvalidTransition, e.JobID, e.From, e.To)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}
