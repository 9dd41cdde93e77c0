package pipeline

import (
	"github.com/pkg/errors"
)

// Status is lifecycle state of a job
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusPaused  Status = "paused"
	StatusDone    Status = "done"
	StatusError   Status = "error"
)

// transitions lists every allowed status change
var transitions = map[Status][]Status{
	StatusPending: {StatusRunning},
	StatusRunning: {StatusPaused, StatusDone, StatusError},
	StatusPaused:  {StatusRunning},
}

// ParseStatus converts string into Status
func ParseStatus(s string) (Status, error) {
	switch status := Status(s); status {
	case StatusPending, StatusRunning, StatusPaused, StatusDone, StatusError:
		return status, nil
	default:
		return "", errors.Errorf("unknown status '%s'", s)
	}
}

// Terminal reports whether no transition leaves the status
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusError
}

// CanTransition reports whether job may move from one status to another
func CanTransition(from, to Status) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// transitionFrom accepts job only in status from, moving to status to
func transitionFrom(job Job, from, to Status) error {
	if job.Status != from || !CanTransition(from, to) {
		return &TransitionError{JobID: job.ID, From: job.Status, To: to}
	}
	return nil
}

// ToggleTarget returns status a toggle moves the job to:
// pending -> running, running -> paused, paused -> running.
func ToggleTarget(from Status) (Status, error) {
	switch from {
	case StatusPending, StatusPaused:
		return StatusRunning, nil
	case StatusRunning:
		return StatusPaused, nil
	default:
		return from, &TransitionError{From: from, To: from}
	}
}
