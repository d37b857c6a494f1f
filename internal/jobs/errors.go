package jobs

import "errors"

var (
	ErrJobNotFound       = errors.New("job not found")
	ErrExecutionNotFound = errors.New("execution not found")
	// ErrInvalidTransition is returned when an operation is not allowed from
	// the job's current status.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrRunInProgress rejects a manual run while one for the same job is
	// queued or running.
	ErrRunInProgress = errors.New("a run of this job is already in progress")
	ErrInvalidJob    = errors.New("invalid job")
)
