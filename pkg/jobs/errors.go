package jobs

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicateJob is returned when an enqueued job id already exists.
	ErrDuplicateJob = errors.New("job id already exists")
	// ErrInvalidTransition is returned for status changes outside the
	// lifecycle state machine.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// JobNotFound reports an operation against an unknown job id.
type JobNotFound struct {
	ID string
}

func (e *JobNotFound) Error() string {
	return fmt.Sprintf("job not found: %s", e.ID)
}
