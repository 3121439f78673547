package scheduler

import (
	"errors"
	"fmt"
)

// Validation and state errors: always the caller's fault, never retried
// automatically.
var (
	ErrInvalidParams     = errors.New("scheduler: invalid job parameters")
	ErrJobNotFound       = errors.New("scheduler: job not found")
	ErrInvalidTransition = errors.New("scheduler: invalid job state transition")
)

// Admission errors: transient, safe to retry later.
var (
	ErrResourceLimit  = errors.New("scheduler: resource limit exceeded")
	ErrDuplicateJobID = errors.New("scheduler: duplicate job id")
)

// DuplicateSyncError reports that another job already holds the lock for
// the same normalized repository URL.
type DuplicateSyncError struct {
	RepositoryURL string // normalized form
	HolderJobID   string
}

func (e *DuplicateSyncError) Error() string {
	return fmt.Sprintf("scheduler: repository %s is already being synced by job %s", e.RepositoryURL, e.HolderJobID)
}
