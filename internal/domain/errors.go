package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by stores and the orchestrator facade.

var (
	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("resource not found")

	// ErrPreconditionFailed indicates a status predicate did not match: the
	// row moved under the caller, who must re-read and retry or give up.
	ErrPreconditionFailed = errors.New("precondition failed")

	// ErrDuplicateJob indicates a fingerprint-matching pending or claimed job
	// already exists and the submitter requested deduplication.
	ErrDuplicateJob = errors.New("duplicate job")

	// ErrCapacityExceeded indicates a robot load update would exceed its
	// concurrency cap.
	ErrCapacityExceeded = errors.New("robot capacity exceeded")

	// ErrJobNotCancellable indicates the job already reached a terminal state.
	ErrJobNotCancellable = errors.New("job not cancellable")

	// ErrJobNotRetryable indicates RetryJob was called on a job that is not
	// failed or cancelled.
	ErrJobNotRetryable = errors.New("job not retryable")

	ErrRobotNotFound      = errors.New("robot not found")
	ErrScheduleNotFound   = errors.New("schedule not found")
	ErrCheckpointNotFound = errors.New("checkpoint not found")
	ErrDeadLetterNotFound = errors.New("dead letter entry not found")
	ErrEscalationNotFound = errors.New("escalation not found")

	ErrInvalidJob      = errors.New("invalid job")
	ErrInvalidSchedule = errors.New("invalid schedule")
	ErrInvalidRobot    = errors.New("invalid robot")
	ErrInvalidID       = errors.New("invalid ID format")
)

// TransientError wraps a retriable store error (network, serialization
// failure). Store operations retry these internally a bounded number of times;
// anything still transient after that surfaces to the caller wrapped.
type TransientError struct {
	Err error
}

func (e TransientError) Error() string { return fmt.Sprintf("transient: %v", e.Err) }
func (e TransientError) Unwrap() error { return e.Err }

// Transient marks an error as retriable.
func Transient(err error) error {
	return TransientError{Err: err}
}

// IsTransient reports whether the error chain contains a TransientError.
func IsTransient(err error) bool {
	var te TransientError
	return errors.As(err, &te)
}
