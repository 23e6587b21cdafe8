package job

import (
	"errors"
	"fmt"
)

var (
	// ErrTimeout is returned when the deadline passes while the job is still
	// QUEUED or RUNNING. The caller may wait again with a fresh deadline.
	ErrTimeout = errors.New("job did not complete before deadline")

	// ErrNotFound is returned by a StatusFetcher when the server does not know
	// the job. Whether it is retried depends on the Poller's NotFoundPolicy.
	ErrNotFound = errors.New("job not found")
)

// FailedError is returned when the server reports the job as FAILED.
// It is authoritative and never retried.
type FailedError struct {
	JobID       string
	Code        string
	Description string
}

// Error implements the error interface.
func (e *FailedError) Error() string {
	return fmt.Sprintf("job %s failed: %s: %s", e.JobID, e.Code, e.Description)
}

// TransientError marks a status fetch failure that is worth retrying, such as
// a connection reset or a 5xx response.
type TransientError struct {
	Err error
}

// Error implements the error interface.
func (e *TransientError) Error() string {
	return fmt.Sprintf("transient fetch error: %v", e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *TransientError) Unwrap() error {
	return e.Err
}

// Transient always reports true.
func (e *TransientError) Transient() bool { return true }

// IsTransient reports whether err, or anything it wraps, declares itself
// transient through a Transient() bool method. A bare context error is not
// transient; one wrapped in a transient error, such as a per-request HTTP
// timeout, is. Callers tell their own cancellation apart by checking ctx.Err().
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var t interface{ Transient() bool }
	if errors.As(err, &t) {
		return t.Transient()
	}
	return false
}

// IsFailed reports whether err is a job-reported failure.
func IsFailed(err error) bool {
	var f *FailedError
	return errors.As(err, &f)
}

// Outcome is the tagged result of a wait.
type Outcome string

const (
	// OutcomeSucceeded means the job finished, or there was no job to wait for.
	OutcomeSucceeded Outcome = "succeeded"

	// OutcomeFailed means the server reported the job as failed.
	OutcomeFailed Outcome = "failed"

	// OutcomeTimedOut means the deadline passed first.
	OutcomeTimedOut Outcome = "timed_out"

	// OutcomeAborted covers cancellation and non-transient fetch errors.
	OutcomeAborted Outcome = "aborted"
)

// OutcomeOf classifies the error returned by WaitForCompletion.
func OutcomeOf(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeSucceeded
	case IsFailed(err):
		return OutcomeFailed
	case errors.Is(err, ErrTimeout):
		return OutcomeTimedOut
	default:
		return OutcomeAborted
	}
}
