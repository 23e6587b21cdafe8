// Package job waits for server-side asynchronous operations to reach a
// terminal state.
//
// Mutating API calls such as deletes and purges answer with a job reference
// instead of a final result. A Poller fetches the job's status on a bounded
// exponential backoff until it is FINISHED or FAILED, retrying transient
// fetch errors and giving up once the deadline elapses.
package job

import (
	"fmt"
	"strings"
)

// Status is the lifecycle state of a job.
type Status string

const (
	// StatusQueued means the job has been accepted but not started.
	StatusQueued Status = "QUEUED"

	// StatusRunning means the job is executing.
	StatusRunning Status = "RUNNING"

	// StatusFinished is terminal: the job succeeded.
	StatusFinished Status = "FINISHED"

	// StatusFailed is terminal: the job failed and carries an ErrorDetail.
	StatusFailed Status = "FAILED"
)

// ParseStatus maps a wire value to a Status. It accepts the v2 lowercase
// states (queued, running, finished, failed) and the v3 states (PROCESSING,
// POLLING, COMPLETE, FAILED).
func ParseStatus(s string) (Status, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "QUEUED":
		return StatusQueued, nil
	case "RUNNING", "PROCESSING", "POLLING":
		return StatusRunning, nil
	case "FINISHED", "COMPLETE":
		return StatusFinished, nil
	case "FAILED":
		return StatusFailed, nil
	default:
		return "", fmt.Errorf("unknown job status %q", s)
	}
}

// IsTerminal reports whether no further transition is expected.
func (s Status) IsTerminal() bool {
	return s == StatusFinished || s == StatusFailed
}

// ErrorDetail is the server's explanation of a failed job.
type ErrorDetail struct {
	Code        string `json:"code"`
	Description string `json:"description"`
	ErrorCode   string `json:"error_code,omitempty"`
}

// Reference identifies a server-side job and carries its last observed state.
// A nil *Reference stands for an operation that completed synchronously.
type Reference struct {
	ID     string       `json:"id"`
	Status Status       `json:"status"`
	Error  *ErrorDetail `json:"error,omitempty"`
}

// String renders the reference for logs.
func (r *Reference) String() string {
	if r == nil {
		return "<sync>"
	}
	return fmt.Sprintf("job %s (%s)", r.ID, r.Status)
}
