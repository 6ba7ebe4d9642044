package tether

import (
	"errors"
	"fmt"

	"github.com/xraph/tether/id"
)

var (
	// ErrShutdown is returned by Submit after a shutdown was requested.
	ErrShutdown = errors.New("tether: executor is shut down")

	// ErrCancelled is the terminal outcome of an explicitly cancelled
	// run. Futures wrap it with job and run identifiers; match with
	// errors.Is.
	ErrCancelled = errors.New("tether: run cancelled")
)

// APIError is an error reported by the remote service. The status code
// classifies it: 5xx and 429 responses are transient and safe to retry.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("tether: remote service error (status %d): %s", e.StatusCode, e.Message)
}

// Transient reports whether retrying the same request may succeed.
func (e *APIError) Transient() bool {
	return e.StatusCode >= 500 || e.StatusCode == 429
}

// Transient reports whether err is a transient remote service error.
func Transient(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.Transient()
}

// ExecutionError is the terminal outcome of a run that reached the
// failed state after any retry budget was exhausted. It carries the
// remote failure cause and the identifiers of the last attempted run.
type ExecutionError struct {
	JobID  id.JobID
	RunID  id.RunID
	Detail string
}

func (e *ExecutionError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("tether: run %s of job %s failed", e.RunID, e.JobID)
	}
	return fmt.Sprintf("tether: run %s of job %s failed: %s", e.RunID, e.JobID, e.Detail)
}
