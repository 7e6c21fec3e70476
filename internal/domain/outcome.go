// internal/domain/outcome.go
package domain

import (
	"errors"
	"fmt"
	"time"
)

// Status defines the state of a submitted job.
type Status string

const (
	StatusPending Status = "pending"
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
)

// Handle references one submission. It is safe to serialize and hand to other processes.
type Handle struct {
	ID          string    `json:"id"`
	JobName     string    `json:"job_name"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// Token identifies one run inside an execution facility.
type Token string

// Outcome is the result of a submission: pending, a success value or a failure reason.
// Pending -> Success|Failure is the only transition.
type Outcome struct {
	Status Status `json:"status"`
	Value  any    `json:"value,omitempty"`
	Reason string `json:"reason,omitempty"`

	// cause is the original error of a failure; it does not cross process boundaries.
	cause error
}

// Pending returns the non-terminal outcome.
func Pending() Outcome {
	return Outcome{Status: StatusPending}
}

// Succeeded returns a success outcome carrying v.
func Succeeded(v any) Outcome {
	return Outcome{Status: StatusSuccess, Value: v}
}

// Failed returns a failure outcome wrapping err.
func Failed(err error) Outcome {
	if err == nil {
		err = errors.New("unspecified failure")
	}
	return Outcome{Status: StatusFailure, Reason: err.Error(), cause: err}
}

// IsTerminal reports whether the outcome is a success or a failure.
func (o Outcome) IsTerminal() bool {
	return o.Status == StatusSuccess || o.Status == StatusFailure
}

// Err returns nil unless the outcome is a failure. The returned error matches
// ErrWorkerFault and, in-process, the original cause.
func (o Outcome) Err() error {
	if o.Status != StatusFailure {
		return nil
	}
	cause := o.cause
	if cause == nil {
		cause = errors.New(o.Reason)
	}
	if errors.Is(cause, ErrWorkerFault) {
		return cause
	}
	return fmt.Errorf("%w: %w", ErrWorkerFault, cause)
}

// Restore rebuilds a failure that crossed a process boundary. Err matches kind,
// when non-nil, as well as ErrWorkerFault.
func Restore(reason string, kind error) Outcome {
	return Outcome{Status: StatusFailure, Reason: reason, cause: &remoteError{reason: reason, kind: kind}}
}

type remoteError struct {
	reason string
	kind   error
}

func (e *remoteError) Error() string { return e.reason }
func (e *remoteError) Unwrap() error { return e.kind }
