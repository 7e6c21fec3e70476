// internal/domain/errors.go
package domain

import "errors"

// Validation errors are returned synchronously by Submit, before any worker sees the job.
var (
	// ErrUnknownJob is returned when a job name is not in the registry.
	ErrUnknownJob = errors.New("unknown job")

	// ErrDuplicateName is returned when a job name is registered twice.
	ErrDuplicateName = errors.New("duplicate job name")

	// ErrInvalidArguments is returned when arguments do not match the job's declared params.
	ErrInvalidArguments = errors.New("invalid arguments")

	// ErrInputTooLarge is returned when an argument exceeds a configured upper bound.
	ErrInputTooLarge = errors.New("input too large")

	// ErrDomain is returned when an argument is outside the job's mathematical domain,
	// e.g. a negative factorial.
	ErrDomain = errors.New("domain error")
)

var (
	// ErrWorkerFault marks a failure raised inside a running job body.
	// Outcome.Err always matches it for failed outcomes.
	ErrWorkerFault = errors.New("worker fault")

	// ErrCancelled is the failure cause for runs cancelled before or during execution.
	ErrCancelled = errors.New("job cancelled")

	// ErrUnknownHandle is returned for handles that were never issued, were already
	// consumed by a single reader, or have expired.
	ErrUnknownHandle = errors.New("unknown handle")
)

// Execution facility errors.
var (
	ErrQueueFull   = errors.New("job queue is full")
	ErrQueueClosed = errors.New("job queue is closed")
	ErrNoWorkers   = errors.New("no available workers")
)
