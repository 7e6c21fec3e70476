// internal/domain/facility.go
package domain

import "context"

// ExecutionFacility runs submitted jobs off the caller's path.
// Implementations own their queues and workers; callers only see tokens.
type ExecutionFacility interface {
	// Start launches workers. It returns immediately.
	Start(ctx context.Context) error

	// Enqueue hands a bound job to the facility without waiting for it to run.
	Enqueue(ctx context.Context, job *Descriptor, args Args) (Token, error)

	// OnComplete registers fn to receive the terminal outcome of token exactly once.
	// If the run already finished, fn is called immediately.
	OnComplete(token Token, fn func(Outcome)) error

	// Cancel asks the run to stop. It is best-effort; cancelling an unknown or
	// finished token is a no-op.
	Cancel(token Token) error

	// Shutdown stops accepting work and drains queued runs. Runs still active
	// when ctx ends are cancelled.
	Shutdown(ctx context.Context) error
}
