// Package runs tracks in-flight facility runs: their cancellable context,
// terminal outcome and completion callbacks.
package runs

import (
	"context"
	"errors"
	"sync"

	"job-dispatch/internal/domain"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
)

// ErrUnknownToken is returned by OnComplete for tokens the table does not hold.
var ErrUnknownToken = errors.New("unknown run token")

// Run is one enqueued job.
type Run struct {
	Token domain.Token
	Job   *domain.Descriptor
	Args  domain.Args

	// Link points at the span that submitted the run, if any.
	Link trace.Link

	// Ctx is cancelled by Table.Cancel and released once the run completes.
	Ctx    context.Context
	cancel context.CancelFunc

	done      bool
	outcome   domain.Outcome
	callbacks []func(domain.Outcome)
}

// Table maps tokens to runs. A run stays in the table until it has completed
// and its outcome has been handed to a callback.
type Table struct {
	mu   sync.Mutex
	runs map[domain.Token]*Run
}

// NewTable creates an empty run table.
func NewTable() *Table {
	return &Table{runs: make(map[domain.Token]*Run)}
}

// Add creates a run with a fresh token. Its context derives from parent.
func (t *Table) Add(parent context.Context, job *domain.Descriptor, args domain.Args) *Run {
	ctx, cancel := context.WithCancel(parent)
	r := &Run{
		Token:  domain.Token(uuid.NewString()),
		Job:    job,
		Args:   args,
		Ctx:    ctx,
		cancel: cancel,
	}

	t.mu.Lock()
	t.runs[r.Token] = r
	t.mu.Unlock()
	return r
}

// Remove drops a run that never reached a worker.
func (t *Table) Remove(token domain.Token) {
	t.mu.Lock()
	r, ok := t.runs[token]
	delete(t.runs, token)
	t.mu.Unlock()
	if ok {
		r.cancel()
	}
}

// Complete records the terminal outcome of token and fires waiting callbacks.
// Only the first call for a token has any effect.
func (t *Table) Complete(token domain.Token, outcome domain.Outcome) bool {
	t.mu.Lock()
	r, ok := t.runs[token]
	if !ok || r.done {
		t.mu.Unlock()
		return false
	}
	r.done = true
	r.outcome = outcome
	callbacks := r.callbacks
	r.callbacks = nil
	if len(callbacks) > 0 {
		delete(t.runs, token)
	}
	t.mu.Unlock()

	r.cancel()
	for _, fn := range callbacks {
		fn(outcome)
	}
	return true
}

// OnComplete registers fn for token. If the run already completed, fn runs now.
func (t *Table) OnComplete(token domain.Token, fn func(domain.Outcome)) error {
	t.mu.Lock()
	r, ok := t.runs[token]
	if !ok {
		t.mu.Unlock()
		return ErrUnknownToken
	}
	if r.done {
		delete(t.runs, token)
		outcome := r.outcome
		t.mu.Unlock()
		fn(outcome)
		return nil
	}
	r.callbacks = append(r.callbacks, fn)
	t.mu.Unlock()
	return nil
}

// Cancel cancels the run's context. Unknown tokens are ignored.
func (t *Table) Cancel(token domain.Token) {
	t.mu.Lock()
	r, ok := t.runs[token]
	t.mu.Unlock()
	if ok {
		r.cancel()
	}
}

// CancelAll cancels every run that has not completed yet.
func (t *Table) CancelAll() {
	t.mu.Lock()
	active := make([]*Run, 0, len(t.runs))
	for _, r := range t.runs {
		if !r.done {
			active = append(active, r)
		}
	}
	t.mu.Unlock()

	for _, r := range active {
		r.cancel()
	}
}

// Len returns the number of runs held.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.runs)
}
