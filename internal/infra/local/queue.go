package local

import (
	"fmt"
	"log/slog"
	"sync"

	"job-dispatch/internal/domain"
	"job-dispatch/internal/runs"
)

// Queue is a bounded FIFO of runs waiting for a worker.
type Queue struct {
	mu     sync.RWMutex
	runs   chan *runs.Run
	closed bool
	logger *slog.Logger
}

// NewQueue creates a new queue with the specified buffer size.
func NewQueue(size int, logger *slog.Logger) *Queue {
	return &Queue{
		runs:   make(chan *runs.Run, size),
		logger: logger,
	}
}

// Enqueue adds a run without blocking.
// It returns domain.ErrQueueFull or domain.ErrQueueClosed when the run cannot be accepted.
func (q *Queue) Enqueue(r *runs.Run) error {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return domain.ErrQueueClosed
	}

	select {
	case q.runs <- r:
		q.logger.Debug("run enqueued",
			"token", r.Token,
			"job_name", r.Job.Name,
			"queue_len", len(q.runs),
			"queue_cap", cap(q.runs))
		return nil
	default:
		return fmt.Errorf("%w: queue capacity %d reached", domain.ErrQueueFull, cap(q.runs))
	}
}

// Close stops further submissions. Runs already queued can still be received.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.runs)
		q.logger.Info("run queue closed")
	}
}

// C returns the channel workers receive runs from.
func (q *Queue) C() <-chan *runs.Run {
	return q.runs
}

// Len returns the number of queued runs.
func (q *Queue) Len() int {
	return len(q.runs)
}
