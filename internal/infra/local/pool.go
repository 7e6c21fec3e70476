// Package local implements an in-process execution facility: a bounded
// queue drained by a fixed pool of worker goroutines.
package local

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"job-dispatch/internal/domain"
	"job-dispatch/internal/metrics"
	"job-dispatch/internal/runs"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Config holds configuration options for the pool.
type Config struct {
	// WorkerCount is the number of concurrent worker goroutines.
	// If zero or negative, defaults to 1.
	WorkerCount int

	// QueueSize is the number of runs that may wait for a free worker.
	QueueSize int
}

// DefaultConfig returns a Config with reasonable defaults.
func DefaultConfig() Config {
	return Config{
		WorkerCount: 4,
		QueueSize:   100,
	}
}

// Pool runs jobs on worker goroutines. It implements domain.ExecutionFacility.
type Pool struct {
	queue       *Queue
	table       *runs.Table
	workerCount int

	// base is the parent of every run context; it outlives submitting requests.
	base       context.Context
	cancelBase context.CancelFunc

	mu      sync.Mutex
	started bool
	wg      sync.WaitGroup

	logger *slog.Logger
	tracer trace.Tracer
}

var _ domain.ExecutionFacility = (*Pool)(nil)

// NewPool creates a pool. Workers are launched by Start.
func NewPool(cfg Config, logger *slog.Logger) *Pool {
	workerCount := cfg.WorkerCount
	if workerCount <= 0 {
		workerCount = 1
		logger.Warn("invalid worker count specified, using default",
			"specified_count", cfg.WorkerCount,
			"default_count", 1)
	}
	queueSize := cfg.QueueSize
	if queueSize < 0 {
		queueSize = 0
	}

	logger = logger.With("component", "local-pool")
	base, cancel := context.WithCancel(context.Background())
	return &Pool{
		queue:       NewQueue(queueSize, logger),
		table:       runs.NewTable(),
		workerCount: workerCount,
		base:        base,
		cancelBase:  cancel,
		logger:      logger,
		tracer:      otel.Tracer("job-dispatch-local-pool"),
	}
}

// Start launches the worker goroutines. It returns immediately.
func (p *Pool) Start(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return nil
	}
	p.started = true

	p.logger.Info("worker pool starting", "worker_count", p.workerCount, "queue_cap", cap(p.queue.runs))
	for i := 0; i < p.workerCount; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	return nil
}

// Enqueue places a job on the queue and returns its token without waiting for it to run.
func (p *Pool) Enqueue(ctx context.Context, job *domain.Descriptor, args domain.Args) (domain.Token, error) {
	r := p.table.Add(p.base, job, args)
	r.Link = trace.LinkFromContext(ctx)

	if err := p.queue.Enqueue(r); err != nil {
		p.table.Remove(r.Token)
		return "", err
	}
	return r.Token, nil
}

// OnComplete registers fn for the terminal outcome of token.
func (p *Pool) OnComplete(token domain.Token, fn func(domain.Outcome)) error {
	return p.table.OnComplete(token, fn)
}

// Cancel cancels the run's context. A queued run then fails without executing;
// a running job sees the cancellation at its next checkpoint.
func (p *Pool) Cancel(token domain.Token) error {
	p.table.Cancel(token)
	return nil
}

// Shutdown closes the queue and waits for workers to drain it.
// If ctx ends first, active runs are cancelled and Shutdown still waits for workers to exit.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.queue.Close()
	p.logger.Info("worker pool draining", "queued", p.queue.Len())

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
		p.logger.Info("worker pool stopped gracefully")
	case <-ctx.Done():
		p.logger.Warn("worker pool shutdown timed out, cancelling active runs")
		p.table.CancelAll()
		<-done
		err = ctx.Err()
	}
	p.cancelBase()
	return err
}

// worker processes runs until the queue is closed and empty.
func (p *Pool) worker(id int) {
	defer p.wg.Done()
	p.logger.Debug("starting worker", "worker_id", id)

	for r := range p.queue.C() {
		p.execute(r, id)
	}
	p.logger.Debug("run queue drained, stopping worker", "worker_id", id)
}

// execute runs a single job and records its outcome.
func (p *Pool) execute(r *runs.Run, workerID int) {
	ctx, span := p.tracer.Start(r.Ctx, "executor.local.Run",
		trace.WithLinks(r.Link),
		trace.WithAttributes(
			attribute.String("job.name", r.Job.Name),
			attribute.String("run.token", string(r.Token)),
		))
	defer span.End()

	logger := p.logger.With("job_name", r.Job.Name, "token", r.Token, "worker_id", workerID)

	var outcome domain.Outcome
	if err := ctx.Err(); err != nil {
		outcome = domain.Failed(fmt.Errorf("%w before start: %w", domain.ErrCancelled, err))
		logger.Info("skipping cancelled run")
	} else {
		logger.Debug("executing job")
		start := time.Now()
		value, err := invoke(ctx, r)
		metrics.JobExecutionSeconds.WithLabelValues(r.Job.Name).Observe(time.Since(start).Seconds())

		if err != nil {
			outcome = domain.Failed(err)
			logger.Warn("job execution failed", "error", err)
		} else {
			outcome = domain.Succeeded(value)
			logger.Debug("job completed successfully")
		}
	}

	if outcome.Status == domain.StatusFailure {
		span.SetStatus(codes.Error, "job execution failed")
		span.RecordError(outcome.Err())
	} else {
		span.SetStatus(codes.Ok, "job execution successful")
	}
	metrics.JobExecutionTotal.WithLabelValues(r.Job.Name, string(outcome.Status)).Inc()

	p.table.Complete(r.Token, outcome)
}

// invoke calls the job body, converting a panic into an error.
func invoke(ctx context.Context, r *runs.Run) (value any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return r.Job.Compute(ctx, r.Args)
}
