package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"job-dispatch/internal/dispatcher"
	"job-dispatch/internal/domain"
	"job-dispatch/internal/jobs"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Result keys of the demo flow.
const (
	KeyFibonacci = "fibonacci_result"
	KeyFactorial = "factorial_result"
	KeyDelay     = "task_with_delay_result"
	KeyGetName   = "get_name_rr_result"
)

// Options tune the request flows.
type Options struct {
	// AwaitTimeout bounds how long a request waits for its jobs before answering Pending.
	AwaitTimeout time.Duration

	// DemoDelay is the sleep of the delay jobs started by the demo.
	DemoDelay time.Duration
}

// Lister reports the registered job names.
type Lister interface {
	Names() []string
}

// JobService implements the request flows on top of the dispatcher.
type JobService struct {
	dispatcher *dispatcher.Dispatcher
	catalog    Lister
	opts       Options
	logger     *slog.Logger
	tracer     trace.Tracer
}

// NewJobService creates a new JobService instance.
func NewJobService(d *dispatcher.Dispatcher, catalog Lister, opts Options, logger *slog.Logger) *JobService {
	return &JobService{
		dispatcher: d,
		catalog:    catalog,
		opts:       opts,
		logger:     logger.With("component", "job-service"),
		tracer:     otel.Tracer("job-dispatch-usecase"),
	}
}

// Submission pairs a handle with the outcome observed so far.
type Submission struct {
	Handle  domain.Handle
	Outcome domain.Outcome
}

// DemoResult holds the four demo submissions keyed by result key.
type DemoResult map[string]Submission

// Pending returns the handles of submissions that have not finished.
func (r DemoResult) Pending() map[string]domain.Handle {
	pending := make(map[string]domain.Handle)
	for key, s := range r {
		if s.Outcome.Status == domain.StatusPending {
			pending[key] = s.Handle
		}
	}
	return pending
}

// Values returns the success values keyed by result key.
func (r DemoResult) Values() map[string]any {
	values := make(map[string]any, len(r))
	for key, s := range r {
		values[key] = s.Outcome.Value
	}
	return values
}

// Err returns the first failure among the submissions, if any.
func (r DemoResult) Err() error {
	for _, key := range []string{KeyFibonacci, KeyFactorial, KeyDelay, KeyGetName} {
		if err := r[key].Outcome.Err(); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
	}
	return nil
}

// ListJobs returns the registered job names.
func (s *JobService) ListJobs(ctx context.Context) []string {
	_, span := s.tracer.Start(ctx, "service.ListJobs")
	defer span.End()
	return s.catalog.Names()
}

// RunDemo submits fibonacci(n), factorial(m) and the two delay jobs, then waits for
// all of them against one deadline. Validation errors abort the whole demo.
func (s *JobService) RunDemo(ctx context.Context, n, m int64) (DemoResult, error) {
	ctx, span := s.tracer.Start(ctx, "service.RunDemo")
	defer span.End()
	span.SetAttributes(attribute.Int64("demo.n", n), attribute.Int64("demo.m", m))

	delay := s.opts.DemoDelay.Seconds()
	plan := []struct {
		key  string
		job  string
		args domain.Args
	}{
		{KeyFibonacci, jobs.JobFibonacci, domain.Args{"n": n}},
		{KeyFactorial, jobs.JobFactorial, domain.Args{"n": m}},
		{KeyDelay, jobs.JobDelay, domain.Args{"seconds": delay}},
		{KeyGetName, jobs.JobGetName, domain.Args{"seconds": delay}},
	}

	submitted := make(map[string]domain.Handle, len(plan))
	for _, p := range plan {
		h, err := s.dispatcher.Submit(ctx, p.job, p.args)
		if err != nil {
			s.cancelAll(ctx, submitted)
			span.RecordError(err)
			span.SetStatus(codes.Error, "demo submission failed")
			return nil, err
		}
		submitted[p.key] = h
	}

	handles := make([]domain.Handle, 0, len(submitted))
	for _, h := range submitted {
		handles = append(handles, h)
	}
	outcomes, err := s.dispatcher.AwaitAll(ctx, handles, s.opts.AwaitTimeout)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "demo await failed")
		return nil, err
	}

	result := make(DemoResult, len(submitted))
	for key, h := range submitted {
		result[key] = Submission{Handle: h, Outcome: outcomes[h.ID]}
	}
	if pending := result.Pending(); len(pending) > 0 {
		s.logger.Info("demo answered before all jobs finished", "pending", len(pending))
	}
	return result, nil
}

// cancelAll cancels handles of a demo that could not be fully submitted.
func (s *JobService) cancelAll(ctx context.Context, handles map[string]domain.Handle) {
	for _, h := range handles {
		if err := s.dispatcher.Cancel(ctx, h); err != nil && !errors.Is(err, domain.ErrUnknownHandle) {
			s.logger.Warn("failed to cancel demo job", "handle_id", h.ID, "error", err)
		}
	}
}

// Add submits add(x, y) and waits up to the configured timeout.
// x and y are raw values; non-numeric input fails with domain.ErrInvalidArguments.
func (s *JobService) Add(ctx context.Context, x, y any) (Submission, error) {
	return s.Submit(ctx, jobs.JobAdd, domain.Args{"x": x, "y": y}, s.opts.AwaitTimeout)
}

// Submit submits any registered job and waits up to wait for its outcome.
// A zero wait answers immediately; the outcome is Pending unless the job already finished.
func (s *JobService) Submit(ctx context.Context, name string, args domain.Args, wait time.Duration) (Submission, error) {
	ctx, span := s.tracer.Start(ctx, "service.Submit")
	defer span.End()
	span.SetAttributes(attribute.String("job.name", name))

	h, err := s.dispatcher.Submit(ctx, name, args)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "submission rejected")
		return Submission{}, err
	}

	o, err := s.dispatcher.Await(ctx, h, wait)
	if err != nil {
		span.RecordError(err)
		return Submission{Handle: h, Outcome: domain.Pending()}, err
	}
	return Submission{Handle: h, Outcome: o}, nil
}

// Poll waits up to wait for the outcome of the handle with the given ID.
func (s *JobService) Poll(ctx context.Context, id string, wait time.Duration) (Submission, error) {
	ctx, span := s.tracer.Start(ctx, "service.Poll")
	defer span.End()
	span.SetAttributes(attribute.String("handle.id", id))

	h, err := s.dispatcher.Lookup(id)
	if err != nil {
		return Submission{}, err
	}
	o, err := s.dispatcher.Await(ctx, h, wait)
	if err != nil {
		span.RecordError(err)
		return Submission{Handle: h}, err
	}
	return Submission{Handle: h, Outcome: o}, nil
}

// Cancel asks for the job behind the handle with the given ID to stop.
func (s *JobService) Cancel(ctx context.Context, id string) error {
	ctx, span := s.tracer.Start(ctx, "service.Cancel")
	defer span.End()
	span.SetAttributes(attribute.String("handle.id", id))

	h, err := s.dispatcher.Lookup(id)
	if err != nil {
		return err
	}
	if err := s.dispatcher.Cancel(ctx, h); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "cancel failed")
		return err
	}
	return nil
}
