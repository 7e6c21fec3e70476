// Package dispatcher submits registered jobs to an execution facility and
// hands their outcomes back to callers without polling.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"job-dispatch/internal/domain"
	"job-dispatch/internal/metrics"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// WaitForever makes Await block until the outcome arrives or ctx ends.
const WaitForever time.Duration = -1

// Catalog resolves job names to descriptors.
type Catalog interface {
	Lookup(name string) (*domain.Descriptor, error)
}

// Config controls how long handles are kept.
type Config struct {
	// HandleTTL is how long a terminal outcome stays readable without a reader.
	HandleTTL time.Duration

	// PendingTTL drops handles that have not resolved this long after submission.
	// Zero keeps pending handles until they resolve.
	PendingTTL time.Duration
}

// DefaultConfig returns the default handle retention.
func DefaultConfig() Config {
	return Config{
		HandleTTL:  10 * time.Minute,
		PendingTTL: time.Hour,
	}
}

// entry is the dispatcher's view of one handle.
type entry struct {
	handle    domain.Handle
	token     domain.Token
	multiRead bool

	// done is closed exactly once, when outcome becomes terminal.
	done        chan struct{}
	outcome     domain.Outcome
	completedAt time.Time
}

// Dispatcher owns the handle table.
type Dispatcher struct {
	catalog  Catalog
	facility domain.ExecutionFacility
	cfg      Config

	mu      sync.Mutex
	handles map[string]*entry

	now    func() time.Time
	logger *slog.Logger
	tracer trace.Tracer
}

// New creates a dispatcher. The facility must already be started.
func New(catalog Catalog, facility domain.ExecutionFacility, cfg Config, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		catalog:  catalog,
		facility: facility,
		cfg:      cfg,
		handles:  make(map[string]*entry),
		now:      time.Now,
		logger:   logger.With("component", "dispatcher"),
		tracer:   otel.Tracer("job-dispatch-dispatcher"),
	}
}

// Submit validates args against the named job and enqueues it. It never waits for the job to run.
// Validation and enqueue errors are returned here and no handle is created.
func (d *Dispatcher) Submit(ctx context.Context, name string, args domain.Args) (domain.Handle, error) {
	ctx, span := d.tracer.Start(ctx, "dispatcher.Submit", trace.WithAttributes(attribute.String("job.name", name)))
	defer span.End()

	handle, err := d.submit(ctx, name, args)
	if err != nil {
		metrics.JobSubmissionsTotal.WithLabelValues(name, rejection(err)).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "submission rejected")
		d.logger.Info("job submission rejected", "job_name", name, "error", err)
		return domain.Handle{}, err
	}

	metrics.JobSubmissionsTotal.WithLabelValues(name, "accepted").Inc()
	span.SetAttributes(attribute.String("handle.id", handle.ID))
	d.logger.Debug("job submitted", "job_name", name, "handle_id", handle.ID)
	return handle, nil
}

func (d *Dispatcher) submit(ctx context.Context, name string, args domain.Args) (domain.Handle, error) {
	desc, err := d.catalog.Lookup(name)
	if err != nil {
		return domain.Handle{}, err
	}
	bound, err := desc.Bind(args)
	if err != nil {
		return domain.Handle{}, err
	}

	token, err := d.facility.Enqueue(ctx, desc, bound)
	if err != nil {
		return domain.Handle{}, fmt.Errorf("enqueue %s: %w", name, err)
	}

	e := &entry{
		handle: domain.Handle{
			ID:          uuid.NewString(),
			JobName:     desc.Name,
			SubmittedAt: d.now(),
		},
		token:     token,
		multiRead: desc.MultiRead,
		done:      make(chan struct{}),
		outcome:   domain.Pending(),
	}

	d.mu.Lock()
	d.handles[e.handle.ID] = e
	metrics.HandlesTracked.Set(float64(len(d.handles)))
	d.mu.Unlock()

	if err := d.facility.OnComplete(token, func(o domain.Outcome) { d.resolve(e, o) }); err != nil {
		d.resolve(e, domain.Failed(fmt.Errorf("track run %s: %w", token, err)))
	}
	return e.handle, nil
}

// resolve records the terminal outcome of e. Later calls are ignored.
func (d *Dispatcher) resolve(e *entry, o domain.Outcome) {
	if !o.IsTerminal() {
		return
	}

	d.mu.Lock()
	select {
	case <-e.done:
		d.mu.Unlock()
		return
	default:
	}
	e.outcome = o
	e.completedAt = d.now()
	close(e.done)
	d.mu.Unlock()

	metrics.JobOutcomesTotal.WithLabelValues(e.handle.JobName, string(o.Status)).Inc()
	d.logger.Debug("job resolved", "job_name", e.handle.JobName, "handle_id", e.handle.ID, "status", o.Status)
}

// Await waits for the outcome of h.
//
// A zero timeout checks without blocking; WaitForever blocks until the outcome
// arrives or ctx ends. When the timeout elapses Await returns a Pending outcome
// and a nil error; the job keeps running. When ctx ends first the Pending outcome
// comes with ctx.Err(). Failures are returned as outcomes, not errors.
//
// Reading a terminal outcome consumes a single-reader handle.
func (d *Dispatcher) Await(ctx context.Context, h domain.Handle, timeout time.Duration) (domain.Outcome, error) {
	e, err := d.lookup(h.ID)
	if err != nil {
		return domain.Outcome{}, err
	}

	switch {
	case timeout == 0:
		select {
		case <-e.done:
		default:
			return domain.Pending(), nil
		}
	case timeout < 0:
		select {
		case <-e.done:
		case <-ctx.Done():
			return domain.Pending(), ctx.Err()
		}
	default:
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case <-e.done:
		case <-timer.C:
			return domain.Pending(), nil
		case <-ctx.Done():
			return domain.Pending(), ctx.Err()
		}
	}

	return d.consume(e)
}

// consume returns the terminal outcome of e, dropping single-reader handles.
func (d *Dispatcher) consume(e *entry) (domain.Outcome, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.handles[e.handle.ID] != e {
		// Another reader consumed it first.
		return domain.Outcome{}, fmt.Errorf("%w: %s", domain.ErrUnknownHandle, e.handle.ID)
	}
	if !e.multiRead {
		delete(d.handles, e.handle.ID)
		metrics.HandlesTracked.Set(float64(len(d.handles)))
	}
	return e.outcome, nil
}

// AwaitAll waits for every handle concurrently against one shared deadline, so the total
// wait approaches the slowest job rather than the sum. The map is keyed by handle ID and
// holds an entry for every handle that could be read; the first error is returned.
func (d *Dispatcher) AwaitAll(ctx context.Context, handles []domain.Handle, timeout time.Duration) (map[string]domain.Outcome, error) {
	ctx, span := d.tracer.Start(ctx, "dispatcher.AwaitAll", trace.WithAttributes(attribute.Int("handles", len(handles))))
	defer span.End()

	waitCtx, wait := ctx, timeout
	if timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
		wait = WaitForever
	}

	var mu sync.Mutex
	results := make(map[string]domain.Outcome, len(handles))

	var g errgroup.Group
	for _, h := range handles {
		h := h
		g.Go(func() error {
			o, err := d.Await(waitCtx, h, wait)
			// Hitting the shared deadline leaves the handle pending, not failed.
			if err != nil && (ctx.Err() != nil || waitCtx.Err() == nil || o.Status != domain.StatusPending) {
				return err
			}
			mu.Lock()
			results[h.ID] = o
			mu.Unlock()
			return nil
		})
	}

	err := g.Wait()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "await failed")
	}
	return results, err
}

// Cancel asks the facility to stop the job behind h. It is best-effort: a job past its
// cancellation checkpoint still completes and its outcome stays readable.
func (d *Dispatcher) Cancel(ctx context.Context, h domain.Handle) error {
	_, span := d.tracer.Start(ctx, "dispatcher.Cancel", trace.WithAttributes(attribute.String("handle.id", h.ID)))
	defer span.End()

	e, err := d.lookup(h.ID)
	if err != nil {
		return err
	}
	select {
	case <-e.done:
		return nil
	default:
	}

	d.logger.Info("cancelling job", "job_name", e.handle.JobName, "handle_id", e.handle.ID)
	if err := d.facility.Cancel(e.token); err != nil {
		span.RecordError(err)
		return fmt.Errorf("cancel %s: %w", h.ID, err)
	}
	return nil
}

// Lookup returns the handle registered under id.
func (d *Dispatcher) Lookup(id string) (domain.Handle, error) {
	e, err := d.lookup(id)
	if err != nil {
		return domain.Handle{}, err
	}
	return e.handle, nil
}

func (d *Dispatcher) lookup(id string) (*entry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.handles[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownHandle, id)
	}
	return e, nil
}

// Sweep drops handles whose outcome went unread for HandleTTL, and handles still pending
// PendingTTL after submission. Expired pending jobs are cancelled. It returns the number removed.
func (d *Dispatcher) Sweep(now time.Time) int {
	var expired []*entry

	d.mu.Lock()
	for id, e := range d.handles {
		select {
		case <-e.done:
			if d.cfg.HandleTTL > 0 && now.Sub(e.completedAt) >= d.cfg.HandleTTL {
				expired = append(expired, e)
				delete(d.handles, id)
			}
		default:
			if d.cfg.PendingTTL > 0 && now.Sub(e.handle.SubmittedAt) >= d.cfg.PendingTTL {
				expired = append(expired, e)
				delete(d.handles, id)
			}
		}
	}
	metrics.HandlesTracked.Set(float64(len(d.handles)))
	d.mu.Unlock()

	for _, e := range expired {
		select {
		case <-e.done:
		default:
			if err := d.facility.Cancel(e.token); err != nil {
				d.logger.Warn("failed to cancel expired job", "handle_id", e.handle.ID, "error", err)
			}
		}
	}
	if len(expired) > 0 {
		d.logger.Info("expired handles removed", "count", len(expired))
	}
	return len(expired)
}

// Len returns the number of handles currently tracked.
func (d *Dispatcher) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.handles)
}

// rejection labels a submission error for metrics.
func rejection(err error) string {
	switch {
	case errors.Is(err, domain.ErrUnknownJob):
		return "unknown_job"
	case errors.Is(err, domain.ErrInvalidArguments):
		return "invalid_arguments"
	case errors.Is(err, domain.ErrDomain):
		return "domain_error"
	case errors.Is(err, domain.ErrInputTooLarge):
		return "input_too_large"
	case errors.Is(err, domain.ErrQueueFull):
		return "queue_full"
	case errors.Is(err, domain.ErrNoWorkers):
		return "no_workers"
	default:
		return "error"
	}
}
