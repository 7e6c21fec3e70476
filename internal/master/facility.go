// Package master dispatches jobs to remote workers discovered through etcd.
package master

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"job-dispatch/internal/domain"
	"job-dispatch/internal/metrics"
	"job-dispatch/internal/runs"
	"job-dispatch/internal/wire"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// WorkerPicker selects a worker able to run a job.
type WorkerPicker interface {
	Pick(job string) (wire.WorkerInfo, error)
}

// Facility runs jobs on remote workers over gRPC. It implements domain.ExecutionFacility.
// Each run is one unary call that returns when the worker has finished the job.
type Facility struct {
	picker   WorkerPicker
	codec    *wire.Codec
	dialOpts []grpc.DialOption

	mu      sync.Mutex
	clients map[string]*wire.WorkerClient // A cache for gRPC clients
	conns   []*grpc.ClientConn
	closed  bool

	table      *runs.Table
	base       context.Context
	cancelBase context.CancelFunc
	wg         sync.WaitGroup

	logger *slog.Logger
	tracer trace.Tracer
}

var _ domain.ExecutionFacility = (*Facility)(nil)

// NewFacility creates a remote facility. opts are appended to the default dial options.
func NewFacility(picker WorkerPicker, codec *wire.Codec, logger *slog.Logger, opts ...grpc.DialOption) *Facility {
	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		// Add OpenTelemetry Stats Handler for automatic trace propagation.
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
	}, opts...)

	base, cancel := context.WithCancel(context.Background())
	return &Facility{
		picker:     picker,
		codec:      codec,
		dialOpts:   dialOpts,
		clients:    make(map[string]*wire.WorkerClient),
		table:      runs.NewTable(),
		base:       base,
		cancelBase: cancel,
		logger:     logger.With("component", "remote-facility"),
		tracer:     otel.Tracer("job-dispatch-remote-facility"),
	}
}

// Start is a no-op: workers run in their own processes.
func (f *Facility) Start(_ context.Context) error {
	f.logger.Info("remote facility ready")
	return nil
}

// Enqueue selects a worker and sends the job to it in the background.
func (f *Facility) Enqueue(ctx context.Context, job *domain.Descriptor, args domain.Args) (domain.Token, error) {
	// Registering with wg under the same lock that Shutdown takes to set closed
	// keeps Add from racing Wait.
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return "", domain.ErrQueueClosed
	}
	f.wg.Add(1)
	f.mu.Unlock()

	dispatched := false
	defer func() {
		if !dispatched {
			f.wg.Done()
		}
	}()

	worker, err := f.picker.Pick(job.Name)
	if err != nil {
		return "", err
	}
	client, err := f.getOrCreateClient(worker.Addr)
	if err != nil {
		return "", err
	}

	r := f.table.Add(f.base, job, args)
	r.Link = trace.LinkFromContext(ctx)

	in, err := f.codec.EncodeInvocation(wire.Invocation{Token: string(r.Token), Job: job.Name, Args: args})
	if err != nil {
		f.table.Remove(r.Token)
		return "", err
	}

	f.logger.Info("dispatching job to worker", "job_name", job.Name, "token", r.Token, "worker_id", worker.ID, "worker_addr", worker.Addr)
	dispatched = true
	go f.invoke(r, client, in, worker)
	return r.Token, nil
}

// OnComplete registers fn for the terminal outcome of token.
func (f *Facility) OnComplete(token domain.Token, fn func(domain.Outcome)) error {
	return f.table.OnComplete(token, fn)
}

// Cancel aborts the RPC of token; the worker then cancels the run.
func (f *Facility) Cancel(token domain.Token) error {
	f.table.Cancel(token)
	return nil
}

// Shutdown stops accepting jobs and waits for in-flight calls. If ctx ends first,
// in-flight calls are cancelled.
func (f *Facility) Shutdown(ctx context.Context) error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()

	done := make(chan struct{})
	go func() {
		f.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		f.logger.Warn("remote facility shutdown timed out, cancelling in-flight calls")
		f.table.CancelAll()
		<-done
		err = ctx.Err()
	}
	f.cancelBase()

	f.mu.Lock()
	defer f.mu.Unlock()
	for _, conn := range f.conns {
		if cerr := conn.Close(); cerr != nil {
			f.logger.Warn("failed to close worker connection", "target", conn.Target(), "error", cerr)
		}
	}
	f.conns = nil
	f.clients = make(map[string]*wire.WorkerClient)
	f.logger.Info("remote facility stopped")
	return err
}

// invoke performs the RPC for one run and records its outcome.
func (f *Facility) invoke(r *runs.Run, client *wire.WorkerClient, in *wrapperspb.BytesValue, worker wire.WorkerInfo) {
	defer f.wg.Done()

	// The context passed here propagates trace information to the worker.
	ctx, span := f.tracer.Start(r.Ctx, "executor.remote.Invoke",
		trace.WithLinks(r.Link),
		trace.WithAttributes(
			attribute.String("job.name", r.Job.Name),
			attribute.String("run.token", string(r.Token)),
			attribute.String("worker.id", worker.ID),
		))
	defer span.End()

	logger := f.logger.With("job_name", r.Job.Name, "token", r.Token, "worker_addr", worker.Addr)

	var outcome domain.Outcome
	out, err := client.Execute(ctx, in)
	switch {
	case err != nil && r.Ctx.Err() != nil:
		outcome = domain.Failed(fmt.Errorf("%w: %w", domain.ErrCancelled, r.Ctx.Err()))
	case err != nil:
		logger.Error("failed to execute job via gRPC", "error", err)
		outcome = domain.Failed(fmt.Errorf("worker %s: %w", worker.Addr, err))
	default:
		outcome, err = f.codec.DecodeOutcome(out)
		if err != nil {
			logger.Error("failed to decode worker reply", "error", err)
			outcome = domain.Failed(err)
		}
	}

	if outcome.Status == domain.StatusFailure {
		span.SetStatus(codes.Error, "job execution failed")
		span.RecordError(outcome.Err())
	} else {
		span.SetStatus(codes.Ok, "job execution successful")
	}
	metrics.JobExecutionTotal.WithLabelValues(r.Job.Name, string(outcome.Status)).Inc()
	logger.Debug("worker replied", "status", outcome.Status)

	f.table.Complete(r.Token, outcome)
}

func (f *Facility) getOrCreateClient(addr string) (*wire.WorkerClient, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	// If client already exists in cache, return it.
	if client, ok := f.clients[addr]; ok {
		return client, nil
	}

	// Otherwise, create a new gRPC connection.
	conn, err := grpc.NewClient(addr, f.dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to worker at %s: %w", addr, err)
	}

	client := wire.NewWorkerClient(conn)
	f.clients[addr] = client
	f.conns = append(f.conns, conn)
	f.logger.Info("created new gRPC client for worker", "addr", addr)

	return client, nil
}
