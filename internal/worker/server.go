// internal/worker/server.go
package worker

import (
	"context"
	"errors"
	"log/slog"

	"job-dispatch/internal/domain"
	"job-dispatch/internal/wire"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Catalog resolves job names to descriptors.
type Catalog interface {
	Lookup(name string) (*domain.Descriptor, error)
}

// Server implements wire.WorkerServer on top of a local execution facility.
type Server struct {
	catalog  Catalog
	facility domain.ExecutionFacility
	codec    *wire.Codec
	workerID string
	logger   *slog.Logger
	tracer   trace.Tracer
}

var _ wire.WorkerServer = (*Server)(nil)

// NewServer creates a new gRPC server for the worker. The facility must already be started.
func NewServer(catalog Catalog, facility domain.ExecutionFacility, codec *wire.Codec, workerID string, logger *slog.Logger) *Server {
	return &Server{
		catalog:  catalog,
		facility: facility,
		codec:    codec,
		workerID: workerID,
		logger:   logger.With("component", "grpc-server"),
		tracer:   otel.Tracer("job-dispatch-worker"),
	}
}

// Execute is the RPC called by the master. It runs the job and replies with its outcome.
// If the caller goes away first, the run is cancelled.
func (s *Server) Execute(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	ctx, span := s.tracer.Start(ctx, "worker.Execute", trace.WithAttributes(attribute.String("worker.id", s.workerID)))
	defer span.End()

	inv, err := s.codec.DecodeInvocation(in)
	if err != nil {
		s.logger.Error("failed to decode invocation", "error", err)
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, "invalid invocation")
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	span.SetAttributes(attribute.String("job.name", inv.Job), attribute.String("run.token", inv.Token))
	logger := s.logger.With("job_name", inv.Job, "master_token", inv.Token)

	// Arguments are bound again against this worker's own registry.
	desc, err := s.catalog.Lookup(inv.Job)
	if err != nil {
		span.RecordError(err)
		return nil, status.Error(codes.NotFound, err.Error())
	}
	args, err := desc.Bind(inv.Args)
	if err != nil {
		span.RecordError(err)
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	token, err := s.facility.Enqueue(ctx, desc, args)
	if err != nil {
		logger.Warn("failed to enqueue invocation", "error", err)
		span.RecordError(err)
		return nil, status.Error(enqueueCode(err), err.Error())
	}

	done := make(chan domain.Outcome, 1)
	if err := s.facility.OnComplete(token, func(o domain.Outcome) { done <- o }); err != nil {
		span.RecordError(err)
		return nil, status.Error(codes.Internal, err.Error())
	}

	logger.Info("executing invocation", "token", token)
	var outcome domain.Outcome
	select {
	case outcome = <-done:
	case <-ctx.Done():
		logger.Warn("caller went away, cancelling run", "token", token, "error", ctx.Err())
		if err := s.facility.Cancel(token); err != nil {
			logger.Error("failed to cancel run", "token", token, "error", err)
		}
		span.SetStatus(otelcodes.Error, "invocation abandoned")
		return nil, status.FromContextError(ctx.Err()).Err()
	}

	out, err := s.codec.EncodeOutcome(outcome)
	if err != nil {
		logger.Error("failed to encode outcome", "error", err)
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, "unencodable outcome")
		return nil, status.Error(codes.Internal, err.Error())
	}

	if outcome.Status == domain.StatusFailure {
		span.SetStatus(otelcodes.Error, "job execution failed")
	} else {
		span.SetStatus(otelcodes.Ok, "job execution successful")
	}
	logger.Info("invocation finished", "token", token, "status", outcome.Status)
	return out, nil
}

func enqueueCode(err error) codes.Code {
	switch {
	case errors.Is(err, domain.ErrQueueFull):
		return codes.ResourceExhausted
	case errors.Is(err, domain.ErrQueueClosed):
		return codes.Unavailable
	default:
		return codes.Internal
	}
}
