// internal/api/http/job_handler.go
package http

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"job-dispatch/internal/domain"
	"job-dispatch/internal/metrics"
	"job-dispatch/internal/usecase"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Demo defaults when n or m is omitted.
const (
	defaultDemoN = 10
	defaultDemoM = 5
)

// JobHandler handles HTTP requests for job submission and result collection.
type JobHandler struct {
	service  *usecase.JobService
	maxWait  time.Duration
	logger   *slog.Logger
	validate *validator.Validate
	tracer   trace.Tracer
}

// NewJobHandler creates a JobHandler. Client supplied waits are capped at maxWait.
func NewJobHandler(service *usecase.JobService, maxWait time.Duration, logger *slog.Logger) *JobHandler {
	validate := validator.New()

	_ = validate.RegisterValidation("duration", func(fl validator.FieldLevel) bool {
		d, err := time.ParseDuration(fl.Field().String())
		return err == nil && d >= 0
	})

	return &JobHandler{
		service:  service,
		maxWait:  maxWait,
		logger:   logger.With("component", "job-handler"),
		validate: validate,
		tracer:   otel.Tracer("job-dispatch-api"),
	}
}

// A helper struct to capture the status code
type instrumentedResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *instrumentedResponseWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

// RegisterRoutes registers job routes on r.
func (h *JobHandler) RegisterRoutes(r chi.Router) {
	r.Route("/jobs", func(r chi.Router) {
		r.Use(h.instrument)

		r.Get("/", h.handleListJobs)
		r.Get("/demo", h.handleDemo)
		r.Post("/add", h.handleAdd)
		r.Get("/handles/{id}", h.handlePoll)
		r.Delete("/handles/{id}", h.handleCancel)
		r.Post("/{name}", h.handleSubmit)
	})
}

// instrument records a span and the request counter, labelled by route pattern.
func (h *JobHandler) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := h.tracer.Start(r.Context(), "HTTP "+r.Method, trace.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.target", r.URL.Path),
		))
		defer span.End()

		iw := &instrumentedResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(iw, r.WithContext(ctx))

		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			path = rctx.RoutePattern()
		}
		span.SetName("HTTP " + r.Method + " " + path)
		metrics.HttpRequestsTotal.WithLabelValues(path, r.Method, strconv.Itoa(iw.statusCode)).Inc()

		span.SetAttributes(attribute.Int("http.status_code", iw.statusCode))
		if iw.statusCode >= 500 {
			span.SetStatus(codes.Error, "Server Error")
		}
	})
}

// handleListJobs handles GET /jobs.
func (h *JobHandler) handleListJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"jobs": h.service.ListJobs(r.Context())})
}

// handleDemo handles GET /jobs/demo?n=&m=.
func (h *JobHandler) handleDemo(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "handler.Demo")
	defer span.End()

	n, err := queryInt(r, "n", defaultDemoN)
	if err != nil {
		h.writeError(w, span, http.StatusBadRequest, err)
		return
	}
	m, err := queryInt(r, "m", defaultDemoM)
	if err != nil {
		h.writeError(w, span, http.StatusBadRequest, err)
		return
	}

	result, err := h.service.RunDemo(ctx, n, m)
	if err != nil {
		h.writeServiceError(w, span, err)
		return
	}
	if err := result.Err(); err != nil {
		h.writeServiceError(w, span, err)
		return
	}
	if len(result.Pending()) > 0 {
		writeJSON(w, http.StatusAccepted, toDemoPendingResponse(result))
		return
	}
	writeJSON(w, http.StatusOK, result.Values())
}

// handleAdd handles POST /jobs/add.
func (h *JobHandler) handleAdd(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "handler.Add")
	defer span.End()

	var req AddRequest
	if !h.decode(w, r, span, &req) {
		return
	}

	sub, err := h.service.Add(ctx, req.Arg1, req.Arg2)
	if err != nil {
		h.writeServiceError(w, span, err)
		return
	}

	switch sub.Outcome.Status {
	case domain.StatusSuccess:
		writeJSON(w, http.StatusAccepted, AddResponse{TaskID: sub.Handle.ID, Result: sub.Outcome.Value})
	case domain.StatusPending:
		writeJSON(w, http.StatusAccepted, AddResponse{TaskID: sub.Handle.ID, Status: string(domain.StatusPending)})
	default:
		h.writeServiceError(w, span, sub.Outcome.Err())
	}
}

// handleSubmit handles POST /jobs/{name}.
func (h *JobHandler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "handler.Submit")
	defer span.End()

	name := chi.URLParam(r, "name")
	span.SetAttributes(attribute.String("job.name", name))

	var req SubmitRequest
	if !h.decode(w, r, span, &req) {
		return
	}

	sub, err := h.service.Submit(ctx, name, req.Args, h.capWait(req.WaitDuration()))
	if err != nil {
		h.writeServiceError(w, span, err)
		return
	}
	h.writeSubmission(w, span, sub, http.StatusAccepted)
}

// handlePoll handles GET /jobs/handles/{id}?wait=.
func (h *JobHandler) handlePoll(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "handler.Poll")
	defer span.End()

	id := chi.URLParam(r, "id")
	span.SetAttributes(attribute.String("handle.id", id))

	wait := time.Duration(0)
	if raw := r.URL.Query().Get("wait"); raw != "" {
		if err := h.validate.Var(raw, "duration"); err != nil {
			h.writeError(w, span, http.StatusBadRequest, fmt.Errorf("invalid wait %q", raw))
			return
		}
		wait, _ = time.ParseDuration(raw)
	}

	sub, err := h.service.Poll(ctx, id, h.capWait(wait))
	if err != nil {
		h.writeServiceError(w, span, err)
		return
	}
	h.writeSubmission(w, span, sub, http.StatusOK)
}

// handleCancel handles DELETE /jobs/handles/{id}.
func (h *JobHandler) handleCancel(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "handler.Cancel")
	defer span.End()

	id := chi.URLParam(r, "id")
	span.SetAttributes(attribute.String("handle.id", id))

	if err := h.service.Cancel(ctx, id); err != nil {
		h.writeServiceError(w, span, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": "cancelling"})
}

// writeSubmission answers with the outcome: 202 while pending, 500 for failures, done otherwise.
func (h *JobHandler) writeSubmission(w http.ResponseWriter, span trace.Span, sub usecase.Submission, done int) {
	status := done
	switch sub.Outcome.Status {
	case domain.StatusPending:
		status = http.StatusAccepted
	case domain.StatusFailure:
		status = http.StatusInternalServerError
		span.SetStatus(codes.Error, "job failed")
	}
	writeJSON(w, status, toSubmissionResponse(sub))
}

func (h *JobHandler) capWait(d time.Duration) time.Duration {
	if h.maxWait > 0 && d > h.maxWait {
		return h.maxWait
	}
	return d
}

// decode reads and validates a JSON body. Numbers are kept as json.Number so
// integer arguments are not rounded through float64.
func (h *JobHandler) decode(w http.ResponseWriter, r *http.Request, span trace.Span, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(dst); err != nil {
		span.SetStatus(codes.Error, "Failed to decode request body")
		span.RecordError(err)
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid request body: " + err.Error()})
		return false
	}

	if err := h.validate.Struct(dst); err != nil {
		span.SetStatus(codes.Error, "Validation failed")
		span.RecordError(err)
		var details []string
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				details = append(details, "Field '"+fe.Field()+"' failed on the '"+fe.Tag()+"' tag.")
			}
		}
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "Validation failed", Details: details})
		return false
	}
	return true
}

func (h *JobHandler) writeServiceError(w http.ResponseWriter, span trace.Span, err error) {
	status := MapErrorToStatusCode(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", "error", err)
	} else {
		h.logger.Debug("request rejected", "status", status, "error", err)
	}
	h.writeError(w, span, status, err)
}

func (h *JobHandler) writeError(w http.ResponseWriter, span trace.Span, status int, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, http.StatusText(status))
	writeJSON(w, status, ErrorResponse{Error: err.Error()})
}

// MapErrorToStatusCode maps dispatcher and job errors to HTTP status codes.
func MapErrorToStatusCode(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidArguments),
		errors.Is(err, domain.ErrDomain),
		errors.Is(err, domain.ErrInputTooLarge):
		return http.StatusBadRequest

	case errors.Is(err, domain.ErrUnknownJob),
		errors.Is(err, domain.ErrUnknownHandle):
		return http.StatusNotFound

	case errors.Is(err, domain.ErrQueueFull),
		errors.Is(err, domain.ErrQueueClosed),
		errors.Is(err, domain.ErrNoWorkers):
		return http.StatusServiceUnavailable

	default:
		return http.StatusInternalServerError
	}
}

func queryInt(r *http.Request, key string, def int64) (int64, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: query parameter %s must be an integer, got %q", domain.ErrInvalidArguments, key, raw)
	}
	return v, nil
}

// writeJSON encodes v before writing the status line, so an unencodable value
// becomes a 500 instead of an empty body.
func writeJSON(w http.ResponseWriter, status int, v any) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"failed to encode response"}` + "\n"))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(buf.Bytes())
}
