package http

import (
	"time"

	"job-dispatch/internal/domain"
	"job-dispatch/internal/usecase"
)

// AddRequest is the body of POST /jobs/add.
type AddRequest struct {
	Arg1 any `json:"arg1" validate:"required"`
	Arg2 any `json:"arg2" validate:"required"`
}

// SubmitRequest is the body of POST /jobs/{name}.
type SubmitRequest struct {
	Args map[string]any `json:"args"`
	Wait string         `json:"wait" validate:"omitempty,duration"`
}

// WaitDuration returns the parsed wait. Validation has already checked the format.
func (r *SubmitRequest) WaitDuration() time.Duration {
	if r.Wait == "" {
		return 0
	}
	d, _ := time.ParseDuration(r.Wait)
	return d
}

// AddResponse carries the task id plus either a result or a pending status.
type AddResponse struct {
	TaskID string `json:"task_id"`
	Result any    `json:"result,omitempty"`
	Status string `json:"status,omitempty"`
}

// SubmissionResponse describes a handle and the outcome observed for it.
type SubmissionResponse struct {
	Handle domain.Handle `json:"handle"`
	Status string        `json:"status"`
	Value  any           `json:"value,omitempty"`
	Reason string        `json:"reason,omitempty"`
}

// DemoPendingResponse is returned when the demo deadline passes before every job finished.
// Finished results are included since their handles were consumed by the demo.
type DemoPendingResponse struct {
	Status    string                   `json:"status"`
	Completed map[string]any           `json:"completed"`
	Pending   map[string]domain.Handle `json:"pending"`
}

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error   string   `json:"error"`
	Details []string `json:"details,omitempty"`
}

func toSubmissionResponse(s usecase.Submission) SubmissionResponse {
	return SubmissionResponse{
		Handle: s.Handle,
		Status: string(s.Outcome.Status),
		Value:  s.Outcome.Value,
		Reason: s.Outcome.Reason,
	}
}

func toDemoPendingResponse(r usecase.DemoResult) DemoPendingResponse {
	pending := r.Pending()
	completed := make(map[string]any)
	for key, s := range r {
		if _, ok := pending[key]; !ok {
			completed[key] = s.Outcome.Value
		}
	}
	return DemoPendingResponse{
		Status:    string(domain.StatusPending),
		Completed: completed,
		Pending:   pending,
	}
}
