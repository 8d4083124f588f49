package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	apperrors "github.com/vinayprograms/taskhook/errors"
	"github.com/vinayprograms/taskhook/queue"
	"github.com/vinayprograms/taskhook/results"
	"github.com/vinayprograms/taskhook/security"
	"github.com/vinayprograms/taskhook/tasks"
	"github.com/vinayprograms/taskhook/telemetry"
)

type submitRequest struct {
	ReferenceInput string `json:"reference_input"`
	OutcomeGoal    string `json:"outcome_goal"`
}

type submitResponse struct {
	ID        string       `json:"id"`
	Status    tasks.Status `json:"status"`
	CreatedAt time.Time    `json:"created_at"`
}

type resultResponse struct {
	Success    bool         `json:"success"`
	TaskID     string       `json:"task_id"`
	Status     tasks.Status `json:"status,omitempty"`
	WasUpdated bool         `json:"was_updated"`
	Message    string       `json:"message"`
}

// TaskView is the public representation of a task.
type TaskView struct {
	ID             string            `json:"id"`
	Status         tasks.Status      `json:"status"`
	ReferenceInput string            `json:"reference_input"`
	OutcomeGoal    string            `json:"outcome_goal"`
	ResultOutput   *string           `json:"result_output"`
	ResultMetadata map[string]string `json:"result_metadata"`
	ErrorDetails   *string           `json:"error_details"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

func viewOf(rec *tasks.Record) TaskView {
	return TaskView{
		ID:             rec.ID,
		Status:         rec.Status,
		ReferenceInput: rec.ReferenceInput,
		OutcomeGoal:    rec.OutcomeGoal,
		ResultOutput:   rec.ResultOutput,
		ResultMetadata: rec.ResultMetadata,
		ErrorDetails:   rec.ErrorDetails,
		CreatedAt:      rec.CreatedAt,
		UpdatedAt:      rec.UpdatedAt,
	}
}

// handleSubmit handles POST /tasks.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}

	var req submitRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeError(w, apperrors.WrapWithCode(err, apperrors.ErrCodeInvalidInput, "decode submission",
			apperrors.WithMetadata("field", "body")))
		return
	}
	sub, err := tasks.NewSubmission(req.ReferenceInput, req.OutcomeGoal)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if key := strings.TrimSpace(r.Header.Get(IdempotencyHeader)); key != "" {
		if len(key) > MaxIdempotencyKeyLength {
			s.writeError(w, apperrors.InvalidInput("idempotency key too long",
				apperrors.WithMetadata("field", IdempotencyHeader)))
			return
		}
		sub.IdempotencyKey = key
	}

	rec, created, err := s.store.Create(r.Context(), sub)
	if err != nil {
		s.logger.Error("task_create_failed", map[string]interface{}{"error": err.Error()})
		s.writeError(w, err)
		return
	}

	if created {
		s.metrics.TaskSubmitted()
		if _, err := s.queue.Enqueue(r.Context(), queue.KindDispatch, rec.ID); err != nil {
			// The task stays Pending; an operator can requeue it.
			s.logger.Error("dispatch_enqueue_failed", map[string]interface{}{
				"task_id": rec.ID,
				"error":   err.Error(),
			})
			s.writeError(w, apperrors.WrapWithCode(err, apperrors.ErrCodeUnavailable, "enqueue dispatch",
				apperrors.WithTaskID(rec.ID)))
			return
		}
	}

	writeJSON(w, http.StatusAccepted, submitResponse{
		ID:        rec.ID,
		Status:    rec.Status,
		CreatedAt: rec.CreatedAt,
	})
}

// handleGet handles GET /tasks/{id}.
func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	rec, err := s.store.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(rec))
}

// handleResult handles POST /tasks/{id}/result.
func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}

	if !s.verify(w, r, taskID, body) {
		return
	}

	payload, err := results.ParsePayload(body)
	if err != nil {
		s.logger.Warn("callback_invalid", map[string]interface{}{
			"task_id": taskID,
			"error":   err.Error(),
		})
		s.writeError(w, err)
		return
	}

	out := s.ingester.ApplyResult(r.Context(), taskID, payload)
	writeJSON(w, out.HTTPStatus(), resultResponse{
		Success:    out.Success,
		TaskID:     taskID,
		Status:     out.Status,
		WasUpdated: out.WasUpdated,
		Message:    out.Message,
	})
}

// verify checks the callback signature over the raw body and answers 401
// when it does not match.
func (s *Server) verify(w http.ResponseWriter, r *http.Request, taskID string, body []byte) bool {
	ctx, span := s.tracer.StartSecuritySpan(r.Context(), "verify_callback")
	rejection := s.verifier.Check(body, r.Header.Get(s.config.SignatureHeader), s.config.CallbackSecret)
	opts := telemetry.SecuritySpanOptions{Verdict: "accept", BodySize: len(body)}
	if rejection == security.RejectNone {
		s.tracer.EndSecuritySpan(span, opts, nil)
		return true
	}

	err := rejection.Err()
	opts.Verdict = "reject"
	opts.Rejection = rejection.String()
	s.tracer.EndSecuritySpan(span, opts, err)

	s.metrics.CallbackRejected(rejection.String())
	s.logger.SignatureRejected(taskID, rejection.String())
	security.Emit(ctx, s.audit, security.EventSignatureRejected, map[string]interface{}{
		"task_id":     taskID,
		"reason":      rejection.String(),
		"remote_addr": r.RemoteAddr,
		"body_size":   len(body),
	})
	s.writeError(w, err)
	return false
}

type healthResponse struct {
	Status string `json:"status"`
	Store  string `json:"store"`
	Engine string `json:"engine,omitempty"`
}

// handleHealth handles GET /healthz.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Store: "ok"}
	code := http.StatusOK

	if err := s.store.Ping(r.Context()); err != nil {
		resp.Status = "unavailable"
		resp.Store = err.Error()
		code = http.StatusServiceUnavailable
	}
	if s.engine != nil {
		resp.Engine = "ok"
		if !s.engine.HealthCheck(r.Context()) {
			resp.Engine = "unreachable"
			resp.Status = "unavailable"
			code = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, code, resp)
}

// readBody reads the whole request body up to the configured cap.
func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes))
	if err == nil {
		return body, true
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeJSON(w, http.StatusRequestEntityTooLarge, errorBody{
			Error: apperrors.InvalidInput("request body too large",
				apperrors.WithMetadata("field", "body"),
				apperrors.WithMetadata("limit", itoa64(tooLarge.Limit))),
		})
		return nil, false
	}
	s.writeError(w, apperrors.InvalidInput("read request body", apperrors.WithCause(err)))
	return nil, false
}
