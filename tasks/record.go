package tasks

import (
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"
	"unicode/utf8"

	apperrors "github.com/vinayprograms/taskhook/errors"
)

// Common errors.
var (
	// ErrTaskNotFound indicates the requested task does not exist.
	ErrTaskNotFound = errors.New("task not found")

	// ErrInvalidTransition indicates a status change the lifecycle forbids.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrTerminal indicates a write against a completed or failed task.
	ErrTerminal = errors.New("task is in a terminal state")

	// ErrNoChange can be returned from a Mutate function to skip the write.
	ErrNoChange = errors.New("no change")

	// ErrContention indicates the record kept changing under a writer.
	ErrContention = errors.New("too many concurrent writers")

	// ErrStoreClosed indicates the store has been closed.
	ErrStoreClosed = errors.New("store closed")
)

// Input bounds in characters, measured after trimming surrounding whitespace.
const (
	MinReferenceInput = 10
	MaxReferenceInput = 10000
	MinOutcomeGoal    = 5
	MaxOutcomeGoal    = 1000
)

// Record is one unit of work and its outcome.
type Record struct {
	ID             string            `json:"id"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
	ReferenceInput string            `json:"reference_input"`
	OutcomeGoal    string            `json:"outcome_goal"`
	Status         Status            `json:"status"`
	ResultOutput   *string           `json:"result_output"`
	ResultMetadata map[string]string `json:"result_metadata"`
	ErrorDetails   *string           `json:"error_details"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`

	// Revision is the store revision the record was loaded at.
	Revision uint64 `json:"-"`
}

// Clone creates a deep copy of the record.
func (r *Record) Clone() *Record {
	clone := *r
	if r.ResultOutput != nil {
		out := *r.ResultOutput
		clone.ResultOutput = &out
	}
	if r.ErrorDetails != nil {
		details := *r.ErrorDetails
		clone.ErrorDetails = &details
	}
	clone.ResultMetadata = maps.Clone(r.ResultMetadata)
	return &clone
}

// MarkProcessing records that the workflow engine is being triggered.
func (r *Record) MarkProcessing() error {
	if !CanTransition(r.Status, StatusProcessing) {
		return transitionError(r, StatusProcessing)
	}
	r.Status = StatusProcessing
	return nil
}

// Complete stores a successful result. Metadata is copied.
func (r *Record) Complete(output string, metadata map[string]string) error {
	if !CanTransition(r.Status, StatusCompleted) {
		return transitionError(r, StatusCompleted)
	}
	r.Status = StatusCompleted
	r.ResultOutput = &output
	r.ResultMetadata = maps.Clone(metadata)
	if r.ResultMetadata == nil {
		r.ResultMetadata = map[string]string{}
	}
	r.ErrorDetails = nil
	return nil
}

// Fail stores an error reported by the workflow engine.
func (r *Record) Fail(message string) error {
	if !CanTransition(r.Status, StatusFailed) {
		return transitionError(r, StatusFailed)
	}
	r.Status = StatusFailed
	r.ErrorDetails = &message
	r.ResultOutput = nil
	r.ResultMetadata = nil
	return nil
}

// Validate checks the record against the lifecycle invariants.
func (r *Record) Validate() error {
	if r.ID == "" {
		return apperrors.InvalidInput("task id is empty")
	}
	if !r.Status.Valid() {
		return apperrors.Newf(apperrors.ErrCodeInvalidInput, "unknown status %q", r.Status)
	}
	switch r.Status {
	case StatusCompleted:
		if r.ResultOutput == nil || r.ErrorDetails != nil {
			return invariantError(r, "completed task needs a result and no error")
		}
	case StatusFailed:
		if r.ErrorDetails == nil || r.ResultOutput != nil || r.ResultMetadata != nil {
			return invariantError(r, "failed task needs error details and no result")
		}
	default:
		if r.ResultOutput != nil || r.ResultMetadata != nil || r.ErrorDetails != nil {
			return invariantError(r, "unfinished task carries result fields")
		}
	}
	return nil
}

func transitionError(r *Record, to Status) error {
	code := apperrors.ErrCodePrecondition
	if r.Status.IsTerminal() {
		code = apperrors.ErrCodeConflict
	}
	return apperrors.WrapWithCode(ErrInvalidTransition, code,
		string(r.Status)+" -> "+string(to),
		apperrors.WithTaskID(r.ID),
		apperrors.WithMetadata("from", string(r.Status)),
		apperrors.WithMetadata("to", string(to)))
}

func invariantError(r *Record, msg string) error {
	return apperrors.Internal(msg, apperrors.WithTaskID(r.ID), apperrors.WithMetadata("status", string(r.Status)))
}

// Submission is a validated request to create a task.
type Submission struct {
	ReferenceInput string
	OutcomeGoal    string

	// IdempotencyKey, when set, makes repeated submissions return the
	// task created by the first one.
	IdempotencyKey string
}

// NewSubmission trims and validates the inputs of a new task.
func NewSubmission(referenceInput, outcomeGoal string) (Submission, error) {
	sub := Submission{
		ReferenceInput: strings.TrimSpace(referenceInput),
		OutcomeGoal:    strings.TrimSpace(outcomeGoal),
	}
	if err := checkLength("reference_input", sub.ReferenceInput, MinReferenceInput, MaxReferenceInput); err != nil {
		return Submission{}, err
	}
	if err := checkLength("outcome_goal", sub.OutcomeGoal, MinOutcomeGoal, MaxOutcomeGoal); err != nil {
		return Submission{}, err
	}
	return sub, nil
}

func checkLength(field, value string, min, max int) error {
	n := utf8.RuneCountInString(value)
	if n >= min && n <= max {
		return nil
	}
	return apperrors.InvalidInput(
		fmt.Sprintf("%s must be between %d and %d characters, got %d", field, min, max, n),
		apperrors.WithMetadata("field", field))
}
