package errors

import (
	"encoding/json"
	"fmt"
	"maps"
	"time"
)

// Error is a coded error. The code decides the category, the retry policy
// and the HTTP status; metadata carries the fields a caller needs to act on
// it (the offending config field, the engine status, the attempt count).
type Error struct {
	code      ErrorCode
	message   string
	cause     error
	metadata  map[string]string
	retryable *bool
	taskID    string
	at        time.Time
}

var _ json.Marshaler = (*Error)(nil)

// Option configures an Error.
type Option func(*Error)

// WithMetadata sets one metadata key.
func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = make(map[string]string)
		}
		e.metadata[key] = value
	}
}

// WithMetadataMap copies m into the metadata.
func WithMetadataMap(m map[string]string) Option {
	return func(e *Error) {
		if len(m) == 0 {
			return
		}
		if e.metadata == nil {
			e.metadata = make(map[string]string, len(m))
		}
		maps.Copy(e.metadata, m)
	}
}

// WithTaskID ties the error to a task.
func WithTaskID(id string) Option {
	return func(e *Error) { e.taskID = id }
}

// WithCause sets the wrapped error.
func WithCause(cause error) Option {
	return func(e *Error) { e.cause = cause }
}

// WithRetryable overrides the retry decision derived from the code.
func WithRetryable(retryable bool) Option {
	return func(e *Error) { e.retryable = &retryable }
}

// New creates an Error.
func New(code ErrorCode, message string, opts ...Option) *Error {
	e := &Error{code: code, message: message, at: time.Now()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Newf creates an Error with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// FromCode creates an Error carrying the code's stock description.
func FromCode(code ErrorCode, opts ...Option) *Error {
	return New(code, code.Description(), opts...)
}

// InvalidConfig reports a component that cannot be built. Fatal at startup.
func InvalidConfig(message string, opts ...Option) *Error {
	return New(ErrCodeInvalidConfig, message, opts...)
}

// InvalidInput reports a request or callback body that fails validation.
func InvalidInput(message string, opts ...Option) *Error {
	return New(ErrCodeInvalidInput, message, opts...)
}

// Conflict reports a result that disagrees with a task's final state.
func Conflict(message string, opts ...Option) *Error {
	return New(ErrCodeConflict, message, opts...)
}

// Precondition reports an operation the task's status does not allow.
func Precondition(message string, opts ...Option) *Error {
	return New(ErrCodePrecondition, message, opts...)
}

// NotFound reports an unknown task.
func NotFound(message string, opts ...Option) *Error {
	return New(ErrCodeNotFound, message, opts...)
}

// RateLimited reports a spent rate-limit budget.
func RateLimited(message string, opts ...Option) *Error {
	return New(ErrCodeRateLimit, message, opts...)
}

// Timeout reports an operation that ran out of time.
func Timeout(message string, opts ...Option) *Error {
	return New(ErrCodeTimeout, message, opts...)
}

// Internal reports a bug or an unexpected infrastructure fault.
func Internal(message string, opts ...Option) *Error {
	return New(ErrCodeInternal, message, opts...)
}

func (e *Error) Error() string {
	if e.cause != nil {
		return e.message + ": " + e.cause.Error()
	}
	return e.message
}

func (e *Error) Unwrap() error { return e.cause }

// Code returns the error code.
func (e *Error) Code() ErrorCode { return e.code }

// Category returns the code's category.
func (e *Error) Category() ErrorCategory { return e.code.DefaultCategory() }

// Message returns the message without the cause.
func (e *Error) Message() string { return e.message }

// TaskID returns the related task, if any.
func (e *Error) TaskID() string { return e.taskID }

// Timestamp returns when the error was created.
func (e *Error) Timestamp() time.Time { return e.at }

// Retryable reports whether repeating the operation may succeed.
func (e *Error) Retryable() bool {
	if e.retryable != nil {
		return *e.retryable
	}
	return e.code.DefaultRetryable()
}

// Metadata returns a copy of the metadata. Never nil.
func (e *Error) Metadata() map[string]string {
	if e.metadata == nil {
		return map[string]string{}
	}
	return maps.Clone(e.metadata)
}

// MarshalJSON renders the error body the HTTP boundary and audit events use.
func (e *Error) MarshalJSON() ([]byte, error) {
	body := struct {
		Code      ErrorCode         `json:"code"`
		Category  ErrorCategory     `json:"category"`
		Message   string            `json:"message"`
		Cause     string            `json:"cause,omitempty"`
		Metadata  map[string]string `json:"metadata,omitempty"`
		Retryable bool              `json:"retryable"`
		Timestamp string            `json:"timestamp,omitempty"`
		TaskID    string            `json:"task_id,omitempty"`
	}{
		Code:      e.code,
		Category:  e.Category(),
		Message:   e.message,
		Metadata:  e.metadata,
		Retryable: e.Retryable(),
		TaskID:    e.taskID,
	}
	if e.cause != nil {
		body.Cause = e.cause.Error()
	}
	if !e.at.IsZero() {
		body.Timestamp = e.at.UTC().Format(time.RFC3339Nano)
	}
	return json.Marshal(body)
}
