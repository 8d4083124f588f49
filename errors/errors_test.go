package errors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name         string
		code         ErrorCode
		wantCategory ErrorCategory
		retryable    bool
	}{
		{"timeout", ErrCodeTimeout, CategoryTransient, true},
		{"http_status", ErrCodeHTTPStatus, CategoryTransient, true},
		{"delivery_failed", ErrCodeDeliveryFailed, CategoryTransient, true},
		{"invalid_config", ErrCodeInvalidConfig, CategoryPermanent, false},
		{"invalid_signature", ErrCodeInvalidSignature, CategoryPermanent, false},
		{"conflict", ErrCodeConflict, CategoryPermanent, false},
		{"rate_limit", ErrCodeRateLimit, CategoryResource, true},
		{"panic", ErrCodePanic, CategoryInternal, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := New(tt.code, "message")
			if err.Code() != tt.code {
				t.Errorf("Code() = %v", err.Code())
			}
			if err.Category() != tt.wantCategory {
				t.Errorf("Category() = %v, want %v", err.Category(), tt.wantCategory)
			}
			if err.Retryable() != tt.retryable {
				t.Errorf("Retryable() = %v, want %v", err.Retryable(), tt.retryable)
			}
			if err.Error() != "message" || err.Message() != "message" {
				t.Errorf("Error() = %q", err.Error())
			}
			if err.Timestamp().IsZero() {
				t.Error("Timestamp() is zero")
			}
		})
	}
}

func TestConstructorsSetCodes(t *testing.T) {
	tests := map[ErrorCode]*Error{
		ErrCodeInvalidConfig: InvalidConfig("x"),
		ErrCodeInvalidInput:  InvalidInput("x"),
		ErrCodeConflict:      Conflict("x"),
		ErrCodePrecondition:  Precondition("x"),
		ErrCodeNotFound:      NotFound("x"),
		ErrCodeRateLimit:     RateLimited("x"),
		ErrCodeTimeout:       Timeout("x"),
		ErrCodeInternal:      Internal("x"),
	}
	for want, err := range tests {
		if err.Code() != want {
			t.Errorf("constructor for %s produced %s", want, err.Code())
		}
	}
}

func TestFromCode(t *testing.T) {
	if err := FromCode(ErrCodeConflict); err.Error() != "conflict with final state" {
		t.Errorf("Error() = %q", err.Error())
	}
	if ErrorCode("BOGUS").Description() != "unknown error" {
		t.Error("unknown code should have a generic description")
	}
}

func TestRetryableOverride(t *testing.T) {
	if New(ErrCodeTimeout, "x", WithRetryable(false)).Retryable() {
		t.Error("override should win")
	}
	if IsRetryable(fmt.Errorf("plain")) {
		t.Error("uncoded errors are not retryable")
	}
	if !IsRetryable(fmt.Errorf("outer: %w", Timeout("engine"))) {
		t.Error("retryability should be found through fmt wrapping")
	}
}

func TestMetadata(t *testing.T) {
	err := New(ErrCodeHTTPStatus, "x",
		WithMetadata("status", "503"),
		WithMetadataMap(map[string]string{"attempts": "3", "status": "502"}))
	md := err.Metadata()
	if md["status"] != "502" || md["attempts"] != "3" {
		t.Errorf("metadata = %v", md)
	}
	md["status"] = "mutated"
	if err.Metadata()["status"] != "502" {
		t.Error("Metadata() must return a copy")
	}
	if New(ErrCodeInternal, "x").Metadata() == nil {
		t.Error("Metadata() must not be nil")
	}
	if GetMetadata(fmt.Errorf("plain")) != nil {
		t.Error("uncoded errors have no metadata")
	}
}

func TestWrap(t *testing.T) {
	if Wrap(nil, "ctx") != nil {
		t.Fatal("Wrap(nil) should be nil")
	}
	if WrapWithCode(nil, ErrCodeInternal, "ctx") != nil {
		t.Fatal("WrapWithCode(nil) should be nil")
	}

	inner := NotFound("task missing", WithTaskID("t-1"), WithMetadata("k", "v"))
	wrapped := Wrap(inner, "loading task", WithMetadata("op", "get"))
	if wrapped.Code() != ErrCodeNotFound || wrapped.TaskID() != "t-1" {
		t.Errorf("wrapped = %v (%s, %s)", wrapped, wrapped.Code(), wrapped.TaskID())
	}
	if md := wrapped.Metadata(); md["k"] != "v" || md["op"] != "get" {
		t.Errorf("metadata = %v", md)
	}
	if inner.Metadata()["op"] != "" {
		t.Error("wrapping must not touch the inner metadata")
	}
	if !errors.Is(wrapped, inner) {
		t.Error("wrapped error should match inner via errors.Is")
	}
	if wrapped.Error() != "loading task: task missing" {
		t.Errorf("Error() = %q", wrapped.Error())
	}

	tests := []struct {
		err  error
		want ErrorCode
	}{
		{context.DeadlineExceeded, ErrCodeTimeout},
		{fmt.Errorf("dial: %w", context.Canceled), ErrCodeCanceled},
		{fmt.Errorf("boom"), ErrCodeInternal},
	}
	for _, tt := range tests {
		if got := Wrap(tt.err, "x").Code(); got != tt.want {
			t.Errorf("Wrap(%v) code = %s, want %s", tt.err, got, tt.want)
		}
	}

	withCode := WrapWithCode(fmt.Errorf("refused"), ErrCodeNetworkErr, "connect")
	if withCode.Code() != ErrCodeNetworkErr || withCode.Unwrap() == nil {
		t.Errorf("WrapWithCode = %v", withCode)
	}
}

func TestIsAndCode(t *testing.T) {
	err := fmt.Errorf("outer: %w", Conflict("c"))
	if !Is(err, ErrCodeConflict) {
		t.Error("Is should find the code through fmt wrapping")
	}
	if Is(err, ErrCodeNotFound) {
		t.Error("Is matched the wrong code")
	}
	if Code(err) != ErrCodeConflict {
		t.Errorf("Code() = %v", Code(err))
	}
	if Code(fmt.Errorf("plain")) != "" {
		t.Error("uncoded error should have an empty code")
	}
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{New(ErrCodeMissingSignature, "x"), http.StatusUnauthorized},
		{New(ErrCodeInvalidSignature, "x"), http.StatusUnauthorized},
		{New(ErrCodeInvalidInput, "x"), http.StatusUnprocessableEntity},
		{New(ErrCodeConflict, "x"), http.StatusUnprocessableEntity},
		{New(ErrCodeNotFound, "x"), http.StatusNotFound},
		{New(ErrCodePrecondition, "x"), http.StatusConflict},
		{New(ErrCodeRateLimit, "x"), http.StatusTooManyRequests},
		{New(ErrCodeUnavailable, "x"), http.StatusServiceUnavailable},
		{New(ErrCodeTimeout, "x"), http.StatusGatewayTimeout},
		{New(ErrCodeHTTPStatus, "x"), http.StatusBadGateway},
		{New(ErrCodeInternal, "x"), http.StatusInternalServerError},
		{fmt.Errorf("plain"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := HTTPStatus(tt.err); got != tt.want {
			t.Errorf("HTTPStatus(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestMarshalJSON(t *testing.T) {
	err := New(ErrCodeHTTPStatus, "engine rejected",
		WithCause(fmt.Errorf("503")),
		WithMetadata("status", "503"),
		WithTaskID("task-9"))

	data, mErr := json.Marshal(err)
	if mErr != nil {
		t.Fatalf("Marshal: %v", mErr)
	}

	var body map[string]interface{}
	if err := json.Unmarshal(data, &body); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	want := map[string]interface{}{
		"code":      "HTTP_STATUS",
		"category":  "transient",
		"message":   "engine rejected",
		"cause":     "503",
		"retryable": true,
		"task_id":   "task-9",
	}
	for k, v := range want {
		if body[k] != v {
			t.Errorf("%s = %v, want %v", k, body[k], v)
		}
	}
	if md, _ := body["metadata"].(map[string]interface{}); md["status"] != "503" {
		t.Errorf("metadata = %v", body["metadata"])
	}
	if _, ok := body["timestamp"].(string); !ok {
		t.Error("timestamp missing")
	}
}

func TestRecoverPanic(t *testing.T) {
	if RecoverPanic(nil) != nil {
		t.Error("nil recover should yield nil")
	}
	tests := []struct {
		value    interface{}
		message  string
		typeName string
	}{
		{"nil map write", "nil map write", "string"},
		{errors.New("index out of range"), "index out of range", "*errors.errorString"},
		{42, "42", "int"},
	}
	for _, tt := range tests {
		err := RecoverPanic(tt.value)
		if err.Code() != ErrCodePanic || err.Error() != tt.message {
			t.Errorf("RecoverPanic(%v) = %v", tt.value, err)
		}
		if err.Metadata()["panic_value"] != tt.typeName {
			t.Errorf("panic_value = %q, want %q", err.Metadata()["panic_value"], tt.typeName)
		}
	}
}

func TestEveryCodeIsRegistered(t *testing.T) {
	all := []ErrorCode{
		ErrCodeTimeout, ErrCodeNetworkErr, ErrCodeHTTPStatus, ErrCodeDeliveryFailed, ErrCodeUnavailable,
		ErrCodeInvalidConfig, ErrCodeMissingSignature, ErrCodeInvalidSignature, ErrCodeInvalidInput,
		ErrCodeNotFound, ErrCodeConflict, ErrCodePrecondition, ErrCodeCanceled,
		ErrCodeRateLimit, ErrCodeInternal, ErrCodePanic,
	}
	for _, c := range all {
		if c.Description() == "unknown error" {
			t.Errorf("%s has no description", c)
		}
	}
	if len(codes) != len(all) {
		t.Errorf("registered %d codes, listed %d", len(codes), len(all))
	}
	if ErrorCode("BOGUS").DefaultCategory() != CategoryInternal {
		t.Error("unknown codes should be internal")
	}
}
