package results

import (
	"bytes"
	"encoding/json"
	"maps"
	"strings"

	apperrors "github.com/vinayprograms/taskhook/errors"
)

// Variant names.
const (
	VariantSuccess = "success"
	VariantError   = "error"
)

// Payload is a verified callback result: SuccessResult or ErrorResult.
type Payload interface {
	Variant() string
	isPayload()
}

// SuccessResult reports the output the engine produced.
type SuccessResult struct {
	Output   string
	Metadata map[string]string
}

func (SuccessResult) Variant() string { return VariantSuccess }
func (SuccessResult) isPayload()       {}

// ErrorResult reports that the engine gave up on the task.
type ErrorResult struct {
	Message string
}

func (ErrorResult) Variant() string { return VariantError }
func (ErrorResult) isPayload()       {}

// callbackBody is the wire shape. Pointers tell absent from empty.
type callbackBody struct {
	NewOutput *string          `json:"new_output"`
	Metadata  *json.RawMessage `json:"metadata"`
	Error     *string          `json:"error"`
}

// ParsePayload decodes a callback body. It must be a JSON object with
// either a non-empty "new_output" (plus an optional "metadata" object of
// strings) or a non-empty "error", never both. Null counts as absent.
// Failures are ErrCodeInvalidInput with a "field" metadata key.
func ParsePayload(raw []byte) (Payload, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, invalid("body", "callback body must be a JSON object")
	}

	var body callbackBody
	if err := json.Unmarshal(trimmed, &body); err != nil {
		return nil, apperrors.WrapWithCode(err, apperrors.ErrCodeInvalidInput, "decode callback body",
			apperrors.WithMetadata("field", "body"))
	}

	hasMetadata := body.Metadata != nil && !bytes.Equal(bytes.TrimSpace(*body.Metadata), []byte("null"))

	switch {
	case body.NewOutput != nil && body.Error != nil:
		return nil, invalid("body", "exactly one of new_output or error is allowed")
	case body.NewOutput == nil && body.Error == nil:
		return nil, invalid("body", "one of new_output or error is required")
	case body.Error != nil:
		if hasMetadata {
			return nil, invalid("metadata", "metadata is only allowed with new_output")
		}
		if strings.TrimSpace(*body.Error) == "" {
			return nil, invalid("error", "error must not be empty")
		}
		return ErrorResult{Message: *body.Error}, nil
	}

	if strings.TrimSpace(*body.NewOutput) == "" {
		return nil, invalid("new_output", "new_output must not be empty")
	}

	metadata := map[string]string{}
	if hasMetadata {
		if err := json.Unmarshal(*body.Metadata, &metadata); err != nil {
			return nil, invalid("metadata", "metadata must be an object of strings")
		}
		if metadata == nil {
			metadata = map[string]string{}
		}
	}
	return SuccessResult{Output: *body.NewOutput, Metadata: metadata}, nil
}

func invalid(field, msg string) error {
	return apperrors.InvalidInput(msg, apperrors.WithMetadata("field", field))
}

// Clone returns a copy whose metadata does not alias the original.
func (s SuccessResult) Clone() SuccessResult {
	return SuccessResult{Output: s.Output, Metadata: maps.Clone(s.Metadata)}
}
