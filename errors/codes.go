package errors

import "net/http"

// ErrorCategory groups codes by how callers react to them.
type ErrorCategory string

const (
	CategoryTransient ErrorCategory = "transient" // retry may succeed
	CategoryPermanent ErrorCategory = "permanent" // retry repeats the failure
	CategoryResource  ErrorCategory = "resource"  // retry after backing off
	CategoryInternal  ErrorCategory = "internal"  // a bug or an infrastructure fault
)

func (c ErrorCategory) String() string { return string(c) }

// IsRetryable reports whether the queue and the delivery client retry
// errors of this category.
func (c ErrorCategory) IsRetryable() bool {
	return c == CategoryTransient || c == CategoryResource
}

// ErrorCode names one failure of the task lifecycle.
type ErrorCode string

const (
	ErrCodeTimeout        ErrorCode = "TIMEOUT"
	ErrCodeNetworkErr     ErrorCode = "NETWORK_ERR"
	ErrCodeHTTPStatus     ErrorCode = "HTTP_STATUS"     // engine answered non-2xx
	ErrCodeDeliveryFailed ErrorCode = "DELIVERY_FAILED" // every trigger attempt failed
	ErrCodeUnavailable    ErrorCode = "UNAVAILABLE"

	ErrCodeInvalidConfig    ErrorCode = "INVALID_CONFIG"
	ErrCodeMissingSignature ErrorCode = "MISSING_SIGNATURE"
	ErrCodeInvalidSignature ErrorCode = "INVALID_SIGNATURE"
	ErrCodeInvalidInput     ErrorCode = "INVALID_INPUT"
	ErrCodeNotFound         ErrorCode = "NOT_FOUND"
	ErrCodeConflict         ErrorCode = "CONFLICT"     // result disagrees with a final task
	ErrCodePrecondition     ErrorCode = "PRECONDITION" // task status forbids the operation
	ErrCodeCanceled         ErrorCode = "CANCELED"

	ErrCodeRateLimit ErrorCode = "RATE_LIMITED"

	ErrCodeInternal ErrorCode = "INTERNAL"
	ErrCodePanic    ErrorCode = "PANIC"
)

type codeInfo struct {
	category    ErrorCategory
	status      int
	description string
}

var codes = map[ErrorCode]codeInfo{
	ErrCodeTimeout:        {CategoryTransient, http.StatusGatewayTimeout, "operation timed out"},
	ErrCodeNetworkErr:     {CategoryTransient, http.StatusBadGateway, "workflow engine unreachable"},
	ErrCodeHTTPStatus:     {CategoryTransient, http.StatusBadGateway, "unexpected HTTP status"},
	ErrCodeDeliveryFailed: {CategoryTransient, http.StatusServiceUnavailable, "delivery to workflow engine failed"},
	ErrCodeUnavailable:    {CategoryTransient, http.StatusServiceUnavailable, "backend temporarily unavailable"},

	ErrCodeInvalidConfig:    {CategoryPermanent, http.StatusInternalServerError, "invalid configuration"},
	ErrCodeMissingSignature: {CategoryPermanent, http.StatusUnauthorized, "missing signature"},
	ErrCodeInvalidSignature: {CategoryPermanent, http.StatusUnauthorized, "invalid signature"},
	ErrCodeInvalidInput:     {CategoryPermanent, http.StatusUnprocessableEntity, "malformed request"},
	ErrCodeNotFound:         {CategoryPermanent, http.StatusNotFound, "task not found"},
	ErrCodeConflict:         {CategoryPermanent, http.StatusUnprocessableEntity, "conflict with final state"},
	ErrCodePrecondition:     {CategoryPermanent, http.StatusConflict, "task status does not allow this"},
	ErrCodeCanceled:         {CategoryPermanent, http.StatusInternalServerError, "canceled"},

	ErrCodeRateLimit: {CategoryResource, http.StatusTooManyRequests, "rate limit exceeded"},

	ErrCodeInternal: {CategoryInternal, http.StatusInternalServerError, "internal error"},
	ErrCodePanic:    {CategoryInternal, http.StatusInternalServerError, "recovered from panic"},
}

func (c ErrorCode) String() string { return string(c) }

// DefaultCategory is the code's category. Unknown codes are internal.
func (c ErrorCode) DefaultCategory() ErrorCategory {
	if info, ok := codes[c]; ok {
		return info.category
	}
	return CategoryInternal
}

// DefaultRetryable follows the category.
func (c ErrorCode) DefaultRetryable() bool {
	return c.DefaultCategory().IsRetryable()
}

// Description is the stock message FromCode uses.
func (c ErrorCode) Description() string {
	if info, ok := codes[c]; ok {
		return info.description
	}
	return "unknown error"
}

// HTTPStatus is the status the API answers with. Unknown and empty codes
// are 500.
func (c ErrorCode) HTTPStatus() int {
	if info, ok := codes[c]; ok {
		return info.status
	}
	return http.StatusInternalServerError
}
