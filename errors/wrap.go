package errors

import (
	"context"
	"errors"
	"fmt"
)

// Wrap adds context to err. A coded error keeps its code, task and
// metadata; context errors become TIMEOUT or CANCELED; anything else is
// INTERNAL. Wrap(nil, ...) is nil.
func Wrap(err error, message string, opts ...Option) *Error {
	if err == nil {
		return nil
	}

	var coded *Error
	if errors.As(err, &coded) {
		wrapped := &Error{
			code:      coded.code,
			message:   message,
			cause:     err,
			metadata:  coded.Metadata(),
			retryable: coded.retryable,
			taskID:    coded.taskID,
			at:        coded.at,
		}
		for _, opt := range opts {
			opt(wrapped)
		}
		return wrapped
	}

	code := ErrCodeInternal
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		code = ErrCodeTimeout
	case errors.Is(err, context.Canceled):
		code = ErrCodeCanceled
	}
	return New(code, message, append(opts, WithCause(err))...)
}

// WrapWithCode wraps err under an explicit code. WrapWithCode(nil, ...) is nil.
func WrapWithCode(err error, code ErrorCode, message string, opts ...Option) *Error {
	if err == nil {
		return nil
	}
	return New(code, message, append(opts, WithCause(err))...)
}

// as returns the outermost coded error in err's chain.
func as(err error) (*Error, bool) {
	var coded *Error
	ok := errors.As(err, &coded)
	return coded, ok
}

// Is reports whether the outermost coded error in err's chain has code.
func Is(err error, code ErrorCode) bool {
	coded, ok := as(err)
	return ok && coded.code == code
}

// Code returns the outermost code in err's chain, or "".
func Code(err error) ErrorCode {
	if coded, ok := as(err); ok {
		return coded.code
	}
	return ""
}

// IsRetryable reports whether err is a coded error worth retrying.
// Uncoded errors are not.
func IsRetryable(err error) bool {
	coded, ok := as(err)
	return ok && coded.Retryable()
}

// GetMetadata returns the metadata of the outermost coded error, or nil.
func GetMetadata(err error) map[string]string {
	if coded, ok := as(err); ok {
		return coded.Metadata()
	}
	return nil
}

// HTTPStatus is the status the HTTP boundary answers err with. Uncoded
// errors map to 500.
func HTTPStatus(err error) int {
	return Code(err).HTTPStatus()
}

// RecoverPanic turns a recovered panic value into a PANIC error.
func RecoverPanic(recovered interface{}) *Error {
	if recovered == nil {
		return nil
	}
	var message string
	switch v := recovered.(type) {
	case error:
		message = v.Error()
	case string:
		message = v
	default:
		message = fmt.Sprintf("%v", v)
	}
	return New(ErrCodePanic, message, WithMetadata("panic_value", fmt.Sprintf("%T", recovered)))
}
