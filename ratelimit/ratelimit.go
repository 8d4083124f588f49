package ratelimit

import (
	"context"
	"errors"
	"time"
)

var (
	ErrClosed          = errors.New("limiter closed")
	ErrResourceUnknown = errors.New("unknown resource")
)

// Resources limited by taskhook. Submit and Callback guard the HTTP
// routes; Workflow paces dispatch workers' calls to the engine.
const (
	ResourceSubmit   = "submit"
	ResourceCallback = "callback"
	ResourceWorkflow = "workflow"
)

// Limiter hands out tokens for named resources.
type Limiter interface {
	// Acquire blocks for a token. It fails with ErrResourceUnknown for a
	// resource without a limit so callers can tell pacing from no pacing.
	Acquire(ctx context.Context, resource string) error

	// TryAcquire takes a token without blocking. Resources without a limit
	// always succeed.
	TryAcquire(resource string) bool

	// RetryAfter estimates the wait until resource yields a token.
	RetryAfter(resource string) time.Duration

	// SetCapacity allows capacity tokens per window. A non-positive
	// capacity or window removes the limit.
	SetCapacity(resource string, capacity int, window time.Duration)

	// GetCapacity returns nil for a resource without a limit.
	GetCapacity(resource string) *Capacity

	Close() error
}

// Capacity is a snapshot of one resource's bucket.
type Capacity struct {
	Resource  string
	Available int
	Total     int
	Window    time.Duration
}
