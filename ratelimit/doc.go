// Package ratelimit provides token bucket limits for named resources.
//
// taskhook limits task submissions and callbacks at the HTTP boundary, and
// can pace calls to the workflow engine from the dispatch workers:
//
//	limiter := ratelimit.NewMemoryLimiter()
//	limiter.SetCapacity(ratelimit.ResourceSubmit, 120, time.Minute)
//
//	if !limiter.TryAcquire(ratelimit.ResourceSubmit) {
//	    // answer 429, with limiter.RetryAfter(ratelimit.ResourceSubmit)
//	}
//
//	// block a dispatch worker until the engine may be called again
//	if err := limiter.Acquire(ctx, ratelimit.ResourceWorkflow); err != nil {
//	    return err
//	}
//
// Buckets start full and refill continuously at capacity/window, backed by
// golang.org/x/time/rate.
// The limiter is local to the process; each instance applies its own limits.
package ratelimit
