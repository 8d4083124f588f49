package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// bucket pairs a token-bucket limiter with the settings it was built from.
// changed is closed when the bucket is reconfigured or removed so blocked
// Acquire calls re-read it.
type bucket struct {
	lim     *rate.Limiter
	total   int
	window  time.Duration
	changed chan struct{}
}

func newBucket(capacity int, window time.Duration) *bucket {
	return &bucket{
		lim:     rate.NewLimiter(rate.Every(window/time.Duration(capacity)), capacity),
		total:   capacity,
		window:  window,
		changed: make(chan struct{}),
	}
}

// MemoryLimiter is a process-local Limiter. Each resource refills
// continuously at capacity/window and holds at most capacity tokens.
type MemoryLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	closed  chan struct{}
	nowFunc func() time.Time
}

var _ Limiter = (*MemoryLimiter)(nil)

// NewMemoryLimiter returns a limiter with no configured resources.
func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{
		buckets: make(map[string]*bucket),
		closed:  make(chan struct{}),
		nowFunc: time.Now,
	}
}

func (m *MemoryLimiter) isClosed() bool {
	select {
	case <-m.closed:
		return true
	default:
		return false
	}
}

// SetCapacity configures resource. Reconfiguring keeps the tokens already
// earned, capped at the new capacity.
func (m *MemoryLimiter) SetCapacity(resource string, capacity int, window time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.isClosed() {
		return
	}

	old := m.buckets[resource]
	if old != nil {
		close(old.changed)
	}
	if capacity <= 0 || window <= 0 {
		delete(m.buckets, resource)
		return
	}

	b := newBucket(capacity, window)
	if old != nil {
		now := m.nowFunc()
		b.lim = old.lim
		b.lim.SetLimitAt(now, rate.Every(window/time.Duration(capacity)))
		b.lim.SetBurstAt(now, capacity)
	}
	m.buckets[resource] = b
}

// GetCapacity reports the state of resource, or nil if it is unlimited.
func (m *MemoryLimiter) GetCapacity(resource string) *Capacity {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.buckets[resource]
	if b == nil {
		return nil
	}
	tokens := math.Min(b.lim.TokensAt(m.nowFunc()), float64(b.total))
	return &Capacity{
		Resource:  resource,
		Available: int(math.Floor(tokens)),
		Total:     b.total,
		Window:    b.window,
	}
}

// TryAcquire takes a token if one is available. Unknown resources are not
// limited.
func (m *MemoryLimiter) TryAcquire(resource string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.isClosed() {
		return false
	}
	b := m.buckets[resource]
	return b == nil || b.lim.AllowN(m.nowFunc(), 1)
}

// RetryAfter estimates the wait for the next token, to the millisecond.
func (m *MemoryLimiter) RetryAfter(resource string) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.buckets[resource]
	if b == nil {
		return 0
	}
	missing := 1 - b.lim.TokensAt(m.nowFunc())
	if missing <= 0 {
		return 0
	}
	secs := missing / float64(b.lim.Limit())
	return time.Duration(secs * float64(time.Second)).Round(time.Millisecond)
}

// Acquire blocks until resource yields a token, ctx ends, the resource is
// removed or the limiter closes.
func (m *MemoryLimiter) Acquire(ctx context.Context, resource string) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		m.mu.Lock()
		if m.isClosed() {
			m.mu.Unlock()
			return ErrClosed
		}
		b := m.buckets[resource]
		if b == nil {
			m.mu.Unlock()
			return ErrResourceUnknown
		}
		now := m.nowFunc()
		r := b.lim.ReserveN(now, 1)
		m.mu.Unlock()

		delay := r.DelayFrom(now)
		if delay == 0 {
			return nil
		}

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
			return nil
		case <-ctx.Done():
			timer.Stop()
			r.Cancel()
			return ctx.Err()
		case <-b.changed:
			timer.Stop()
			r.Cancel()
		case <-m.closed:
			timer.Stop()
			return ErrClosed
		}
	}
}

// Close wakes blocked callers with ErrClosed. A second Close returns
// ErrClosed.
func (m *MemoryLimiter) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.isClosed() {
		return ErrClosed
	}
	close(m.closed)
	return nil
}
