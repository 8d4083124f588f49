package queue

import (
	"context"
	"sync"
	"time"
)

// MemoryBroker is an in-process Broker for single-instance runs and tests.
// Jobs put before any worker fetches wait in FIFO order.
type MemoryBroker struct {
	mu      sync.Mutex
	ready   []*memoryDelivery
	delayed map[*memoryDelivery]*time.Timer
	seen    map[string]struct{}
	wake    chan struct{}
	closed  bool
}

var _ Broker = (*MemoryBroker)(nil)

// NewMemoryBroker returns an empty broker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		delayed: make(map[*memoryDelivery]*time.Timer),
		seen:    make(map[string]struct{}),
		wake:    make(chan struct{}),
	}
}

// Put queues data. A second Put with the same id is ignored.
func (b *MemoryBroker) Put(_ context.Context, id string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBrokerClosed
	}
	if id != "" {
		if _, dup := b.seen[id]; dup {
			return nil
		}
		b.seen[id] = struct{}{}
	}
	b.push(&memoryDelivery{broker: b, data: data, attempt: 1})
	return nil
}

// push appends d and wakes waiting fetchers. Callers hold mu.
func (b *MemoryBroker) push(d *memoryDelivery) {
	b.ready = append(b.ready, d)
	close(b.wake)
	b.wake = make(chan struct{})
}

// Fetch returns the oldest ready job. Jobs already queued are handed out
// even after ctx ends, so a stopping queue drains them before Close.
func (b *MemoryBroker) Fetch(ctx context.Context) (Delivery, error) {
	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return nil, ErrBrokerClosed
		}
		if len(b.ready) > 0 {
			d := b.ready[0]
			b.ready[0] = nil
			b.ready = b.ready[1:]
			b.mu.Unlock()
			return d, nil
		}
		wake := b.wake
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wake:
		}
	}
}

// Len reports jobs waiting to be fetched, delayed retries included.
func (b *MemoryBroker) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.ready) + len(b.delayed)
}

// Close returns the jobs still queued or waiting on a retry delay.
func (b *MemoryBroker) Close() ([]Delivery, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBrokerClosed
	}
	b.closed = true
	close(b.wake)

	var stranded []Delivery
	for _, d := range b.ready {
		stranded = append(stranded, d)
	}
	for d, t := range b.delayed {
		t.Stop()
		stranded = append(stranded, d)
	}
	b.ready = nil
	b.delayed = nil
	return stranded, nil
}

func (b *MemoryBroker) requeue(d *memoryDelivery, delay time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBrokerClosed
	}
	d.attempt++
	if delay <= 0 {
		b.push(d)
		return nil
	}
	b.delayed[d] = time.AfterFunc(delay, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.delayed[d]; !ok {
			return
		}
		delete(b.delayed, d)
		b.push(d)
	})
	return nil
}

type memoryDelivery struct {
	broker  *MemoryBroker
	data    []byte
	attempt int
}

func (d *memoryDelivery) Data() []byte      { return d.data }
func (d *memoryDelivery) Attempt() int      { return d.attempt }
func (d *memoryDelivery) Ack() error        { return nil }
func (d *memoryDelivery) Term() error       { return nil }
func (d *memoryDelivery) InProgress() error { return nil }

func (d *memoryDelivery) Nak(delay time.Duration) error {
	return d.broker.requeue(d, delay)
}
