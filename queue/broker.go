package queue

import (
	"context"
	"errors"
	"time"
)

// ErrBrokerClosed is returned by a broker after Close.
var ErrBrokerClosed = errors.New("broker closed")

// Broker stores jobs until a worker settles them. A job handed out by Fetch
// stays owned by the broker until its Delivery is acked, nacked or
// terminated, so a worker that dies mid-job does not lose it.
type Broker interface {
	// Put stores a job. id lets a broker discard a duplicate Put of the
	// same job.
	Put(ctx context.Context, id string, data []byte) error

	// Fetch blocks until a job is ready or ctx ends.
	Fetch(ctx context.Context) (Delivery, error)

	// Close stops the broker. A broker that keeps jobs only in memory
	// returns the ones it still holds; they are gone once it returns.
	Close() (stranded []Delivery, err error)
}

// Delivery is one handout of a stored job.
type Delivery interface {
	Data() []byte

	// Attempt counts handouts of this job, starting at 1.
	Attempt() int

	// Ack removes the job.
	Ack() error

	// Nak hands the job out again after delay.
	Nak(delay time.Duration) error

	// Term removes the job without handling it again.
	Term() error

	// InProgress extends the time the worker has before the broker
	// assumes it died.
	InProgress() error
}
