package bus

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	ErrClosed         = errors.New("bus closed")
	ErrTimeout        = errors.New("request timeout")
	ErrNoResponders   = errors.New("no responders")
	ErrInvalidSubject = errors.New("invalid subject")
	ErrInvalidQueue   = errors.New("invalid queue group")
)

// DefaultRequestTimeout bounds a Request whose context has no deadline.
const DefaultRequestTimeout = 5 * time.Second

// Message is one delivery. Reply is set when the sender expects an answer
// published to it.
type Message struct {
	Subject string
	Data    []byte
	Reply   string
}

// MessageBus carries queue jobs, audit events, result notifications and
// admin requests.
type MessageBus interface {
	// Publish delivers data to every plain subscriber of subject and to one
	// member of each queue group on it.
	Publish(subject string, data []byte) error

	// Subscribe receives every message on subject. A subscriber that falls
	// behind loses messages.
	Subscribe(subject string) (Subscription, error)

	// QueueSubscribe joins group on subject. Each message reaches one
	// member, and a busy group holds the message rather than dropping it.
	QueueSubscribe(subject, group string) (Subscription, error)

	// Request publishes data with a reply subject and waits for the first
	// answer. It returns ErrNoResponders when nobody listens on subject and
	// ErrTimeout when ctx expires first.
	Request(ctx context.Context, subject string, data []byte) (*Message, error)

	Close() error
}

// Subscription is a live subscription. Messages is closed once the
// subscription or its bus ends.
type Subscription interface {
	Messages() <-chan *Message
	Unsubscribe() error
}

// Config holds settings shared by the implementations.
type Config struct {
	// BufferSize is the per-subscription channel capacity. Default 256.
	BufferSize int
}

// DefaultConfig returns the default Config.
func DefaultConfig() Config {
	return Config{BufferSize: 256}
}

func (c Config) buffer() int {
	if c.BufferSize <= 0 {
		return DefaultConfig().BufferSize
	}
	return c.BufferSize
}

// ValidateSubject accepts non-empty dot-separated tokens without whitespace.
func ValidateSubject(subject string) error {
	if subject == "" || strings.ContainsAny(subject, " \t\r\n") {
		return ErrInvalidSubject
	}
	for _, tok := range strings.Split(subject, ".") {
		if tok == "" {
			return ErrInvalidSubject
		}
	}
	return nil
}

// requestContext applies DefaultRequestTimeout when ctx has no deadline.
func requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, DefaultRequestTimeout)
}

// requestErr maps an expired request context to ErrTimeout.
func requestErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	return err
}
