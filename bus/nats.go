package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSConfig describes the NATS connection shared by the bus and the state
// store.
type NATSConfig struct {
	Config

	URL  string
	Name string

	// Token, or User and Password, authenticate the connection. Secrets
	// come from the credentials file.
	Token    string
	User     string
	Password string

	ReconnectWait  time.Duration
	MaxReconnects  int // -1 retries forever
	ConnectTimeout time.Duration
}

// DefaultNATSConfig returns a config for a local server that reconnects
// forever.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		Config:         DefaultConfig(),
		URL:            nats.DefaultURL,
		Name:           "taskhook",
		ReconnectWait:  2 * time.Second,
		MaxReconnects:  -1,
		ConnectTimeout: 5 * time.Second,
	}
}

func (c NATSConfig) options() []nats.Option {
	opts := []nats.Option{
		nats.ReconnectWait(c.ReconnectWait),
		nats.MaxReconnects(c.MaxReconnects),
		nats.Timeout(c.ConnectTimeout),
	}
	if c.Name != "" {
		opts = append(opts, nats.Name(c.Name))
	}
	switch {
	case c.Token != "":
		opts = append(opts, nats.Token(c.Token))
	case c.User != "":
		opts = append(opts, nats.UserInfo(c.User, c.Password))
	}
	return opts
}

// Connect dials NATS. The caller owns the connection.
func Connect(cfg NATSConfig) (*nats.Conn, error) {
	url := cfg.URL
	if url == "" {
		url = nats.DefaultURL
	}
	conn, err := nats.Connect(url, cfg.options()...)
	if err != nil {
		return nil, fmt.Errorf("nats connect %s: %w", url, err)
	}
	return conn, nil
}

// NATSBus is a MessageBus over NATS core messaging.
type NATSBus struct {
	conn   *nats.Conn
	buffer int
	owned  bool
}

// NewNATSBus dials NATS and returns a bus that drains the connection on
// Close.
func NewNATSBus(cfg NATSConfig) (*NATSBus, error) {
	conn, err := Connect(cfg)
	if err != nil {
		return nil, err
	}
	b := NewNATSBusFromConn(conn, cfg)
	b.owned = true
	return b, nil
}

// NewNATSBusFromConn returns a bus on a borrowed connection. Close leaves
// the connection to its owner.
func NewNATSBusFromConn(conn *nats.Conn, cfg NATSConfig) *NATSBus {
	return &NATSBus{conn: conn, buffer: cfg.buffer()}
}

// Conn returns the underlying connection.
func (b *NATSBus) Conn() *nats.Conn { return b.conn }

func (b *NATSBus) check(subject string) error {
	if err := ValidateSubject(subject); err != nil {
		return err
	}
	if b.conn.IsClosed() || b.conn.IsDraining() {
		return ErrClosed
	}
	return nil
}

func (b *NATSBus) Publish(subject string, data []byte) error {
	if err := b.check(subject); err != nil {
		return err
	}
	if err := b.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("nats publish %s: %w", subject, err)
	}
	return nil
}

func (b *NATSBus) Subscribe(subject string) (Subscription, error) {
	if err := b.check(subject); err != nil {
		return nil, err
	}
	s := newNATSSub(b.buffer, false)
	sub, err := b.conn.Subscribe(subject, s.handle)
	if err != nil {
		return nil, fmt.Errorf("nats subscribe %s: %w", subject, err)
	}
	s.sub = sub
	return s, nil
}

// QueueSubscribe joins a NATS queue group. NATS calls the handler serially
// per subscription, so a full buffer stalls this member and the server
// keeps the rest of its share pending.
func (b *NATSBus) QueueSubscribe(subject, group string) (Subscription, error) {
	if group == "" {
		return nil, ErrInvalidQueue
	}
	if err := b.check(subject); err != nil {
		return nil, err
	}
	s := newNATSSub(b.buffer, true)
	sub, err := b.conn.QueueSubscribe(subject, group, s.handle)
	if err != nil {
		return nil, fmt.Errorf("nats queue subscribe %s/%s: %w", subject, group, err)
	}
	s.sub = sub
	return s, nil
}

func (b *NATSBus) Request(ctx context.Context, subject string, data []byte) (*Message, error) {
	if err := b.check(subject); err != nil {
		return nil, err
	}
	ctx, cancel := requestContext(ctx)
	defer cancel()

	reply, err := b.conn.RequestWithContext(ctx, subject, data)
	switch {
	case err == nil:
		return &Message{Subject: reply.Subject, Data: reply.Data, Reply: reply.Reply}, nil
	case errors.Is(err, nats.ErrNoResponders):
		return nil, ErrNoResponders
	case errors.Is(err, nats.ErrTimeout):
		return nil, ErrTimeout
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return nil, requestErr(err)
	default:
		return nil, fmt.Errorf("nats request %s: %w", subject, err)
	}
}

// Close drains an owned connection so in-flight messages finish.
func (b *NATSBus) Close() error {
	if !b.owned || b.conn.IsClosed() {
		return nil
	}
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
		return fmt.Errorf("nats drain: %w", err)
	}
	return nil
}

// natsSub bridges a NATS callback subscription to a channel.
type natsSub struct {
	sub   *nats.Subscription
	ch    chan *Message
	stop  chan struct{}
	block bool

	mu    sync.RWMutex
	ended bool
	once  sync.Once
}

func newNATSSub(buffer int, block bool) *natsSub {
	return &natsSub{
		ch:    make(chan *Message, buffer),
		stop:  make(chan struct{}),
		block: block,
	}
}

// handle runs on the NATS delivery goroutine. The read lock keeps ch open
// until the send resolves.
func (s *natsSub) handle(m *nats.Msg) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.ended {
		return
	}
	msg := &Message{Subject: m.Subject, Data: m.Data, Reply: m.Reply}
	if !s.block {
		select {
		case s.ch <- msg:
		default:
		}
		return
	}
	select {
	case s.ch <- msg:
	case <-s.stop:
	}
}

func (s *natsSub) Messages() <-chan *Message { return s.ch }

// Unsubscribe stops delivery and closes the channel. A subscription whose
// connection already closed unsubscribes cleanly.
func (s *natsSub) Unsubscribe() error {
	var err error
	s.once.Do(func() {
		close(s.stop)
		err = s.sub.Unsubscribe()
		if errors.Is(err, nats.ErrConnectionClosed) || errors.Is(err, nats.ErrBadSubscription) {
			err = nil
		}
		s.mu.Lock()
		s.ended = true
		close(s.ch)
		s.mu.Unlock()
	})
	return err
}
