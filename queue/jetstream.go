package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// JetStreamConfig describes the work-queue stream and its consumer.
type JetStreamConfig struct {
	// Conn is the NATS connection to use. The broker does not close it.
	Conn *nats.Conn

	// Stream is the work-queue stream name.
	Stream string

	// Subject is the subject jobs are published on and the stream captures.
	Subject string

	// Consumer is the durable pull consumer shared by every worker of
	// every instance.
	Consumer string

	// AckWait is how long the server waits for a settle before handing a
	// job to another worker.
	AckWait time.Duration

	// PollWait bounds one pull request.
	PollWait time.Duration

	// Replicas is the stream replication factor.
	Replicas int
}

func (c JetStreamConfig) withDefaults() JetStreamConfig {
	d := DefaultConfig()
	if c.Stream == "" {
		c.Stream = d.Stream
	}
	if c.Subject == "" {
		c.Subject = d.Subject
	}
	if c.Consumer == "" {
		c.Consumer = d.Consumer
	}
	if c.AckWait <= 0 {
		c.AckWait = d.AckWait
	}
	if c.PollWait <= 0 {
		c.PollWait = time.Second
	}
	if c.Replicas <= 0 {
		c.Replicas = 1
	}
	return c
}

// JetStreamBroker keeps jobs in a JetStream work-queue stream. A job leaves
// the stream only when a worker acks or terminates it; an unsettled job is
// redelivered after AckWait, including after a crash.
type JetStreamBroker struct {
	js       jetstream.JetStream
	consumer jetstream.Consumer
	config   JetStreamConfig
}

var _ Broker = (*JetStreamBroker)(nil)

// NewJetStreamBroker creates or updates the stream and the durable
// consumer.
func NewJetStreamBroker(ctx context.Context, cfg JetStreamConfig) (*JetStreamBroker, error) {
	if cfg.Conn == nil {
		return nil, fmt.Errorf("nats connection required")
	}
	cfg = cfg.withDefaults()

	js, err := jetstream.New(cfg.Conn)
	if err != nil {
		return nil, fmt.Errorf("jetstream: %w", err)
	}

	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        cfg.Stream,
		Description: "taskhook background jobs",
		Subjects:    []string{cfg.Subject},
		Retention:   jetstream.WorkQueuePolicy,
		Storage:     jetstream.FileStorage,
		Replicas:    cfg.Replicas,
		Duplicates:  2 * time.Minute,
	})
	if err != nil {
		return nil, fmt.Errorf("create stream %s: %w", cfg.Stream, err)
	}

	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       cfg.Consumer,
		Description:   "taskhook job workers",
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       cfg.AckWait,
		MaxDeliver:    -1,
		FilterSubject: cfg.Subject,
	})
	if err != nil {
		return nil, fmt.Errorf("create consumer %s: %w", cfg.Consumer, err)
	}
	return &JetStreamBroker{js: js, consumer: consumer, config: cfg}, nil
}

// Put publishes data and waits for the stream to store it. The job id is
// the message id, so the stream drops a repeated Put inside its duplicate
// window.
func (b *JetStreamBroker) Put(ctx context.Context, id string, data []byte) error {
	var opts []jetstream.PublishOpt
	if id != "" {
		opts = append(opts, jetstream.WithMsgID(id))
	}
	if _, err := b.js.Publish(ctx, b.config.Subject, data, opts...); err != nil {
		return fmt.Errorf("publish job: %w", err)
	}
	return nil
}

// Fetch pulls one job at a time so nothing is held client side when the
// worker stops.
func (b *JetStreamBroker) Fetch(ctx context.Context) (Delivery, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		batch, err := b.consumer.Fetch(1, jetstream.FetchMaxWait(b.config.PollWait))
		if err != nil {
			if errors.Is(err, nats.ErrConnectionClosed) {
				return nil, ErrBrokerClosed
			}
			return nil, fmt.Errorf("fetch job: %w", err)
		}
		if msg, ok := <-batch.Messages(); ok {
			return &jetStreamDelivery{msg: msg}, nil
		}
		if err := batch.Error(); err != nil && !errors.Is(err, nats.ErrTimeout) {
			return nil, fmt.Errorf("fetch job: %w", err)
		}
	}
}

// Close leaves queued jobs in the stream for the next worker.
func (b *JetStreamBroker) Close() ([]Delivery, error) {
	return nil, nil
}

type jetStreamDelivery struct {
	msg jetstream.Msg
}

func (d *jetStreamDelivery) Data() []byte { return d.msg.Data() }

func (d *jetStreamDelivery) Attempt() int {
	meta, err := d.msg.Metadata()
	if err != nil || meta.NumDelivered == 0 {
		return 1
	}
	return int(meta.NumDelivered)
}

func (d *jetStreamDelivery) Ack() error        { return d.msg.Ack() }
func (d *jetStreamDelivery) Term() error       { return d.msg.Term() }
func (d *jetStreamDelivery) InProgress() error { return d.msg.InProgress() }

func (d *jetStreamDelivery) Nak(delay time.Duration) error {
	if delay <= 0 {
		return d.msg.Nak()
	}
	return d.msg.NakWithDelay(delay)
}
