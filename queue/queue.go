package queue

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/vinayprograms/taskhook/bus"
	apperrors "github.com/vinayprograms/taskhook/errors"
	"github.com/vinayprograms/taskhook/logging"
	"github.com/vinayprograms/taskhook/metrics"
	"github.com/vinayprograms/taskhook/security"
	"github.com/vinayprograms/taskhook/telemetry"
)

// KindDispatch is the job kind that triggers the workflow engine for a task.
const KindDispatch = "dispatch"

// Job is a unit of background work.
type Job struct {
	ID         string               `json:"id"`
	Kind       string               `json:"kind"`
	TaskID     string               `json:"task_id"`
	EnqueuedAt time.Time            `json:"enqueued_at"`
	Trace      telemetry.MapCarrier `json:"trace,omitempty"`

	// Attempt counts handouts of the job by the broker, retries and
	// redeliveries after a lost worker included.
	Attempt int `json:"attempt"`

	// Redelivery marks a job an operator queued again for a task whose
	// earlier job was lost.
	Redelivery bool `json:"redelivery,omitempty"`
}

// Redelivered reports whether the task may already have seen this work.
func (j Job) Redelivered() bool {
	return j.Attempt > 1 || j.Redelivery
}

// Handler processes one job. A retryable error asks for another attempt.
type Handler func(ctx context.Context, job Job) error

// Config configures a Queue.
type Config struct {
	// Subject jobs are published on.
	Subject string

	// Stream is the JetStream stream holding the jobs.
	Stream string

	// Consumer is the durable consumer the workers share.
	Consumer string

	// Workers is the number of concurrent workers.
	Workers int

	// MaxAttempts bounds how often a job runs, first attempt included.
	MaxAttempts int

	// Backoff is the wait before attempt n+1 after attempt n failed.
	// The last value is reused once the list runs out.
	Backoff []time.Duration

	// AckWait is how long a job may run before the broker hands it to
	// another worker. Running jobs report progress at half this interval.
	AckWait time.Duration
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Subject:     "taskhook.jobs.dispatch",
		Stream:      "TASKHOOK_JOBS",
		Consumer:    "dispatchers",
		Workers:     4,
		MaxAttempts: 5,
		Backoff:     []time.Duration{time.Second, 5 * time.Second, 30 * time.Second},
		AckWait:     time.Minute,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	switch {
	case bus.ValidateSubject(c.Subject) != nil:
		return invalidConfig("subject", "queue subject is required")
	case !validName(c.Stream):
		return invalidConfig("stream", "stream name is required and may not contain '.', '*', '>' or spaces")
	case !validName(c.Consumer):
		return invalidConfig("consumer", "consumer name is required and may not contain '.', '*', '>' or spaces")
	case c.Workers < 1:
		return invalidConfig("workers", "at least one worker is required")
	case c.MaxAttempts < 1:
		return invalidConfig("max_attempts", "max attempts must be at least 1")
	case c.AckWait <= 0:
		return invalidConfig("ack_wait", "ack wait must be positive")
	}
	for _, d := range c.Backoff {
		if d < 0 {
			return invalidConfig("backoff", "backoff must not be negative")
		}
	}
	return nil
}

// validName accepts a JetStream stream or consumer name.
func validName(name string) bool {
	return name != "" && !strings.ContainsAny(name, ".*> \t\r\n")
}

func invalidConfig(field, msg string) error {
	return apperrors.InvalidConfig(msg, apperrors.WithMetadata("field", field))
}

// backoff returns the wait after the given failed attempt.
func (c Config) backoff(attempt int) time.Duration {
	if len(c.Backoff) == 0 {
		return 0
	}
	i := attempt - 1
	if i >= len(c.Backoff) {
		i = len(c.Backoff) - 1
	}
	if i < 0 {
		i = 0
	}
	return c.Backoff[i]
}

// Drop reasons.
const (
	DropPermanent = "permanent"
	DropExhausted = "exhausted"
	DropMalformed = "malformed"
	DropStopped   = "stopped"
)

// fetchRetry is the pause after a failed fetch.
const fetchRetry = time.Second

// Queue runs jobs from a Broker on a pool of workers. A job is settled only
// after its handler returns: acked on success, handed out again after the
// backoff on a retryable error, terminated otherwise.
type Queue struct {
	broker  Broker
	config  Config
	logger  *logging.Logger
	metrics *metrics.Metrics
	audit   security.AuditSink
	clock   func() time.Time

	mu      sync.Mutex
	cancel  context.CancelFunc
	workers sync.WaitGroup
	started atomic.Bool
	stopped atomic.Bool
}

// Option configures a Queue.
type Option func(*Queue)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(q *Queue) {
		if l != nil {
			q.logger = l
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(q *Queue) {
		q.metrics = m
	}
}

// WithAuditSink sets where dropped jobs are recorded.
func WithAuditSink(sink security.AuditSink) Option {
	return func(q *Queue) {
		if sink != nil {
			q.audit = sink
		}
	}
}

// WithClock sets the clock used to stamp jobs.
func WithClock(clock func() time.Time) Option {
	return func(q *Queue) {
		if clock != nil {
			q.clock = clock
		}
	}
}

// New creates a queue on broker. The queue owns the broker and closes it
// on shutdown.
func New(broker Broker, cfg Config, opts ...Option) (*Queue, error) {
	if broker == nil {
		return nil, apperrors.InvalidConfig("job broker is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	q := &Queue{
		broker: broker,
		config: cfg,
		logger: logging.Discard(),
		audit:  security.NopSink{},
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	q.logger = q.logger.WithComponent("queue")
	return q, nil
}

// Config returns the queue configuration.
func (q *Queue) Config() Config {
	return q.config
}

// Enqueue stores a new job for taskID. It returns only once the broker
// holds the job. The trace context of ctx travels with the job.
func (q *Queue) Enqueue(ctx context.Context, kind, taskID string) (Job, error) {
	return q.enqueue(ctx, kind, taskID, false)
}

// EnqueueRedelivery stores a job marked as a redelivery.
func (q *Queue) EnqueueRedelivery(ctx context.Context, kind, taskID string) (Job, error) {
	return q.enqueue(ctx, kind, taskID, true)
}

func (q *Queue) enqueue(ctx context.Context, kind, taskID string, redelivery bool) (Job, error) {
	job := Job{
		ID:         uuid.NewString(),
		Kind:       kind,
		TaskID:     taskID,
		Attempt:    1,
		EnqueuedAt: q.clock().UTC(),
		Trace:      telemetry.MapCarrier{},
		Redelivery: redelivery,
	}
	telemetry.InjectContext(ctx, job.Trace)

	data, err := json.Marshal(job)
	if err != nil {
		return Job{}, apperrors.Wrap(err, "encode job", apperrors.WithTaskID(taskID))
	}
	if err := q.broker.Put(ctx, job.ID, data); err != nil {
		return Job{}, apperrors.WrapWithCode(err, apperrors.ErrCodeUnavailable, "store job",
			apperrors.WithTaskID(taskID))
	}
	q.logger.Debug("job_enqueued", map[string]interface{}{
		"job_id":     job.ID,
		"kind":       job.Kind,
		"task_id":    job.TaskID,
		"redelivery": job.Redelivery,
	})
	return job, nil
}

// Start launches the workers. Workers stop fetching when ctx is done or
// OnShutdown is called.
func (q *Queue) Start(ctx context.Context, handler Handler) error {
	if handler == nil {
		return apperrors.InvalidConfig("job handler is required")
	}
	if q.stopped.Load() {
		return apperrors.Precondition("queue stopped")
	}
	if !q.started.CompareAndSwap(false, true) {
		return apperrors.Precondition("queue already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	q.mu.Lock()
	q.cancel = cancel
	q.mu.Unlock()

	for i := 0; i < q.config.Workers; i++ {
		q.workers.Add(1)
		go q.work(ctx, i, handler)
	}

	q.logger.Info("queue_started", map[string]interface{}{
		"subject":  q.config.Subject,
		"consumer": q.config.Consumer,
		"workers":  q.config.Workers,
	})
	return nil
}

func (q *Queue) work(ctx context.Context, id int, handler Handler) {
	defer q.workers.Done()
	for {
		d, err := q.broker.Fetch(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrBrokerClosed) {
				return
			}
			q.logger.Warn("job_fetch_failed", map[string]interface{}{
				"worker": id,
				"error":  err.Error(),
			})
			if sleepContext(ctx, fetchRetry) != nil {
				return
			}
			continue
		}
		q.process(ctx, id, d, handler)
	}
}

func (q *Queue) process(ctx context.Context, worker int, d Delivery, handler Handler) {
	var job Job
	if err := json.Unmarshal(d.Data(), &job); err != nil {
		q.logger.Error("job_malformed", map[string]interface{}{
			"worker": worker,
			"error":  err.Error(),
		})
		q.metrics.JobDropped(DropMalformed)
		q.settle(job, "term", d.Term())
		return
	}
	job.Attempt = d.Attempt()

	// In-flight jobs finish even when the queue is stopping.
	jobCtx := context.WithoutCancel(ctx)
	if len(job.Trace) > 0 {
		jobCtx = telemetry.ExtractContext(jobCtx, job.Trace)
	}

	stop := q.keepAlive(job, d)
	err := q.run(jobCtx, job, handler)
	stop()

	switch {
	case err == nil:
		q.settle(job, "ack", d.Ack())
	case !apperrors.IsRetryable(err):
		q.settle(job, "term", d.Term())
		q.drop(ctx, job, DropPermanent, err)
	case job.Attempt >= q.config.MaxAttempts:
		q.settle(job, "term", d.Term())
		q.drop(ctx, job, DropExhausted, err)
	default:
		q.retry(ctx, job, d, err)
	}
}

func (q *Queue) run(ctx context.Context, job Job, handler Handler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = apperrors.RecoverPanic(r)
		}
	}()
	return handler(ctx, job)
}

// keepAlive reports progress on d while the handler runs so a slow
// engine call is not mistaken for a lost worker.
func (q *Queue) keepAlive(job Job, d Delivery) (stop func()) {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(max(q.config.AckWait/2, time.Millisecond))
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-t.C:
				if err := d.InProgress(); err != nil {
					q.settle(job, "in_progress", err)
				}
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

// settle logs a failed broker acknowledgement. The broker hands an
// unsettled job out again after its ack wait.
func (q *Queue) settle(job Job, op string, err error) {
	if err == nil {
		return
	}
	q.logger.Warn("job_settle_failed", map[string]interface{}{
		"job_id":  job.ID,
		"task_id": job.TaskID,
		"op":      op,
		"error":   err.Error(),
	})
}

// retry hands the job back to the broker for another attempt after the
// backoff.
func (q *Queue) retry(ctx context.Context, job Job, d Delivery, cause error) {
	wait := q.config.backoff(job.Attempt)
	next := job
	next.Attempt++

	q.metrics.JobRetried()
	q.logger.Warn("job_retry_scheduled", map[string]interface{}{
		"job_id":  job.ID,
		"task_id": job.TaskID,
		"attempt": next.Attempt,
		"wait":    wait.String(),
		"error":   cause.Error(),
	})

	err := d.Nak(wait)
	switch {
	case errors.Is(err, ErrBrokerClosed):
		q.drop(ctx, next, DropStopped, cause)
	case err != nil:
		q.settle(job, "nak", err)
	}
}

// drop records a job that will not run again. The audit event is recorded
// even when ctx has ended.
func (q *Queue) drop(ctx context.Context, job Job, reason string, err error) {
	ctx = context.WithoutCancel(ctx)
	q.metrics.JobDropped(reason)
	q.logger.Error("job_dropped", map[string]interface{}{
		"job_id":  job.ID,
		"kind":    job.Kind,
		"task_id": job.TaskID,
		"attempt": job.Attempt,
		"reason":  reason,
		"code":    string(apperrors.Code(err)),
		"error":   err.Error(),
	})
	security.Emit(ctx, q.audit, security.EventJobDropped, map[string]interface{}{
		"job_id":  job.ID,
		"task_id": job.TaskID,
		"attempt": strconv.Itoa(job.Attempt),
		"reason":  reason,
		"code":    string(apperrors.Code(err)),
	})
}

// OnShutdown stops fetching and waits for the workers. Workers on a broker
// without durable storage first drain the jobs it already holds. The
// broker is closed afterwards and every job it could not keep is audited
// as stopped. It returns the context error if ctx ends first; jobs still
// queued at that point are audited the same way.
func (q *Queue) OnShutdown(ctx context.Context) error {
	if q.stopped.Swap(true) {
		return nil
	}
	q.mu.Lock()
	if q.cancel != nil {
		q.cancel()
	}
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.workers.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
		q.logger.Warn("queue_stop_timeout", map[string]interface{}{"error": err.Error()})
	}
	q.closeBroker(ctx)
	if err == nil {
		q.logger.Info("queue_stopped")
	}
	return err
}

func (q *Queue) closeBroker(ctx context.Context) {
	stranded, err := q.broker.Close()
	if err != nil && !errors.Is(err, ErrBrokerClosed) {
		q.logger.Warn("broker_close_failed", map[string]interface{}{"error": err.Error()})
	}
	stopped := apperrors.New(apperrors.ErrCodeCanceled, "queue stopped before the job ran")
	for _, d := range stranded {
		var job Job
		if json.Unmarshal(d.Data(), &job) != nil {
			q.metrics.JobDropped(DropMalformed)
			continue
		}
		job.Attempt = d.Attempt()
		q.drop(ctx, job, DropStopped, stopped)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
