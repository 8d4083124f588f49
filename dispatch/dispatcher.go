package dispatch

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/vinayprograms/taskhook/delivery"
	apperrors "github.com/vinayprograms/taskhook/errors"
	"github.com/vinayprograms/taskhook/logging"
	"github.com/vinayprograms/taskhook/metrics"
	"github.com/vinayprograms/taskhook/queue"
	"github.com/vinayprograms/taskhook/ratelimit"
	"github.com/vinayprograms/taskhook/security"
	"github.com/vinayprograms/taskhook/tasks"
	"github.com/vinayprograms/taskhook/telemetry"
)

// Result says how a dispatch ended.
type Result string

const (
	// Dispatched: the engine accepted the task.
	Dispatched Result = "dispatched"
	// Rejected: the task cannot be dispatched; retrying will not help.
	Rejected Result = "rejected"
	// Retry: delivery failed; the job should run again later.
	Retry Result = "retry"
)

// Outcome is the result of one dispatch.
type Outcome struct {
	Result     Result
	Status     tasks.Status
	Attempts   int
	StatusCode int
	Err        error
}

// Store is the part of tasks.Store a Dispatcher needs.
type Store interface {
	Mutate(ctx context.Context, id string, fn func(*tasks.Record) error) (*tasks.Record, error)
}

// Trigger starts work on the workflow engine. *delivery.Client implements it.
type Trigger interface {
	Trigger(ctx context.Context, taskID, referenceInput, outcomeGoal string) (*delivery.Result, error)
}

var errNotDispatchable = errors.New("task is not dispatchable")

// Dispatcher runs dispatch jobs.
type Dispatcher struct {
	store   Store
	client  Trigger
	audit   security.AuditSink
	logger  *logging.Logger
	metrics *metrics.Metrics
	tracer  *telemetry.Tracer
	limiter ratelimit.Limiter
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithAuditSink sets the audit sink.
func WithAuditSink(sink security.AuditSink) Option {
	return func(d *Dispatcher) {
		if sink != nil {
			d.audit = sink
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) {
		d.metrics = m
	}
}

// WithTracer sets the tracer.
func WithTracer(t *telemetry.Tracer) Option {
	return func(d *Dispatcher) {
		if t != nil {
			d.tracer = t
		}
	}
}

// WithLimiter paces engine calls with the ratelimit.ResourceWorkflow bucket.
func WithLimiter(l ratelimit.Limiter) Option {
	return func(d *Dispatcher) {
		d.limiter = l
	}
}

// New creates a Dispatcher.
func New(store Store, client Trigger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:  store,
		client: client,
		audit:  security.NopSink{},
		logger: logging.Discard(),
		tracer: telemetry.GetTracer(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.WithComponent("dispatch")
	return d
}

// Dispatch marks the task Processing and triggers the workflow engine.
func (d *Dispatcher) Dispatch(ctx context.Context, job queue.Job) (out Outcome) {
	start := time.Now()
	ctx, span := d.tracer.StartDispatchSpan(ctx, job.TaskID, job.ID)
	defer func() {
		d.tracer.EndDispatchSpan(span, telemetry.DispatchSpanOptions{
			Attempt: job.Attempt,
			Outcome: string(out.Result),
		}, out.Err)
		d.logger.DispatchOutcome(job.TaskID, job.Attempt, string(out.Result), time.Since(start))
		d.metrics.DispatchOutcome(string(out.Result))
	}()

	rec, err := d.store.Mutate(ctx, job.TaskID, func(r *tasks.Record) error {
		switch {
		case r.Status.CanDispatch():
			return r.MarkProcessing()
		case r.Status == tasks.StatusProcessing && job.Redelivered():
			return tasks.ErrNoChange
		default:
			return apperrors.WrapWithCode(errNotDispatchable, apperrors.ErrCodePrecondition, "dispatch task",
				apperrors.WithTaskID(r.ID),
				apperrors.WithMetadata("status", string(r.Status)))
		}
	})
	if err != nil {
		return d.storeFailure(ctx, job, err)
	}

	if err := d.pace(ctx); err != nil {
		return Outcome{Result: Retry, Status: rec.Status, Err: err}
	}

	res, err := d.client.Trigger(ctx, rec.ID, rec.ReferenceInput, rec.OutcomeGoal)
	if err != nil {
		security.Emit(ctx, d.audit, security.EventDispatchFailed, map[string]interface{}{
			"task_id":  rec.ID,
			"job_id":   job.ID,
			"attempt":  strconv.Itoa(job.Attempt),
			"attempts": apperrors.GetMetadata(err)["attempts"],
			"cause":    apperrors.GetMetadata(err)["cause"],
		})
		return Outcome{Result: Retry, Status: rec.Status, Err: err}
	}

	security.Emit(ctx, d.audit, security.EventDispatchTriggered, map[string]interface{}{
		"task_id":     rec.ID,
		"job_id":      job.ID,
		"attempt":     strconv.Itoa(job.Attempt),
		"attempts":    strconv.Itoa(res.Attempts),
		"status_code": strconv.Itoa(res.StatusCode),
	})
	return Outcome{
		Result:     Dispatched,
		Status:     rec.Status,
		Attempts:   res.Attempts,
		StatusCode: res.StatusCode,
	}
}

// pace waits for the workflow bucket. An unconfigured bucket does not limit.
func (d *Dispatcher) pace(ctx context.Context) error {
	if d.limiter == nil {
		return nil
	}
	err := d.limiter.Acquire(ctx, ratelimit.ResourceWorkflow)
	if err == nil || errors.Is(err, ratelimit.ErrResourceUnknown) {
		return nil
	}
	return apperrors.WrapWithCode(err, apperrors.ErrCodeUnavailable, "wait for workflow rate limit")
}

func (d *Dispatcher) storeFailure(ctx context.Context, job queue.Job, err error) Outcome {
	switch {
	case errors.Is(err, errNotDispatchable), errors.Is(err, tasks.ErrTaskNotFound):
		fields := map[string]interface{}{
			"task_id": job.TaskID,
			"job_id":  job.ID,
			"code":    string(apperrors.Code(err)),
		}
		if status, ok := apperrors.GetMetadata(err)["status"]; ok {
			fields["status"] = status
		}
		security.Emit(ctx, d.audit, security.EventDispatchRejected, fields)
		return Outcome{Result: Rejected, Err: err}
	case apperrors.IsRetryable(err):
		return Outcome{Result: Retry, Err: err}
	default:
		// Corrupt records and the like will not heal on retry.
		security.Emit(ctx, d.audit, security.EventDispatchRejected, map[string]interface{}{
			"task_id": job.TaskID,
			"job_id":  job.ID,
			"code":    string(apperrors.Code(err)),
			"error":   err.Error(),
		})
		return Outcome{Result: Rejected, Err: err}
	}
}

// Handle adapts Dispatch to queue.Handler. Rejections come back as
// permanent errors, delivery failures as the retryable DELIVERY_FAILED error.
func (d *Dispatcher) Handle(ctx context.Context, job queue.Job) error {
	if job.Kind != queue.KindDispatch {
		return apperrors.InvalidInput("unsupported job kind",
			apperrors.WithTaskID(job.TaskID),
			apperrors.WithMetadata("kind", job.Kind))
	}
	out := d.Dispatch(ctx, job)
	if out.Result == Dispatched {
		return nil
	}
	return out.Err
}
