package results

import (
	"context"
	"errors"
	"maps"
	"net/http"
	"time"

	apperrors "github.com/vinayprograms/taskhook/errors"
	"github.com/vinayprograms/taskhook/logging"
	"github.com/vinayprograms/taskhook/metrics"
	"github.com/vinayprograms/taskhook/security"
	"github.com/vinayprograms/taskhook/tasks"
	"github.com/vinayprograms/taskhook/telemetry"
)

// Kind classifies how a callback was resolved.
type Kind string

const (
	KindApplied   Kind = "applied"
	KindDuplicate Kind = "duplicate"
	KindConflict  Kind = "conflict"
	KindNotFound  Kind = "not_found"
	KindFailed    Kind = "failed"
)

// Outcome messages.
const (
	MessageApplied   = "Result applied successfully."
	MessageDuplicate = "Result already applied."
	MessageConflict  = "Conflict with final state."
	MessageNotFound  = "Task not found."
	MessageException = "Exception occurred during processing"
)

// Outcome is the result of applying a callback.
type Outcome struct {
	Success    bool
	WasUpdated bool
	Status     tasks.Status
	Message    string
	Kind       Kind
}

// HTTPStatus maps the outcome to the status the callback endpoint answers with.
func (o Outcome) HTTPStatus() int {
	switch o.Kind {
	case KindApplied, KindDuplicate:
		return http.StatusOK
	case KindConflict:
		return http.StatusUnprocessableEntity
	case KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// Store is the part of tasks.Store the ingester needs.
type Store interface {
	Mutate(ctx context.Context, id string, fn func(*tasks.Record) error) (*tasks.Record, error)
}

// Ingester applies callback payloads to tasks.
type Ingester struct {
	store    Store
	audit    security.AuditSink
	logger   *logging.Logger
	metrics  *metrics.Metrics
	tracer   *telemetry.Tracer
	notifier *Notifier
}

// Option configures an Ingester.
type Option func(*Ingester)

// WithAuditSink sets the audit sink.
func WithAuditSink(sink security.AuditSink) Option {
	return func(i *Ingester) {
		if sink != nil {
			i.audit = sink
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(i *Ingester) {
		if l != nil {
			i.logger = l
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(i *Ingester) {
		i.metrics = m
	}
}

// WithTracer sets the tracer.
func WithTracer(t *telemetry.Tracer) Option {
	return func(i *Ingester) {
		if t != nil {
			i.tracer = t
		}
	}
}

// WithNotifier publishes a notification whenever a task is finished.
func WithNotifier(n *Notifier) Option {
	return func(i *Ingester) {
		i.notifier = n
	}
}

// NewIngester creates an ingester over store.
func NewIngester(store Store, opts ...Option) *Ingester {
	i := &Ingester{
		store:  store,
		audit:  security.NopSink{},
		logger: logging.Discard(),
		tracer: telemetry.GetTracer(),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// ApplyResult applies payload to the task. It never panics; unexpected
// failures come back as a KindFailed outcome.
func (i *Ingester) ApplyResult(ctx context.Context, taskID string, payload Payload) (out Outcome) {
	start := time.Now()
	ctx, span := i.tracer.StartIngestionSpan(ctx, taskID)
	var spanErr error

	defer func() {
		if r := recover(); r != nil {
			perr := apperrors.RecoverPanic(r)
			out = i.exception(ctx, taskID, perr)
			spanErr = perr
		}
		variant := ""
		if payload != nil {
			variant = payload.Variant()
		}
		i.tracer.EndIngestionSpan(span, telemetry.IngestionSpanOptions{
			Variant:    variant,
			Outcome:    string(out.Kind),
			Status:     string(out.Status),
			WasUpdated: out.WasUpdated,
		}, spanErr)
		i.logger.ResultApplied(taskID, string(out.Kind), string(out.Status), time.Since(start))
		i.metrics.ResultApplied(string(out.Kind), time.Since(start))
	}()

	if payload == nil {
		spanErr = apperrors.InvalidInput("nil payload", apperrors.WithTaskID(taskID))
		return i.exception(ctx, taskID, spanErr)
	}

	var kind Kind
	var reason string
	rec, err := i.store.Mutate(ctx, taskID, func(r *tasks.Record) error {
		if r.Status.IsTerminal() {
			kind, reason = compare(r, payload)
			return tasks.ErrNoChange
		}
		kind, reason = KindApplied, ""
		switch p := payload.(type) {
		case SuccessResult:
			return r.Complete(p.Output, p.Metadata)
		case ErrorResult:
			return r.Fail(p.Message)
		default:
			return apperrors.Newf(apperrors.ErrCodeInvalidInput, "unknown payload type %T", payload)
		}
	})

	if err != nil {
		if errors.Is(err, tasks.ErrTaskNotFound) {
			security.Emit(ctx, i.audit, security.EventResultNotFound, map[string]interface{}{
				"task_id": taskID,
				"variant": payload.Variant(),
			})
			return Outcome{Message: MessageNotFound, Kind: KindNotFound}
		}
		spanErr = err
		return i.exception(ctx, taskID, err)
	}

	fields := map[string]interface{}{
		"task_id": taskID,
		"variant": payload.Variant(),
		"status":  string(rec.Status),
	}

	switch kind {
	case KindApplied:
		security.Emit(ctx, i.audit, security.EventResultApplied, fields)
		i.notifier.Notify(ctx, rec)
		return Outcome{Success: true, WasUpdated: true, Status: rec.Status, Message: MessageApplied, Kind: KindApplied}
	case KindDuplicate:
		security.Emit(ctx, i.audit, security.EventResultDuplicate, fields)
		return Outcome{Success: true, WasUpdated: true, Status: rec.Status, Message: MessageDuplicate, Kind: KindDuplicate}
	default:
		fields["reason"] = reason
		security.Emit(ctx, i.audit, security.EventResultConflict, fields)
		return Outcome{Status: rec.Status, Message: MessageConflict, Kind: KindConflict}
	}
}

// compare decides whether payload repeats the result stored on a terminal
// record. The reason tells variant mismatches from content mismatches.
func compare(r *tasks.Record, payload Payload) (Kind, string) {
	switch p := payload.(type) {
	case SuccessResult:
		if r.Status != tasks.StatusCompleted {
			return KindConflict, "variant_mismatch"
		}
		if r.ResultOutput == nil || *r.ResultOutput != p.Output || !maps.Equal(r.ResultMetadata, p.Metadata) {
			return KindConflict, "content_mismatch"
		}
		return KindDuplicate, ""
	case ErrorResult:
		if r.Status != tasks.StatusFailed {
			return KindConflict, "variant_mismatch"
		}
		if r.ErrorDetails == nil || *r.ErrorDetails != p.Message {
			return KindConflict, "content_mismatch"
		}
		return KindDuplicate, ""
	}
	return KindConflict, "unknown_variant"
}

func (i *Ingester) exception(ctx context.Context, taskID string, err error) Outcome {
	i.logger.Error("result_exception", map[string]interface{}{
		"task_id": taskID,
		"code":    string(apperrors.Code(err)),
		"error":   err.Error(),
	})
	security.Emit(ctx, i.audit, security.EventResultException, map[string]interface{}{
		"task_id": taskID,
		"error":   err.Error(),
	})
	return Outcome{Message: MessageException, Kind: KindFailed}
}
