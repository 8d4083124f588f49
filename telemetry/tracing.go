package telemetry

import (
	"context"
	"maps"
	"slices"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// maxResponseAttr caps the engine response recorded on a delivery span.
const maxResponseAttr = 4000

// Tracer starts the spans taskhook records around a task's lifecycle.
type Tracer struct {
	tracer trace.Tracer
	debug  atomic.Bool
}

var global atomic.Pointer[Tracer]

// SetGlobalTracer installs t as the tracer components pick up at construction.
func SetGlobalTracer(t *Tracer) { global.Store(t) }

// GetTracer returns the global tracer, or a no-op tracer if none is set.
func GetTracer() *Tracer {
	if t := global.Load(); t != nil {
		return t
	}
	return NoopTracer()
}

// NewTracer returns a tracer from the global OpenTelemetry provider.
func NewTracer(name string, debug bool) *Tracer {
	t := &Tracer{tracer: otel.Tracer(name)}
	t.debug.Store(debug)
	return t
}

// NewTracerFromProvider returns a tracer from tp.
func NewTracerFromProvider(tp trace.TracerProvider, name string) *Tracer {
	return &Tracer{tracer: tp.Tracer(name)}
}

// NoopTracer returns a tracer that records nothing.
func NoopTracer() *Tracer {
	return &Tracer{tracer: noop.NewTracerProvider().Tracer("")}
}

// SetDebug toggles recording of engine response bodies.
func (t *Tracer) SetDebug(debug bool) { t.debug.Store(debug) }

// StartSpan starts a generic span.
func (t *Tracer) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, opts...)
}

func (t *Tracer) startTask(ctx context.Context, name, taskID string, kind trace.SpanKind, extra ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, name, trace.WithSpanKind(kind))
	span.SetAttributes(append([]attribute.KeyValue{attribute.String("task.id", taskID)}, extra...)...)
	return ctx, span
}

// DeliverySpanOptions describe a finished trigger.
type DeliverySpanOptions struct {
	URL        string
	Attempts   int
	StatusCode int
	// Response is recorded only in debug mode.
	Response string
}

// StartDeliverySpan starts a span covering every attempt of one trigger.
func (t *Tracer) StartDeliverySpan(ctx context.Context, taskID string) (context.Context, trace.Span) {
	return t.startTask(ctx, "delivery.trigger", taskID, trace.SpanKindClient)
}

// EndDeliverySpan records the trigger outcome and ends span.
func (t *Tracer) EndDeliverySpan(span trace.Span, opts DeliverySpanOptions, err error) {
	span.SetAttributes(
		attribute.String("delivery.url", opts.URL),
		attribute.Int("delivery.attempts", opts.Attempts),
	)
	if opts.StatusCode != 0 {
		span.SetAttributes(attribute.Int("http.response.status_code", opts.StatusCode))
	}
	if t.debug.Load() && opts.Response != "" {
		span.SetAttributes(attribute.String("delivery.response", truncate(opts.Response, maxResponseAttr)))
	}
	finish(span, err)
}

// IngestionSpanOptions describe an applied callback.
type IngestionSpanOptions struct {
	Variant    string // success or error
	Outcome    string // applied, duplicate, conflict, not_found, failed
	Status     string
	WasUpdated bool
}

// StartIngestionSpan starts a span for applying a callback to a task.
func (t *Tracer) StartIngestionSpan(ctx context.Context, taskID string) (context.Context, trace.Span) {
	return t.startTask(ctx, "results.apply", taskID, trace.SpanKindInternal)
}

// EndIngestionSpan records the ingestion outcome and ends span.
func (t *Tracer) EndIngestionSpan(span trace.Span, opts IngestionSpanOptions, err error) {
	span.SetAttributes(
		attribute.String("result.variant", opts.Variant),
		attribute.String("result.outcome", opts.Outcome),
		attribute.Bool("result.was_updated", opts.WasUpdated),
	)
	if opts.Status != "" {
		span.SetAttributes(attribute.String("task.status", opts.Status))
	}
	finish(span, err)
}

// DispatchSpanOptions describe one run of a dispatch job.
type DispatchSpanOptions struct {
	Attempt int
	Outcome string // dispatched, rejected, retry
}

// StartDispatchSpan starts a span for one run of a dispatch job.
func (t *Tracer) StartDispatchSpan(ctx context.Context, taskID, jobID string) (context.Context, trace.Span) {
	return t.startTask(ctx, "dispatch.job", taskID, trace.SpanKindConsumer, attribute.String("job.id", jobID))
}

// EndDispatchSpan records the job outcome and ends span.
func (t *Tracer) EndDispatchSpan(span trace.Span, opts DispatchSpanOptions, err error) {
	span.SetAttributes(
		attribute.Int("job.attempt", opts.Attempt),
		attribute.String("dispatch.outcome", opts.Outcome),
	)
	finish(span, err)
}

// SecuritySpanOptions describe a signature check.
type SecuritySpanOptions struct {
	Verdict   string // accept or reject
	Rejection string
	BodySize  int
}

// StartSecuritySpan starts a span named security.<check>.
func (t *Tracer) StartSecuritySpan(ctx context.Context, check string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "security."+check, trace.WithSpanKind(trace.SpanKindInternal))
}

// EndSecuritySpan records the verdict and ends span.
func (t *Tracer) EndSecuritySpan(span trace.Span, opts SecuritySpanOptions, err error) {
	span.SetAttributes(
		attribute.String("security.verdict", opts.Verdict),
		attribute.Int("security.body_size", opts.BodySize),
	)
	if opts.Rejection != "" {
		span.SetAttributes(attribute.String("security.rejection", opts.Rejection))
	}
	finish(span, err)
}

func finish(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// InjectContext writes the trace context of ctx into carrier.
func InjectContext(ctx context.Context, carrier propagation.TextMapCarrier) {
	otel.GetTextMapPropagator().Inject(ctx, carrier)
}

// ExtractContext returns ctx joined to the trace recorded in carrier.
func ExtractContext(ctx context.Context, carrier propagation.TextMapCarrier) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}

// MapCarrier is a TextMapCarrier that serializes with a queued job, so a
// dispatch span joins the submitting request's trace.
type MapCarrier map[string]string

func (c MapCarrier) Get(key string) string { return c[key] }

func (c MapCarrier) Set(key, value string) { c[key] = value }

func (c MapCarrier) Keys() []string { return slices.Collect(maps.Keys(c)) }

// TraceID returns the hex trace id of the span in ctx, or "".
func TraceID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
