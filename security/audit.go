package security

import (
	"context"
	"maps"
	"sync"
	"time"

	"github.com/vinayprograms/taskhook/logging"
)

// Audit event names.
const (
	EventSignatureRejected = "callback.signature_rejected"
	EventResultApplied     = "result.applied"
	EventResultDuplicate   = "result.duplicate"
	EventResultConflict    = "result.conflict"
	EventResultNotFound    = "result.not_found"
	EventResultException   = "result.exception"
	EventDispatchTriggered = "dispatch.triggered"
	EventDispatchRejected  = "dispatch.rejected"
	EventDispatchFailed    = "dispatch.failed"
	EventJobDropped        = "job.dropped"
)

// AuditSink receives audit events. Implementations must not block for long
// and must not report failures to the caller.
type AuditSink interface {
	Record(ctx context.Context, event string, fields map[string]interface{})
}

// Event is the serialized form of an audit event.
type Event struct {
	Name      string                 `json:"name"`
	Timestamp time.Time              `json:"timestamp"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
	Signature string                 `json:"signature,omitempty"`
}

func newEvent(name string, fields map[string]interface{}) Event {
	return Event{
		Name:      name,
		Timestamp: time.Now().UTC(),
		Fields:    maps.Clone(fields),
	}
}

// Emit records an event on sink, swallowing any panic raised by it.
// A nil sink is ignored.
func Emit(ctx context.Context, sink AuditSink, event string, fields map[string]interface{}) {
	if sink == nil {
		return
	}
	defer func() {
		_ = recover()
	}()
	sink.Record(ctx, event, fields)
}

// --- Log Sink ---

// LogSink writes audit events to a logger. Rejections and exceptions are
// logged as security warnings.
type LogSink struct {
	logger *logging.Logger
}

// NewLogSink creates a sink writing to logger.
func NewLogSink(logger *logging.Logger) *LogSink {
	if logger == nil {
		logger = logging.Discard()
	}
	return &LogSink{logger: logger.WithComponent("audit")}
}

func (s *LogSink) Record(ctx context.Context, event string, fields map[string]interface{}) {
	fields = maps.Clone(fields)
	switch event {
	case EventSignatureRejected, EventResultException, EventJobDropped:
		s.logger.SecurityWarning(event, fields)
	default:
		s.logger.Info(event, fields)
	}
}

// --- Multi Sink ---

// MultiSink fans an event out to several sinks. A panicking sink does not
// prevent delivery to the others.
type MultiSink []AuditSink

func (m MultiSink) Record(ctx context.Context, event string, fields map[string]interface{}) {
	for _, sink := range m {
		Emit(ctx, sink, event, fields)
	}
}

// --- Nop Sink ---

// NopSink discards all events.
type NopSink struct{}

func (NopSink) Record(context.Context, string, map[string]interface{}) {}

// --- Recording Sink ---

// RecordingSink keeps events in memory. Useful in tests.
type RecordingSink struct {
	mu     sync.Mutex
	events []Event
}

// NewRecordingSink creates an empty recording sink.
func NewRecordingSink() *RecordingSink {
	return &RecordingSink{}
}

func (s *RecordingSink) Record(ctx context.Context, event string, fields map[string]interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, newEvent(event, fields))
}

// Events returns a copy of the recorded events.
func (s *RecordingSink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

// Names returns the recorded event names in order.
func (s *RecordingSink) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, len(s.events))
	for i, e := range s.events {
		names[i] = e.Name
	}
	return names
}

// Reset drops all recorded events.
func (s *RecordingSink) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = nil
}
