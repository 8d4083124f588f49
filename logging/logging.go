// Package logging writes leveled console lines for taskhook components:
//
//	LEVEL TIMESTAMP [component] message key=value ...
//
// Loggers derived with WithComponent or WithTraceID share their parent's
// output and level. Audit records go through the security sinks, not here.
package logging

import (
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Level is a log severity.
type Level int32

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "INFO"
	}
}

// ParseLevel converts a case-insensitive level name. Unknown names yield INFO.
func ParseLevel(name string) Level {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "DEBUG":
		return LevelDebug
	case "WARN", "WARNING":
		return LevelWarn
	case "ERROR":
		return LevelError
	default:
		return LevelInfo
	}
}

const timeLayout = "2006-01-02T15:04:05.000Z"

type sink struct {
	mu  sync.Mutex
	out io.Writer
	min atomic.Int32
}

// Logger is safe for concurrent use.
type Logger struct {
	sink      *sink
	component string
	traceID   string
}

// New returns an INFO logger writing to stdout.
func New() *Logger {
	s := &sink{out: os.Stdout}
	s.min.Store(int32(LevelInfo))
	return &Logger{sink: s}
}

// Discard returns a logger that drops everything.
func Discard() *Logger {
	l := New()
	l.SetOutput(io.Discard)
	return l
}

// WithComponent returns a logger tagging lines with [component].
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{sink: l.sink, component: component, traceID: l.traceID}
}

// WithTraceID returns a logger appending trace_id to every line.
func (l *Logger) WithTraceID(traceID string) *Logger {
	return &Logger{sink: l.sink, component: l.component, traceID: traceID}
}

// SetLevel sets the minimum level for this logger and every logger sharing
// its output.
func (l *Logger) SetLevel(level Level) { l.sink.min.Store(int32(level)) }

// SetOutput redirects this logger and every logger sharing its output.
func (l *Logger) SetOutput(w io.Writer) {
	l.sink.mu.Lock()
	l.sink.out = w
	l.sink.mu.Unlock()
}

func (l *Logger) Debug(msg string, fields ...map[string]interface{}) {
	l.write(LevelDebug, msg, fields)
}

func (l *Logger) Info(msg string, fields ...map[string]interface{}) {
	l.write(LevelInfo, msg, fields)
}

func (l *Logger) Warn(msg string, fields ...map[string]interface{}) {
	l.write(LevelWarn, msg, fields)
}

func (l *Logger) Error(msg string, fields ...map[string]interface{}) {
	l.write(LevelError, msg, fields)
}

func (l *Logger) write(level Level, msg string, fields []map[string]interface{}) {
	if int32(level) < l.sink.min.Load() {
		return
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%-5s %s ", level, time.Now().UTC().Format(timeLayout))
	if l.component != "" {
		b.WriteString("[" + l.component + "] ")
	}
	b.WriteString(msg)
	if len(fields) > 0 {
		appendFields(&b, fields[0])
	}
	if l.traceID != "" {
		b.WriteString(" trace_id=" + l.traceID)
	}
	b.WriteByte('\n')

	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	_, _ = io.WriteString(l.sink.out, b.String())
}

// appendFields writes fields sorted by key.
func appendFields(b *strings.Builder, fields map[string]interface{}) {
	for _, k := range slices.Sorted(maps.Keys(fields)) {
		fmt.Fprintf(b, " %s=%v", k, fields[k])
	}
}

// DeliveryAttempt logs one outbound attempt to the workflow engine. Failed
// attempts are warnings; successful ones are debug.
func (l *Logger) DeliveryAttempt(taskID string, attempt, maxAttempts int, err error) {
	fields := map[string]interface{}{
		"task_id": taskID,
		"attempt": fmt.Sprintf("%d/%d", attempt, maxAttempts),
	}
	if err == nil {
		l.Debug("delivery_attempt_ok", fields)
		return
	}
	fields["error"] = err.Error()
	l.Warn("delivery_attempt_failed", fields)
}

// DeliveryFailed logs a trigger whose attempts were all spent.
func (l *Logger) DeliveryFailed(taskID string, attempts int, err error) {
	l.Error("delivery_failed", map[string]interface{}{
		"task_id":  taskID,
		"attempts": attempts,
		"error":    err.Error(),
	})
}

// SignatureRejected logs a callback turned away at the verifier.
func (l *Logger) SignatureRejected(taskID, reason string) {
	l.SecurityWarning("signature_rejected", map[string]interface{}{
		"task_id": taskID,
		"reason":  reason,
	})
}

// ResultApplied logs how a callback landed on its task.
func (l *Logger) ResultApplied(taskID, outcome, status string, d time.Duration) {
	l.Info("result_applied", map[string]interface{}{
		"task_id":  taskID,
		"outcome":  outcome,
		"status":   status,
		"duration": d.String(),
	})
}

// DispatchOutcome logs one dispatch job run.
func (l *Logger) DispatchOutcome(taskID string, attempt int, outcome string, d time.Duration) {
	l.Info("dispatch_outcome", map[string]interface{}{
		"task_id":  taskID,
		"attempt":  attempt,
		"outcome":  outcome,
		"duration": d.String(),
	})
}

// SecurityWarning logs a WARN line tagged security=true. fields is not
// modified.
func (l *Logger) SecurityWarning(msg string, fields map[string]interface{}) {
	tagged := make(map[string]interface{}, len(fields)+1)
	maps.Copy(tagged, fields)
	tagged["security"] = true
	l.Warn(msg, tagged)
}
