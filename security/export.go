package security

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/vinayprograms/taskhook/bus"
	"github.com/vinayprograms/taskhook/logging"
)

// DefaultAuditSubject is the bus subject audit events are published on.
const DefaultAuditSubject = "taskhook.audit"

// --- Bus Sink ---

// BusSink publishes each event as JSON on a bus subject.
type BusSink struct {
	bus     bus.MessageBus
	subject string
	logger  *logging.Logger
}

// NewBusSink creates a sink publishing on subject (DefaultAuditSubject if empty).
func NewBusSink(b bus.MessageBus, subject string, logger *logging.Logger) *BusSink {
	if subject == "" {
		subject = DefaultAuditSubject
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &BusSink{bus: b, subject: subject, logger: logger}
}

func (s *BusSink) Record(ctx context.Context, event string, fields map[string]interface{}) {
	data, err := json.Marshal(newEvent(event, fields))
	if err != nil {
		s.logger.Debug("audit_encode_failed", map[string]interface{}{"event": event, "error": err.Error()})
		return
	}
	if err := s.bus.Publish(s.subject, data); err != nil {
		s.logger.Debug("audit_publish_failed", map[string]interface{}{"event": event, "error": err.Error()})
	}
}

// --- HTTP Sink ---

// HTTPSink batches events and POSTs them as a JSON array to a collector.
// A batch is sent when it reaches the batch size, on Flush and on Close.
// Failed batches are dropped.
type HTTPSink struct {
	endpoint  string
	client    *http.Client
	batchSize int
	logger    *logging.Logger

	mu     sync.Mutex
	buffer []Event
	wg     sync.WaitGroup
}

// NewHTTPSink creates a sink posting to endpoint.
func NewHTTPSink(endpoint string, batchSize int, logger *logging.Logger) *HTTPSink {
	if batchSize <= 0 {
		batchSize = 100
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &HTTPSink{
		endpoint: endpoint,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		batchSize: batchSize,
		logger:    logger,
		buffer:    make([]Event, 0, batchSize),
	}
}

func (s *HTTPSink) Record(ctx context.Context, event string, fields map[string]interface{}) {
	s.mu.Lock()
	s.buffer = append(s.buffer, newEvent(event, fields))
	if len(s.buffer) < s.batchSize {
		s.mu.Unlock()
		return
	}
	batch := s.take()
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.send(batch); err != nil {
			s.logger.Warn("audit_batch_dropped", map[string]interface{}{
				"events": len(batch),
				"error":  err.Error(),
			})
		}
	}()
}

// Flush sends buffered events and waits for in-flight batches.
func (s *HTTPSink) Flush() error {
	s.mu.Lock()
	batch := s.take()
	s.mu.Unlock()

	err := s.send(batch)
	s.wg.Wait()
	return err
}

// Close flushes the sink.
func (s *HTTPSink) Close() error {
	return s.Flush()
}

// take swaps out the buffer. Must be called with mu held.
func (s *HTTPSink) take() []Event {
	batch := s.buffer
	s.buffer = make([]Event, 0, s.batchSize)
	return batch
}

func (s *HTTPSink) send(batch []Event) error {
	if len(batch) == 0 {
		return nil
	}

	data, err := json.Marshal(batch)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("audit collector returned %d", resp.StatusCode)
	}
	return nil
}

// --- File Sink ---

// FileSink appends events to a file, one JSON object per line.
type FileSink struct {
	file *os.File
	mu   sync.Mutex
}

// NewFileSink opens (or creates) path for appending.
func NewFileSink(path string) (*FileSink, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("open audit file: %w", err)
	}
	return &FileSink{file: file}, nil
}

func (s *FileSink) Record(ctx context.Context, event string, fields map[string]interface{}) {
	s.write(newEvent(event, fields))
}

func (s *FileSink) write(e Event) {
	data, err := json.Marshal(e)
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.file.Write(append(data, '\n'))
}

// Flush syncs the file to disk.
func (s *FileSink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Sync()
}

// Close flushes and closes the file.
func (s *FileSink) Close() error {
	s.Flush()
	return s.file.Close()
}
