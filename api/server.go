package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	apperrors "github.com/vinayprograms/taskhook/errors"
	"github.com/vinayprograms/taskhook/logging"
	"github.com/vinayprograms/taskhook/metrics"
	"github.com/vinayprograms/taskhook/queue"
	"github.com/vinayprograms/taskhook/ratelimit"
	"github.com/vinayprograms/taskhook/results"
	"github.com/vinayprograms/taskhook/security"
	"github.com/vinayprograms/taskhook/tasks"
	"github.com/vinayprograms/taskhook/telemetry"
)

// IdempotencyHeader lets clients retry a submission safely.
const IdempotencyHeader = "Idempotency-Key"

// MaxIdempotencyKeyLength bounds the Idempotency-Key header.
const MaxIdempotencyKeyLength = 255

// TaskStore is the part of tasks.Store the API needs.
type TaskStore interface {
	Create(ctx context.Context, sub tasks.Submission) (*tasks.Record, bool, error)
	Get(ctx context.Context, id string) (*tasks.Record, error)
	Watch(ctx context.Context, id string) (<-chan *tasks.Record, error)
	Ping(ctx context.Context) error
}

// Enqueuer schedules dispatch jobs.
type Enqueuer interface {
	Enqueue(ctx context.Context, kind, taskID string) (queue.Job, error)
}

// Ingester applies verified callback results.
type Ingester interface {
	ApplyResult(ctx context.Context, taskID string, payload results.Payload) results.Outcome
}

// HealthChecker reports whether the workflow engine answers.
type HealthChecker interface {
	HealthCheck(ctx context.Context) bool
}

// Config holds server settings.
type Config struct {
	// Addr is the listen address.
	Addr string

	// MaxBodyBytes caps request bodies.
	MaxBodyBytes int64

	// CallbackSecret is the shared HMAC secret for result callbacks.
	CallbackSecret string

	// SignatureHeader carries the callback signature.
	SignatureHeader string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// WatchPingInterval is the keepalive period of watch streams (0 = off).
	WatchPingInterval time.Duration

	// WatchWriteTimeout bounds each write to a watch stream.
	WatchWriteTimeout time.Duration
}

// DefaultConfig returns configuration with sensible defaults. The
// callback secret must still be set.
func DefaultConfig() Config {
	return Config{
		Addr:              ":8080",
		MaxBodyBytes:      1 << 20,
		SignatureHeader:   security.DefaultSignatureHeader,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		WatchPingInterval: 30 * time.Second,
		WatchWriteTimeout: 10 * time.Second,
	}
}

// Server serves the taskhook HTTP API.
type Server struct {
	config   Config
	store    TaskStore
	queue    Enqueuer
	ingester Ingester
	engine   HealthChecker
	verifier *security.SignatureVerifier
	limiter  ratelimit.Limiter
	logger   *logging.Logger
	metrics  *metrics.Metrics
	tracer   *telemetry.Tracer
	audit    security.AuditSink
	upgrader *websocket.Upgrader

	mu      sync.Mutex
	srv     *http.Server
	streams sync.WaitGroup
	done    chan struct{}
	once    sync.Once
}

// Option configures a Server.
type Option func(*Server)

// WithLimiter rate limits submissions and callbacks.
func WithLimiter(l ratelimit.Limiter) Option {
	return func(s *Server) {
		s.limiter = l
	}
}

// WithEngineHealth includes the workflow engine in /healthz.
func WithEngineHealth(h HealthChecker) Option {
	return func(s *Server) {
		s.engine = h
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l.WithComponent("api")
		}
	}
}

// WithMetrics sets the metrics sink and exposes /metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithTracer sets the tracer used for signature checks.
func WithTracer(t *telemetry.Tracer) Option {
	return func(s *Server) {
		if t != nil {
			s.tracer = t
		}
	}
}

// WithAuditSink sets where rejected callbacks are recorded.
func WithAuditSink(sink security.AuditSink) Option {
	return func(s *Server) {
		if sink != nil {
			s.audit = sink
		}
	}
}

// WithUpgrader replaces the websocket upgrader, e.g. to restrict origins.
func WithUpgrader(u *websocket.Upgrader) Option {
	return func(s *Server) {
		if u != nil {
			s.upgrader = u
		}
	}
}

// New creates a Server. An empty callback secret is a configuration
// error: every callback would be rejected.
func New(cfg Config, store TaskStore, q Enqueuer, ingester Ingester, opts ...Option) (*Server, error) {
	if store == nil || q == nil || ingester == nil {
		return nil, apperrors.InvalidConfig("api requires a store, a queue and an ingester")
	}
	if cfg.CallbackSecret == "" {
		return nil, apperrors.InvalidConfig("callback secret is required",
			apperrors.WithMetadata("field", "callback_secret"))
	}
	defaults := DefaultConfig()
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaults.MaxBodyBytes
	}
	if cfg.SignatureHeader == "" {
		cfg.SignatureHeader = defaults.SignatureHeader
	}
	if cfg.WatchWriteTimeout <= 0 {
		cfg.WatchWriteTimeout = defaults.WatchWriteTimeout
	}

	s := &Server{
		config:   cfg,
		store:    store,
		queue:    q,
		ingester: ingester,
		verifier: security.NewSignatureVerifier(),
		logger:   logging.New().WithComponent("api"),
		tracer:   telemetry.GetTracer(),
		audit:    security.NopSink{},
		upgrader: &websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		done: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Handler returns the routed, traced HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /tasks", s.limited(ratelimit.ResourceSubmit, s.handleSubmit))
	mux.HandleFunc("GET /tasks/{id}", s.handleGet)
	mux.HandleFunc("POST /tasks/{id}/result", s.limited(ratelimit.ResourceCallback, s.handleResult))
	mux.HandleFunc("GET /tasks/{id}/watch", s.handleWatch)
	mux.HandleFunc("GET /tasks/{id}/events", s.handleEvents)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}
	return otelhttp.NewHandler(mux, "taskhook.api",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.Pattern
		}),
	)
}

// ListenAndServe serves until OnShutdown is called. It returns nil after a
// graceful shutdown.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return apperrors.WrapWithCode(err, apperrors.ErrCodeUnavailable, "listen",
			apperrors.WithMetadata("addr", s.config.Addr))
	}
	return s.Serve(ln)
}

// Serve serves on ln until OnShutdown is called.
func (s *Server) Serve(ln net.Listener) error {
	srv := &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}
	s.mu.Lock()
	if s.srv != nil {
		s.mu.Unlock()
		return apperrors.Precondition("server already started")
	}
	s.srv = srv
	s.mu.Unlock()

	s.logger.Info("api_listening", map[string]interface{}{"addr": ln.Addr().String()})
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return apperrors.WrapWithCode(err, apperrors.ErrCodeUnavailable, "serve")
	}
	return nil
}

// OnShutdown stops accepting requests, ends watch streams and waits for
// in-flight requests to finish.
func (s *Server) OnShutdown(ctx context.Context) error {
	s.once.Do(func() { close(s.done) })

	s.mu.Lock()
	srv := s.srv
	s.mu.Unlock()

	var err error
	if srv != nil {
		err = srv.Shutdown(ctx)
	}

	// Hijacked websocket connections are not tracked by http.Server.
	waited := make(chan struct{})
	go func() {
		s.streams.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}
	return err
}

// limited rejects requests once resource's budget is spent.
func (s *Server) limited(resource string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil && !s.limiter.TryAcquire(resource) {
			s.metrics.RateLimited(resource)
			retry := s.limiter.RetryAfter(resource)
			secs := int(retry.Round(time.Second) / time.Second)
			if secs < 1 {
				secs = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(secs))
			s.writeError(w, apperrors.RateLimited("rate limit exceeded",
				apperrors.WithMetadata("resource", resource)))
			return
		}
		next(w, r)
	}
}
