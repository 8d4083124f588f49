package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	apperrors "github.com/vinayprograms/taskhook/errors"
	"github.com/vinayprograms/taskhook/logging"
	"github.com/vinayprograms/taskhook/metrics"
	"github.com/vinayprograms/taskhook/telemetry"
)

const (
	// MaxResponseBytes caps how much of a response body is read.
	MaxResponseBytes = 1 << 20

	// maxErrorBody caps the body kept on HTTP status errors.
	maxErrorBody = 512
)

// Config configures the outbound client.
type Config struct {
	// URL is the workflow engine trigger endpoint (required).
	URL string

	// HealthURL is probed by HealthCheck. Defaults to URL.
	HealthURL string

	// Timeout bounds each attempt.
	Timeout time.Duration

	// RetryAttempts is the total number of attempts, at least 1.
	RetryAttempts int

	// RetryDelays are the pauses between attempts, indexed by attempt.
	RetryDelays []time.Duration

	// AuthHeaderName and AuthHeaderValue add an optional static header.
	AuthHeaderName  string
	AuthHeaderValue string
}

// DefaultConfig returns configuration with sensible defaults. URL must
// still be set.
func DefaultConfig() Config {
	return Config{
		Timeout:       10 * time.Second,
		RetryAttempts: 3,
		RetryDelays: []time.Duration{
			500 * time.Millisecond,
			1500 * time.Millisecond,
			3000 * time.Millisecond,
		},
	}
}

// Validate reports configuration errors as ErrCodeInvalidConfig.
func (c Config) Validate() error {
	if err := validateURL("url", c.URL); err != nil {
		return err
	}
	if c.HealthURL != "" {
		if err := validateURL("health_url", c.HealthURL); err != nil {
			return err
		}
	}
	if c.Timeout <= 0 {
		return invalidConfig("timeout", "timeout must be positive")
	}
	if c.RetryAttempts < 1 {
		return invalidConfig("retry_attempts", "retry attempts must be at least 1")
	}
	for _, d := range c.RetryDelays {
		if d < 0 {
			return invalidConfig("retry_delays", "retry delays must not be negative")
		}
	}
	if c.AuthHeaderName == "" && c.AuthHeaderValue != "" {
		return invalidConfig("auth_header_name", "auth header value set without a name")
	}
	return nil
}

func validateURL(field, raw string) error {
	if raw == "" {
		return invalidConfig(field, field+" is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return apperrors.WrapWithCode(err, apperrors.ErrCodeInvalidConfig, "parse "+field,
			apperrors.WithMetadata("field", field))
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return invalidConfig(field, field+" must be an absolute http(s) URL")
	}
	return nil
}

func invalidConfig(field, msg string) error {
	return apperrors.InvalidConfig(msg, apperrors.WithMetadata("field", field))
}

// Result is a successful trigger.
type Result struct {
	// StatusCode is the HTTP status of the accepted attempt.
	StatusCode int

	// Attempts is how many attempts were made, including the successful one.
	Attempts int

	// Body is the decoded response object. It always carries "success";
	// engines that omit it are taken to have accepted the task.
	Body map[string]interface{}
}

// Client sends task triggers to the workflow engine.
type Client struct {
	cfg     Config
	http    *http.Client
	sleep   func(ctx context.Context, d time.Duration) error
	logger  *logging.Logger
	metrics *metrics.Metrics
	tracer  *telemetry.Tracer
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the HTTP client. Its Timeout should be zero; the
// per-attempt timeout is applied through the request context.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithSleeper replaces the pause between attempts.
func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Client) {
		if sleep != nil {
			c.sleep = sleep
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

// WithTracer sets the tracer.
func WithTracer(t *telemetry.Tracer) Option {
	return func(c *Client) {
		if t != nil {
			c.tracer = t
		}
	}
}

// New validates cfg and creates a Client.
func New(cfg Config, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.HealthURL == "" {
		cfg.HealthURL = cfg.URL
	}
	cfg.RetryDelays = append([]time.Duration(nil), cfg.RetryDelays...)

	c := &Client{
		cfg: cfg,
		http: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		sleep:  sleepContext,
		logger: logging.Discard(),
		tracer: telemetry.GetTracer(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Config returns the client configuration.
func (c *Client) Config() Config {
	return c.cfg
}

// triggerRequest is the JSON body sent to the engine.
type triggerRequest struct {
	TaskID         string `json:"task_id"`
	ReferenceInput string `json:"reference_input"`
	OutcomeGoal    string `json:"outcome_goal"`
}

// Trigger hands a task to the workflow engine, retrying transient failures.
func (c *Client) Trigger(ctx context.Context, taskID, referenceInput, outcomeGoal string) (*Result, error) {
	body, err := json.Marshal(triggerRequest{
		TaskID:         taskID,
		ReferenceInput: referenceInput,
		OutcomeGoal:    outcomeGoal,
	})
	if err != nil {
		return nil, apperrors.Wrap(err, "encode trigger", apperrors.WithTaskID(taskID))
	}

	start := time.Now()
	ctx, span := c.tracer.StartDeliverySpan(ctx, taskID)
	spanOpts := telemetry.DeliverySpanOptions{URL: c.cfg.URL}

	var (
		lastErr   error
		permanent bool
	)
	for attempt := 1; attempt <= c.cfg.RetryAttempts; attempt++ {
		if attempt > 1 {
			if err := c.sleep(ctx, c.delay(attempt-1)); err != nil {
				lastErr = apperrors.Wrap(err, "wait before retry", apperrors.WithTaskID(taskID))
				spanOpts.Attempts = attempt - 1
				break
			}
		}

		res, err := c.attempt(ctx, taskID, body)
		c.logger.DeliveryAttempt(taskID, attempt, c.cfg.RetryAttempts, err)
		c.metrics.DeliveryAttempt(err)
		spanOpts.Attempts = attempt

		if err == nil {
			res.Attempts = attempt
			spanOpts.StatusCode = res.StatusCode
			c.tracer.EndDeliverySpan(span, spanOpts, nil)
			c.metrics.DeliveryFinished(time.Since(start), false)
			return res, nil
		}

		lastErr = err
		if code := apperrors.GetMetadata(err)["status"]; code != "" {
			spanOpts.StatusCode, _ = strconv.Atoi(code)
		}
		if ctx.Err() != nil {
			break
		}
		if !apperrors.IsRetryable(err) {
			permanent = true
			break
		}
	}

	opts := []apperrors.Option{
		apperrors.WithTaskID(taskID),
		apperrors.WithMetadataMap(apperrors.GetMetadata(lastErr)),
		apperrors.WithMetadata("attempts", strconv.Itoa(spanOpts.Attempts)),
		apperrors.WithMetadata("cause", string(apperrors.Code(lastErr))),
	}
	if permanent {
		opts = append(opts, apperrors.WithRetryable(false))
	}
	failed := apperrors.WrapWithCode(lastErr, apperrors.ErrCodeDeliveryFailed,
		fmt.Sprintf("trigger failed after %d attempt(s)", spanOpts.Attempts), opts...)

	c.logger.DeliveryFailed(taskID, spanOpts.Attempts, lastErr)
	c.tracer.EndDeliverySpan(span, spanOpts, failed)
	c.metrics.DeliveryFinished(time.Since(start), true)
	return nil, failed
}

// delay returns the pause after the given number of completed attempts.
func (c *Client) delay(completed int) time.Duration {
	if len(c.cfg.RetryDelays) == 0 {
		return 0
	}
	i := completed - 1
	if i >= len(c.cfg.RetryDelays) {
		i = len(c.cfg.RetryDelays) - 1
	}
	return c.cfg.RetryDelays[i]
}

func (c *Client) attempt(ctx context.Context, taskID string, body []byte) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, apperrors.WrapWithCode(err, apperrors.ErrCodeInvalidConfig, "build request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.cfg.AuthHeaderName != "" {
		req.Header.Set(c.cfg.AuthHeaderName, c.cfg.AuthHeaderValue)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, classify(err, taskID)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseBytes))
	if err != nil {
		return nil, classify(err, taskID)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, apperrors.New(apperrors.ErrCodeHTTPStatus,
			fmt.Sprintf("workflow engine returned %d", resp.StatusCode),
			apperrors.WithTaskID(taskID),
			apperrors.WithMetadata("status", strconv.Itoa(resp.StatusCode)),
			apperrors.WithMetadata("body", truncate(string(data), maxErrorBody)))
	}

	return &Result{
		StatusCode: resp.StatusCode,
		Body:       decodeBody(data),
	}, nil
}

// decodeBody parses a response leniently: anything but a JSON object
// becomes an empty map, and a missing success flag is taken as true.
func decodeBody(data []byte) map[string]interface{} {
	var body map[string]interface{}
	if err := json.Unmarshal(data, &body); err != nil || body == nil {
		body = map[string]interface{}{}
	}
	if _, ok := body["success"]; !ok {
		body["success"] = true
	}
	return body
}

// classify maps a transport error to a coded attempt error.
func classify(err error, taskID string) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return apperrors.WrapWithCode(err, apperrors.ErrCodeTimeout, "workflow engine timed out",
			apperrors.WithTaskID(taskID))
	}
	if errors.Is(err, context.Canceled) {
		return apperrors.WrapWithCode(err, apperrors.ErrCodeCanceled, "trigger canceled",
			apperrors.WithTaskID(taskID))
	}
	return apperrors.WrapWithCode(err, apperrors.ErrCodeNetworkErr, "workflow engine unreachable",
		apperrors.WithTaskID(taskID))
}

// HealthCheck reports whether the engine answers GET with a 2xx status.
func (c *Client) HealthCheck(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.HealthURL, nil)
	if err != nil {
		return false
	}
	req.Header.Set("Accept", "application/json")
	if c.cfg.AuthHeaderName != "" {
		req.Header.Set(c.cfg.AuthHeaderName, c.cfg.AuthHeaderValue)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Debug("health_check_failed", map[string]interface{}{"error": err.Error()})
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, MaxResponseBytes))

	return resp.StatusCode >= 200 && resp.StatusCode <= 299
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
