// Package config loads taskhook configuration from a TOML or YAML file,
// environment overrides and the credentials file.
package config

import (
	"bytes"
	"errors"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/nats-io/nats.go"
	"gopkg.in/yaml.v3"

	"github.com/vinayprograms/taskhook/bus"
	"github.com/vinayprograms/taskhook/credentials"
	"github.com/vinayprograms/taskhook/delivery"
	apperrors "github.com/vinayprograms/taskhook/errors"
	"github.com/vinayprograms/taskhook/queue"
	"github.com/vinayprograms/taskhook/security"
	"github.com/vinayprograms/taskhook/state"
	"github.com/vinayprograms/taskhook/telemetry"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "TASKHOOK_"

// Store backends.
const (
	BackendMemory = "memory"
	BackendNATS   = "nats"
)

// Config is the complete taskhook configuration.
type Config struct {
	Server    ServerConfig    `toml:"server" yaml:"server"`
	Workflow  WorkflowConfig  `toml:"workflow" yaml:"workflow"`
	Callback  CallbackConfig  `toml:"callback" yaml:"callback"`
	Queue     QueueConfig     `toml:"queue" yaml:"queue"`
	Store     StoreConfig     `toml:"store" yaml:"store"`
	NATS      NATSConfig      `toml:"nats" yaml:"nats"`
	RateLimit RateLimitConfig `toml:"ratelimit" yaml:"ratelimit"`
	Telemetry TelemetryConfig `toml:"telemetry" yaml:"telemetry"`
	Audit     AuditConfig     `toml:"audit" yaml:"audit"`
	Log       LogConfig       `toml:"log" yaml:"log"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr         string        `toml:"addr" yaml:"addr"`
	MaxBodyBytes int64         `toml:"max_body_bytes" yaml:"max_body_bytes"`
	ReadTimeout  time.Duration `toml:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `toml:"write_timeout" yaml:"write_timeout"`
}

// WorkflowConfig configures the outbound engine client.
type WorkflowConfig struct {
	URL             string        `toml:"url" yaml:"url"`
	HealthURL       string        `toml:"health_url" yaml:"health_url"`
	Timeout         time.Duration `toml:"timeout" yaml:"timeout"`
	RetryAttempts   int           `toml:"retry_attempts" yaml:"retry_attempts"`
	RetryDelaysMS   []int         `toml:"retry_delays_ms" yaml:"retry_delays_ms"`
	AuthHeaderName  string        `toml:"auth_header_name" yaml:"auth_header_name"`
	AuthHeaderValue string        `toml:"auth_header_value" yaml:"auth_header_value"`
}

// CallbackConfig configures inbound result verification.
type CallbackConfig struct {
	Secret          string `toml:"secret" yaml:"secret"`
	SignatureHeader string `toml:"signature_header" yaml:"signature_header"`
}

// QueueConfig configures the dispatch job queue.
type QueueConfig struct {
	Subject     string        `toml:"subject" yaml:"subject"`
	Stream      string        `toml:"stream" yaml:"stream"`
	Consumer    string        `toml:"consumer" yaml:"consumer"`
	Workers     int           `toml:"workers" yaml:"workers"`
	MaxAttempts int           `toml:"max_attempts" yaml:"max_attempts"`
	BackoffMS   []int         `toml:"backoff_ms" yaml:"backoff_ms"`
	AckWait     time.Duration `toml:"ack_wait" yaml:"ack_wait"`
}

// StoreConfig selects the task record backend.
type StoreConfig struct {
	Backend string `toml:"backend" yaml:"backend"`
	Bucket  string `toml:"bucket" yaml:"bucket"`
}

// NATSConfig configures the shared NATS connection.
type NATSConfig struct {
	URL  string `toml:"url" yaml:"url"`
	Name string `toml:"name" yaml:"name"`
}

// RateLimitConfig sets per-minute budgets. Zero disables a limit.
type RateLimitConfig struct {
	SubmissionsPerMinute int `toml:"submissions_per_minute" yaml:"submissions_per_minute"`
	CallbacksPerMinute   int `toml:"callbacks_per_minute" yaml:"callbacks_per_minute"`
	WorkflowPerMinute    int `toml:"workflow_per_minute" yaml:"workflow_per_minute"`
}

// TelemetryConfig configures OTLP tracing. An empty endpoint disables it.
type TelemetryConfig struct {
	Endpoint    string  `toml:"endpoint" yaml:"endpoint"`
	Protocol    string  `toml:"protocol" yaml:"protocol"`
	Insecure    bool    `toml:"insecure" yaml:"insecure"`
	SampleRatio float64 `toml:"sample_ratio" yaml:"sample_ratio"`
}

// AuditConfig configures where security events go besides the log.
type AuditConfig struct {
	File       string `toml:"file" yaml:"file"`
	Subject    string `toml:"subject" yaml:"subject"`
	Collector  string `toml:"collector" yaml:"collector"`
	BatchSize  int    `toml:"batch_size" yaml:"batch_size"`
	InstanceID string `toml:"instance_id" yaml:"instance_id"`
	Sign       bool   `toml:"sign" yaml:"sign"`
}

// LogConfig configures the logger.
type LogConfig struct {
	Level string `toml:"level" yaml:"level"`
}

// Default returns a Config with defaults for everything except the
// workflow URL and the callback secret.
func Default() *Config {
	dc := delivery.DefaultConfig()
	qc := queue.DefaultConfig()
	return &Config{
		Server: ServerConfig{
			Addr:         ":8080",
			MaxBodyBytes: 1 << 20,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Workflow: WorkflowConfig{
			Timeout:       dc.Timeout,
			RetryAttempts: dc.RetryAttempts,
			RetryDelaysMS: toMillis(dc.RetryDelays),
		},
		Callback: CallbackConfig{
			SignatureHeader: security.DefaultSignatureHeader,
		},
		Queue: QueueConfig{
			Subject:     qc.Subject,
			Stream:      qc.Stream,
			Consumer:    qc.Consumer,
			Workers:     qc.Workers,
			MaxAttempts: qc.MaxAttempts,
			BackoffMS:   toMillis(qc.Backoff),
			AckWait:     qc.AckWait,
		},
		Store: StoreConfig{
			Backend: BackendMemory,
			Bucket:  state.DefaultNATSStoreConfig().Bucket,
		},
		NATS: NATSConfig{
			URL:  bus.DefaultNATSConfig().URL,
			Name: bus.DefaultNATSConfig().Name,
		},
		RateLimit: RateLimitConfig{
			SubmissionsPerMinute: 600,
			CallbacksPerMinute:   1200,
		},
		Telemetry: TelemetryConfig{
			Protocol: "grpc",
		},
		Audit: AuditConfig{
			BatchSize: 50,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// LoadFile reads path over the defaults. The format follows the extension:
// .toml, .yaml or .yml. Unknown keys are rejected.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apperrors.InvalidConfig("read config file", apperrors.WithCause(err),
			apperrors.WithMetadata("path", path))
	}

	cfg := Default()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		md, err := toml.Decode(string(data), cfg)
		if err != nil {
			return nil, apperrors.InvalidConfig("parse toml config", apperrors.WithCause(err),
				apperrors.WithMetadata("path", path))
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, k := range undecoded {
				keys[i] = k.String()
			}
			sort.Strings(keys)
			return nil, apperrors.InvalidConfig("unknown config keys: "+strings.Join(keys, ", "),
				apperrors.WithMetadata("path", path))
		}
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, apperrors.InvalidConfig("parse yaml config", apperrors.WithCause(err),
				apperrors.WithMetadata("path", path))
		}
	default:
		return nil, apperrors.InvalidConfig("unsupported config format",
			apperrors.WithMetadata("path", path))
	}
	return cfg, nil
}

// Load builds the effective configuration: defaults, then the file at path
// (if non-empty), then TASKHOOK_* environment overrides, then secrets from
// creds. The result is validated.
func Load(path string, creds *credentials.Credentials) (*Config, error) {
	cfg := Default()
	if path != "" {
		var err error
		if cfg, err = LoadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	cfg.ApplyCredentials(creds)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from TASKHOOK_* variables read through lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"SERVER_ADDR":               &c.Server.Addr,
		"WORKFLOW_URL":              &c.Workflow.URL,
		"WORKFLOW_HEALTH_URL":       &c.Workflow.HealthURL,
		"WORKFLOW_AUTH_HEADER_NAME": &c.Workflow.AuthHeaderName,
		"CALLBACK_SIGNATURE_HEADER": &c.Callback.SignatureHeader,
		"QUEUE_SUBJECT":             &c.Queue.Subject,
		"QUEUE_STREAM":              &c.Queue.Stream,
		"QUEUE_CONSUMER":            &c.Queue.Consumer,
		"STORE_BACKEND":             &c.Store.Backend,
		"STORE_BUCKET":              &c.Store.Bucket,
		"NATS_URL":                  &c.NATS.URL,
		"TELEMETRY_ENDPOINT":        &c.Telemetry.Endpoint,
		"TELEMETRY_PROTOCOL":        &c.Telemetry.Protocol,
		"AUDIT_FILE":                &c.Audit.File,
		"LOG_LEVEL":                 &c.Log.Level,
	}
	for name, dst := range strs {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = v
		}
	}

	ints := map[string]*int{
		"WORKFLOW_RETRY_ATTEMPTS":          &c.Workflow.RetryAttempts,
		"QUEUE_WORKERS":                    &c.Queue.Workers,
		"QUEUE_MAX_ATTEMPTS":               &c.Queue.MaxAttempts,
		"RATELIMIT_SUBMISSIONS_PER_MINUTE": &c.RateLimit.SubmissionsPerMinute,
		"RATELIMIT_CALLBACKS_PER_MINUTE":   &c.RateLimit.CallbacksPerMinute,
		"RATELIMIT_WORKFLOW_PER_MINUTE":    &c.RateLimit.WorkflowPerMinute,
	}
	for name, dst := range ints {
		v, ok := lookup(EnvPrefix + name)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return apperrors.InvalidConfig("invalid integer in environment",
				apperrors.WithMetadata("env", EnvPrefix+name))
		}
		*dst = n
	}

	durations := map[string]*time.Duration{
		"WORKFLOW_TIMEOUT": &c.Workflow.Timeout,
		"QUEUE_ACK_WAIT":   &c.Queue.AckWait,
	}
	for name, dst := range durations {
		v, ok := lookup(EnvPrefix + name)
		if !ok {
			continue
		}
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return apperrors.InvalidConfig("invalid duration in environment",
				apperrors.WithMetadata("env", EnvPrefix+name))
		}
		*dst = d
	}
	if v, ok := lookup(EnvPrefix + "TELEMETRY_INSECURE"); ok {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return apperrors.InvalidConfig("invalid boolean in environment",
				apperrors.WithMetadata("env", EnvPrefix+"TELEMETRY_INSECURE"))
		}
		c.Telemetry.Insecure = b
	}
	return nil
}

// ApplyCredentials fills secrets. Credentials file values win over the
// config file; a missing credentials file falls back to the environment.
func (c *Config) ApplyCredentials(creds *credentials.Credentials) {
	if s := creds.CallbackSecret(); s != "" {
		c.Callback.Secret = s
	}
	if v := creds.WorkflowAuthValue(); v != "" {
		c.Workflow.AuthHeaderValue = v
	}
}

// Validate rejects configurations that cannot start.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return invalid("server.addr", "listen address is required")
	}
	if c.Server.MaxBodyBytes <= 0 {
		return invalid("server.max_body_bytes", "must be positive")
	}
	if err := c.Delivery().Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(c.Callback.Secret) == "" {
		return invalid("callback.secret", "callback secret is required")
	}
	if c.Callback.SignatureHeader == "" {
		return invalid("callback.signature_header", "signature header is required")
	}
	if err := c.QueueConfig().Validate(); err != nil {
		return err
	}
	switch c.Store.Backend {
	case BackendMemory:
	case BackendNATS:
		if c.NATS.URL == "" {
			return invalid("nats.url", "required for the nats store")
		}
	default:
		return invalid("store.backend", "must be memory or nats")
	}
	if c.RateLimit.SubmissionsPerMinute < 0 || c.RateLimit.CallbacksPerMinute < 0 || c.RateLimit.WorkflowPerMinute < 0 {
		return invalid("ratelimit", "limits must not be negative")
	}
	switch c.Telemetry.Protocol {
	case "", "grpc", "http":
	default:
		return invalid("telemetry.protocol", "must be grpc or http")
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return invalid("telemetry.sample_ratio", "must be between 0 and 1")
	}
	if c.Audit.Collector != "" {
		if u, err := url.Parse(c.Audit.Collector); err != nil || u.Host == "" {
			return invalid("audit.collector", "must be an absolute URL")
		}
	}
	return nil
}

// Delivery returns the engine client configuration.
func (c *Config) Delivery() delivery.Config {
	return delivery.Config{
		URL:             c.Workflow.URL,
		HealthURL:       c.Workflow.HealthURL,
		Timeout:         c.Workflow.Timeout,
		RetryAttempts:   c.Workflow.RetryAttempts,
		RetryDelays:     fromMillis(c.Workflow.RetryDelaysMS),
		AuthHeaderName:  c.Workflow.AuthHeaderName,
		AuthHeaderValue: c.Workflow.AuthHeaderValue,
	}
}

// QueueConfig returns the dispatch queue configuration.
func (c *Config) QueueConfig() queue.Config {
	return queue.Config{
		Subject:     c.Queue.Subject,
		Stream:      c.Queue.Stream,
		Consumer:    c.Queue.Consumer,
		Workers:     c.Queue.Workers,
		MaxAttempts: c.Queue.MaxAttempts,
		Backoff:     fromMillis(c.Queue.BackoffMS),
		AckWait:     c.Queue.AckWait,
	}
}

// JetStream returns the work-queue stream settings for the nats backend.
func (c *Config) JetStream(conn *nats.Conn) queue.JetStreamConfig {
	return queue.JetStreamConfig{
		Conn:     conn,
		Stream:   c.Queue.Stream,
		Subject:  c.Queue.Subject,
		Consumer: c.Queue.Consumer,
		AckWait:  c.Queue.AckWait,
	}
}

// NATSBus returns the bus connection settings with credentials applied.
func (c *Config) NATSBus(creds *credentials.Credentials) bus.NATSConfig {
	nc := bus.DefaultNATSConfig()
	nc.URL = c.NATS.URL
	if c.NATS.Name != "" {
		nc.Name = c.NATS.Name
	}
	nc.Token = creds.NATSToken()
	nc.User, nc.Password = creds.NATSUserInfo()
	return nc
}

// TelemetryProvider returns the tracing provider settings.
func (c *Config) TelemetryProvider(version string) telemetry.ProviderConfig {
	return telemetry.ProviderConfig{
		ServiceName:    "taskhook",
		ServiceVersion: version,
		Endpoint:       c.Telemetry.Endpoint,
		Protocol:       c.Telemetry.Protocol,
		Insecure:       c.Telemetry.Insecure,
		SampleRatio:    c.Telemetry.SampleRatio,
	}
}

func invalid(field, msg string) error {
	return apperrors.InvalidConfig(field+": "+msg, apperrors.WithMetadata("field", field))
}

func toMillis(ds []time.Duration) []int {
	out := make([]int, len(ds))
	for i, d := range ds {
		out[i] = int(d / time.Millisecond)
	}
	return out
}

func fromMillis(ms []int) []time.Duration {
	out := make([]time.Duration, len(ms))
	for i, n := range ms {
		out[i] = time.Duration(n) * time.Millisecond
	}
	return out
}
