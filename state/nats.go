package state

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// NATSStore implements StateStore on a JetStream KV bucket. Revisions are
// the bucket's stream sequence numbers.
type NATSStore struct {
	kv     jetstream.KeyValue
	config NATSStoreConfig
	closed atomic.Bool
}

// NATSStoreConfig holds NATS KV store configuration.
type NATSStoreConfig struct {
	// Conn is the NATS connection to use. The store does not close it.
	Conn *nats.Conn

	// Bucket is the KV bucket name.
	Bucket string

	// History is the number of revisions kept per key.
	History int

	// MaxValueSize caps a stored record in bytes.
	MaxValueSize int32

	// Replicas is the bucket replication factor.
	Replicas int

	// Timeout bounds each KV round trip on top of the caller's context.
	Timeout time.Duration
}

// DefaultNATSStoreConfig returns configuration with sensible defaults.
func DefaultNATSStoreConfig() NATSStoreConfig {
	return NATSStoreConfig{
		Bucket:       "taskhook",
		History:      1,
		MaxValueSize: 1 << 20,
		Replicas:     1,
		Timeout:      5 * time.Second,
	}
}

func (c NATSStoreConfig) withDefaults() NATSStoreConfig {
	d := DefaultNATSStoreConfig()
	if c.Bucket == "" {
		c.Bucket = d.Bucket
	}
	if c.History <= 0 {
		c.History = d.History
	}
	if c.MaxValueSize <= 0 {
		c.MaxValueSize = d.MaxValueSize
	}
	if c.Replicas <= 0 {
		c.Replicas = d.Replicas
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	return c
}

// NewNATSStore opens the bucket, creating it when missing.
func NewNATSStore(cfg NATSStoreConfig) (*NATSStore, error) {
	if cfg.Conn == nil {
		return nil, fmt.Errorf("nats connection required")
	}
	cfg = cfg.withDefaults()

	js, err := jetstream.New(cfg.Conn)
	if err != nil {
		return nil, fmt.Errorf("jetstream: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*cfg.Timeout)
	defer cancel()

	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:       cfg.Bucket,
		Description:  "taskhook task records",
		History:      uint8(cfg.History),
		MaxValueSize: cfg.MaxValueSize,
		Replicas:     cfg.Replicas,
	})
	if err != nil {
		return nil, fmt.Errorf("create kv bucket %s: %w", cfg.Bucket, err)
	}
	return newNATSStore(kv, cfg), nil
}

func newNATSStore(kv jetstream.KeyValue, cfg NATSStoreConfig) *NATSStore {
	return &NATSStore{kv: kv, config: cfg.withDefaults()}
}

// op checks key and the closed flag and bounds ctx by the round-trip timeout.
func (s *NATSStore) op(ctx context.Context, key string) (context.Context, context.CancelFunc, error) {
	if err := ValidateKey(key); err != nil {
		return nil, nil, err
	}
	if s.closed.Load() {
		return nil, nil, ErrClosed
	}
	ctx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	return ctx, cancel, nil
}

// Get returns the latest entry for key.
func (s *NATSStore) Get(ctx context.Context, key string) (*Entry, error) {
	ctx, cancel, err := s.op(ctx, key)
	if err != nil {
		return nil, err
	}
	defer cancel()

	kve, err := s.kv.Get(ctx, key)
	if err != nil {
		return nil, mapNATSErr("get", err)
	}
	return entryFromNATS(kve), nil
}

// Create stores value if key is absent.
func (s *NATSStore) Create(ctx context.Context, key string, value []byte) (uint64, error) {
	ctx, cancel, err := s.op(ctx, key)
	if err != nil {
		return 0, err
	}
	defer cancel()

	rev, err := s.kv.Create(ctx, key, value)
	if err != nil {
		return 0, mapNATSErr("create", err)
	}
	return rev, nil
}

// Update stores value if key is still at revision. JetStream reports a
// stale revision as a wrong-last-sequence error, which nats.go surfaces as
// ErrKeyExists.
func (s *NATSStore) Update(ctx context.Context, key string, value []byte, revision uint64) (uint64, error) {
	ctx, cancel, err := s.op(ctx, key)
	if err != nil {
		return 0, err
	}
	defer cancel()

	rev, err := s.kv.Update(ctx, key, value, revision)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return 0, ErrRevisionMismatch
		}
		return 0, mapNATSErr("update", err)
	}
	return rev, nil
}

// Delete removes key.
func (s *NATSStore) Delete(ctx context.Context, key string) error {
	ctx, cancel, err := s.op(ctx, key)
	if err != nil {
		return err
	}
	defer cancel()

	if err := s.kv.Delete(ctx, key); err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return mapNATSErr("delete", err)
	}
	return nil
}

// List returns the keys starting with prefix.
func (s *NATSStore) List(ctx context.Context, prefix string) ([]string, error) {
	if err := validatePrefix(prefix); err != nil {
		return nil, err
	}
	if s.closed.Load() {
		return nil, ErrClosed
	}
	ctx, cancel := context.WithTimeout(ctx, 2*s.config.Timeout)
	defer cancel()

	lister, err := s.kv.ListKeysFiltered(ctx, subjectFilter(prefix))
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, mapNATSErr("list", err)
	}
	defer func() { _ = lister.Stop() }()

	var keys []string
	for key := range lister.Keys() {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// subjectFilter turns a key prefix into the narrowest KV subject filter.
// Only whole dot-separated tokens can be wildcarded, so a prefix ending
// mid-token falls back to the enclosing token and List filters the rest.
func subjectFilter(prefix string) string {
	i := strings.LastIndex(prefix, ".")
	if i < 0 {
		return ">"
	}
	return prefix[:i+1] + ">"
}

// Watch streams writes to key. JetStream replays the current value first.
func (s *NATSStore) Watch(ctx context.Context, key string) (<-chan *Entry, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	if s.closed.Load() {
		return nil, ErrClosed
	}

	watcher, err := s.kv.Watch(ctx, key, jetstream.IgnoreDeletes())
	if err != nil {
		return nil, mapNATSErr("watch", err)
	}

	ch := make(chan *Entry, watchBuffer)
	go func() {
		defer close(ch)
		defer func() { _ = watcher.Stop() }()

		for {
			select {
			case <-ctx.Done():
				return
			case kve, ok := <-watcher.Updates():
				if !ok || s.closed.Load() {
					return
				}
				// nil marks the end of the initial replay.
				if kve == nil || kve.Operation() != jetstream.KeyValuePut {
					continue
				}
				offerLatest(ch, entryFromNATS(kve))
			}
		}
	}()
	return ch, nil
}

// Ping asks the server for the bucket status.
func (s *NATSStore) Ping(ctx context.Context) error {
	if s.closed.Load() {
		return ErrClosed
	}
	ctx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()
	if _, err := s.kv.Status(ctx); err != nil {
		return mapNATSErr("status", err)
	}
	return nil
}

// Close marks the store closed. The connection is owned by the caller.
func (s *NATSStore) Close() error {
	s.closed.Store(true)
	return nil
}

func entryFromNATS(kve jetstream.KeyValueEntry) *Entry {
	return &Entry{
		Key:      kve.Key(),
		Value:    kve.Value(),
		Revision: kve.Revision(),
		Modified: kve.Created(),
	}
}

func mapNATSErr(op string, err error) error {
	switch {
	case errors.Is(err, jetstream.ErrKeyNotFound), errors.Is(err, jetstream.ErrKeyDeleted):
		return ErrNotFound
	case errors.Is(err, jetstream.ErrKeyExists):
		return ErrKeyExists
	case errors.Is(err, jetstream.ErrInvalidKey):
		return ErrInvalidKey
	case errors.Is(err, nats.ErrConnectionClosed):
		return fmt.Errorf("kv %s: %w", op, ErrClosed)
	default:
		return fmt.Errorf("kv %s: %w", op, err)
	}
}
