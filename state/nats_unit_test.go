package state

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// These tests cover the NATS store paths that never reach a server.

func TestDefaultNATSStoreConfig(t *testing.T) {
	cfg := DefaultNATSStoreConfig()
	if cfg.Bucket != "taskhook" {
		t.Errorf("bucket = %s", cfg.Bucket)
	}
	if cfg.History != 1 || cfg.Replicas != 1 {
		t.Errorf("history/replicas = %d/%d", cfg.History, cfg.Replicas)
	}
	if cfg.MaxValueSize != 1<<20 {
		t.Errorf("max value size = %d", cfg.MaxValueSize)
	}
	if cfg.Timeout != 5*time.Second {
		t.Errorf("timeout = %v", cfg.Timeout)
	}
}

func TestNATSStoreConfigWithDefaults(t *testing.T) {
	cfg := NATSStoreConfig{Bucket: "custom", Timeout: time.Second}.withDefaults()
	if cfg.Bucket != "custom" || cfg.Timeout != time.Second {
		t.Errorf("explicit values overwritten: %+v", cfg)
	}
	if cfg.History != 1 || cfg.MaxValueSize != 1<<20 || cfg.Replicas != 1 {
		t.Errorf("defaults not applied: %+v", cfg)
	}
}

func TestNewNATSStoreNeedsConn(t *testing.T) {
	if _, err := NewNATSStore(NATSStoreConfig{Bucket: "test"}); err == nil {
		t.Error("expected error for nil connection")
	}
}

func TestNATSStoreRejectsBeforeRoundTrip(t *testing.T) {
	open := newNATSStore(nil, NATSStoreConfig{})
	closed := newNATSStore(nil, NATSStoreConfig{})
	closed.Close()

	ctx := context.Background()
	checks := []struct {
		name string
		err  error
		want error
	}{
		{"get invalid", errOnly(open.Get(ctx, "")), ErrInvalidKey},
		{"get closed", errOnly(closed.Get(ctx, "k")), ErrClosed},
		{"create invalid", errOnly(open.Create(ctx, "tasks.*", nil)), ErrInvalidKey},
		{"create closed", errOnly(closed.Create(ctx, "k", nil)), ErrClosed},
		{"update invalid", errOnly(open.Update(ctx, "", nil, 1)), ErrInvalidKey},
		{"update closed", errOnly(closed.Update(ctx, "k", nil, 1)), ErrClosed},
		{"delete invalid", open.Delete(ctx, "a..b"), ErrInvalidKey},
		{"delete closed", closed.Delete(ctx, "k"), ErrClosed},
		{"list invalid", errOnly(open.List(ctx, ".x")), ErrInvalidKey},
		{"list closed", errOnly(closed.List(ctx, "")), ErrClosed},
		{"watch invalid", errOnly(open.Watch(ctx, "")), ErrInvalidKey},
		{"watch closed", errOnly(closed.Watch(ctx, "k")), ErrClosed},
		{"ping closed", closed.Ping(ctx), ErrClosed},
	}
	for _, c := range checks {
		if !errors.Is(c.err, c.want) {
			t.Errorf("%s: err = %v, want %v", c.name, c.err, c.want)
		}
	}
}

func errOnly[T any](_ T, err error) error { return err }

func TestNATSStoreCloseIdempotent(t *testing.T) {
	s := newNATSStore(nil, NATSStoreConfig{})
	if err := s.Close(); err != nil {
		t.Errorf("first Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestSubjectFilter(t *testing.T) {
	tests := map[string]string{
		"":              ">",
		"tasks":         ">",
		"tasks.":        "tasks.>",
		"tasks.record.": "tasks.record.>",
		"tasks.rec":     "tasks.>",
	}
	for prefix, want := range tests {
		if got := subjectFilter(prefix); got != want {
			t.Errorf("subjectFilter(%q) = %q, want %q", prefix, got, want)
		}
	}
}

func TestMapNATSErr(t *testing.T) {
	tests := []struct {
		in   error
		want error
	}{
		{jetstream.ErrKeyNotFound, ErrNotFound},
		{jetstream.ErrKeyDeleted, ErrNotFound},
		{jetstream.ErrKeyExists, ErrKeyExists},
		{jetstream.ErrInvalidKey, ErrInvalidKey},
		{nats.ErrConnectionClosed, ErrClosed},
		{jetstream.ErrBucketNotFound, jetstream.ErrBucketNotFound},
	}
	for _, tt := range tests {
		if got := mapNATSErr("get", tt.in); !errors.Is(got, tt.want) {
			t.Errorf("mapNATSErr(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
