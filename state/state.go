package state

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Common errors.
var (
	ErrNotFound         = errors.New("key not found")
	ErrClosed           = errors.New("store closed")
	ErrKeyExists        = errors.New("key already exists")
	ErrRevisionMismatch = errors.New("revision mismatch")
	ErrInvalidKey       = errors.New("invalid key")
)

// MaxKeyLength bounds key size for both backends.
const MaxKeyLength = 1024

// Entry is a stored value at a revision.
type Entry struct {
	Key   string
	Value []byte

	// Revision grows with every write to the store. Pass it to Update to
	// guard against concurrent writers.
	Revision uint64

	// Modified is when this revision was written.
	Modified time.Time
}

// StateStore is revisioned key-value storage. Every write either creates a
// key or replaces the revision the caller last read.
type StateStore interface {
	// Get returns the latest entry for key, or ErrNotFound.
	Get(ctx context.Context, key string) (*Entry, error)

	// Create stores value only if key does not exist yet.
	// Returns the new revision, or ErrKeyExists.
	Create(ctx context.Context, key string, value []byte) (uint64, error)

	// Update stores value only if key is still at revision.
	// Returns the new revision, or ErrRevisionMismatch.
	Update(ctx context.Context, key string, value []byte, revision uint64) (uint64, error)

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// List returns the keys starting with prefix, in no particular order.
	List(ctx context.Context, prefix string) ([]string, error)

	// Watch streams writes to key until ctx is done or the store closes.
	// A slow reader sees the newest entry; older unread ones are replaced.
	Watch(ctx context.Context, key string) (<-chan *Entry, error)

	// Ping reports whether the backend answers.
	Ping(ctx context.Context) error

	// Close releases the store. Later calls fail with ErrClosed.
	Close() error
}

// ValidateKey accepts the alphabet JetStream KV accepts, so keys that work
// in memory also work against NATS.
func ValidateKey(key string) error {
	if key == "" || len(key) > MaxKeyLength {
		return ErrInvalidKey
	}
	if strings.HasPrefix(key, ".") || strings.HasSuffix(key, ".") || strings.Contains(key, "..") {
		return ErrInvalidKey
	}
	if !validChars(key) {
		return ErrInvalidKey
	}
	return nil
}

// validatePrefix is ValidateKey for List prefixes: empty and dot-terminated
// prefixes are allowed.
func validatePrefix(prefix string) error {
	if prefix == "" {
		return nil
	}
	if len(prefix) > MaxKeyLength || strings.HasPrefix(prefix, ".") || !validChars(prefix) {
		return ErrInvalidKey
	}
	return nil
}

func validChars(s string) bool {
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-', r == '_', r == '.', r == '/', r == '=':
		default:
			return false
		}
	}
	return true
}

// offerLatest sends e on ch without blocking. When ch is full the oldest
// buffered entry gives way.
func offerLatest(ch chan *Entry, e *Entry) {
	for i := 0; i < 2; i++ {
		select {
		case ch <- e:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}
