package state

import (
	"context"
	"strings"
	"sync"
	"time"
)

// watchBuffer is the per-watcher channel capacity.
const watchBuffer = 16

// MemoryStore implements StateStore in process memory. It serves tests and
// single-instance deployments.
type MemoryStore struct {
	mu       sync.Mutex
	data     map[string]*Entry
	watchers map[string]map[*memWatcher]struct{}
	revision uint64
	closed   bool
	done     chan struct{}
	now      func() time.Time
}

type memWatcher struct {
	ch   chan *Entry
	once sync.Once
}

func (w *memWatcher) close() {
	w.once.Do(func() { close(w.ch) })
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data:     make(map[string]*Entry),
		watchers: make(map[string]map[*memWatcher]struct{}),
		done:     make(chan struct{}),
		now:      time.Now,
	}
}

// begin validates key and ctx and takes the lock. The caller must unlock
// when err is nil.
func (s *MemoryStore) begin(ctx context.Context, key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	return nil
}

// Get returns a copy of the latest entry for key.
func (s *MemoryStore) Get(ctx context.Context, key string) (*Entry, error) {
	if err := s.begin(ctx, key); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	e, ok := s.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(e), nil
}

// Create stores value if key is absent.
func (s *MemoryStore) Create(ctx context.Context, key string, value []byte) (uint64, error) {
	if err := s.begin(ctx, key); err != nil {
		return 0, err
	}
	defer s.mu.Unlock()

	if _, ok := s.data[key]; ok {
		return 0, ErrKeyExists
	}
	return s.write(key, value), nil
}

// Update stores value if key is still at revision.
func (s *MemoryStore) Update(ctx context.Context, key string, value []byte, revision uint64) (uint64, error) {
	if err := s.begin(ctx, key); err != nil {
		return 0, err
	}
	defer s.mu.Unlock()

	e, ok := s.data[key]
	if !ok || e.Revision != revision {
		return 0, ErrRevisionMismatch
	}
	return s.write(key, value), nil
}

// write must be called with the lock held.
func (s *MemoryStore) write(key string, value []byte) uint64 {
	s.revision++
	e := &Entry{
		Key:      key,
		Value:    append([]byte(nil), value...),
		Revision: s.revision,
		Modified: s.now(),
	}
	s.data[key] = e

	for w := range s.watchers[key] {
		offerLatest(w.ch, clone(e))
	}
	return e.Revision
}

// Delete removes key.
func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	if err := s.begin(ctx, key); err != nil {
		return err
	}
	defer s.mu.Unlock()

	if _, ok := s.data[key]; ok {
		delete(s.data, key)
		s.revision++
	}
	return nil
}

// List returns the keys starting with prefix.
func (s *MemoryStore) List(ctx context.Context, prefix string) ([]string, error) {
	if err := validatePrefix(prefix); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	var keys []string
	for key := range s.data {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// Watch streams writes to key made after the call.
func (s *MemoryStore) Watch(ctx context.Context, key string) (<-chan *Entry, error) {
	if err := s.begin(ctx, key); err != nil {
		return nil, err
	}
	w := &memWatcher{ch: make(chan *Entry, watchBuffer)}
	if s.watchers[key] == nil {
		s.watchers[key] = make(map[*memWatcher]struct{})
	}
	s.watchers[key][w] = struct{}{}
	s.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-s.done:
			return
		}
		s.mu.Lock()
		delete(s.watchers[key], w)
		if len(s.watchers[key]) == 0 {
			delete(s.watchers, key)
		}
		s.mu.Unlock()
		w.close()
	}()

	return w.ch, nil
}

// Ping fails only once the store is closed.
func (s *MemoryStore) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// Close drops all data and ends every watch.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.done)

	for _, set := range s.watchers {
		for w := range set {
			w.close()
		}
	}
	s.watchers = nil
	s.data = nil
	return nil
}

func clone(e *Entry) *Entry {
	c := *e
	c.Value = append([]byte(nil), e.Value...)
	return &c
}
