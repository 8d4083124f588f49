package tasks

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/vinayprograms/taskhook/errors"
	"github.com/vinayprograms/taskhook/logging"
	"github.com/vinayprograms/taskhook/state"
)

const (
	// Key prefixes for state store.
	recordPrefix      = "tasks.record."
	idempotencyPrefix = "tasks.idem."

	// DefaultMaxWriteAttempts bounds how often Mutate reruns after losing a race.
	DefaultMaxWriteAttempts = 16
)

// Store persists task records in a state store. Writes are guarded by the
// store revision so concurrent writers never overwrite each other.
type Store struct {
	kv          state.StateStore
	clock       func() time.Time
	idGen       func() string
	maxAttempts int
	logger      *logging.Logger
	closed      atomic.Bool
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithClock sets the time source used for CreatedAt and UpdatedAt.
func WithClock(clock func() time.Time) StoreOption {
	return func(s *Store) {
		s.clock = clock
	}
}

// WithIDGenerator sets a custom ID generator function.
func WithIDGenerator(gen func() string) StoreOption {
	return func(s *Store) {
		s.idGen = gen
	}
}

// WithMaxWriteAttempts bounds the compare-and-swap retries of Mutate.
func WithMaxWriteAttempts(n int) StoreOption {
	return func(s *Store) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) StoreOption {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewStore creates a task store backed by the given state store.
func NewStore(kv state.StateStore, opts ...StoreOption) *Store {
	s := &Store{
		kv:          kv,
		clock:       time.Now,
		idGen:       generateID,
		maxAttempts: DefaultMaxWriteAttempts,
		logger:      logging.Discard(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create stores a new Pending task for the submission. When the submission
// carries an idempotency key that was seen before, the task created for it
// is returned instead and created is false.
func (s *Store) Create(ctx context.Context, sub Submission) (rec *Record, created bool, err error) {
	if s.closed.Load() {
		return nil, false, ErrStoreClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, false, apperrors.Wrap(err, "create task")
	}

	now := s.clock().UTC()
	rec = &Record{
		ID:             s.idGen(),
		IdempotencyKey: sub.IdempotencyKey,
		ReferenceInput: sub.ReferenceInput,
		OutcomeGoal:    sub.OutcomeGoal,
		Status:         StatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return nil, false, apperrors.Wrap(err, "encode task", apperrors.WithTaskID(rec.ID))
	}
	// The record goes in before the idempotency key, so the key only ever
	// points at a stored task.
	rev, err := s.kv.Create(ctx, recordPrefix+rec.ID, data)
	if err != nil {
		return nil, false, s.storeError(err, rec.ID, "create task")
	}
	rec.Revision = rev

	if sub.IdempotencyKey != "" {
		existing, err := s.claimIdempotencyKey(ctx, sub.IdempotencyKey, rec.ID)
		if err != nil || existing != nil {
			// Nothing can reach the new record any more
			_ = s.kv.Delete(context.WithoutCancel(ctx), recordPrefix+rec.ID)
		}
		if err != nil {
			return nil, false, err
		}
		if existing != nil {
			return existing, false, nil
		}
	}

	s.logger.Info("task_created", map[string]interface{}{"task_id": rec.ID})
	return rec, true, nil
}

// claimIdempotencyKey maps key to id unless it already points to a task,
// in which case that task is returned. A key left pointing at a task that
// no longer exists is taken over.
func (s *Store) claimIdempotencyKey(ctx context.Context, key, id string) (*Record, error) {
	k := idempotencyKey(key)
	for attempt := 0; attempt < s.maxAttempts; attempt++ {
		_, err := s.kv.Create(ctx, k, []byte(id))
		if err == nil {
			return nil, nil
		}
		if !errors.Is(err, state.ErrKeyExists) {
			return nil, s.storeError(err, id, "claim idempotency key")
		}

		owner, err := s.kv.Get(ctx, k)
		if errors.Is(err, state.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, s.storeError(err, id, "read idempotency key")
		}
		rec, err := s.load(ctx, string(owner.Value))
		if err == nil {
			return rec, nil
		}
		if !errors.Is(err, ErrTaskNotFound) {
			return nil, err
		}

		_, err = s.kv.Update(ctx, k, []byte(id), owner.Revision)
		if err == nil {
			s.logger.Warn("idempotency_key_taken_over", map[string]interface{}{
				"task_id":  id,
				"previous": string(owner.Value),
			})
			return nil, nil
		}
		if !errors.Is(err, state.ErrRevisionMismatch) {
			return nil, s.storeError(err, id, "take over idempotency key")
		}
	}
	return nil, apperrors.WrapWithCode(ErrContention, apperrors.ErrCodeUnavailable,
		"claim idempotency key", apperrors.WithTaskID(id))
}

// Get retrieves the freshest copy of a task.
func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	if s.closed.Load() {
		return nil, ErrStoreClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, apperrors.Wrap(err, "get task", apperrors.WithTaskID(id))
	}
	return s.load(ctx, id)
}

// List returns all tasks with the given status, oldest first.
// If status is empty, returns all tasks.
func (s *Store) List(ctx context.Context, status Status) ([]*Record, error) {
	if s.closed.Load() {
		return nil, ErrStoreClosed
	}

	keys, err := s.kv.List(ctx, recordPrefix)
	if err != nil {
		return nil, s.storeError(err, "", "list tasks")
	}

	var records []*Record
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return nil, apperrors.Wrap(err, "list tasks")
		}
		rec, err := s.load(ctx, strings.TrimPrefix(key, recordPrefix))
		if err != nil {
			continue
		}
		if status == "" || rec.Status == status {
			records = append(records, rec)
		}
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
	return records, nil
}

// Mutate loads the freshest copy of a task, applies fn to it and writes it
// back if the stored revision did not move in between. If another writer
// got there first, fn runs again against the new copy.
//
// fn may return ErrNoChange to skip the write; Mutate then returns the
// loaded record and a nil error. Any other error from fn is returned as is.
// Writes to terminal tasks and writes breaking the lifecycle invariants are
// refused.
func (s *Store) Mutate(ctx context.Context, id string, fn func(*Record) error) (*Record, error) {
	if s.closed.Load() {
		return nil, ErrStoreClosed
	}

	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, apperrors.Wrap(err, "mutate task", apperrors.WithTaskID(id))
		}

		current, err := s.load(ctx, id)
		if err != nil {
			return nil, err
		}

		next := current.Clone()
		if err := fn(next); err != nil {
			if errors.Is(err, ErrNoChange) {
				return current, nil
			}
			return nil, err
		}

		if err := s.checkWrite(current, next); err != nil {
			return nil, err
		}
		next.UpdatedAt = s.clock().UTC()

		data, err := json.Marshal(next)
		if err != nil {
			return nil, apperrors.Wrap(err, "encode task", apperrors.WithTaskID(id))
		}

		rev, err := s.kv.Update(ctx, recordPrefix+id, data, current.Revision)
		if err == nil {
			next.Revision = rev
			return next, nil
		}
		if !errors.Is(err, state.ErrRevisionMismatch) {
			return nil, s.storeError(err, id, "update task")
		}

		s.logger.Debug("task_write_conflict", map[string]interface{}{
			"task_id":  id,
			"attempt":  attempt,
			"revision": current.Revision,
		})
	}

	return nil, apperrors.WrapWithCode(ErrContention, apperrors.ErrCodeUnavailable, "mutate task",
		apperrors.WithTaskID(id),
		apperrors.WithMetadata("attempts", strconv.Itoa(s.maxAttempts)))
}

// checkWrite refuses changes the lifecycle does not allow.
func (s *Store) checkWrite(current, next *Record) error {
	if current.Status.IsTerminal() {
		return apperrors.WrapWithCode(ErrTerminal, apperrors.ErrCodeConflict, "write task",
			apperrors.WithTaskID(current.ID),
			apperrors.WithMetadata("status", string(current.Status)))
	}
	if next.ID != current.ID || !next.CreatedAt.Equal(current.CreatedAt) {
		return apperrors.Internal("task identity changed during write", apperrors.WithTaskID(current.ID))
	}
	if next.Status != current.Status && !CanTransition(current.Status, next.Status) {
		return transitionError(current, next.Status)
	}
	return next.Validate()
}

// Watch streams the task as it changes, starting with its current state.
// The channel is closed when ctx is done or the underlying watch ends.
func (s *Store) Watch(ctx context.Context, id string) (<-chan *Record, error) {
	if s.closed.Load() {
		return nil, ErrStoreClosed
	}

	key := recordPrefix + id
	if err := state.ValidateKey(key); err != nil {
		return nil, notFound(id)
	}

	ctx, cancel := context.WithCancel(ctx)
	updates, err := s.kv.Watch(ctx, key)
	if err != nil {
		cancel()
		return nil, s.storeError(err, id, "watch task")
	}

	current, err := s.load(ctx, id)
	if err != nil {
		cancel()
		return nil, err
	}

	out := make(chan *Record, 8)
	go func() {
		defer close(out)
		defer cancel()

		last := current.Revision
		select {
		case out <- current:
		case <-ctx.Done():
			return
		}

		for e := range updates {
			if e.Revision <= last {
				continue
			}
			rec, err := decode(e)
			if err != nil {
				s.logger.Warn("task_watch_decode_failed", map[string]interface{}{
					"task_id": id,
					"error":   err.Error(),
				})
				continue
			}
			last = e.Revision
			select {
			case out <- rec:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

// Ping checks that the underlying state store answers.
func (s *Store) Ping(ctx context.Context) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.kv.Ping(ctx); err != nil {
		return s.storeError(err, "", "ping store")
	}
	return nil
}

// Close marks the store closed. The state store is owned by the caller.
func (s *Store) Close() error {
	s.closed.Store(true)
	return nil
}

// Internal methods

func (s *Store) load(ctx context.Context, id string) (*Record, error) {
	key := recordPrefix + id
	if err := state.ValidateKey(key); err != nil {
		return nil, notFound(id)
	}

	e, err := s.kv.Get(ctx, key)
	if err != nil {
		return nil, s.storeError(err, id, "load task")
	}
	return decode(e)
}

func decode(e *state.Entry) (*Record, error) {
	var rec Record
	if err := json.Unmarshal(e.Value, &rec); err != nil {
		return nil, apperrors.Wrap(err, "decode task",
			apperrors.WithMetadata("key", e.Key))
	}
	rec.Revision = e.Revision
	return &rec, nil
}

func (s *Store) storeError(err error, id, op string) error {
	switch {
	case errors.Is(err, state.ErrNotFound):
		return notFound(id)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return apperrors.Wrap(err, op, apperrors.WithTaskID(id))
	case errors.Is(err, state.ErrClosed):
		return apperrors.WrapWithCode(ErrStoreClosed, apperrors.ErrCodeUnavailable, op, apperrors.WithTaskID(id))
	default:
		return apperrors.WrapWithCode(err, apperrors.ErrCodeUnavailable, op, apperrors.WithTaskID(id))
	}
}

func notFound(id string) error {
	return apperrors.WrapWithCode(ErrTaskNotFound, apperrors.ErrCodeNotFound, "load task", apperrors.WithTaskID(id))
}

func idempotencyKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return idempotencyPrefix + hex.EncodeToString(sum[:16])
}

// generateID creates a unique task ID.
func generateID() string {
	return uuid.NewString()
}
