package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	apperrors "github.com/vinayprograms/taskhook/errors"
	"github.com/vinayprograms/taskhook/state"
)

func newTestStore(t *testing.T, opts ...StoreOption) *Store {
	t.Helper()
	kv := state.NewMemoryStore()
	t.Cleanup(func() { kv.Close() })
	s := NewStore(kv, opts...)
	t.Cleanup(func() { s.Close() })
	return s
}

func mustSubmit(t *testing.T, s *Store) *Record {
	t.Helper()
	sub, err := NewSubmission("Improve this headline for clarity.", "Make it clearer")
	if err != nil {
		t.Fatalf("NewSubmission failed: %v", err)
	}
	rec, created, err := s.Create(context.Background(), sub)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if !created {
		t.Fatal("expected a new task")
	}
	return rec
}

func TestStoreCreate(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := newTestStore(t,
		WithClock(func() time.Time { return now }),
		WithIDGenerator(func() string { return "task-1" }))

	rec := mustSubmit(t, s)

	if rec.ID != "task-1" {
		t.Errorf("expected id task-1, got %s", rec.ID)
	}
	if rec.Status != StatusPending {
		t.Errorf("expected pending, got %s", rec.Status)
	}
	if !rec.CreatedAt.Equal(now) || !rec.UpdatedAt.Equal(now) {
		t.Errorf("timestamps not taken from clock: %v %v", rec.CreatedAt, rec.UpdatedAt)
	}
	if rec.Revision == 0 {
		t.Error("expected a revision")
	}

	got, err := s.Get(context.Background(), "task-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.ReferenceInput != "Improve this headline for clarity." {
		t.Errorf("unexpected reference input %q", got.ReferenceInput)
	}
	if got.Revision != rec.Revision {
		t.Errorf("revision %d, want %d", got.Revision, rec.Revision)
	}
}

func TestStoreCreateDefaultIDs(t *testing.T) {
	s := newTestStore(t)
	a := mustSubmit(t, s)
	b := mustSubmit(t, s)
	if a.ID == b.ID {
		t.Errorf("expected unique ids, got %s twice", a.ID)
	}
	if err := state.ValidateKey(recordPrefix + a.ID); err != nil {
		t.Errorf("generated id is not a valid key: %v", err)
	}
}

func TestStoreCreateIdempotencyKey(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sub, _ := NewSubmission("Improve this headline for clarity.", "Make it clearer")
	sub.IdempotencyKey = "client request #42"

	first, created, err := s.Create(ctx, sub)
	if err != nil || !created {
		t.Fatalf("first Create: created=%v err=%v", created, err)
	}

	second, created, err := s.Create(ctx, sub)
	if err != nil {
		t.Fatalf("second Create failed: %v", err)
	}
	if created {
		t.Error("duplicate submission should not create a task")
	}
	if second.ID != first.ID {
		t.Errorf("expected %s, got %s", first.ID, second.ID)
	}

	all, _ := s.List(ctx, "")
	if len(all) != 1 {
		t.Errorf("expected 1 task, got %d", len(all))
	}
}

// slowRecords delays every task record write, widening the window between
// the record and the idempotency key.
type slowRecords struct {
	state.StateStore
	delay time.Duration
}

func (s slowRecords) Create(ctx context.Context, key string, value []byte) (uint64, error) {
	if strings.HasPrefix(key, recordPrefix) {
		time.Sleep(s.delay)
	}
	return s.StateStore.Create(ctx, key, value)
}

func TestStoreCreateConcurrentIdempotencyKey(t *testing.T) {
	kv := state.NewMemoryStore()
	defer kv.Close()
	s := NewStore(slowRecords{StateStore: kv, delay: 50 * time.Millisecond})
	ctx := context.Background()

	sub, _ := NewSubmission("Improve this headline for clarity.", "Make it clearer")
	sub.IdempotencyKey = "client request #7"

	type result struct {
		rec     *Record
		created bool
		err     error
	}
	results := make([]result, 2)
	var wg sync.WaitGroup
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			time.Sleep(time.Duration(i) * 10 * time.Millisecond)
			rec, created, err := s.Create(ctx, sub)
			results[i] = result{rec, created, err}
		}(i)
	}
	wg.Wait()

	createdCount := 0
	for i, r := range results {
		if r.err != nil {
			t.Fatalf("Create %d failed: %v", i, r.err)
		}
		if r.created {
			createdCount++
		}
	}
	if createdCount != 1 {
		t.Errorf("expected exactly one new task, got %d", createdCount)
	}
	if results[0].rec.ID != results[1].rec.ID {
		t.Errorf("same key gave two tasks: %s and %s", results[0].rec.ID, results[1].rec.ID)
	}

	all, _ := s.List(ctx, "")
	if len(all) != 1 {
		t.Errorf("expected the losing record to be removed, found %d tasks", len(all))
	}
}

func TestStoreCreateTakesOverDanglingKey(t *testing.T) {
	kv := state.NewMemoryStore()
	defer kv.Close()
	s := NewStore(kv)
	ctx := context.Background()

	sub, _ := NewSubmission("Improve this headline for clarity.", "Make it clearer")
	sub.IdempotencyKey = "client request #9"
	if _, err := kv.Create(ctx, idempotencyKey(sub.IdempotencyKey), []byte("gone")); err != nil {
		t.Fatalf("seed key: %v", err)
	}

	first, created, err := s.Create(ctx, sub)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if !created {
		t.Fatal("a key pointing at a missing task should not block a new one")
	}

	entry, err := kv.Get(ctx, idempotencyKey(sub.IdempotencyKey))
	if err != nil {
		t.Fatalf("read key: %v", err)
	}
	if string(entry.Value) != first.ID {
		t.Errorf("key points at %s, want %s", entry.Value, first.ID)
	}

	second, created, err := s.Create(ctx, sub)
	if err != nil || created {
		t.Fatalf("retry: created=%v err=%v", created, err)
	}
	if second.ID != first.ID {
		t.Errorf("expected %s, got %s", first.ID, second.ID)
	}
}

func TestStoreGetNotFound(t *testing.T) {
	s := newTestStore(t)

	for _, id := range []string{"missing", "bad*id", ""} {
		_, err := s.Get(context.Background(), id)
		if !errors.Is(err, ErrTaskNotFound) {
			t.Errorf("Get(%q): expected ErrTaskNotFound, got %v", id, err)
		}
		if !apperrors.Is(err, apperrors.ErrCodeNotFound) {
			t.Errorf("Get(%q): expected NOT_FOUND code, got %s", id, apperrors.Code(err))
		}
	}
}

func TestStoreList(t *testing.T) {
	tick := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	s := newTestStore(t, WithClock(func() time.Time {
		tick = tick.Add(time.Second)
		return tick
	}))
	ctx := context.Background()

	first := mustSubmit(t, s)
	second := mustSubmit(t, s)
	if _, err := s.Mutate(ctx, second.ID, func(r *Record) error { return r.MarkProcessing() }); err != nil {
		t.Fatalf("Mutate failed: %v", err)
	}

	all, err := s.List(ctx, "")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(all) != 2 || all[0].ID != first.ID {
		t.Fatalf("expected both tasks oldest first, got %d", len(all))
	}

	pending, _ := s.List(ctx, StatusPending)
	if len(pending) != 1 || pending[0].ID != first.ID {
		t.Errorf("expected only %s pending, got %v", first.ID, pending)
	}
	processing, _ := s.List(ctx, StatusProcessing)
	if len(processing) != 1 || processing[0].ID != second.ID {
		t.Errorf("expected only %s processing", second.ID)
	}
}

func TestStoreMutate(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := newTestStore(t, WithClock(func() time.Time { return now }))
	ctx := context.Background()
	rec := mustSubmit(t, s)

	now = now.Add(time.Minute)
	updated, err := s.Mutate(ctx, rec.ID, func(r *Record) error {
		return r.Complete("Clearer headline!", map[string]string{"tone": "confident"})
	})
	if err != nil {
		t.Fatalf("Mutate failed: %v", err)
	}
	if updated.Status != StatusCompleted {
		t.Errorf("expected completed, got %s", updated.Status)
	}
	if !updated.UpdatedAt.Equal(now) {
		t.Errorf("UpdatedAt = %v, want %v", updated.UpdatedAt, now)
	}
	if updated.Revision <= rec.Revision {
		t.Errorf("revision did not advance: %d -> %d", rec.Revision, updated.Revision)
	}

	got, _ := s.Get(ctx, rec.ID)
	if got.ResultOutput == nil || *got.ResultOutput != "Clearer headline!" {
		t.Errorf("result not persisted: %v", got.ResultOutput)
	}
	if got.ResultMetadata["tone"] != "confident" {
		t.Errorf("metadata not persisted: %v", got.ResultMetadata)
	}
}

func TestStoreMutateNoChange(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	rec := mustSubmit(t, s)

	got, err := s.Mutate(ctx, rec.ID, func(r *Record) error {
		r.OutcomeGoal = "ignored"
		return ErrNoChange
	})
	if err != nil {
		t.Fatalf("Mutate failed: %v", err)
	}
	if got.Revision != rec.Revision || got.OutcomeGoal != rec.OutcomeGoal {
		t.Error("ErrNoChange should return the record as loaded")
	}
}

func TestStoreMutateFnError(t *testing.T) {
	s := newTestStore(t)
	rec := mustSubmit(t, s)
	boom := errors.New("boom")

	_, err := s.Mutate(context.Background(), rec.ID, func(r *Record) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("expected fn error, got %v", err)
	}
}

func TestStoreMutateRefusesTerminal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	rec := mustSubmit(t, s)

	if _, err := s.Mutate(ctx, rec.ID, func(r *Record) error { return r.Fail("boom") }); err != nil {
		t.Fatalf("Fail write: %v", err)
	}

	_, err := s.Mutate(ctx, rec.ID, func(r *Record) error {
		msg := "rewritten"
		r.ErrorDetails = &msg
		return nil
	})
	if !errors.Is(err, ErrTerminal) {
		t.Fatalf("expected ErrTerminal, got %v", err)
	}

	got, _ := s.Get(ctx, rec.ID)
	if *got.ErrorDetails != "boom" {
		t.Errorf("terminal record changed: %s", *got.ErrorDetails)
	}
}

func TestStoreMutateRefusesBrokenInvariants(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	rec := mustSubmit(t, s)

	_, err := s.Mutate(ctx, rec.ID, func(r *Record) error {
		r.Status = StatusCompleted
		return nil
	})
	if err == nil {
		t.Fatal("expected completed-without-output to be refused")
	}

	_, err = s.Mutate(ctx, rec.ID, func(r *Record) error {
		r.Status = "claimed"
		return nil
	})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestStoreMutateNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Mutate(context.Background(), "missing", func(r *Record) error { return nil })
	if !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestStoreMutateConcurrentWriters(t *testing.T) {
	s := newTestStore(t, WithMaxWriteAttempts(100))
	ctx := context.Background()
	rec := mustSubmit(t, s)

	// Each writer appends to the outcome goal; lost updates would show up
	// as a shorter string.
	const writers = 10
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.Mutate(ctx, rec.ID, func(r *Record) error {
				r.OutcomeGoal += fmt.Sprintf("|%d", i)
				return nil
			})
			if err != nil {
				t.Errorf("writer %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	got, _ := s.Get(ctx, rec.ID)
	parts := 0
	for _, c := range got.OutcomeGoal {
		if c == '|' {
			parts++
		}
	}
	if parts != writers {
		t.Errorf("expected %d writes, found %d in %q", writers, parts, got.OutcomeGoal)
	}
}

func TestStoreMutateContention(t *testing.T) {
	kv := state.NewMemoryStore()
	defer kv.Close()
	s := NewStore(kv, WithMaxWriteAttempts(3))
	rec := mustSubmit(t, s)

	calls := 0
	_, err := s.Mutate(context.Background(), rec.ID, func(r *Record) error {
		calls++
		// Another writer sneaks in on every attempt
		if _, err := kv.Update(context.Background(), recordPrefix+r.ID, mustJSON(t, r), r.Revision); err != nil {
			t.Fatalf("competing Update failed: %v", err)
		}
		return r.MarkProcessing()
	})
	if !errors.Is(err, ErrContention) {
		t.Fatalf("expected ErrContention, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 attempts, got %d", calls)
	}
	if !apperrors.IsRetryable(err) {
		t.Error("contention should be retryable")
	}
}

func TestStoreMutateCanceled(t *testing.T) {
	s := newTestStore(t)
	rec := mustSubmit(t, s)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Mutate(ctx, rec.ID, func(r *Record) error { return r.MarkProcessing() })
	if !apperrors.Is(err, apperrors.ErrCodeCanceled) {
		t.Fatalf("expected CANCELED, got %v", err)
	}
}

func TestStoreWatch(t *testing.T) {
	s := newTestStore(t)
	rec := mustSubmit(t, s)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := s.Watch(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Watch failed: %v", err)
	}

	first := receive(t, ch)
	if first.Status != StatusPending {
		t.Errorf("expected current state first, got %s", first.Status)
	}

	if _, err := s.Mutate(ctx, rec.ID, func(r *Record) error { return r.MarkProcessing() }); err != nil {
		t.Fatalf("Mutate failed: %v", err)
	}
	if got := receive(t, ch); got.Status != StatusProcessing {
		t.Errorf("expected processing, got %s", got.Status)
	}

	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			// Drain a late update, the next read must see the close
			if _, ok := <-ch; ok {
				t.Error("channel should close after cancel")
			}
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after cancel")
	}
}

func TestStoreWatchNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Watch(context.Background(), "missing")
	if !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestStoreClosed(t *testing.T) {
	s := newTestStore(t)
	s.Close()
	ctx := context.Background()

	if _, _, err := s.Create(ctx, Submission{}); err != ErrStoreClosed {
		t.Errorf("Create: expected ErrStoreClosed, got %v", err)
	}
	if _, err := s.Get(ctx, "x"); err != ErrStoreClosed {
		t.Errorf("Get: expected ErrStoreClosed, got %v", err)
	}
	if _, err := s.Mutate(ctx, "x", nil); err != ErrStoreClosed {
		t.Errorf("Mutate: expected ErrStoreClosed, got %v", err)
	}
	if err := s.Ping(ctx); err != ErrStoreClosed {
		t.Errorf("Ping: expected ErrStoreClosed, got %v", err)
	}
}

func mustJSON(t *testing.T, r *Record) []byte {
	t.Helper()
	data, err := json.Marshal(r)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

func receive(t *testing.T, ch <-chan *Record) *Record {
	t.Helper()
	select {
	case rec, ok := <-ch:
		if !ok {
			t.Fatal("watch channel closed")
		}
		return rec
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for update")
	}
	return nil
}
