package results

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vinayprograms/taskhook/bus"
	apperrors "github.com/vinayprograms/taskhook/errors"
	"github.com/vinayprograms/taskhook/security"
	"github.com/vinayprograms/taskhook/state"
	"github.com/vinayprograms/taskhook/tasks"
)

type fixture struct {
	store *tasks.Store
	audit *security.RecordingSink
	ing   *Ingester
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	kv := state.NewMemoryStore()
	t.Cleanup(func() { kv.Close() })
	store := tasks.NewStore(kv)
	audit := security.NewRecordingSink()
	opts = append([]Option{WithAuditSink(audit)}, opts...)
	return &fixture{store: store, audit: audit, ing: NewIngester(store, opts...)}
}

func (f *fixture) submit(t *testing.T, processing bool) *tasks.Record {
	t.Helper()
	ctx := context.Background()
	sub, err := tasks.NewSubmission("Improve this headline for clarity.", "Make it clearer")
	require.NoError(t, err)
	rec, _, err := f.store.Create(ctx, sub)
	require.NoError(t, err)
	if processing {
		rec, err = f.store.Mutate(ctx, rec.ID, func(r *tasks.Record) error { return r.MarkProcessing() })
		require.NoError(t, err)
	}
	return rec
}

func scenarioPayload() SuccessResult {
	return SuccessResult{Output: "Clearer headline!", Metadata: map[string]string{"tone": "confident"}}
}

func TestApplyResultScenarios(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec := f.submit(t, true)

	// A: first success callback completes the task.
	out := f.ing.ApplyResult(ctx, rec.ID, scenarioPayload())
	assert.Equal(t, Outcome{Success: true, WasUpdated: true, Status: tasks.StatusCompleted, Message: MessageApplied, Kind: KindApplied}, out)
	assert.Equal(t, http.StatusOK, out.HTTPStatus())

	stored, err := f.store.Get(ctx, rec.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.ResultOutput)
	assert.Equal(t, "Clearer headline!", *stored.ResultOutput)
	assert.Equal(t, map[string]string{"tone": "confident"}, stored.ResultMetadata)
	assert.Nil(t, stored.ErrorDetails)

	// B: identical duplicate is acknowledged without a write.
	out = f.ing.ApplyResult(ctx, rec.ID, scenarioPayload())
	assert.Equal(t, KindDuplicate, out.Kind)
	assert.True(t, out.Success)
	assert.True(t, out.WasUpdated)
	assert.Equal(t, MessageDuplicate, out.Message)
	assert.Equal(t, tasks.StatusCompleted, out.Status)

	again, err := f.store.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, stored.Revision, again.Revision)
	assert.True(t, stored.UpdatedAt.Equal(again.UpdatedAt))

	// C: an error after completion conflicts.
	out = f.ing.ApplyResult(ctx, rec.ID, ErrorResult{Message: "boom"})
	assert.Equal(t, KindConflict, out.Kind)
	assert.False(t, out.Success)
	assert.False(t, out.WasUpdated)
	assert.Equal(t, MessageConflict, out.Message)
	assert.Equal(t, tasks.StatusCompleted, out.Status)
	assert.Equal(t, http.StatusUnprocessableEntity, out.HTTPStatus())

	final, err := f.store.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, tasks.StatusCompleted, final.Status)
	assert.Nil(t, final.ErrorDetails)

	assert.Equal(t, []string{
		security.EventResultApplied,
		security.EventResultDuplicate,
		security.EventResultConflict,
	}, f.audit.Names())
	assert.Equal(t, "variant_mismatch", f.audit.Events()[2].Fields["reason"])
}

func TestApplyResultContentMismatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec := f.submit(t, true)

	require.Equal(t, KindApplied, f.ing.ApplyResult(ctx, rec.ID, scenarioPayload()).Kind)

	tests := []Payload{
		SuccessResult{Output: "Another headline", Metadata: map[string]string{"tone": "confident"}},
		SuccessResult{Output: "Clearer headline!", Metadata: map[string]string{"tone": "calm"}},
		SuccessResult{Output: "Clearer headline!"},
	}
	for _, p := range tests {
		out := f.ing.ApplyResult(ctx, rec.ID, p)
		assert.Equal(t, KindConflict, out.Kind)
	}
	for _, e := range f.audit.Events()[1:] {
		assert.Equal(t, "content_mismatch", e.Fields["reason"])
	}
}

func TestApplyResultErrorVariant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec := f.submit(t, true)

	out := f.ing.ApplyResult(ctx, rec.ID, ErrorResult{Message: "model timeout"})
	assert.Equal(t, KindApplied, out.Kind)
	assert.Equal(t, tasks.StatusFailed, out.Status)

	out = f.ing.ApplyResult(ctx, rec.ID, ErrorResult{Message: "model timeout"})
	assert.Equal(t, KindDuplicate, out.Kind)

	out = f.ing.ApplyResult(ctx, rec.ID, ErrorResult{Message: "other"})
	assert.Equal(t, KindConflict, out.Kind)

	out = f.ing.ApplyResult(ctx, rec.ID, scenarioPayload())
	assert.Equal(t, KindConflict, out.Kind)

	stored, err := f.store.Get(ctx, rec.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.ErrorDetails)
	assert.Equal(t, "model timeout", *stored.ErrorDetails)
	assert.Nil(t, stored.ResultOutput)
}

func TestApplyResultFromPending(t *testing.T) {
	f := newFixture(t)
	rec := f.submit(t, false)

	out := f.ing.ApplyResult(context.Background(), rec.ID, scenarioPayload())
	assert.Equal(t, KindApplied, out.Kind)
	assert.Equal(t, tasks.StatusCompleted, out.Status)
}

func TestApplyResultNotFound(t *testing.T) {
	f := newFixture(t)

	out := f.ing.ApplyResult(context.Background(), "missing", scenarioPayload())
	assert.Equal(t, Outcome{Message: MessageNotFound, Kind: KindNotFound}, out)
	assert.Equal(t, http.StatusNotFound, out.HTTPStatus())
	assert.Equal(t, []string{security.EventResultNotFound}, f.audit.Names())
}

func TestApplyResultConcurrentDuplicates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec := f.submit(t, true)

	const n = 16
	outcomes := make([]Outcome, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i] = f.ing.ApplyResult(ctx, rec.ID, scenarioPayload())
		}(i)
	}
	wg.Wait()

	counts := map[Kind]int{}
	for _, o := range outcomes {
		counts[o.Kind]++
		assert.True(t, o.Success)
		assert.Equal(t, tasks.StatusCompleted, o.Status)
	}
	assert.Equal(t, 1, counts[KindApplied])
	assert.Equal(t, n-1, counts[KindDuplicate])
}

func TestApplyResultConcurrentConflictingResults(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec := f.submit(t, true)

	var wg sync.WaitGroup
	results := make(chan Outcome, 2)
	for _, p := range []Payload{scenarioPayload(), ErrorResult{Message: "boom"}} {
		wg.Add(1)
		go func(p Payload) {
			defer wg.Done()
			results <- f.ing.ApplyResult(ctx, rec.ID, p)
		}(p)
	}
	wg.Wait()
	close(results)

	kinds := map[Kind]int{}
	for o := range results {
		kinds[o.Kind]++
	}
	assert.Equal(t, 1, kinds[KindApplied])
	assert.Equal(t, 1, kinds[KindConflict])
}

type failingStore struct {
	err   error
	panic bool
}

func (s failingStore) Mutate(context.Context, string, func(*tasks.Record) error) (*tasks.Record, error) {
	if s.panic {
		panic("store exploded")
	}
	return nil, s.err
}

func TestApplyResultStoreFailure(t *testing.T) {
	audit := security.NewRecordingSink()
	storeErr := apperrors.WrapWithCode(errors.New("connection reset"), apperrors.ErrCodeUnavailable, "save task")
	ing := NewIngester(failingStore{err: storeErr}, WithAuditSink(audit))

	out := ing.ApplyResult(context.Background(), "t1", scenarioPayload())
	assert.Equal(t, Outcome{Message: MessageException, Kind: KindFailed}, out)
	assert.Equal(t, http.StatusInternalServerError, out.HTTPStatus())
	assert.Equal(t, []string{security.EventResultException}, audit.Names())
}

func TestApplyResultRecoversPanic(t *testing.T) {
	audit := security.NewRecordingSink()
	ing := NewIngester(failingStore{panic: true}, WithAuditSink(audit))

	var out Outcome
	assert.NotPanics(t, func() {
		out = ing.ApplyResult(context.Background(), "t1", ErrorResult{Message: "x"})
	})
	assert.Equal(t, KindFailed, out.Kind)
	assert.Equal(t, MessageException, out.Message)
	assert.Equal(t, []string{security.EventResultException}, audit.Names())
}

func TestApplyResultNilPayload(t *testing.T) {
	f := newFixture(t)
	rec := f.submit(t, true)

	out := f.ing.ApplyResult(context.Background(), rec.ID, nil)
	assert.Equal(t, KindFailed, out.Kind)

	stored, err := f.store.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, tasks.StatusProcessing, stored.Status)
}

func TestApplyResultNotifies(t *testing.T) {
	mb := bus.NewMemoryBus(bus.DefaultConfig())
	t.Cleanup(func() { mb.Close() })
	n := NewNotifier(mb, "", nil)

	f := newFixture(t, WithNotifier(n))
	rec := f.submit(t, true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := n.Subscribe(ctx, rec.ID)
	require.NoError(t, err)

	require.Equal(t, KindApplied, f.ing.ApplyResult(ctx, rec.ID, scenarioPayload()).Kind)

	select {
	case got := <-ch:
		assert.Equal(t, rec.ID, got.ID)
		assert.Equal(t, tasks.StatusCompleted, got.Status)
		require.NotNil(t, got.ResultOutput)
		assert.Equal(t, "Clearer headline!", *got.ResultOutput)
	case <-time.After(time.Second):
		t.Fatal("no notification")
	}

	// Duplicates do not notify again.
	require.Equal(t, KindDuplicate, f.ing.ApplyResult(ctx, rec.ID, scenarioPayload()).Kind)
	select {
	case <-ch:
		t.Fatal("unexpected notification for duplicate")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestNotifierNilSafe(t *testing.T) {
	var n *Notifier
	assert.NotPanics(t, func() { n.Notify(context.Background(), &tasks.Record{ID: "x"}) })
}
