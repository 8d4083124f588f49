// Package state is the revisioned key-value storage behind the task store.
//
// Writes are guarded: Create only succeeds for a new key and Update only
// succeeds against the revision the caller last read. The task store builds
// its compare-and-swap loop on these two.
//
//	rev, _ := store.Create(ctx, "tasks.record.abc", data)
//	e, _ := store.Get(ctx, "tasks.record.abc")
//	_, err := store.Update(ctx, "tasks.record.abc", changed, e.Revision)
//	if errors.Is(err, state.ErrRevisionMismatch) {
//	    // another writer won; reload and retry
//	}
//
// Backends: NATSStore on a JetStream KV bucket, MemoryStore for tests and
// single-instance deployments.
package state
