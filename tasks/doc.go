// Package tasks holds the task record, its lifecycle rules and the store
// that persists records over a state.StateStore.
//
// # Lifecycle
//
// Tasks move through the following states:
//
//	Pending → Processing → Completed
//	   │           └─────→ Failed
//	   └──→ Completed / Failed
//
// Completed and Failed are terminal. A Pending task may be finished directly
// when a callback arrives before the dispatch job recorded Processing.
//
// # Concurrency
//
// Every change goes through Store.Mutate, which loads the freshest record
// together with its revision, applies a caller supplied function and writes
// the result back only if nobody else wrote in between. On a lost race the
// function is rerun against the new record:
//
//	rec, err := store.Mutate(ctx, id, func(r *tasks.Record) error {
//	    if r.Status.IsTerminal() {
//	        return tasks.ErrNoChange
//	    }
//	    return r.Complete("output", nil)
//	})
//
// Returning ErrNoChange from the function leaves the record untouched and
// returns it as loaded.
package tasks
