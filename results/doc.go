// Package results applies workflow engine callbacks to tasks.
//
// A callback body is parsed once at the boundary into a Payload, which is
// either a SuccessResult or an ErrorResult; bodies carrying both or neither
// are rejected before they reach the Ingester.
//
// Ingester.ApplyResult is idempotent. The first result for a task moves it
// to Completed or Failed. Any later result is compared with the stored one:
// an exact duplicate succeeds without writing, anything else is a conflict
// and leaves the task untouched. The load, compare and write run inside
// tasks.Store.Mutate, so two racing callbacks can never both see an
// unfinished task and both write.
//
// ApplyResult never returns an error and never panics; every failure is
// reported through the Outcome.
package results
