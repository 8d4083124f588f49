// Package dispatch runs the background job that hands a task to the
// workflow engine.
//
// A dispatch job marks the task Processing and persists that before the
// engine is called, so a worker dying mid-call leaves the task Processing
// rather than Pending. A task that is not dispatchable is rejected without
// retry. A delivery failure is returned to the queue, which retries the
// whole job under its own policy while the task stays Processing.
//
// Jobs redelivered by the queue, or queued again by an operator through the
// requeue responder, accept a task that is already Processing.
package dispatch
