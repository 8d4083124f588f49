// Package queue runs background jobs from a broker.
//
// A Broker holds each job until a worker settles it. JetStreamBroker keeps
// jobs in a work-queue stream behind a durable pull consumer, so jobs
// survive restarts and reach one worker across every instance. MemoryBroker
// keeps them in process for single-instance runs and tests. Enqueue returns
// only once the broker holds the job, so a job accepted before any worker
// starts is handled later rather than lost.
//
// Delivery is at least once: a job is acked only after its handler returns,
// and a worker that dies mid-job leaves it to be handed out again. Handlers
// must be safe to re-execute. Job.Attempt counts every handout.
//
// A handler error that is retryable (see errors.IsRetryable) hands the job
// back to the broker with the configured backoff. Permanent errors and jobs
// that used up their attempts are terminated and dropped: they are logged,
// counted and recorded on the audit sink.
//
//	q, err := queue.New(queue.NewMemoryBroker(), queue.DefaultConfig(), queue.WithLogger(logger))
//	if err != nil {
//		return err
//	}
//	if err := q.Start(ctx, dispatcher.Handle); err != nil {
//		return err
//	}
//	job, err := q.Enqueue(ctx, queue.KindDispatch, taskID)
package queue
