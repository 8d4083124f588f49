// Package delivery triggers the external workflow engine for a task.
//
// A Client POSTs {task_id, reference_input, outcome_goal} to the configured
// URL. Each attempt has its own timeout; connection failures, timeouts and
// non-2xx responses are retried up to RetryAttempts times, sleeping
// RetryDelays[i] between attempts (the last delay is reused when the list is
// shorter than the attempt count). When every attempt fails the returned
// error carries ErrCodeDeliveryFailed and wraps the last attempt's error,
// which is one of ErrCodeHTTPStatus, ErrCodeTimeout or ErrCodeNetworkErr.
//
//	client, err := delivery.New(delivery.Config{
//	    URL:           "https://engine.example.com/hooks/task",
//	    Timeout:       10 * time.Second,
//	    RetryAttempts: 3,
//	    RetryDelays:   []time.Duration{500 * time.Millisecond, 1500 * time.Millisecond},
//	})
//	res, err := client.Trigger(ctx, task.ID, task.ReferenceInput, task.OutcomeGoal)
//
// Configuration problems are reported by New as ErrCodeInvalidConfig and are
// never retried.
package delivery
