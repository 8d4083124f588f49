// Package bus provides message bus clients carrying background jobs,
// audit events and result notifications between taskhook instances.
//
// # Implementations
//
//   - NATSBus: NATS core messaging, for deployments with several instances
//   - MemoryBus: in-process channels, for single-instance runs and tests
//
// # Patterns
//
// Pub/Sub, every subscriber sees every message:
//
//	mb.Publish("taskhook.results.t1", data)
//	sub, _ := mb.Subscribe("taskhook.results.t1")
//	for msg := range sub.Messages() {
//	    // handle
//	}
//
// Queue groups, one member per group gets each message. Requeue
// responders share one this way:
//
//	sub, _ := mb.QueueSubscribe("taskhook.admin.requeue", "taskhook-admin")
//
// Request/Reply:
//
//	// responder
//	for msg := range sub.Messages() {
//	    mb.Publish(msg.Reply, response)
//	}
//
//	// requester
//	reply, err := mb.Request(ctx, "taskhook.admin.requeue", data)
//
// Plain subscriptions drop messages once their buffer is full. Queue
// subscriptions wait for buffer space instead, so jobs are not lost to a
// busy worker.
package bus
