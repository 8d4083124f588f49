// Package api is the HTTP boundary of taskhook.
//
// Routes:
//
//	POST /tasks                 submit a task (202, dispatch job enqueued)
//	GET  /tasks/{id}            current task view
//	POST /tasks/{id}/result     signed result callback from the workflow engine
//	GET  /tasks/{id}/watch      websocket stream of task views until terminal
//	GET  /tasks/{id}/events     server-sent events stream of the same views
//	GET  /healthz               store and engine reachability
//	GET  /metrics               Prometheus exposition
//
// The callback handler reads the raw body once and checks its HMAC
// signature against those exact bytes before parsing it or touching the
// store. Errors are answered as {"error": {...}} with the status derived
// from the error code.
package api
