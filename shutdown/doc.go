// Package shutdown stops taskhook in phases.
//
// Handlers register under a phase. On SIGTERM, SIGINT or an explicit
// Shutdown call, phases run in ascending order; handlers sharing a phase
// run concurrently and all share one deadline. The serve command uses:
//
//	PhaseIngress   stop the HTTP server and watch streams
//	PhaseWorkers   drain dispatch workers and the requeue responder
//	PhaseBackends  flush telemetry and audit sinks, close bus and store
//
// A failing handler does not stop later phases. Once the deadline passes
// the remaining phases are skipped and Shutdown reports a TIMEOUT error.
package shutdown
