// Package telemetry sets up OpenTelemetry tracing for taskhook and provides
// span helpers for outbound delivery, callback ingestion, dispatch jobs and
// signature checks.
//
// Spans are exported over OTLP (gRPC or HTTP). Without an endpoint the
// Disabled provider is used and every helper becomes a no-op.
package telemetry
