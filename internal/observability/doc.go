// Package observability is the telemetry backbone: structured logging with
// redaction, per-request trace contexts, the append-only event log with its
// file journal and index shipper sinks, the request timer, Prometheus
// metrics, and OpenTelemetry tracing.
package observability
