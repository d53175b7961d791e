// Package instrumentation provides OpenTelemetry metrics and tracing plus
// structured audit logging for the authentication core.
//
// The Provider wires metric and trace exporters (Prometheus, OTLP, stdout)
// from environment-driven configuration. Metrics covers the authentication
// surface: request authentication, code exchange, token refresh and
// revocation, session gauges, upstream call latency, and resilience events
// (circuit transitions, rate-limit rejections, expiry sweeps).
//
// Audit logging anonymizes user identifiers by default; set
// AUDIT_LOGGING_INCLUDE_PII=true only when audit output is routed to
// secure storage.
package instrumentation
