// Package server hosts the MCP endpoint behind the authentication façade.
//
// The AuthHTTPServer exposes the OAuth login surface (authorization-URL
// issuance, the provider callback, session validation, logout) alongside
// the MCP streamable-HTTP endpoint, which sits behind an authentication
// middleware. Every request reaching /mcp has passed the façade and
// carries its identity in the request context.
//
// The SessionBridge mirrors connected clients into the session registry,
// so each MCP client moves through the connection state machine and is
// swept when idle. Prometheus metrics are served on a dedicated port by
// the MetricsServer, and HealthChecker provides Kubernetes probes.
package server
