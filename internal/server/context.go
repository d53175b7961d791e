package server

import (
	"context"
	"sync"

	"github.com/agentgate/agentgate/internal/auth"
	"github.com/agentgate/agentgate/internal/auth/session"
	"github.com/agentgate/agentgate/internal/instrumentation"
)

// ServerContext holds the shared dependencies for the MCP server: the
// authentication façade, the client-session registry, and the
// observability hooks. It owns the shutdown lifecycle for both.
type ServerContext struct {
	ctx      context.Context
	cancel   context.CancelFunc
	facade   *auth.Facade
	registry *session.Registry

	metrics *instrumentation.Metrics
	audit   *instrumentation.AuditLogger

	mu       sync.RWMutex
	shutdown bool
}

// NewServerContext creates a new server context wrapping the façade and
// the client-session registry.
func NewServerContext(ctx context.Context, facade *auth.Facade, registry *session.Registry) *ServerContext {
	shutdownCtx, cancel := context.WithCancel(ctx)

	return &ServerContext{
		ctx:      shutdownCtx,
		cancel:   cancel,
		facade:   facade,
		registry: registry,
	}
}

// Context returns the server's shutdown-aware context.
func (sc *ServerContext) Context() context.Context {
	return sc.ctx
}

// Facade returns the authentication façade.
func (sc *ServerContext) Facade() *auth.Facade {
	return sc.facade
}

// Registry returns the client-session registry.
func (sc *ServerContext) Registry() *session.Registry {
	return sc.registry
}

// SetMetrics sets the metrics recorder for request instrumentation.
func (sc *ServerContext) SetMetrics(m *instrumentation.Metrics) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.metrics = m
}

// Metrics returns the metrics recorder, or nil if instrumentation is off.
func (sc *ServerContext) Metrics() *instrumentation.Metrics {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.metrics
}

// SetAuditLogger sets the audit logger for authentication operations.
func (sc *ServerContext) SetAuditLogger(a *instrumentation.AuditLogger) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.audit = a
}

// AuditLogger returns the audit logger, or nil if audit logging is off.
func (sc *ServerContext) AuditLogger() *instrumentation.AuditLogger {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.audit
}

// IsShutdown returns whether the server has been shut down.
func (sc *ServerContext) IsShutdown() bool {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.shutdown
}

// Shutdown shuts down the server context and stops the session registry.
// Safe to call more than once.
func (sc *ServerContext) Shutdown() error {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	if sc.shutdown {
		return nil
	}

	sc.shutdown = true
	sc.cancel()
	if sc.registry != nil {
		sc.registry.Stop()
	}
	return nil
}
