package instrumentation

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"time"
)

// AuthEvent represents an auditable authentication operation.
type AuthEvent struct {
	// Operation is the authentication operation performed,
	// e.g. "handle_callback", "refresh", "revoke", "logout".
	Operation string

	// UserEmail is the email of the authenticated user, if known.
	UserEmail string

	// ApplicationID is the registered application involved, if any.
	ApplicationID string

	// SessionID is the user session involved, if any.
	SessionID string

	// Status is the outcome: "success" or "error".
	Status string

	// Error holds the failure detail when Status is "error".
	Error string

	// Duration is how long the operation took.
	Duration time.Duration

	// Timestamp is when the operation completed.
	Timestamp time.Time
}

// AuditLogger writes structured audit records for authentication operations.
type AuditLogger struct {
	logger *slog.Logger
	config AuditLoggingConfig
}

// NewAuditLogger creates an audit logger writing through the given slog logger.
func NewAuditLogger(logger *slog.Logger, config AuditLoggingConfig) *AuditLogger {
	return &AuditLogger{
		logger: logger,
		config: config,
	}
}

// Enabled reports whether audit logging is active.
func (a *AuditLogger) Enabled() bool {
	return a != nil && a.config.Enabled && a.logger != nil
}

// LogAuthEvent writes an audit record for an authentication operation.
// User emails are anonymized unless IncludePII is set; audit logs with
// PII must be routed to secure storage.
func (a *AuditLogger) LogAuthEvent(ctx context.Context, event AuthEvent) {
	if !a.Enabled() {
		return
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	attrs := []any{
		slog.String("audit", "auth"),
		slog.String("operation", event.Operation),
		slog.String("status", event.Status),
		slog.Time("timestamp", event.Timestamp),
	}

	if event.UserEmail != "" {
		if a.config.IncludePII {
			attrs = append(attrs, slog.String("user_email", event.UserEmail))
		} else {
			attrs = append(attrs, slog.String("user_hash", anonymizeEmail(event.UserEmail)))
		}
		attrs = append(attrs, slog.String("user_domain", ExtractUserDomain(event.UserEmail)))
	}
	if event.ApplicationID != "" {
		attrs = append(attrs, slog.String("application_id", event.ApplicationID))
	}
	if event.SessionID != "" {
		attrs = append(attrs, slog.String("session_id", event.SessionID))
	}
	if event.Duration > 0 {
		attrs = append(attrs, slog.Duration("duration", event.Duration))
	}
	if traceID := GetTraceID(ctx); traceID != "" {
		attrs = append(attrs, slog.String("trace_id", traceID))
	}
	if spanID := GetSpanID(ctx); spanID != "" {
		attrs = append(attrs, slog.String("span_id", spanID))
	}

	if event.Status == StatusError {
		if event.Error != "" {
			attrs = append(attrs, slog.String("error", event.Error))
		}
		a.logger.WarnContext(ctx, "authentication operation failed", attrs...)
		return
	}

	a.logger.InfoContext(ctx, "authentication operation", attrs...)
}

// anonymizeEmail produces a stable, non-reversible identifier for an email
// address so audit trails can be correlated without storing PII.
func anonymizeEmail(email string) string {
	sum := sha256.Sum256([]byte(email))
	return fmt.Sprintf("user:%x", sum[:8])
}
