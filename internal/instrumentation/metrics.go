package instrumentation

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric attribute keys.
const (
	attrOperation = "operation"
	attrResult    = "result"
	attrReason    = "reason"
	attrFromState = "from_state"
	attrToState   = "to_state"
)

// Metrics records the authentication core's observability metrics.
// A zero-value Metrics is a safe no-op recorder.
type Metrics struct {
	authRequestsTotal    metric.Int64Counter
	oauthExchangeTotal   metric.Int64Counter
	tokenRefreshTotal    metric.Int64Counter
	tokenRevocationTotal metric.Int64Counter

	activeUserSessions   metric.Int64UpDownCounter
	activeClientSessions metric.Int64UpDownCounter
	sessionsExpiredTotal metric.Int64Counter

	upstreamCallDuration   metric.Float64Histogram
	circuitStateChanges    metric.Int64Counter
	rateLimitRejections    metric.Int64Counter
	tokenSweepRemovedTotal metric.Int64Counter
}

// NewMetrics creates a Metrics instance with all instruments registered.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}

	var err error

	m.authRequestsTotal, err = meter.Int64Counter(
		"auth_requests_total",
		metric.WithDescription("Total number of request authentication attempts"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create auth_requests_total counter: %w", err)
	}

	m.oauthExchangeTotal, err = meter.Int64Counter(
		"oauth_exchange_total",
		metric.WithDescription("Total number of authorization-code exchanges"),
		metric.WithUnit("{exchange}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create oauth_exchange_total counter: %w", err)
	}

	m.tokenRefreshTotal, err = meter.Int64Counter(
		"token_refresh_total",
		metric.WithDescription("Total number of access-token refresh attempts"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token_refresh_total counter: %w", err)
	}

	m.tokenRevocationTotal, err = meter.Int64Counter(
		"token_revocation_total",
		metric.WithDescription("Total number of token revocations"),
		metric.WithUnit("{revocation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token_revocation_total counter: %w", err)
	}

	m.activeUserSessions, err = meter.Int64UpDownCounter(
		"active_user_sessions",
		metric.WithDescription("Number of live authenticated user sessions"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create active_user_sessions gauge: %w", err)
	}

	m.activeClientSessions, err = meter.Int64UpDownCounter(
		"active_client_sessions",
		metric.WithDescription("Number of live client connections"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create active_client_sessions gauge: %w", err)
	}

	m.sessionsExpiredTotal, err = meter.Int64Counter(
		"sessions_expired_total",
		metric.WithDescription("Total number of sessions force-disconnected by timeout"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create sessions_expired_total counter: %w", err)
	}

	m.upstreamCallDuration, err = meter.Float64Histogram(
		"upstream_call_duration_seconds",
		metric.WithDescription("Upstream identity-provider call duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create upstream_call_duration_seconds histogram: %w", err)
	}

	m.circuitStateChanges, err = meter.Int64Counter(
		"circuit_state_changes_total",
		metric.WithDescription("Total number of circuit breaker state transitions"),
		metric.WithUnit("{transition}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create circuit_state_changes_total counter: %w", err)
	}

	m.rateLimitRejections, err = meter.Int64Counter(
		"rate_limit_rejections_total",
		metric.WithDescription("Total number of requests rejected by the rate limiter"),
		metric.WithUnit("{rejection}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create rate_limit_rejections_total counter: %w", err)
	}

	m.tokenSweepRemovedTotal, err = meter.Int64Counter(
		"token_sweep_removed_total",
		metric.WithDescription("Total number of expired tokens removed by the sweep"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token_sweep_removed_total counter: %w", err)
	}

	return m, nil
}

// RecordAuthRequest records a request authentication attempt.
// Result should be "success" or "error".
func (m *Metrics) RecordAuthRequest(ctx context.Context, result string) {
	if m.authRequestsTotal == nil {
		return // instrumentation not initialized
	}
	m.authRequestsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String(attrResult, result)))
}

// RecordExchange records an authorization-code exchange attempt.
func (m *Metrics) RecordExchange(ctx context.Context, result string) {
	if m.oauthExchangeTotal == nil {
		return
	}
	m.oauthExchangeTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String(attrResult, result)))
}

// RecordTokenRefresh records a refresh attempt.
func (m *Metrics) RecordTokenRefresh(ctx context.Context, result string) {
	if m.tokenRefreshTotal == nil {
		return
	}
	m.tokenRefreshTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String(attrResult, result)))
}

// RecordTokenRevocation records a token revocation.
func (m *Metrics) RecordTokenRevocation(ctx context.Context, result string) {
	if m.tokenRevocationTotal == nil {
		return
	}
	m.tokenRevocationTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String(attrResult, result)))
}

// RecordUpstreamCall records the duration and outcome of an upstream call.
func (m *Metrics) RecordUpstreamCall(ctx context.Context, operation, status string, duration time.Duration) {
	if m.upstreamCallDuration == nil {
		return
	}
	m.upstreamCallDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String(attrOperation, operation),
		attribute.String("status", status)))
}

// RecordCircuitStateChange records a breaker transition.
func (m *Metrics) RecordCircuitStateChange(ctx context.Context, from, to string) {
	if m.circuitStateChanges == nil {
		return
	}
	m.circuitStateChanges.Add(ctx, 1, metric.WithAttributes(
		attribute.String(attrFromState, from),
		attribute.String(attrToState, to)))
}

// RecordRateLimitRejection records a rate-limited request.
func (m *Metrics) RecordRateLimitRejection(ctx context.Context) {
	if m.rateLimitRejections == nil {
		return
	}
	m.rateLimitRejections.Add(ctx, 1)
}

// RecordSessionExpired records a session force-disconnected by timeout.
func (m *Metrics) RecordSessionExpired(ctx context.Context, reason string) {
	if m.sessionsExpiredTotal == nil {
		return
	}
	m.sessionsExpiredTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String(attrReason, reason)))
}

// RecordTokensSwept records tokens removed by an expiry sweep.
func (m *Metrics) RecordTokensSwept(ctx context.Context, count int) {
	if m.tokenSweepRemovedTotal == nil || count <= 0 {
		return
	}
	m.tokenSweepRemovedTotal.Add(ctx, int64(count))
}

// IncrementUserSessions increments the live user-session gauge.
func (m *Metrics) IncrementUserSessions(ctx context.Context) {
	if m.activeUserSessions == nil {
		return
	}
	m.activeUserSessions.Add(ctx, 1)
}

// DecrementUserSessions decrements the live user-session gauge.
func (m *Metrics) DecrementUserSessions(ctx context.Context) {
	if m.activeUserSessions == nil {
		return
	}
	m.activeUserSessions.Add(ctx, -1)
}

// IncrementClientSessions increments the live client-connection gauge.
func (m *Metrics) IncrementClientSessions(ctx context.Context) {
	if m.activeClientSessions == nil {
		return
	}
	m.activeClientSessions.Add(ctx, 1)
}

// DecrementClientSessions decrements the live client-connection gauge.
func (m *Metrics) DecrementClientSessions(ctx context.Context) {
	if m.activeClientSessions == nil {
		return
	}
	m.activeClientSessions.Add(ctx, -1)
}
