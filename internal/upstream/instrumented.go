package upstream

import (
	"context"
	"time"

	"github.com/agentgate/agentgate/internal/instrumentation"
)

// InstrumentedGateway decorates a Gateway with a client span and a
// duration histogram per upstream call, plus the per-operation outcome
// counters. It is transparent: errors and results pass through untouched.
type InstrumentedGateway struct {
	next    Gateway
	metrics *instrumentation.Metrics
}

// NewInstrumentedGateway wraps a gateway with span and metric recording.
func NewInstrumentedGateway(next Gateway, metrics *instrumentation.Metrics) *InstrumentedGateway {
	if metrics == nil {
		metrics = &instrumentation.Metrics{}
	}
	return &InstrumentedGateway{next: next, metrics: metrics}
}

// ExchangeCode trades an authorization code for tokens, recording the
// exchange outcome and call duration.
func (g *InstrumentedGateway) ExchangeCode(ctx context.Context, clientID, clientSecret, code, redirectURI string) (*TokenResponse, error) {
	ctx, span := instrumentation.StartUpstreamSpan(ctx, instrumentation.OperationExchange)
	defer span.End()

	start := time.Now()
	resp, err := g.next.ExchangeCode(ctx, clientID, clientSecret, code, redirectURI)

	status := statusOf(err)
	g.metrics.RecordUpstreamCall(ctx, instrumentation.OperationExchange, status, time.Since(start))
	g.metrics.RecordExchange(ctx, status)
	if err != nil {
		instrumentation.SetSpanError(span, err)
		return nil, err
	}
	instrumentation.SetSpanSuccess(span)
	return resp, nil
}

// Refresh mints a new access token, recording the refresh outcome and
// call duration.
func (g *InstrumentedGateway) Refresh(ctx context.Context, clientID, clientSecret, refreshToken string) (*TokenResponse, error) {
	ctx, span := instrumentation.StartUpstreamSpan(ctx, instrumentation.OperationRefresh)
	defer span.End()

	start := time.Now()
	resp, err := g.next.Refresh(ctx, clientID, clientSecret, refreshToken)

	status := statusOf(err)
	g.metrics.RecordUpstreamCall(ctx, instrumentation.OperationRefresh, status, time.Since(start))
	g.metrics.RecordTokenRefresh(ctx, status)
	if err != nil {
		instrumentation.SetSpanError(span, err)
		return nil, err
	}
	instrumentation.SetSpanSuccess(span)
	return resp, nil
}

// Revoke invalidates a token upstream, recording the revocation outcome
// and call duration.
func (g *InstrumentedGateway) Revoke(ctx context.Context, clientID, token, kind string) error {
	ctx, span := instrumentation.StartUpstreamSpan(ctx, instrumentation.OperationRevoke)
	defer span.End()

	start := time.Now()
	err := g.next.Revoke(ctx, clientID, token, kind)

	status := statusOf(err)
	g.metrics.RecordUpstreamCall(ctx, instrumentation.OperationRevoke, status, time.Since(start))
	g.metrics.RecordTokenRevocation(ctx, status)
	if err != nil {
		instrumentation.SetSpanError(span, err)
		return err
	}
	instrumentation.SetSpanSuccess(span)
	return nil
}

// GetUserInfo fetches the identity behind an access token, recording the
// call duration.
func (g *InstrumentedGateway) GetUserInfo(ctx context.Context, accessToken string) (*UserInfo, error) {
	ctx, span := instrumentation.StartUpstreamSpan(ctx, instrumentation.OperationUserInfo)
	defer span.End()

	start := time.Now()
	info, err := g.next.GetUserInfo(ctx, accessToken)

	g.metrics.RecordUpstreamCall(ctx, instrumentation.OperationUserInfo, statusOf(err), time.Since(start))
	if err != nil {
		instrumentation.SetSpanError(span, err)
		return nil, err
	}
	instrumentation.SetSpanSuccess(span)
	return info, nil
}

func statusOf(err error) string {
	if err != nil {
		return instrumentation.StatusError
	}
	return instrumentation.StatusSuccess
}
