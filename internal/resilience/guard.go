package resilience

import (
	"context"
	"log/slog"

	"github.com/agentgate/agentgate/internal/auth/autherr"
	"github.com/agentgate/agentgate/internal/logging"
)

// Guard composes the rate limiter, circuit breaker, and retrier into a
// single protective wrapper for upstream calls. The order is fixed: the
// rate limit is checked first so throttled callers never consume breaker
// probes, then the breaker, then the retry loop around the call itself.
type Guard struct {
	limiter       *RateLimiter
	breaker       *Breaker
	retrier       *Retrier
	rateLimitHook func(key string)
	logger        *slog.Logger
}

// GuardOption configures a Guard.
type GuardOption func(*Guard)

// WithRateLimiter sets the per-key rate limiter. Nil disables rate limiting.
func WithRateLimiter(rl *RateLimiter) GuardOption {
	return func(g *Guard) {
		g.limiter = rl
	}
}

// WithBreaker sets the circuit breaker. Nil disables the breaker.
func WithBreaker(b *Breaker) GuardOption {
	return func(g *Guard) {
		g.breaker = b
	}
}

// WithRetrier sets the retrier. Nil disables retries.
func WithRetrier(r *Retrier) GuardOption {
	return func(g *Guard) {
		g.retrier = r
	}
}

// WithRateLimitHook registers a callback invoked with the caller key each
// time the rate limiter rejects a request. The hook must not block.
func WithRateLimitHook(fn func(key string)) GuardOption {
	return func(g *Guard) {
		g.rateLimitHook = fn
	}
}

// WithLogger sets the logger for guard decisions.
func WithLogger(logger *slog.Logger) GuardOption {
	return func(g *Guard) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// NewGuard creates a Guard with the given protections. All protections
// are optional; an empty guard just invokes the function.
func NewGuard(opts ...GuardOption) *Guard {
	g := &Guard{
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Do runs fn under the guard's protections. key identifies the caller for
// rate limiting purposes. Failures counted against the breaker are only
// those the retrier could not recover from.
func (g *Guard) Do(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	if g.limiter != nil && !g.limiter.Allow(key) {
		retryAfter := g.limiter.RetryAfter(key)
		if g.rateLimitHook != nil {
			g.rateLimitHook(key)
		}
		g.logger.Warn("request rate limited",
			logging.Client(key),
			slog.Duration("retry_after", retryAfter))
		return autherr.RateLimited(retryAfter)
	}

	if g.breaker != nil {
		allowed, cooldown := g.breaker.Allow()
		if !allowed {
			g.logger.Warn("request rejected by open circuit",
				logging.Client(key),
				slog.Duration("cooldown", cooldown))
			return autherr.CircuitOpen(cooldown)
		}
	}

	var err error
	if g.retrier != nil {
		err = g.retrier.Do(ctx, fn)
	} else {
		err = fn(ctx)
	}

	if g.breaker != nil {
		if err != nil && countsAsBreakerFailure(err) {
			g.breaker.RecordFailure()
		} else {
			g.breaker.RecordSuccess()
		}
	}

	return err
}

// countsAsBreakerFailure reports whether an error indicates upstream
// ill-health. Protocol rejections come back from a healthy upstream and
// must not trip the breaker.
func countsAsBreakerFailure(err error) bool {
	switch autherr.CodeOf(err) {
	case autherr.CodeNetworkError, autherr.CodeInternalError:
		return true
	default:
		return false
	}
}
