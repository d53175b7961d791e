// Package resilience provides the protective wrappers applied to every
// upstream identity-provider call: a per-key token bucket rate limiter,
// a consecutive-failure circuit breaker, and bounded exponential-backoff
// retries. Guard composes the three in a fixed order (limit, breaker,
// retry) so a throttled caller never consumes a breaker probe.
package resilience
