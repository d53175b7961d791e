package resilience

import (
	"context"
	"time"

	"github.com/agentgate/agentgate/internal/auth/autherr"
)

// Default retry configuration.
const (
	defaultMaxRetries         = 3
	defaultInitialRetryDelay  = 500 * time.Millisecond
	defaultMaxRetryDelay      = 10 * time.Second
	defaultRetryDelayMultiple = 2.0
)

// RetryableChecker determines whether an error should trigger a retry.
type RetryableChecker func(err error) bool

// Retrier executes operations with bounded exponential backoff.
type Retrier struct {
	maxRetries         int
	initialRetryDelay  time.Duration
	maxRetryDelay      time.Duration
	retryDelayMultiple float64
	retryableChecker   RetryableChecker
}

// RetryOption configures a Retrier.
type RetryOption func(*Retrier)

// WithMaxRetries sets the maximum number of retry attempts.
func WithMaxRetries(n int) RetryOption {
	return func(r *Retrier) {
		if n >= 0 {
			r.maxRetries = n
		}
	}
}

// WithInitialRetryDelay sets the delay before the first retry.
func WithInitialRetryDelay(d time.Duration) RetryOption {
	return func(r *Retrier) {
		if d > 0 {
			r.initialRetryDelay = d
		}
	}
}

// WithMaxRetryDelay caps the delay between retries.
func WithMaxRetryDelay(d time.Duration) RetryOption {
	return func(r *Retrier) {
		if d > 0 {
			r.maxRetryDelay = d
		}
	}
}

// WithRetryDelayMultiple sets the exponential backoff multiplier.
func WithRetryDelayMultiple(multiplier float64) RetryOption {
	return func(r *Retrier) {
		if multiplier > 1.0 {
			r.retryDelayMultiple = multiplier
		}
	}
}

// WithRetryableChecker sets a custom function to classify retryable errors.
func WithRetryableChecker(checker RetryableChecker) RetryOption {
	return func(r *Retrier) {
		if checker != nil {
			r.retryableChecker = checker
		}
	}
}

// NewRetrier creates a retrier with the given options.
func NewRetrier(opts ...RetryOption) *Retrier {
	r := &Retrier{
		maxRetries:         defaultMaxRetries,
		initialRetryDelay:  defaultInitialRetryDelay,
		maxRetryDelay:      defaultMaxRetryDelay,
		retryDelayMultiple: defaultRetryDelayMultiple,
		retryableChecker:   DefaultRetryableChecker,
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// DefaultRetryableChecker retries only transient infrastructure failures.
// Protocol-level rejections (invalid grant, state mismatch, permission
// denied) will fail the same way every time and are never retried.
func DefaultRetryableChecker(err error) bool {
	switch autherr.CodeOf(err) {
	case autherr.CodeNetworkError, autherr.CodeInternalError:
		return true
	default:
		return false
	}
}

// Do executes fn with bounded exponential backoff. Non-retryable errors
// return immediately. Context cancellation during a backoff wait aborts
// the loop and returns the last observed error wrapped with the context
// error recorded as cause.
func (r *Retrier) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	var lastErr error
	delay := r.initialRetryDelay

	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				if lastErr != nil {
					return lastErr
				}
				return autherr.Wrap(autherr.CodeNetworkError, "operation cancelled", ctx.Err())
			case <-time.After(delay):
				delay = time.Duration(float64(delay) * r.retryDelayMultiple)
				if delay > r.maxRetryDelay {
					delay = r.maxRetryDelay
				}
			}
		}

		lastErr = fn(ctx)
		if lastErr == nil || !r.retryableChecker(lastErr) {
			return lastErr
		}
	}

	return lastErr
}
