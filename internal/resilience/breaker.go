package resilience

import (
	"sync"
	"time"
)

// BreakerState is the current state of a circuit breaker.
type BreakerState int

const (
	// StateClosed lets all calls through and counts consecutive failures.
	StateClosed BreakerState = iota
	// StateOpen rejects all calls until the cooldown elapses.
	StateOpen
	// StateHalfOpen lets a single probe call through to test recovery.
	StateHalfOpen
)

// String returns the state name for logging and metrics.
func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Default breaker configuration.
const (
	defaultFailureThreshold = 5
	defaultCooldown         = 30 * time.Second
)

// Breaker is a circuit breaker protecting calls to an upstream dependency.
// It opens after a threshold of consecutive failures, rejects calls while
// open, and allows a single probe once the cooldown elapses. A successful
// probe closes the circuit; a failed probe reopens it for another cooldown.
type Breaker struct {
	mu               sync.Mutex
	state            BreakerState
	failures         int
	failureThreshold int
	cooldown         time.Duration
	openedAt         time.Time
	probeInFlight    bool

	// onStateChange is invoked outside hot paths with the new state.
	onStateChange func(from, to BreakerState)

	// now is swappable in tests.
	now func() time.Time
}

// BreakerOption configures a Breaker.
type BreakerOption func(*Breaker)

// WithFailureThreshold sets how many consecutive failures open the circuit.
func WithFailureThreshold(n int) BreakerOption {
	return func(b *Breaker) {
		if n > 0 {
			b.failureThreshold = n
		}
	}
}

// WithCooldown sets how long the circuit stays open before probing.
func WithCooldown(d time.Duration) BreakerOption {
	return func(b *Breaker) {
		if d > 0 {
			b.cooldown = d
		}
	}
}

// WithStateChangeHook registers a callback for state transitions,
// used to feed metrics and logs.
func WithStateChangeHook(fn func(from, to BreakerState)) BreakerOption {
	return func(b *Breaker) {
		b.onStateChange = fn
	}
}

// withClock overrides the time source for tests.
func withClock(now func() time.Time) BreakerOption {
	return func(b *Breaker) {
		b.now = now
	}
}

// NewBreaker creates a circuit breaker in the closed state.
func NewBreaker(opts ...BreakerOption) *Breaker {
	b := &Breaker{
		state:            StateClosed,
		failureThreshold: defaultFailureThreshold,
		cooldown:         defaultCooldown,
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Allow reports whether a call may proceed. When the circuit is open and
// the cooldown has not elapsed, it returns false with the remaining
// cooldown. When the cooldown has elapsed it admits exactly one probe and
// transitions to half-open; concurrent callers are rejected until the
// probe reports its outcome.
func (b *Breaker) Allow() (bool, time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true, 0
	case StateOpen:
		remaining := b.cooldown - b.now().Sub(b.openedAt)
		if remaining > 0 {
			return false, remaining
		}
		b.transition(StateHalfOpen)
		b.probeInFlight = true
		return true, 0
	case StateHalfOpen:
		if b.probeInFlight {
			return false, b.cooldown
		}
		b.probeInFlight = true
		return true, 0
	}
	return false, b.cooldown
}

// RecordSuccess reports a successful call. In half-open state this closes
// the circuit; in closed state it resets the failure count.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	b.probeInFlight = false
	if b.state != StateClosed {
		b.transition(StateClosed)
	}
}

// RecordFailure reports a failed call. In closed state it increments the
// consecutive failure count and opens the circuit at the threshold; in
// half-open state the failed probe reopens the circuit for a full cooldown.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.probeInFlight = false

	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.failureThreshold {
			b.openedAt = b.now()
			b.transition(StateOpen)
		}
	case StateHalfOpen:
		b.openedAt = b.now()
		b.transition(StateOpen)
	case StateOpen:
		// Late failure reports from calls admitted before opening; ignore.
	}
}

// State returns the current breaker state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// transition must be called with b.mu held.
func (b *Breaker) transition(to BreakerState) {
	from := b.state
	b.state = to
	if from != to && b.onStateChange != nil {
		// Hook runs under the lock; implementations must not call back
		// into the breaker.
		b.onStateChange(from, to)
	}
}
