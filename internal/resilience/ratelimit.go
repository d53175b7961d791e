package resilience

import (
	"sync"
	"time"
)

// RateLimiter implements a token bucket rate limiter per key. Keys are
// typically application IDs or client identities; each key gets an
// independent bucket refilled at a fixed rate.
type RateLimiter struct {
	mu       sync.RWMutex
	limiters map[string]*bucket
	rate     float64       // tokens per second
	burst    int           // max burst size
	cleanup  time.Duration // cleanup interval for inactive limiters
	done     chan struct{}
	stopOnce sync.Once
}

// bucket represents a token bucket for a single key.
type bucket struct {
	tokens     float64
	lastUpdate time.Time
	mu         sync.Mutex
}

// NewRateLimiter creates a new rate limiter.
// rate: tokens per second, burst: maximum burst size.
func NewRateLimiter(rate float64, burst int) *RateLimiter {
	rl := &RateLimiter{
		limiters: make(map[string]*bucket),
		rate:     rate,
		burst:    burst,
		cleanup:  5 * time.Minute,
		done:     make(chan struct{}),
	}

	go rl.cleanupInactiveLimiters()

	return rl
}

// Allow checks if a request for the given key should be allowed.
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.RLock()
	b, exists := rl.limiters[key]
	rl.mu.RUnlock()

	if !exists {
		rl.mu.Lock()
		// Re-check under write lock; another goroutine may have created it.
		b, exists = rl.limiters[key]
		if !exists {
			b = &bucket{
				tokens:     float64(rl.burst),
				lastUpdate: time.Now(),
			}
			rl.limiters[key] = b
		}
		rl.mu.Unlock()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(b.lastUpdate).Seconds()

	// Add tokens based on elapsed time
	b.tokens += elapsed * rl.rate
	if b.tokens > float64(rl.burst) {
		b.tokens = float64(rl.burst)
	}
	b.lastUpdate = now

	if b.tokens >= 1 {
		b.tokens--
		return true
	}

	return false
}

// RetryAfter estimates how long the caller must wait for the next token
// for the given key. Returns zero if a token is already available.
func (rl *RateLimiter) RetryAfter(key string) time.Duration {
	rl.mu.RLock()
	b, exists := rl.limiters[key]
	rl.mu.RUnlock()

	if !exists || rl.rate <= 0 {
		return 0
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	tokens := b.tokens + now.Sub(b.lastUpdate).Seconds()*rl.rate
	if tokens >= 1 {
		return 0
	}
	return time.Duration((1 - tokens) / rl.rate * float64(time.Second))
}

// Stop terminates the cleanup goroutine. The limiter remains usable but
// stops reclaiming inactive buckets.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() {
		close(rl.done)
	})
}

// cleanupInactiveLimiters removes buckets that haven't been used recently.
func (rl *RateLimiter) cleanupInactiveLimiters() {
	ticker := time.NewTicker(rl.cleanup)
	defer ticker.Stop()

	for {
		select {
		case <-rl.done:
			return
		case <-ticker.C:
			rl.mu.Lock()
			now := time.Now()
			for key, b := range rl.limiters {
				b.mu.Lock()
				if now.Sub(b.lastUpdate) > 10*time.Minute {
					delete(rl.limiters, key)
				}
				b.mu.Unlock()
			}
			rl.mu.Unlock()
		}
	}
}
