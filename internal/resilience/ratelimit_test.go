package resilience

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRateLimiter_AllowsBurstThenDenies(t *testing.T) {
	rl := NewRateLimiter(1, 3)
	defer rl.Stop()

	for i := 0; i < 3; i++ {
		assert.True(t, rl.Allow("app-1"), "request %d within burst should pass", i+1)
	}

	assert.False(t, rl.Allow("app-1"), "burst exhausted")
	assert.Greater(t, rl.RetryAfter("app-1").Seconds(), 0.0)
}

func TestRateLimiter_KeysAreIndependent(t *testing.T) {
	rl := NewRateLimiter(1, 1)
	defer rl.Stop()

	assert.True(t, rl.Allow("app-1"))
	assert.False(t, rl.Allow("app-1"))

	// A different key has its own bucket.
	assert.True(t, rl.Allow("app-2"))
}

func TestRateLimiter_RetryAfterZeroWhenTokensAvailable(t *testing.T) {
	rl := NewRateLimiter(10, 5)
	defer rl.Stop()

	assert.True(t, rl.Allow("app-1"))
	assert.Zero(t, rl.RetryAfter("app-1"))
}
