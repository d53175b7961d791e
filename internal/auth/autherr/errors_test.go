package autherr

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RecoverabilityByCode(t *testing.T) {
	tests := []struct {
		code        Code
		recoverable bool
	}{
		{CodeInvalidRequest, false},
		{CodeStateMismatch, false},
		{CodeAuthorizationFailed, false},
		{CodePermissionDenied, false},
		{CodeTokenExpired, true},
		{CodeTokenRevoked, true},
		{CodeSessionExpired, true},
		{CodeNetworkError, true},
		{CodeRateLimitExceeded, true},
		{CodeCircuitOpen, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			err := New(tt.code, "msg")
			assert.Equal(t, tt.recoverable, err.Recoverable)
		})
	}
}

func TestError_IsMatchesByCode(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", New(CodeStateMismatch, "state differs"))

	assert.True(t, errors.Is(err, &Error{Code: CodeStateMismatch}))
	assert.False(t, errors.Is(err, &Error{Code: CodeInvalidGrant}))
}

func TestWrap_PreservesCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(CodeNetworkError, "upstream unreachable", cause)

	assert.ErrorIs(t, err, cause)
	assert.NotContains(t, err.Error(), "connection refused")
}

func TestRateLimited_CarriesRetryAfter(t *testing.T) {
	err := RateLimited(2 * time.Second)

	assert.Equal(t, CodeRateLimitExceeded, err.Code)
	assert.Equal(t, 2*time.Second, err.RetryAfter)
	assert.True(t, err.Recoverable)
}

func TestPermissionDenied_CarriesBothSets(t *testing.T) {
	err := PermissionDenied([]string{"tools:write"}, []string{"tools:read"})

	require.NotNil(t, err.Details)
	assert.Equal(t, []string{"tools:write"}, err.Details["required"])
	assert.Equal(t, []string{"tools:read"}, err.Details["held"])
	assert.False(t, err.Recoverable)
}

func TestCodeOf(t *testing.T) {
	assert.Equal(t, CodeTokenExpired, CodeOf(New(CodeTokenExpired, "gone")))
	assert.Equal(t, CodeInternalError, CodeOf(errors.New("plain")))
}

func TestNormalize(t *testing.T) {
	t.Run("nil passes through", func(t *testing.T) {
		assert.Nil(t, Normalize(nil))
	})

	t.Run("typed errors pass through", func(t *testing.T) {
		orig := New(CodeSessionNotFound, "no such session")
		assert.Same(t, orig, Normalize(orig))
	})

	t.Run("plain errors become sanitized internal errors", func(t *testing.T) {
		norm := Normalize(errors.New("pq: password authentication failed"))
		assert.Equal(t, CodeInternalError, norm.Code)
		assert.NotContains(t, norm.Message, "password")
	})
}
