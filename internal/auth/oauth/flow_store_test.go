package oauth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentgate/agentgate/internal/auth/autherr"
)

func stateFixture(state string, ttl time.Duration) *AuthorizationState {
	now := time.Now()
	return &AuthorizationState{
		State:         state,
		ApplicationID: "app-1",
		RedirectURI:   "https://app.example.com/callback",
		CreatedAt:     now,
		ExpiresAt:     now.Add(ttl),
	}
}

func TestFlowStore_ConsumeIsSingleUse(t *testing.T) {
	s := NewFlowStore(nil)
	defer s.Stop()

	require.NoError(t, s.Save(stateFixture("s1", time.Minute)))

	first, err := s.Consume("s1")
	require.NoError(t, err)
	assert.Equal(t, "app-1", first.ApplicationID)

	_, err = s.Consume("s1")
	assert.Equal(t, autherr.CodeStateMismatch, autherr.CodeOf(err), "second use must be rejected")
}

func TestFlowStore_ConsumeUnknownState(t *testing.T) {
	s := NewFlowStore(nil)
	defer s.Stop()

	_, err := s.Consume("never-issued")
	assert.Equal(t, autherr.CodeStateMismatch, autherr.CodeOf(err))

	_, err = s.Consume("")
	assert.Equal(t, autherr.CodeStateMismatch, autherr.CodeOf(err))
}

func TestFlowStore_ConsumeExpiredState(t *testing.T) {
	s := NewFlowStore(nil)
	defer s.Stop()

	require.NoError(t, s.Save(stateFixture("stale", -time.Minute)))

	_, err := s.Consume("stale")
	assert.Equal(t, autherr.CodeStateMismatch, autherr.CodeOf(err))
	assert.Zero(t, s.Len(), "expired state is spent on the failed consume")
}

func TestFlowStore_SweepRemovesExpired(t *testing.T) {
	s := NewFlowStore(nil)
	defer s.Stop()

	require.NoError(t, s.Save(stateFixture("stale", -time.Minute)))
	require.NoError(t, s.Save(stateFixture("live", time.Minute)))

	s.sweepExpired()

	assert.Equal(t, 1, s.Len())
	_, err := s.Consume("live")
	assert.NoError(t, err)
}

func TestFlowStore_SweepHonorsSafetyMargin(t *testing.T) {
	s := NewFlowStore(nil)
	defer s.Stop()

	// Expired a moment ago, still within the margin: the sweep leaves it,
	// and Consume still rejects it.
	require.NoError(t, s.Save(stateFixture("edge", -time.Second)))

	s.sweepExpired()
	assert.Equal(t, 1, s.Len())

	_, err := s.Consume("edge")
	assert.Equal(t, autherr.CodeStateMismatch, autherr.CodeOf(err))
	assert.Zero(t, s.Len())
}
