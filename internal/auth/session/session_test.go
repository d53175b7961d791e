package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentgate/agentgate/internal/auth/autherr"
)

func newSessionInState(t *testing.T, state State) *ClientSession {
	t.Helper()
	now := time.Now()
	return &ClientSession{
		id:           "s1",
		clientID:     "c1",
		state:        state,
		createdAt:    now,
		lastActivity: now,
		timeout:      time.Minute,
	}
}

func TestClientSession_TransitionTable(t *testing.T) {
	tests := []struct {
		from State
		to   State
		ok   bool
	}{
		{StateConnecting, StateConnected, true},
		{StateConnected, StateAuthenticated, true},
		{StateAuthenticated, StateDisconnecting, true},
		{StateDisconnecting, StateDisconnected, true},
		{StateConnecting, StateError, true},
		{StateConnected, StateError, true},
		{StateAuthenticated, StateError, true},
		{StateError, StateDisconnected, true},

		{StateConnecting, StateAuthenticated, false},
		{StateConnected, StateConnecting, false},
		{StateDisconnected, StateConnected, false},
		{StateDisconnected, StateConnecting, false},
		{StateDisconnected, StateError, false},
		{StateAuthenticated, StateConnected, false},
	}

	for _, tt := range tests {
		name := string(tt.from) + "->" + string(tt.to)
		t.Run(name, func(t *testing.T) {
			s := newSessionInState(t, tt.from)
			err := s.transition(tt.to)
			if tt.ok {
				assert.NoError(t, err)
				assert.Equal(t, tt.to, s.State())
			} else {
				assert.Equal(t, autherr.CodeInvalidTransition, autherr.CodeOf(err))
				assert.Equal(t, tt.from, s.State(), "failed transition must not mutate state")
			}
		})
	}
}

func TestClientSession_AuthenticateBindsCapabilities(t *testing.T) {
	s := newSessionInState(t, StateConnected)

	err := s.Authenticate(map[string]string{"user_id": "u1"}, []string{"tools:read"})
	require.NoError(t, err)

	assert.Equal(t, StateAuthenticated, s.State())
	assert.Equal(t, []string{"tools:read"}, s.Capabilities())
}

func TestClientSession_ActivityAndExpiry(t *testing.T) {
	s := newSessionInState(t, StateConnected)
	s.timeout = 20 * time.Millisecond

	assert.False(t, s.IsExpired())

	time.Sleep(30 * time.Millisecond)
	assert.True(t, s.IsExpired())

	s.UpdateActivity()
	assert.False(t, s.IsExpired(), "activity resets the inactivity clock")

	requests, toolCalls := s.Counters()
	assert.Equal(t, int64(1), requests)
	assert.Zero(t, toolCalls)

	s.RecordToolCall()
	_, toolCalls = s.Counters()
	assert.Equal(t, int64(1), toolCalls)
}

func TestClientSession_IsActive(t *testing.T) {
	for _, state := range []State{StateConnecting, StateConnected, StateAuthenticated} {
		assert.True(t, newSessionInState(t, state).IsActive(), string(state))
	}
	for _, state := range []State{StateDisconnecting, StateError, StateDisconnected} {
		assert.False(t, newSessionInState(t, state).IsActive(), string(state))
	}
}
