package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentgate/agentgate/internal/auth/autherr"
)

func TestUserSessions_CreateAndGet(t *testing.T) {
	u := NewUserSessions(nil)

	s, err := u.Create("u1", "u1@example.com", "Ada", "app-1", "at-1", "rt-1", []string{"read"})
	require.NoError(t, err)

	got, err := u.Get(s.ID)
	require.NoError(t, err)
	assert.Equal(t, "u1", got.UserID)
	assert.True(t, got.HasPermission("read"))
	assert.False(t, got.HasPermission("write"))
}

func TestUserSessions_EnforcesPerUserCap(t *testing.T) {
	u := NewUserSessions(nil, WithMaxConcurrentSessions(2))

	_, err := u.Create("u1", "", "", "app-1", "at-1", "", nil)
	require.NoError(t, err)
	_, err = u.Create("u1", "", "", "app-1", "at-2", "", nil)
	require.NoError(t, err)

	_, err = u.Create("u1", "", "", "app-1", "at-3", "", nil)
	assert.Equal(t, autherr.CodeSessionLimitExceeded, autherr.CodeOf(err))

	// A different user is unaffected.
	_, err = u.Create("u2", "", "", "app-1", "at-4", "", nil)
	assert.NoError(t, err)
}

func TestUserSessions_ExpiredSessionsDoNotCountAgainstCap(t *testing.T) {
	u := NewUserSessions(nil, WithMaxConcurrentSessions(1), WithUserSessionTTL(time.Millisecond))

	_, err := u.Create("u1", "", "", "app-1", "at-1", "", nil)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)

	_, err = u.Create("u1", "", "", "app-1", "at-2", "", nil)
	assert.NoError(t, err, "expired session must be pruned, not counted")
	assert.Equal(t, 1, u.Count())
}

func TestUserSessions_LookupsReturnIndependentCopies(t *testing.T) {
	u := NewUserSessions(nil)

	created, err := u.Create("u1", "u1@example.com", "Ada", "app-1", "at-1", "rt-1", []string{"read"})
	require.NoError(t, err)

	created.AccessTokenID = "scribbled"
	created.Permissions[0] = "scribbled"

	got, err := u.Get(created.ID)
	require.NoError(t, err)
	assert.Equal(t, "at-1", got.AccessTokenID, "mutating a returned session must not reach the store")
	assert.Equal(t, []string{"read"}, got.Permissions)

	// Rebinding the stored record must not reach through to held copies.
	require.NoError(t, u.UpdateTokens(created.ID, "at-2"))
	assert.Equal(t, "scribbled", created.AccessTokenID)

	rebound, err := u.Get(created.ID)
	require.NoError(t, err)
	assert.Equal(t, "at-2", rebound.AccessTokenID)
}

func TestUserSessions_CountHookTracksLifecycle(t *testing.T) {
	live := 0
	u := NewUserSessions(nil, WithUserSessionHook(func(delta int) { live += delta }))

	s, err := u.Create("u1", "", "", "app-1", "at-1", "", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, live)

	u.Remove(s.ID)
	assert.Zero(t, live)

	u.Remove(s.ID) // idempotent removal must not double-count
	assert.Zero(t, live)
}

func TestUserSessions_RemoveIsIdempotent(t *testing.T) {
	u := NewUserSessions(nil)

	s, err := u.Create("u1", "", "", "app-1", "at-1", "", nil)
	require.NoError(t, err)

	u.Remove(s.ID)
	u.Remove(s.ID)

	_, err = u.Get(s.ID)
	assert.Equal(t, autherr.CodeSessionNotFound, autherr.CodeOf(err))
	assert.Zero(t, u.Count())
}
