package session

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentgate/agentgate/internal/auth/autherr"
)

// eventRecorder collects lifecycle events for assertions.
type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) OnSessionEvent(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *eventRecorder) kinds() []EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventKind, len(r.events))
	for i, e := range r.events {
		out[i] = e.Kind
	}
	return out
}

func newTestRegistry(t *testing.T, opts ...RegistryOption) *Registry {
	t.Helper()
	opts = append(opts, WithSweepInterval(time.Hour)) // sweeps run manually in tests
	r := NewRegistry(opts...)
	t.Cleanup(r.Stop)
	return r
}

func TestRegistry_CreateAndLifecycle(t *testing.T) {
	rec := &eventRecorder{}
	r := newTestRegistry(t, WithObserver(rec))

	s, err := r.Create("client-1", "stdio", time.Minute, map[string]string{"ua": "test"})
	require.NoError(t, err)
	assert.Equal(t, StateConnecting, s.State())

	require.NoError(t, r.Connect(s.ID()))
	assert.Equal(t, StateConnected, s.State())

	require.NoError(t, r.Authenticate(s.ID(), map[string]string{"user_id": "u1"}, []string{"tools:read"}))
	assert.Equal(t, StateAuthenticated, s.State())

	require.NoError(t, r.Disconnect(s.ID(), "client quit"))
	assert.Equal(t, StateDisconnected, s.State())
	assert.Zero(t, r.Count())

	assert.Equal(t, []EventKind{EventConnected, EventAuthenticated, EventDisconnected}, rec.kinds())
}

func TestRegistry_EventChannelDeliversLifecycle(t *testing.T) {
	r := newTestRegistry(t)

	s, err := r.Create("client-1", "stdio", time.Minute, nil)
	require.NoError(t, err)
	require.NoError(t, r.Connect(s.ID()))
	require.NoError(t, r.Disconnect(s.ID(), "done"))

	var kinds []EventKind
	for i := 0; i < 2; i++ {
		select {
		case e := <-r.Events():
			kinds = append(kinds, e.Kind)
			assert.Equal(t, s.ID(), e.SessionID)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for lifecycle event")
		}
	}
	assert.Equal(t, []EventKind{EventConnected, EventDisconnected}, kinds)
}

func TestRegistry_EventChannelDropsWhenFull(t *testing.T) {
	r := newTestRegistry(t, WithEventBuffer(1), WithMultipleSessionsPerClient())

	// Nobody drains the channel; transitions past the buffer capacity must
	// not block.
	for i := 0; i < 5; i++ {
		s, err := r.Create("c1", "stdio", time.Minute, nil)
		require.NoError(t, err)
		require.NoError(t, r.Connect(s.ID()))
	}

	select {
	case e := <-r.Events():
		assert.Equal(t, EventConnected, e.Kind)
	default:
		t.Fatal("buffered event expected")
	}

	// Everything past the first buffered event was dropped.
	select {
	case e := <-r.Events():
		t.Fatalf("unexpected buffered event: %v", e.Kind)
	default:
	}
}

func TestRegistry_EnforcesGlobalCeiling(t *testing.T) {
	r := newTestRegistry(t, WithMaxSessions(2), WithMultipleSessionsPerClient())

	_, err := r.Create("c1", "stdio", time.Minute, nil)
	require.NoError(t, err)
	_, err = r.Create("c2", "stdio", time.Minute, nil)
	require.NoError(t, err)

	_, err = r.Create("c3", "stdio", time.Minute, nil)
	assert.Equal(t, autherr.CodeSessionLimitExceeded, autherr.CodeOf(err))
}

func TestRegistry_OneSessionPerClientByDefault(t *testing.T) {
	r := newTestRegistry(t)

	first, err := r.Create("c1", "stdio", time.Minute, nil)
	require.NoError(t, err)

	_, err = r.Create("c1", "stdio", time.Minute, nil)
	assert.Equal(t, autherr.CodeSessionLimitExceeded, autherr.CodeOf(err))

	// After disconnect the client may reconnect.
	require.NoError(t, r.ForceDisconnect(first.ID(), "test"))
	_, err = r.Create("c1", "stdio", time.Minute, nil)
	assert.NoError(t, err)
}

func TestRegistry_InvalidTransitionRejectedLoudly(t *testing.T) {
	r := newTestRegistry(t)

	s, err := r.Create("c1", "stdio", time.Minute, nil)
	require.NoError(t, err)

	// Authenticate before Connect skips CONNECTED and must fail.
	err = r.Authenticate(s.ID(), nil, nil)
	assert.Equal(t, autherr.CodeInvalidTransition, autherr.CodeOf(err))
	assert.Equal(t, StateConnecting, s.State())
}

func TestRegistry_SweepForceDisconnectsExpired(t *testing.T) {
	rec := &eventRecorder{}
	r := newTestRegistry(t, WithObserver(rec))

	s, err := r.Create("c1", "stdio", 10*time.Millisecond, nil)
	require.NoError(t, err)
	require.NoError(t, r.Connect(s.ID()))

	// Let the timer fire or the sweep catch it; either path removes it.
	assert.Eventually(t, func() bool {
		r.SweepExpired()
		return r.Count() == 0
	}, time.Second, 10*time.Millisecond)

	assert.Equal(t, StateDisconnected, s.State())

	kinds := rec.kinds()
	assert.Contains(t, kinds, EventDisconnected)
}

func TestRegistry_TimerDoesNotFireAfterActivity(t *testing.T) {
	r := newTestRegistry(t)

	s, err := r.Create("c1", "stdio", 50*time.Millisecond, nil)
	require.NoError(t, err)
	require.NoError(t, r.Connect(s.ID()))

	// Keep the session alive across several timeout windows.
	for i := 0; i < 4; i++ {
		time.Sleep(20 * time.Millisecond)
		s.UpdateActivity()
	}

	assert.Equal(t, 1, r.Count(), "active session must not be expired")
}

func TestRegistry_ForceDisconnectFromAnyState(t *testing.T) {
	r := newTestRegistry(t, WithMultipleSessionsPerClient())

	states := []func(s *ClientSession){
		func(s *ClientSession) {},                            // CONNECTING
		func(s *ClientSession) { _ = r.Connect(s.ID()) },     // CONNECTED
		func(s *ClientSession) { _ = r.MarkError(s.ID(), "x") }, // ERROR
	}

	for _, prepare := range states {
		s, err := r.Create("c1", "stdio", time.Minute, nil)
		require.NoError(t, err)
		prepare(s)

		require.NoError(t, r.ForceDisconnect(s.ID(), "shutdown"))
		assert.Equal(t, StateDisconnected, s.State())
	}
	assert.Zero(t, r.Count())
}

func TestRegistry_ConcurrentCreateRespectsCeiling(t *testing.T) {
	r := newTestRegistry(t, WithMaxSessions(10), WithMultipleSessionsPerClient())

	var wg sync.WaitGroup
	created := make(chan struct{}, 64)
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.Create("c1", "stdio", time.Minute, nil); err == nil {
				created <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(created)

	assert.Equal(t, 10, len(created))
	assert.Equal(t, 10, r.Count())
}
