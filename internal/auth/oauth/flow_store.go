package oauth

import (
	"crypto/subtle"
	"log/slog"
	"sync"
	"time"

	"github.com/agentgate/agentgate/internal/auth/autherr"
	"github.com/agentgate/agentgate/internal/logging"
)

// sweepSafetyMargin keeps states resolvable briefly past expiry; Consume
// judges expiry itself, so the sweep only has to reclaim memory and never
// needs to cut it close.
const sweepSafetyMargin = 5 * time.Second

// FlowStore holds in-flight authorization states. States are single-use:
// Consume removes the entry atomically with the lookup so a replayed
// callback can never match twice.
type FlowStore struct {
	mu     sync.RWMutex
	states map[string]*AuthorizationState

	done     chan struct{}
	stopOnce sync.Once
	logger   *slog.Logger
}

// NewFlowStore creates a flow store and starts its sweep goroutine.
func NewFlowStore(logger *slog.Logger) *FlowStore {
	if logger == nil {
		logger = slog.Default()
	}

	s := &FlowStore{
		states: make(map[string]*AuthorizationState),
		done:   make(chan struct{}),
		logger: logger,
	}

	go s.sweepLoop()

	return s
}

// Stop terminates the sweep goroutine.
func (s *FlowStore) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
	})
}

// Save records an in-flight authorization state.
func (s *FlowStore) Save(state *AuthorizationState) error {
	if state == nil || state.State == "" {
		return autherr.New(autherr.CodeInvalidRequest, "authorization state is required")
	}

	s.mu.Lock()
	s.states[state.State] = state
	s.mu.Unlock()

	s.logger.Debug("saved authorization state",
		logging.Application(state.ApplicationID),
		slog.Time("expires_at", state.ExpiresAt))
	return nil
}

// Consume looks up and deletes the state in one atomic step. A missing,
// expired, or mismatched state fails with STATE_MISMATCH; the comparison
// is constant-time so timing cannot distinguish near-misses.
func (s *FlowStore) Consume(presented string) (*AuthorizationState, error) {
	if presented == "" {
		return nil, autherr.New(autherr.CodeStateMismatch, "missing state parameter")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.states[presented]
	if !ok {
		return nil, autherr.New(autherr.CodeStateMismatch, "unknown or already used state")
	}
	if subtle.ConstantTimeCompare([]byte(state.State), []byte(presented)) != 1 {
		return nil, autherr.New(autherr.CodeStateMismatch, "state parameter mismatch")
	}

	// Delete before the expiry check: an expired state is just as spent.
	delete(s.states, presented)

	if state.Expired() {
		return nil, autherr.New(autherr.CodeStateMismatch, "authorization state expired")
	}

	s.logger.Debug("consumed authorization state",
		logging.Application(state.ApplicationID))
	return state, nil
}

// Len returns the number of in-flight states.
func (s *FlowStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.states)
}

func (s *FlowStore) sweepLoop() {
	ticker := time.NewTicker(StateSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.sweepExpired()
		}
	}
}

func (s *FlowStore) sweepExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-sweepSafetyMargin)
	deleted := 0
	for key, state := range s.states {
		if state.ExpiresAt.Before(cutoff) {
			delete(s.states, key)
			deleted++
		}
	}

	if deleted > 0 {
		s.logger.Debug("swept expired authorization states", slog.Int("deleted", deleted))
	}
}
