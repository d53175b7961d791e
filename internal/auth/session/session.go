package session

import (
	"sync"
	"time"

	"github.com/agentgate/agentgate/internal/auth/autherr"
)

// State is a client-session lifecycle state.
type State string

const (
	StateConnecting    State = "CONNECTING"
	StateConnected     State = "CONNECTED"
	StateAuthenticated State = "AUTHENTICATED"
	StateDisconnecting State = "DISCONNECTING"
	StateError         State = "ERROR"
	StateDisconnected  State = "DISCONNECTED"
)

// validTransitions is the complete transition table. DISCONNECTED is
// terminal; anything not listed here is rejected.
var validTransitions = map[State][]State{
	StateConnecting:    {StateConnected, StateDisconnecting, StateError},
	StateConnected:     {StateAuthenticated, StateDisconnecting, StateError},
	StateAuthenticated: {StateDisconnecting, StateError},
	StateDisconnecting: {StateDisconnected, StateError},
	StateError:         {StateDisconnected},
	StateDisconnected:  {},
}

// canTransition reports whether from -> to is a legal move.
func canTransition(from, to State) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// ClientSession is one live client connection. All state mutations go
// through transition(), guarded by the session's own mutex so concurrent
// requests cannot race past validation.
type ClientSession struct {
	mu sync.Mutex

	id           string
	clientID     string
	transport    string
	state        State
	createdAt    time.Time
	lastActivity time.Time
	timeout      time.Duration
	metadata     map[string]string
	capabilities []string
	authData     map[string]string

	requestCount  int64
	toolCallCount int64

	// expiryTimer fires when the session has been inactive for its full
	// timeout; it is reset on every activity update.
	expiryTimer *time.Timer
}

// ID returns the session identifier.
func (s *ClientSession) ID() string { return s.id }

// ClientID returns the owning client identifier.
func (s *ClientSession) ClientID() string { return s.clientID }

// Transport returns the transport label the session arrived on.
func (s *ClientSession) Transport() string { return s.transport }

// State returns the current lifecycle state.
func (s *ClientSession) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// CreatedAt returns the session creation time.
func (s *ClientSession) CreatedAt() time.Time { return s.createdAt }

// LastActivity returns the time of the last recorded activity.
func (s *ClientSession) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Metadata returns a copy of the session metadata.
func (s *ClientSession) Metadata() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.metadata))
	for k, v := range s.metadata {
		out[k] = v
	}
	return out
}

// Capabilities returns the tool-capability set granted at authentication.
func (s *ClientSession) Capabilities() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.capabilities...)
}

// Counters returns the request and tool-call counts.
func (s *ClientSession) Counters() (requests, toolCalls int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requestCount, s.toolCallCount
}

// transition validates and applies a state change under the session lock.
func (s *ClientSession) transition(to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transitionLocked(to)
}

func (s *ClientSession) transitionLocked(to State) error {
	if !canTransition(s.state, to) {
		return autherr.Newf(autherr.CodeInvalidTransition,
			"cannot transition session from %s to %s", s.state, to)
	}
	s.state = to
	return nil
}

// Connect moves the session from CONNECTING to CONNECTED.
func (s *ClientSession) Connect() error {
	if err := s.transition(StateConnected); err != nil {
		return err
	}
	s.UpdateActivity()
	return nil
}

// Authenticate moves the session to AUTHENTICATED, binding auth data and
// the granted capability set.
func (s *ClientSession) Authenticate(authData map[string]string, capabilities []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.transitionLocked(StateAuthenticated); err != nil {
		return err
	}
	s.authData = authData
	s.capabilities = append([]string(nil), capabilities...)
	s.lastActivity = time.Now()
	s.resetTimerLocked()
	return nil
}

// UpdateActivity resets the inactivity clock. Called on every inbound
// message and every completed tool call.
func (s *ClientSession) UpdateActivity() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = time.Now()
	s.requestCount++
	s.resetTimerLocked()
}

// RecordToolCall counts a completed tool call as activity.
func (s *ClientSession) RecordToolCall() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = time.Now()
	s.toolCallCount++
	s.resetTimerLocked()
}

func (s *ClientSession) resetTimerLocked() {
	if s.expiryTimer != nil {
		s.expiryTimer.Reset(s.timeout)
	}
}

// IsActive reports whether the session is in a live state.
func (s *ClientSession) IsActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateConnecting, StateConnected, StateAuthenticated:
		return true
	}
	return false
}

// IsExpired reports whether the session has been inactive past its timeout.
func (s *ClientSession) IsExpired() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastActivity) > s.timeout
}
