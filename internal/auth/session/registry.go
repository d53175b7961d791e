package session

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentgate/agentgate/internal/auth/autherr"
	"github.com/agentgate/agentgate/internal/logging"
)

const (
	// DefaultSessionTimeout is the inactivity window before a session is
	// force-disconnected.
	DefaultSessionTimeout = 30 * time.Minute

	// DefaultMaxSessions is the global concurrent-session ceiling.
	DefaultMaxSessions = 1000

	// DefaultSweepInterval is the backstop scan for sessions whose expiry
	// timer was lost (e.g. after process resume).
	DefaultSweepInterval = 60 * time.Second

	// DefaultEventBuffer is the capacity of the lifecycle event channel.
	DefaultEventBuffer = 64
)

// Registry owns all live client sessions. It is an explicitly
// constructed instance with defined teardown so multiple independent
// servers can coexist in one process.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*ClientSession
	byClient map[string]string // client id -> session id, when uniqueness enforced

	maxSessions      int
	allowMultiPerKey bool
	defaultTimeout   time.Duration

	observers   []Observer
	events      chan Event
	eventBuffer int

	sweepInterval time.Duration
	done          chan struct{}
	stopOnce      sync.Once
	logger        *slog.Logger
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithMaxSessions sets the global concurrent-session ceiling.
func WithMaxSessions(n int) RegistryOption {
	return func(r *Registry) {
		if n > 0 {
			r.maxSessions = n
		}
	}
}

// WithDefaultTimeout sets the inactivity timeout applied when a session
// is created without one.
func WithDefaultTimeout(d time.Duration) RegistryOption {
	return func(r *Registry) {
		if d > 0 {
			r.defaultTimeout = d
		}
	}
}

// WithMultipleSessionsPerClient allows a client id to hold more than one
// live session.
func WithMultipleSessionsPerClient() RegistryOption {
	return func(r *Registry) {
		r.allowMultiPerKey = true
	}
}

// WithSweepInterval sets the backstop sweep cadence.
func WithSweepInterval(d time.Duration) RegistryOption {
	return func(r *Registry) {
		if d > 0 {
			r.sweepInterval = d
		}
	}
}

// WithEventBuffer sets the capacity of the lifecycle event channel.
func WithEventBuffer(n int) RegistryOption {
	return func(r *Registry) {
		if n > 0 {
			r.eventBuffer = n
		}
	}
}

// WithObserver registers a lifecycle event observer.
func WithObserver(o Observer) RegistryOption {
	return func(r *Registry) {
		if o != nil {
			r.observers = append(r.observers, o)
		}
	}
}

// WithRegistryLogger sets the registry's logger.
func WithRegistryLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRegistry creates a registry and starts its backstop sweep.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		sessions:       make(map[string]*ClientSession),
		byClient:       make(map[string]string),
		maxSessions:    DefaultMaxSessions,
		defaultTimeout: DefaultSessionTimeout,
		eventBuffer:    DefaultEventBuffer,
		sweepInterval:  DefaultSweepInterval,
		done:           make(chan struct{}),
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.events = make(chan Event, r.eventBuffer)

	go r.sweepLoop()

	return r
}

// Stop terminates the sweep and stops every session's expiry timer.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() {
		close(r.done)

		r.mu.Lock()
		defer r.mu.Unlock()
		for _, s := range r.sessions {
			s.mu.Lock()
			if s.expiryTimer != nil {
				s.expiryTimer.Stop()
			}
			s.mu.Unlock()
		}
	})
}

// Create registers a new session in CONNECTING state. It enforces the
// global ceiling and, unless configured otherwise, one live session per
// client id.
func (r *Registry) Create(clientID, transport string, timeout time.Duration, metadata map[string]string) (*ClientSession, error) {
	if clientID == "" {
		return nil, autherr.New(autherr.CodeInvalidRequest, "client id is required")
	}
	if timeout <= 0 {
		timeout = r.defaultTimeout
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.sessions) >= r.maxSessions {
		return nil, autherr.Newf(autherr.CodeSessionLimitExceeded,
			"session ceiling of %d reached", r.maxSessions)
	}
	if !r.allowMultiPerKey {
		if existing, ok := r.byClient[clientID]; ok {
			if s, live := r.sessions[existing]; live && s.IsActive() {
				return nil, autherr.New(autherr.CodeSessionLimitExceeded,
					"client already has an active session")
			}
		}
	}

	now := time.Now()
	s := &ClientSession{
		id:           uuid.NewString(),
		clientID:     clientID,
		transport:    transport,
		state:        StateConnecting,
		createdAt:    now,
		lastActivity: now,
		timeout:      timeout,
		metadata:     metadata,
	}

	// Independent expiry timer per session; the registry sweep is only a
	// backstop for lost timer callbacks.
	s.expiryTimer = time.AfterFunc(timeout, func() {
		r.expireSession(s.id)
	})

	r.sessions[s.id] = s
	r.byClient[clientID] = s.id

	r.logger.Info("created session",
		logging.Session(s.id),
		logging.Client(clientID),
		slog.String("transport", transport),
		slog.Duration("timeout", timeout))
	return s, nil
}

// Get returns the session for the given id.
func (r *Registry) Get(sessionID string) (*ClientSession, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return nil, autherr.New(autherr.CodeSessionNotFound, "session not found")
	}
	return s, nil
}

// Connect drives the session to CONNECTED and notifies observers.
func (r *Registry) Connect(sessionID string) error {
	s, err := r.Get(sessionID)
	if err != nil {
		return err
	}
	if err := s.Connect(); err != nil {
		return err
	}
	r.publish(Event{Kind: EventConnected, SessionID: s.id, ClientID: s.clientID, At: time.Now()})
	return nil
}

// Authenticate drives the session to AUTHENTICATED with its capability set.
func (r *Registry) Authenticate(sessionID string, authData map[string]string, capabilities []string) error {
	s, err := r.Get(sessionID)
	if err != nil {
		return err
	}
	if err := s.Authenticate(authData, capabilities); err != nil {
		return err
	}
	r.publish(Event{Kind: EventAuthenticated, SessionID: s.id, ClientID: s.clientID, At: time.Now()})
	return nil
}

// Disconnect drives the session through DISCONNECTING to DISCONNECTED and
// removes it from the registry.
func (r *Registry) Disconnect(sessionID, reason string) error {
	s, err := r.Get(sessionID)
	if err != nil {
		return err
	}

	if err := s.transition(StateDisconnecting); err != nil {
		return err
	}
	if err := s.transition(StateDisconnected); err != nil {
		return err
	}

	r.remove(s)
	r.publish(Event{Kind: EventDisconnected, SessionID: s.id, ClientID: s.clientID, Reason: reason, At: time.Now()})

	r.logger.Info("disconnected session",
		logging.Session(s.id),
		slog.String("reason", reason))
	return nil
}

// ForceDisconnect tears a session down regardless of its current state,
// routing through ERROR when a graceful transition is not legal.
func (r *Registry) ForceDisconnect(sessionID, reason string) error {
	s, err := r.Get(sessionID)
	if err != nil {
		return err
	}

	// Force path bypasses the table: every state may reach DISCONNECTED
	// through DISCONNECTING or ERROR, so jump straight to terminal.
	s.mu.Lock()
	s.state = StateDisconnected
	s.mu.Unlock()

	r.remove(s)
	r.publish(Event{Kind: EventDisconnected, SessionID: s.id, ClientID: s.clientID, Reason: reason, At: time.Now()})

	r.logger.Warn("force-disconnected session",
		logging.Session(s.id),
		slog.String("reason", reason))
	return nil
}

// MarkError moves the session to ERROR after a fatal transport failure.
// The session stays resolvable until disconnected.
func (r *Registry) MarkError(sessionID, reason string) error {
	s, err := r.Get(sessionID)
	if err != nil {
		return err
	}
	if err := s.transition(StateError); err != nil {
		return err
	}
	r.publish(Event{Kind: EventErrored, SessionID: s.id, ClientID: s.clientID, Reason: reason, At: time.Now()})
	return nil
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Sessions returns a snapshot of all live sessions.
func (r *Registry) Sessions() []*ClientSession {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*ClientSession, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// SweepExpired force-disconnects every expired session and returns how
// many were removed. Runs on the sweep interval and callable directly.
func (r *Registry) SweepExpired() int {
	// Snapshot first; ForceDisconnect takes the write lock per session.
	candidates := r.Sessions()

	removed := 0
	for _, s := range candidates {
		if s.IsExpired() {
			if err := r.ForceDisconnect(s.id, "timeout"); err == nil {
				removed++
				r.publish(Event{Kind: EventExpired, SessionID: s.id, ClientID: s.clientID, Reason: "timeout", At: time.Now()})
			}
		}
	}

	if removed > 0 {
		r.logger.Info("swept expired sessions", slog.Int("removed", removed))
	}
	return removed
}

// expireSession is the timer callback: re-check expiry since activity may
// have arrived after the timer fired but before we ran.
func (r *Registry) expireSession(sessionID string) {
	s, err := r.Get(sessionID)
	if err != nil {
		return
	}
	if !s.IsExpired() {
		return
	}
	if err := r.ForceDisconnect(sessionID, "timeout"); err == nil {
		r.publish(Event{Kind: EventExpired, SessionID: s.id, ClientID: s.clientID, Reason: "timeout", At: time.Now()})
	}
}

func (r *Registry) remove(s *ClientSession) {
	s.mu.Lock()
	if s.expiryTimer != nil {
		s.expiryTimer.Stop()
	}
	s.mu.Unlock()

	r.mu.Lock()
	delete(r.sessions, s.id)
	if r.byClient[s.clientID] == s.id {
		delete(r.byClient, s.clientID)
	}
	r.mu.Unlock()
}

// Events returns the registry's lifecycle event stream. Delivery is
// best-effort: when the buffer is full the event is dropped rather than
// blocking a state transition. The channel is never closed.
func (r *Registry) Events() <-chan Event {
	return r.events
}

func (r *Registry) publish(e Event) {
	for _, o := range r.observers {
		o.OnSessionEvent(e)
	}

	select {
	case r.events <- e:
	default:
		r.logger.Debug("dropped session event, consumer too slow",
			slog.String("kind", string(e.Kind)),
			logging.Session(e.SessionID))
	}
}

func (r *Registry) sweepLoop() {
	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			r.SweepExpired()
		}
	}
}
