package auth

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentgate/agentgate/internal/auth/autherr"
	"github.com/agentgate/agentgate/internal/logging"
)

// UserSession binds an authenticated identity to its current tokens and
// permission set.
type UserSession struct {
	ID             string    `json:"id"`
	UserID         string    `json:"user_id"`
	Email          string    `json:"email"`
	Name           string    `json:"name"`
	ApplicationID  string    `json:"application_id"`
	AccessTokenID  string    `json:"-"`
	RefreshTokenID string    `json:"-"` // empty when the provider issued no refresh token
	Permissions    []string  `json:"permissions"`
	CreatedAt      time.Time `json:"created_at"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// Expired reports whether the user session has passed its expiry.
func (s *UserSession) Expired() bool {
	return time.Now().After(s.ExpiresAt)
}

// HasPermission reports whether the session carries the permission string.
func (s *UserSession) HasPermission(perm string) bool {
	for _, p := range s.Permissions {
		if p == perm {
			return true
		}
	}
	return false
}

// clone returns an independent copy so callers never share mutable state
// with the store.
func (s *UserSession) clone() *UserSession {
	c := *s
	c.Permissions = append([]string(nil), s.Permissions...)
	return &c
}

const (
	// DefaultUserSessionTTL is the lifetime of an authenticated identity
	// record before the user must log in again.
	DefaultUserSessionTTL = 24 * time.Hour

	// DefaultMaxConcurrentSessions caps live user sessions per user id.
	DefaultMaxConcurrentSessions = 5
)

// UserSessions stores authenticated identity records with a per-user
// concurrency cap. Lookups hand out copies; the stored record is only
// ever mutated under the store lock, so callers can read what they got
// back without further synchronization.
type UserSessions struct {
	mu       sync.RWMutex
	sessions map[string]*UserSession
	byUser   map[string][]string // user id -> session ids

	ttl        time.Duration
	maxPerUser int
	countHook  func(delta int)
	logger     *slog.Logger
}

// UserSessionsOption configures a UserSessions store.
type UserSessionsOption func(*UserSessions)

// WithUserSessionTTL sets the session lifetime.
func WithUserSessionTTL(d time.Duration) UserSessionsOption {
	return func(u *UserSessions) {
		if d > 0 {
			u.ttl = d
		}
	}
}

// WithMaxConcurrentSessions caps live sessions per user.
func WithMaxConcurrentSessions(n int) UserSessionsOption {
	return func(u *UserSessions) {
		if n > 0 {
			u.maxPerUser = n
		}
	}
}

// WithUserSessionHook registers a callback invoked with +1 for every
// session created and -1 for every session removed or pruned. The hook
// runs under the store lock and must not call back into the store.
func WithUserSessionHook(fn func(delta int)) UserSessionsOption {
	return func(u *UserSessions) {
		u.countHook = fn
	}
}

// NewUserSessions creates an empty user-session store.
func NewUserSessions(logger *slog.Logger, opts ...UserSessionsOption) *UserSessions {
	if logger == nil {
		logger = slog.Default()
	}
	u := &UserSessions{
		sessions:   make(map[string]*UserSession),
		byUser:     make(map[string][]string),
		ttl:        DefaultUserSessionTTL,
		maxPerUser: DefaultMaxConcurrentSessions,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// Create stores a new user session, enforcing the per-user cap. Expired
// sessions do not count against the cap and are dropped on the way.
func (u *UserSessions) Create(userID, email, name, applicationID, accessTokenID, refreshTokenID string, permissions []string) (*UserSession, error) {
	if userID == "" {
		return nil, autherr.New(autherr.CodeInvalidRequest, "user id is required")
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	live := u.pruneExpiredLocked(userID)
	if len(live) >= u.maxPerUser {
		return nil, autherr.Newf(autherr.CodeSessionLimitExceeded,
			"user has %d concurrent sessions (limit %d)", len(live), u.maxPerUser)
	}

	now := time.Now()
	s := &UserSession{
		ID:             uuid.NewString(),
		UserID:         userID,
		Email:          email,
		Name:           name,
		ApplicationID:  applicationID,
		AccessTokenID:  accessTokenID,
		RefreshTokenID: refreshTokenID,
		Permissions:    append([]string(nil), permissions...),
		CreatedAt:      now,
		ExpiresAt:      now.Add(u.ttl),
	}

	u.sessions[s.ID] = s
	u.byUser[userID] = append(live, s.ID)
	if u.countHook != nil {
		u.countHook(1)
	}

	u.logger.Info("created user session",
		logging.Session(s.ID),
		logging.UserHash(userID),
		logging.Application(applicationID))
	return s.clone(), nil
}

// Get returns a copy of the user session for the given id. Mutating the
// returned value does not affect the stored record.
func (u *UserSessions) Get(sessionID string) (*UserSession, error) {
	u.mu.RLock()
	defer u.mu.RUnlock()

	s, ok := u.sessions[sessionID]
	if !ok {
		return nil, autherr.New(autherr.CodeSessionNotFound, "session not found")
	}
	return s.clone(), nil
}

// UpdateTokens rebinds a session to a new access token after a refresh.
func (u *UserSessions) UpdateTokens(sessionID, accessTokenID string) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	s, ok := u.sessions[sessionID]
	if !ok {
		return autherr.New(autherr.CodeSessionNotFound, "session not found")
	}
	s.AccessTokenID = accessTokenID
	return nil
}

// Remove deletes a session. Removing an absent session is a no-op.
func (u *UserSessions) Remove(sessionID string) {
	u.mu.Lock()
	defer u.mu.Unlock()

	s, ok := u.sessions[sessionID]
	if !ok {
		return
	}
	delete(u.sessions, sessionID)
	if u.countHook != nil {
		u.countHook(-1)
	}

	ids := u.byUser[s.UserID]
	for i, id := range ids {
		if id == sessionID {
			u.byUser[s.UserID] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(u.byUser[s.UserID]) == 0 {
		delete(u.byUser, s.UserID)
	}
}

// Count returns the number of live user sessions.
func (u *UserSessions) Count() int {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return len(u.sessions)
}

// pruneExpiredLocked drops expired sessions for a user and returns the
// surviving session ids. Caller holds the write lock.
func (u *UserSessions) pruneExpiredLocked(userID string) []string {
	var live []string
	for _, id := range u.byUser[userID] {
		s, ok := u.sessions[id]
		if !ok {
			continue
		}
		if s.Expired() {
			delete(u.sessions, id)
			if u.countHook != nil {
				u.countHook(-1)
			}
			continue
		}
		live = append(live, id)
	}
	if live == nil {
		delete(u.byUser, userID)
	} else {
		u.byUser[userID] = live
	}
	return live
}
