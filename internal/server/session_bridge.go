package server

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"sync"

	"github.com/agentgate/agentgate/internal/auth/session"
)

// ErrNoCredentials is returned when a request carries neither an
// Authorization header nor a session id.
var ErrNoCredentials = errors.New("no credentials provided")

// SessionBridge maps request credentials onto client sessions in the
// registry, so every connected MCP client has a tracked session moving
// through the connection state machine. The same credential always
// resolves to the same client id.
type SessionBridge struct {
	registry *session.Registry

	mu         sync.Mutex
	byClientID map[string]string // client id -> live session id
}

// NewSessionBridge creates a bridge over the given registry.
func NewSessionBridge(registry *session.Registry) *SessionBridge {
	return &SessionBridge{
		registry:   registry,
		byClientID: make(map[string]string),
	}
}

// ResolveClientID derives a stable client id from the request credentials.
func (b *SessionBridge) ResolveClientID(r *http.Request) (string, error) {
	credential := r.Header.Get("X-Session-ID")
	if credential == "" {
		credential = r.Header.Get("Authorization")
	}
	if credential == "" {
		return "", ErrNoCredentials
	}

	hash := sha256.Sum256([]byte(credential))
	return hex.EncodeToString(hash[:16]), nil
}

// Track ensures the request's client has a live, authenticated session in
// the registry and records activity on it. It must run after the auth
// middleware: unauthenticated requests never reach it.
func (b *SessionBridge) Track(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clientID, err := b.ResolveClientID(r)
		if err == nil {
			b.touch(r, clientID)
		}
		next.ServeHTTP(w, r)
	})
}

// touch finds or creates the client's session and marks activity on it.
func (b *SessionBridge) touch(r *http.Request, clientID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sessionID, ok := b.byClientID[clientID]; ok {
		if s, err := b.registry.Get(sessionID); err == nil && s.IsActive() {
			s.UpdateActivity()
			return
		}
		// Session expired or was disconnected; fall through and recreate.
		delete(b.byClientID, clientID)
	}

	metadata := map[string]string{
		"user_agent": r.UserAgent(),
	}
	s, err := b.registry.Create(clientID, "streamable-http", 0, metadata)
	if err != nil {
		return
	}
	if err := b.registry.Connect(s.ID()); err != nil {
		return
	}

	var capabilities []string
	if identity := IdentityFromContext(r.Context()); identity != nil {
		capabilities = identity.Permissions
	}
	if err := b.registry.Authenticate(s.ID(), nil, capabilities); err != nil {
		return
	}

	b.byClientID[clientID] = s.ID()
}

// Disconnect removes the client's session from the registry.
func (b *SessionBridge) Disconnect(clientID, reason string) {
	b.mu.Lock()
	sessionID, ok := b.byClientID[clientID]
	delete(b.byClientID, clientID)
	b.mu.Unlock()

	if ok {
		_ = b.registry.Disconnect(sessionID, reason)
	}
}

// Stop clears the bridge's bookkeeping. The registry itself is owned by
// the server context and stopped there.
func (b *SessionBridge) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.byClientID = make(map[string]string)
}
