package token

import (
	"log/slog"
	"sync"
	"time"

	"github.com/agentgate/agentgate/internal/auth/autherr"
)

// Store is the keyed storage contract for tokens. Get returns the stored
// value even if logically expired; expiry is judged by the caller, except
// CleanupExpiredTokens which purges anything past its expiry. All methods
// are safe for concurrent use.
type Store interface {
	StoreAccessToken(token *AccessToken) error
	GetAccessToken(id string) (*AccessToken, bool)
	GetAccessTokenByValue(value string) (*AccessToken, bool)
	RemoveAccessToken(id string) error
	StoreRefreshToken(token *RefreshToken) error
	GetRefreshToken(id string) (*RefreshToken, bool)
	RemoveRefreshToken(id string) error
	TokensForUser(userID string) ([]*AccessToken, []*RefreshToken)
	CleanupExpiredTokens() int
	Stats() Stats
}

// Stats reports store sizes for observability.
type Stats struct {
	AccessTokens  int
	RefreshTokens int
}

// sweepSafetyMargin keeps entries retrievable briefly past expiry so an
// in-flight request that already passed its own expiry check is not
// pulled out from under it by the sweep.
const sweepSafetyMargin = 5 * time.Second

// MemoryStore is the in-memory Store implementation. A background sweep
// purges expired entries on a fixed interval until Stop is called.
type MemoryStore struct {
	mu            sync.RWMutex
	accessTokens  map[string]*AccessToken
	accessByValue map[string]string // token value -> token id
	refreshTokens map[string]*RefreshToken

	sweepInterval time.Duration
	sweepHook     func(removed int)
	done          chan struct{}
	stopOnce      sync.Once
	logger        *slog.Logger
}

// NewMemoryStore creates an in-memory store with the default sweep interval.
func NewMemoryStore(logger *slog.Logger) *MemoryStore {
	return NewMemoryStoreWithInterval(logger, 30*time.Minute)
}

// NewMemoryStoreWithInterval creates an in-memory store with a custom sweep interval.
func NewMemoryStoreWithInterval(logger *slog.Logger, sweepInterval time.Duration) *MemoryStore {
	if logger == nil {
		logger = slog.Default()
	}
	s := &MemoryStore{
		accessTokens:  make(map[string]*AccessToken),
		accessByValue: make(map[string]string),
		refreshTokens: make(map[string]*RefreshToken),
		sweepInterval: sweepInterval,
		done:          make(chan struct{}),
		logger:        logger,
	}

	go s.sweepLoop()

	return s
}

// SetSweepHook registers a callback invoked with the number of tokens an
// expiry sweep removed. Set it before the store sees concurrent use.
func (s *MemoryStore) SetSweepHook(fn func(removed int)) {
	s.sweepHook = fn
}

// Stop terminates the background sweep. The store remains usable.
func (s *MemoryStore) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
	})
}

// StoreAccessToken upserts an access token keyed by its ID.
func (s *MemoryStore) StoreAccessToken(token *AccessToken) error {
	if token == nil {
		return autherr.New(autherr.CodeInvalidRequest, "token cannot be nil")
	}
	if token.ID == "" || token.Token == "" {
		return autherr.New(autherr.CodeInvalidRequest, "token id and value are required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// An upsert may change the token value; drop the stale value index.
	if prev, ok := s.accessTokens[token.ID]; ok && prev.Token != token.Token {
		delete(s.accessByValue, prev.Token)
	}
	s.accessTokens[token.ID] = token
	s.accessByValue[token.Token] = token.ID

	s.logger.Debug("stored access token",
		slog.String("token_id", token.ID),
		slog.Time("expires_at", token.ExpiresAt))
	return nil
}

// GetAccessToken returns the token for the given ID, expired or not.
func (s *MemoryStore) GetAccessToken(id string) (*AccessToken, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.accessTokens[id]
	return t, ok
}

// GetAccessTokenByValue looks up a token by its bearer value.
func (s *MemoryStore) GetAccessTokenByValue(value string) (*AccessToken, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.accessByValue[value]
	if !ok {
		return nil, false
	}
	t, ok := s.accessTokens[id]
	return t, ok
}

// RemoveAccessToken deletes the token. Removing an absent token is a no-op.
func (s *MemoryStore) RemoveAccessToken(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.accessTokens[id]; ok {
		delete(s.accessByValue, t.Token)
		delete(s.accessTokens, id)
		s.logger.Debug("removed access token", slog.String("token_id", id))
	}
	return nil
}

// StoreRefreshToken upserts a refresh token keyed by its ID.
func (s *MemoryStore) StoreRefreshToken(token *RefreshToken) error {
	if token == nil {
		return autherr.New(autherr.CodeInvalidRequest, "token cannot be nil")
	}
	if token.ID == "" || token.Token == "" {
		return autherr.New(autherr.CodeInvalidRequest, "token id and value are required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.refreshTokens[token.ID] = token
	s.logger.Debug("stored refresh token",
		slog.String("token_id", token.ID),
		slog.Time("expires_at", token.ExpiresAt))
	return nil
}

// GetRefreshToken returns the refresh token for the given ID, expired or not.
func (s *MemoryStore) GetRefreshToken(id string) (*RefreshToken, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.refreshTokens[id]
	return t, ok
}

// RemoveRefreshToken deletes the token. Removing an absent token is a no-op.
func (s *MemoryStore) RemoveRefreshToken(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.refreshTokens[id]; ok {
		delete(s.refreshTokens, id)
		s.logger.Debug("removed refresh token", slog.String("token_id", id))
	}
	return nil
}

// TokensForUser returns all tokens owned by the given user.
func (s *MemoryStore) TokensForUser(userID string) ([]*AccessToken, []*RefreshToken) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var access []*AccessToken
	var refresh []*RefreshToken
	for _, t := range s.accessTokens {
		if t.UserID == userID {
			access = append(access, t)
		}
	}
	for _, t := range s.refreshTokens {
		if t.UserID == userID {
			refresh = append(refresh, t)
		}
	}
	return access, refresh
}

// CleanupExpiredTokens removes every token whose expiry (plus a small
// safety margin) has passed and returns the number removed. It collects
// candidates under a read lock, then re-checks expiry under the write
// lock because a token may have been replaced in between.
func (s *MemoryStore) CleanupExpiredTokens() int {
	s.mu.RLock()

	cutoff := time.Now().Add(-sweepSafetyMargin)
	var expiredAccess []string
	var expiredRefresh []string

	for id, t := range s.accessTokens {
		if t.ExpiresAt.Before(cutoff) {
			expiredAccess = append(expiredAccess, id)
		}
	}
	for id, t := range s.refreshTokens {
		if t.ExpiresAt.Before(cutoff) {
			expiredRefresh = append(expiredRefresh, id)
		}
	}

	s.mu.RUnlock()

	if len(expiredAccess) == 0 && len(expiredRefresh) == 0 {
		return 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	now := time.Now().Add(-sweepSafetyMargin)

	for _, id := range expiredAccess {
		if t, ok := s.accessTokens[id]; ok && t.ExpiresAt.Before(now) {
			delete(s.accessByValue, t.Token)
			delete(s.accessTokens, id)
			removed++
		}
	}
	for _, id := range expiredRefresh {
		if t, ok := s.refreshTokens[id]; ok && t.ExpiresAt.Before(now) {
			delete(s.refreshTokens, id)
			removed++
		}
	}

	if removed > 0 {
		s.logger.Debug("swept expired tokens", slog.Int("removed", removed))
		if s.sweepHook != nil {
			s.sweepHook(removed)
		}
	}
	return removed
}

// Stats returns current store sizes.
func (s *MemoryStore) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return Stats{
		AccessTokens:  len(s.accessTokens),
		RefreshTokens: len(s.refreshTokens),
	}
}

func (s *MemoryStore) sweepLoop() {
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.CleanupExpiredTokens()
		}
	}
}
