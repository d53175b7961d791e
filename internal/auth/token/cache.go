package token

import (
	"log/slog"
	"sync"
	"time"

	"github.com/agentgate/agentgate/internal/auth/autherr"
	"github.com/agentgate/agentgate/internal/logging"
)

// defaultValidationTTL bounds how long a positive validation result may
// be served without consulting the store.
const defaultValidationTTL = 30 * time.Second

type cacheEntry struct {
	tokenID   string
	expiresAt time.Time
}

// Validator answers "is this bearer token valid right now" with a
// read-through cache in front of the store. Only positive results are
// cached, never past the token's own expiry, and entries are invalidated
// synchronously inside the revoke path so a revoked token can never be
// served from cache.
type Validator struct {
	store  Store
	ttl    time.Duration
	logger *slog.Logger

	mu      sync.RWMutex
	entries map[string]cacheEntry // token value -> entry
}

// NewValidator creates a validator with the default cache TTL.
func NewValidator(store Store, logger *slog.Logger) *Validator {
	return NewValidatorWithTTL(store, logger, defaultValidationTTL)
}

// NewValidatorWithTTL creates a validator with a custom cache TTL.
func NewValidatorWithTTL(store Store, logger *slog.Logger, ttl time.Duration) *Validator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{
		store:   store,
		ttl:     ttl,
		logger:  logger,
		entries: make(map[string]cacheEntry),
	}
}

// ValidateAccessToken checks a bearer value against the cache, falling
// back to the store. Expired or invalidated tokens fail with TOKEN_EXPIRED
// or TOKEN_INVALID.
func (v *Validator) ValidateAccessToken(value string) (*AccessToken, error) {
	if value == "" {
		return nil, autherr.New(autherr.CodeTokenInvalid, "empty bearer token")
	}

	v.mu.RLock()
	entry, hit := v.entries[value]
	v.mu.RUnlock()

	if hit && time.Now().Before(entry.expiresAt) {
		if t, ok := v.store.GetAccessToken(entry.tokenID); ok {
			return t, nil
		}
		// Token vanished under the cache entry; fall through to a miss.
	}

	t, ok := v.store.GetAccessTokenByValue(value)
	if !ok {
		return nil, autherr.New(autherr.CodeTokenInvalid, "unknown access token")
	}
	if !t.Valid {
		return nil, autherr.New(autherr.CodeTokenRevoked, "access token revoked")
	}
	if t.Expired() {
		return nil, autherr.New(autherr.CodeTokenExpired, "access token expired")
	}

	// Cache the positive result, capped at the token's own expiry.
	cacheUntil := time.Now().Add(v.ttl)
	if t.ExpiresAt.Before(cacheUntil) {
		cacheUntil = t.ExpiresAt
	}
	v.mu.Lock()
	v.entries[value] = cacheEntry{tokenID: t.ID, expiresAt: cacheUntil}
	v.mu.Unlock()

	v.logger.Debug("validated access token",
		slog.String("token", logging.SanitizeToken(value)),
		slog.String("token_id", t.ID))
	return t, nil
}

// Invalidate drops the cache entry for a bearer value. The revoke path
// must call this before reporting success.
func (v *Validator) Invalidate(value string) {
	v.mu.Lock()
	delete(v.entries, value)
	v.mu.Unlock()
}

// InvalidateAll drops every cache entry.
func (v *Validator) InvalidateAll() {
	v.mu.Lock()
	v.entries = make(map[string]cacheEntry)
	v.mu.Unlock()
}

// CacheSize returns the number of live cache entries, for stats.
func (v *Validator) CacheSize() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.entries)
}
