package token

import (
	"strings"
	"time"
)

// AccessToken is a bearer credential for the upstream API.
type AccessToken struct {
	ID             string
	Token          string
	TokenType      string
	Scopes         []string
	ExpiresAt      time.Time
	RefreshTokenID string // empty when the provider issued no refresh token
	UserID         string
	ApplicationID  string
	Valid          bool
	CreatedAt      time.Time
	LastUsedAt     time.Time
}

// Expired reports whether the token's expiry has passed.
func (t *AccessToken) Expired() bool {
	return time.Now().After(t.ExpiresAt)
}

// HasScope reports whether the token carries the given scope.
func (t *AccessToken) HasScope(scope string) bool {
	for _, s := range t.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// ScopeString returns the space-joined scope set.
func (t *AccessToken) ScopeString() string {
	return strings.Join(t.Scopes, " ")
}

// RefreshToken is a long-lived credential used to mint new access tokens.
type RefreshToken struct {
	ID            string
	Token         string
	ApplicationID string
	UserID        string
	ExpiresAt     time.Time
	Valid         bool
	Revoked       bool
	CreatedAt     time.Time
	LastUsedAt    time.Time
}

// Expired reports whether the refresh token's expiry has passed.
func (t *RefreshToken) Expired() bool {
	return time.Now().After(t.ExpiresAt)
}

// Usable reports whether the token can still mint access tokens.
func (t *RefreshToken) Usable() bool {
	return t.Valid && !t.Revoked && !t.Expired()
}

// Kind distinguishes token categories for revocation calls.
type Kind string

const (
	KindAccess  Kind = "access_token"
	KindRefresh Kind = "refresh_token"
)
