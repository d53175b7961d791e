package upstream

import (
	"context"
	"time"
)

// TokenResponse is the provider's answer to a code exchange or refresh.
type TokenResponse struct {
	AccessToken  string
	TokenType    string
	ExpiresIn    time.Duration
	RefreshToken string // empty when the provider issued none
	Scope        string
	UserID       string
}

// UserInfo is the provider's identity record for an access token.
type UserInfo struct {
	ID        string
	Name      string
	Email     string
	Username  string
	AvatarURL string
	AccountID string
}

// Gateway is the upstream identity-provider contract. Implementations
// perform the raw HTTP calls; callers wrap every invocation in the
// resilience guard and map failures into the error taxonomy.
type Gateway interface {
	// ExchangeCode trades an authorization code for tokens.
	ExchangeCode(ctx context.Context, clientID, clientSecret, code, redirectURI string) (*TokenResponse, error)

	// Refresh mints a new access token from a refresh token.
	Refresh(ctx context.Context, clientID, clientSecret, refreshToken string) (*TokenResponse, error)

	// Revoke invalidates a token upstream. kind is "access_token" or
	// "refresh_token" per RFC 7009 token_type_hint.
	Revoke(ctx context.Context, clientID, token, kind string) error

	// GetUserInfo fetches the identity behind an access token.
	GetUserInfo(ctx context.Context, accessToken string) (*UserInfo, error)
}
