package oauth

import (
	"time"

	"github.com/agentgate/agentgate/internal/auth/token"
)

// Application is a registered OAuth client application.
type Application struct {
	ID               string
	Name             string
	ClientID         string
	ClientSecret     string // presented to the upstream provider on token calls
	ClientSecretHash string // bcrypt; used to validate secrets presented to us
	RedirectURI      string
	BaseURL          string
	InstanceKind     string
	Scopes           []string
	Active           bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// RegisterRequest carries the fields needed to register an application.
type RegisterRequest struct {
	Name         string
	RedirectURI  string
	BaseURL      string
	InstanceKind string
	Scopes       []string
}

// RegisterResponse returns the application plus the plain client secret,
// which is only available at registration time.
type RegisterResponse struct {
	Application  *Application
	ClientSecret string
}

// UpdateRequest carries optional fields for updating an application.
// Nil fields are left unchanged.
type UpdateRequest struct {
	Name        *string
	RedirectURI *string
	BaseURL     *string
	Scopes      []string
}

// AuthorizationState is one in-flight login attempt. It is single-use:
// the callback must present the exact state and redirect URI it was
// issued with, and consumption deletes it.
type AuthorizationState struct {
	State         string
	ApplicationID string
	RedirectURI   string
	CreatedAt     time.Time
	ExpiresAt     time.Time
}

// Expired reports whether the state's TTL has passed.
func (s *AuthorizationState) Expired() bool {
	return time.Now().After(s.ExpiresAt)
}

// AuthorizationURLResult is the outcome of issuing an authorization URL.
type AuthorizationURLResult struct {
	URL       string    `json:"url"`
	State     string    `json:"state"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ExchangeResult is the outcome of a successful code-for-token exchange.
// RefreshToken is nil when the provider issued none.
type ExchangeResult struct {
	AccessToken  *token.AccessToken
	RefreshToken *token.RefreshToken
}

// RevokeAllResult reports the outcome of a bulk revocation.
type RevokeAllResult struct {
	Revoked int
	Failed  int
}
