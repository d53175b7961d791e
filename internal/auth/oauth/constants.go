package oauth

import "time"

const (
	// AuthorizationStateTTL bounds how long a login attempt may stay
	// in flight before the callback arrives.
	AuthorizationStateTTL = 10 * time.Minute

	// StateSweepInterval is how often stale login attempts are purged.
	StateSweepInterval = 1 * time.Minute

	// DefaultAccessTokenTTL applies when the provider reports no expires_in.
	DefaultAccessTokenTTL = 1 * time.Hour

	// DefaultRefreshTokenTTL is the local validity window for refresh
	// tokens; it must exceed the access-token lifetime it protects.
	DefaultRefreshTokenTTL = 30 * 24 * time.Hour

	// stateTokenBytes is the entropy of a generated state parameter.
	stateTokenBytes = 32

	// clientIDBytes and clientSecretBytes size generated credentials.
	clientIDBytes     = 24
	clientSecretBytes = 48
)
