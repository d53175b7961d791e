package auth

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/agentgate/agentgate/internal/auth/autherr"
	"github.com/agentgate/agentgate/internal/auth/oauth"
	"github.com/agentgate/agentgate/internal/auth/token"
	"github.com/agentgate/agentgate/internal/logging"
	"github.com/agentgate/agentgate/internal/upstream"
)

// DefaultRefreshThreshold is how close to expiry an access token may get
// before validation proactively refreshes it.
const DefaultRefreshThreshold = 5 * time.Minute

// StartAuthorizationRequest asks for an authorization URL.
type StartAuthorizationRequest struct {
	ApplicationID string
	State         string
	ExtraParams   map[string]string
}

// CallbackRequest carries the provider redirect parameters.
type CallbackRequest struct {
	ApplicationID            string
	Code                     string
	State                    string
	RedirectURI              string
	ProviderError            string
	ProviderErrorDescription string
}

// AuthenticatedIdentity is handed to the tool-dispatch layer: the
// validated session plus its permission strings.
type AuthenticatedIdentity struct {
	Session     *UserSession `json:"session,omitempty"`
	Permissions []string     `json:"permissions"`
}

// LogoutResult reports what a logout actually revoked.
type LogoutResult struct {
	Revoked int `json:"revoked"`
	Failed  int `json:"failed"`
}

// Facade is the single request-authentication surface. It composes the
// OAuth engine, the token validator, and the user-session store; every
// public method returns the uniform Result envelope with all errors
// normalized at the boundary.
type Facade struct {
	engine       *oauth.Engine
	store        token.Store
	validator    *token.Validator
	userSessions *UserSessions
	gateway      upstream.Gateway
	logger       *slog.Logger

	refreshThreshold time.Duration

	// refreshFlight collapses concurrent proactive refreshes of the same
	// session into a single upstream call.
	refreshFlight singleflight.Group
}

// FacadeOption configures a Facade.
type FacadeOption func(*Facade)

// WithRefreshThreshold sets the proactive-refresh window.
func WithRefreshThreshold(d time.Duration) FacadeOption {
	return func(f *Facade) {
		if d > 0 {
			f.refreshThreshold = d
		}
	}
}

// WithFacadeLogger sets the façade's logger.
func WithFacadeLogger(logger *slog.Logger) FacadeOption {
	return func(f *Facade) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// NewFacade wires the façade's collaborators together.
func NewFacade(
	engine *oauth.Engine,
	store token.Store,
	validator *token.Validator,
	userSessions *UserSessions,
	gateway upstream.Gateway,
	opts ...FacadeOption,
) *Facade {
	f := &Facade{
		engine:           engine,
		store:            store,
		validator:        validator,
		userSessions:     userSessions,
		gateway:          gateway,
		logger:           slog.Default(),
		refreshThreshold: DefaultRefreshThreshold,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// StartAuthorization issues the provider authorize URL for a login attempt.
func (f *Facade) StartAuthorization(req *StartAuthorizationRequest) *Result {
	start := time.Now()
	if req == nil {
		return fail(autherr.New(autherr.CodeInvalidRequest, "request cannot be nil"), start)
	}

	result, err := f.engine.GenerateAuthorizationURL(req.ApplicationID, req.State, req.ExtraParams)
	if err != nil {
		return fail(err, start)
	}
	return ok(result, start)
}

// HandleCallback completes a login: it fails fast on provider-reported
// errors, exchanges the code, fetches the user identity, and creates a
// UserSession binding user, tokens, and permissions.
func (f *Facade) HandleCallback(ctx context.Context, req *CallbackRequest) *Result {
	start := time.Now()
	if req == nil {
		return fail(autherr.New(autherr.CodeInvalidRequest, "request cannot be nil"), start)
	}

	if req.ProviderError != "" {
		code := upstream.MapProviderErrorCode(req.ProviderError)
		err := autherr.Newf(code, "provider rejected the authorization request").
			WithDetail("provider_error", req.ProviderError)
		f.logger.Warn("callback carried provider error",
			logging.Application(req.ApplicationID),
			slog.String("provider_error", req.ProviderError))
		return fail(err, start)
	}

	exchanged, err := f.engine.ExchangeCodeForTokens(ctx, req.Code, req.ApplicationID, req.State, req.RedirectURI)
	if err != nil {
		return fail(err, start)
	}

	info, err := f.gateway.GetUserInfo(ctx, exchanged.AccessToken.Token)
	if err != nil {
		return fail(err, start)
	}

	refreshTokenID := ""
	if exchanged.RefreshToken != nil {
		refreshTokenID = exchanged.RefreshToken.ID
	}

	// Permission strings start from the granted token scopes; the
	// dispatch layer interprets them.
	session, err := f.userSessions.Create(
		info.ID, info.Email, info.Name,
		req.ApplicationID,
		exchanged.AccessToken.ID, refreshTokenID,
		exchanged.AccessToken.Scopes,
	)
	if err != nil {
		return fail(err, start)
	}

	f.logger.Info("authenticated user",
		logging.Session(session.ID),
		logging.UserHash(info.ID),
		logging.Application(req.ApplicationID))
	return ok(session, start)
}

// AuthenticateRequest is the hook the tool-dispatch layer calls before
// invoking any capability. A session id takes precedence over a bearer
// header; with neither, authentication fails.
func (f *Facade) AuthenticateRequest(ctx context.Context, authHeader, sessionID string) *Result {
	start := time.Now()

	switch {
	case sessionID != "":
		identity, err := f.validateSession(ctx, sessionID)
		if err != nil {
			return fail(err, start)
		}
		return ok(identity, start)

	case authHeader != "":
		bearer, found := strings.CutPrefix(authHeader, "Bearer ")
		if !found {
			return fail(autherr.New(autherr.CodeAuthenticationFailed, "authorization header is not a bearer token"), start)
		}
		at, err := f.validator.ValidateAccessToken(bearer)
		if err != nil {
			return fail(err, start)
		}
		return ok(&AuthenticatedIdentity{
			Permissions: at.Scopes,
		}, start)

	default:
		return fail(autherr.New(autherr.CodeAuthenticationFailed, "no credentials presented"), start)
	}
}

// ValidateSession loads a user session and proactively refreshes its
// access token when it is within the refresh threshold of expiry. A
// failed refresh clears the session rather than serving a token about
// to die.
func (f *Facade) ValidateSession(ctx context.Context, sessionID string) *Result {
	start := time.Now()

	identity, err := f.validateSession(ctx, sessionID)
	if err != nil {
		return fail(err, start)
	}
	return ok(identity, start)
}

func (f *Facade) validateSession(ctx context.Context, sessionID string) (*AuthenticatedIdentity, error) {
	if sessionID == "" {
		return nil, autherr.New(autherr.CodeSessionNotFound, "session id is required")
	}

	session, err := f.userSessions.Get(sessionID)
	if err != nil {
		return nil, err
	}
	if session.Expired() {
		f.userSessions.Remove(sessionID)
		return nil, autherr.New(autherr.CodeSessionExpired, "session expired")
	}

	at, tokenFound := f.store.GetAccessToken(session.AccessTokenID)
	if !tokenFound {
		f.userSessions.Remove(sessionID)
		return nil, autherr.New(autherr.CodeTokenInvalid, "session's access token is gone")
	}

	if time.Until(at.ExpiresAt) < f.refreshThreshold {
		if session.RefreshTokenID == "" {
			f.userSessions.Remove(sessionID)
			return nil, autherr.New(autherr.CodeTokenExpired, "access token expiring and no refresh token available")
		}

		newTokenID, refreshErr := f.refreshSessionToken(ctx, session)
		if refreshErr != nil {
			// Do not silently serve a soon-to-expire token.
			f.userSessions.Remove(sessionID)
			f.logger.Warn("proactive refresh failed, session cleared",
				logging.Session(sessionID),
				logging.Err(refreshErr))
			return nil, refreshErr
		}
		session.AccessTokenID = newTokenID
	}

	return &AuthenticatedIdentity{
		Session:     session,
		Permissions: session.Permissions,
	}, nil
}

// refreshSessionToken exchanges the session's refresh token for a new
// access token and rebinds the session. Concurrent validations of the same
// session share one flight; a caller that lost the race re-reads the
// binding and reuses the token the winner installed.
func (f *Facade) refreshSessionToken(ctx context.Context, session *UserSession) (string, error) {
	v, err, _ := f.refreshFlight.Do(session.ID, func() (interface{}, error) {
		current, err := f.userSessions.Get(session.ID)
		if err != nil {
			return nil, err
		}
		if current.AccessTokenID != session.AccessTokenID {
			if at, ok := f.store.GetAccessToken(current.AccessTokenID); ok &&
				time.Until(at.ExpiresAt) >= f.refreshThreshold {
				return current.AccessTokenID, nil
			}
		}

		refreshed, err := f.engine.RefreshAccessToken(ctx, session.ApplicationID, session.RefreshTokenID)
		if err != nil {
			return nil, err
		}
		if err := f.userSessions.UpdateTokens(session.ID, refreshed.ID); err != nil {
			return nil, err
		}
		f.logger.Info("proactively refreshed session token",
			logging.Session(session.ID),
			slog.Time("new_expiry", refreshed.ExpiresAt))
		return refreshed.ID, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Logout revokes the session's tokens (best-effort upstream, unconditional
// local cleanup) and removes the session. Logout with no active session is
// a successful no-op.
func (f *Facade) Logout(ctx context.Context, sessionID string) *Result {
	start := time.Now()

	if sessionID == "" {
		return ok(&LogoutResult{}, start)
	}

	session, err := f.userSessions.Get(sessionID)
	if err != nil {
		// No active session: success, no revocation calls.
		return ok(&LogoutResult{}, start)
	}

	result := &LogoutResult{}
	if session.AccessTokenID != "" {
		if err := f.engine.RevokeToken(ctx, session.AccessTokenID, token.KindAccess); err != nil {
			result.Failed++
		} else {
			result.Revoked++
		}
	}
	if session.RefreshTokenID != "" {
		if err := f.engine.RevokeToken(ctx, session.RefreshTokenID, token.KindRefresh); err != nil {
			result.Failed++
		} else {
			result.Revoked++
		}
	}

	f.userSessions.Remove(sessionID)

	f.logger.Info("logged out",
		logging.Session(sessionID),
		slog.Int("revoked", result.Revoked),
		slog.Int("failed", result.Failed))
	return ok(result, start)
}

// RequirePermissions checks an authenticated identity against a required
// permission set, returning PERMISSION_DENIED with both sets on failure.
func RequirePermissions(identity *AuthenticatedIdentity, required []string) error {
	var missing bool
	for _, req := range required {
		found := false
		for _, held := range identity.Permissions {
			if held == req {
				found = true
				break
			}
		}
		if !found {
			missing = true
			break
		}
	}
	if missing {
		return autherr.PermissionDenied(required, identity.Permissions)
	}
	return nil
}
