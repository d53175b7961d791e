package oauth

import (
	"context"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentgate/agentgate/internal/auth/autherr"
	"github.com/agentgate/agentgate/internal/auth/token"
	"github.com/agentgate/agentgate/internal/logging"
	"github.com/agentgate/agentgate/internal/resilience"
	"github.com/agentgate/agentgate/internal/upstream"
)

// Engine drives the authorization-code flow: URL issuance, the
// code-for-token exchange, refresh, and revocation. Every upstream call
// goes through the resilience guard.
type Engine struct {
	apps      *Applications
	flows     *FlowStore
	store     token.Store
	validator *token.Validator
	gateway   upstream.Gateway
	guard     *resilience.Guard
	logger    *slog.Logger

	accessTokenTTL  time.Duration
	refreshTokenTTL time.Duration
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithAccessTokenTTL sets the fallback access-token lifetime used when
// the provider reports no expires_in.
func WithAccessTokenTTL(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.accessTokenTTL = d
		}
	}
}

// WithRefreshTokenTTL sets the local refresh-token validity window.
func WithRefreshTokenTTL(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.refreshTokenTTL = d
		}
	}
}

// WithEngineLogger sets the engine's logger.
func WithEngineLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// NewEngine wires the engine's collaborators together.
func NewEngine(
	apps *Applications,
	flows *FlowStore,
	store token.Store,
	validator *token.Validator,
	gateway upstream.Gateway,
	guard *resilience.Guard,
	opts ...EngineOption,
) *Engine {
	e := &Engine{
		apps:            apps,
		flows:           flows,
		store:           store,
		validator:       validator,
		gateway:         gateway,
		guard:           guard,
		logger:          slog.Default(),
		accessTokenTTL:  DefaultAccessTokenTTL,
		refreshTokenTTL: DefaultRefreshTokenTTL,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// GenerateAuthorizationURL issues the provider authorize URL for an
// application and records the in-flight state. A caller-supplied state is
// honored; otherwise a cryptographically random one is generated.
// extraParams pass through to the provider (prompt, access_type, ...).
func (e *Engine) GenerateAuthorizationURL(applicationID, state string, extraParams map[string]string) (*AuthorizationURLResult, error) {
	app, err := e.apps.Get(applicationID)
	if err != nil {
		return nil, err
	}
	if !app.Active {
		return nil, autherr.New(autherr.CodeApplicationNotFound, "application is deactivated")
	}

	if state == "" {
		state, err = generateSecureToken(stateTokenBytes)
		if err != nil {
			return nil, autherr.Wrap(autherr.CodeInternalError, "generating state failed", err)
		}
	}

	now := time.Now()
	authState := &AuthorizationState{
		State:         state,
		ApplicationID: app.ID,
		RedirectURI:   app.RedirectURI,
		CreatedAt:     now,
		ExpiresAt:     now.Add(AuthorizationStateTTL),
	}
	if err := e.flows.Save(authState); err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("client_id", app.ClientID)
	q.Set("response_type", "code")
	q.Set("redirect_uri", app.RedirectURI)
	q.Set("state", state)
	q.Set("scope", strings.Join(app.Scopes, " "))
	for k, v := range extraParams {
		q.Set(k, v)
	}

	authorizeURL := strings.TrimSuffix(app.BaseURL, "/") + "/oauth/authorize?" + q.Encode()

	e.logger.Info("issued authorization url",
		logging.Application(app.ID),
		slog.Time("state_expires_at", authState.ExpiresAt))

	return &AuthorizationURLResult{
		URL:       authorizeURL,
		State:     state,
		ExpiresAt: authState.ExpiresAt,
	}, nil
}

// ExchangeCodeForTokens consumes the authorization state, validates the
// redirect URI, and trades the code for tokens upstream. A refresh token
// is stored only if the provider issued one.
func (e *Engine) ExchangeCodeForTokens(ctx context.Context, code, applicationID, state, redirectURI string) (*ExchangeResult, error) {
	if code == "" {
		return nil, autherr.New(autherr.CodeInvalidRequest, "authorization code is required")
	}

	app, err := e.apps.Get(applicationID)
	if err != nil {
		return nil, err
	}

	authState, err := e.flows.Consume(state)
	if err != nil {
		return nil, err
	}
	if authState.ApplicationID != app.ID {
		return nil, autherr.New(autherr.CodeStateMismatch, "state was issued for a different application")
	}
	if redirectURI != authState.RedirectURI {
		return nil, autherr.New(autherr.CodeInvalidRedirectURI, "redirect URI does not match the one bound to this application")
	}

	var resp *upstream.TokenResponse
	err = e.guard.Do(ctx, app.ID, func(ctx context.Context) error {
		var callErr error
		resp, callErr = e.gateway.ExchangeCode(ctx, app.ClientID, app.ClientSecret, code, redirectURI)
		return callErr
	})
	if err != nil {
		e.logger.Warn("code exchange failed",
			logging.Application(app.ID),
			logging.Err(err))
		return nil, err
	}

	result, err := e.storeExchangedTokens(app, resp)
	if err != nil {
		return nil, err
	}

	e.logger.Info("exchanged code for tokens",
		logging.Application(app.ID),
		slog.Bool("refresh_token_issued", result.RefreshToken != nil),
		slog.Time("access_expires_at", result.AccessToken.ExpiresAt))
	return result, nil
}

// RefreshAccessToken mints a new access token from a stored refresh token
// and updates the refresh token's last-used timestamp.
func (e *Engine) RefreshAccessToken(ctx context.Context, applicationID, refreshTokenID string) (*token.AccessToken, error) {
	app, err := e.apps.Get(applicationID)
	if err != nil {
		return nil, err
	}

	rt, ok := e.store.GetRefreshToken(refreshTokenID)
	if !ok {
		return nil, autherr.New(autherr.CodeTokenInvalid, "unknown refresh token")
	}
	if rt.Revoked || !rt.Valid {
		return nil, autherr.New(autherr.CodeTokenRevoked, "refresh token revoked")
	}
	if rt.Expired() {
		return nil, autherr.New(autherr.CodeTokenExpired, "refresh token expired")
	}

	var resp *upstream.TokenResponse
	err = e.guard.Do(ctx, app.ID, func(ctx context.Context) error {
		var callErr error
		resp, callErr = e.gateway.Refresh(ctx, app.ClientID, app.ClientSecret, rt.Token)
		return callErr
	})
	if err != nil {
		e.logger.Warn("token refresh failed",
			logging.Application(app.ID),
			logging.Err(err))
		return nil, err
	}

	at := e.accessTokenFrom(app, resp, rt.ID, rt.UserID)
	if err := e.store.StoreAccessToken(at); err != nil {
		return nil, err
	}

	rt.LastUsedAt = time.Now()
	if err := e.store.StoreRefreshToken(rt); err != nil {
		return nil, err
	}

	e.logger.Info("refreshed access token",
		logging.Application(app.ID),
		slog.Time("expires_at", at.ExpiresAt))
	return at, nil
}

// RevokeToken revokes a token upstream (best-effort) and then removes or
// marks it locally regardless of the upstream outcome, so a dead remote
// token never leaves a live local record behind. The validation cache is
// invalidated synchronously before returning.
func (e *Engine) RevokeToken(ctx context.Context, tokenID string, kind token.Kind) error {
	switch kind {
	case token.KindAccess:
		return e.revokeAccessToken(ctx, tokenID)
	case token.KindRefresh:
		return e.revokeRefreshToken(ctx, tokenID)
	default:
		return autherr.Newf(autherr.CodeInvalidRequest, "unknown token kind %q", kind)
	}
}

func (e *Engine) revokeAccessToken(ctx context.Context, tokenID string) error {
	at, ok := e.store.GetAccessToken(tokenID)
	if !ok {
		return autherr.New(autherr.CodeTokenInvalid, "unknown access token")
	}

	upstreamErr := e.revokeUpstream(ctx, at.ApplicationID, at.Token, token.KindAccess)

	// Local cleanup is unconditional; cache invalidation happens before
	// the token becomes unreachable so no reader can revalidate a stale
	// entry in between.
	e.validator.Invalidate(at.Token)
	if err := e.store.RemoveAccessToken(tokenID); err != nil {
		return err
	}

	if upstreamErr != nil {
		e.logger.Warn("upstream revocation failed, token removed locally",
			logging.Application(at.ApplicationID),
			logging.Err(upstreamErr))
	}
	return nil
}

func (e *Engine) revokeRefreshToken(ctx context.Context, tokenID string) error {
	rt, ok := e.store.GetRefreshToken(tokenID)
	if !ok {
		return autherr.New(autherr.CodeTokenInvalid, "unknown refresh token")
	}

	upstreamErr := e.revokeUpstream(ctx, rt.ApplicationID, rt.Token, token.KindRefresh)

	rt.Revoked = true
	rt.Valid = false
	if err := e.store.StoreRefreshToken(rt); err != nil {
		return err
	}

	if upstreamErr != nil {
		e.logger.Warn("upstream revocation failed, token marked revoked locally",
			logging.Application(rt.ApplicationID),
			logging.Err(upstreamErr))
	}
	return nil
}

// RevokeAllUserTokens revokes every token owned by a user. Individual
// failures do not abort the pass; the aggregate counts are reported.
func (e *Engine) RevokeAllUserTokens(ctx context.Context, userID string) *RevokeAllResult {
	access, refresh := e.store.TokensForUser(userID)

	result := &RevokeAllResult{}
	for _, at := range access {
		if err := e.revokeAccessToken(ctx, at.ID); err != nil {
			result.Failed++
			continue
		}
		result.Revoked++
	}
	for _, rt := range refresh {
		if err := e.revokeRefreshToken(ctx, rt.ID); err != nil {
			result.Failed++
			continue
		}
		result.Revoked++
	}

	e.logger.Info("revoked user tokens",
		logging.UserHash(userID),
		slog.Int("revoked", result.Revoked),
		slog.Int("failed", result.Failed))
	return result
}

func (e *Engine) revokeUpstream(ctx context.Context, applicationID, tokenValue string, kind token.Kind) error {
	app, err := e.apps.Get(applicationID)
	if err != nil {
		// Orphaned token; nothing to revoke upstream.
		return nil
	}
	return e.guard.Do(ctx, app.ID, func(ctx context.Context) error {
		return e.gateway.Revoke(ctx, app.ClientID, tokenValue, string(kind))
	})
}

func (e *Engine) storeExchangedTokens(app *Application, resp *upstream.TokenResponse) (*ExchangeResult, error) {
	now := time.Now()

	var rt *token.RefreshToken
	if resp.RefreshToken != "" {
		rt = &token.RefreshToken{
			ID:            uuid.NewString(),
			Token:         resp.RefreshToken,
			ApplicationID: app.ID,
			UserID:        resp.UserID,
			ExpiresAt:     now.Add(e.refreshTokenTTL),
			Valid:         true,
			CreatedAt:     now,
		}
		if err := e.store.StoreRefreshToken(rt); err != nil {
			return nil, err
		}
	}

	refreshID := ""
	if rt != nil {
		refreshID = rt.ID
	}
	at := e.accessTokenFrom(app, resp, refreshID, resp.UserID)
	if err := e.store.StoreAccessToken(at); err != nil {
		return nil, err
	}

	return &ExchangeResult{AccessToken: at, RefreshToken: rt}, nil
}

func (e *Engine) accessTokenFrom(app *Application, resp *upstream.TokenResponse, refreshTokenID, userID string) *token.AccessToken {
	now := time.Now()

	ttl := resp.ExpiresIn
	if ttl <= 0 {
		ttl = e.accessTokenTTL
	}

	scopes := app.Scopes
	if resp.Scope != "" {
		scopes = strings.Fields(resp.Scope)
	}

	tokenType := resp.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}

	return &token.AccessToken{
		ID:             uuid.NewString(),
		Token:          resp.AccessToken,
		TokenType:      tokenType,
		Scopes:         scopes,
		ExpiresAt:      now.Add(ttl),
		RefreshTokenID: refreshTokenID,
		UserID:         userID,
		ApplicationID:  app.ID,
		Valid:          true,
		CreatedAt:      now,
	}
}
