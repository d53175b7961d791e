package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/agentgate/agentgate/internal/auth/autherr"
)

// Endpoints describes the provider's OAuth and identity URLs.
type Endpoints struct {
	AuthURL     string
	TokenURL    string
	RevokeURL   string
	UserInfoURL string
}

// defaultCallTimeout bounds each upstream HTTP call independently of the
// caller's session timeout.
const defaultCallTimeout = 30 * time.Second

// HTTPGateway implements Gateway against a real provider over HTTP.
// Code exchange and refresh ride on golang.org/x/oauth2; revocation and
// user-info are plain HTTP since x/oauth2 does not model them.
type HTTPGateway struct {
	endpoints  Endpoints
	httpClient *http.Client
	timeout    time.Duration
	logger     *slog.Logger
}

// HTTPGatewayOption configures an HTTPGateway.
type HTTPGatewayOption func(*HTTPGateway)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) HTTPGatewayOption {
	return func(g *HTTPGateway) {
		if c != nil {
			g.httpClient = c
		}
	}
}

// WithCallTimeout sets the per-call timeout.
func WithCallTimeout(d time.Duration) HTTPGatewayOption {
	return func(g *HTTPGateway) {
		if d > 0 {
			g.timeout = d
		}
	}
}

// WithGatewayLogger sets the logger.
func WithGatewayLogger(logger *slog.Logger) HTTPGatewayOption {
	return func(g *HTTPGateway) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// NewHTTPGateway creates a gateway for the given provider endpoints.
func NewHTTPGateway(endpoints Endpoints, opts ...HTTPGatewayOption) *HTTPGateway {
	g := &HTTPGateway{
		endpoints:  endpoints,
		httpClient: http.DefaultClient,
		timeout:    defaultCallTimeout,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *HTTPGateway) oauthConfig(clientID, clientSecret, redirectURI string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURI,
		Endpoint: oauth2.Endpoint{
			AuthURL:  g.endpoints.AuthURL,
			TokenURL: g.endpoints.TokenURL,
		},
	}
}

// ExchangeCode trades an authorization code for tokens.
func (g *HTTPGateway) ExchangeCode(ctx context.Context, clientID, clientSecret, code, redirectURI string) (*TokenResponse, error) {
	ctx, cancel := g.callContext(ctx)
	defer cancel()

	conf := g.oauthConfig(clientID, clientSecret, redirectURI)
	tok, err := conf.Exchange(ctx, code)
	if err != nil {
		return nil, mapProviderError(err, "code exchange failed")
	}

	return tokenResponseFrom(tok), nil
}

// Refresh mints a new access token from a refresh token.
func (g *HTTPGateway) Refresh(ctx context.Context, clientID, clientSecret, refreshToken string) (*TokenResponse, error) {
	ctx, cancel := g.callContext(ctx)
	defer cancel()

	conf := g.oauthConfig(clientID, clientSecret, "")
	tok, err := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return nil, mapProviderError(err, "token refresh failed")
	}

	return tokenResponseFrom(tok), nil
}

// Revoke invalidates a token upstream per RFC 7009. Providers answer 200
// even for unknown tokens, so only transport failures surface as errors.
func (g *HTTPGateway) Revoke(ctx context.Context, clientID, token, kind string) error {
	if g.endpoints.RevokeURL == "" {
		return nil // provider has no revocation endpoint
	}

	ctx, cancel := g.callContext(ctx)
	defer cancel()

	form := url.Values{
		"token":           {token},
		"token_type_hint": {kind},
		"client_id":       {clientID},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoints.RevokeURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return autherr.Wrap(autherr.CodeInternalError, "building revoke request failed", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return autherr.Wrap(autherr.CodeNetworkError, "token revocation failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return autherr.Newf(autherr.CodeNetworkError, "revocation endpoint returned %d", resp.StatusCode)
	}
	return nil
}

// GetUserInfo fetches the identity behind an access token.
func (g *HTTPGateway) GetUserInfo(ctx context.Context, accessToken string) (*UserInfo, error) {
	ctx, cancel := g.callContext(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.endpoints.UserInfoURL, nil)
	if err != nil {
		return nil, autherr.Wrap(autherr.CodeInternalError, "building userinfo request failed", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, autherr.Wrap(autherr.CodeNetworkError, "userinfo request failed", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, autherr.New(autherr.CodeTokenInvalid, "access token rejected by provider")
	case resp.StatusCode >= 500:
		return nil, autherr.Newf(autherr.CodeNetworkError, "userinfo endpoint returned %d", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, autherr.Newf(autherr.CodeAuthenticationFailed, "userinfo endpoint returned %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, autherr.Wrap(autherr.CodeNetworkError, "reading userinfo response failed", err)
	}

	var raw struct {
		ID        string `json:"id"`
		Sub       string `json:"sub"`
		Name      string `json:"name"`
		Email     string `json:"email"`
		Username  string `json:"preferred_username"`
		Picture   string `json:"picture"`
		AccountID string `json:"account_id"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, autherr.Wrap(autherr.CodeNetworkError, "decoding userinfo response failed", err)
	}

	info := &UserInfo{
		ID:        raw.ID,
		Name:      raw.Name,
		Email:     raw.Email,
		Username:  raw.Username,
		AvatarURL: raw.Picture,
		AccountID: raw.AccountID,
	}
	if info.ID == "" {
		info.ID = raw.Sub
	}
	if info.ID == "" {
		return nil, autherr.New(autherr.CodeAuthenticationFailed, "provider returned no user identifier")
	}
	return info, nil
}

func (g *HTTPGateway) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, g.httpClient)
	return context.WithTimeout(ctx, g.timeout)
}

func tokenResponseFrom(tok *oauth2.Token) *TokenResponse {
	resp := &TokenResponse{
		AccessToken:  tok.AccessToken,
		TokenType:    tok.TokenType,
		RefreshToken: tok.RefreshToken,
	}
	if !tok.Expiry.IsZero() {
		resp.ExpiresIn = time.Until(tok.Expiry)
	}
	if scope, ok := tok.Extra("scope").(string); ok {
		resp.Scope = scope
	}
	if userID, ok := tok.Extra("user_id").(string); ok {
		resp.UserID = userID
	}
	return resp
}

// mapProviderError translates oauth2 transport and protocol errors into
// the error taxonomy. Provider-reported rejections are non-retryable;
// anything else is treated as a transient network failure.
func mapProviderError(err error, msg string) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		code := MapProviderErrorCode(retrieveErr.ErrorCode)
		if code != autherr.CodeNetworkError {
			detail := retrieveErr.ErrorCode
			if retrieveErr.ErrorDescription != "" {
				detail = fmt.Sprintf("%s: %s", retrieveErr.ErrorCode, retrieveErr.ErrorDescription)
			}
			return autherr.Wrap(code, msg, err).WithDetail("provider_error", detail)
		}
	}
	return autherr.Wrap(autherr.CodeNetworkError, msg, err)
}

// MapProviderErrorCode maps an RFC 6749 error code reported by the
// provider to the internal taxonomy.
func MapProviderErrorCode(providerCode string) autherr.Code {
	switch providerCode {
	case "access_denied":
		return autherr.CodeAuthorizationFailed
	case "invalid_grant":
		return autherr.CodeInvalidGrant
	case "invalid_client", "unauthorized_client":
		return autherr.CodeInvalidClient
	case "invalid_scope":
		return autherr.CodeInvalidScope
	case "unsupported_grant_type", "unsupported_response_type":
		return autherr.CodeUnsupportedGrantType
	case "invalid_request":
		return autherr.CodeInvalidRequest
	case "server_error", "temporarily_unavailable", "":
		return autherr.CodeNetworkError
	default:
		return autherr.CodeAuthorizationFailed
	}
}
