package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentgate/agentgate/internal/auth"
	"github.com/agentgate/agentgate/internal/auth/autherr"
	"github.com/agentgate/agentgate/internal/auth/oauth"
	"github.com/agentgate/agentgate/internal/auth/session"
	"github.com/agentgate/agentgate/internal/auth/token"
	"github.com/agentgate/agentgate/internal/resilience"
	"github.com/agentgate/agentgate/internal/upstream"

	mcpserver "github.com/mark3labs/mcp-go/server"
)

const testBaseURL = "http://localhost:8080"

type fakeGateway struct {
	exchangeErr error
	revokeCalls int
}

func (g *fakeGateway) ExchangeCode(_ context.Context, _, _, _, _ string) (*upstream.TokenResponse, error) {
	if g.exchangeErr != nil {
		return nil, g.exchangeErr
	}
	return &upstream.TokenResponse{
		AccessToken:  "AT1",
		TokenType:    "Bearer",
		ExpiresIn:    time.Hour,
		RefreshToken: "RT1",
		Scope:        "read write",
		UserID:       "user-1",
	}, nil
}

func (g *fakeGateway) Refresh(_ context.Context, _, _, _ string) (*upstream.TokenResponse, error) {
	return &upstream.TokenResponse{
		AccessToken: "AT2",
		TokenType:   "Bearer",
		ExpiresIn:   time.Hour,
	}, nil
}

func (g *fakeGateway) Revoke(_ context.Context, _, _, _ string) error {
	g.revokeCalls++
	return nil
}

func (g *fakeGateway) GetUserInfo(_ context.Context, _ string) (*upstream.UserInfo, error) {
	return &upstream.UserInfo{
		ID:    "user-1",
		Name:  "Jane Doe",
		Email: "jane@example.com",
	}, nil
}

type serverFixture struct {
	handler  http.Handler
	srv      *AuthHTTPServer
	sc       *ServerContext
	registry *session.Registry
	gateway  *fakeGateway
	appID    string
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	apps := oauth.NewApplications(logger, false)
	registered, err := apps.Register(&oauth.RegisterRequest{
		Name:        "test-app",
		RedirectURI: testBaseURL + "/oauth/callback",
		BaseURL:     "http://localhost:9999",
		Scopes:      []string{"read", "write"},
	})
	require.NoError(t, err)

	flows := oauth.NewFlowStore(logger)
	t.Cleanup(flows.Stop)

	store := token.NewMemoryStore(logger)
	t.Cleanup(store.Stop)

	validator := token.NewValidator(store, logger)
	gw := &fakeGateway{}
	guard := resilience.NewGuard(resilience.WithLogger(logger))

	engine := oauth.NewEngine(apps, flows, store, validator, gw, guard,
		oauth.WithEngineLogger(logger))
	userSessions := auth.NewUserSessions(logger)
	facade := auth.NewFacade(engine, store, validator, userSessions, gw,
		auth.WithFacadeLogger(logger))

	registry := session.NewRegistry(session.WithRegistryLogger(logger))
	sc := NewServerContext(context.Background(), facade, registry)
	t.Cleanup(func() { _ = sc.Shutdown() })

	mcpSrv := mcpserver.NewMCPServer("agentgate-test", "0.0.1",
		mcpserver.WithToolCapabilities(true))

	srv, err := NewAuthHTTPServer(mcpSrv, sc, AuthHTTPServerConfig{BaseURL: testBaseURL})
	require.NoError(t, err)
	srv.SetHealthChecker(NewHealthChecker(sc))

	return &serverFixture{
		handler:  srv.Handler(),
		srv:      srv,
		sc:       sc,
		registry: registry,
		gateway:  gw,
		appID:    registered.Application.ID,
	}
}

func (f *serverFixture) do(t *testing.T, req *http.Request) (*httptest.ResponseRecorder, *auth.Result) {
	t.Helper()
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	var result auth.Result
	if rec.Body.Len() > 0 {
		_ = json.Unmarshal(rec.Body.Bytes(), &result)
	}
	return rec, &result
}

// login runs the full authorize + callback flow and returns the session id.
func (f *serverFixture) login(t *testing.T) string {
	t.Helper()

	body, err := json.Marshal(map[string]any{"application_id": f.appID})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/oauth/authorize", bytes.NewReader(body))
	rec, result := f.do(t, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, result.Success)

	data := result.Data.(map[string]any)
	state := data["state"].(string)

	req = httptest.NewRequest(http.MethodGet,
		"/oauth/callback?application_id="+f.appID+"&code=CODE1&state="+state, nil)
	rec, result = f.do(t, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, result.Success)

	sessionData := result.Data.(map[string]any)
	return sessionData["id"].(string)
}

func TestAuthorizeCallbackSessionFlow(t *testing.T) {
	f := newServerFixture(t)

	sessionID := f.login(t)
	require.NotEmpty(t, sessionID)

	req := httptest.NewRequest(http.MethodGet, "/oauth/session", nil)
	req.Header.Set("X-Session-ID", sessionID)
	rec, result := f.do(t, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, result.Success)
}

func TestCallbackWithProviderErrorFailsFast(t *testing.T) {
	f := newServerFixture(t)

	req := httptest.NewRequest(http.MethodGet,
		"/oauth/callback?application_id="+f.appID+"&error=access_denied", nil)
	rec, result := f.do(t, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	require.NotNil(t, result.Error)
	assert.Equal(t, autherr.CodeAuthorizationFailed, result.Error.Code)
}

func TestCallbackWithUnknownStateRejected(t *testing.T) {
	f := newServerFixture(t)

	req := httptest.NewRequest(http.MethodGet,
		"/oauth/callback?application_id="+f.appID+"&code=CODE1&state=bogus", nil)
	rec, result := f.do(t, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	require.NotNil(t, result.Error)
	assert.Equal(t, autherr.CodeStateMismatch, result.Error.Code)
}

func TestAuthorizeRejectsMalformedBody(t *testing.T) {
	f := newServerFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/oauth/authorize", bytes.NewReader([]byte("{not json")))
	rec, result := f.do(t, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	require.NotNil(t, result.Error)
	assert.Equal(t, autherr.CodeInvalidRequest, result.Error.Code)
}

func TestMCPEndpointRequiresCredentials(t *testing.T) {
	f := newServerFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
	rec, result := f.do(t, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	require.NotNil(t, result.Error)
	assert.Equal(t, autherr.CodeAuthenticationFailed, result.Error.Code)
	assert.Equal(t, 0, f.registry.Count())
}

func TestMCPEndpointTracksAuthenticatedClient(t *testing.T) {
	f := newServerFixture(t)
	sessionID := f.login(t)

	req := httptest.NewRequest(http.MethodPost, "/mcp", bytes.NewReader([]byte(`{}`)))
	req.Header.Set("X-Session-ID", sessionID)
	req.Header.Set("Content-Type", "application/json")
	rec, _ := f.do(t, req)

	// The MCP handler decides the response; auth must have passed.
	assert.NotEqual(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, 1, f.registry.Count())

	// Repeat requests with the same credential reuse the session.
	rec, _ = f.do(t, req.Clone(req.Context()))
	assert.NotEqual(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, 1, f.registry.Count())
}

func TestLogoutInvalidatesSession(t *testing.T) {
	f := newServerFixture(t)
	sessionID := f.login(t)

	req := httptest.NewRequest(http.MethodPost, "/oauth/logout", nil)
	req.Header.Set("X-Session-ID", sessionID)
	rec, result := f.do(t, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, result.Success)
	assert.Equal(t, 2, f.gateway.revokeCalls)

	req = httptest.NewRequest(http.MethodGet, "/oauth/session", nil)
	req.Header.Set("X-Session-ID", sessionID)
	rec, result = f.do(t, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	require.NotNil(t, result.Error)
	assert.Equal(t, autherr.CodeSessionNotFound, result.Error.Code)
}

func TestLogoutWithoutSessionIsNoOp(t *testing.T) {
	f := newServerFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/oauth/logout", nil)
	rec, result := f.do(t, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, result.Success)
	assert.Equal(t, 0, f.gateway.revokeCalls)
}

func TestSecurityHeadersSet(t *testing.T) {
	f := newServerFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec, _ := f.do(t, req)

	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
}

func TestHTTPStatusForCode(t *testing.T) {
	tests := []struct {
		code autherr.Code
		want int
	}{
		{autherr.CodeInvalidRequest, http.StatusBadRequest},
		{autherr.CodeStateMismatch, http.StatusBadRequest},
		{autherr.CodeInvalidRedirectURI, http.StatusBadRequest},
		{autherr.CodeAuthenticationFailed, http.StatusUnauthorized},
		{autherr.CodeTokenExpired, http.StatusUnauthorized},
		{autherr.CodeSessionExpired, http.StatusUnauthorized},
		{autherr.CodePermissionDenied, http.StatusForbidden},
		{autherr.CodeAuthorizationFailed, http.StatusForbidden},
		{autherr.CodeApplicationNotFound, http.StatusNotFound},
		{autherr.CodeSessionNotFound, http.StatusNotFound},
		{autherr.CodeRateLimitExceeded, http.StatusTooManyRequests},
		{autherr.CodeSessionLimitExceeded, http.StatusTooManyRequests},
		{autherr.CodeCircuitOpen, http.StatusServiceUnavailable},
		{autherr.CodeNetworkError, http.StatusServiceUnavailable},
		{autherr.CodeInternalError, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			assert.Equal(t, tt.want, httpStatusForCode(tt.code))
		})
	}
}

func TestRateLimitedResponseCarriesRetryAfter(t *testing.T) {
	rec := httptest.NewRecorder()
	writeResult(rec, &auth.Result{
		Success: false,
		Error:   autherr.RateLimited(3 * time.Second),
	})

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "3", rec.Header().Get("Retry-After"))
}

func TestValidateHTTPSRequirement(t *testing.T) {
	tests := []struct {
		name    string
		baseURL string
		wantErr bool
	}{
		{"https allowed", "https://mcp.example.com", false},
		{"http localhost allowed", "http://localhost:8080", false},
		{"http loopback allowed", "http://127.0.0.1:8080", false},
		{"http remote rejected", "http://mcp.example.com", true},
		{"empty rejected", "", true},
		{"bad scheme rejected", "ftp://example.com", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateHTTPSRequirement(tt.baseURL)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
