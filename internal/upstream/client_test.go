package upstream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentgate/agentgate/internal/auth/autherr"
)

func TestHTTPGateway_ExchangeCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "authorization_code", r.Form.Get("grant_type"))
		assert.Equal(t, "c1", r.Form.Get("code"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"access_token": "AT1",
			"token_type": "Bearer",
			"expires_in": 3600,
			"refresh_token": "RT1",
			"scope": "read write"
		}`))
	}))
	defer srv.Close()

	g := NewHTTPGateway(Endpoints{TokenURL: srv.URL})
	resp, err := g.ExchangeCode(context.Background(), "client-1", "secret", "c1", "https://app.example.com/cb")

	require.NoError(t, err)
	assert.Equal(t, "AT1", resp.AccessToken)
	assert.Equal(t, "RT1", resp.RefreshToken)
	assert.Equal(t, "read write", resp.Scope)
	assert.InDelta(t, time.Hour.Seconds(), resp.ExpiresIn.Seconds(), 5)
}

func TestHTTPGateway_ExchangeCode_ProviderRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error": "invalid_grant", "error_description": "code expired"}`))
	}))
	defer srv.Close()

	g := NewHTTPGateway(Endpoints{TokenURL: srv.URL})
	_, err := g.ExchangeCode(context.Background(), "client-1", "secret", "stale", "https://app.example.com/cb")

	assert.Equal(t, autherr.CodeInvalidGrant, autherr.CodeOf(err))
	assert.False(t, autherr.IsRecoverable(err))
}

func TestHTTPGateway_ExchangeCode_NetworkFailure(t *testing.T) {
	srv := httptest.NewServer(nil)
	srv.Close() // connection refused

	g := NewHTTPGateway(Endpoints{TokenURL: srv.URL})
	_, err := g.ExchangeCode(context.Background(), "client-1", "secret", "c1", "https://app.example.com/cb")

	assert.Equal(t, autherr.CodeNetworkError, autherr.CodeOf(err))
	assert.True(t, autherr.IsRecoverable(err))
}

func TestHTTPGateway_Revoke_AlwaysSucceedsOnProviderOK(t *testing.T) {
	var gotHint string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		gotHint = r.Form.Get("token_type_hint")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	g := NewHTTPGateway(Endpoints{RevokeURL: srv.URL})
	err := g.Revoke(context.Background(), "client-1", "AT1", "access_token")

	require.NoError(t, err)
	assert.Equal(t, "access_token", gotHint)
}

func TestHTTPGateway_Revoke_NoEndpointIsNoOp(t *testing.T) {
	g := NewHTTPGateway(Endpoints{})
	assert.NoError(t, g.Revoke(context.Background(), "client-1", "AT1", "access_token"))
}

func TestHTTPGateway_GetUserInfo(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer AT1", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"sub": "u-123",
			"name": "Ada",
			"email": "ada@example.com",
			"preferred_username": "ada"
		}`))
	}))
	defer srv.Close()

	g := NewHTTPGateway(Endpoints{UserInfoURL: srv.URL})
	info, err := g.GetUserInfo(context.Background(), "AT1")

	require.NoError(t, err)
	assert.Equal(t, "u-123", info.ID)
	assert.Equal(t, "ada@example.com", info.Email)
}

func TestHTTPGateway_GetUserInfo_RejectedToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	g := NewHTTPGateway(Endpoints{UserInfoURL: srv.URL})
	_, err := g.GetUserInfo(context.Background(), "bad")

	assert.Equal(t, autherr.CodeTokenInvalid, autherr.CodeOf(err))
}

func TestMapProviderErrorCode(t *testing.T) {
	tests := []struct {
		provider string
		want     autherr.Code
	}{
		{"access_denied", autherr.CodeAuthorizationFailed},
		{"invalid_grant", autherr.CodeInvalidGrant},
		{"invalid_client", autherr.CodeInvalidClient},
		{"invalid_scope", autherr.CodeInvalidScope},
		{"unsupported_grant_type", autherr.CodeUnsupportedGrantType},
		{"server_error", autherr.CodeNetworkError},
		{"temporarily_unavailable", autherr.CodeNetworkError},
	}

	for _, tt := range tests {
		t.Run(tt.provider, func(t *testing.T) {
			assert.Equal(t, tt.want, MapProviderErrorCode(tt.provider))
		})
	}
}
