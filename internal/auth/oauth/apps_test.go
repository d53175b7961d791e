package oauth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validRegisterRequest() *RegisterRequest {
	return &RegisterRequest{
		Name:        "Test App",
		RedirectURI: "https://app.example.com/callback",
		BaseURL:     "https://provider.example.com",
		Scopes:      []string{"read", "write"},
	}
}

func TestApplications_Register(t *testing.T) {
	apps := NewApplications(nil, true)

	resp, err := apps.Register(validRegisterRequest())
	require.NoError(t, err)

	assert.NotEmpty(t, resp.Application.ID)
	assert.NotEmpty(t, resp.Application.ClientID)
	assert.NotEmpty(t, resp.ClientSecret)
	assert.True(t, resp.Application.Active)
	assert.NotEqual(t, resp.ClientSecret, resp.Application.ClientSecretHash)

	// Credential pairs are unique across registrations.
	second, err := apps.Register(validRegisterRequest())
	require.NoError(t, err)
	assert.NotEqual(t, resp.Application.ClientID, second.Application.ClientID)
	assert.NotEqual(t, resp.ClientSecret, second.ClientSecret)
}

func TestApplications_Register_Validation(t *testing.T) {
	apps := NewApplications(nil, true)

	tests := []struct {
		name   string
		mutate func(*RegisterRequest)
	}{
		{"empty name", func(r *RegisterRequest) { r.Name = "" }},
		{"relative redirect URI", func(r *RegisterRequest) { r.RedirectURI = "/callback" }},
		{"http redirect URI", func(r *RegisterRequest) { r.RedirectURI = "http://app.example.com/cb" }},
		{"relative base URL", func(r *RegisterRequest) { r.BaseURL = "provider.example.com" }},
		{"empty scopes", func(r *RegisterRequest) { r.Scopes = nil }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validRegisterRequest()
			tt.mutate(req)
			_, err := apps.Register(req)
			assert.Error(t, err)
		})
	}
}

func TestApplications_Register_LocalhostExemptFromHTTPS(t *testing.T) {
	apps := NewApplications(nil, true)

	req := validRegisterRequest()
	req.RedirectURI = "http://localhost:8080/callback"

	_, err := apps.Register(req)
	assert.NoError(t, err)
}

func TestApplications_ValidateSecret(t *testing.T) {
	apps := NewApplications(nil, true)

	resp, err := apps.Register(validRegisterRequest())
	require.NoError(t, err)

	assert.NoError(t, apps.ValidateSecret(resp.Application.ClientID, resp.ClientSecret))
	assert.Error(t, apps.ValidateSecret(resp.Application.ClientID, "wrong"))
	assert.Error(t, apps.ValidateSecret("unknown-client", resp.ClientSecret))
}

func TestApplications_UpdateAndDeactivate(t *testing.T) {
	apps := NewApplications(nil, true)

	resp, err := apps.Register(validRegisterRequest())
	require.NoError(t, err)
	id := resp.Application.ID

	newName := "Renamed"
	updated, err := apps.Update(id, &UpdateRequest{Name: &newName})
	require.NoError(t, err)
	assert.Equal(t, "Renamed", updated.Name)
	assert.Equal(t, resp.Application.RedirectURI, updated.RedirectURI, "unset fields stay unchanged")

	require.NoError(t, apps.Deactivate(id))

	// Deactivated applications stay resolvable.
	app, err := apps.Get(id)
	require.NoError(t, err)
	assert.False(t, app.Active)
}

func TestApplications_GetUnknown(t *testing.T) {
	apps := NewApplications(nil, true)

	_, err := apps.Get("missing")
	assert.Error(t, err)
}

func TestApplications_Import(t *testing.T) {
	apps := NewApplications(nil, true)

	app, err := apps.Import(validRegisterRequest(), "provider-client-id", "provider-secret")
	require.NoError(t, err)
	assert.Equal(t, "provider-client-id", app.ClientID)
	assert.Equal(t, "provider-secret", app.ClientSecret)
	assert.True(t, app.Active)

	// The imported secret validates against its hash.
	require.NoError(t, apps.ValidateSecret("provider-client-id", "provider-secret"))

	// A duplicate client id is rejected.
	_, err = apps.Import(validRegisterRequest(), "provider-client-id", "other-secret")
	require.Error(t, err)

	// A missing client id is rejected.
	_, err = apps.Import(validRegisterRequest(), "", "secret")
	require.Error(t, err)
}
