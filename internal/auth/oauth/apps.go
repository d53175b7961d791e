package oauth

import (
	"crypto/rand"
	"encoding/base64"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/agentgate/agentgate/internal/auth/autherr"
	"github.com/agentgate/agentgate/internal/logging"
)

// Applications is the registry of OAuth client applications. Applications
// are never hard-deleted; Deactivate clears the active flag so existing
// references stay resolvable.
type Applications struct {
	mu           sync.RWMutex
	byID         map[string]*Application
	byClientID   map[string]string // client id -> application id
	requireHTTPS bool
	logger       *slog.Logger
}

// NewApplications creates an empty application registry. requireHTTPS
// rejects non-HTTPS redirect URIs (localhost is always exempt for
// development loopback flows).
func NewApplications(logger *slog.Logger, requireHTTPS bool) *Applications {
	if logger == nil {
		logger = slog.Default()
	}
	return &Applications{
		byID:         make(map[string]*Application),
		byClientID:   make(map[string]string),
		requireHTTPS: requireHTTPS,
		logger:       logger,
	}
}

// Register validates the request, generates a client id/secret pair, and
// stores the application. The plain secret is returned once and only its
// bcrypt hash is retained.
func (a *Applications) Register(req *RegisterRequest) (*RegisterResponse, error) {
	if req == nil {
		return nil, autherr.New(autherr.CodeInvalidRequest, "registration request cannot be nil")
	}
	if req.Name == "" {
		return nil, autherr.New(autherr.CodeInvalidRequest, "application name is required")
	}
	if err := a.validateRedirectURI(req.RedirectURI); err != nil {
		return nil, err
	}
	if err := validateAbsoluteURL(req.BaseURL, "base URL"); err != nil {
		return nil, err
	}
	if len(req.Scopes) == 0 {
		return nil, autherr.New(autherr.CodeInvalidRequest, "at least one scope is required")
	}

	clientID, err := generateSecureToken(clientIDBytes)
	if err != nil {
		return nil, autherr.Wrap(autherr.CodeInternalError, "generating client id failed", err)
	}
	clientSecret, err := generateSecureToken(clientSecretBytes)
	if err != nil {
		return nil, autherr.Wrap(autherr.CodeInternalError, "generating client secret failed", err)
	}
	secretHash, err := bcrypt.GenerateFromPassword([]byte(clientSecret), bcrypt.DefaultCost)
	if err != nil {
		return nil, autherr.Wrap(autherr.CodeInternalError, "hashing client secret failed", err)
	}

	now := time.Now()
	app := &Application{
		ID:               uuid.NewString(),
		Name:             req.Name,
		ClientID:         clientID,
		ClientSecret:     clientSecret,
		ClientSecretHash: string(secretHash),
		RedirectURI:      req.RedirectURI,
		BaseURL:          req.BaseURL,
		InstanceKind:     req.InstanceKind,
		Scopes:           append([]string(nil), req.Scopes...),
		Active:           true,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	a.mu.Lock()
	a.byID[app.ID] = app
	a.byClientID[app.ClientID] = app.ID
	a.mu.Unlock()

	a.logger.Info("registered application",
		logging.Application(app.ID),
		slog.String("name", app.Name),
		slog.String("redirect_uri", app.RedirectURI))

	return &RegisterResponse{Application: app, ClientSecret: clientSecret}, nil
}

// Import registers an application with provider-issued client credentials
// instead of generating a fresh pair, for providers that manage client
// registration themselves. The plain secret is retained for upstream
// token calls; its bcrypt hash backs ValidateSecret.
func (a *Applications) Import(req *RegisterRequest, clientID, clientSecret string) (*Application, error) {
	if req == nil {
		return nil, autherr.New(autherr.CodeInvalidRequest, "registration request cannot be nil")
	}
	if req.Name == "" {
		return nil, autherr.New(autherr.CodeInvalidRequest, "application name is required")
	}
	if clientID == "" {
		return nil, autherr.New(autherr.CodeInvalidRequest, "client id is required")
	}
	if err := a.validateRedirectURI(req.RedirectURI); err != nil {
		return nil, err
	}
	if err := validateAbsoluteURL(req.BaseURL, "base URL"); err != nil {
		return nil, err
	}
	if len(req.Scopes) == 0 {
		return nil, autherr.New(autherr.CodeInvalidRequest, "at least one scope is required")
	}

	secretHash, err := bcrypt.GenerateFromPassword([]byte(clientSecret), bcrypt.DefaultCost)
	if err != nil {
		return nil, autherr.Wrap(autherr.CodeInternalError, "hashing client secret failed", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if _, exists := a.byClientID[clientID]; exists {
		return nil, autherr.New(autherr.CodeInvalidClient, "client id is already registered")
	}

	now := time.Now()
	app := &Application{
		ID:               uuid.NewString(),
		Name:             req.Name,
		ClientID:         clientID,
		ClientSecret:     clientSecret,
		ClientSecretHash: string(secretHash),
		RedirectURI:      req.RedirectURI,
		BaseURL:          req.BaseURL,
		InstanceKind:     req.InstanceKind,
		Scopes:           append([]string(nil), req.Scopes...),
		Active:           true,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	a.byID[app.ID] = app
	a.byClientID[app.ClientID] = app.ID

	a.logger.Info("imported application",
		logging.Application(app.ID),
		slog.String("name", app.Name))
	return app, nil
}

// Get resolves an application by its ID.
func (a *Applications) Get(id string) (*Application, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	app, ok := a.byID[id]
	if !ok {
		return nil, autherr.New(autherr.CodeApplicationNotFound, "application not found")
	}
	return app, nil
}

// GetByClientID resolves an application by its OAuth client id.
func (a *Applications) GetByClientID(clientID string) (*Application, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	id, ok := a.byClientID[clientID]
	if !ok {
		return nil, autherr.New(autherr.CodeApplicationNotFound, "application not found")
	}
	return a.byID[id], nil
}

// Update mutates the given fields on an application. Nil fields in the
// request are left unchanged.
func (a *Applications) Update(id string, req *UpdateRequest) (*Application, error) {
	if req == nil {
		return nil, autherr.New(autherr.CodeInvalidRequest, "update request cannot be nil")
	}
	if req.RedirectURI != nil {
		if err := a.validateRedirectURI(*req.RedirectURI); err != nil {
			return nil, err
		}
	}
	if req.BaseURL != nil {
		if err := validateAbsoluteURL(*req.BaseURL, "base URL"); err != nil {
			return nil, err
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	app, ok := a.byID[id]
	if !ok {
		return nil, autherr.New(autherr.CodeApplicationNotFound, "application not found")
	}

	if req.Name != nil {
		app.Name = *req.Name
	}
	if req.RedirectURI != nil {
		app.RedirectURI = *req.RedirectURI
	}
	if req.BaseURL != nil {
		app.BaseURL = *req.BaseURL
	}
	if req.Scopes != nil {
		app.Scopes = append([]string(nil), req.Scopes...)
	}
	app.UpdatedAt = time.Now()

	a.logger.Info("updated application", logging.Application(app.ID))
	return app, nil
}

// Deactivate marks an application inactive. Existing sessions bound to
// it keep resolving, but no new authorization flows may start.
func (a *Applications) Deactivate(id string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	app, ok := a.byID[id]
	if !ok {
		return autherr.New(autherr.CodeApplicationNotFound, "application not found")
	}
	app.Active = false
	app.UpdatedAt = time.Now()

	a.logger.Info("deactivated application", logging.Application(id))
	return nil
}

// ValidateSecret compares a presented client secret against the stored hash.
func (a *Applications) ValidateSecret(clientID, clientSecret string) error {
	app, err := a.GetByClientID(clientID)
	if err != nil {
		return err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(app.ClientSecretHash), []byte(clientSecret)); err != nil {
		return autherr.New(autherr.CodeInvalidClient, "invalid client credentials")
	}
	return nil
}

// Count returns the number of registered applications.
func (a *Applications) Count() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.byID)
}

func (a *Applications) validateRedirectURI(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return autherr.New(autherr.CodeInvalidRequest, "redirect URI must be an absolute URL")
	}
	if a.requireHTTPS && u.Scheme != "https" && u.Hostname() != "localhost" && u.Hostname() != "127.0.0.1" {
		return autherr.New(autherr.CodeInvalidRequest, "redirect URI must use HTTPS")
	}
	return nil
}

func validateAbsoluteURL(raw, field string) error {
	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return autherr.Newf(autherr.CodeInvalidRequest, "%s must be an absolute URL", field)
	}
	return nil
}

// generateSecureToken returns a URL-safe random token of the given byte length.
func generateSecureToken(length int) (string, error) {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString(b), nil
}
