package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"
	"go.opentelemetry.io/otel/trace"

	"github.com/agentgate/agentgate/internal/auth"
	"github.com/agentgate/agentgate/internal/auth/autherr"
	"github.com/agentgate/agentgate/internal/instrumentation"
)

// identityContextKey is the context key under which the authenticated
// identity is stored for downstream handlers.
type identityContextKey struct{}

// IdentityFromContext returns the authenticated identity attached by the
// auth middleware, or nil if the request was not authenticated.
func IdentityFromContext(ctx context.Context) *auth.AuthenticatedIdentity {
	identity, _ := ctx.Value(identityContextKey{}).(*auth.AuthenticatedIdentity)
	return identity
}

// AuthHTTPServerConfig holds configuration for the auth-enabled HTTP server.
type AuthHTTPServerConfig struct {
	// BaseURL is the public URL this server is reachable at. HTTPS is
	// required except for loopback addresses.
	BaseURL string

	// DisableStreaming disables streaming on the MCP HTTP transport for
	// compatibility with certain clients.
	DisableStreaming bool

	// TLSCertFile and TLSKeyFile enable HTTPS when both are set.
	TLSCertFile string
	TLSKeyFile  string
}

// AuthHTTPServer hosts the MCP endpoint behind the authentication façade
// and exposes the OAuth login surface: authorization-URL issuance, the
// provider callback, session validation, and logout.
type AuthHTTPServer struct {
	mcpServer     *mcpserver.MCPServer
	serverContext *ServerContext
	httpServer    *http.Server
	healthChecker *HealthChecker
	sessions      *SessionBridge
	metrics       *instrumentation.Metrics
	config        AuthHTTPServerConfig
}

// NewAuthHTTPServer creates an auth-enabled HTTP server for MCP.
func NewAuthHTTPServer(mcpServer *mcpserver.MCPServer, sc *ServerContext, config AuthHTTPServerConfig) (*AuthHTTPServer, error) {
	if err := validateHTTPSRequirement(config.BaseURL); err != nil {
		return nil, err
	}

	return &AuthHTTPServer{
		mcpServer:     mcpServer,
		serverContext: sc,
		sessions:      NewSessionBridge(sc.Registry()),
		config:        config,
	}, nil
}

// SetHealthChecker attaches the health checker whose endpoints are
// registered on this server's mux.
func (s *AuthHTTPServer) SetHealthChecker(h *HealthChecker) {
	s.healthChecker = h
}

// SetMetrics attaches the metrics recorder for request instrumentation.
func (s *AuthHTTPServer) SetMetrics(m *instrumentation.Metrics) {
	s.metrics = m
}

// Handler builds the full HTTP handler: OAuth endpoints, health probes,
// and the MCP endpoint wrapped in the authentication middleware.
func (s *AuthHTTPServer) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /oauth/authorize", s.handleAuthorize)
	mux.HandleFunc("GET /oauth/callback", s.handleCallback)
	mux.HandleFunc("GET /oauth/session", s.handleValidateSession)
	mux.HandleFunc("POST /oauth/logout", s.handleLogout)

	if s.healthChecker != nil {
		s.healthChecker.RegisterHealthEndpoints(mux)
	}

	var mcpHandler http.Handler
	if s.config.DisableStreaming {
		mcpHandler = mcpserver.NewStreamableHTTPServer(s.mcpServer,
			mcpserver.WithEndpointPath("/mcp"),
			mcpserver.WithDisableStreaming(true),
		)
	} else {
		mcpHandler = mcpserver.NewStreamableHTTPServer(s.mcpServer,
			mcpserver.WithEndpointPath("/mcp"),
		)
	}
	mux.Handle("/mcp", s.requireAuth(s.sessions.Track(mcpHandler)))

	return securityHeaders(mux)
}

// Start starts the HTTP server, with TLS when certificate and key files
// are configured.
func (s *AuthHTTPServer) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	if s.config.TLSCertFile != "" && s.config.TLSKeyFile != "" {
		return s.httpServer.ListenAndServeTLS(s.config.TLSCertFile, s.config.TLSKeyFile)
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *AuthHTTPServer) Shutdown(ctx context.Context) error {
	s.sessions.Stop()
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// authorizeRequest is the JSON body for POST /oauth/authorize.
type authorizeRequest struct {
	ApplicationID string            `json:"application_id"`
	State         string            `json:"state,omitempty"`
	ExtraParams   map[string]string `json:"extra_params,omitempty"`
}

func (s *AuthHTTPServer) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	_, span := instrumentation.StartAuthSpan(r.Context(), instrumentation.OperationStartAuthorization)
	defer span.End()

	var req authorizeRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		instrumentation.SetSpanError(span, err)
		writeError(w, autherr.New(autherr.CodeInvalidRequest, "request body is not valid JSON"))
		return
	}

	result := s.serverContext.Facade().StartAuthorization(&auth.StartAuthorizationRequest{
		ApplicationID: req.ApplicationID,
		State:         req.State,
		ExtraParams:   req.ExtraParams,
	})
	finishSpan(span, result)
	writeResult(w, result)
}

func (s *AuthHTTPServer) handleCallback(w http.ResponseWriter, r *http.Request) {
	ctx, span := instrumentation.StartAuthSpan(r.Context(), instrumentation.OperationHandleCallback)
	defer span.End()

	q := r.URL.Query()

	result := s.serverContext.Facade().HandleCallback(ctx, &auth.CallbackRequest{
		ApplicationID:            q.Get("application_id"),
		Code:                     q.Get("code"),
		State:                    q.Get("state"),
		RedirectURI:              s.callbackRedirectURI(r),
		ProviderError:            q.Get("error"),
		ProviderErrorDescription: q.Get("error_description"),
	})
	finishSpan(span, result)

	s.audit(ctx, instrumentation.OperationHandleCallback, result)
	writeResult(w, result)
}

// callbackRedirectURI reconstructs the redirect URI the provider used,
// which must match the one registered for the application.
func (s *AuthHTTPServer) callbackRedirectURI(r *http.Request) string {
	return strings.TrimSuffix(s.config.BaseURL, "/") + r.URL.Path
}

func (s *AuthHTTPServer) handleValidateSession(w http.ResponseWriter, r *http.Request) {
	ctx, span := instrumentation.StartAuthSpan(r.Context(), instrumentation.OperationValidate)
	defer span.End()

	sessionID := r.Header.Get("X-Session-ID")
	result := s.serverContext.Facade().ValidateSession(ctx, sessionID)
	finishSpan(span, result)
	writeResult(w, result)
}

func (s *AuthHTTPServer) handleLogout(w http.ResponseWriter, r *http.Request) {
	ctx, span := instrumentation.StartAuthSpan(r.Context(), instrumentation.OperationLogout)
	defer span.End()

	sessionID := r.Header.Get("X-Session-ID")
	result := s.serverContext.Facade().Logout(ctx, sessionID)
	finishSpan(span, result)

	s.audit(ctx, instrumentation.OperationLogout, result)
	writeResult(w, result)
}

// finishSpan sets the span status from the façade envelope.
func finishSpan(span trace.Span, result *auth.Result) {
	if result.Success {
		instrumentation.SetSpanSuccess(span)
		return
	}
	if result.Error != nil {
		instrumentation.SetSpanError(span, result.Error)
	}
}

// requireAuth authenticates every request before it reaches the MCP
// endpoint. A session id header takes precedence over a bearer token.
func (s *AuthHTTPServer) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		sessionID := r.Header.Get("X-Session-ID")

		result := s.serverContext.Facade().AuthenticateRequest(r.Context(), authHeader, sessionID)
		if s.metrics != nil {
			status := instrumentation.StatusSuccess
			if !result.Success {
				status = instrumentation.StatusError
			}
			s.metrics.RecordAuthRequest(r.Context(), status)
		}

		if !result.Success {
			writeResult(w, result)
			return
		}

		if identity, ok := result.Data.(*auth.AuthenticatedIdentity); ok {
			r = r.WithContext(context.WithValue(r.Context(), identityContextKey{}, identity))
		}
		next.ServeHTTP(w, r)
	})
}

func (s *AuthHTTPServer) audit(ctx context.Context, operation string, result *auth.Result) {
	audit := s.serverContext.AuditLogger()
	if audit == nil {
		return
	}

	event := instrumentation.AuthEvent{
		Operation: operation,
		Status:    instrumentation.StatusSuccess,
		Duration:  result.Metadata.ProcessingTime,
	}
	if !result.Success {
		event.Status = instrumentation.StatusError
		if result.Error != nil {
			event.Error = result.Error.Message
		}
	}
	if session, ok := result.Data.(*auth.UserSession); ok {
		event.UserEmail = session.Email
		event.ApplicationID = session.ApplicationID
		event.SessionID = session.ID
	}
	audit.LogAuthEvent(ctx, event)
}

// securityHeaders sets defensive headers on every response.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

// writeResult serializes the uniform response envelope, deriving the HTTP
// status from the error code.
func writeResult(w http.ResponseWriter, result *auth.Result) {
	w.Header().Set("Content-Type", "application/json")

	status := http.StatusOK
	if !result.Success && result.Error != nil {
		status = httpStatusForCode(result.Error.Code)
		if result.Error.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(result.Error.RetryAfter.Seconds())))
		}
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(result)
}

func writeError(w http.ResponseWriter, err *autherr.Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatusForCode(err.Code))
	_ = json.NewEncoder(w).Encode(&auth.Result{
		Success: false,
		Error:   err,
	})
}

// httpStatusForCode maps the error taxonomy onto HTTP status codes.
func httpStatusForCode(code autherr.Code) int {
	switch code {
	case autherr.CodeInvalidRequest,
		autherr.CodeInvalidClient,
		autherr.CodeInvalidGrant,
		autherr.CodeInvalidScope,
		autherr.CodeUnsupportedGrantType,
		autherr.CodeStateMismatch,
		autherr.CodeInvalidRedirectURI,
		autherr.CodeInvalidTransition:
		return http.StatusBadRequest
	case autherr.CodeAuthenticationFailed,
		autherr.CodeTokenInvalid,
		autherr.CodeTokenExpired,
		autherr.CodeTokenRevoked,
		autherr.CodeSessionExpired:
		return http.StatusUnauthorized
	case autherr.CodeAuthorizationFailed,
		autherr.CodePermissionDenied:
		return http.StatusForbidden
	case autherr.CodeApplicationNotFound,
		autherr.CodeSessionNotFound:
		return http.StatusNotFound
	case autherr.CodeRateLimitExceeded,
		autherr.CodeSessionLimitExceeded:
		return http.StatusTooManyRequests
	case autherr.CodeCircuitOpen,
		autherr.CodeNetworkError:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// validateHTTPSRequirement ensures the public base URL uses HTTPS.
// HTTP is allowed only for loopback addresses (localhost, 127.0.0.1, ::1).
func validateHTTPSRequirement(baseURL string) error {
	if baseURL == "" {
		return fmt.Errorf("base URL cannot be empty")
	}

	u, err := url.Parse(baseURL)
	if err != nil {
		return fmt.Errorf("invalid base URL: %w", err)
	}

	if u.Scheme == "http" {
		host := u.Hostname()
		if host != "localhost" && host != "127.0.0.1" && host != "::1" {
			return fmt.Errorf("HTTPS is required for production (got: %s); use HTTPS or localhost for development", baseURL)
		}
	} else if u.Scheme != "https" {
		return fmt.Errorf("invalid URL scheme: %s, must be http (localhost only) or https", u.Scheme)
	}

	return nil
}
