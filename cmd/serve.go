package cmd

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/agentgate/agentgate/internal/auth"
	"github.com/agentgate/agentgate/internal/auth/oauth"
	"github.com/agentgate/agentgate/internal/auth/session"
	"github.com/agentgate/agentgate/internal/auth/token"
	"github.com/agentgate/agentgate/internal/instrumentation"
	"github.com/agentgate/agentgate/internal/logging"
	"github.com/agentgate/agentgate/internal/resilience"
	"github.com/agentgate/agentgate/internal/server"
	"github.com/agentgate/agentgate/internal/tools/auth_tools"
	"github.com/agentgate/agentgate/internal/upstream"
)

// ProviderConfig holds the upstream identity-provider coordinates and the
// client credentials issued by it.
type ProviderConfig struct {
	// BaseURL is the provider's root URL; the standard endpoint paths are
	// derived from it unless overridden individually.
	BaseURL     string
	TokenURL    string
	RevokeURL   string
	UserInfoURL string

	ClientID     string
	ClientSecret string
	RedirectURI  string
	Scopes       []string
}

// ResilienceConfig tunes the protections around upstream calls.
type ResilienceConfig struct {
	RateLimit        float64
	RateBurst        int
	BreakerThreshold int
	BreakerCooldown  time.Duration
	MaxRetries       int
}

// SessionConfig tunes session lifetimes and ceilings.
type SessionConfig struct {
	ClientTimeout      time.Duration
	MaxClients         int
	UserSessionTTL     time.Duration
	MaxSessionsPerUser int
	RefreshThreshold   time.Duration
}

// MetricsConfig holds configuration for the metrics server.
type MetricsConfig struct {
	// Enabled determines whether to start the metrics server (default: true)
	Enabled bool

	// Addr is the address for the metrics server (e.g., ":9090")
	Addr string
}

func newServeCmd() *cobra.Command {
	var (
		debugMode        bool
		transport        string
		httpAddr         string
		yolo             bool
		disableStreaming bool
		baseURL          string

		providerURL         string
		providerTokenURL    string
		providerRevokeURL   string
		providerUserInfoURL string
		clientID            string
		clientSecret        string
		redirectURI         string
		scopes              string

		rateLimit        float64
		rateBurst        int
		breakerThreshold int
		breakerCooldown  time.Duration
		maxRetries       int

		clientTimeout      time.Duration
		maxClients         int
		userSessionTTL     time.Duration
		maxSessionsPerUser int
		refreshThreshold   time.Duration

		tlsCertFile string
		tlsKeyFile  string

		metricsEnabled bool
		metricsAddr    string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the authentication-gated MCP server",
		Long: `Start the MCP server behind OAuth 2.0 authentication.

Supports multiple transport types:
  - stdio: Standard input/output (no authentication, for local development)
  - streamable-http: Streamable HTTP transport with full authentication

Provider Configuration (HTTP transport):
  The upstream identity provider is configured with --provider-url plus the
  client credentials it issued:
    --client-id and --client-secret flags
    OR OAUTH_CLIENT_ID and OAUTH_CLIENT_SECRET env vars

  Base URL (required for deployed instances):
    --base-url https://your-domain.com OR MCP_BASE_URL env var
    Auto-detected for localhost (development only)

Safety Mode:
  By default, the server operates in read-only mode. Use --yolo to enable
  write operations (logout of arbitrary sessions).`,
		RunE: func(cmd *cobra.Command, args []string) error {
			// Environment fallbacks for secrets and deployment coordinates.
			if clientID == "" {
				clientID = os.Getenv("OAUTH_CLIENT_ID")
			}
			if clientSecret == "" {
				clientSecret = os.Getenv("OAUTH_CLIENT_SECRET")
			}
			if providerURL == "" {
				providerURL = os.Getenv("OAUTH_PROVIDER_URL")
			}
			if baseURL == "" {
				baseURL = os.Getenv("MCP_BASE_URL")
			}
			if tlsCertFile == "" {
				tlsCertFile = os.Getenv("TLS_CERT_FILE")
			}
			if tlsKeyFile == "" {
				tlsKeyFile = os.Getenv("TLS_KEY_FILE")
			}
			if !cmd.Flags().Changed("metrics-addr") {
				if addr := os.Getenv("METRICS_ADDR"); addr != "" {
					metricsAddr = addr
				}
			}
			if !cmd.Flags().Changed("metrics-enabled") {
				if v := os.Getenv("METRICS_ENABLED"); v != "" {
					if parsed, err := strconv.ParseBool(v); err == nil {
						metricsEnabled = parsed
					}
				}
			}

			providerConfig := ProviderConfig{
				BaseURL:      providerURL,
				TokenURL:     providerTokenURL,
				RevokeURL:    providerRevokeURL,
				UserInfoURL:  providerUserInfoURL,
				ClientID:     clientID,
				ClientSecret: clientSecret,
				RedirectURI:  redirectURI,
				Scopes:       parseCommaSeparatedList(scopes),
			}
			resilienceConfig := ResilienceConfig{
				RateLimit:        rateLimit,
				RateBurst:        rateBurst,
				BreakerThreshold: breakerThreshold,
				BreakerCooldown:  breakerCooldown,
				MaxRetries:       maxRetries,
			}
			sessionConfig := SessionConfig{
				ClientTimeout:      clientTimeout,
				MaxClients:         maxClients,
				UserSessionTTL:     userSessionTTL,
				MaxSessionsPerUser: maxSessionsPerUser,
				RefreshThreshold:   refreshThreshold,
			}
			metricsConfig := MetricsConfig{
				Enabled: metricsEnabled,
				Addr:    metricsAddr,
			}

			return runServe(transport, debugMode, httpAddr, yolo, disableStreaming,
				baseURL, tlsCertFile, tlsKeyFile,
				providerConfig, resilienceConfig, sessionConfig, metricsConfig)
		},
	}

	cmd.Flags().BoolVar(&debugMode, "debug", false, "Enable debug logging")
	cmd.Flags().StringVar(&transport, "transport", "stdio", "Transport type: stdio or streamable-http")
	cmd.Flags().StringVar(&httpAddr, "http-addr", ":8080", "HTTP server address (for streamable-http transport)")
	cmd.Flags().BoolVar(&yolo, "yolo", false, "Enable write operations (logging out arbitrary sessions). Default is read-only mode.")
	cmd.Flags().BoolVar(&disableStreaming, "disable-streaming", false, "Disable streaming for HTTP transport (for compatibility with certain clients)")
	cmd.Flags().StringVar(&baseURL, "base-url", "", "Public base URL of this server. Required for deployed instances. Can also use MCP_BASE_URL env var. Example: https://mcp.example.com")

	cmd.Flags().StringVar(&providerURL, "provider-url", "", "Upstream identity provider base URL. Can also use OAUTH_PROVIDER_URL env var.")
	cmd.Flags().StringVar(&providerTokenURL, "provider-token-url", "", "Provider token endpoint (default: <provider-url>/oauth/token)")
	cmd.Flags().StringVar(&providerRevokeURL, "provider-revoke-url", "", "Provider revocation endpoint (default: <provider-url>/oauth/revoke)")
	cmd.Flags().StringVar(&providerUserInfoURL, "provider-userinfo-url", "", "Provider userinfo endpoint (default: <provider-url>/oauth/userinfo)")
	cmd.Flags().StringVar(&clientID, "client-id", "", "OAuth client ID issued by the provider. Can also use OAUTH_CLIENT_ID env var.")
	cmd.Flags().StringVar(&clientSecret, "client-secret", "", "OAuth client secret issued by the provider. Can also use OAUTH_CLIENT_SECRET env var.")
	cmd.Flags().StringVar(&redirectURI, "redirect-uri", "", "OAuth redirect URI registered with the provider (default: <base-url>/oauth/callback)")
	cmd.Flags().StringVar(&scopes, "scopes", "read", "Comma-separated OAuth scopes to request")

	cmd.Flags().Float64Var(&rateLimit, "rate-limit", 10, "Upstream calls allowed per second per application")
	cmd.Flags().IntVar(&rateBurst, "rate-burst", 20, "Upstream call burst allowance per application")
	cmd.Flags().IntVar(&breakerThreshold, "breaker-threshold", 5, "Consecutive upstream failures before the circuit opens")
	cmd.Flags().DurationVar(&breakerCooldown, "breaker-cooldown", 30*time.Second, "Cooldown before an open circuit admits a probe")
	cmd.Flags().IntVar(&maxRetries, "max-retries", 3, "Maximum retries for recoverable upstream failures")

	cmd.Flags().DurationVar(&clientTimeout, "session-timeout", session.DefaultSessionTimeout, "Idle timeout for client connections")
	cmd.Flags().IntVar(&maxClients, "max-sessions", session.DefaultMaxSessions, "Ceiling on concurrent client connections")
	cmd.Flags().DurationVar(&userSessionTTL, "user-session-ttl", auth.DefaultUserSessionTTL, "Lifetime of an authenticated user session")
	cmd.Flags().IntVar(&maxSessionsPerUser, "max-sessions-per-user", auth.DefaultMaxConcurrentSessions, "Ceiling on concurrent sessions per user")
	cmd.Flags().DurationVar(&refreshThreshold, "refresh-threshold", auth.DefaultRefreshThreshold, "How close to expiry an access token may get before proactive refresh")

	cmd.Flags().StringVar(&tlsCertFile, "tls-cert-file", "", "Path to TLS certificate file (PEM format). If provided with --tls-key-file, enables HTTPS. Can also use TLS_CERT_FILE env var.")
	cmd.Flags().StringVar(&tlsKeyFile, "tls-key-file", "", "Path to TLS private key file (PEM format). If provided with --tls-cert-file, enables HTTPS. Can also use TLS_KEY_FILE env var.")

	cmd.Flags().BoolVar(&metricsEnabled, "metrics-enabled", true, "Enable the metrics server on a dedicated port. Can also use METRICS_ENABLED env var.")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":9090", "Metrics server address. Can also use METRICS_ADDR env var.")

	return cmd
}

func runServe(transport string, debugMode bool, httpAddr string, yolo, disableStreaming bool,
	baseURL, tlsCertFile, tlsKeyFile string,
	providerConfig ProviderConfig, resilienceConfig ResilienceConfig,
	sessionConfig SessionConfig, metricsConfig MetricsConfig) error {

	// Setup graceful shutdown
	shutdownCtx, cancel := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger := logging.NewLogger(debugMode)
	slog.SetDefault(logger)

	// Initialize instrumentation provider
	instrConfig := instrumentation.DefaultConfig()
	instrConfig.ServiceVersion = version

	provider, err := instrumentation.NewProvider(shutdownCtx, instrConfig)
	if err != nil {
		return fmt.Errorf("failed to create instrumentation provider: %w", err)
	}
	defer func() {
		if err := provider.Shutdown(shutdownCtx); err != nil {
			if transport != "stdio" {
				log.Printf("Error during instrumentation shutdown: %v", err)
			}
		}
	}()
	metrics := provider.Metrics()

	// Start metrics server if enabled and not in stdio mode
	var metricsServer *server.MetricsServer
	if transport != "stdio" && metricsConfig.Enabled && provider.Enabled() {
		metricsServer, err = server.NewMetricsServer(server.MetricsServerConfig{
			Addr:                    metricsConfig.Addr,
			Enabled:                 true,
			InstrumentationProvider: provider,
		})
		if err != nil {
			return fmt.Errorf("failed to create metrics server: %w", err)
		}

		// Use ready channel to confirm metrics server started successfully
		metricsReady := make(chan struct{})
		metricsErr := make(chan error, 1)
		go func() {
			if err := metricsServer.StartWithReadySignal(metricsReady); err != nil && err != http.ErrServerClosed {
				metricsErr <- err
			}
			close(metricsErr)
		}()

		select {
		case <-metricsReady:
			log.Printf("Metrics server started on %s", metricsServer.Addr())
		case err := <-metricsErr:
			return fmt.Errorf("metrics server failed to start: %w", err)
		case <-time.After(5 * time.Second):
			return fmt.Errorf("metrics server startup timed out")
		}

		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := metricsServer.Shutdown(shutdownCtx); err != nil {
				log.Printf("Error during metrics server shutdown: %v", err)
			}
		}()
	}

	// Determine base URL from flag, environment variable, or auto-detection
	if baseURL == "" {
		baseURL = fmt.Sprintf("http://%s", httpAddr)
		if httpAddr[0] == ':' {
			baseURL = fmt.Sprintf("http://localhost%s", httpAddr)
		}
		if transport != "stdio" {
			log.Printf("No base URL configured, using auto-detected: %s", baseURL)
			log.Printf("For deployed instances, set --base-url flag or MCP_BASE_URL env var")
		}
	}

	// Wire the authentication core. The gateway is wrapped so every
	// upstream call carries a span and feeds the duration histogram and
	// per-operation counters.
	gateway := upstream.NewInstrumentedGateway(
		upstream.NewHTTPGateway(providerEndpoints(providerConfig),
			upstream.WithGatewayLogger(logger)),
		metrics)

	breaker := resilience.NewBreaker(
		resilience.WithFailureThreshold(resilienceConfig.BreakerThreshold),
		resilience.WithCooldown(resilienceConfig.BreakerCooldown),
		resilience.WithStateChangeHook(func(from, to resilience.BreakerState) {
			metrics.RecordCircuitStateChange(context.Background(), from.String(), to.String())
		}),
	)
	limiter := resilience.NewRateLimiter(resilienceConfig.RateLimit, resilienceConfig.RateBurst)
	defer limiter.Stop()

	guard := resilience.NewGuard(
		resilience.WithRateLimiter(limiter),
		resilience.WithBreaker(breaker),
		resilience.WithRetrier(resilience.NewRetrier(
			resilience.WithMaxRetries(resilienceConfig.MaxRetries))),
		resilience.WithRateLimitHook(func(string) {
			metrics.RecordRateLimitRejection(context.Background())
		}),
		resilience.WithLogger(logger),
	)

	store := token.NewMemoryStore(logger)
	store.SetSweepHook(func(removed int) {
		metrics.RecordTokensSwept(context.Background(), removed)
	})
	defer store.Stop()

	validator := token.NewValidator(store, logger)

	requireHTTPS := strings.HasPrefix(baseURL, "https://")
	apps := oauth.NewApplications(logger, requireHTTPS)

	flows := oauth.NewFlowStore(logger)
	defer flows.Stop()

	engine := oauth.NewEngine(apps, flows, store, validator, gateway, guard,
		oauth.WithEngineLogger(logger))

	userSessions := auth.NewUserSessions(logger,
		auth.WithUserSessionTTL(sessionConfig.UserSessionTTL),
		auth.WithMaxConcurrentSessions(sessionConfig.MaxSessionsPerUser),
		auth.WithUserSessionHook(func(delta int) {
			if delta > 0 {
				metrics.IncrementUserSessions(context.Background())
			} else {
				metrics.DecrementUserSessions(context.Background())
			}
		}))

	facade := auth.NewFacade(engine, store, validator, userSessions, gateway,
		auth.WithFacadeLogger(logger),
		auth.WithRefreshThreshold(sessionConfig.RefreshThreshold))

	// Register the application with the provider-issued credentials
	if providerConfig.ClientID != "" && providerConfig.BaseURL != "" {
		redirectURI := providerConfig.RedirectURI
		if redirectURI == "" {
			redirectURI = strings.TrimSuffix(baseURL, "/") + "/oauth/callback"
		}
		scopes := providerConfig.Scopes
		if len(scopes) == 0 {
			scopes = []string{"read"}
		}

		app, err := apps.Import(&oauth.RegisterRequest{
			Name:        "agentgate",
			RedirectURI: redirectURI,
			BaseURL:     providerConfig.BaseURL,
			Scopes:      scopes,
		}, providerConfig.ClientID, providerConfig.ClientSecret)
		if err != nil {
			return fmt.Errorf("failed to register application: %w", err)
		}
		if transport != "stdio" {
			log.Printf("Registered application %s for provider %s", app.ID, providerConfig.BaseURL)
		}
	} else if transport != "stdio" {
		log.Printf("Warning: no provider credentials configured; logins will fail until an application is registered")
		log.Printf("Provide --provider-url, --client-id and --client-secret (or OAUTH_* env vars)")
	}

	// Client-session registry with metrics fed from session events
	registryOpts := []session.RegistryOption{
		session.WithDefaultTimeout(sessionConfig.ClientTimeout),
		session.WithMaxSessions(sessionConfig.MaxClients),
		session.WithRegistryLogger(logger),
	}
	if provider.Enabled() {
		registryOpts = append(registryOpts, session.WithObserver(sessionMetricsObserver(metrics)))
	}
	registry := session.NewRegistry(registryOpts...)

	serverContext := server.NewServerContext(shutdownCtx, facade, registry)
	defer func() {
		if err := serverContext.Shutdown(); err != nil {
			if transport != "stdio" {
				log.Printf("Error during server context shutdown: %v", err)
			}
		}
	}()

	if provider.Enabled() {
		serverContext.SetMetrics(metrics)
	}
	if instrConfig.AuditLogging.Enabled {
		serverContext.SetAuditLogger(instrumentation.NewAuditLogger(logger, instrConfig.AuditLogging))
	}

	// Create MCP server
	mcpSrv := mcpserver.NewMCPServer("agentgate", version,
		mcpserver.WithToolCapabilities(true),
	)

	// readOnly is the inverse of yolo
	readOnly := !yolo
	if transport != "stdio" {
		if readOnly {
			log.Println("Starting server in READ-ONLY mode (use --yolo to enable write operations)")
		} else {
			log.Println("Starting server with WRITE operations enabled (--yolo flag is set)")
		}
	}

	if err := auth_tools.RegisterAuthTools(mcpSrv, serverContext, readOnly); err != nil {
		return fmt.Errorf("failed to register auth tools: %w", err)
	}

	switch transport {
	case "stdio":
		return runStdioServer(mcpSrv)
	case "streamable-http":
		healthChecker := server.NewHealthChecker(serverContext)
		healthChecker.SetTokenStats(store.Stats)
		return runStreamableHTTPServer(shutdownCtx, mcpSrv, serverContext, healthChecker, httpAddr, server.AuthHTTPServerConfig{
			BaseURL:          baseURL,
			DisableStreaming: disableStreaming,
			TLSCertFile:      tlsCertFile,
			TLSKeyFile:       tlsKeyFile,
		}, metricsConfig)
	default:
		return fmt.Errorf("unsupported transport type: %s (supported: stdio, streamable-http)", transport)
	}
}

// providerEndpoints derives the provider's endpoint URLs from its base URL,
// honoring individual overrides.
func providerEndpoints(cfg ProviderConfig) upstream.Endpoints {
	base := strings.TrimSuffix(cfg.BaseURL, "/")

	endpoints := upstream.Endpoints{
		AuthURL:     base + "/oauth/authorize",
		TokenURL:    base + "/oauth/token",
		RevokeURL:   base + "/oauth/revoke",
		UserInfoURL: base + "/oauth/userinfo",
	}
	if cfg.TokenURL != "" {
		endpoints.TokenURL = cfg.TokenURL
	}
	if cfg.RevokeURL != "" {
		endpoints.RevokeURL = cfg.RevokeURL
	}
	if cfg.UserInfoURL != "" {
		endpoints.UserInfoURL = cfg.UserInfoURL
	}
	return endpoints
}

// sessionMetricsObserver feeds client-session lifecycle events into the
// metrics gauges.
func sessionMetricsObserver(metrics *instrumentation.Metrics) session.Observer {
	return session.ObserverFunc(func(e session.Event) {
		ctx := context.Background()
		switch e.Kind {
		case session.EventConnected:
			metrics.IncrementClientSessions(ctx)
		case session.EventDisconnected:
			metrics.DecrementClientSessions(ctx)
		case session.EventExpired:
			metrics.DecrementClientSessions(ctx)
			metrics.RecordSessionExpired(ctx, e.Reason)
		}
	})
}

func runStdioServer(mcpSrv *mcpserver.MCPServer) error {
	serverDone := make(chan error, 1)
	go func() {
		defer close(serverDone)
		if err := mcpserver.ServeStdio(mcpSrv); err != nil {
			serverDone <- err
		}
	}()

	err := <-serverDone
	if err != nil {
		return fmt.Errorf("server stopped with error: %w", err)
	}
	return nil
}

func runStreamableHTTPServer(ctx context.Context, mcpSrv *mcpserver.MCPServer, serverContext *server.ServerContext, healthChecker *server.HealthChecker, addr string, config server.AuthHTTPServerConfig, metricsConfig MetricsConfig) error {
	authServer, err := server.NewAuthHTTPServer(mcpSrv, serverContext, config)
	if err != nil {
		return fmt.Errorf("failed to create auth HTTP server: %w", err)
	}

	authServer.SetHealthChecker(healthChecker)
	if serverContext.Metrics() != nil {
		authServer.SetMetrics(serverContext.Metrics())
	}

	fmt.Printf("Streamable HTTP server with OAuth authentication starting on %s\n", addr)
	fmt.Printf("  MCP endpoint: /mcp\n")
	fmt.Printf("  OAuth endpoints: /oauth/authorize, /oauth/callback, /oauth/session, /oauth/logout\n")
	fmt.Printf("  Health endpoints: /healthz, /readyz\n")
	if metricsConfig.Enabled {
		fmt.Printf("  Metrics endpoint: %s/metrics\n", metricsConfig.Addr)
	}
	fmt.Println("\nClients must authenticate with the upstream identity provider to access this server.")

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := authServer.Start(addr); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("HTTP server stopped with error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()
		fmt.Println("Shutdown signal received, stopping HTTP server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), server.DefaultShutdownTimeout)
		defer cancel()
		if err := authServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("error shutting down HTTP server: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}

	fmt.Println("HTTP server gracefully stopped")
	return nil
}

// parseCommaSeparatedList parses a comma-separated string into a slice,
// trimming whitespace from each element and filtering out empty strings.
// Returns nil if the input is empty or contains only whitespace/commas.
func parseCommaSeparatedList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	if len(result) == 0 {
		return nil
	}
	return result
}
