package server

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/agentgate/agentgate/internal/auth/token"
)

const (
	probeOK           = "ok"
	probeNotReady     = "not ready"
	probeShuttingDown = "shutting down"
)

// HealthChecker answers liveness and readiness probes. Readiness flips to
// false while the server context shuts down so load balancers drain before
// connections drop.
type HealthChecker struct {
	ready         atomic.Bool
	serverContext *ServerContext
	startedAt     time.Time

	// tokenStats reports store sizes for the detailed view when set.
	tokenStats func() token.Stats
}

// NewHealthChecker creates a health checker that starts out ready.
func NewHealthChecker(sc *ServerContext) *HealthChecker {
	h := &HealthChecker{
		serverContext: sc,
		startedAt:     time.Now(),
	}
	h.ready.Store(true)
	return h
}

// SetReady flips the readiness state.
func (h *HealthChecker) SetReady(ready bool) {
	h.ready.Store(ready)
}

// IsReady reports whether the server accepts traffic.
func (h *HealthChecker) IsReady() bool {
	return h.ready.Load()
}

// SetTokenStats wires a token-store stats source into the detailed view.
func (h *HealthChecker) SetTokenStats(fn func() token.Stats) {
	h.tokenStats = fn
}

func (h *HealthChecker) shuttingDown() bool {
	return h.serverContext != nil && h.serverContext.IsShutdown()
}

// ProbeResponse is the JSON body for /healthz and /readyz.
type ProbeResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// DetailedHealthResponse is the JSON body for /healthz/detailed, adding
// uptime and live resource counts to the plain probe status.
type DetailedHealthResponse struct {
	Status         string `json:"status"`
	Uptime         string `json:"uptime"`
	ClientSessions int    `json:"client_sessions"`
	AccessTokens   int    `json:"access_tokens"`
	RefreshTokens  int    `json:"refresh_tokens"`
}

// RegisterHealthEndpoints mounts the probe handlers on the mux.
func (h *HealthChecker) RegisterHealthEndpoints(mux *http.ServeMux) {
	mux.Handle("/healthz", h.LivenessHandler())
	mux.Handle("/readyz", h.ReadinessHandler())
	mux.Handle("/healthz/detailed", h.DetailedHealthHandler())
}

// LivenessHandler answers /healthz. Liveness only asserts the process is
// serving; a failing liveness probe restarts the pod, so nothing stateful
// belongs here.
func (h *HealthChecker) LivenessHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeProbe(w, http.StatusOK, ProbeResponse{Status: probeOK})
	})
}

// ReadinessHandler answers /readyz with per-check detail. Not-ready and
// shutting-down both return 503 so traffic is routed away.
func (h *HealthChecker) ReadinessHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		checks := map[string]string{
			"ready":    probeOK,
			"shutdown": probeOK,
		}
		status := probeOK
		code := http.StatusOK

		if !h.ready.Load() {
			checks["ready"] = probeNotReady
			status = probeNotReady
			code = http.StatusServiceUnavailable
		}
		if h.shuttingDown() {
			checks["shutdown"] = probeShuttingDown
			status = probeNotReady
			code = http.StatusServiceUnavailable
		}

		writeProbe(w, code, ProbeResponse{Status: status, Checks: checks})
	})
}

// DetailedHealthHandler answers /healthz/detailed with uptime plus live
// session and token counts.
func (h *HealthChecker) DetailedHealthHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		response := DetailedHealthResponse{
			Status: probeOK,
			Uptime: time.Since(h.startedAt).Truncate(time.Second).String(),
		}
		if h.serverContext != nil && h.serverContext.Registry() != nil {
			response.ClientSessions = h.serverContext.Registry().Count()
		}
		if h.tokenStats != nil {
			stats := h.tokenStats()
			response.AccessTokens = stats.AccessTokens
			response.RefreshTokens = stats.RefreshTokens
		}

		code := http.StatusOK
		switch {
		case !h.ready.Load():
			response.Status = probeNotReady
			code = http.StatusServiceUnavailable
		case h.shuttingDown():
			response.Status = probeShuttingDown
			code = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(response)
	})
}

func writeProbe(w http.ResponseWriter, code int, body ProbeResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
