// Package api serves the gateway's HTTP/JSON surface.
package api

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/triage-ai/palisade-gateway/internal/auth"
	"github.com/triage-ai/palisade-gateway/internal/metrics"
	"github.com/triage-ai/palisade-gateway/internal/proxy"
	"github.com/triage-ai/palisade-gateway/internal/tracing"
)

// Dependencies holds shared state injected into all HTTP handlers.
type Dependencies struct {
	Gateway *proxy.Orchestrator
	Auth    auth.Authenticator
	Traces  tracing.Reader // nil if no trace store is readable
	Stats   *metrics.Stats
	Logger  *zap.Logger
}

// NewRouter builds the HTTP mux with all routes wired up.
func NewRouter(deps *Dependencies) http.Handler {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Stats == nil {
		deps.Stats = metrics.New()
	}
	mux := http.NewServeMux()

	// Security analysis
	mux.HandleFunc("POST /security/analyze", deps.authMiddleware(auth.ScopeAnalyze, deps.handleAnalyze))
	mux.HandleFunc("POST /security/batch", deps.authMiddleware(auth.ScopeAnalyze, deps.handleBatch))
	mux.HandleFunc("POST /filter", deps.authMiddleware(auth.ScopeFilter, deps.handleFilter))

	// Proxied chat
	mux.HandleFunc("POST /llm/chat", deps.authMiddleware(auth.ScopeChat, deps.handleChat))
	mux.HandleFunc("POST /llm/chat/stream", deps.authMiddleware(auth.ScopeChat, deps.handleChatStream))

	// Traces
	mux.HandleFunc("GET /traces/{trace_id}", deps.authMiddleware(auth.ScopeAnalyze, deps.handleGetTrace))

	// Stats
	mux.HandleFunc("GET /admin/stats", deps.authMiddleware(auth.ScopeAdmin, deps.handleStats))
	mux.HandleFunc("POST /admin/stats/reset", deps.authMiddleware(auth.ScopeAdmin, deps.handleResetStats))
	mux.Handle("GET /metrics", deps.Stats.Handler())

	// Health check
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	return corsMiddleware(requestLogging(mux, deps.Logger))
}
