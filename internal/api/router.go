package api

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/formguard/formguard/internal/auth"
	"github.com/formguard/formguard/internal/chread"
	"github.com/formguard/formguard/internal/engine"
	"github.com/formguard/formguard/internal/observability"
	"github.com/formguard/formguard/internal/session"
	"github.com/formguard/formguard/internal/store"
)

// Dependencies holds shared state injected into all HTTP handlers.
type Dependencies struct {
	Store       store.Store
	Engine      *engine.HeuristicEngine
	Sessions    *session.Registry
	Auth        auth.Authenticator
	Reader      *chread.Reader // nil if ClickHouse unavailable
	Logger      *zap.Logger
	CORSOrigins []string
}

// NewRouter builds the HTTP mux with all routes wired up.
func NewRouter(deps *Dependencies) http.Handler {
	mux := http.NewServeMux()

	// Extension surface (client key required).
	mux.HandleFunc("POST /v1/analyze", deps.requireAuth(deps.handleAnalyze))

	mux.HandleFunc("POST /v1/inputs", deps.requireAuth(deps.handleRecordInput))
	mux.HandleFunc("GET /v1/inputs", deps.requireAuth(deps.handleListInputs))
	mux.HandleFunc("DELETE /v1/inputs", deps.requireAuth(deps.handleClearInputs))
	mux.HandleFunc("DELETE /v1/tabs/{tab_id}", deps.requireAuth(deps.handleCloseTab))

	mux.HandleFunc("GET /v1/rules", deps.requireAuth(deps.handleListRules))
	mux.HandleFunc("POST /v1/rules", deps.requireAuth(deps.handleCreateRule))
	mux.HandleFunc("PATCH /v1/rules/{rule_id}", deps.requireAuth(deps.handleSetRuleEnabled))
	mux.HandleFunc("DELETE /v1/rules/{rule_id}", deps.requireAuth(deps.handleDeleteRule))

	mux.HandleFunc("GET /v1/allowlist", deps.requireAuth(deps.handleListAllowlist))
	mux.HandleFunc("POST /v1/allowlist", deps.requireAuth(deps.handleAddAllowlist))
	mux.HandleFunc("DELETE /v1/allowlist/{domain}", deps.requireAuth(deps.handleRemoveAllowlist))

	mux.HandleFunc("GET /v1/preferences", deps.requireAuth(deps.handleGetPreferences))
	mux.HandleFunc("PUT /v1/preferences", deps.requireAuth(deps.handleUpdatePreferences))

	mux.HandleFunc("GET /v1/events", deps.requireAuth(deps.handleListEvents))
	mux.HandleFunc("GET /v1/events/{request_id}", deps.requireAuth(deps.handleGetEvent))
	mux.HandleFunc("GET /v1/analytics", deps.requireAuth(deps.handleAnalytics))

	// Profile management (local dashboard; no client key).
	mux.HandleFunc("POST /api/formguard/profiles", deps.handleCreateProfile)
	mux.HandleFunc("GET /api/formguard/profiles", deps.handleListProfiles)
	mux.HandleFunc("GET /api/formguard/profiles/{client_id}", deps.handleGetProfile)
	mux.HandleFunc("PATCH /api/formguard/profiles/{client_id}", deps.handleUpdateProfile)
	mux.HandleFunc("DELETE /api/formguard/profiles/{client_id}", deps.handleDeleteProfile)
	mux.HandleFunc("POST /api/formguard/profiles/{client_id}/rotate-key", deps.handleRotateKey)

	// Health and metrics.
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.Handle("GET /metrics", observability.MetricsHandler())

	return corsMiddleware(requestLogging(mux, deps.Logger), deps.CORSOrigins)
}
