package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/formguard/formguard/internal/auth"
	"github.com/formguard/formguard/internal/detector"
	"github.com/formguard/formguard/internal/engine"
	"github.com/formguard/formguard/internal/engine/rules"
	"github.com/formguard/formguard/internal/session"
	"github.com/formguard/formguard/internal/store"
)

// testEnv wires a router against a real Bolt store and a live engine, the
// same way the daemon does minus ClickHouse and the AI classifier.
type testEnv struct {
	handler  http.Handler
	store    store.Store
	engine   *engine.HeuristicEngine
	clientID string
	key      string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := zap.NewNop()

	st, err := store.NewBolt(filepath.Join(t.TempDir(), "formguard.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	eng := engine.NewHeuristicEngine(logger)
	require.NoError(t, rules.Register(eng))

	registry := session.NewRegistry(session.Config{
		Factory: func(clientID, tabID string, policy engine.ClientPolicy) *detector.Orchestrator {
			return detector.NewOrchestrator(detector.Config{
				TabID:     tabID,
				ClientID:  clientID,
				Engine:    eng,
				Allowlist: store.NewClientAllowlist(st, clientID),
				Logger:    logger,
			})
		},
		Logger: logger,
	})
	t.Cleanup(registry.Close)

	profile, key, err := st.CreateProfile(context.Background(), "extension")
	require.NoError(t, err)

	deps := &Dependencies{
		Store:    st,
		Engine:   eng,
		Sessions: registry,
		Auth:     auth.NewProfileAuthenticator(auth.ProfileAuthConfig{Store: st, Logger: logger}),
		Logger:   logger,
	}
	return &testEnv{
		handler:  NewRouter(deps),
		store:    st,
		engine:   eng,
		clientID: profile.ClientID,
		key:      key,
	}
}

// do sends an authenticated request using the env's default profile key.
func (e *testEnv) do(t *testing.T, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	return e.doAs(t, method, path, body, e.key, headers...)
}

// doAs sends a request with an explicit key; empty means unauthenticated.
// Extra headers come in key, value pairs.
func (e *testEnv) doAs(t *testing.T, method, path string, body any, key string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, rdr)
	if key != "" {
		req.Header.Set("X-API-Key", key)
	}
	require.Zero(t, len(headers)%2, "headers must come in pairs")
	for i := 0; i < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(rec.Body).Decode(v))
}

func errorMessage(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var resp ErrorResp
	decodeJSON(t, rec, &resp)
	return resp.Error
}

func TestRouterRequiresClientKey(t *testing.T) {
	env := newTestEnv(t)

	rec := env.doAs(t, http.MethodGet, "/v1/rules", nil, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "missing client key", errorMessage(t, rec))

	rec = env.doAs(t, http.MethodGet, "/v1/rules", nil, "fgk_000000000000000000000000000000000000000000000000")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "invalid client key", errorMessage(t, rec))

	// Bearer form of the same key works too.
	req := httptest.NewRequest(http.MethodGet, "/v1/rules", nil)
	req.Header.Set("Authorization", "Bearer "+env.key)
	rec = httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRouterRejectsDisabledProfile(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	profile, key, err := env.store.CreateProfile(ctx, "revoked laptop")
	require.NoError(t, err)
	disabled := true
	_, err = env.store.UpdateProfile(ctx, profile.ClientID, store.UpdateProfileParams{Disabled: &disabled})
	require.NoError(t, err)

	rec := env.doAs(t, http.MethodGet, "/v1/rules", nil, key)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "profile is disabled", errorMessage(t, rec))
}

func TestHealthzNeedsNoAuth(t *testing.T) {
	env := newTestEnv(t)

	rec := env.doAs(t, http.MethodGet, "/healthz", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]string
	decodeJSON(t, rec, &resp)
	assert.Equal(t, "ok", resp["status"])
}

func TestAnalyzeRejectsBadRequests(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/analyze", bytes.NewReader([]byte("{not json")))
	req.Header.Set("X-API-Key", env.key)
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid JSON body", errorMessage(t, rec))

	rec = env.do(t, http.MethodPost, "/v1/analyze", AnalyzeRequest{CurrentDomain: "shop.example"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "request.url is required", errorMessage(t, rec))
}

func TestAnalyzeSameOriginIsSafe(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/v1/analyze", AnalyzeRequest{
		Request: NetworkRequestReq{
			Type:   "xhr",
			URL:    "https://shop.example/api/cart",
			Method: "POST",
		},
		CurrentDomain: "shop.example",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp AnalyzeResponse
	decodeJSON(t, rec, &resp)
	assert.Equal(t, "safe", resp.Verdict)
	assert.Equal(t, "proceed", resp.Recommendation)
	assert.False(t, resp.UsedAI)
	assert.False(t, resp.Observed)
	assert.NotEmpty(t, resp.RequestID)
	require.NotEmpty(t, resp.MatchedRules)
	assert.Equal(t, rules.IDSameOriginRequest, resp.MatchedRules[0].RuleID)
	assert.GreaterOrEqual(t, resp.AnalysisTimeMs, 0.0)
}

func TestAnalyzeFlagsCorrelatedExfil(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/v1/inputs", InputEventReq{
		FieldType: "card_number",
		Length:    16,
		FieldID:   "cc-number",
	}, "X-Tab-ID", "tab-7")
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = env.do(t, http.MethodPost, "/v1/analyze", AnalyzeRequest{
		Request: NetworkRequestReq{
			Type:        "fetch",
			URL:         "https://collect.baddomain.example/drop",
			Method:      "POST",
			PayloadSize: 512,
		},
		CurrentDomain: "shop.example",
	}, "X-Tab-ID", "tab-7")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp AnalyzeResponse
	decodeJSON(t, rec, &resp)
	assert.Equal(t, "dangerous", resp.Verdict)
	assert.Equal(t, "block", resp.Recommendation)
	require.NotEmpty(t, resp.MatchedRules)
	assert.Equal(t, rules.IDExfilCorrelatedPost, resp.MatchedRules[0].RuleID)
	assert.InDelta(t, 0.9, resp.Confidence, 0.001)
	assert.Contains(t, resp.Reason, "danger rule matched")
}

func TestAnalyzeAllowlistedDomainShortCircuits(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/v1/allowlist", AddAllowlistReq{Domain: "partner.example"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = env.do(t, http.MethodPost, "/v1/inputs", InputEventReq{
		FieldType: "card_number",
		Length:    16,
	}, "X-Tab-ID", "tab-1")
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = env.do(t, http.MethodPost, "/v1/analyze", AnalyzeRequest{
		Request: NetworkRequestReq{
			Type:   "fetch",
			URL:    "https://partner.example/submit",
			Method: "POST",
		},
		CurrentDomain: "shop.example",
	}, "X-Tab-ID", "tab-1")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp AnalyzeResponse
	decodeJSON(t, rec, &resp)
	assert.Equal(t, "safe", resp.Verdict)
	assert.InDelta(t, 1.0, resp.Confidence, 0.001)
	assert.Equal(t, "proceed", resp.Recommendation)
	assert.False(t, resp.UsedAI)
}

func TestAnalyzeObserveModeDowngradesRecommendation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// Flip the profile to observe before its first authenticated call so the
	// auth cache never sees the enforce-mode version.
	mode := store.ModeObserve
	_, err := env.store.UpdateProfile(ctx, env.clientID, store.UpdateProfileParams{Mode: &mode})
	require.NoError(t, err)

	rec := env.do(t, http.MethodPost, "/v1/inputs", InputEventReq{
		FieldType: "card_number",
		Length:    16,
	}, "X-Tab-ID", "tab-2")
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = env.do(t, http.MethodPost, "/v1/analyze", AnalyzeRequest{
		Request: NetworkRequestReq{
			Type:   "fetch",
			URL:    "https://collect.baddomain.example/drop",
			Method: "POST",
		},
		CurrentDomain: "shop.example",
	}, "X-Tab-ID", "tab-2")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp AnalyzeResponse
	decodeJSON(t, rec, &resp)
	assert.Equal(t, "dangerous", resp.Verdict, "observe mode keeps the real verdict")
	assert.Equal(t, "proceed", resp.Recommendation)
	assert.True(t, resp.Observed)
}

func TestAnalyzeUnknownWithoutSignals(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/v1/analyze", AnalyzeRequest{
		Request: NetworkRequestReq{
			Type:   "fetch",
			URL:    "https://api.blue.example/data",
			Method: "GET",
		},
		CurrentDomain: "shop.example",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp AnalyzeResponse
	decodeJSON(t, rec, &resp)
	assert.Equal(t, "unknown", resp.Verdict)
	assert.Equal(t, "warn", resp.Recommendation)
	assert.Zero(t, resp.Confidence)
	assert.False(t, resp.UsedAI)
	assert.Equal(t, engine.ReasonNoRuleMatched, resp.Reason)
}

func TestRulesEndpointLifecycle(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/v1/rules", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listed []RuleResp
	decodeJSON(t, rec, &listed)
	require.GreaterOrEqual(t, len(listed), 11)
	for _, rl := range listed {
		assert.False(t, rl.Custom, "builtins only at this point")
	}

	spec := map[string]any{
		"id":          "block-telemetry-host",
		"name":        "Block telemetry host",
		"category":    "danger",
		"priority":    40,
		"confidence":  0.8,
		"host_suffix": "telemetry.bad",
	}
	rec = env.do(t, http.MethodPost, "/v1/rules", spec)
	require.Equal(t, http.StatusCreated, rec.Code)
	var created RuleResp
	decodeJSON(t, rec, &created)
	assert.Equal(t, "block-telemetry-host", created.ID)
	assert.True(t, created.Custom)
	assert.True(t, created.Enabled)

	// The new rule participates in analysis immediately.
	rec = env.do(t, http.MethodPost, "/v1/analyze", AnalyzeRequest{
		Request: NetworkRequestReq{
			Type:   "fetch",
			URL:    "https://ping.telemetry.bad/beat",
			Method: "GET",
		},
		CurrentDomain: "shop.example",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var analysis AnalyzeResponse
	decodeJSON(t, rec, &analysis)
	assert.Equal(t, "dangerous", analysis.Verdict)
	require.NotEmpty(t, analysis.MatchedRules)
	assert.Equal(t, "block-telemetry-host", analysis.MatchedRules[0].RuleID)

	enabled := false
	rec = env.do(t, http.MethodPatch, "/v1/rules/block-telemetry-host", SetRuleEnabledReq{Enabled: &enabled})
	require.Equal(t, http.StatusOK, rec.Code)
	var toggled RuleResp
	decodeJSON(t, rec, &toggled)
	assert.False(t, toggled.Enabled)
	assert.True(t, toggled.Custom)

	// Disabled toggle is persisted into the stored spec.
	recRule, err := env.store.GetRule(context.Background(), env.clientID, "block-telemetry-host")
	require.NoError(t, err)
	require.NotNil(t, recRule)
	var stored rules.Spec
	require.NoError(t, json.Unmarshal(recRule.Spec, &stored))
	require.NotNil(t, stored.Enabled)
	assert.False(t, *stored.Enabled)

	rec = env.do(t, http.MethodDelete, "/v1/rules/block-telemetry-host", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	_, exists := env.engine.Rule("block-telemetry-host")
	assert.False(t, exists)

	rec = env.do(t, http.MethodDelete, "/v1/rules/block-telemetry-host", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRulesValidationAndBuiltinProtection(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/v1/rules", map[string]any{
		"id":       "no-predicates",
		"name":     "No predicates",
		"category": "danger",
		"priority": 10,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "a rule without predicates is rejected")

	rec = env.do(t, http.MethodPost, "/v1/rules", map[string]any{
		"id":          rules.IDExfilCorrelatedPost,
		"name":        "Shadowing attempt",
		"category":    "danger",
		"priority":    99,
		"host_suffix": "x.example",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "rule id collides with a built-in rule", errorMessage(t, rec))

	rec = env.do(t, http.MethodDelete, "/v1/rules/"+rules.IDSameOriginRequest, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "built-in rules cannot be deleted, disable instead", errorMessage(t, rec))

	enabled := true
	rec = env.do(t, http.MethodPatch, "/v1/rules/does-not-exist", SetRuleEnabledReq{Enabled: &enabled})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodPatch, "/v1/rules/"+rules.IDSameOriginRequest, map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "enabled is required", errorMessage(t, rec))

	// Toggling a builtin is allowed, it just is not persisted.
	off := false
	rec = env.do(t, http.MethodPatch, "/v1/rules/"+rules.IDSameOriginRequest, SetRuleEnabledReq{Enabled: &off})
	require.Equal(t, http.StatusOK, rec.Code)
	var toggled RuleResp
	decodeJSON(t, rec, &toggled)
	assert.False(t, toggled.Enabled)
	assert.False(t, toggled.Custom)
	rl, ok := env.engine.Rule(rules.IDSameOriginRequest)
	require.True(t, ok)
	assert.False(t, rl.Enabled)
}

func TestAllowlistEndpointLifecycle(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/v1/allowlist", AddAllowlistReq{Domain: "  Checkout.Example.  "})
	require.Equal(t, http.StatusCreated, rec.Code)
	var added map[string]string
	decodeJSON(t, rec, &added)
	assert.Equal(t, "checkout.example", added["domain"])

	rec = env.do(t, http.MethodPost, "/v1/allowlist", AddAllowlistReq{Domain: "   "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "domain is required", errorMessage(t, rec))

	rec = env.do(t, http.MethodGet, "/v1/allowlist", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var entries []AllowlistEntryResp
	decodeJSON(t, rec, &entries)
	require.Len(t, entries, 1)
	assert.Equal(t, "checkout.example", entries[0].Domain)
	assert.False(t, entries[0].AddedAt.IsZero())

	rec = env.do(t, http.MethodDelete, "/v1/allowlist/checkout.example", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = env.do(t, http.MethodDelete, "/v1/allowlist/checkout.example", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPreferencesRoundTripAndLiveToggles(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/v1/preferences", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var prefs PreferencesResp
	decodeJSON(t, rec, &prefs)
	assert.Nil(t, prefs.Policy.AIEnabled)
	assert.Empty(t, prefs.Policy.DisabledRules)
	assert.Nil(t, prefs.UpdatedAt)

	rec = env.do(t, http.MethodPut, "/v1/preferences", engine.ClientPolicy{
		DisabledRules: []string{rules.IDKnownCDNStaticFetch},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	decodeJSON(t, rec, &prefs)
	assert.Equal(t, []string{rules.IDKnownCDNStaticFetch}, prefs.Policy.DisabledRules)
	require.NotNil(t, prefs.UpdatedAt)

	rl, ok := env.engine.Rule(rules.IDKnownCDNStaticFetch)
	require.True(t, ok)
	assert.False(t, rl.Enabled, "disable applies to the live engine")

	rec = env.do(t, http.MethodPut, "/v1/preferences", engine.ClientPolicy{})
	require.Equal(t, http.StatusOK, rec.Code)
	rl, ok = env.engine.Rule(rules.IDKnownCDNStaticFetch)
	require.True(t, ok)
	assert.True(t, rl.Enabled, "removing the id re-enables the rule")
}

func TestPreferencesValidation(t *testing.T) {
	env := newTestEnv(t)

	window := 20000
	rec := env.do(t, http.MethodPut, "/v1/preferences", engine.ClientPolicy{CorrelationWindowMs: &window})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "correlation_window_ms must be between 1 and 10000", errorMessage(t, rec))

	timeout := -5
	rec = env.do(t, http.MethodPut, "/v1/preferences", engine.ClientPolicy{AITimeoutMs: &timeout})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "ai_timeout_ms must be positive", errorMessage(t, rec))
}

func TestInputsLifecycle(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/v1/inputs", InputEventReq{
		FieldType: "cvv",
		Length:    3,
		FieldID:   "cvv-field",
		DOMPath:   "form#pay > input.cvv",
	}, "X-Tab-ID", "tab-9")
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = env.do(t, http.MethodGet, "/v1/inputs", nil, "X-Tab-ID", "tab-9")
	require.Equal(t, http.StatusOK, rec.Code)
	var events []InputEventResp
	decodeJSON(t, rec, &events)
	require.Len(t, events, 1)
	assert.Equal(t, "cvv", events[0].FieldType)
	assert.Equal(t, 3, events[0].Length)
	assert.Equal(t, "cvv-field", events[0].FieldID)
	assert.Positive(t, events[0].TS)

	// A different tab has its own empty buffer, and no session is created
	// just to serve the read.
	rec = env.do(t, http.MethodGet, "/v1/inputs", nil, "X-Tab-ID", "other-tab")
	require.Equal(t, http.StatusOK, rec.Code)
	decodeJSON(t, rec, &events)
	assert.Empty(t, events)

	rec = env.do(t, http.MethodGet, "/v1/inputs?within_ms=-10", nil, "X-Tab-ID", "tab-9")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodDelete, "/v1/inputs", nil, "X-Tab-ID", "tab-9")
	require.Equal(t, http.StatusNoContent, rec.Code)
	rec = env.do(t, http.MethodGet, "/v1/inputs", nil, "X-Tab-ID", "tab-9")
	require.Equal(t, http.StatusOK, rec.Code)
	decodeJSON(t, rec, &events)
	assert.Empty(t, events)
}

func TestTabCloseIsIdempotent(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/v1/inputs", InputEventReq{FieldType: "password", Length: 12}, "X-Tab-ID", "tab-3")
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = env.do(t, http.MethodDelete, "/v1/tabs/tab-3", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = env.do(t, http.MethodDelete, "/v1/tabs/tab-3", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code, "closing a closed tab succeeds")

	rec = env.do(t, http.MethodGet, "/v1/inputs", nil, "X-Tab-ID", "tab-3")
	require.Equal(t, http.StatusOK, rec.Code)
	var events []InputEventResp
	decodeJSON(t, rec, &events)
	assert.Empty(t, events, "closing the tab dropped its buffer")
}

func TestEventsUnavailableWithoutClickHouse(t *testing.T) {
	env := newTestEnv(t)

	for _, path := range []string{"/v1/events", "/v1/events/some-id", "/v1/analytics"} {
		rec := env.do(t, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code, path)
		assert.Equal(t, "ClickHouse not configured", errorMessage(t, rec))
	}
}

func TestProfileEndpointLifecycle(t *testing.T) {
	env := newTestEnv(t)

	rec := env.doAs(t, http.MethodPost, "/api/formguard/profiles", CreateProfileReq{Name: "Laptop"}, "")
	require.Equal(t, http.StatusCreated, rec.Code)
	var created CreateProfileResp
	decodeJSON(t, rec, &created)
	assert.NotEmpty(t, created.ClientID)
	assert.Equal(t, "Laptop", created.Name)
	require.NotEmpty(t, created.ClientKey)
	assert.Equal(t, created.ClientKey[:store.KeyPrefixLen], created.KeyPrefix)
	assert.Equal(t, store.ModeEnforce, created.Mode)

	// The freshly issued key authenticates.
	rec = env.doAs(t, http.MethodGet, "/v1/rules", nil, created.ClientKey)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.doAs(t, http.MethodGet, "/api/formguard/profiles", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var listed []ProfileResp
	decodeJSON(t, rec, &listed)
	assert.GreaterOrEqual(t, len(listed), 2)

	rec = env.doAs(t, http.MethodGet, "/api/formguard/profiles/"+created.ClientID, nil, "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.doAs(t, http.MethodPatch, "/api/formguard/profiles/"+created.ClientID,
		map[string]any{"mode": "shadow"}, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "mode must be 'enforce' or 'observe'", errorMessage(t, rec))

	rec = env.doAs(t, http.MethodPatch, "/api/formguard/profiles/"+created.ClientID,
		map[string]any{"mode": "observe"}, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var updated ProfileResp
	decodeJSON(t, rec, &updated)
	assert.Equal(t, store.ModeObserve, updated.Mode)

	rec = env.doAs(t, http.MethodPost, "/api/formguard/profiles/"+created.ClientID+"/rotate-key", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var rotated RotateKeyResp
	decodeJSON(t, rec, &rotated)
	assert.NotEqual(t, created.ClientKey, rotated.ClientKey)
	assert.Equal(t, rotated.ClientKey[:store.KeyPrefixLen], rotated.KeyPrefix)

	rec = env.doAs(t, http.MethodDelete, "/api/formguard/profiles/"+created.ClientID, nil, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = env.doAs(t, http.MethodDelete, "/api/formguard/profiles/"+created.ClientID, nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.doAs(t, http.MethodGet, "/api/formguard/profiles/"+created.ClientID, nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCORSPreflightShortCircuits(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodOptions, "/v1/analyze", nil)
	req.Header.Set("Origin", "chrome-extension://abcdef")
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), "X-Tab-ID")
}
