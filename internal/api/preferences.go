package api

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/formguard/formguard/internal/engine"
)

// handleGetPreferences returns the client's analysis policy. A client that
// never saved one gets the empty policy (all daemon defaults apply).
func (d *Dependencies) handleGetPreferences(w http.ResponseWriter, r *http.Request) {
	cc := clientFromContext(r.Context())
	if cc == nil {
		writeError(w, http.StatusInternalServerError, "missing client context")
		return
	}

	prefs, err := d.Store.GetPreferences(r.Context(), cc.ClientID)
	if err != nil {
		d.Logger.Error("get preferences failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load preferences")
		return
	}
	if prefs == nil {
		writeJSON(w, http.StatusOK, PreferencesResp{Policy: engine.ClientPolicy{}})
		return
	}
	writeJSON(w, http.StatusOK, PreferencesResp{Policy: prefs.Policy, UpdatedAt: &prefs.UpdatedAt})
}

// handleUpdatePreferences replaces the client's policy. Rule toggles are
// applied to the live engine immediately; window and timeout overrides take
// effect as tab sessions are created.
func (d *Dependencies) handleUpdatePreferences(w http.ResponseWriter, r *http.Request) {
	var policy engine.ClientPolicy
	if err := readJSON(r, &policy); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	cc := clientFromContext(r.Context())
	if cc == nil {
		writeError(w, http.StatusInternalServerError, "missing client context")
		return
	}

	if policy.CorrelationWindowMs != nil {
		if ms := *policy.CorrelationWindowMs; ms <= 0 || ms > 10000 {
			writeError(w, http.StatusBadRequest, "correlation_window_ms must be between 1 and 10000")
			return
		}
	}
	if policy.AITimeoutMs != nil && *policy.AITimeoutMs <= 0 {
		writeError(w, http.StatusBadRequest, "ai_timeout_ms must be positive")
		return
	}

	var oldDisabled []string
	if prev, err := d.Store.GetPreferences(r.Context(), cc.ClientID); err != nil {
		d.Logger.Warn("get previous preferences failed", zap.Error(err))
	} else if prev != nil {
		oldDisabled = prev.Policy.DisabledRules
	}

	prefs, err := d.Store.UpdatePreferences(r.Context(), cc.ClientID, policy)
	if err != nil {
		d.Logger.Error("update preferences failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to save preferences")
		return
	}

	// Reconcile live rule state with the new disabled set.
	nowDisabled := map[string]bool{}
	for _, id := range policy.DisabledRules {
		nowDisabled[id] = true
	}
	for _, id := range oldDisabled {
		if !nowDisabled[id] {
			d.Engine.SetRuleEnabled(id, true)
		}
	}
	for _, id := range policy.DisabledRules {
		d.Engine.SetRuleEnabled(id, false)
	}

	writeJSON(w, http.StatusOK, PreferencesResp{Policy: prefs.Policy, UpdatedAt: &prefs.UpdatedAt})
}
