package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/formguard/formguard/internal/engine"
	"github.com/formguard/formguard/internal/engine/rules"
	"github.com/formguard/formguard/internal/store"
)

// handleListRules returns every registered rule, built-in and custom, in
// evaluation order. The store is only consulted to mark which ids are
// custom; a store failure degrades to listing everything as built-in.
func (d *Dependencies) handleListRules(w http.ResponseWriter, r *http.Request) {
	cc := clientFromContext(r.Context())
	if cc == nil {
		writeError(w, http.StatusInternalServerError, "missing client context")
		return
	}

	custom := map[string]bool{}
	records, err := d.Store.ListRules(r.Context(), cc.ClientID)
	if err != nil {
		d.Logger.Warn("list custom rules failed", zap.Error(err))
	}
	for _, rec := range records {
		custom[rec.RuleID] = true
	}

	all := d.Engine.Rules()
	resp := make([]RuleResp, 0, len(all))
	for _, rl := range all {
		resp = append(resp, ruleToResp(rl, custom[rl.ID]))
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleCreateRule compiles a declarative rule spec, persists it for the
// client, and registers it with the live engine. Re-posting an existing
// custom id updates it in place; colliding with a built-in id is rejected.
func (d *Dependencies) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	var spec rules.Spec
	if err := readJSON(r, &spec); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	cc := clientFromContext(r.Context())
	if cc == nil {
		writeError(w, http.StatusInternalServerError, "missing client context")
		return
	}

	rule, err := rules.Compile(spec)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if _, exists := d.Engine.Rule(rule.ID); exists {
		rec, err := d.Store.GetRule(r.Context(), cc.ClientID, rule.ID)
		if err != nil {
			d.Logger.Error("look up rule failed", zap.String("rule_id", rule.ID), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to store rule")
			return
		}
		if rec == nil {
			writeError(w, http.StatusConflict, "rule id collides with a built-in rule")
			return
		}
	}

	raw, err := json.Marshal(spec)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if _, err := d.Store.UpsertRule(r.Context(), cc.ClientID, rule.ID, raw); err != nil {
		d.Logger.Error("store rule failed", zap.String("rule_id", rule.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to store rule")
		return
	}
	if err := d.Engine.RegisterRule(rule); err != nil {
		// Compile already validated the rule, so this only fires on an
		// engine-side invariant we want surfaced loudly.
		d.Logger.Error("register rule failed", zap.String("rule_id", rule.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to register rule")
		return
	}

	writeJSON(w, http.StatusCreated, ruleToResp(rule, true))
}

// handleSetRuleEnabled toggles a rule on or off. Toggles to custom rules
// are also persisted into their stored spec so they survive restarts;
// built-in toggles last for the daemon's lifetime.
func (d *Dependencies) handleSetRuleEnabled(w http.ResponseWriter, r *http.Request) {
	ruleID := r.PathValue("rule_id")

	var req SetRuleEnabledReq
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Enabled == nil {
		writeError(w, http.StatusBadRequest, "enabled is required")
		return
	}
	cc := clientFromContext(r.Context())
	if cc == nil {
		writeError(w, http.StatusInternalServerError, "missing client context")
		return
	}

	rl, ok := d.Engine.Rule(ruleID)
	if !ok {
		writeError(w, http.StatusNotFound, "rule not found")
		return
	}
	d.Engine.SetRuleEnabled(ruleID, *req.Enabled)

	isCustom := false
	rec, err := d.Store.GetRule(r.Context(), cc.ClientID, ruleID)
	if err != nil {
		d.Logger.Warn("look up rule failed", zap.String("rule_id", ruleID), zap.Error(err))
	}
	if rec != nil {
		isCustom = true
		var spec rules.Spec
		if err := json.Unmarshal(rec.Spec, &spec); err == nil {
			spec.Enabled = req.Enabled
			if raw, err := json.Marshal(spec); err == nil {
				if _, err := d.Store.UpsertRule(r.Context(), cc.ClientID, ruleID, raw); err != nil {
					d.Logger.Warn("persist rule toggle failed", zap.String("rule_id", ruleID), zap.Error(err))
				}
			}
		}
	}

	writeJSON(w, http.StatusOK, ruleToResp(rl.WithEnabled(*req.Enabled), isCustom))
}

// handleDeleteRule removes a custom rule from the store and the engine.
// Built-in rules cannot be deleted, only disabled.
func (d *Dependencies) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	ruleID := r.PathValue("rule_id")
	cc := clientFromContext(r.Context())
	if cc == nil {
		writeError(w, http.StatusInternalServerError, "missing client context")
		return
	}

	if err := d.Store.DeleteRule(r.Context(), cc.ClientID, ruleID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			if _, exists := d.Engine.Rule(ruleID); exists {
				writeError(w, http.StatusConflict, "built-in rules cannot be deleted, disable instead")
				return
			}
			writeError(w, http.StatusNotFound, "rule not found")
			return
		}
		d.Logger.Error("delete rule failed", zap.String("rule_id", ruleID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to delete rule")
		return
	}

	d.Engine.UnregisterRule(ruleID)
	w.WriteHeader(http.StatusNoContent)
}

func ruleToResp(rl engine.Rule, custom bool) RuleResp {
	return RuleResp{
		ID:          rl.ID,
		Name:        rl.Name,
		Description: rl.Description,
		Category:    rl.Category.String(),
		Priority:    rl.Priority,
		Enabled:     rl.Enabled,
		Tags:        rl.Tags,
		Custom:      custom,
	}
}
