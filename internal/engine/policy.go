package engine

import "time"

// ClientPolicy carries per-client overrides for the analysis pipeline.
// Loaded from the preferences table's policy JSONB column. All pointer
// fields use nil to mean "use server default".
type ClientPolicy struct {
	AIEnabled           *bool    `json:"ai_enabled"`            // nil = use server default
	AITimeoutMs         *int     `json:"ai_timeout_ms"`         // nil = use server default
	CorrelationWindowMs *int     `json:"correlation_window_ms"` // nil = use server default
	DisabledRules       []string `json:"disabled_rules"`        // catalog ids to disable
}

// EffectiveAIEnabled returns whether the secondary classifier may be
// consulted for this client. A nil field falls back to the server default.
func (p ClientPolicy) EffectiveAIEnabled(serverDefault bool) bool {
	if p.AIEnabled == nil {
		return serverDefault
	}
	return *p.AIEnabled
}

// EffectiveAITimeout returns the bound on one secondary-classifier call.
// A nil or non-positive field falls back to the server default.
func (p ClientPolicy) EffectiveAITimeout(serverDefault time.Duration) time.Duration {
	if p.AITimeoutMs == nil || *p.AITimeoutMs <= 0 {
		return serverDefault
	}
	return time.Duration(*p.AITimeoutMs) * time.Millisecond
}

// EffectiveCorrelationWindow returns the lookback used when correlating
// buffered inputs with a request. A nil or non-positive field falls back
// to the server default.
func (p ClientPolicy) EffectiveCorrelationWindow(serverDefault time.Duration) time.Duration {
	if p.CorrelationWindowMs == nil || *p.CorrelationWindowMs <= 0 {
		return serverDefault
	}
	return time.Duration(*p.CorrelationWindowMs) * time.Millisecond
}
