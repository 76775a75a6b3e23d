package api

import (
	"time"

	"github.com/formguard/formguard/internal/engine"
)

// --- POST /v1/analyze ---

// NetworkRequestReq describes the outbound request under analysis. The
// extension reports the body size, never the body itself.
type NetworkRequestReq struct {
	Type        string            `json:"type"`
	URL         string            `json:"url"`
	Method      string            `json:"method"`
	Headers     map[string]string `json:"headers,omitempty"`
	PayloadSize int64             `json:"payload_size,omitempty"`
	TS          int64             `json:"ts,omitempty"` // epoch millis
}

// InputEventReq is one observed sensitive-field interaction: the field
// classification and the input length only, never the typed value.
type InputEventReq struct {
	FieldType string `json:"field_type"`
	Length    int    `json:"length"`
	FieldID   string `json:"field_id,omitempty"`
	DOMPath   string `json:"dom_path,omitempty"`
	TS        int64  `json:"ts,omitempty"` // epoch millis
}

// AnalyzeRequest is the JSON body for POST /v1/analyze.
type AnalyzeRequest struct {
	TabID           string            `json:"tab_id,omitempty"`
	Request         NetworkRequestReq `json:"request"`
	CurrentDomain   string            `json:"current_domain"`
	ExternalScripts []string          `json:"external_scripts,omitempty"`
	RecentInputs    []InputEventReq   `json:"recent_inputs,omitempty"`
}

// RuleMatchResp is one matched rule in an analysis or event response.
type RuleMatchResp struct {
	RuleID     string  `json:"rule_id"`
	RuleName   string  `json:"rule_name"`
	Confidence float32 `json:"confidence"`
	Details    *string `json:"details,omitempty"`
}

// AnalyzeResponse is the decision returned for one analyzed request.
// Observed is set when an observe-mode profile had its recommendation
// downgraded to proceed; the persisted event keeps the real one.
type AnalyzeResponse struct {
	RequestID      string          `json:"request_id"`
	Verdict        string          `json:"verdict"`
	Confidence     float32         `json:"confidence"`
	Recommendation string          `json:"recommendation"`
	Reason         string          `json:"reason"`
	MatchedRules   []RuleMatchResp `json:"matched_rules"`
	UsedAI         bool            `json:"used_ai"`
	Observed       bool            `json:"observed,omitempty"`
	Details        *string         `json:"details,omitempty"`
	TargetDomain   string          `json:"target_domain"`
	AnalysisTimeMs float64         `json:"analysis_time_ms"`
}

// --- /v1/inputs ---

// InputEventResp is one buffered input event.
type InputEventResp struct {
	FieldType string `json:"field_type"`
	Length    int    `json:"length"`
	FieldID   string `json:"field_id,omitempty"`
	DOMPath   string `json:"dom_path,omitempty"`
	TS        int64  `json:"ts"` // epoch millis
}

// --- /v1/rules ---

// RuleResp describes one registered rule. Custom marks rules created
// through the API as opposed to the built-in catalog.
type RuleResp struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Category    string   `json:"category"`
	Priority    int      `json:"priority"`
	Enabled     bool     `json:"enabled"`
	Tags        []string `json:"tags,omitempty"`
	Custom      bool     `json:"custom"`
}

// SetRuleEnabledReq is the JSON body for PATCH /v1/rules/{rule_id}.
type SetRuleEnabledReq struct {
	Enabled *bool `json:"enabled"`
}

// --- /v1/allowlist ---

// AllowlistEntryResp is one trusted domain.
type AllowlistEntryResp struct {
	Domain  string    `json:"domain"`
	AddedAt time.Time `json:"added_at"`
}

// AddAllowlistReq is the JSON body for POST /v1/allowlist.
type AddAllowlistReq struct {
	Domain string `json:"domain"`
}

// --- /v1/preferences ---

// PreferencesResp carries the client's analysis policy. A client that has
// never stored preferences gets an empty policy, meaning server defaults.
type PreferencesResp struct {
	Policy    engine.ClientPolicy `json:"policy"`
	UpdatedAt *time.Time          `json:"updated_at,omitempty"`
}

// --- /v1/events ---

// EventResp is one persisted detection event.
type EventResp struct {
	RequestID      string          `json:"request_id"`
	TabID          string          `json:"tab_id"`
	Timestamp      time.Time       `json:"timestamp"`
	RequestType    string          `json:"request_type"`
	Method         string          `json:"method"`
	URL            string          `json:"url"`
	TargetDomain   string          `json:"target_domain"`
	CurrentDomain  string          `json:"current_domain"`
	Verdict        string          `json:"verdict"`
	Confidence     float32         `json:"confidence"`
	Recommendation string          `json:"recommendation"`
	Reason         *string         `json:"reason"`
	MatchedRules   []RuleMatchResp `json:"matched_rules"`
	FirstRuleID    *string         `json:"first_rule_id"`
	UsedAI         bool            `json:"used_ai"`
	PayloadSize    uint32          `json:"payload_size"`
	InputCount     uint32          `json:"input_count"`
	InputTypes     []string        `json:"input_types"`
	AnalysisMs     float32         `json:"analysis_ms"`
}

// EventListResp is a page of detection events.
type EventListResp struct {
	Events []EventResp `json:"events"`
	Total  int         `json:"total"`
	Limit  int         `json:"limit"`
	Offset int         `json:"offset"`
}

// --- Profile management ---

// CreateProfileReq is the JSON body for POST /api/formguard/profiles.
type CreateProfileReq struct {
	Name string `json:"name"`
}

// CreateProfileResp includes the plaintext client key (shown once).
type CreateProfileResp struct {
	ClientID  string    `json:"client_id"`
	Name      string    `json:"name"`
	ClientKey string    `json:"client_key"`
	KeyPrefix string    `json:"key_prefix"`
	Mode      string    `json:"mode"`
	Disabled  bool      `json:"disabled"`
	CreatedAt time.Time `json:"created_at"`
}

// UpdateProfileReq is the JSON body for PATCH /api/formguard/profiles/{id}.
type UpdateProfileReq struct {
	Name     *string `json:"name,omitempty"`
	Mode     *string `json:"mode,omitempty"`
	Disabled *bool   `json:"disabled,omitempty"`
}

// ProfileResp describes one profile (no plaintext key).
type ProfileResp struct {
	ClientID  string    `json:"client_id"`
	Name      string    `json:"name"`
	KeyPrefix string    `json:"key_prefix"`
	Mode      string    `json:"mode"`
	Disabled  bool      `json:"disabled"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RotateKeyResp includes the new plaintext client key (shown once).
type RotateKeyResp struct {
	ClientKey string `json:"client_key"`
	KeyPrefix string `json:"key_prefix"`
}

// ErrorResp is the standard error envelope.
type ErrorResp struct {
	Error string `json:"error"`
}
