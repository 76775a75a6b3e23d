package rules

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/formguard/formguard/internal/engine"
)

// Spec is the declarative, serializable form of a user-defined rule. It is
// what the rules API accepts: metadata plus a conjunction of predicate
// fields. At least one predicate must be set.
type Spec struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Category    string   `json:"category"`
	Priority    int      `json:"priority"`
	Enabled     *bool    `json:"enabled,omitempty"`
	Tags        []string `json:"tags,omitempty"`

	// Confidence reported when the rule matches. Zero means 0.5.
	Confidence float32 `json:"confidence,omitempty"`

	// Predicates; all that are set must hold for the rule to match.
	URLPattern              string   `json:"url_pattern,omitempty"`
	HostSuffix              string   `json:"host_suffix,omitempty"`
	Methods                 []string `json:"methods,omitempty"`
	RequestTypes            []string `json:"request_types,omitempty"`
	RequiresRecentInput     bool     `json:"requires_recent_input,omitempty"`
	RequiresHighSensitivity bool     `json:"requires_high_sensitivity,omitempty"`
	MinPayloadBytes         int64    `json:"min_payload_bytes,omitempty"`
	CrossOriginOnly         bool     `json:"cross_origin_only,omitempty"`
}

type predicate func(*engine.Context) bool

// Compile turns a Spec into an executable rule. The returned rule has
// already passed engine validation.
func Compile(s Spec) (engine.Rule, error) {
	category, err := engine.ParseRuleCategory(s.Category)
	if err != nil {
		return engine.Rule{}, fmt.Errorf("Compile: %w", err)
	}

	preds, err := buildPredicates(s)
	if err != nil {
		return engine.Rule{}, fmt.Errorf("Compile: %w", err)
	}
	if len(preds) == 0 {
		return engine.Rule{}, fmt.Errorf("Compile: rule %q has no predicate fields", s.ID)
	}

	confidence := s.Confidence
	if confidence == 0 {
		confidence = 0.5
	}
	if confidence < 0 || confidence > 1 {
		return engine.Rule{}, fmt.Errorf("Compile: rule %q confidence %v outside [0,1]", s.ID, s.Confidence)
	}

	enabled := true
	if s.Enabled != nil {
		enabled = *s.Enabled
	}

	r := engine.Rule{
		ID:          s.ID,
		Name:        s.Name,
		Description: s.Description,
		Category:    category,
		Priority:    s.Priority,
		Enabled:     enabled,
		Tags:        s.Tags,
		Check: func(c *engine.Context) engine.CheckResult {
			for _, p := range preds {
				if !p(c) {
					return engine.CheckResult{}
				}
			}
			return engine.CheckResult{
				Match:      true,
				Confidence: confidence,
				Details:    "custom rule conditions met",
			}
		},
	}
	if err := r.Validate(); err != nil {
		return engine.Rule{}, fmt.Errorf("Compile: %w", err)
	}
	return r, nil
}

func buildPredicates(s Spec) ([]predicate, error) {
	var preds []predicate

	if s.URLPattern != "" {
		re, err := regexp.Compile(s.URLPattern)
		if err != nil {
			return nil, fmt.Errorf("rule %q: invalid url_pattern: %w", s.ID, err)
		}
		preds = append(preds, func(c *engine.Context) bool {
			return re.MatchString(c.Request.URL)
		})
	}

	if s.HostSuffix != "" {
		suffix := strings.ToLower(strings.TrimPrefix(s.HostSuffix, "."))
		preds = append(preds, func(c *engine.Context) bool {
			host := c.TargetHost()
			return host == suffix || strings.HasSuffix(host, "."+suffix)
		})
	}

	if len(s.Methods) > 0 {
		methods := make(map[string]bool, len(s.Methods))
		for _, m := range s.Methods {
			methods[strings.ToUpper(strings.TrimSpace(m))] = true
		}
		preds = append(preds, func(c *engine.Context) bool {
			return methods[strings.ToUpper(c.Request.Method)]
		})
	}

	if len(s.RequestTypes) > 0 {
		types := make(map[engine.RequestType]bool, len(s.RequestTypes))
		for _, t := range s.RequestTypes {
			types[engine.ParseRequestType(t)] = true
		}
		preds = append(preds, func(c *engine.Context) bool {
			return types[c.Request.Type]
		})
	}

	if s.RequiresRecentInput {
		preds = append(preds, (*engine.Context).HasRecentInput)
	}
	if s.RequiresHighSensitivity {
		preds = append(preds, (*engine.Context).HighSensitivityInput)
	}
	if s.MinPayloadBytes > 0 {
		min := s.MinPayloadBytes
		preds = append(preds, func(c *engine.Context) bool {
			return c.Request.PayloadSize >= min
		})
	}
	if s.CrossOriginOnly {
		preds = append(preds, (*engine.Context).CrossOrigin)
	}

	return preds, nil
}
