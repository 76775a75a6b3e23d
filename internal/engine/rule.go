package engine

import (
	"fmt"
	"strings"
)

// RuleCategory buckets a rule as an attack signature or a legitimacy
// signature.
type RuleCategory int

const (
	CategoryUnspecified RuleCategory = iota
	CategoryDanger
	CategorySafe
)

// String returns the lowercase category name.
func (c RuleCategory) String() string {
	switch c {
	case CategoryDanger:
		return "danger"
	case CategorySafe:
		return "safe"
	default:
		return "unspecified"
	}
}

// ParseRuleCategory maps a wire name back to a RuleCategory.
func ParseRuleCategory(s string) (RuleCategory, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "danger":
		return CategoryDanger, nil
	case "safe":
		return CategorySafe, nil
	}
	return CategoryUnspecified, fmt.Errorf("ParseRuleCategory: unrecognized category %q", s)
}

// CheckFunc evaluates a detection context. Implementations must be pure
// with respect to the context: no I/O, no hidden state, and fast enough to
// run inline on every analyzed request. Confidence must lie in [0,1].
type CheckFunc func(*Context) CheckResult

// Priority bounds for rules; higher priorities are evaluated first.
const (
	MinPriority = 0
	MaxPriority = 100
)

// Rule is an immutable predicate with metadata. Enabling or disabling
// produces a new value via WithEnabled; registered rules are replaced by
// id, never mutated in place, so in-flight evaluations keep a consistent
// snapshot.
type Rule struct {
	ID          string
	Name        string
	Description string
	Category    RuleCategory
	Priority    int
	Enabled     bool
	Tags        []string
	Check       CheckFunc
}

// Validate reports whether the rule is well formed. A malformed catalog
// entry is a construction-time error for the author, never a runtime
// condition.
func (r Rule) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("rule id must not be empty")
	}
	if strings.TrimSpace(r.Name) == "" {
		return fmt.Errorf("rule %q: name must not be empty", r.ID)
	}
	if r.Priority < MinPriority || r.Priority > MaxPriority {
		return fmt.Errorf("rule %q: priority %d outside [%d,%d]", r.ID, r.Priority, MinPriority, MaxPriority)
	}
	if r.Category != CategoryDanger && r.Category != CategorySafe {
		return fmt.Errorf("rule %q: category must be danger or safe", r.ID)
	}
	if r.Check == nil {
		return fmt.Errorf("rule %q: nil check function", r.ID)
	}
	return nil
}

// WithEnabled returns a copy of the rule with the enabled flag set.
func (r Rule) WithEnabled(enabled bool) Rule {
	r.Enabled = enabled
	return r
}
