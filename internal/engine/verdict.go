package engine

import (
	"fmt"
	"strings"
)

// Verdict classifies one outbound network request. Declaration order is
// severity order: Safe < Unknown < Suspicious < Dangerous.
type Verdict int

const (
	VerdictSafe Verdict = iota
	VerdictUnknown
	VerdictSuspicious
	VerdictDangerous
)

// String returns the lowercase verdict name (used on the wire and in ClickHouse).
func (v Verdict) String() string {
	switch v {
	case VerdictSafe:
		return "safe"
	case VerdictSuspicious:
		return "suspicious"
	case VerdictDangerous:
		return "dangerous"
	default:
		return "unknown"
	}
}

// Severity returns the verdict's rank; higher means worse.
func (v Verdict) Severity() int {
	return int(v)
}

// MoreSevere returns whichever verdict ranks higher, ties going to a.
func MoreSevere(a, b Verdict) Verdict {
	if b.Severity() > a.Severity() {
		return b
	}
	return a
}

// ParseVerdict maps a wire name back to a Verdict.
func ParseVerdict(s string) (Verdict, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "safe":
		return VerdictSafe, nil
	case "unknown":
		return VerdictUnknown, nil
	case "suspicious":
		return VerdictSuspicious, nil
	case "dangerous":
		return VerdictDangerous, nil
	}
	return VerdictUnknown, fmt.Errorf("ParseVerdict: unrecognized verdict %q", s)
}

// Recommendation is the action the caller should take for a verdict.
type Recommendation int

const (
	RecommendProceed Recommendation = iota
	RecommendWarn
	RecommendBlock
)

// String returns the lowercase recommendation name.
func (r Recommendation) String() string {
	switch r {
	case RecommendProceed:
		return "proceed"
	case RecommendBlock:
		return "block"
	default:
		return "warn"
	}
}

// ParseRecommendation maps a wire name back to a Recommendation.
func ParseRecommendation(s string) (Recommendation, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "proceed":
		return RecommendProceed, nil
	case "warn":
		return RecommendWarn, nil
	case "block":
		return RecommendBlock, nil
	}
	return RecommendWarn, fmt.Errorf("ParseRecommendation: unrecognized recommendation %q", s)
}

// RecommendationFor derives the recommendation for a verdict. The mapping
// is total: safe proceeds, dangerous blocks, everything else warns.
func RecommendationFor(v Verdict) Recommendation {
	switch v {
	case VerdictSafe:
		return RecommendProceed
	case VerdictDangerous:
		return RecommendBlock
	default:
		return RecommendWarn
	}
}
