package storage

import "time"

// EventWriter is the sink for detection events.
// Write() must NEVER block the analysis path.
type EventWriter interface {
	Write(event *DetectionEvent)
	Close()
}

// DetectionEvent is the durable record of one non-safe analysis: the
// verdict joined with request metadata, the rule matches behind it, and a
// privacy-preserving summary of the correlated inputs (field types and
// count only). Safe verdicts are never persisted.
type DetectionEvent struct {
	RequestID       string
	TabID           string
	ClientID        string
	Timestamp       time.Time
	RequestType     string
	Method          string
	URL             string
	TargetDomain    string
	CurrentDomain   string
	Verdict         string
	Confidence      float32
	Recommendation  string
	Reason          string
	RuleIDs         []string
	RuleNames       []string
	RuleConfidences []float32
	FirstRuleID     string
	UsedAI          bool
	PayloadSize     uint32
	InputCount      uint32
	InputTypes      []string
	AnalysisMs      float32
}

// Column caps for stored strings.
const (
	ReasonMaxLength = 500
	URLMaxLength    = 2048
)

// Truncate returns the first maxLen characters (runes) of s. It never
// splits a multi-byte UTF-8 character.
func Truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen])
}
