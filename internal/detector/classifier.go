package detector

import (
	"context"

	"github.com/formguard/formguard/internal/engine"
)

// Classification is the secondary classifier's answer for one request.
type Classification struct {
	Verdict        engine.Verdict
	Confidence     float32
	Reason         string
	Recommendation engine.Recommendation
	Details        string
}

// ClassifyRequest carries everything the secondary classifier may inspect,
// including the heuristic outcome it is asked to improve on. Input events
// expose field types and lengths only; typed values never exist anywhere
// in the pipeline.
type ClassifyRequest struct {
	Request             engine.NetworkRequest
	RecentInputs        []engine.InputEvent
	CurrentDomain       string
	ExternalScripts     []string
	HeuristicVerdict    engine.Verdict
	HeuristicConfidence float32
}

// SecondaryClassifier is the pluggable second analysis tier consulted when
// the heuristic engine returns unknown. Any failure, panic, or timeout in
// an implementation is absorbed by the orchestrator; implementations
// signal failure by returning an error.
type SecondaryClassifier interface {
	IsAvailable(ctx context.Context) bool
	Analyze(ctx context.Context, req ClassifyRequest) (Classification, error)
}

// StubClassifier is the deterministic no-network implementation, used in
// tests and as the default when no real classifier is configured.
type StubClassifier struct {
	Available bool
	Result    Classification
	Err       error

	// Calls counts Analyze invocations; tests read it to verify the
	// consultation policy.
	Calls int
}

// NewStubClassifier returns a stub that always declines availability.
func NewStubClassifier() *StubClassifier {
	return &StubClassifier{}
}

func (s *StubClassifier) IsAvailable(context.Context) bool {
	return s.Available
}

func (s *StubClassifier) Analyze(context.Context, ClassifyRequest) (Classification, error) {
	s.Calls++
	if s.Err != nil {
		return Classification{}, s.Err
	}
	return s.Result, nil
}
