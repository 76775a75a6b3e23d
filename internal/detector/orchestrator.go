package detector

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/formguard/formguard/internal/engine"
	"github.com/formguard/formguard/internal/observability"
	"github.com/formguard/formguard/internal/storage"
)

const (
	// DefaultQueryWindow bounds how far back the orchestrator correlates
	// buffered sensitive inputs with an outgoing request.
	DefaultQueryWindow = 500 * time.Millisecond

	// DefaultAITimeout bounds a single secondary classifier round trip.
	DefaultAITimeout = 5 * time.Second
)

// errClassifierPanic marks a panic recovered from the secondary classifier.
var errClassifierPanic = errors.New("classifier panicked")

// AllowlistSource answers whether the user has explicitly trusted a domain.
type AllowlistSource interface {
	IsAllowlisted(ctx context.Context, domain string) (bool, error)
}

// Analysis is the outcome of one analyzed network request.
type Analysis struct {
	engine.Result

	RequestID      string
	Recommendation engine.Recommendation
	UsedAI         bool
	Details        string
	TargetDomain   string
	CurrentDomain  string
	Timestamp      time.Time
	AnalysisTimeMs float64
}

// Config wires one Orchestrator. Engine is required in practice; every
// other collaborator may be nil and the orchestrator degrades around it.
type Config struct {
	TabID    string
	ClientID string

	Engine     *engine.HeuristicEngine
	Allowlist  AllowlistSource
	Events     storage.EventWriter
	Classifier SecondaryClassifier

	AIEnabled   bool
	QueryWindow time.Duration
	AITimeout   time.Duration

	Logger *zap.Logger
}

// Orchestrator runs the decision pipeline for a single browser tab: allow-list
// short circuit, input correlation, heuristic analysis, optional secondary
// classification, and detection event persistence. One instance serves one
// tab; instances share the heuristic engine but never the input buffer.
type Orchestrator struct {
	tabID    string
	clientID string

	engine     *engine.HeuristicEngine
	buffer     *InputBuffer
	allowlist  AllowlistSource
	events     storage.EventWriter
	classifier SecondaryClassifier

	aiEnabled   atomic.Bool
	queryWindow time.Duration
	aiTimeout   time.Duration

	logger *zap.Logger
	now    func() time.Time
}

func NewOrchestrator(cfg Config) *Orchestrator {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Engine == nil {
		cfg.Engine = engine.NewHeuristicEngine(cfg.Logger)
	}
	if cfg.QueryWindow <= 0 {
		cfg.QueryWindow = DefaultQueryWindow
	}
	if cfg.AITimeout <= 0 {
		cfg.AITimeout = DefaultAITimeout
	}

	o := &Orchestrator{
		tabID:       cfg.TabID,
		clientID:    cfg.ClientID,
		engine:      cfg.Engine,
		buffer:      NewInputBuffer(),
		allowlist:   cfg.Allowlist,
		events:      cfg.Events,
		classifier:  cfg.Classifier,
		queryWindow: cfg.QueryWindow,
		aiTimeout:   cfg.AITimeout,
		logger:      cfg.Logger,
		now:         time.Now,
	}
	o.aiEnabled.Store(cfg.AIEnabled)
	return o
}

// AnalyzeNetworkRequest decides whether an outgoing request looks like form
// data exfiltration. It never returns an error: every failure mode inside
// the pipeline degrades to a heuristic-only or unknown outcome.
func (o *Orchestrator) AnalyzeNetworkRequest(ctx context.Context, req engine.NetworkRequest, currentDomain string, externalScripts []string, overrideInputs []engine.InputEvent) Analysis {
	start := o.clock()

	a := Analysis{
		RequestID:     uuid.New().String(),
		TargetDomain:  engine.HostnameFromURL(req.URL),
		CurrentDomain: currentDomain,
		Timestamp:     start,
	}

	// Allow-listed destinations skip rule evaluation entirely and are
	// never persisted.
	if o.allowlisted(ctx, a.TargetDomain) {
		a.Result = engine.Result{
			Verdict:    engine.VerdictSafe,
			Confidence: 1,
			Reason:     fmt.Sprintf("domain %s is allow-listed", a.TargetDomain),
		}
		a.Recommendation = engine.RecommendProceed
		a.AnalysisTimeMs = o.elapsedMs(start)
		return a
	}

	inputs := o.buffer.Recent(o.queryWindow)
	inputs = append(inputs, overrideInputs...)

	ectx := &engine.Context{
		Request:         req,
		RecentInputs:    inputs,
		CurrentDomain:   currentDomain,
		ExternalScripts: externalScripts,
	}

	a.Result = o.engine.Analyze(ectx)
	a.Recommendation = engine.RecommendationFor(a.Verdict)

	if a.Verdict == engine.VerdictUnknown && o.AIEnabled() {
		o.consultClassifier(ctx, &a, ectx)
	}

	a.AnalysisTimeMs = o.elapsedMs(start)

	if a.Verdict != engine.VerdictSafe {
		o.persist(&a, req, inputs)
	}
	return a
}

// consultClassifier asks the secondary classifier for a verdict and adopts
// it on success. Unavailability, errors, timeouts and panics all leave the
// heuristic result in place.
func (o *Orchestrator) consultClassifier(ctx context.Context, a *Analysis, ectx *engine.Context) {
	if o.classifier == nil {
		return
	}
	if !o.classifierAvailable(ctx) {
		observability.AIFallbacks.WithLabelValues("unavailable").Inc()
		return
	}

	cctx, cancel := context.WithTimeout(ctx, o.aiTimeout)
	defer cancel()

	cls, err := o.classify(cctx, ClassifyRequest{
		Request:             ectx.Request,
		RecentInputs:        ectx.RecentInputs,
		CurrentDomain:       ectx.CurrentDomain,
		ExternalScripts:     ectx.ExternalScripts,
		HeuristicVerdict:    a.Verdict,
		HeuristicConfidence: a.Confidence,
	})
	if err != nil {
		cause := "error"
		switch {
		case errors.Is(err, errClassifierPanic):
			cause = "panic"
		case errors.Is(err, context.DeadlineExceeded):
			cause = "timeout"
		}
		observability.AIFallbacks.WithLabelValues(cause).Inc()
		o.logger.Warn("secondary classifier failed, keeping heuristic verdict",
			zap.String("request_id", a.RequestID),
			zap.Error(err),
		)
		return
	}

	a.Verdict = cls.Verdict
	a.Confidence = cls.Confidence
	a.Reason = cls.Reason
	a.Recommendation = cls.Recommendation
	a.Details = cls.Details
	a.UsedAI = true
}

func (o *Orchestrator) classifierAvailable(ctx context.Context) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Warn("classifier availability check panicked", zap.Any("panic", r))
			ok = false
		}
	}()
	return o.classifier.IsAvailable(ctx)
}

func (o *Orchestrator) classify(ctx context.Context, req ClassifyRequest) (cls Classification, err error) {
	defer func() {
		if r := recover(); r != nil {
			cls = Classification{}
			err = fmt.Errorf("%w: %v", errClassifierPanic, r)
		}
	}()
	return o.classifier.Analyze(ctx, req)
}

func (o *Orchestrator) allowlisted(ctx context.Context, domain string) bool {
	if o.allowlist == nil {
		return false
	}
	ok, err := o.allowlist.IsAllowlisted(ctx, domain)
	if err != nil {
		o.logger.Warn("allow-list lookup failed, treating domain as unlisted",
			zap.String("domain", domain),
			zap.Error(err),
		)
		return false
	}
	return ok
}

// persist writes a detection event for a non-SAFE outcome. Events carry
// input field types and lengths only, never captured values.
func (o *Orchestrator) persist(a *Analysis, req engine.NetworkRequest, inputs []engine.InputEvent) {
	if o.events == nil {
		return
	}

	ev := &storage.DetectionEvent{
		RequestID:      a.RequestID,
		TabID:          o.tabID,
		ClientID:       o.clientID,
		Timestamp:      a.Timestamp,
		RequestType:    req.Type.String(),
		Method:         req.Method,
		URL:            req.URL,
		TargetDomain:   a.TargetDomain,
		CurrentDomain:  a.CurrentDomain,
		Verdict:        a.Verdict.String(),
		Confidence:     a.Confidence,
		Recommendation: a.Recommendation.String(),
		Reason:         a.Reason,
		FirstRuleID:    a.FirstRuleID(),
		UsedAI:         a.UsedAI,
		InputCount:     uint32(len(inputs)),
		AnalysisMs:     float32(a.AnalysisTimeMs),
	}
	if req.PayloadSize > 0 {
		ev.PayloadSize = uint32(req.PayloadSize)
	}
	for _, m := range a.MatchedRules {
		ev.RuleIDs = append(ev.RuleIDs, m.RuleID)
		ev.RuleNames = append(ev.RuleNames, m.RuleName)
		ev.RuleConfidences = append(ev.RuleConfidences, m.Result.Confidence)
	}
	for _, in := range inputs {
		ev.InputTypes = append(ev.InputTypes, in.FieldType.String())
	}

	o.events.Write(ev)
}

// RecordSensitiveInput appends a field interaction to the correlation
// buffer. A zero timestamp is stamped with the current time.
func (o *Orchestrator) RecordSensitiveInput(ev engine.InputEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = o.clock()
	}
	o.buffer.Record(ev)
}

// RecentInputs returns buffered inputs newer than the given window.
func (o *Orchestrator) RecentInputs(within time.Duration) []engine.InputEvent {
	return o.buffer.Recent(within)
}

// ClearInputBuffer drops all buffered inputs, typically on page navigation.
func (o *Orchestrator) ClearInputBuffer() {
	o.buffer.Clear()
}

// SetAIEnabled toggles the local preference for the secondary classifier.
func (o *Orchestrator) SetAIEnabled(enabled bool) {
	o.aiEnabled.Store(enabled)
}

func (o *Orchestrator) AIEnabled() bool {
	return o.aiEnabled.Load()
}

// Engine exposes the shared heuristic engine for rule management.
func (o *Orchestrator) Engine() *engine.HeuristicEngine {
	return o.engine
}

func (o *Orchestrator) RegisterRule(r engine.Rule) error {
	return o.engine.RegisterRule(r)
}

func (o *Orchestrator) UnregisterRule(id string) bool {
	return o.engine.UnregisterRule(id)
}

func (o *Orchestrator) SetRuleEnabled(id string, enabled bool) {
	o.engine.SetRuleEnabled(id, enabled)
}

func (o *Orchestrator) Rules() []engine.Rule {
	return o.engine.Rules()
}

func (o *Orchestrator) clock() time.Time {
	if o.now == nil {
		return time.Now()
	}
	return o.now()
}

func (o *Orchestrator) elapsedMs(start time.Time) float64 {
	return o.clock().Sub(start).Seconds() * 1000
}
