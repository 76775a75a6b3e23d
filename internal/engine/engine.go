package engine

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// ReasonNoRuleMatched is the fixed reason returned when neither danger nor
// safe rules match and the decision is deferred to secondary analysis.
const ReasonNoRuleMatched = "no rule matched, secondary analysis needed"

// HeuristicEngine holds the rule registry and reduces rule matches into a
// verdict. Danger rules are always evaluated before safe rules; any danger
// match settles the verdict without the safe side ever running. A request
// is only declared safe after every danger rule has been checked, and
// ambiguity lands on unknown rather than safe.
type HeuristicEngine struct {
	mu      sync.RWMutex
	rules   map[string]*registryEntry
	nextSeq uint64
	logger  *zap.Logger
}

// registryEntry pins a rule to its registration sequence. The sequence
// breaks priority ties so evaluation order is stable regardless of map
// iteration, and survives re-registration of the same id.
type registryEntry struct {
	rule Rule
	seq  uint64
}

// NewHeuristicEngine creates an empty engine. Rules come from the built-in
// catalog or from RegisterRule calls.
func NewHeuristicEngine(logger *zap.Logger) *HeuristicEngine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HeuristicEngine{
		rules:  make(map[string]*registryEntry),
		logger: logger,
	}
}

// RegisterRule validates and installs a rule, replacing any existing rule
// with the same id. Replacement keeps the original registration sequence
// so priority ties stay stable across updates.
func (e *HeuristicEngine) RegisterRule(r Rule) error {
	if err := r.Validate(); err != nil {
		return fmt.Errorf("RegisterRule: %w", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if existing, ok := e.rules[r.ID]; ok {
		existing.rule = r
		return nil
	}
	e.nextSeq++
	e.rules[r.ID] = &registryEntry{rule: r, seq: e.nextSeq}
	return nil
}

// UnregisterRule removes a rule and reports whether it was present.
func (e *HeuristicEngine) UnregisterRule(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.rules[id]; !ok {
		return false
	}
	delete(e.rules, id)
	return true
}

// SetRuleEnabled flips a rule's enabled flag via functional update. An
// unknown id is a silent no-op: enable/disable is idempotent configuration,
// not a correctness operation.
func (e *HeuristicEngine) SetRuleEnabled(id string, enabled bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	entry, ok := e.rules[id]
	if !ok {
		return
	}
	entry.rule = entry.rule.WithEnabled(enabled)
}

// Rule returns the current value of a registered rule.
func (e *HeuristicEngine) Rule(id string) (Rule, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	entry, ok := e.rules[id]
	if !ok {
		return Rule{}, false
	}
	return entry.rule, true
}

// Rules returns every registered rule, enabled or not, sorted by priority
// descending with registration order breaking ties.
func (e *HeuristicEngine) Rules() []Rule {
	e.mu.RLock()
	entries := make([]registryEntry, 0, len(e.rules))
	for _, en := range e.rules {
		entries = append(entries, *en)
	}
	e.mu.RUnlock()

	sortByEvaluationOrder(entries)
	out := make([]Rule, len(entries))
	for i, en := range entries {
		out[i] = en.rule
	}
	return out
}

// Analyze evaluates danger rules, then safe rules, and reduces the matches
// into a single Result:
//
//   - any danger match: dangerous, confidence is the max across matches,
//     reason names the first match in priority order, safe rules skipped
//   - else any safe match: safe, reduced the same way
//   - else: unknown with zero confidence and ReasonNoRuleMatched
func (e *HeuristicEngine) Analyze(dctx *Context) Result {
	if matches := e.evaluateCategory(CategoryDanger, dctx); len(matches) > 0 {
		return reduceMatches(VerdictDangerous, matches)
	}
	if matches := e.evaluateCategory(CategorySafe, dctx); len(matches) > 0 {
		return reduceMatches(VerdictSafe, matches)
	}
	return Result{
		Verdict:    VerdictUnknown,
		Confidence: 0,
		Reason:     ReasonNoRuleMatched,
	}
}

// evaluateCategory runs every enabled rule of one category in priority
// order and collects all matches. Checks run inline: they are pure and
// microsecond-fast by contract, so there is nothing to parallelize.
func (e *HeuristicEngine) evaluateCategory(cat RuleCategory, dctx *Context) []RuleMatch {
	var matches []RuleMatch
	for _, r := range e.snapshotCategory(cat) {
		if !r.Enabled {
			continue
		}
		res := e.runCheck(r, dctx)
		if !res.Match {
			continue
		}
		res.Confidence = clampConfidence(res.Confidence)
		matches = append(matches, RuleMatch{RuleID: r.ID, RuleName: r.Name, Result: res})
	}
	return matches
}

// runCheck isolates a panicking rule check: the failure is logged and the
// rule treated as not matching, so one bad rule cannot abort detection.
func (e *HeuristicEngine) runCheck(r Rule, dctx *Context) (res CheckResult) {
	defer func() {
		if rec := recover(); rec != nil {
			e.logger.Error("rule check panicked, treating as non-match",
				zap.String("rule_id", r.ID),
				zap.Any("panic", rec),
			)
			res = CheckResult{}
		}
	}()
	return r.Check(dctx)
}

// snapshotCategory copies the rules of one category in evaluation order
// under the read lock. Evaluation then runs on the snapshot, so concurrent
// registry updates never affect an in-flight analysis.
func (e *HeuristicEngine) snapshotCategory(cat RuleCategory) []Rule {
	e.mu.RLock()
	entries := make([]registryEntry, 0, len(e.rules))
	for _, en := range e.rules {
		if en.rule.Category == cat {
			entries = append(entries, *en)
		}
	}
	e.mu.RUnlock()

	sortByEvaluationOrder(entries)
	rules := make([]Rule, len(entries))
	for i, en := range entries {
		rules[i] = en.rule
	}
	return rules
}

func sortByEvaluationOrder(entries []registryEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].rule.Priority != entries[j].rule.Priority {
			return entries[i].rule.Priority > entries[j].rule.Priority
		}
		return entries[i].seq < entries[j].seq
	})
}

func reduceMatches(v Verdict, matches []RuleMatch) Result {
	var max float32
	for _, m := range matches {
		if m.Result.Confidence > max {
			max = m.Result.Confidence
		}
	}
	var reason string
	if v == VerdictDangerous {
		reason = fmt.Sprintf("danger rule matched: %s", matches[0].RuleName)
	} else {
		reason = fmt.Sprintf("safe rule matched: %s", matches[0].RuleName)
	}
	return Result{
		Verdict:      v,
		Confidence:   max,
		MatchedRules: matches,
		Reason:       reason,
	}
}

func clampConfidence(c float32) float32 {
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}
