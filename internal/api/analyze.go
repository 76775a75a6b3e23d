package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/formguard/formguard/internal/detector"
	"github.com/formguard/formguard/internal/engine"
	"github.com/formguard/formguard/internal/observability"
)

// handleAnalyze runs one network request through the client's per-tab
// orchestrator and returns the verdict. Observe-mode profiles get the real
// verdict but a downgraded recommendation; the persisted event keeps the
// original recommendation because persistence happens inside the orchestrator.
func (d *Dependencies) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	var req AnalyzeRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Request.URL) == "" {
		writeError(w, http.StatusBadRequest, "request.url is required")
		return
	}

	cc := clientFromContext(r.Context())
	if cc == nil {
		writeError(w, http.StatusInternalServerError, "missing client context")
		return
	}

	orch := d.Sessions.GetOrCreate(cc.ClientID, tabFromRequest(r, req.TabID), cc.Policy)

	nreq := engine.NetworkRequest{
		Type:        engine.ParseRequestType(req.Request.Type),
		URL:         req.Request.URL,
		Method:      strings.ToUpper(strings.TrimSpace(req.Request.Method)),
		Headers:     req.Request.Headers,
		PayloadSize: req.Request.PayloadSize,
		Timestamp:   millisToTime(req.Request.TS),
	}

	var override []engine.InputEvent
	for _, in := range req.RecentInputs {
		override = append(override, inputFromReq(in))
	}

	a := orch.AnalyzeNetworkRequest(r.Context(), nreq, req.CurrentDomain, req.ExternalScripts, override)

	observability.Analyses.WithLabelValues(a.Verdict.String(), strconv.FormatBool(a.UsedAI)).Inc()
	observability.AnalysisDuration.Observe(a.AnalysisTimeMs / 1000)

	resp := analysisToResp(a)
	if cc.Observing() && a.Recommendation != engine.RecommendProceed {
		resp.Recommendation = engine.RecommendProceed.String()
		resp.Observed = true
	}
	writeJSON(w, http.StatusOK, resp)
}

func analysisToResp(a detector.Analysis) AnalyzeResponse {
	matches := make([]RuleMatchResp, 0, len(a.MatchedRules))
	for _, m := range a.MatchedRules {
		matches = append(matches, RuleMatchResp{
			RuleID:     m.RuleID,
			RuleName:   m.RuleName,
			Confidence: m.Result.Confidence,
			Details:    nilIfEmpty(m.Result.Details),
		})
	}
	return AnalyzeResponse{
		RequestID:      a.RequestID,
		Verdict:        a.Verdict.String(),
		Confidence:     a.Confidence,
		Recommendation: a.Recommendation.String(),
		Reason:         a.Reason,
		MatchedRules:   matches,
		UsedAI:         a.UsedAI,
		Details:        nilIfEmpty(a.Details),
		TargetDomain:   a.TargetDomain,
		AnalysisTimeMs: a.AnalysisTimeMs,
	}
}

func inputFromReq(in InputEventReq) engine.InputEvent {
	return engine.InputEvent{
		FieldID:   in.FieldID,
		FieldType: engine.ParseFieldType(in.FieldType),
		Length:    in.Length,
		Timestamp: millisToTime(in.TS),
		DOMPath:   in.DOMPath,
	}
}

// millisToTime converts an epoch-milliseconds stamp from the extension
// (JS Date.now()) to a time, substituting the server clock when absent.
func millisToTime(ms int64) time.Time {
	if ms <= 0 {
		return time.Now()
	}
	return time.UnixMilli(ms)
}
