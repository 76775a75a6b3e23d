package api

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/formguard/formguard/internal/chread"
	"github.com/formguard/formguard/internal/engine"
)

// handleListEvents returns the client's persisted detection events, newest
// first, with optional filters. Requires ClickHouse.
func (d *Dependencies) handleListEvents(w http.ResponseWriter, r *http.Request) {
	if d.Reader == nil {
		writeError(w, http.StatusServiceUnavailable, "ClickHouse not configured")
		return
	}
	cc := clientFromContext(r.Context())
	if cc == nil {
		writeError(w, http.StatusInternalServerError, "missing client context")
		return
	}

	q := r.URL.Query()
	params := chread.ListEventsParams{ClientID: cc.ClientID}

	if v := q.Get("verdict"); v != "" {
		verdict, err := engine.ParseVerdict(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "unrecognized verdict filter")
			return
		}
		s := verdict.String()
		params.Verdict = &s
	}
	if v := q.Get("target_domain"); v != "" {
		params.TargetDomain = &v
	}
	if v := q.Get("tab_id"); v != "" {
		params.TabID = &v
	}
	if v := q.Get("rule_id"); v != "" {
		params.RuleID = &v
	}
	if v := q.Get("used_ai"); v != "" {
		used := v == "true" || v == "1"
		params.UsedAI = &used
	}
	// Bad timestamps are dropped rather than rejected; the dashboard builds
	// these from date pickers and an empty filter beats a broken page.
	if v := q.Get("since"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			params.Since = &t
		}
	}
	if v := q.Get("until"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			params.Until = &t
		}
	}

	params.Limit = queryInt(q, "limit", 100)
	if params.Limit < 1 {
		params.Limit = 1
	}
	if params.Limit > 1000 {
		params.Limit = 1000
	}
	params.Offset = queryInt(q, "offset", 0)
	if params.Offset < 0 {
		params.Offset = 0
	}

	rows, total, err := d.Reader.ListEvents(r.Context(), params)
	if err != nil {
		d.Logger.Error("list events failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to query events")
		return
	}

	events := make([]EventResp, 0, len(rows))
	for _, row := range rows {
		events = append(events, eventToResp(row))
	}
	writeJSON(w, http.StatusOK, EventListResp{
		Events: events,
		Total:  total,
		Limit:  params.Limit,
		Offset: params.Offset,
	})
}

// handleGetEvent returns one persisted event by request id.
func (d *Dependencies) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	if d.Reader == nil {
		writeError(w, http.StatusServiceUnavailable, "ClickHouse not configured")
		return
	}
	cc := clientFromContext(r.Context())
	if cc == nil {
		writeError(w, http.StatusInternalServerError, "missing client context")
		return
	}

	row, err := d.Reader.GetEvent(r.Context(), cc.ClientID, r.PathValue("request_id"))
	if err != nil {
		d.Logger.Error("get event failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to query event")
		return
	}
	if row == nil {
		writeError(w, http.StatusNotFound, "event not found")
		return
	}
	writeJSON(w, http.StatusOK, eventToResp(*row))
}

// handleAnalytics returns aggregate detection statistics over a trailing
// window (default 24h, max 30 days).
func (d *Dependencies) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	if d.Reader == nil {
		writeError(w, http.StatusServiceUnavailable, "ClickHouse not configured")
		return
	}
	cc := clientFromContext(r.Context())
	if cc == nil {
		writeError(w, http.StatusInternalServerError, "missing client context")
		return
	}

	hours := queryInt(r.URL.Query(), "hours", 24)
	if hours < 1 {
		hours = 1
	}
	if hours > 720 {
		hours = 720
	}

	result, err := d.Reader.Analytics(r.Context(), cc.ClientID, hours)
	if err != nil {
		d.Logger.Error("analytics query failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to query analytics")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// eventToResp rebuilds the per-rule match list from the row's parallel
// arrays. The arrays are written together so lengths normally agree, but a
// short read is tolerated rather than panicking on an index.
func eventToResp(row chread.EventRow) EventResp {
	matches := make([]RuleMatchResp, 0, len(row.RuleIDs))
	for i, id := range row.RuleIDs {
		m := RuleMatchResp{RuleID: id}
		if i < len(row.RuleNames) {
			m.RuleName = row.RuleNames[i]
		}
		if i < len(row.RuleConfidences) {
			m.Confidence = row.RuleConfidences[i]
		}
		matches = append(matches, m)
	}
	return EventResp{
		RequestID:      row.RequestID,
		TabID:          row.TabID,
		Timestamp:      row.Timestamp,
		RequestType:    row.RequestType,
		Method:         row.Method,
		URL:            row.URL,
		TargetDomain:   row.TargetDomain,
		CurrentDomain:  row.CurrentDomain,
		Verdict:        row.Verdict,
		Confidence:     row.Confidence,
		Recommendation: row.Recommendation,
		Reason:         nilIfEmpty(row.Reason),
		MatchedRules:   matches,
		FirstRuleID:    nilIfEmpty(row.FirstRuleID),
		UsedAI:         row.UsedAI == 1,
		PayloadSize:    row.PayloadSize,
		InputCount:     row.InputCount,
		InputTypes:     row.InputTypes,
		AnalysisMs:     row.AnalysisMs,
	}
}
