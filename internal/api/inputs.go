package api

import (
	"net/http"
	"time"
)

// handleRecordInput buffers one sensitive-input observation for the calling
// tab. Only the field type and value length ever reach the server.
func (d *Dependencies) handleRecordInput(w http.ResponseWriter, r *http.Request) {
	var req InputEventReq
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	cc := clientFromContext(r.Context())
	if cc == nil {
		writeError(w, http.StatusInternalServerError, "missing client context")
		return
	}

	orch := d.Sessions.GetOrCreate(cc.ClientID, tabFromRequest(r, ""), cc.Policy)
	orch.RecordSensitiveInput(inputFromReq(req))
	w.WriteHeader(http.StatusNoContent)
}

// handleListInputs returns the tab's buffered inputs inside the requested
// window (default 500ms, capped at the buffer retention). A tab with no
// session yet simply has no inputs; no session is created for a read.
func (d *Dependencies) handleListInputs(w http.ResponseWriter, r *http.Request) {
	cc := clientFromContext(r.Context())
	if cc == nil {
		writeError(w, http.StatusInternalServerError, "missing client context")
		return
	}

	q := r.URL.Query()
	withinMs := queryInt(q, "within_ms", 500)
	if withinMs < 0 {
		writeError(w, http.StatusBadRequest, "within_ms must not be negative")
		return
	}

	orch, ok := d.Sessions.Lookup(cc.ClientID, tabFromRequest(r, ""))
	if !ok {
		writeJSON(w, http.StatusOK, []InputEventResp{})
		return
	}

	events := orch.RecentInputs(time.Duration(withinMs) * time.Millisecond)
	resp := make([]InputEventResp, 0, len(events))
	for _, ev := range events {
		resp = append(resp, InputEventResp{
			FieldType: ev.FieldType.String(),
			Length:    ev.Length,
			FieldID:   ev.FieldID,
			DOMPath:   ev.DOMPath,
			TS:        ev.Timestamp.UnixMilli(),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleClearInputs drops the tab's buffered inputs. Clearing a tab that has
// no session is a no-op, not an error.
func (d *Dependencies) handleClearInputs(w http.ResponseWriter, r *http.Request) {
	cc := clientFromContext(r.Context())
	if cc == nil {
		writeError(w, http.StatusInternalServerError, "missing client context")
		return
	}
	if orch, ok := d.Sessions.Lookup(cc.ClientID, tabFromRequest(r, "")); ok {
		orch.ClearInputBuffer()
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleCloseTab tears down the tab's session. Idempotent: closing an
// unknown or already-swept tab succeeds.
func (d *Dependencies) handleCloseTab(w http.ResponseWriter, r *http.Request) {
	cc := clientFromContext(r.Context())
	if cc == nil {
		writeError(w, http.StatusInternalServerError, "missing client context")
		return
	}
	d.Sessions.Remove(cc.ClientID, r.PathValue("tab_id"))
	w.WriteHeader(http.StatusNoContent)
}
