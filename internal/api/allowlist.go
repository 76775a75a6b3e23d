package api

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/formguard/formguard/internal/store"
)

func (d *Dependencies) handleListAllowlist(w http.ResponseWriter, r *http.Request) {
	cc := clientFromContext(r.Context())
	if cc == nil {
		writeError(w, http.StatusInternalServerError, "missing client context")
		return
	}

	entries, err := d.Store.ListAllowlist(r.Context(), cc.ClientID)
	if err != nil {
		d.Logger.Error("list allowlist failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list allowlist")
		return
	}
	resp := make([]AllowlistEntryResp, 0, len(entries))
	for _, e := range entries {
		resp = append(resp, AllowlistEntryResp{Domain: e.Domain, AddedAt: e.AddedAt})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (d *Dependencies) handleAddAllowlist(w http.ResponseWriter, r *http.Request) {
	var req AddAllowlistReq
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	cc := clientFromContext(r.Context())
	if cc == nil {
		writeError(w, http.StatusInternalServerError, "missing client context")
		return
	}

	domain := store.NormalizeDomain(req.Domain)
	if domain == "" {
		writeError(w, http.StatusBadRequest, "domain is required")
		return
	}
	if err := d.Store.AddAllowlistDomain(r.Context(), cc.ClientID, domain); err != nil {
		d.Logger.Error("add allowlist domain failed", zap.String("domain", domain), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to add domain")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"domain": domain})
}

func (d *Dependencies) handleRemoveAllowlist(w http.ResponseWriter, r *http.Request) {
	cc := clientFromContext(r.Context())
	if cc == nil {
		writeError(w, http.StatusInternalServerError, "missing client context")
		return
	}

	domain := store.NormalizeDomain(r.PathValue("domain"))
	if err := d.Store.RemoveAllowlistDomain(r.Context(), cc.ClientID, domain); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "domain not in allowlist")
			return
		}
		d.Logger.Error("remove allowlist domain failed", zap.String("domain", domain), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to remove domain")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
