package api

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/formguard/formguard/internal/store"
)

func (d *Dependencies) handleCreateProfile(w http.ResponseWriter, r *http.Request) {
	var req CreateProfileReq
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Name == "" || len(req.Name) > 255 {
		writeError(w, http.StatusBadRequest, "name must be 1-255 characters")
		return
	}

	profile, plainKey, err := d.Store.CreateProfile(r.Context(), req.Name)
	if err != nil {
		d.Logger.Error("failed to create profile", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to create profile")
		return
	}

	// The plaintext key appears in this response only; the store keeps a hash.
	writeJSON(w, http.StatusCreated, CreateProfileResp{
		ClientID:  profile.ClientID,
		Name:      profile.Name,
		ClientKey: plainKey,
		KeyPrefix: profile.KeyPrefix,
		Mode:      profile.Mode,
		Disabled:  profile.Disabled,
		CreatedAt: profile.CreatedAt,
	})
}

func (d *Dependencies) handleListProfiles(w http.ResponseWriter, r *http.Request) {
	profiles, err := d.Store.ListProfiles(r.Context())
	if err != nil {
		d.Logger.Error("failed to list profiles", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list profiles")
		return
	}

	resp := make([]ProfileResp, 0, len(profiles))
	for _, p := range profiles {
		resp = append(resp, profileToResp(p))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (d *Dependencies) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("client_id")
	profile, err := d.Store.GetProfile(r.Context(), id)
	if err != nil {
		d.Logger.Error("failed to get profile", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to get profile")
		return
	}
	if profile == nil {
		writeError(w, http.StatusNotFound, "profile not found")
		return
	}
	writeJSON(w, http.StatusOK, profileToResp(profile))
}

func (d *Dependencies) handleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("client_id")

	var req UpdateProfileReq
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if req.Name != nil && (len(*req.Name) == 0 || len(*req.Name) > 255) {
		writeError(w, http.StatusBadRequest, "name must be 1-255 characters")
		return
	}
	if req.Mode != nil && !store.ValidMode(*req.Mode) {
		writeError(w, http.StatusBadRequest, "mode must be 'enforce' or 'observe'")
		return
	}

	profile, err := d.Store.UpdateProfile(r.Context(), id, store.UpdateProfileParams{
		Name:     req.Name,
		Mode:     req.Mode,
		Disabled: req.Disabled,
	})
	if err != nil {
		d.Logger.Error("failed to update profile", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to update profile")
		return
	}
	if profile == nil {
		writeError(w, http.StatusNotFound, "profile not found")
		return
	}
	writeJSON(w, http.StatusOK, profileToResp(profile))
}

func (d *Dependencies) handleDeleteProfile(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("client_id")
	if err := d.Store.DeleteProfile(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "profile not found")
			return
		}
		d.Logger.Error("failed to delete profile", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to delete profile")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (d *Dependencies) handleRotateKey(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("client_id")
	profile, plainKey, err := d.Store.RotateClientKey(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "profile not found")
			return
		}
		d.Logger.Error("failed to rotate key", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to rotate client key")
		return
	}
	writeJSON(w, http.StatusOK, RotateKeyResp{
		ClientKey: plainKey,
		KeyPrefix: profile.KeyPrefix,
	})
}

func profileToResp(p *store.Profile) ProfileResp {
	return ProfileResp{
		ClientID:  p.ClientID,
		Name:      p.Name,
		KeyPrefix: p.KeyPrefix,
		Mode:      p.Mode,
		Disabled:  p.Disabled,
		CreatedAt: p.CreatedAt,
		UpdatedAt: p.UpdatedAt,
	}
}
