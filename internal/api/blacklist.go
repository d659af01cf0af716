package api

import (
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// ListBlacklist returns the tenant's blacklist entries, newest first.
func (h *Handler) ListBlacklist(w http.ResponseWriter, r *http.Request) {
	entries, err := h.checker.List(r.Context(), GetTenantID(r.Context()))
	if err != nil {
		h.writeServiceError(w, r, err, "blacklist")
		return
	}
	if entries == nil {
		entries = []*domain.BlacklistEntry{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"entries": entries,
		"count":   len(entries),
	})
}

// AddBlacklist adds a manual entry. Adding an existing (type, value) pair
// returns the stored entry with 200.
func (h *Handler) AddBlacklist(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var req BlacklistRequest
	if !h.decode(w, r, &req) {
		return
	}

	entry := &domain.BlacklistEntry{
		ID:       uuid.New().String(),
		TenantID: tenantID,
		Type:     domain.IdentityType(req.Type),
		Value:    req.Value,
		Reason:   req.Reason,
		Severity: domain.Severity(req.Severity),
		Source:   domain.SourceManual,
	}
	created, err := h.checker.Add(ctx, tenantID, entry)
	if err != nil {
		h.writeServiceError(w, r, err, "blacklist entry")
		return
	}

	if !created {
		existing, err := h.checker.Get(ctx, tenantID, entry.Type, entry.Value)
		if err != nil {
			h.writeServiceError(w, r, err, "blacklist entry")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"entry": existing, "created": false})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"entry": entry, "created": true})
}

// RemoveBlacklist deletes an entry by type and value.
func (h *Handler) RemoveBlacklist(w http.ResponseWriter, r *http.Request) {
	idType, err := domain.ParseIdentityType(chi.URLParam(r, "type"))
	if err != nil {
		h.writeServiceError(w, r, err, "blacklist entry")
		return
	}
	value, err := url.PathUnescape(chi.URLParam(r, "value"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid value")
		return
	}

	if err := h.checker.Remove(r.Context(), GetTenantID(r.Context()), idType, value); err != nil {
		h.writeServiceError(w, r, err, "blacklist entry")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
