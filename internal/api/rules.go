package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Rules are stored globally (tenant_id = "*") and apply to every tenant.
// Writes reach the engine on POST /rules/reload.

// ListRules returns stored rules. ?active=true limits the list to active
// ones.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("active") == "true"

	stored, err := h.repo.ListRules(r.Context(), domain.GlobalTenantID, activeOnly)
	if err != nil {
		h.writeServiceError(w, r, err, "rules")
		return
	}
	if stored == nil {
		stored = []*domain.Rule{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"rules":  stored,
		"count":  len(stored),
		"loaded": h.engine.RulesCount(),
	})
}

// GetRule retrieves a rule by ID.
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	rule, err := h.repo.GetRule(r.Context(), domain.GlobalTenantID, chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, err, "rule")
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

// CreateRule validates a rule against the feature schema and saves it.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req RuleRequest
	if !h.decode(w, r, &req) {
		return
	}

	id := req.ID
	if id == "" {
		id = uuid.New().String()
	}

	_, err := h.repo.GetRule(ctx, domain.GlobalTenantID, id)
	switch {
	case err == nil:
		writeError(w, http.StatusConflict, "rule already exists")
		return
	case !errors.Is(err, domain.ErrNotFound):
		h.writeServiceError(w, r, err, "rule")
		return
	}

	rule := req.toRule(id)
	if err := h.engine.ValidateRule(rule); err != nil {
		h.writeServiceError(w, r, err, "rule")
		return
	}
	if err := h.repo.SaveRule(ctx, domain.GlobalTenantID, rule); err != nil {
		h.writeServiceError(w, r, err, "rule")
		return
	}

	slog.Info("rule created", "rule_id", rule.ID, "name", rule.Name)
	writeJSON(w, http.StatusCreated, map[string]any{
		"rule":    rule,
		"message": "rule created, call POST /rules/reload to apply",
	})
}

// UpdateRule replaces a rule's definition. Its trigger counter and
// creation time are kept.
func (h *Handler) UpdateRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	var req RuleRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.ID != "" && req.ID != id {
		writeError(w, http.StatusBadRequest, "rule id does not match path")
		return
	}

	existing, err := h.repo.GetRule(ctx, domain.GlobalTenantID, id)
	if err != nil {
		h.writeServiceError(w, r, err, "rule")
		return
	}

	rule := req.toRule(id)
	rule.CreatedAt = existing.CreatedAt
	rule.TriggerCount = existing.TriggerCount
	if req.Active == nil {
		rule.Active = existing.Active
	}
	if err := h.engine.ValidateRule(rule); err != nil {
		h.writeServiceError(w, r, err, "rule")
		return
	}
	if err := h.repo.SaveRule(ctx, domain.GlobalTenantID, rule); err != nil {
		h.writeServiceError(w, r, err, "rule")
		return
	}

	slog.Info("rule updated", "rule_id", rule.ID, "name", rule.Name)
	writeJSON(w, http.StatusOK, map[string]any{
		"rule":    rule,
		"message": "rule updated, call POST /rules/reload to apply",
	})
}

// DeactivateRule soft-deletes a rule.
func (h *Handler) DeactivateRule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := h.repo.DeactivateRule(r.Context(), domain.GlobalTenantID, id); err != nil {
		h.writeServiceError(w, r, err, "rule")
		return
	}

	slog.Info("rule deactivated", "rule_id", id)
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "rule deactivated, call POST /rules/reload to apply",
	})
}

// ReloadRules reloads all active rules from the store into the engine.
func (h *Handler) ReloadRules(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.ReloadRules(r.Context(), h.repo); err != nil {
		h.writeServiceError(w, r, err, "rules")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"message": "rules reloaded successfully",
		"count":   h.engine.RulesCount(),
	})
}
