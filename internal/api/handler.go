package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/opensource-finance/kestrel/internal/blacklist"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/fraud"
	"github.com/opensource-finance/kestrel/internal/rules"
)

// Handler holds dependencies for API handlers.
type Handler struct {
	svc      *fraud.Service
	engine   *rules.Engine
	repo     domain.Repository
	checker  *blacklist.Checker
	cache    domain.Cache
	version  string
	validate *validator.Validate
}

// Deps are the components the API serves.
type Deps struct {
	Service *fraud.Service
	Engine  *rules.Engine
	Repo    domain.Repository
	Checker *blacklist.Checker
	Cache   domain.Cache
	Version string
}

// NewHandler creates a new API handler.
func NewHandler(d Deps) *Handler {
	return &Handler{
		svc:      d.Service,
		engine:   d.Engine,
		repo:     d.Repo,
		checker:  d.Checker,
		cache:    d.Cache,
		version:  d.Version,
		validate: newValidator(),
	}
}

// Evaluate handles POST /evaluate: the order is stored and scored
// synchronously.
func (h *Handler) Evaluate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var req EvaluateRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := req.check(); err != nil {
		h.writeServiceError(w, r, err, "order")
		return
	}

	if req.User != nil {
		user := &domain.User{
			ID:            req.UserID,
			TenantID:      tenantID,
			Email:         req.Email,
			EmailVerified: req.User.EmailVerified,
			PhoneVerified: req.User.PhoneVerified,
			CreatedAt:     req.User.CreatedAt.UTC(),
		}
		if err := h.repo.SaveUser(ctx, tenantID, user); err != nil {
			h.writeServiceError(w, r, err, "user")
			return
		}
	}

	score, err := h.svc.Submit(ctx, req.toOrder(tenantID))
	if err != nil {
		h.writeServiceError(w, r, err, "order")
		return
	}

	writeJSON(w, http.StatusOK, score)
}

// GetScore handles GET /orders/{id}/score.
func (h *Handler) GetScore(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	orderID := chi.URLParam(r, "id")

	score, err := h.svc.LatestScore(ctx, GetTenantID(ctx), orderID)
	if err != nil {
		h.writeServiceError(w, r, err, "fraud score")
		return
	}
	writeJSON(w, http.StatusOK, score)
}

// Reanalyze handles POST /orders/{id}/reanalyze.
func (h *Handler) Reanalyze(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	orderID := chi.URLParam(r, "id")

	score, err := h.svc.Reanalyze(ctx, GetTenantID(ctx), orderID)
	if err != nil {
		h.writeServiceError(w, r, err, "order")
		return
	}
	writeJSON(w, http.StatusOK, score)
}

// Review handles POST /orders/{id}/review.
func (h *Handler) Review(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	orderID := chi.URLParam(r, "id")

	var req ReviewRequest
	if !h.decode(w, r, &req) {
		return
	}
	verdict, err := domain.ParseReviewDecision(req.Decision)
	if err != nil {
		h.writeServiceError(w, r, err, "review")
		return
	}

	score, err := h.svc.Review(ctx, GetTenantID(ctx), orderID, verdict, req.Reviewer, req.Notes)
	if err != nil {
		h.writeServiceError(w, r, err, "fraud score")
		return
	}
	writeJSON(w, http.StatusOK, score)
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	// Check repository health
	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			slog.Warn("repository ping failed", "error", err)
			status = "degraded"
		}
	}

	// Check cache health
	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			slog.Warn("cache ping failed", "error", err)
			status = "degraded"
		}
	}

	resp := map[string]any{
		"status":  status,
		"version": h.version,
	}
	if h.engine != nil {
		resp["rulesLoaded"] = h.engine.RulesCount()
	}
	if h.svc != nil {
		policy := h.svc.Policy()
		resp["mode"] = policy.Mode
		resp["thresholds"] = policy.Thresholds.Name
	}
	writeJSON(w, http.StatusOK, resp)
}

// Ready reports whether the server can take traffic: the store must
// answer.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"ready": "false",
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// writeServiceError maps domain errors to status codes. Internal errors
// are logged and never echoed.
func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error, what string) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, what+" not found")
	case errors.Is(err, domain.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrConflict):
		writeError(w, http.StatusConflict, what+" already exists")
	default:
		slog.Error("request failed",
			"path", r.URL.Path,
			"tenant_id", GetTenantID(r.Context()),
			"trace_id", GetTraceID(r.Context()),
			"error", err,
		)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Debug("response write failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
