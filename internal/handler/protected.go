package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/faucetdb/tollgate/internal/server/middleware"
)

// ProtectedHandler is the sample resource behind the gate. It echoes the
// admission decision, meters one unit of usage and records the call.
type ProtectedHandler struct {
	logger *slog.Logger
}

// NewProtectedHandler creates a new ProtectedHandler.
func NewProtectedHandler(logger *slog.Logger) *ProtectedHandler {
	return &ProtectedHandler{logger: logger}
}

// Echo handles any method under the protected prefix.
// GET|POST /api/v1/protected/*
func (h *ProtectedHandler) Echo(w http.ResponseWriter, r *http.Request) {
	d := middleware.DecisionFrom(r.Context())
	if d == nil {
		writeError(w, http.StatusUnauthorized, "Authentication required")
		return
	}

	applied, err := d.IncrementQuota(r.Context(), 1)
	if err != nil {
		h.logger.Error("quota increment failed", "owner", d.Credential.OwnerID, "error", err)
		writeServiceError(w, err)
		return
	}

	resp := map[string]interface{}{
		"owner_id":    d.Credential.OwnerID,
		"key_id":      d.Credential.KeyID,
		"environment": d.Credential.Environment,
		"plan_tier":   d.Credential.PlanTier,
		"request_id":  d.RequestID,
		"path":        "/" + chi.URLParam(r, "*"),
		"metered":     applied,
	}
	if d.RateLimit.Limit > 0 {
		resp["rate_limit"] = map[string]interface{}{
			"limit":     d.RateLimit.Limit,
			"remaining": d.RateLimit.Remaining,
			"reset_at":  d.RateLimit.ResetAt,
		}
	}
	if d.Quota != nil {
		resp["quota"] = map[string]interface{}{
			"used":      d.Quota.Used,
			"limit":     d.Quota.MonthlyLimit,
			"remaining": d.Quota.Remaining(),
		}
	}

	d.LogRequest(http.StatusOK, map[string]any{"path": r.URL.Path, "method": r.Method})
	writeJSON(w, http.StatusOK, resp)
}
