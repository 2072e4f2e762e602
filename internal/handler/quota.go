package handler

import (
	"net/http"

	"github.com/faucetdb/tollgate/internal/model"
	"github.com/faucetdb/tollgate/internal/service"
)

// QuotaHandler serves the caller's view of the current billing window.
type QuotaHandler struct {
	quota *service.QuotaService
}

// NewQuotaHandler creates a new QuotaHandler.
func NewQuotaHandler(quota *service.QuotaService) *QuotaHandler {
	return &QuotaHandler{quota: quota}
}

// quotaResponse wraps the window with derived fields.
type quotaResponse struct {
	*model.QuotaWindow
	Remaining         int64 `json:"remaining"`
	Overage           int64 `json:"overage"`
	Unlimited         bool  `json:"unlimited"`
	HasCapacity       bool  `json:"has_capacity"`
	RequestsPerMinute int   `json:"requests_per_minute"`
}

// GetQuota returns the caller's current window, rolling it over first when
// the period has ended.
// GET /api/v1/owner/quota
func (h *QuotaHandler) GetQuota(w http.ResponseWriter, r *http.Request) {
	ownerID := owner(w, r)
	if ownerID == "" {
		return
	}
	q, err := h.quota.GetCurrentQuota(r.Context(), ownerID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, quotaResponse{
		QuotaWindow:       q,
		Remaining:         q.Remaining(),
		Overage:           q.Overage(),
		Unlimited:         q.IsUnlimited(),
		HasCapacity:       h.quota.HasAvailableQuota(q),
		RequestsPerMinute: model.PlanFor(q.PlanTier).RequestsPerMinute,
	})
}
