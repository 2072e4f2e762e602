package handler

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/faucetdb/tollgate/internal/audit"
	"github.com/faucetdb/tollgate/internal/model"
)

// AuditHandler exposes the caller's own audit trail.
type AuditHandler struct {
	audit *audit.Logger
}

// NewAuditHandler creates a new AuditHandler.
func NewAuditHandler(l *audit.Logger) *AuditHandler {
	return &AuditHandler{audit: l}
}

// Query lists the caller's events, newest first.
// GET /api/v1/owner/audit?type=a,b&severity=&success=&from=&to=&limit=&offset=
func (h *AuditHandler) Query(w http.ResponseWriter, r *http.Request) {
	ownerID := owner(w, r)
	if ownerID == "" {
		return
	}

	f := model.AuditFilter{
		ActorID:  ownerID,
		Severity: model.Severity(queryString(r, "severity")),
		Limit:    clampInt(queryInt(r, "limit", audit.DefaultQueryLimit), 1, audit.MaxQueryLimit),
		Offset:   max(queryInt(r, "offset", 0), 0),
	}
	if types := queryString(r, "type"); types != "" {
		for _, t := range strings.Split(types, ",") {
			et := model.EventType(strings.TrimSpace(t))
			if !et.Valid() {
				writeError(w, http.StatusBadRequest, "Unknown event type: "+string(et))
				return
			}
			f.Types = append(f.Types, et)
		}
	}
	if s := queryString(r, "success"); s != "" {
		b, err := strconv.ParseBool(s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "success must be true or false")
			return
		}
		f.Success = &b
	}
	var err error
	if f.From, err = queryTime(r, "from"); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if f.To, err = queryTime(r, "to"); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	events, err := h.audit.Query(r.Context(), f)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if events == nil {
		events = []model.AuditEvent{}
	}
	writeJSON(w, http.StatusOK, model.ListResponse{
		Resource: events,
		Meta:     &model.ResponseMeta{Count: len(events), Limit: f.Limit, Offset: f.Offset},
	})
}

// Report summarizes the caller's events over [from, to).
// GET /api/v1/owner/audit/report?from=&to=
func (h *AuditHandler) Report(w http.ResponseWriter, r *http.Request) {
	ownerID := owner(w, r)
	if ownerID == "" {
		return
	}
	from, err := queryTime(r, "from")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	to, err := queryTime(r, "to")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rep, err := h.audit.GenerateReport(r.Context(), ownerID, from, to)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}
