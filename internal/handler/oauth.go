package handler

import (
	"log/slog"
	"net/http"

	"github.com/faucetdb/tollgate/internal/service"
)

// OAuthHandler connects owners to the external identity provider and hands
// out valid access tokens from the vault.
type OAuthHandler struct {
	vault    *service.TokenVault
	sessions *service.SessionService
	logger   *slog.Logger
}

// NewOAuthHandler creates a new OAuthHandler.
func NewOAuthHandler(vault *service.TokenVault, sessions *service.SessionService, logger *slog.Logger) *OAuthHandler {
	return &OAuthHandler{vault: vault, sessions: sessions, logger: logger}
}

// Authorize starts a connection. The state parameter is a short-lived
// signed token naming the owner and workspace, so the callback needs no
// session.
// GET /api/v1/owner/oauth/authorize?workspace_id=...
func (h *OAuthHandler) Authorize(w http.ResponseWriter, r *http.Request) {
	ownerID := owner(w, r)
	if ownerID == "" {
		return
	}
	state, err := h.sessions.IssueState(ownerID, queryString(r, "workspace_id"), service.DefaultStateTTL)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"url":   h.vault.AuthCodeURL(state),
		"state": state,
	})
}

// Callback completes a connection started by Authorize.
// GET /oauth/callback?code=...&state=...
func (h *OAuthHandler) Callback(w http.ResponseWriter, r *http.Request) {
	if e := queryString(r, "error"); e != "" {
		writeError(w, http.StatusBadRequest, "Authorization denied: "+e,
			map[string]interface{}{"code": "AUTHORIZATION_DENIED"})
		return
	}
	st, err := h.sessions.ValidateState(queryString(r, "state"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid or expired state",
			map[string]interface{}{"code": "INVALID_STATE"})
		return
	}

	rec, err := h.vault.Connect(r.Context(), st.OwnerID, st.WorkspaceID, queryString(r, "code"))
	if err != nil {
		h.logger.Warn("oauth connect failed", "owner", st.OwnerID, "error", err)
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":      true,
		"owner_id":     rec.OwnerID,
		"workspace_id": rec.WorkspaceID,
		"email":        rec.Email,
		"expires_at":   rec.ExpiresAt,
	})
}

// Token returns a valid access token, refreshing it when it is close to
// expiry or when ?refresh=true.
// GET /api/v1/owner/oauth/token?workspace_id=...&refresh=true
func (h *OAuthHandler) Token(w http.ResponseWriter, r *http.Request) {
	ownerID := owner(w, r)
	if ownerID == "" {
		return
	}
	ws := queryString(r, "workspace_id")
	token, err := h.vault.GetValidAccessToken(r.Context(), ownerID, ws, queryBool(r, "refresh"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	st, err := h.vault.Status(r.Context(), ownerID, ws)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"access_token": token,
		"token_type":   "Bearer",
		"expires_at":   st.ExpiresAt,
	})
}

// Status describes the stored connection without revealing any token.
// GET /api/v1/owner/oauth?workspace_id=...
func (h *OAuthHandler) Status(w http.ResponseWriter, r *http.Request) {
	ownerID := owner(w, r)
	if ownerID == "" {
		return
	}
	st, err := h.vault.Status(r.Context(), ownerID, queryString(r, "workspace_id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// Disconnect revokes the connection at the provider and deletes it.
// DELETE /api/v1/owner/oauth?workspace_id=...
func (h *OAuthHandler) Disconnect(w http.ResponseWriter, r *http.Request) {
	ownerID := owner(w, r)
	if ownerID == "" {
		return
	}
	if err := h.vault.Revoke(r.Context(), ownerID, queryString(r, "workspace_id")); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "OAuth connection removed",
	})
}
