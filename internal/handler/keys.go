package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/faucetdb/tollgate/internal/model"
	"github.com/faucetdb/tollgate/internal/service"
)

// KeyHandler serves the owner-facing API key endpoints. Every route expects
// a session principal in the request context.
type KeyHandler struct {
	keys *service.KeyService
}

// NewKeyHandler creates a new KeyHandler.
func NewKeyHandler(keys *service.KeyService) *KeyHandler {
	return &KeyHandler{keys: keys}
}

// createKeyRequest is the expected payload for CreateKey.
type createKeyRequest struct {
	Name        string     `json:"name"`
	Environment string     `json:"environment"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

// issuedKeyResponse includes the plaintext key (shown once only).
type issuedKeyResponse struct {
	ID          int64      `json:"id"`
	Key         string     `json:"api_key"`
	KeyPrefix   string     `json:"key_prefix"`
	Name        string     `json:"name"`
	Environment string     `json:"environment"`
	PreviousID  int64      `json:"previous_id,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

func issued(plaintext string, key *model.APIKey) issuedKeyResponse {
	return issuedKeyResponse{
		ID:          key.ID,
		Key:         plaintext,
		KeyPrefix:   key.KeyPrefix,
		Name:        key.Name,
		Environment: key.Environment,
		CreatedAt:   key.CreatedAt,
		ExpiresAt:   key.ExpiresAt,
	}
}

// ListKeys returns the caller's keys, newest first. Hashes are never
// serialized.
// GET /api/v1/owner/keys
func (h *KeyHandler) ListKeys(w http.ResponseWriter, r *http.Request) {
	ownerID := owner(w, r)
	if ownerID == "" {
		return
	}
	keys, err := h.keys.List(r.Context(), ownerID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if keys == nil {
		keys = []model.APIKey{}
	}
	writeJSON(w, http.StatusOK, model.ListResponse{
		Resource: keys,
		Meta:     &model.ResponseMeta{Count: len(keys)},
	})
}

// CreateKey issues a new key. The plaintext is returned once.
// POST /api/v1/owner/keys
func (h *KeyHandler) CreateKey(w http.ResponseWriter, r *http.Request) {
	ownerID := owner(w, r)
	if ownerID == "" {
		return
	}
	var req createKeyRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if req.Environment == "" {
		req.Environment = model.EnvironmentLive
	}

	plaintext, key, err := h.keys.Create(r.Context(), service.CreateKeyInput{
		OwnerID:     ownerID,
		Name:        req.Name,
		Environment: req.Environment,
		ExpiresAt:   req.ExpiresAt,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, issued(plaintext, key))
}

// Allowance reports how many more keys the caller may create.
// GET /api/v1/owner/keys/allowance
func (h *KeyHandler) Allowance(w http.ResponseWriter, r *http.Request) {
	ownerID := owner(w, r)
	if ownerID == "" {
		return
	}
	a, err := h.keys.CanCreate(r.Context(), ownerID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"allowed": a.Allowed,
		"current": a.Current,
		"max":     a.Max,
	})
}

// RevokeKey revokes one of the caller's keys. With ?purge=true the row is
// deleted instead.
// DELETE /api/v1/owner/keys/{keyId}?reason=...&purge=true
func (h *KeyHandler) RevokeKey(w http.ResponseWriter, r *http.Request) {
	ownerID := owner(w, r)
	if ownerID == "" {
		return
	}
	id, ok := keyID(w, r)
	if !ok {
		return
	}

	if queryBool(r, "purge") {
		if err := h.keys.Purge(r.Context(), id, ownerID); err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"success": true,
			"message": "API key deleted",
		})
		return
	}

	if err := h.keys.Revoke(r.Context(), id, ownerID, queryString(r, "reason")); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "API key revoked",
	})
}

// rotateKeyRequest is the optional payload for RotateKey.
type rotateKeyRequest struct {
	Name string `json:"name"`
}

// RotateKey revokes a key and issues its replacement in one step.
// POST /api/v1/owner/keys/{keyId}/rotate
func (h *KeyHandler) RotateKey(w http.ResponseWriter, r *http.Request) {
	ownerID := owner(w, r)
	if ownerID == "" {
		return
	}
	id, ok := keyID(w, r)
	if !ok {
		return
	}
	var req rotateKeyRequest
	if r.ContentLength > 0 {
		if err := readJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
			return
		}
	}

	plaintext, key, err := h.keys.Rotate(r.Context(), id, ownerID, req.Name)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	resp := issued(plaintext, key)
	resp.PreviousID = id
	writeJSON(w, http.StatusCreated, resp)
}

func keyID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	idStr := chi.URLParam(r, "keyId")
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "Invalid key ID: "+idStr)
		return 0, false
	}
	return id, true
}
