package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/faucetdb/tollgate/internal/audit"
	"github.com/faucetdb/tollgate/internal/idp"
	"github.com/faucetdb/tollgate/internal/model"
	"github.com/faucetdb/tollgate/internal/secret"
	"github.com/faucetdb/tollgate/internal/server/middleware"
	"github.com/faucetdb/tollgate/internal/service"
)

// maxBodyBytes bounds JSON request bodies on the management API.
const maxBodyBytes = 1 << 20

// writeJSON serializes v as JSON and writes it to the response with the given
// HTTP status code. The Content-Type header is set to application/json.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a structured error response using the standard error
// envelope. The optional ctx map provides additional context fields.
func writeError(w http.ResponseWriter, code int, message string, ctx ...map[string]interface{}) {
	var ctxMap map[string]interface{}
	if len(ctx) > 0 {
		ctxMap = ctx[0]
	}
	var reason string
	if c, ok := ctxMap["code"].(string); ok {
		reason = c
	}
	writeJSON(w, code, model.ErrorResponse{
		Code: reason,
		Error: model.ErrorDetail{
			Code:    code,
			Message: message,
			Context: ctxMap,
		},
	})
}

// writeServiceError maps a service error to an HTTP status and writes it.
// Storage and upstream failures are reported as unavailability, never as a
// denial.
func writeServiceError(w http.ResponseWriter, err error) {
	var limitErr *service.KeyLimitError
	switch {
	case errors.As(err, &limitErr):
		writeError(w, http.StatusForbidden, err.Error(), map[string]interface{}{
			"code": "KEY_LIMIT_REACHED", "current": limitErr.Current, "max": limitErr.Max,
		})
	case errors.Is(err, service.ErrInvalidInput), errors.Is(err, service.ErrInvalidEnvironment),
		errors.Is(err, audit.ErrInvalidRange):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrNotFound):
		writeError(w, http.StatusNotFound, "Not found")
	case errors.Is(err, service.ErrNoQuota):
		writeError(w, http.StatusNotFound, "No quota assigned", map[string]interface{}{"code": "NO_QUOTA"})
	case errors.Is(err, service.ErrNoCredential):
		writeError(w, http.StatusNotFound, "No OAuth connection", map[string]interface{}{"code": "NO_CREDENTIAL"})
	case errors.Is(err, service.ErrKeyRevoked):
		writeError(w, http.StatusConflict, "API key is revoked or expired")
	case errors.Is(err, service.ErrInvalidSession), errors.Is(err, service.ErrTokenExpired):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, service.ErrRefreshUnavailable), errors.Is(err, service.ErrRefreshFailed):
		writeError(w, http.StatusConflict, err.Error(), map[string]interface{}{"code": "REAUTH_REQUIRED"})
	case errors.Is(err, idp.ErrPermanent):
		writeError(w, http.StatusBadGateway, "Identity provider rejected the grant",
			map[string]interface{}{"code": "REAUTH_REQUIRED"})
	case errors.Is(err, service.ErrUpstreamTimeout):
		writeError(w, http.StatusGatewayTimeout, "Identity provider timed out")
	case errors.Is(err, service.ErrStorageUnavailable):
		writeError(w, http.StatusServiceUnavailable, "Storage temporarily unavailable",
			map[string]interface{}{"code": middleware.CodeServiceUnavailable})
	case errors.Is(err, secret.ErrTamperedCiphertext):
		writeError(w, http.StatusInternalServerError, "Stored credential failed integrity check")
	default:
		writeError(w, http.StatusInternalServerError, "Internal error: "+err.Error())
	}
}

// readJSON decodes the request body as JSON into v. The body is closed after
// decoding regardless of success or failure.
func readJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes)).Decode(v)
}

// queryInt extracts an integer query parameter, returning defaultVal if the
// parameter is missing or cannot be parsed.
func queryInt(r *http.Request, key string, defaultVal int) int {
	val := r.URL.Query().Get(key)
	if val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return n
}

// queryString extracts a string query parameter.
func queryString(r *http.Request, key string) string {
	return r.URL.Query().Get(key)
}

// queryBool extracts a boolean query parameter. Returns false if the parameter
// is missing or not "true"/"1".
func queryBool(r *http.Request, key string) bool {
	val := r.URL.Query().Get(key)
	return val == "true" || val == "1"
}

// queryTime parses an RFC 3339 query parameter. A missing parameter yields
// the zero time.
func queryTime(r *http.Request, key string) (time.Time, error) {
	val := r.URL.Query().Get(key)
	if val == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, val)
	if err != nil {
		return time.Time{}, errors.New(key + " must be an RFC 3339 timestamp")
	}
	return t, nil
}

// clampInt constrains val to be within [lo, hi].
func clampInt(val, lo, hi int) int {
	if val < lo {
		return lo
	}
	if val > hi {
		return hi
	}
	return val
}

// owner returns the session owner or writes a 401 and returns "".
func owner(w http.ResponseWriter, r *http.Request) string {
	id := middleware.OwnerID(r.Context())
	if id == "" {
		writeError(w, http.StatusUnauthorized, "Authentication required")
	}
	return id
}
