package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/faucetdb/tollgate/internal/service"
)

type contextKeyAuth string

const (
	// AuthPrincipalKey is the context key for the authenticated owner session.
	AuthPrincipalKey contextKeyAuth = "auth_principal"
)

// SessionValidator verifies owner session tokens. *service.SessionService
// implements it.
type SessionValidator interface {
	ValidateSession(token string) (*service.SessionPrincipal, error)
}

// RequireSession returns an HTTP middleware that authenticates the owner
// management API with a Bearer session token. On success the principal is
// attached to the request context; otherwise a 401 JSON error is returned.
func RequireSession(sessions SessionValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if len(authHeader) < 7 || !strings.EqualFold(authHeader[:7], "bearer ") {
				writeAuthError(w, "Authentication required. Provide a Bearer session token.")
				return
			}
			token := strings.TrimSpace(authHeader[7:])
			if strings.HasPrefix(token, service.KeyPrefix) {
				writeAuthError(w, "API keys cannot be used for the management API")
				return
			}

			p, err := sessions.ValidateSession(token)
			if err != nil {
				msg := "Invalid session token"
				if errors.Is(err, service.ErrTokenExpired) {
					msg = "Session token expired"
				}
				writeAuthError(w, msg)
				return
			}

			tagOwner(r.Context(), p.OwnerID)
			ctx := context.WithValue(r.Context(), AuthPrincipalKey, p)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetPrincipal extracts the session principal from the context.
// Returns nil if no principal is present (i.e., unauthenticated request).
func GetPrincipal(ctx context.Context) *service.SessionPrincipal {
	if p, ok := ctx.Value(AuthPrincipalKey).(*service.SessionPrincipal); ok {
		return p
	}
	return nil
}

// OwnerID returns the authenticated owner, or "".
func OwnerID(ctx context.Context) string {
	if p := GetPrincipal(ctx); p != nil {
		return p.OwnerID
	}
	return ""
}

func writeAuthError(w http.ResponseWriter, message string) {
	writeErrorJSON(w, http.StatusUnauthorized, message, "", nil)
}
