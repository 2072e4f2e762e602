package middleware

import (
	"context"
	"net"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/faucetdb/tollgate/internal/audit"
)

type contextKey string

// RequestIDKey is the context key for the request ID.
const RequestIDKey contextKey = "request_id"

// maxClientRequestID bounds client-supplied request IDs, which end up in
// audit records and idempotency keys.
const maxClientRequestID = 128

// RequestID is an HTTP middleware that assigns a unique UUID v7 to each
// request. If the client already provides a usable X-Request-ID header, that
// value is used instead. The ID is set on the response header and the
// request context, together with the caller's address and user agent for
// audit records.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get("X-Request-ID"))
		if id == "" || len(id) > maxClientRequestID || strings.ContainsAny(id, "\r\n") {
			id = uuid.Must(uuid.NewV7()).String()
		}
		w.Header().Set("X-Request-ID", id)
		ctx := context.WithValue(r.Context(), RequestIDKey, id)
		ctx = audit.WithRequest(ctx, audit.Request{
			IPAddress: clientIP(r),
			UserAgent: r.UserAgent(),
			RequestID: id,
		})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetRequestID extracts the request ID from the context. Returns an empty
// string if no request ID is present.
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(RequestIDKey).(string); ok {
		return id
	}
	return ""
}

// clientIP returns the host part of RemoteAddr. Proxy headers are applied
// upstream by chi's RealIP middleware.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
