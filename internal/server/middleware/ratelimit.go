package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/httprate"
)

// RateLimitByIP returns an HTTP middleware that limits requests per client
// IP to requestsPerMinute. It guards unauthenticated routes such as the
// OAuth callback, where no plan tier is known yet. Rejections use the
// standard error envelope.
func RateLimitByIP(requestsPerMinute int) func(http.Handler) http.Handler {
	return httprate.Limit(
		requestsPerMinute,
		time.Minute,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			ctx := map[string]interface{}{"code": CodeRateLimitExceeded}
			if v := w.Header().Get("Retry-After"); v != "" {
				if secs, err := strconv.Atoi(v); err == nil {
					ctx["retry_after"] = secs
				}
			}
			writeErrorJSON(w, http.StatusTooManyRequests, "Too many requests", CodeRateLimitExceeded, ctx)
		}),
	)
}
