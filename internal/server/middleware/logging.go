package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

type contextKeyLog string

const logTagsKey contextKeyLog = "log_tags"

// logTags collects fields that inner handlers learn after the logger has
// already wrapped the request, such as the authenticated owner.
type logTags struct {
	mu    sync.Mutex
	owner string
}

// tagOwner records the authenticated owner for the request log line.
func tagOwner(ctx context.Context, ownerID string) {
	if t, ok := ctx.Value(logTagsKey).(*logTags); ok {
		t.mu.Lock()
		t.owner = ownerID
		t.mu.Unlock()
	}
}

// Logger returns an HTTP middleware that logs every request using structured
// logging. It captures the method, path, status code, response size, duration,
// request ID, remote address and, once authenticated, the owner.
func Logger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			tags := &logTags{}

			next.ServeHTTP(ww, r.WithContext(context.WithValue(r.Context(), logTagsKey, tags)))

			duration := time.Since(start)
			level := slog.LevelInfo
			if ww.status >= 500 {
				level = slog.LevelError
			} else if ww.status >= 400 {
				level = slog.LevelWarn
			}

			tags.mu.Lock()
			owner := tags.owner
			tags.mu.Unlock()

			attrs := []any{
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.status,
				"duration_ms", float64(duration.Microseconds()) / 1000.0,
				"bytes", ww.bytes,
				"request_id", GetRequestID(r.Context()),
				"remote_addr", r.RemoteAddr,
			}
			if owner != "" {
				attrs = append(attrs, "owner", owner)
			}
			logger.Log(r.Context(), level, "request", attrs...)
		})
	}
}

// responseWriter wraps http.ResponseWriter to capture the status code and
// bytes written for logging purposes.
type responseWriter struct {
	http.ResponseWriter
	status      int
	bytes       int
	wroteHeader bool
}

func (w *responseWriter) WriteHeader(code int) {
	if w.wroteHeader {
		return
	}
	w.wroteHeader = true
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *responseWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}

// Unwrap returns the underlying ResponseWriter, required for http.Flusher
// and other interface assertions through middleware chains.
func (w *responseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
