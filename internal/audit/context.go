package audit

import (
	"context"

	"github.com/faucetdb/tollgate/internal/model"
)

type requestKey struct{}

// WithRequest attaches caller details to ctx so events logged further down
// the call chain carry them.
func WithRequest(ctx context.Context, req Request) context.Context {
	return context.WithValue(ctx, requestKey{}, req)
}

// RequestFrom returns the caller details stored in ctx, if any.
func RequestFrom(ctx context.Context) Request {
	req, _ := ctx.Value(requestKey{}).(Request)
	return req
}

// LogContext is Log with the request details from ctx filled in.
func (l *Logger) LogContext(ctx context.Context, ev model.AuditEvent) {
	if l == nil {
		return
	}
	req := RequestFrom(ctx)
	if ev.IPAddress == "" {
		ev.IPAddress = req.IPAddress
	}
	if ev.UserAgent == "" {
		ev.UserAgent = req.UserAgent
	}
	if ev.RequestID == "" {
		ev.RequestID = req.RequestID
	}
	l.Log(ev)
}
