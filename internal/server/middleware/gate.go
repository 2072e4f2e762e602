package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/faucetdb/tollgate/internal/audit"
	"github.com/faucetdb/tollgate/internal/metrics"
	"github.com/faucetdb/tollgate/internal/model"
	"github.com/faucetdb/tollgate/internal/ratelimit"
	"github.com/faucetdb/tollgate/internal/service"
)

// Denial codes returned in the "code" field of gate error responses.
const (
	CodeMissingAPIKey      = "MISSING_API_KEY"
	CodeInvalidAPIKey      = "INVALID_API_KEY"
	CodeAPIAccessDisabled  = "API_ACCESS_DISABLED"
	CodeNoQuota            = "NO_QUOTA"
	CodeQuotaExceeded      = "QUOTA_EXCEEDED"
	CodeRateLimitExceeded  = "RATE_LIMIT_EXCEEDED"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
)

// rateLimitAuditEvery samples rate-limit denials per key per window.
const rateLimitAuditEvery = 10

// Denial is the terminal state of a rejected request.
type Denial struct {
	Code       string
	Status     int
	Message    string
	RateLimit  *ratelimit.Result
	Quota      *model.QuotaWindow
	RetryAfter time.Duration
	Err        error // set for SERVICE_UNAVAILABLE
}

func (d *Denial) Error() string {
	if d.Err != nil {
		return d.Code + ": " + d.Err.Error()
	}
	return d.Code + ": " + d.Message
}

func (d *Denial) Unwrap() error { return d.Err }

// Options select the checks applied to a route.
type Options struct {
	RequireQuota bool
}

// CredentialValidator resolves a plaintext API key. *service.KeyService
// implements it.
type CredentialValidator interface {
	Validate(ctx context.Context, plaintext string) (*service.CredentialInfo, error)
}

// QuotaEnforcer reads and meters usage. *service.QuotaService implements it.
type QuotaEnforcer interface {
	GetCurrentQuota(ctx context.Context, ownerID string) (*model.QuotaWindow, error)
	HasAvailableQuota(q *model.QuotaWindow) bool
	IncrementUsage(ctx context.Context, ownerID, requestID string, amount int64) (bool, error)
}

// GateConfig tunes a Gate.
type GateConfig struct {
	APIKeyHeader string        // alternative credential header, default X-API-Key
	Timeout      time.Duration // bound on the store calls of one check, default 5s
}

// Gate authenticates API-key requests and enforces access, quota and rate
// limits.
type Gate struct {
	keys    CredentialValidator
	quota   QuotaEnforcer
	limiter *ratelimit.Limiter
	audit   *audit.Logger
	logger  *slog.Logger
	header  string
	timeout time.Duration
	now     func() time.Time

	mu      sync.Mutex
	denials map[string]*denialCount
}

type denialCount struct {
	n     int
	since time.Time
}

// NewGate creates a gate.
func NewGate(keys CredentialValidator, quota QuotaEnforcer, limiter *ratelimit.Limiter, auditLog *audit.Logger, cfg GateConfig, logger *slog.Logger) *Gate {
	if cfg.APIKeyHeader == "" {
		cfg.APIKeyHeader = "X-API-Key"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		keys:    keys,
		quota:   quota,
		limiter: limiter,
		audit:   auditLog,
		logger:  logger,
		header:  cfg.APIKeyHeader,
		timeout: cfg.Timeout,
		now:     time.Now,
		denials: make(map[string]*denialCount),
	}
}

// Decision is the authorization context of an admitted request.
type Decision struct {
	Credential *service.CredentialInfo
	Quota      *model.QuotaWindow // nil unless the route requires quota
	RateLimit  ratelimit.Result
	RequestID  string // correlation id, possibly client-supplied

	gate    *Gate
	request audit.Request
	usageID string // server-generated, keys quota idempotency
}

// LogRequest records the outcome of the protected operation.
func (d *Decision) LogRequest(status int, extra map[string]any) {
	meta := map[string]any{"credential_id": d.Credential.KeyID, "environment": d.Credential.Environment}
	for k, v := range extra {
		meta[k] = v
	}
	d.gate.audit.LogAPI(d.Credential.OwnerID, "api_key", strconv.FormatInt(d.Credential.KeyID, 10), status, meta, d.request)
}

// IncrementQuota meters amount units of usage for the request. Repeated
// calls for the same admitted request count once. The idempotency key is
// minted by the gate, never taken from the client.
func (d *Decision) IncrementQuota(ctx context.Context, amount int64) (bool, error) {
	return d.gate.quota.IncrementUsage(ctx, d.Credential.OwnerID, d.usageID, amount)
}

// ExtractCredential returns the API key carried by r: a Bearer token, a bare
// key in Authorization, or the configured header.
func (g *Gate) ExtractCredential(r *http.Request) string {
	if auth := strings.TrimSpace(r.Header.Get("Authorization")); auth != "" {
		if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
			return strings.TrimSpace(auth[7:])
		}
		if strings.HasPrefix(auth, service.KeyPrefix) {
			return auth
		}
	}
	return strings.TrimSpace(r.Header.Get(g.header))
}

// Authorize runs the admission checks for r. Refusals are returned as
// *Denial errors.
func (g *Gate) Authorize(r *http.Request, opts Options) (*Decision, error) {
	start := time.Now()
	dec, err := g.authorize(r, opts)
	outcome := "admitted"
	if err != nil {
		outcome = strings.ToLower(err.(*Denial).Code)
	}
	metrics.RecordAuthDecision(outcome, time.Since(start).Seconds())
	return dec, err
}

func (g *Gate) authorize(r *http.Request, opts Options) (*Decision, error) {
	ctx := r.Context()
	req := audit.RequestFrom(ctx)
	if req.RequestID == "" {
		req.RequestID = GetRequestID(ctx)
	}
	if req.IPAddress == "" {
		req.IPAddress = clientIP(r)
		req.UserAgent = r.UserAgent()
	}
	meta := map[string]any{"method": r.Method, "path": r.URL.Path}

	plaintext := g.ExtractCredential(r)
	if plaintext == "" {
		g.audit.LogAuth(model.EventAuthMissingKey, model.ActorAnonymous, false, meta, req)
		return nil, &Denial{Code: CodeMissingAPIKey, Status: http.StatusUnauthorized, Message: "API key required"}
	}

	vctx, cancel := context.WithTimeout(ctx, g.timeout)
	info, err := g.keys.Validate(vctx, plaintext)
	cancel()
	if err != nil {
		return nil, g.unavailable("validate credential", err)
	}
	if info == nil {
		if len(plaintext) >= model.KeyPrefixLen {
			meta["prefix"] = plaintext[:model.KeyPrefixLen]
		}
		g.audit.LogAuth(model.EventAuthFailure, model.ActorAnonymous, false, meta, req)
		return nil, &Denial{Code: CodeInvalidAPIKey, Status: http.StatusUnauthorized, Message: "Invalid API key"}
	}
	tagOwner(ctx, info.OwnerID)

	if !info.APIAccess {
		g.audit.LogAuth(model.EventAuthAccessDisabled, info.OwnerID, false, meta, req)
		return nil, &Denial{Code: CodeAPIAccessDisabled, Status: http.StatusForbidden, Message: "API access is disabled for this account"}
	}

	dec := &Decision{
		Credential: info,
		RequestID:  req.RequestID,
		gate:       g,
		request:    req,
		usageID:    uuid.Must(uuid.NewV7()).String(),
	}
	if dec.RequestID == "" {
		dec.RequestID = GetRequestID(ctx)
	}

	if opts.RequireQuota {
		qctx, cancel := context.WithTimeout(ctx, g.timeout)
		q, err := g.quota.GetCurrentQuota(qctx, info.OwnerID)
		cancel()
		switch {
		case errors.Is(err, service.ErrNoQuota):
			return nil, &Denial{Code: CodeNoQuota, Status: http.StatusForbidden, Message: "No quota assigned to this account"}
		case err != nil:
			return nil, g.unavailable("load quota", err)
		}
		if !g.quota.HasAvailableQuota(q) {
			meta["used"], meta["limit"] = q.Used, q.MonthlyLimit
			g.audit.LogSecurity(model.EventQuotaExceeded, info.OwnerID, model.SeverityWarning, meta, req)
			return nil, &Denial{
				Code:       CodeQuotaExceeded,
				Status:     http.StatusTooManyRequests,
				Message:    "Monthly quota exceeded",
				Quota:      q,
				RetryAfter: time.Until(q.PeriodEnd),
			}
		}
		dec.Quota = q
	}

	res, err := g.limiter.Check(ctx, "owner:"+info.OwnerID, info.PlanTier)
	if err != nil {
		return nil, g.unavailable("check rate limit", err)
	}
	dec.RateLimit = res
	if res.Limited {
		if g.sampleDenial(info.OwnerID) {
			meta["tier"], meta["limit"] = info.PlanTier, res.Limit
			g.audit.LogSecurity(model.EventRateLimited, info.OwnerID, model.SeverityWarning, meta, req)
		}
		return nil, &Denial{
			Code:       CodeRateLimitExceeded,
			Status:     http.StatusTooManyRequests,
			Message:    "Rate limit exceeded",
			RateLimit:  &res,
			RetryAfter: res.RetryAfter,
		}
	}

	g.audit.LogAuth(model.EventAuthSuccess, info.OwnerID, true, meta, req)
	return dec, nil
}

func (g *Gate) unavailable(op string, err error) *Denial {
	g.logger.Error("gate dependency failed", "op", op, "error", err)
	return &Denial{
		Code:    CodeServiceUnavailable,
		Status:  http.StatusServiceUnavailable,
		Message: "Service temporarily unavailable",
		Err:     fmt.Errorf("%s: %w", op, err),
	}
}

// sampleDenial reports whether this rate-limit denial for owner should be
// audited: the first one in a window and every tenth after it.
func (g *Gate) sampleDenial(ownerID string) bool {
	now := g.now()
	window := g.limiter.Window()

	g.mu.Lock()
	defer g.mu.Unlock()
	c, ok := g.denials[ownerID]
	if !ok || now.Sub(c.since) > window {
		if len(g.denials) >= 4096 {
			for k, v := range g.denials {
				if now.Sub(v.since) > window {
					delete(g.denials, k)
				}
			}
		}
		c = &denialCount{since: now}
		g.denials[ownerID] = c
	}
	c.n++
	return c.n == 1 || c.n%rateLimitAuditEvery == 0
}

// ---------------------------------------------------------------------------
// net/http adapter
// ---------------------------------------------------------------------------

type contextKeyGate string

const decisionKey contextKeyGate = "gate_decision"

// DecisionFrom returns the Decision attached by Middleware, or nil.
func DecisionFrom(ctx context.Context) *Decision {
	if d, ok := ctx.Value(decisionKey).(*Decision); ok {
		return d
	}
	return nil
}

// Middleware wraps Authorize for net/http. Admitted requests carry their
// Decision in the context; denied requests get a JSON error with a stable
// code.
func (g *Gate) Middleware(opts Options) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			dec, err := g.Authorize(r, opts)
			if err != nil {
				var d *Denial
				if !errors.As(err, &d) {
					d = g.unavailable("authorize", err)
				}
				writeDenial(w, d)
				return
			}
			setRateLimitHeaders(w, dec.RateLimit)
			ctx := context.WithValue(r.Context(), decisionKey, dec)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func setRateLimitHeaders(w http.ResponseWriter, res ratelimit.Result) {
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))
}

func writeDenial(w http.ResponseWriter, d *Denial) {
	ctx := map[string]interface{}{"code": d.Code}
	if d.RateLimit != nil {
		setRateLimitHeaders(w, *d.RateLimit)
		ctx["limit"] = d.RateLimit.Limit
		ctx["remaining"] = d.RateLimit.Remaining
		ctx["reset_at"] = d.RateLimit.ResetAt.UTC().Format(time.RFC3339)
	}
	if d.Quota != nil {
		ctx["limit"] = d.Quota.MonthlyLimit
		ctx["used"] = d.Quota.Used
		ctx["remaining"] = d.Quota.Remaining()
		ctx["reset_at"] = d.Quota.PeriodEnd.UTC().Format(time.RFC3339)
	}
	if d.RetryAfter > 0 {
		secs := int64((d.RetryAfter + time.Second - 1) / time.Second)
		w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
		ctx["retry_after"] = secs
	}
	writeErrorJSON(w, d.Status, d.Message, d.Code, ctx)
}

// writeErrorJSON writes the standard error envelope. The handler package
// has its own writer; middleware cannot import it.
func writeErrorJSON(w http.ResponseWriter, status int, message, code string, ctx map[string]interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(model.ErrorResponse{
		Code: code,
		Error: model.ErrorDetail{
			Code:    status,
			Message: message,
			Context: ctx,
		},
	})
}
