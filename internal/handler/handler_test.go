package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/faucetdb/tollgate/internal/audit"
	"github.com/faucetdb/tollgate/internal/config"
	"github.com/faucetdb/tollgate/internal/idp"
	"github.com/faucetdb/tollgate/internal/model"
	"github.com/faucetdb/tollgate/internal/ratelimit"
	"github.com/faucetdb/tollgate/internal/retry"
	"github.com/faucetdb/tollgate/internal/secret"
	"github.com/faucetdb/tollgate/internal/server/middleware"
	"github.com/faucetdb/tollgate/internal/service"
)

const testJWTSecret = "test-secret-for-handler-tests"

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

// stubProvider is a minimal identity provider for the OAuth endpoints.
type stubProvider struct {
	mu       sync.Mutex
	refreshN int
}

func (p *stubProvider) AuthCodeURL(state string) string {
	return "https://idp.example/auth?state=" + state
}

func (p *stubProvider) ExchangeCode(_ context.Context, code string) (*idp.Tokens, error) {
	if code == "bad" {
		return nil, fmt.Errorf("exchange: %w", idp.ErrPermanent)
	}
	return &idp.Tokens{
		AccessToken:  "access-" + code,
		RefreshToken: "refresh-" + code,
		ExpiresAt:    time.Now().Add(time.Hour),
		Scopes:       []string{"openid", "email"},
	}, nil
}

func (p *stubProvider) RefreshToken(context.Context, string) (*idp.Tokens, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refreshN++
	return &idp.Tokens{AccessToken: fmt.Sprintf("refreshed-%d", p.refreshN), ExpiresAt: time.Now().Add(time.Hour)}, nil
}

func (p *stubProvider) RevokeToken(context.Context, string) error { return nil }

func (p *stubProvider) GetUserInfo(context.Context, string) (*idp.UserInfo, error) {
	return &idp.UserInfo{Subject: "sub-1", Email: "ada@example.com", Name: "Ada"}, nil
}

// testEnv holds shared state for handler integration tests.
type testEnv struct {
	store    *config.Store
	keys     *service.KeyService
	quota    *service.QuotaService
	vault    *service.TokenVault
	sessions *service.SessionService
	audit    *audit.Logger
	router   chi.Router
}

// newTestEnv wires real services over an in-memory store and mounts the
// owner, callback and protected routes.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store, err := config.NewStore("") // in-memory SQLite
	if err != nil {
		t.Fatalf("config.NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	al := audit.New(store, audit.Config{FlushInterval: time.Hour}, discard)
	t.Cleanup(func() { al.Close(context.Background()) })

	key, err := secret.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	raw, err := secret.ParseKey(key)
	if err != nil {
		t.Fatalf("ParseKey: %v", err)
	}
	codec, err := secret.NewCodec(raw)
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}

	keys := service.NewKeyService(store, al, service.KeyConfig{HashCost: 4, Workers: 2}, discard)
	t.Cleanup(keys.Close)
	quota := service.NewQuotaService(store, discard)
	vault := service.NewTokenVault(store, codec, &stubProvider{}, al, service.VaultConfig{
		Retry: retry.Policy{MaxAttempts: 1, Backoff: time.Millisecond},
	}, discard)
	t.Cleanup(vault.Stop)
	sessions := service.NewSessionService(testJWTSecret)

	limiter, err := ratelimit.New(ratelimit.NewMemoryStore(), ratelimit.DefaultTiers(), time.Minute)
	if err != nil {
		t.Fatalf("ratelimit.New: %v", err)
	}
	gate := middleware.NewGate(keys, quota, limiter, al, middleware.GateConfig{}, discard)

	kh := NewKeyHandler(keys)
	qh := NewQuotaHandler(quota)
	oh := NewOAuthHandler(vault, sessions, discard)
	ah := NewAuditHandler(al)
	ph := NewProtectedHandler(discard)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Route("/api/v1/owner", func(r chi.Router) {
		r.Use(middleware.RequireSession(sessions))
		r.Get("/keys", kh.ListKeys)
		r.Post("/keys", kh.CreateKey)
		r.Get("/keys/allowance", kh.Allowance)
		r.Delete("/keys/{keyId}", kh.RevokeKey)
		r.Post("/keys/{keyId}/rotate", kh.RotateKey)
		r.Get("/quota", qh.GetQuota)
		r.Get("/oauth", oh.Status)
		r.Delete("/oauth", oh.Disconnect)
		r.Get("/oauth/authorize", oh.Authorize)
		r.Get("/oauth/token", oh.Token)
		r.Get("/audit", ah.Query)
		r.Get("/audit/report", ah.Report)
	})
	r.Get("/oauth/callback", oh.Callback)
	r.Route("/api/v1/protected", func(r chi.Router) {
		r.Use(gate.Middleware(middleware.Options{RequireQuota: true}))
		r.HandleFunc("/*", ph.Echo)
	})

	return &testEnv{
		store:    store,
		keys:     keys,
		quota:    quota,
		vault:    vault,
		sessions: sessions,
		audit:    al,
		router:   r,
	}
}

// session issues a session token for owner.
func (e *testEnv) session(t *testing.T, owner string) string {
	t.Helper()
	tok, err := e.sessions.IssueSession(owner, time.Hour)
	if err != nil {
		t.Fatalf("IssueSession: %v", err)
	}
	return tok
}

// do executes an HTTP request as owner against the test router. An empty
// owner sends no credentials.
func (e *testEnv) do(t *testing.T, owner, method, path string, body io.Reader) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if owner != "" {
		req.Header.Set("Authorization", "Bearer "+e.session(t, owner))
	}
	rr := httptest.NewRecorder()
	e.router.ServeHTTP(rr, req)
	return rr
}

func toJSON(t *testing.T, v interface{}) *bytes.Buffer {
	t.Helper()
	buf := &bytes.Buffer{}
	if err := json.NewEncoder(buf).Encode(v); err != nil {
		t.Fatalf("toJSON: %v", err)
	}
	return buf
}

func assertStatus(t *testing.T, rr *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rr.Code != want {
		t.Errorf("status = %d, want %d; body = %s", rr.Code, want, rr.Body.String())
	}
}

func decodeJSON(t *testing.T, rr *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(rr.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v; body = %s", err, rr.Body.String())
	}
}

func errorCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var resp model.ErrorResponse
	decodeJSON(t, rr, &resp)
	return resp.Code
}

// ---------------------------------------------------------------------------
// API keys
// ---------------------------------------------------------------------------

func TestKeyEndpoints(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, "owner-1", "POST", "/api/v1/owner/keys", toJSON(t, map[string]string{"name": "ci"}))
	assertStatus(t, rr, http.StatusCreated)
	var created issuedKeyResponse
	decodeJSON(t, rr, &created)
	if !strings.HasPrefix(created.Key, "tg_live_") {
		t.Errorf("api_key = %q, want tg_live_ prefix", created.Key)
	}
	if created.Environment != model.EnvironmentLive {
		t.Errorf("environment = %q, want live", created.Environment)
	}

	rr = env.do(t, "owner-1", "GET", "/api/v1/owner/keys", nil)
	assertStatus(t, rr, http.StatusOK)
	body := rr.Body.String()
	if strings.Contains(body, "key_hash") || strings.Contains(body, created.Key) {
		t.Errorf("list leaked secret material: %s", body)
	}
	var list struct {
		Resource []model.APIKey     `json:"resource"`
		Meta     model.ResponseMeta `json:"meta"`
	}
	if err := json.Unmarshal([]byte(body), &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if list.Meta.Count != 1 || list.Resource[0].ID != created.ID {
		t.Fatalf("list = %+v, want the created key", list)
	}

	rr = env.do(t, "owner-1", "GET", "/api/v1/owner/keys/allowance", nil)
	assertStatus(t, rr, http.StatusOK)
	var allowance map[string]interface{}
	decodeJSON(t, rr, &allowance)
	if allowance["current"] != float64(1) || allowance["max"] != float64(3) || allowance["allowed"] != true {
		t.Errorf("allowance = %v, want 1 of 3 allowed", allowance)
	}

	rr = env.do(t, "owner-1", "POST", fmt.Sprintf("/api/v1/owner/keys/%d/rotate", created.ID), nil)
	assertStatus(t, rr, http.StatusCreated)
	var rotated issuedKeyResponse
	decodeJSON(t, rr, &rotated)
	if rotated.PreviousID != created.ID || rotated.ID == created.ID {
		t.Errorf("rotate = %+v, want new id with previous_id %d", rotated, created.ID)
	}
	if rotated.Name != "ci" {
		t.Errorf("rotated name = %q, want ci", rotated.Name)
	}

	// The rotated-away key is no longer usable.
	if info, err := env.keys.Validate(context.Background(), created.Key); err != nil || info != nil {
		t.Errorf("old key validated: %+v, %v", info, err)
	}
	rr = env.do(t, "owner-1", "POST", fmt.Sprintf("/api/v1/owner/keys/%d/rotate", created.ID), nil)
	assertStatus(t, rr, http.StatusConflict)

	rr = env.do(t, "owner-1", "DELETE", fmt.Sprintf("/api/v1/owner/keys/%d?reason=leaked", rotated.ID), nil)
	assertStatus(t, rr, http.StatusOK)
	if info, err := env.keys.Validate(context.Background(), rotated.Key); err != nil || info != nil {
		t.Errorf("revoked key validated: %+v, %v", info, err)
	}

	rr = env.do(t, "owner-1", "DELETE", fmt.Sprintf("/api/v1/owner/keys/%d?purge=true", rotated.ID), nil)
	assertStatus(t, rr, http.StatusOK)
	rr = env.do(t, "owner-1", "DELETE", fmt.Sprintf("/api/v1/owner/keys/%d?purge=true", rotated.ID), nil)
	assertStatus(t, rr, http.StatusNotFound)
}

func TestCreateKeyLimit(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 3; i++ {
		rr := env.do(t, "owner-1", "POST", "/api/v1/owner/keys", toJSON(t, map[string]string{"name": fmt.Sprintf("k%d", i)}))
		assertStatus(t, rr, http.StatusCreated)
	}

	rr := env.do(t, "owner-1", "POST", "/api/v1/owner/keys", toJSON(t, map[string]string{"name": "k3"}))
	assertStatus(t, rr, http.StatusForbidden)
	if code := errorCode(t, rr); code != "KEY_LIMIT_REACHED" {
		t.Errorf("code = %q, want KEY_LIMIT_REACHED", code)
	}

	// Another owner is unaffected.
	rr = env.do(t, "owner-2", "POST", "/api/v1/owner/keys", toJSON(t, map[string]string{"name": "k0"}))
	assertStatus(t, rr, http.StatusCreated)
}

func TestCreateKeyValidation(t *testing.T) {
	env := newTestEnv(t)
	tests := []struct {
		name string
		body io.Reader
	}{
		{"missing name", toJSON(t, map[string]string{"environment": "live"})},
		{"bad environment", toJSON(t, map[string]string{"name": "x", "environment": "prod"})},
		{"malformed body", strings.NewReader("{not json")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := env.do(t, "owner-1", "POST", "/api/v1/owner/keys", tt.body)
			assertStatus(t, rr, http.StatusBadRequest)
		})
	}

	rr := env.do(t, "owner-1", "POST", "/api/v1/owner/keys", toJSON(t, map[string]string{"name": "t", "environment": "test"}))
	assertStatus(t, rr, http.StatusCreated)
	var created issuedKeyResponse
	decodeJSON(t, rr, &created)
	if !strings.HasPrefix(created.Key, "tg_test_") {
		t.Errorf("api_key = %q, want tg_test_ prefix", created.Key)
	}
}

func TestKeyOwnership(t *testing.T) {
	env := newTestEnv(t)
	_, key, err := env.keys.Create(context.Background(), service.CreateKeyInput{OwnerID: "owner-1", Name: "mine", Environment: "live"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	path := fmt.Sprintf("/api/v1/owner/keys/%d", key.ID)
	assertStatus(t, env.do(t, "owner-2", "DELETE", path, nil), http.StatusNotFound)
	assertStatus(t, env.do(t, "owner-2", "POST", path+"/rotate", nil), http.StatusNotFound)
	assertStatus(t, env.do(t, "owner-1", "DELETE", "/api/v1/owner/keys/abc", nil), http.StatusBadRequest)

	rr := env.do(t, "owner-2", "GET", "/api/v1/owner/keys", nil)
	assertStatus(t, rr, http.StatusOK)
	if !strings.Contains(rr.Body.String(), `"resource":[]`) {
		t.Errorf("owner-2 sees keys: %s", rr.Body.String())
	}
}

func TestOwnerRoutesRequireSession(t *testing.T) {
	env := newTestEnv(t)
	for _, path := range []string{"/api/v1/owner/keys", "/api/v1/owner/quota", "/api/v1/owner/oauth/token", "/api/v1/owner/audit"} {
		rr := env.do(t, "", "GET", path, nil)
		assertStatus(t, rr, http.StatusUnauthorized)
	}
}

// ---------------------------------------------------------------------------
// Quota
// ---------------------------------------------------------------------------

func TestQuotaEndpoint(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, "owner-1", "GET", "/api/v1/owner/quota", nil)
	assertStatus(t, rr, http.StatusNotFound)
	if code := errorCode(t, rr); code != "NO_QUOTA" {
		t.Errorf("code = %q, want NO_QUOTA", code)
	}

	if _, err := env.quota.AssignPlan(context.Background(), "owner-1", model.TierPro, false); err != nil {
		t.Fatalf("AssignPlan: %v", err)
	}
	if _, err := env.quota.IncrementUsage(context.Background(), "owner-1", "req-1", 5); err != nil {
		t.Fatalf("IncrementUsage: %v", err)
	}

	rr = env.do(t, "owner-1", "GET", "/api/v1/owner/quota", nil)
	assertStatus(t, rr, http.StatusOK)
	var got map[string]interface{}
	decodeJSON(t, rr, &got)
	if got["plan_tier"] != model.TierPro || got["used"] != float64(5) || got["remaining"] != float64(9995) {
		t.Errorf("quota = %v", got)
	}
	if got["requests_per_minute"] != float64(60) || got["has_capacity"] != true {
		t.Errorf("quota = %v", got)
	}
}

// ---------------------------------------------------------------------------
// OAuth
// ---------------------------------------------------------------------------

func TestOAuthFlow(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, "owner-1", "GET", "/api/v1/owner/oauth/authorize?workspace_id=ws-1", nil)
	assertStatus(t, rr, http.StatusOK)
	var auth map[string]string
	decodeJSON(t, rr, &auth)
	if auth["state"] == "" || !strings.Contains(auth["url"], auth["state"]) {
		t.Fatalf("authorize = %v", auth)
	}

	rr = env.do(t, "", "GET", "/oauth/callback?code=abc&state="+auth["state"], nil)
	assertStatus(t, rr, http.StatusOK)
	var cb map[string]interface{}
	decodeJSON(t, rr, &cb)
	if cb["owner_id"] != "owner-1" || cb["workspace_id"] != "ws-1" || cb["email"] != "ada@example.com" {
		t.Errorf("callback = %v", cb)
	}

	rr = env.do(t, "owner-1", "GET", "/api/v1/owner/oauth?workspace_id=ws-1", nil)
	assertStatus(t, rr, http.StatusOK)
	if body := rr.Body.String(); strings.Contains(body, "access-abc") || strings.Contains(body, "refresh-abc") {
		t.Errorf("status leaked a token: %s", body)
	}

	rr = env.do(t, "owner-1", "GET", "/api/v1/owner/oauth/token?workspace_id=ws-1", nil)
	assertStatus(t, rr, http.StatusOK)
	var tok map[string]interface{}
	decodeJSON(t, rr, &tok)
	if tok["access_token"] != "access-abc" {
		t.Errorf("access_token = %v, want access-abc", tok["access_token"])
	}

	rr = env.do(t, "owner-1", "GET", "/api/v1/owner/oauth/token?workspace_id=ws-1&refresh=true", nil)
	assertStatus(t, rr, http.StatusOK)
	decodeJSON(t, rr, &tok)
	if tok["access_token"] != "refreshed-1" {
		t.Errorf("access_token = %v, want refreshed-1", tok["access_token"])
	}

	// Workspaces are isolated.
	rr = env.do(t, "owner-1", "GET", "/api/v1/owner/oauth/token", nil)
	assertStatus(t, rr, http.StatusNotFound)

	assertStatus(t, env.do(t, "owner-1", "DELETE", "/api/v1/owner/oauth?workspace_id=ws-1", nil), http.StatusOK)
	assertStatus(t, env.do(t, "owner-1", "GET", "/api/v1/owner/oauth?workspace_id=ws-1", nil), http.StatusNotFound)
}

func TestOAuthCallbackErrors(t *testing.T) {
	env := newTestEnv(t)
	state, err := env.sessions.IssueState("owner-1", "", time.Minute)
	if err != nil {
		t.Fatalf("IssueState: %v", err)
	}
	session := env.session(t, "owner-1")

	tests := []struct {
		name     string
		query    string
		wantCode int
	}{
		{"provider error", "error=access_denied&state=" + state, http.StatusBadRequest},
		{"missing state", "code=abc", http.StatusBadRequest},
		{"session is not a state", "code=abc&state=" + session, http.StatusBadRequest},
		{"missing code", "state=" + state, http.StatusBadRequest},
		{"rejected code", "code=bad&state=" + state, http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := env.do(t, "", "GET", "/oauth/callback?"+tt.query, nil)
			assertStatus(t, rr, tt.wantCode)
		})
	}
}

// ---------------------------------------------------------------------------
// Audit
// ---------------------------------------------------------------------------

func TestAuditEndpoints(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	for _, owner := range []string{"owner-1", "owner-1", "owner-2"} {
		if _, _, err := env.keys.Create(ctx, service.CreateKeyInput{OwnerID: owner, Name: "k", Environment: "live"}); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}
	if err := env.audit.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	rr := env.do(t, "owner-1", "GET", "/api/v1/owner/audit?type=api_key.created", nil)
	assertStatus(t, rr, http.StatusOK)
	var list struct {
		Resource []model.AuditEvent `json:"resource"`
		Meta     model.ResponseMeta `json:"meta"`
	}
	decodeJSON(t, rr, &list)
	if list.Meta.Count != 2 {
		t.Fatalf("count = %d, want 2 events for owner-1", list.Meta.Count)
	}
	for _, ev := range list.Resource {
		if ev.ActorID != "owner-1" {
			t.Errorf("event for %q leaked to owner-1", ev.ActorID)
		}
	}

	rr = env.do(t, "owner-1", "GET", "/api/v1/owner/audit?limit=1", nil)
	assertStatus(t, rr, http.StatusOK)
	decodeJSON(t, rr, &list)
	if list.Meta.Count != 1 || list.Meta.Limit != 1 {
		t.Errorf("meta = %+v, want one event", list.Meta)
	}

	rr = env.do(t, "owner-1", "GET", "/api/v1/owner/audit/report", nil)
	assertStatus(t, rr, http.StatusOK)
	var rep model.AuditReport
	decodeJSON(t, rr, &rep)
	if rep.ActorID != "owner-1" || rep.ByType[model.EventKeyCreated] != 2 {
		t.Errorf("report = %+v", rep)
	}

	for _, q := range []string{"type=nope", "success=maybe", "from=yesterday"} {
		assertStatus(t, env.do(t, "owner-1", "GET", "/api/v1/owner/audit?"+q, nil), http.StatusBadRequest)
	}
	bad := "/api/v1/owner/audit/report?from=2026-03-02T00:00:00Z&to=2026-03-01T00:00:00Z"
	assertStatus(t, env.do(t, "owner-1", "GET", bad, nil), http.StatusBadRequest)
}

// ---------------------------------------------------------------------------
// Protected
// ---------------------------------------------------------------------------

func TestProtectedEcho(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	plain, key, err := env.keys.Create(ctx, service.CreateKeyInput{OwnerID: "owner-1", Name: "svc", Environment: "live"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	req := httptest.NewRequest("GET", "/api/v1/protected/widgets", nil)
	req.Header.Set("X-API-Key", plain)
	rr := httptest.NewRecorder()
	env.router.ServeHTTP(rr, req)
	assertStatus(t, rr, http.StatusForbidden) // no quota window yet

	if _, err := env.quota.AssignPlan(ctx, "owner-1", model.TierFree, false); err != nil {
		t.Fatalf("AssignPlan: %v", err)
	}

	req = httptest.NewRequest("POST", "/api/v1/protected/widgets", nil)
	req.Header.Set("Authorization", "Bearer "+plain)
	rr = httptest.NewRecorder()
	env.router.ServeHTTP(rr, req)
	assertStatus(t, rr, http.StatusOK)

	var got map[string]interface{}
	decodeJSON(t, rr, &got)
	if got["owner_id"] != "owner-1" || got["key_id"] != float64(key.ID) || got["path"] != "/widgets" {
		t.Errorf("echo = %v", got)
	}
	if got["metered"] != true {
		t.Errorf("metered = %v, want true", got["metered"])
	}
	if rr.Header().Get("X-RateLimit-Limit") != "10" {
		t.Errorf("X-RateLimit-Limit = %q, want 10", rr.Header().Get("X-RateLimit-Limit"))
	}

	q, err := env.quota.GetCurrentQuota(ctx, "owner-1")
	if err != nil {
		t.Fatalf("GetCurrentQuota: %v", err)
	}
	if q.Used != 1 {
		t.Errorf("used = %d, want 1", q.Used)
	}
}
