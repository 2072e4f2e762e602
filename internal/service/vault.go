package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/faucetdb/tollgate/internal/audit"
	"github.com/faucetdb/tollgate/internal/config"
	"github.com/faucetdb/tollgate/internal/idp"
	"github.com/faucetdb/tollgate/internal/metrics"
	"github.com/faucetdb/tollgate/internal/model"
	"github.com/faucetdb/tollgate/internal/retry"
	"github.com/faucetdb/tollgate/internal/secret"
)

// defaultTokenLifetime is assumed when the provider omits expires_in.
const defaultTokenLifetime = time.Hour

// minRearmDelay is the shortest wait before a scheduled refresh of a token
// that is already inside the refresh buffer.
const minRearmDelay = 30 * time.Second

// VaultConfig tunes refresh behavior.
type VaultConfig struct {
	RefreshBuffer   time.Duration // refresh this long before expiry, default 5m
	ProviderTimeout time.Duration // per provider call, default 10s
	Retry           retry.Policy  // refresh attempts, default retry.DefaultPolicy
}

func (c VaultConfig) withDefaults() VaultConfig {
	if c.RefreshBuffer <= 0 {
		c.RefreshBuffer = 5 * time.Minute
	}
	if c.ProviderTimeout <= 0 {
		c.ProviderTimeout = 10 * time.Second
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry = retry.DefaultPolicy
	}
	return c
}

// flightTimeout bounds one whole refresh, retries and backoff included.
func (c VaultConfig) flightTimeout() time.Duration {
	d := c.ProviderTimeout * time.Duration(c.Retry.MaxAttempts)
	for n := 1; n < c.Retry.MaxAttempts; n++ {
		d += c.Retry.Backoff * time.Duration(n)
	}
	return d + 5*time.Second
}

// StoreTokenInput is a plaintext token pair to place in the vault.
type StoreTokenInput struct {
	OwnerID      string
	WorkspaceID  string
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	Scopes       []string
	Email        string
	Name         string
	AvatarURL    string
	TokenType    string
}

// TokenStatus describes a stored credential without revealing it.
type TokenStatus struct {
	OwnerID         string    `json:"owner_id"`
	WorkspaceID     string    `json:"workspace_id,omitempty"`
	Email           string    `json:"email,omitempty"`
	Name            string    `json:"name,omitempty"`
	AvatarURL       string    `json:"avatar_url,omitempty"`
	Scopes          []string  `json:"scopes"`
	TokenType       string    `json:"token_type"`
	ExpiresAt       time.Time `json:"expires_at"`
	HasRefreshToken bool      `json:"has_refresh_token"`
	NeedsRefresh    bool      `json:"needs_refresh"`
}

// TokenVault holds OAuth credentials encrypted at rest and hands out valid
// access tokens, refreshing them ahead of expiry. Concurrent refreshes of
// one record are collapsed into a single provider call.
type TokenVault struct {
	store    TokenStore
	codec    *secret.Codec
	provider idp.Provider
	audit    *audit.Logger
	cfg      VaultConfig
	logger   *slog.Logger
	now      func() time.Time

	flight singleflight.Group
	sched  *refreshScheduler

	base   context.Context
	cancel context.CancelFunc
}

// NewTokenVault creates a vault. Call Stop to cancel pending refresh timers.
func NewTokenVault(store TokenStore, codec *secret.Codec, provider idp.Provider, auditLog *audit.Logger, cfg VaultConfig, logger *slog.Logger) *TokenVault {
	if logger == nil {
		logger = slog.Default()
	}
	v := &TokenVault{
		store:    store,
		codec:    codec,
		provider: provider,
		audit:    auditLog,
		cfg:      cfg.withDefaults(),
		logger:   logger,
		now:      time.Now,
	}
	v.base, v.cancel = context.WithCancel(context.Background())
	v.sched = newRefreshScheduler(v.scheduledRefresh)
	return v
}

// Stop cancels pending refresh timers and in-flight scheduled refreshes.
func (v *TokenVault) Stop() {
	v.sched.stop()
	v.cancel()
}

func (v *TokenVault) needsRefresh(rec *model.OAuthToken, now time.Time) bool {
	return !now.Add(v.cfg.RefreshBuffer).Before(rec.ExpiresAt)
}

func (v *TokenVault) arm(rec *model.OAuthToken) {
	if rec.TokenType != model.TokenTypeUser || !rec.HasRefreshToken() {
		return
	}
	now := v.now()
	delay := rec.ExpiresAt.Add(-v.cfg.RefreshBuffer).Sub(now)
	if delay <= 0 {
		// Lifetime at or below the buffer: refresh halfway through it. Reads
		// inside the buffer refresh on their own.
		delay = max(rec.ExpiresAt.Sub(now)/2, minRearmDelay)
	}
	v.sched.schedule(rec.OwnerID, rec.WorkspaceID, delay)
}

func (v *TokenVault) scheduledRefresh(ownerID, workspaceID string) {
	ctx, cancel := context.WithTimeout(v.base, v.cfg.flightTimeout())
	defer cancel()
	_, err := v.refresh(ctx, ownerID, workspaceID, false)
	if err != nil && !errors.Is(err, ErrNoCredential) && v.base.Err() == nil {
		v.logger.Warn("scheduled token refresh failed", "owner", ownerID, "workspace", workspaceID, "error", err)
	}
}

func (v *TokenVault) load(ctx context.Context, ownerID, workspaceID string) (*model.OAuthToken, error) {
	rec, err := v.store.GetOAuthToken(ctx, ownerID, workspaceID)
	if err != nil {
		if errors.Is(err, config.ErrNotFound) {
			return nil, ErrNoCredential
		}
		return nil, storageErr("get oauth token", err)
	}
	return rec, nil
}

// open decrypts a sealed value of rec. Authentication failures are audited
// as critical and never yield partial plaintext.
func (v *TokenVault) open(ctx context.Context, rec *model.OAuthToken, sealed, field string) (string, error) {
	plain, err := v.codec.Open(sealed)
	if err != nil {
		v.audit.LogContext(ctx, model.AuditEvent{
			Type:         model.EventDecryptionFailed,
			Severity:     model.SeverityCritical,
			ActorID:      rec.OwnerID,
			ResourceType: "oauth_token",
			ResourceID:   rec.WorkspaceID,
			Metadata:     map[string]any{"field": field},
		})
		v.logger.Error("oauth token decryption failed", "owner", rec.OwnerID, "workspace", rec.WorkspaceID, "field", field)
		return "", fmt.Errorf("open %s: %w", field, err)
	}
	return plain, nil
}

// Store encrypts and upserts a token pair, then arms its refresh timer.
// Storing without a refresh token keeps the one already held for the record.
func (v *TokenVault) Store(ctx context.Context, in StoreTokenInput) (*model.OAuthToken, error) {
	if strings.TrimSpace(in.OwnerID) == "" {
		return nil, invalid("owner id is required")
	}
	if in.AccessToken == "" {
		return nil, invalid("access token is required")
	}
	if in.TokenType == "" {
		in.TokenType = model.TokenTypeUser
	}
	if in.TokenType != model.TokenTypeUser && in.TokenType != model.TokenTypeServiceAccount {
		return nil, invalid("unknown token type %q", in.TokenType)
	}
	if in.ExpiresAt.IsZero() {
		in.ExpiresAt = v.now().Add(defaultTokenLifetime)
	}

	access, err := v.codec.Seal(in.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("seal access token: %w", err)
	}
	var refresh string
	if in.RefreshToken != "" {
		if refresh, err = v.codec.Seal(in.RefreshToken); err != nil {
			return nil, fmt.Errorf("seal refresh token: %w", err)
		}
	} else if prev, err := v.store.GetOAuthToken(ctx, in.OwnerID, in.WorkspaceID); err == nil {
		refresh = prev.RefreshToken
	} else if !errors.Is(err, config.ErrNotFound) {
		return nil, storageErr("get oauth token", err)
	}

	rec := &model.OAuthToken{
		OwnerID:      in.OwnerID,
		WorkspaceID:  in.WorkspaceID,
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    in.ExpiresAt.UTC(),
		Scopes:       in.Scopes,
		Email:        in.Email,
		Name:         in.Name,
		AvatarURL:    in.AvatarURL,
		TokenType:    in.TokenType,
	}
	if err := v.store.UpsertOAuthToken(ctx, rec); err != nil {
		return nil, storageErr("store oauth token", err)
	}
	v.arm(rec)

	v.audit.LogContext(ctx, model.AuditEvent{
		Type:         model.EventOAuthConnected,
		ActorID:      rec.OwnerID,
		ResourceType: "oauth_token",
		ResourceID:   rec.WorkspaceID,
		Success:      true,
		Metadata:     map[string]any{"email": rec.Email, "scopes": strings.Join(rec.Scopes, " "), "type": rec.TokenType},
	})
	return rec, nil
}

// GetValidAccessToken returns a plaintext access token for the record,
// refreshing first when it expires within the refresh buffer or when
// force is set.
func (v *TokenVault) GetValidAccessToken(ctx context.Context, ownerID, workspaceID string, force bool) (string, error) {
	rec, err := v.load(ctx, ownerID, workspaceID)
	if err != nil {
		return "", err
	}
	if !force && !v.needsRefresh(rec, v.now()) {
		return v.open(ctx, rec, rec.AccessToken, "access_token")
	}
	if !rec.HasRefreshToken() {
		return "", ErrRefreshUnavailable
	}
	return v.refresh(ctx, ownerID, workspaceID, force)
}

// Refresh exchanges the stored refresh token for a new access token
// regardless of the current expiry.
func (v *TokenVault) Refresh(ctx context.Context, ownerID, workspaceID string) (string, error) {
	return v.refresh(ctx, ownerID, workspaceID, true)
}

// refresh joins or starts the single flight for the record. Forced and
// expiry-driven refreshes fly separately, since a forced caller must not be
// handed the unrefreshed token of a flight that found it still fresh. The
// flight is detached from the caller so one cancelled request does not fail
// the others waiting on it.
func (v *TokenVault) refresh(ctx context.Context, ownerID, workspaceID string, force bool) (string, error) {
	key := flightKey(ownerID, workspaceID)
	if force {
		key += "\x00force"
	}
	ch := v.flight.DoChan(key, func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), v.cfg.flightTimeout())
		defer cancel()
		return v.doRefresh(fctx, ownerID, workspaceID, force)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (v *TokenVault) doRefresh(ctx context.Context, ownerID, workspaceID string, force bool) (string, error) {
	rec, err := v.load(ctx, ownerID, workspaceID)
	if err != nil {
		return "", err
	}
	// Another flight may have refreshed the record since the caller read it.
	if !force && !v.needsRefresh(rec, v.now()) {
		return v.open(ctx, rec, rec.AccessToken, "access_token")
	}
	if !rec.HasRefreshToken() {
		return "", ErrRefreshUnavailable
	}
	refreshToken, err := v.open(ctx, rec, rec.RefreshToken, "refresh_token")
	if err != nil {
		return "", err
	}

	var tokens *idp.Tokens
	err = retry.Do(ctx, v.cfg.Retry, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, v.cfg.ProviderTimeout)
		defer cancel()
		t, err := v.provider.RefreshToken(callCtx, refreshToken)
		if err != nil {
			if errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
				return fmt.Errorf("%w: %w", ErrUpstreamTimeout, err)
			}
			return err
		}
		tokens = t
		return nil
	}, func(err error) bool { return !idp.IsPermanent(err) })
	if err != nil {
		metrics.RecordTokenRefresh(false)
		v.audit.LogContext(ctx, model.AuditEvent{
			Type:         model.EventOAuthRefreshFailed,
			Severity:     model.SeverityError,
			ActorID:      ownerID,
			ResourceType: "oauth_token",
			ResourceID:   workspaceID,
			Metadata:     map[string]any{"error": err.Error(), "permanent": idp.IsPermanent(err)},
		})
		v.logger.Warn("oauth token refresh failed", "owner", ownerID, "workspace", workspaceID, "error", err)
		return "", fmt.Errorf("%w: %w", ErrRefreshFailed, err)
	}

	return v.applyRefresh(ctx, rec, refreshToken, tokens)
}

func (v *TokenVault) applyRefresh(ctx context.Context, rec *model.OAuthToken, oldRefresh string, tokens *idp.Tokens) (string, error) {
	access, err := v.codec.Seal(tokens.AccessToken)
	if err != nil {
		return "", fmt.Errorf("seal access token: %w", err)
	}
	rotated := tokens.RefreshToken != "" && tokens.RefreshToken != oldRefresh
	if rotated {
		if rec.RefreshToken, err = v.codec.Seal(tokens.RefreshToken); err != nil {
			return "", fmt.Errorf("seal refresh token: %w", err)
		}
	}
	rec.AccessToken = access
	rec.ExpiresAt = tokens.ExpiresAt.UTC()
	if tokens.ExpiresAt.IsZero() {
		rec.ExpiresAt = v.now().Add(defaultTokenLifetime).UTC()
	}
	if len(tokens.Scopes) > 0 {
		rec.Scopes = tokens.Scopes
	}

	if err := v.store.UpdateOAuthToken(ctx, rec); err != nil {
		metrics.RecordTokenRefresh(false)
		if errors.Is(err, config.ErrNotFound) {
			// Disconnected while the provider call was in flight.
			v.logger.Info("discarding refresh of a revoked token", "owner", rec.OwnerID, "workspace", rec.WorkspaceID)
			return "", ErrNoCredential
		}
		return "", storageErr("store refreshed token", err)
	}
	v.arm(rec)

	metrics.RecordTokenRefresh(true)
	v.audit.LogContext(ctx, model.AuditEvent{
		Type:         model.EventOAuthRefreshed,
		ActorID:      rec.OwnerID,
		ResourceType: "oauth_token",
		ResourceID:   rec.WorkspaceID,
		Success:      true,
		Metadata:     map[string]any{"rotated": rotated, "expires_at": rec.ExpiresAt.Format(time.RFC3339)},
	})
	v.logger.Info("oauth token refreshed", "owner", rec.OwnerID, "workspace", rec.WorkspaceID, "rotated", rotated)
	return tokens.AccessToken, nil
}

// Revoke disconnects the record: the provider is asked to revoke the
// grant, then the local record is deleted even if that call failed.
func (v *TokenVault) Revoke(ctx context.Context, ownerID, workspaceID string) error {
	rec, err := v.load(ctx, ownerID, workspaceID)
	if err != nil {
		return err
	}

	remote := false
	sealed, field := rec.RefreshToken, "refresh_token"
	if sealed == "" {
		sealed, field = rec.AccessToken, "access_token"
	}
	if token, err := v.open(ctx, rec, sealed, field); err == nil {
		callCtx, cancel := context.WithTimeout(ctx, v.cfg.ProviderTimeout)
		if err := v.provider.RevokeToken(callCtx, token); err != nil {
			v.logger.Warn("remote token revocation failed", "owner", ownerID, "workspace", workspaceID, "error", err)
		} else {
			remote = true
		}
		cancel()
	}

	if err := v.store.DeleteOAuthToken(ctx, ownerID, workspaceID); err != nil && !errors.Is(err, config.ErrNotFound) {
		return storageErr("delete oauth token", err)
	}
	v.sched.cancel(ownerID, workspaceID)

	v.audit.LogContext(ctx, model.AuditEvent{
		Type:         model.EventOAuthDisconnected,
		ActorID:      ownerID,
		ResourceType: "oauth_token",
		ResourceID:   workspaceID,
		Success:      true,
		Metadata:     map[string]any{"remote_revoked": remote},
	})
	return nil
}

// AuthCodeURL returns the provider URL that starts an authorization.
func (v *TokenVault) AuthCodeURL(state string) string {
	return v.provider.AuthCodeURL(state)
}

// Connect completes an authorization: it exchanges code for tokens, looks
// up the external identity and stores the result. A failed identity lookup
// does not fail the connection.
func (v *TokenVault) Connect(ctx context.Context, ownerID, workspaceID, code string) (*model.OAuthToken, error) {
	if code == "" {
		return nil, invalid("authorization code is required")
	}
	callCtx, cancel := context.WithTimeout(ctx, v.cfg.ProviderTimeout)
	tokens, err := v.provider.ExchangeCode(callCtx, code)
	timedOut := errors.Is(callCtx.Err(), context.DeadlineExceeded)
	cancel()
	if err != nil {
		if timedOut && ctx.Err() == nil {
			return nil, fmt.Errorf("exchange code: %w: %w", ErrUpstreamTimeout, err)
		}
		return nil, fmt.Errorf("exchange code: %w", err)
	}

	in := StoreTokenInput{
		OwnerID:      ownerID,
		WorkspaceID:  workspaceID,
		AccessToken:  tokens.AccessToken,
		RefreshToken: tokens.RefreshToken,
		ExpiresAt:    tokens.ExpiresAt,
		Scopes:       tokens.Scopes,
		TokenType:    model.TokenTypeUser,
	}
	callCtx, cancel = context.WithTimeout(ctx, v.cfg.ProviderTimeout)
	info, err := v.provider.GetUserInfo(callCtx, tokens.AccessToken)
	cancel()
	if err != nil {
		v.logger.Warn("userinfo lookup failed", "owner", ownerID, "error", err)
	} else {
		in.Email, in.Name, in.AvatarURL = info.Email, info.Name, info.AvatarURL
	}
	return v.Store(ctx, in)
}

// Status reports on the stored record without decrypting it.
func (v *TokenVault) Status(ctx context.Context, ownerID, workspaceID string) (*TokenStatus, error) {
	rec, err := v.load(ctx, ownerID, workspaceID)
	if err != nil {
		return nil, err
	}
	scopes := rec.Scopes
	if scopes == nil {
		scopes = []string{}
	}
	return &TokenStatus{
		OwnerID:         rec.OwnerID,
		WorkspaceID:     rec.WorkspaceID,
		Email:           rec.Email,
		Name:            rec.Name,
		AvatarURL:       rec.AvatarURL,
		Scopes:          scopes,
		TokenType:       rec.TokenType,
		ExpiresAt:       rec.ExpiresAt,
		HasRefreshToken: rec.HasRefreshToken(),
		NeedsRefresh:    v.needsRefresh(rec, v.now()),
	}, nil
}

// ResumeAll arms refresh timers for every stored user token. It is called
// once at startup and returns how many timers were armed.
func (v *TokenVault) ResumeAll(ctx context.Context) (int, error) {
	recs, err := v.store.ListOAuthTokens(ctx)
	if err != nil {
		return 0, storageErr("list oauth tokens", err)
	}
	n := 0
	for i := range recs {
		rec := &recs[i]
		if rec.TokenType != model.TokenTypeUser || !rec.HasRefreshToken() {
			continue
		}
		v.arm(rec)
		n++
	}
	v.logger.Info("token refresh timers resumed", "count", n)
	return n, nil
}
