package service

import (
	"context"
	"time"

	"github.com/faucetdb/tollgate/internal/model"
)

// KeyStore is the persistence the key service needs. *config.Store
// implements it.
type KeyStore interface {
	CreateAPIKey(ctx context.Context, key *model.APIKey, maxActive int) error
	GetAPIKey(ctx context.Context, id int64) (*model.APIKey, error)
	ListAPIKeysByOwner(ctx context.Context, ownerID string) ([]model.APIKey, error)
	ListActiveAPIKeys(ctx context.Context, env, prefix string) ([]model.APIKey, error)
	CountActiveAPIKeys(ctx context.Context, ownerID string, now time.Time) (int, error)
	RecordAPIKeyUse(ctx context.Context, id int64, at time.Time) (int64, error)
	RevokeAPIKey(ctx context.Context, id int64, ownerID, reason string, at time.Time) (bool, error)
	RotateAPIKey(ctx context.Context, oldID int64, ownerID string, next *model.APIKey, at time.Time) error
	DeleteAPIKey(ctx context.Context, id int64, ownerID string) error
	GetQuotaWindow(ctx context.Context, ownerID string) (*model.QuotaWindow, error)
}

// QuotaStore is the persistence the quota service needs.
type QuotaStore interface {
	UpsertQuotaWindow(ctx context.Context, w *model.QuotaWindow) error
	GetQuotaWindow(ctx context.Context, ownerID string) (*model.QuotaWindow, error)
	SetAPIAccess(ctx context.Context, ownerID string, enabled bool, at time.Time) error
	IncrementUsage(ctx context.Context, ownerID, requestID string, amount int64, at time.Time) (bool, error)
	RolloverQuotaWindows(ctx context.Context, now time.Time) (int64, error)
}

// TokenStore is the persistence the token vault needs.
type TokenStore interface {
	UpsertOAuthToken(ctx context.Context, tok *model.OAuthToken) error
	UpdateOAuthToken(ctx context.Context, tok *model.OAuthToken) error
	GetOAuthToken(ctx context.Context, ownerID, workspaceID string) (*model.OAuthToken, error)
	ListOAuthTokens(ctx context.Context) ([]model.OAuthToken, error)
	DeleteOAuthToken(ctx context.Context, ownerID, workspaceID string) error
}
