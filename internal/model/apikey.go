package model

import "time"

// Environment partitions API keys. It is encoded in the plaintext key so a
// validation only ever scans keys of a single environment.
const (
	EnvironmentLive = "live"
	EnvironmentTest = "test"
)

// KeyPrefixLen is the number of leading plaintext characters kept for display
// and lookup narrowing ("tg_live_" + 4 hex chars).
const KeyPrefixLen = 12

// APIKey represents a bearer credential issued to an owner. The raw key is
// never stored; only a bcrypt hash and a short prefix for identification are
// persisted. Revocation is a soft delete so the row survives for audit.
type APIKey struct {
	ID            int64      `json:"id" db:"id"`
	OwnerID       string     `json:"owner_id" db:"owner_id"`
	Name          string     `json:"name" db:"name"`
	KeyPrefix     string     `json:"key_prefix" db:"key_prefix"`
	KeyHash       string     `json:"-" db:"key_hash"` // bcrypt hash, never expose
	Environment   string     `json:"environment" db:"environment"`
	IsActive      bool       `json:"is_active" db:"is_active"`
	UsageCount    int64      `json:"usage_count" db:"usage_count"`
	CreatedAt     time.Time  `json:"created_at" db:"created_at"`
	LastUsedAt    *time.Time `json:"last_used_at,omitempty" db:"last_used_at"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty" db:"expires_at"`
	RevokedAt     *time.Time `json:"revoked_at,omitempty" db:"revoked_at"`
	RevokedReason string     `json:"revoked_reason,omitempty" db:"revoked_reason"`
}

// Usable reports whether the key may authenticate a request at time now.
func (k *APIKey) Usable(now time.Time) bool {
	if !k.IsActive || k.RevokedAt != nil {
		return false
	}
	if k.ExpiresAt != nil && !now.Before(*k.ExpiresAt) {
		return false
	}
	return true
}

// ValidEnvironment reports whether env is one of the recognized partitions.
func ValidEnvironment(env string) bool {
	return env == EnvironmentLive || env == EnvironmentTest
}
