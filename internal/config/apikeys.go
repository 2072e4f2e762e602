package config

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/faucetdb/tollgate/internal/model"
)

// ---------------------------------------------------------------------------
// API Key CRUD
// ---------------------------------------------------------------------------

const insertAPIKeyQ = `INSERT INTO api_keys
	(owner_id, name, key_prefix, key_hash, environment, is_active, usage_count, created_at, expires_at)
	VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?)
	RETURNING id`

// CreateAPIKey inserts a new API key for key.OwnerID. When maxActive is
// positive the insert fails with ErrLimitReached if the owner already holds
// that many active keys; the count and the insert share one transaction.
func (s *Store) CreateAPIKey(ctx context.Context, key *model.APIKey, maxActive int) error {
	if key.CreatedAt.IsZero() {
		key.CreatedAt = time.Now().UTC()
	}
	key.IsActive = true

	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		if s.driver == DriverPostgres {
			// Serialize concurrent creates for one owner.
			if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", key.OwnerID); err != nil {
				return fmt.Errorf("lock owner keys: %w", err)
			}
		}
		if maxActive > 0 {
			n, err := countActive(ctx, tx, key.OwnerID, key.CreatedAt)
			if err != nil {
				return err
			}
			if n >= maxActive {
				return ErrLimitReached
			}
		}
		return insertAPIKey(ctx, tx, key)
	})
}

func insertAPIKey(ctx context.Context, tx *sqlx.Tx, key *model.APIKey) error {
	err := tx.QueryRowxContext(ctx, tx.Rebind(insertAPIKeyQ),
		key.OwnerID, key.Name, key.KeyPrefix, key.KeyHash, key.Environment,
		key.IsActive, key.CreatedAt.UTC(), utcPtr(key.ExpiresAt),
	).Scan(&key.ID)
	if err != nil {
		return fmt.Errorf("insert api key: %w", err)
	}
	return nil
}

// countActive counts keys that are unrevoked and unexpired at now.
// Expiry is evaluated in Go so the query stays dialect-neutral.
func countActive(ctx context.Context, q sqlx.ExtContext, ownerID string, now time.Time) (int, error) {
	var keys []model.APIKey
	err := sqlx.SelectContext(ctx, q, &keys, q.Rebind(
		"SELECT * FROM api_keys WHERE owner_id = ? AND is_active = ? AND revoked_at IS NULL"),
		ownerID, true)
	if err != nil {
		return 0, fmt.Errorf("count active api keys: %w", err)
	}
	n := 0
	for i := range keys {
		if keys[i].Usable(now) {
			n++
		}
	}
	return n, nil
}

// CountActiveAPIKeys returns how many usable keys ownerID holds at now.
func (s *Store) CountActiveAPIKeys(ctx context.Context, ownerID string, now time.Time) (int, error) {
	return countActive(ctx, s.db, ownerID, now)
}

// GetAPIKey returns a key by ID.
func (s *Store) GetAPIKey(ctx context.Context, id int64) (*model.APIKey, error) {
	var key model.APIKey
	if err := s.db.GetContext(ctx, &key, s.db.Rebind("SELECT * FROM api_keys WHERE id = ?"), id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get api key: %w", err)
	}
	return &key, nil
}

// ListAPIKeysByOwner returns every key ownerID has held, newest first,
// including revoked ones.
func (s *Store) ListAPIKeysByOwner(ctx context.Context, ownerID string) ([]model.APIKey, error) {
	var keys []model.APIKey
	if err := s.db.SelectContext(ctx, &keys, s.db.Rebind(
		"SELECT * FROM api_keys WHERE owner_id = ? ORDER BY created_at DESC, id DESC"), ownerID); err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	return keys, nil
}

// ListAPIKeys returns all keys across owners.
func (s *Store) ListAPIKeys(ctx context.Context) ([]model.APIKey, error) {
	var keys []model.APIKey
	if err := s.db.SelectContext(ctx, &keys, "SELECT * FROM api_keys ORDER BY created_at DESC, id DESC"); err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	return keys, nil
}

// ListActiveAPIKeys returns unrevoked keys in env whose stored prefix is
// prefix. Pass an empty prefix to scan the whole environment.
func (s *Store) ListActiveAPIKeys(ctx context.Context, env, prefix string) ([]model.APIKey, error) {
	q := "SELECT * FROM api_keys WHERE environment = ? AND is_active = ? AND revoked_at IS NULL"
	args := []any{env, true}
	if prefix != "" {
		q += " AND key_prefix = ?"
		args = append(args, prefix)
	}
	var keys []model.APIKey
	if err := s.db.SelectContext(ctx, &keys, s.db.Rebind(q), args...); err != nil {
		return nil, fmt.Errorf("list active api keys: %w", err)
	}
	return keys, nil
}

// RecordAPIKeyUse atomically bumps the usage counter and last-used time and
// returns the new count.
func (s *Store) RecordAPIKeyUse(ctx context.Context, id int64, at time.Time) (int64, error) {
	var count int64
	err := s.db.QueryRowxContext(ctx, s.db.Rebind(
		"UPDATE api_keys SET usage_count = usage_count + 1, last_used_at = ? WHERE id = ? RETURNING usage_count"),
		at.UTC(), id).Scan(&count)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("record api key use: %w", err)
	}
	return count, nil
}

// RevokeAPIKey soft-deletes the key. It returns ErrNotFound when the key
// does not exist or belongs to another owner, and false when the key was
// already revoked.
func (s *Store) RevokeAPIKey(ctx context.Context, id int64, ownerID, reason string, at time.Time) (bool, error) {
	var changed bool
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		changed, err = revokeInTx(ctx, tx, id, ownerID, reason, at)
		return err
	})
	return changed, err
}

func revokeInTx(ctx context.Context, tx *sqlx.Tx, id int64, ownerID, reason string, at time.Time) (bool, error) {
	var key model.APIKey
	if err := tx.GetContext(ctx, &key, tx.Rebind("SELECT * FROM api_keys WHERE id = ?"), id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, ErrNotFound
		}
		return false, fmt.Errorf("get api key: %w", err)
	}
	if key.OwnerID != ownerID {
		return false, ErrNotFound
	}
	if key.RevokedAt != nil {
		return false, nil
	}

	_, err := tx.ExecContext(ctx, tx.Rebind(
		"UPDATE api_keys SET is_active = ?, revoked_at = ?, revoked_reason = ? WHERE id = ? AND revoked_at IS NULL"),
		false, at.UTC(), reason, id)
	if err != nil {
		return false, fmt.Errorf("revoke api key: %w", err)
	}
	return true, nil
}

// RotateAPIKey revokes oldID and inserts next in one transaction. The old
// key must be owned by ownerID and still active.
func (s *Store) RotateAPIKey(ctx context.Context, oldID int64, ownerID string, next *model.APIKey, at time.Time) error {
	next.CreatedAt = at.UTC()
	next.IsActive = true
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		changed, err := revokeInTx(ctx, tx, oldID, ownerID, "rotated", at)
		if err != nil {
			return err
		}
		if !changed {
			return ErrNotFound
		}
		return insertAPIKey(ctx, tx, next)
	})
}

// DeleteAPIKey hard-deletes a key owned by ownerID.
func (s *Store) DeleteAPIKey(ctx context.Context, id int64, ownerID string) error {
	result, err := s.db.ExecContext(ctx, s.db.Rebind("DELETE FROM api_keys WHERE id = ? AND owner_id = ?"), id, ownerID)
	if err != nil {
		return fmt.Errorf("delete api key: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
