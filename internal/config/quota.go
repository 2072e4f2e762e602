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
// Quota windows
// ---------------------------------------------------------------------------

// UpsertQuotaWindow creates the owner's window or updates its plan fields.
// Usage and the current period of an existing window are left untouched.
func (s *Store) UpsertQuotaWindow(ctx context.Context, w *model.QuotaWindow) error {
	if w.UpdatedAt.IsZero() {
		w.UpdatedAt = time.Now().UTC()
	}
	if w.PeriodStart.IsZero() {
		w.PeriodStart, w.PeriodEnd = model.MonthBounds(w.UpdatedAt)
	}

	const q = `INSERT INTO quota_windows
		(owner_id, plan_tier, monthly_limit, used, period_start, period_end, overage_allowed, api_access, max_api_keys, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (owner_id) DO UPDATE SET
			plan_tier = excluded.plan_tier,
			monthly_limit = excluded.monthly_limit,
			overage_allowed = excluded.overage_allowed,
			api_access = excluded.api_access,
			max_api_keys = excluded.max_api_keys,
			updated_at = excluded.updated_at`

	_, err := s.db.ExecContext(ctx, s.db.Rebind(q),
		w.OwnerID, w.PlanTier, w.MonthlyLimit, w.Used,
		w.PeriodStart.UTC(), w.PeriodEnd.UTC(),
		w.OverageAllowed, w.APIAccess, w.MaxAPIKeys, w.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("upsert quota window: %w", err)
	}
	return nil
}

// GetQuotaWindow returns the owner's current window.
func (s *Store) GetQuotaWindow(ctx context.Context, ownerID string) (*model.QuotaWindow, error) {
	var w model.QuotaWindow
	if err := s.db.GetContext(ctx, &w, s.db.Rebind("SELECT * FROM quota_windows WHERE owner_id = ?"), ownerID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get quota window: %w", err)
	}
	return &w, nil
}

// ListQuotaWindows returns every owner's window.
func (s *Store) ListQuotaWindows(ctx context.Context) ([]model.QuotaWindow, error) {
	var ws []model.QuotaWindow
	if err := s.db.SelectContext(ctx, &ws, "SELECT * FROM quota_windows ORDER BY owner_id"); err != nil {
		return nil, fmt.Errorf("list quota windows: %w", err)
	}
	return ws, nil
}

// SetAPIAccess flips the owner's API access flag.
func (s *Store) SetAPIAccess(ctx context.Context, ownerID string, enabled bool, at time.Time) error {
	result, err := s.db.ExecContext(ctx, s.db.Rebind(
		"UPDATE quota_windows SET api_access = ?, updated_at = ? WHERE owner_id = ?"),
		enabled, at.UTC(), ownerID)
	if err != nil {
		return fmt.Errorf("set api access: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// IncrementUsage adds amount to the owner's usage counter. The increment is
// keyed by requestID: a second call with the same id is a no-op and returns
// false. The counter update is a single atomic statement.
func (s *Store) IncrementUsage(ctx context.Context, ownerID, requestID string, amount int64, at time.Time) (bool, error) {
	var counted bool
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, tx.Rebind(
			`INSERT INTO usage_records (owner_id, request_id, amount, created_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (owner_id, request_id) DO NOTHING`),
			ownerID, requestID, amount, at.UTC())
		if err != nil {
			return fmt.Errorf("record usage: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}

		res, err = tx.ExecContext(ctx, tx.Rebind(
			"UPDATE quota_windows SET used = used + ?, updated_at = ? WHERE owner_id = ?"),
			amount, at.UTC(), ownerID)
		if err != nil {
			return fmt.Errorf("increment usage: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		counted = true
		return nil
	})
	return counted, err
}

// RolloverQuotaWindows resets usage on every window whose period ended at
// or before now and moves it to the month containing now. Idempotency
// records older than the previous period are pruned. It returns the number
// of windows rolled over.
func (s *Store) RolloverQuotaWindows(ctx context.Context, now time.Time) (int64, error) {
	start, end := model.MonthBounds(now)
	var rolled int64
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, tx.Rebind(
			"UPDATE quota_windows SET used = 0, period_start = ?, period_end = ?, updated_at = ? WHERE period_end <= ?"),
			start, end, now.UTC(), now.UTC())
		if err != nil {
			return fmt.Errorf("rollover quota windows: %w", err)
		}
		rolled, _ = res.RowsAffected()

		if _, err := tx.ExecContext(ctx, tx.Rebind("DELETE FROM usage_records WHERE created_at < ?"),
			start.AddDate(0, -1, 0)); err != nil {
			return fmt.Errorf("prune usage records: %w", err)
		}
		return nil
	})
	return rolled, err
}
