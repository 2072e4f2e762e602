package service

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/faucetdb/tollgate/internal/config"
	"github.com/faucetdb/tollgate/internal/metrics"
	"github.com/faucetdb/tollgate/internal/model"
)

// QuotaService reads and meters per-owner monthly usage windows.
type QuotaService struct {
	store  QuotaStore
	logger *slog.Logger
	now    func() time.Time
}

// NewQuotaService creates a quota service.
func NewQuotaService(store QuotaStore, logger *slog.Logger) *QuotaService {
	if logger == nil {
		logger = slog.Default()
	}
	return &QuotaService{store: store, logger: logger, now: time.Now}
}

// GetCurrentQuota returns the owner's window for the current period. A
// window whose period has ended is rolled over first.
func (s *QuotaService) GetCurrentQuota(ctx context.Context, ownerID string) (*model.QuotaWindow, error) {
	if strings.TrimSpace(ownerID) == "" {
		return nil, invalid("owner id is required")
	}
	w, err := s.load(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	if now.Before(w.PeriodEnd) {
		return w, nil
	}
	if _, err := s.store.RolloverQuotaWindows(ctx, now); err != nil {
		return nil, storageErr("rollover quota windows", err)
	}
	return s.load(ctx, ownerID)
}

func (s *QuotaService) load(ctx context.Context, ownerID string) (*model.QuotaWindow, error) {
	w, err := s.store.GetQuotaWindow(ctx, ownerID)
	if err != nil {
		if errors.Is(err, config.ErrNotFound) {
			return nil, ErrNoQuota
		}
		return nil, storageErr("get quota window", err)
	}
	return w, nil
}

// HasAvailableQuota reports whether q admits another request.
func (s *QuotaService) HasAvailableQuota(q *model.QuotaWindow) bool {
	return q != nil && q.HasCapacity()
}

// IncrementUsage adds amount to the owner's usage. Repeating a requestID is
// a no-op reported as false, so retried requests are metered once. An empty
// requestID is replaced with a fresh one.
func (s *QuotaService) IncrementUsage(ctx context.Context, ownerID, requestID string, amount int64) (bool, error) {
	if strings.TrimSpace(ownerID) == "" {
		return false, invalid("owner id is required")
	}
	if amount <= 0 {
		return false, invalid("amount must be positive")
	}
	if requestID == "" {
		requestID = uuid.NewString()
	}

	applied, err := s.store.IncrementUsage(ctx, ownerID, requestID, amount, s.now().UTC())
	if err != nil {
		if errors.Is(err, config.ErrNotFound) {
			metrics.RecordQuotaIncrement("no_window")
			return false, ErrNoQuota
		}
		metrics.RecordQuotaIncrement("error")
		return false, storageErr("increment usage", err)
	}
	if applied {
		metrics.RecordQuotaIncrement("applied")
	} else {
		metrics.RecordQuotaIncrement("duplicate")
	}
	return applied, nil
}

// AssignPlan puts ownerID on tier, creating the window when needed. Usage
// in the current period is kept, and so is the access flag of an existing
// window. overage grants overage on top of what the plan allows.
func (s *QuotaService) AssignPlan(ctx context.Context, ownerID, tier string, overage bool) (*model.QuotaWindow, error) {
	if strings.TrimSpace(ownerID) == "" {
		return nil, invalid("owner id is required")
	}
	plan, ok := model.Plans[tier]
	if !ok {
		return nil, invalid("unknown plan tier %q", tier)
	}

	access := true
	existing, err := s.store.GetQuotaWindow(ctx, ownerID)
	switch {
	case err == nil:
		access = existing.APIAccess
	case errors.Is(err, config.ErrNotFound):
	default:
		return nil, storageErr("get quota window", err)
	}

	w := &model.QuotaWindow{
		OwnerID:        ownerID,
		PlanTier:       plan.Tier,
		MonthlyLimit:   plan.MonthlyLimit,
		OverageAllowed: plan.OverageAllowed || overage,
		APIAccess:      access,
		MaxAPIKeys:     plan.MaxAPIKeys,
		UpdatedAt:      s.now().UTC(),
	}
	if err := s.store.UpsertQuotaWindow(ctx, w); err != nil {
		return nil, storageErr("upsert quota window", err)
	}
	s.logger.Info("plan assigned", "owner", ownerID, "tier", plan.Tier)
	return s.load(ctx, ownerID)
}

// SetAPIAccess enables or disables programmatic access for ownerID.
func (s *QuotaService) SetAPIAccess(ctx context.Context, ownerID string, enabled bool) error {
	if strings.TrimSpace(ownerID) == "" {
		return invalid("owner id is required")
	}
	if err := s.store.SetAPIAccess(ctx, ownerID, enabled, s.now().UTC()); err != nil {
		if errors.Is(err, config.ErrNotFound) {
			return ErrNoQuota
		}
		return storageErr("set api access", err)
	}
	return nil
}

// Rollover resets every window whose period has ended and returns how
// many were reset.
func (s *QuotaService) Rollover(ctx context.Context) (int64, error) {
	n, err := s.store.RolloverQuotaWindows(ctx, s.now().UTC())
	if err != nil {
		return 0, storageErr("rollover quota windows", err)
	}
	if n > 0 {
		s.logger.Info("quota windows rolled over", "count", n)
	}
	return n, nil
}

// StartRollover runs Rollover every interval until ctx is done.
func (s *QuotaService) StartRollover(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := s.Rollover(ctx); err != nil && ctx.Err() == nil {
					s.logger.Error("quota rollover failed", "error", err)
				}
			}
		}
	}()
}
