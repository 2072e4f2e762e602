package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gammazero/workerpool"

	"github.com/faucetdb/tollgate/internal/audit"
	"github.com/faucetdb/tollgate/internal/config"
	"github.com/faucetdb/tollgate/internal/metrics"
	"github.com/faucetdb/tollgate/internal/model"
	"github.com/faucetdb/tollgate/internal/secret"
)

// KeyPrefix starts every issued key: tg_<env>_<32 hex chars>.
const KeyPrefix = "tg_"

const (
	keyRandomBytes = 16
	maxKeyNameLen  = 100
)

// keyLen is the length of a well-formed plaintext key for env.
func keyLen(env string) int {
	return len(KeyPrefix) + len(env) + 1 + keyRandomBytes*2
}

// EnvironmentOf returns the environment encoded in a plaintext key.
func EnvironmentOf(plaintext string) (string, bool) {
	for _, env := range []string{model.EnvironmentLive, model.EnvironmentTest} {
		if strings.HasPrefix(plaintext, KeyPrefix+env+"_") {
			return env, true
		}
	}
	return "", false
}

// CredentialInfo is what a successful key validation reveals about the
// caller.
type CredentialInfo struct {
	KeyID       int64  `json:"key_id"`
	OwnerID     string `json:"owner_id"`
	Name        string `json:"name"`
	Environment string `json:"environment"`
	PlanTier    string `json:"plan_tier"`
	APIAccess   bool   `json:"api_access"`
	UsageCount  int64  `json:"usage_count"`
}

// KeyAllowance reports whether an owner may create another key.
type KeyAllowance struct {
	Allowed bool `json:"allowed"`
	Current int  `json:"current"`
	Max     int  `json:"max"`
}

// CreateKeyInput describes a key to issue.
type CreateKeyInput struct {
	OwnerID     string
	Name        string
	Environment string
	ExpiresAt   *time.Time
}

// KeyConfig tunes the key service.
type KeyConfig struct {
	HashCost int // bcrypt cost, default 12
	MaxKeys  int // active keys per owner when the plan sets none, default 3
	Workers  int // concurrent bcrypt operations, default GOMAXPROCS
}

// KeyService issues, validates, rotates and revokes API keys.
type KeyService struct {
	store  KeyStore
	audit  *audit.Logger
	pool   *workerpool.WorkerPool
	cost   int
	max    int
	logger *slog.Logger
	now    func() time.Time
}

// NewKeyService creates a key service. Call Close to release the hashing
// workers.
func NewKeyService(store KeyStore, auditLog *audit.Logger, cfg KeyConfig, logger *slog.Logger) *KeyService {
	if cfg.HashCost == 0 {
		cfg.HashCost = secret.DefaultHashCost
	}
	if cfg.MaxKeys <= 0 {
		cfg.MaxKeys = model.DefaultMaxAPIKeys
	}
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.GOMAXPROCS(0)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &KeyService{
		store:  store,
		audit:  auditLog,
		pool:   workerpool.New(cfg.Workers),
		cost:   cfg.HashCost,
		max:    cfg.MaxKeys,
		logger: logger,
		now:    time.Now,
	}
}

// Close stops the hashing workers after queued work completes.
func (s *KeyService) Close() {
	s.pool.StopWait()
}

// Job states for offload.
const (
	jobPending int32 = iota
	jobRunning
	jobAbandoned
)

// offload runs CPU-heavy fn on the bounded pool and waits for it or ctx. A
// job still queued when ctx ends is abandoned; a job already running is
// waited for so its result is not lost.
func (s *KeyService) offload(ctx context.Context, fn func()) error {
	var state atomic.Int32
	done := make(chan struct{})
	s.pool.Submit(func() {
		defer close(done)
		if ctx.Err() != nil || !state.CompareAndSwap(jobPending, jobRunning) {
			return
		}
		fn()
	})
	select {
	case <-done:
	case <-ctx.Done():
		if state.CompareAndSwap(jobPending, jobAbandoned) {
			return ctx.Err()
		}
		<-done
	}
	if state.Load() != jobRunning {
		return ctx.Err()
	}
	return nil
}

// Generate returns a fresh plaintext key for env.
func Generate(env string) (string, error) {
	if !model.ValidEnvironment(env) {
		return "", fmt.Errorf("%w: %q", ErrInvalidEnvironment, env)
	}
	b := make([]byte, keyRandomBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	return KeyPrefix + env + "_" + hex.EncodeToString(b), nil
}

func (s *KeyService) hash(ctx context.Context, plaintext string) (string, error) {
	var (
		hash string
		err  error
	)
	if werr := s.offload(ctx, func() { hash, err = secret.HashKey(plaintext, s.cost) }); werr != nil {
		return "", werr
	}
	return hash, err
}

// Create issues a new key. The plaintext is returned exactly once and is
// never stored.
func (s *KeyService) Create(ctx context.Context, in CreateKeyInput) (string, *model.APIKey, error) {
	in.OwnerID = strings.TrimSpace(in.OwnerID)
	in.Name = strings.TrimSpace(in.Name)
	if in.OwnerID == "" {
		return "", nil, invalid("owner id is required")
	}
	if in.Name == "" {
		return "", nil, invalid("name is required")
	}
	if len(in.Name) > maxKeyNameLen {
		return "", nil, invalid("name must be at most %d characters", maxKeyNameLen)
	}
	if !model.ValidEnvironment(in.Environment) {
		return "", nil, fmt.Errorf("%w: %q", ErrInvalidEnvironment, in.Environment)
	}
	now := s.now().UTC()
	if in.ExpiresAt != nil && !in.ExpiresAt.After(now) {
		return "", nil, invalid("expires_at must be in the future")
	}

	allowance, err := s.CanCreate(ctx, in.OwnerID)
	if err != nil {
		return "", nil, err
	}
	if !allowance.Allowed {
		return "", nil, &KeyLimitError{Current: allowance.Current, Max: allowance.Max}
	}

	plaintext, err := Generate(in.Environment)
	if err != nil {
		return "", nil, err
	}
	hash, err := s.hash(ctx, plaintext)
	if err != nil {
		return "", nil, fmt.Errorf("hash key: %w", err)
	}

	key := &model.APIKey{
		OwnerID:     in.OwnerID,
		Name:        in.Name,
		KeyPrefix:   plaintext[:model.KeyPrefixLen],
		KeyHash:     hash,
		Environment: in.Environment,
		CreatedAt:   now,
		ExpiresAt:   in.ExpiresAt,
	}
	if err := s.store.CreateAPIKey(ctx, key, allowance.Max); err != nil {
		if errors.Is(err, config.ErrLimitReached) {
			return "", nil, &KeyLimitError{Current: allowance.Max, Max: allowance.Max}
		}
		return "", nil, storageErr("create api key", err)
	}

	metrics.RecordKeyIssued(key.Environment)
	s.audit.LogContext(ctx, model.AuditEvent{
		Type:         model.EventKeyCreated,
		ActorID:      key.OwnerID,
		ResourceType: "api_key",
		ResourceID:   strconv.FormatInt(key.ID, 10),
		Success:      true,
		Metadata:     map[string]any{"name": key.Name, "environment": key.Environment, "prefix": key.KeyPrefix},
	})
	s.logger.Info("api key created", "owner", key.OwnerID, "key_id", key.ID, "prefix", key.KeyPrefix)
	return plaintext, key, nil
}

// Validate resolves a plaintext key to its owner. It returns nil, nil when
// the key is malformed, unknown, revoked or expired; errors are reserved
// for storage failures.
func (s *KeyService) Validate(ctx context.Context, plaintext string) (*CredentialInfo, error) {
	env, ok := EnvironmentOf(plaintext)
	if !ok || len(plaintext) != keyLen(env) {
		return nil, nil
	}

	candidates, err := s.store.ListActiveAPIKeys(ctx, env, plaintext[:model.KeyPrefixLen])
	if err != nil {
		return nil, storageErr("list active keys", err)
	}

	now := s.now().UTC()
	var match *model.APIKey
	werr := s.offload(ctx, func() {
		for i := range candidates {
			k := &candidates[i]
			if k.Environment != env || !k.Usable(now) {
				continue
			}
			if secret.CompareKey(k.KeyHash, plaintext) {
				match = k
				return
			}
		}
	})
	if werr != nil {
		return nil, storageErr("validate key", werr)
	}
	if match == nil {
		return nil, nil
	}

	count, err := s.store.RecordAPIKeyUse(ctx, match.ID, now)
	if err != nil {
		if errors.Is(err, config.ErrNotFound) {
			return nil, nil // purged concurrently
		}
		return nil, storageErr("record key use", err)
	}

	info := &CredentialInfo{
		KeyID:       match.ID,
		OwnerID:     match.OwnerID,
		Name:        match.Name,
		Environment: match.Environment,
		PlanTier:    model.TierFree,
		APIAccess:   true,
		UsageCount:  count,
	}
	w, err := s.store.GetQuotaWindow(ctx, match.OwnerID)
	switch {
	case err == nil:
		info.PlanTier = w.PlanTier
		info.APIAccess = w.APIAccess
	case errors.Is(err, config.ErrNotFound):
	default:
		return nil, storageErr("load quota window", err)
	}
	return info, nil
}

// CanCreate reports whether ownerID is below its active key ceiling.
func (s *KeyService) CanCreate(ctx context.Context, ownerID string) (KeyAllowance, error) {
	if strings.TrimSpace(ownerID) == "" {
		return KeyAllowance{}, invalid("owner id is required")
	}
	limit, err := s.maxKeys(ctx, ownerID)
	if err != nil {
		return KeyAllowance{}, err
	}
	n, err := s.store.CountActiveAPIKeys(ctx, ownerID, s.now().UTC())
	if err != nil {
		return KeyAllowance{}, storageErr("count active keys", err)
	}
	return KeyAllowance{Allowed: n < limit, Current: n, Max: limit}, nil
}

func (s *KeyService) maxKeys(ctx context.Context, ownerID string) (int, error) {
	w, err := s.store.GetQuotaWindow(ctx, ownerID)
	if err != nil {
		if errors.Is(err, config.ErrNotFound) {
			return s.max, nil
		}
		return 0, storageErr("load quota window", err)
	}
	if w.MaxAPIKeys > 0 {
		return w.MaxAPIKeys, nil
	}
	return s.max, nil
}

// List returns the owner's keys, newest first. Hashes are never exposed.
func (s *KeyService) List(ctx context.Context, ownerID string) ([]model.APIKey, error) {
	if strings.TrimSpace(ownerID) == "" {
		return nil, invalid("owner id is required")
	}
	keys, err := s.store.ListAPIKeysByOwner(ctx, ownerID)
	if err != nil {
		return nil, storageErr("list api keys", err)
	}
	return keys, nil
}

// Revoke soft-deletes a key owned by ownerID. Revoking an already revoked
// key succeeds without change.
func (s *KeyService) Revoke(ctx context.Context, keyID int64, ownerID, reason string) error {
	if keyID <= 0 || strings.TrimSpace(ownerID) == "" {
		return invalid("key id and owner id are required")
	}
	if reason == "" {
		reason = "revoked by owner"
	}

	changed, err := s.store.RevokeAPIKey(ctx, keyID, ownerID, reason, s.now().UTC())
	if err != nil {
		if errors.Is(err, config.ErrNotFound) {
			return ErrNotFound
		}
		return storageErr("revoke api key", err)
	}
	if changed {
		s.audit.LogContext(ctx, model.AuditEvent{
			Type:         model.EventKeyRevoked,
			ActorID:      ownerID,
			ResourceType: "api_key",
			ResourceID:   strconv.FormatInt(keyID, 10),
			Success:      true,
			Metadata:     map[string]any{"reason": reason},
		})
		s.logger.Info("api key revoked", "owner", ownerID, "key_id", keyID)
	}
	return nil
}

// Rotate replaces an active key with a new one of the same environment.
// The new key is inserted and the old one revoked in one transaction, so a
// failure leaves the old key active.
func (s *KeyService) Rotate(ctx context.Context, oldKeyID int64, ownerID, newName string) (string, *model.APIKey, error) {
	if oldKeyID <= 0 || strings.TrimSpace(ownerID) == "" {
		return "", nil, invalid("key id and owner id are required")
	}
	newName = strings.TrimSpace(newName)
	if len(newName) > maxKeyNameLen {
		return "", nil, invalid("name must be at most %d characters", maxKeyNameLen)
	}

	old, err := s.store.GetAPIKey(ctx, oldKeyID)
	if err != nil {
		if errors.Is(err, config.ErrNotFound) {
			return "", nil, ErrNotFound
		}
		return "", nil, storageErr("get api key", err)
	}
	if old.OwnerID != ownerID {
		return "", nil, ErrNotFound
	}
	now := s.now().UTC()
	if !old.Usable(now) {
		return "", nil, ErrKeyRevoked
	}
	if newName == "" {
		newName = old.Name
	}

	plaintext, err := Generate(old.Environment)
	if err != nil {
		return "", nil, err
	}
	hash, err := s.hash(ctx, plaintext)
	if err != nil {
		return "", nil, fmt.Errorf("hash key: %w", err)
	}

	next := &model.APIKey{
		OwnerID:     ownerID,
		Name:        newName,
		KeyPrefix:   plaintext[:model.KeyPrefixLen],
		KeyHash:     hash,
		Environment: old.Environment,
		ExpiresAt:   old.ExpiresAt,
	}
	if err := s.store.RotateAPIKey(ctx, old.ID, ownerID, next, now); err != nil {
		if errors.Is(err, config.ErrNotFound) {
			return "", nil, ErrKeyRevoked
		}
		return "", nil, storageErr("rotate api key", err)
	}

	metrics.RecordKeyIssued(next.Environment)
	s.audit.LogContext(ctx, model.AuditEvent{
		Type:         model.EventKeyRotated,
		ActorID:      ownerID,
		ResourceType: "api_key",
		ResourceID:   strconv.FormatInt(next.ID, 10),
		Success:      true,
		Metadata:     map[string]any{"previous_id": old.ID, "prefix": next.KeyPrefix},
	})
	s.logger.Info("api key rotated", "owner", ownerID, "old_id", old.ID, "new_id", next.ID)
	return plaintext, next, nil
}

// Purge permanently deletes a key owned by ownerID.
func (s *KeyService) Purge(ctx context.Context, keyID int64, ownerID string) error {
	if keyID <= 0 || strings.TrimSpace(ownerID) == "" {
		return invalid("key id and owner id are required")
	}
	if err := s.store.DeleteAPIKey(ctx, keyID, ownerID); err != nil {
		if errors.Is(err, config.ErrNotFound) {
			return ErrNotFound
		}
		return storageErr("purge api key", err)
	}
	s.audit.LogContext(ctx, model.AuditEvent{
		Type:         model.EventKeyPurged,
		Severity:     model.SeverityWarning,
		ActorID:      ownerID,
		ResourceType: "api_key",
		ResourceID:   strconv.FormatInt(keyID, 10),
		Success:      true,
	})
	return nil
}
