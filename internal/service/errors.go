package service

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrInvalidInput       = errors.New("invalid input")
	ErrInvalidEnvironment = errors.New("invalid environment")
	ErrKeyLimitReached    = errors.New("api key limit reached")
	ErrNotFound           = errors.New("not found")
	ErrKeyRevoked         = errors.New("api key revoked")
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrTimeout            = errors.New("operation timed out")

	ErrInvalidSession = errors.New("invalid session")
	ErrTokenExpired   = errors.New("token expired")

	ErrNoQuota = errors.New("no quota window")

	ErrNoCredential       = errors.New("no oauth credential")
	ErrRefreshUnavailable = errors.New("no refresh token, re-authentication required")
	ErrRefreshFailed      = errors.New("token refresh failed, re-authentication required")
	ErrUpstreamTimeout    = errors.New("identity provider timed out")
)

// KeyLimitError is returned by Create when the owner already holds the
// maximum number of active keys.
type KeyLimitError struct {
	Current int
	Max     int
}

func (e *KeyLimitError) Error() string {
	return fmt.Sprintf("api key limit reached: %d of %d active keys", e.Current, e.Max)
}

// Is makes errors.Is(err, ErrKeyLimitReached) match.
func (e *KeyLimitError) Is(target error) bool {
	return target == ErrKeyLimitReached
}

// storageErr wraps a store failure so callers can tell "degraded" apart
// from "denied". Deadline overruns additionally match ErrTimeout.
func storageErr(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w: %w: %w", op, ErrStorageUnavailable, ErrTimeout, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStorageUnavailable, err)
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}
