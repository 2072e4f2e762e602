package config

import "errors"

var (
	// ErrNotFound is returned when a requested resource does not exist in the store.
	ErrNotFound = errors.New("not found")

	// ErrLimitReached is returned when an insert would exceed an owner's
	// active API key ceiling.
	ErrLimitReached = errors.New("active key limit reached")

	// ErrUnsupportedDriver is returned by Open for unknown store drivers.
	ErrUnsupportedDriver = errors.New("unsupported store driver")
)
