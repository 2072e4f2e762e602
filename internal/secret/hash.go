package secret

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// DefaultHashCost is the bcrypt work factor for API key hashes.
const DefaultHashCost = 12

// HashKey returns a salted bcrypt hash of an API key. A cost outside bcrypt's
// accepted range falls back to DefaultHashCost.
func HashKey(plaintext string, cost int) (string, error) {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = DefaultHashCost
	}
	h, err := bcrypt.GenerateFromPassword([]byte(plaintext), cost)
	if err != nil {
		return "", fmt.Errorf("hash api key: %w", err)
	}
	return string(h), nil
}

// CompareKey reports whether plaintext matches hash. The comparison runs in
// constant time with respect to the plaintext.
func CompareKey(hash, plaintext string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plaintext)) == nil
}
