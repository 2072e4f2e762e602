// Package secret implements at-rest encryption for third-party credentials
// and one-way hashing for API keys.
package secret

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

const (
	// KeySize is the required length of the symmetric encryption key.
	KeySize = 32

	nonceSize = 12
	tagSize   = 16

	sealedVersion = "v1"
)

var (
	// ErrTamperedCiphertext is returned when a sealed value fails
	// authentication or cannot be parsed. No plaintext is ever returned with it.
	ErrTamperedCiphertext = errors.New("tampered or corrupt ciphertext")

	// ErrInvalidKey is returned for encryption keys that are not 32 bytes.
	ErrInvalidKey = errors.New("encryption key must be 32 bytes")
)

// Sealed is an AES-256-GCM ciphertext with its nonce and authentication tag
// held separately.
type Sealed struct {
	Ciphertext []byte
	IV         []byte
	Tag        []byte
}

// Encode renders the sealed value as "v1.<iv>.<tag>.<ciphertext>" using
// unpadded URL-safe base64, which never contains the "." separator.
func (s Sealed) Encode() string {
	enc := base64.RawURLEncoding
	return strings.Join([]string{
		sealedVersion,
		enc.EncodeToString(s.IV),
		enc.EncodeToString(s.Tag),
		enc.EncodeToString(s.Ciphertext),
	}, ".")
}

// ParseSealed reverses Encode. Any structural problem is reported as
// ErrTamperedCiphertext.
func ParseSealed(encoded string) (Sealed, error) {
	parts := strings.Split(encoded, ".")
	if len(parts) != 4 || parts[0] != sealedVersion {
		return Sealed{}, ErrTamperedCiphertext
	}
	enc := base64.RawURLEncoding
	iv, err := enc.DecodeString(parts[1])
	if err != nil || len(iv) != nonceSize {
		return Sealed{}, ErrTamperedCiphertext
	}
	tag, err := enc.DecodeString(parts[2])
	if err != nil || len(tag) != tagSize {
		return Sealed{}, ErrTamperedCiphertext
	}
	ct, err := enc.DecodeString(parts[3])
	if err != nil {
		return Sealed{}, ErrTamperedCiphertext
	}
	return Sealed{Ciphertext: ct, IV: iv, Tag: tag}, nil
}

// Codec encrypts and decrypts secrets with a single process-wide key.
// It is safe for concurrent use.
type Codec struct {
	aead cipher.AEAD
}

// NewCodec creates a Codec from a raw 32-byte key.
func NewCodec(key []byte) (*Codec, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return &Codec{aead: aead}, nil
}

// Encrypt seals plaintext under a fresh random nonce.
func (c *Codec) Encrypt(plaintext string) (Sealed, error) {
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return Sealed{}, fmt.Errorf("generate nonce: %w", err)
	}
	out := c.aead.Seal(nil, nonce, []byte(plaintext), nil)
	split := len(out) - tagSize
	return Sealed{
		Ciphertext: out[:split],
		IV:         nonce,
		Tag:        out[split:],
	}, nil
}

// Decrypt verifies the tag and returns the plaintext.
func (c *Codec) Decrypt(s Sealed) (string, error) {
	if len(s.IV) != nonceSize || len(s.Tag) != tagSize {
		return "", ErrTamperedCiphertext
	}
	buf := make([]byte, 0, len(s.Ciphertext)+tagSize)
	buf = append(buf, s.Ciphertext...)
	buf = append(buf, s.Tag...)
	plain, err := c.aead.Open(nil, s.IV, buf, nil)
	if err != nil {
		return "", ErrTamperedCiphertext
	}
	return string(plain), nil
}

// Seal encrypts plaintext and returns its storage encoding.
func (c *Codec) Seal(plaintext string) (string, error) {
	s, err := c.Encrypt(plaintext)
	if err != nil {
		return "", err
	}
	return s.Encode(), nil
}

// Open parses and decrypts a value produced by Seal.
func (c *Codec) Open(encoded string) (string, error) {
	s, err := ParseSealed(encoded)
	if err != nil {
		return "", err
	}
	return c.Decrypt(s)
}

// ParseKey decodes an encryption key given as standard or URL-safe base64, or
// as 64 hex characters.
func ParseKey(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, ErrInvalidKey
	}
	if len(s) == hex.EncodedLen(KeySize) {
		if b, err := hex.DecodeString(s); err == nil {
			return b, nil
		}
	}
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding, base64.URLEncoding, base64.RawStdEncoding, base64.RawURLEncoding,
	} {
		if b, err := enc.DecodeString(s); err == nil && len(b) == KeySize {
			return b, nil
		}
	}
	return nil, ErrInvalidKey
}

// GenerateKey returns a new random key encoded as standard base64.
func GenerateKey() (string, error) {
	b := make([]byte, KeySize)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(b), nil
}
