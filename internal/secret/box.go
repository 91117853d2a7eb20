// Package secret provides envelope-free AES-GCM sealing for small at-rest
// secrets such as Session.WAHAKey, keyed by the process ENCRYPTION_KEY.
package secret

import (
	"crypto/aes"
	"crypto/cipher"
	crand "crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
)

// Box seals and opens strings with AES-256-GCM under a key derived from the
// process ENCRYPTION_KEY. Unlike the multi-tenant KEK/DEK envelope scheme a
// KMS-backed provider would use, Box holds one process-wide key: every
// Session's WAHAKey is sealed under the same key, which is the single-tenant
// simplification recorded in DESIGN.md.
type Box struct {
	gcm cipher.AEAD
}

// New derives a 32-byte AES key from raw (any length, already validated by
// config.Load to be at least 32 characters) via SHA-256 and builds a Box.
func New(raw string) (*Box, error) {
	if raw == "" {
		return nil, errors.New("secret: empty key")
	}
	key := sha256.Sum256([]byte(raw))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("secret: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("secret: new gcm: %w", err)
	}
	return &Box{gcm: gcm}, nil
}

// Seal encrypts plaintext and returns a base64 string of nonce||ciphertext.
func (b *Box) Seal(plaintext string) (string, error) {
	nonce := make([]byte, b.gcm.NonceSize())
	if _, err := crand.Read(nonce); err != nil {
		return "", fmt.Errorf("secret: read nonce: %w", err)
	}
	ct := b.gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(ct), nil
}

// Open decrypts a string produced by Seal. An empty input returns an empty
// string with no error, since not every Session carries a WAHAKey.
func (b *Box) Open(sealed string) (string, error) {
	if sealed == "" {
		return "", nil
	}
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", fmt.Errorf("secret: decode: %w", err)
	}
	nonceSize := b.gcm.NonceSize()
	if len(raw) < nonceSize {
		return "", errors.New("secret: sealed value too short")
	}
	nonce, ct := raw[:nonceSize], raw[nonceSize:]
	pt, err := b.gcm.Open(nil, nonce, ct, nil)
	if err != nil {
		return "", fmt.Errorf("secret: open: %w", err)
	}
	return string(pt), nil
}
