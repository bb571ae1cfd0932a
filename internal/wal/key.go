package wal

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"entropyguard/internal/security"
)

// SecretSize is the size of the journal secret in bytes.
const SecretSize = 32

const keyInfo = "entropyguard journal hmac v1"

// DeriveKey derives the per-journal HMAC key from the agent secret.
func DeriveKey(secret []byte, journalID [32]byte) ([]byte, error) {
	r := hkdf.New(sha256.New, secret, journalID[:], []byte(keyInfo))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("wal: derive key: %w", err)
	}
	return key, nil
}

// LoadSecret reads the journal secret at path, creating it on first use.
func LoadSecret(path string) ([]byte, error) {
	secret, err := security.LoadOrCreateSecret(path, SecretSize)
	if err != nil {
		return nil, fmt.Errorf("wal: journal secret: %w", err)
	}
	return secret, nil
}
