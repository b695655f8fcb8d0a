// Package crypto encrypts and decrypts the marketplace session-cookie blob
// at rest using AES-256-GCM with a key derived from an operator-supplied
// secret via HKDF.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const hkdfInfo = "nellis-auction-tracker:credentials:v1"

// CredentialBox derives a content-encryption key once from a secret and
// seals/opens credential payloads with it. Nonces are generated fresh on
// every Seal call.
type CredentialBox struct {
	key []byte
}

// NewCredentialBox derives a 32-byte AES key from secret via HKDF-SHA256.
// secret should carry at least 32 bytes of entropy (ENCRYPTION_SECRET).
func NewCredentialBox(secret string) (*CredentialBox, error) {
	if len(secret) == 0 {
		return nil, errors.New("crypto: secret must not be empty")
	}
	kdf := hkdf.New(sha256.New, []byte(secret), nil, []byte(hkdfInfo))
	key := make([]byte, 32)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("crypto: deriving key: %w", err)
	}
	return &CredentialBox{key: key}, nil
}

// Seal encrypts plaintext and returns nonce‖ciphertext‖tag.
func (b *CredentialBox) Seal(plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(b.key)
	if err != nil {
		return nil, fmt.Errorf("crypto: creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: creating gcm: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("crypto: generating nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts a nonce‖ciphertext‖tag blob produced by Seal.
func (b *CredentialBox) Open(blob []byte) ([]byte, error) {
	block, err := aes.NewCipher(b.key)
	if err != nil {
		return nil, fmt.Errorf("crypto: creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: creating gcm: %w", err)
	}
	if len(blob) < gcm.NonceSize() {
		return nil, errors.New("crypto: ciphertext too short")
	}
	nonce, ciphertext := blob[:gcm.NonceSize()], blob[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("crypto: decryption failed: %w", err)
	}
	return plaintext, nil
}
