// Package secrets seals and opens provider API keys with AES-256-GCM.
//
// Keys are stored sealed in the system-of-record and only opened at
// acquisition time. Plaintext key material must never appear in logs or
// error messages.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
)

// Box encrypts and decrypts small secrets. Safe for concurrent use.
type Box struct {
	gcm cipher.AEAD
}

// New creates a Box from a 32-byte key.
func New(key []byte) (*Box, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("secrets: key must be 32 bytes for AES-256, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("secrets: cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("secrets: gcm: %w", err)
	}
	return &Box{gcm: gcm}, nil
}

// NewFromHex creates a Box from a 64-character hex-encoded key.
func NewFromHex(hexKey string) (*Box, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("secrets: decode hex key: %w", err)
	}
	return New(key)
}

// Seal encrypts plaintext. The nonce is prepended to the ciphertext.
func (b *Box) Seal(plaintext string) ([]byte, error) {
	nonce := make([]byte, b.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("secrets: nonce: %w", err)
	}
	return b.gcm.Seal(nonce, nonce, []byte(plaintext), nil), nil
}

// Open decrypts a sealed secret produced by Seal.
func (b *Box) Open(sealed []byte) (string, error) {
	ns := b.gcm.NonceSize()
	if len(sealed) < ns {
		return "", fmt.Errorf("secrets: sealed data too short")
	}
	nonce, ciphertext := sealed[:ns], sealed[ns:]
	plaintext, err := b.gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("secrets: open: %w", err)
	}
	return string(plaintext), nil
}
