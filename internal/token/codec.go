// Package token encodes VK access tokens for at-rest storage.
package token

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
)

// Codec seals bearer tokens with AES-256-GCM before they reach the database.
// The key is derived from the deployment secret, so blobs written under a
// different secret fail authentication and decode as absent.
type Codec struct {
	aead cipher.AEAD
}

// NewCodec derives the AES key from the configured secret.
func NewCodec(secret string) (*Codec, error) {
	if secret == "" {
		return nil, fmt.Errorf("token codec: secret is empty")
	}
	key := sha256.Sum256([]byte(secret))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("token codec: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("token codec: %w", err)
	}
	return &Codec{aead: aead}, nil
}

// Encode seals plaintext into a printable blob: base64(nonce || ciphertext || tag).
func (c *Codec) Encode(plaintext string) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decode opens a blob produced by Encode. It reports ok=false on any
// malformed, truncated, tampered or foreign-keyed input; stored tokens may be
// corrupted or written under a rotated secret, and neither case is an error
// the caller can act on beyond re-linking.
func (c *Codec) Decode(encoded string) (string, bool) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", false
	}
	nonceSize := c.aead.NonceSize()
	if len(raw) < nonceSize {
		return "", false
	}
	plaintext, err := c.aead.Open(nil, raw[:nonceSize], raw[nonceSize:], nil)
	if err != nil {
		return "", false
	}
	return string(plaintext), true
}
