// Package secrets implements optional at-rest encryption for
// credential columns (sites.sendgrid_api_key, sessions.session_api_key).
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
)

const prefix = "enc:"

var ErrBadCiphertext = errors.New("malformed ciphertext")

// Cipher encrypts and decrypts credential strings with AES-GCM. A nil
// *Cipher passes values through unchanged, which is how the pipeline
// runs with encryption.enabled=false.
type Cipher struct {
	aead cipher.AEAD
}

// New derives a 256-bit key from the configured passphrase. The key is
// process-scope state read once at start.
func New(key string) (*Cipher, error) {
	if key == "" {
		return nil, errors.New("encryption key is required when encryption is enabled")
	}
	sum := sha256.Sum256([]byte(key))
	block, err := aes.NewCipher(sum[:])
	if err != nil {
		return nil, fmt.Errorf("failed to init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to init GCM: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

func (c *Cipher) Encrypt(plaintext string) (string, error) {
	if c == nil || plaintext == "" {
		return plaintext, nil
	}
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return prefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt accepts both encrypted and plain values so a column can be
// migrated to encryption without a rewrite of existing rows.
func (c *Cipher) Decrypt(value string) (string, error) {
	if c == nil || !strings.HasPrefix(value, prefix) {
		return value, nil
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, prefix))
	if err != nil {
		return "", ErrBadCiphertext
	}
	if len(raw) < c.aead.NonceSize() {
		return "", ErrBadCiphertext
	}
	nonce, sealed := raw[:c.aead.NonceSize()], raw[c.aead.NonceSize():]
	plaintext, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", ErrBadCiphertext
	}
	return string(plaintext), nil
}
