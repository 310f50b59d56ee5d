package memory

import (
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/chacha20poly1305"
)

// sealedField is a ciphertext/nonce pair as stored in the memories table.
// Nonces are 192 bits (chacha20poly1305.NewX), one generated per record
// (spec §4.7).
type sealedField struct {
	Ciphertext []byte
	Nonce      []byte
}

// cipher wraps an XChaCha20-Poly1305 AEAD keyed from the loaded memory key.
type cipher struct {
	aead interface {
		Seal(dst, nonce, plaintext, additionalData []byte) []byte
		Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
		NonceSize() int
	}
}

func newCipher(key []byte) (*cipher, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("construct AEAD: %w", err)
	}
	return &cipher{aead: aead}, nil
}

func (c *cipher) seal(plaintext string) (sealedField, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return sealedField{}, fmt.Errorf("generate nonce: %w", err)
	}
	ct := c.aead.Seal(nil, nonce, []byte(plaintext), nil)
	return sealedField{Ciphertext: ct, Nonce: nonce}, nil
}

func (c *cipher) open(f sealedField) (string, error) {
	pt, err := c.aead.Open(nil, f.Nonce, f.Ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt field: %w", err)
	}
	return string(pt), nil
}

// LoadOrCreateKey loads the 256-bit memory encryption key from path. If the
// file is absent, a fresh key is generated and written with owner-only
// permissions (spec §4.7) — but only when freshInstall is true; otherwise
// the absence of a pre-existing key file is treated as a refusal to start,
// since generating a new key would silently make any prior encrypted rows
// permanently unrecoverable.
func LoadOrCreateKey(path string, freshInstall bool) ([]byte, error) {
	b, err := os.ReadFile(path)
	if err == nil {
		if len(b) != chacha20poly1305.KeySize {
			return nil, fmt.Errorf("memory key at %s has wrong length: got %d, want %d", path, len(b), chacha20poly1305.KeySize)
		}
		return b, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read memory key: %w", err)
	}
	if !freshInstall {
		return nil, fmt.Errorf("memory key %s is missing; refusing to generate a replacement because prior encrypted rows would become unrecoverable — pass fresh_install to confirm this is a new deployment", path)
	}

	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate memory key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create memory key directory: %w", err)
	}
	if err := os.WriteFile(path, key, 0o600); err != nil {
		return nil, fmt.Errorf("write memory key: %w", err)
	}
	return key, nil
}
