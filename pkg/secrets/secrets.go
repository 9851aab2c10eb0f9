// Package secrets encrypts sensitive configuration values at rest. Encrypted
// values carry the "enc:" prefix followed by hex(nonce || ciphertext || tag).
package secrets

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

const encPrefix = "enc:"

// ErrInvalidKey is returned when the key file does not hold 64 hex characters.
var ErrInvalidKey = errors.New("secrets: invalid key file (expected 64 hex characters)")

// SecretStore seals values with XChaCha20-Poly1305 under a key kept on disk.
type SecretStore struct {
	aead cipher.AEAD
}

// NewSecretStore loads the key at keyPath, generating and writing a new one
// with 0600 permissions when the file does not exist yet.
func NewSecretStore(keyPath string) (*SecretStore, error) {
	key, err := loadOrCreateKey(keyPath)
	if err != nil {
		return nil, err
	}
	return newStore(key)
}

func newStore(key []byte) (*SecretStore, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("secrets: create cipher: %w", err)
	}
	return &SecretStore{aead: aead}, nil
}

func loadOrCreateKey(keyPath string) ([]byte, error) {
	data, err := os.ReadFile(keyPath)
	if err == nil {
		key, derr := hex.DecodeString(strings.TrimSpace(string(data)))
		if derr != nil || len(key) != chacha20poly1305.KeySize {
			return nil, ErrInvalidKey
		}
		return key, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("secrets: read key file: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(keyPath), 0700); err != nil {
		return nil, fmt.Errorf("secrets: create key directory: %w", err)
	}
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("secrets: generate key: %w", err)
	}
	if err := os.WriteFile(keyPath, []byte(hex.EncodeToString(key)), 0600); err != nil {
		return nil, fmt.Errorf("secrets: write key file: %w", err)
	}
	return key, nil
}

// Encrypt seals plaintext. Empty and already-encrypted values pass through.
func (s *SecretStore) Encrypt(plaintext string) (string, error) {
	if plaintext == "" || IsEncrypted(plaintext) {
		return plaintext, nil
	}

	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(plaintext)+s.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("secrets: generate nonce: %w", err)
	}
	sealed := s.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return encPrefix + hex.EncodeToString(sealed), nil
}

// Decrypt opens an "enc:" value. Values without the prefix pass through.
func (s *SecretStore) Decrypt(value string) (string, error) {
	if !IsEncrypted(value) {
		return value, nil
	}

	raw, err := hex.DecodeString(value[len(encPrefix):])
	if err != nil {
		return "", fmt.Errorf("secrets: hex decode: %w", err)
	}
	n := s.aead.NonceSize()
	if len(raw) < n+s.aead.Overhead() {
		return "", errors.New("secrets: ciphertext too short")
	}
	plain, err := s.aead.Open(nil, raw[:n], raw[n:], nil)
	if err != nil {
		return "", fmt.Errorf("secrets: decrypt: %w", err)
	}
	return string(plain), nil
}

// EncryptFields encrypts each referenced string in place.
func (s *SecretStore) EncryptFields(fields ...*string) error {
	for _, fp := range fields {
		v, err := s.Encrypt(*fp)
		if err != nil {
			return err
		}
		*fp = v
	}
	return nil
}

// DecryptFields decrypts each referenced string in place. On error the
// fields already processed keep their decrypted values.
func (s *SecretStore) DecryptFields(fields ...*string) error {
	for _, fp := range fields {
		v, err := s.Decrypt(*fp)
		if err != nil {
			return err
		}
		*fp = v
	}
	return nil
}

// IsEncrypted reports whether value carries the "enc:" prefix.
func IsEncrypted(value string) bool {
	return strings.HasPrefix(value, encPrefix)
}
