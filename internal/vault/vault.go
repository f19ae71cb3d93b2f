// Package vault encrypts stored credentials with a locally generated key.
//
// The key lives next to the data it protects, so this guards against casual
// disclosure of a copied database or backup, not against a local attacker.
package vault

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/nacl/secretbox"
)

// KeyFile is the name of the key file inside the data directory.
const KeyFile = ".encryption-key"

const (
	keySize   = 32
	nonceSize = 24
)

// ErrDecrypt is returned when a ciphertext cannot be opened with the key.
var ErrDecrypt = errors.New("vault: decrypt failed")

// Vault seals and opens short secrets.
type Vault struct {
	key [keySize]byte
}

// New returns a Vault using the given 32-byte key.
func New(key []byte) (*Vault, error) {
	if len(key) != keySize {
		return nil, fmt.Errorf("vault: key must be %d bytes, got %d", keySize, len(key))
	}
	v := &Vault{}
	copy(v.key[:], key)
	return v, nil
}

// Open loads the key from dir/.encryption-key, generating it on first use.
func Open(dir string) (*Vault, error) {
	path := filepath.Join(dir, KeyFile)
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		key, err := hex.DecodeString(strings.TrimSpace(string(data)))
		if err != nil {
			return nil, fmt.Errorf("vault: parse %s: %w", path, err)
		}
		return New(key)
	case os.IsNotExist(err):
		key := make([]byte, keySize)
		if _, err := io.ReadFull(rand.Reader, key); err != nil {
			return nil, fmt.Errorf("vault: generate key: %w", err)
		}
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("vault: create %s: %w", dir, err)
		}
		if err := os.WriteFile(path, []byte(hex.EncodeToString(key)), 0o600); err != nil {
			return nil, fmt.Errorf("vault: write %s: %w", path, err)
		}
		return New(key)
	default:
		return nil, fmt.Errorf("vault: read %s: %w", path, err)
	}
}

// Encrypt seals plaintext and returns base64(nonce || box).
func (v *Vault) Encrypt(plaintext string) (string, error) {
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", fmt.Errorf("vault: nonce: %w", err)
	}
	sealed := secretbox.Seal(nonce[:], []byte(plaintext), &nonce, &v.key)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt.
func (v *Vault) Decrypt(ciphertext string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	if len(raw) < nonceSize+secretbox.Overhead {
		return "", fmt.Errorf("%w: ciphertext too short", ErrDecrypt)
	}
	var nonce [nonceSize]byte
	copy(nonce[:], raw[:nonceSize])
	out, ok := secretbox.Open(nil, raw[nonceSize:], &nonce, &v.key)
	if !ok {
		return "", ErrDecrypt
	}
	return string(out), nil
}
