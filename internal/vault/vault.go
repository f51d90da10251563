// Package vault encrypts provider credentials at rest with a single
// process-wide AES-256-GCM key. Unlike a multi-tenant
// password-protected vault, there is no lock/unlock lifecycle: the key is
// resolved once at startup and held in memory for the life of the process.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/crypto/argon2"
)

const keyLen = 32

// fixed application salt for passphrase-derived keys. The secret entropy
// lives in the passphrase itself (HUB_SECRET_KEY); a per-install salt would
// require its own persistence problem without adding meaningful protection
// for a single-operator local gateway.
var passphraseSalt = []byte("openclaw-hub-vault-v1-salt")

const (
	argon2Time    = 3
	argon2Memory  = 64 * 1024
	argon2Threads = 4
)

// Vault encrypts and decrypts credential strings with AES-256-GCM.
type Vault struct {
	key []byte
}

// New wraps an already-resolved 32-byte key.
func New(key []byte) (*Vault, error) {
	if len(key) != keyLen {
		return nil, fmt.Errorf("vault key must be %d bytes, got %d", keyLen, len(key))
	}
	return &Vault{key: key}, nil
}

// LoadKey resolves the vault key: a raw key from
// HUB_SECRET_KEY (hex, base64, or Argon2id-derived from a passphrase), or a
// freshly generated key persisted to statePath. onGenerated is called with
// a one-time warning message when a new key had to be generated.
func LoadKey(secretKey, statePath string, onGenerated func(msg string)) ([]byte, error) {
	if secretKey != "" {
		return decodeOrDeriveKey(secretKey), nil
	}

	if statePath != "" {
		if existing, err := os.ReadFile(statePath); err == nil {
			if key, err := hex.DecodeString(strings.TrimSpace(string(existing))); err == nil && len(key) == keyLen {
				return key, nil
			}
		}
	}

	key := make([]byte, keyLen)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("generate vault key: %w", err)
	}
	if statePath != "" {
		if err := os.WriteFile(statePath, []byte(hex.EncodeToString(key)), 0o600); err != nil {
			return nil, fmt.Errorf("persist generated vault key: %w", err)
		}
	}
	if onGenerated != nil {
		onGenerated("no HUB_SECRET_KEY set; generated a new credential encryption key and saved it to " + statePath)
	}
	return key, nil
}

func decodeOrDeriveKey(secretKey string) []byte {
	if raw, err := hex.DecodeString(secretKey); err == nil && len(raw) == keyLen {
		return raw
	}
	if raw, err := base64.StdEncoding.DecodeString(secretKey); err == nil && len(raw) == keyLen {
		return raw
	}
	return argon2.IDKey([]byte(secretKey), passphraseSalt, argon2Time, argon2Memory, argon2Threads, keyLen)
}

// Encrypt returns an opaque base64 string encoding a random nonce followed
// by the AES-256-GCM sealed ciphertext.
func (v *Vault) Encrypt(plaintext string) (string, error) {
	block, err := aes.NewCipher(v.key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. It returns an error on tamper or key mismatch.
func (v *Vault) Decrypt(opaque string) (string, error) {
	if opaque == "" {
		return "", nil
	}
	raw, err := base64.StdEncoding.DecodeString(opaque)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}
	block, err := aes.NewCipher(v.key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	if len(raw) < gcm.NonceSize() {
		return "", errors.New("ciphertext too short")
	}
	nonce, data := raw[:gcm.NonceSize()], raw[gcm.NonceSize():]
	plain, err := gcm.Open(nil, nonce, data, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plain), nil
}

// Mask returns a display-safe form of plaintext: first 4 + ellipsis + last 4
// characters. Strings shorter than 8 characters mask to "****"; the empty
// string masks to itself.
func Mask(plaintext string) string {
	if plaintext == "" {
		return ""
	}
	if len(plaintext) < 8 {
		return "****"
	}
	return plaintext[:4] + "..." + plaintext[len(plaintext)-4:]
}
