// Package vault encrypts mailbox credentials at rest.
//
// Values are sealed with AES-256-GCM and stored as "enc:" + base64(nonce||ct).
// Databases migrated from older deployments still hold plaintext passwords
// and refresh tokens, so Decrypt passes anything without the scheme prefix
// through unchanged.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
)

const encPrefix = "enc:"

// Vault seals and opens credential strings with a single symmetric key.
type Vault struct {
	aead cipher.AEAD
}

// New creates a Vault from a 32-byte key.
func New(key []byte) (*Vault, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("vault: key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("vault: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("vault: %w", err)
	}
	return &Vault{aead: aead}, nil
}

// NewFromConfig resolves the key material the way deployments configure it:
// an explicit encryption key (raw 32 bytes, base64, or hex), or when unset,
// a key derived from the JWT secret by SHA-256.
func NewFromConfig(encryptionKey, jwtSecret string) (*Vault, error) {
	return New(ResolveKey(encryptionKey, jwtSecret))
}

// ResolveKey turns the configured key string into 32 bytes of key material.
func ResolveKey(encryptionKey, jwtSecret string) []byte {
	if encryptionKey == "" {
		sum := sha256.Sum256([]byte(jwtSecret))
		return sum[:]
	}
	if raw, err := base64.StdEncoding.DecodeString(encryptionKey); err == nil && len(raw) == 32 {
		return raw
	}
	if raw, err := base64.URLEncoding.DecodeString(encryptionKey); err == nil && len(raw) == 32 {
		return raw
	}
	if raw, err := hex.DecodeString(encryptionKey); err == nil && len(raw) == 32 {
		return raw
	}
	if len(encryptionKey) == 32 {
		return []byte(encryptionKey)
	}
	sum := sha256.Sum256([]byte(encryptionKey))
	return sum[:]
}

// Encrypt seals plain with a fresh random nonce. Empty input stays empty.
func (v *Vault) Encrypt(plain string) (string, error) {
	if plain == "" {
		return "", nil
	}
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("vault: nonce: %w", err)
	}
	sealed := v.aead.Seal(nonce, nonce, []byte(plain), nil)
	return encPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a stored value. Values without the scheme prefix are legacy
// plaintext and come back verbatim; so does anything that fails to decode or
// authenticate, matching how reads behaved before encryption was introduced.
func (v *Vault) Decrypt(stored string) string {
	if !IsEncrypted(stored) {
		return stored
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(stored, encPrefix))
	if err != nil || len(raw) < v.aead.NonceSize() {
		return stored
	}
	nonce, ct := raw[:v.aead.NonceSize()], raw[v.aead.NonceSize():]
	plain, err := v.aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return stored
	}
	return string(plain)
}

// EncryptIfNeeded seals a value unless it already carries the scheme prefix.
// The second result reports whether the value changed; the bulk credential
// migration uses it to count conversions.
func (v *Vault) EncryptIfNeeded(stored string) (string, bool, error) {
	if stored == "" || IsEncrypted(stored) {
		return stored, false, nil
	}
	enc, err := v.Encrypt(stored)
	if err != nil {
		return stored, false, err
	}
	return enc, true, nil
}

// IsEncrypted reports whether a stored value carries the encryption prefix.
func IsEncrypted(s string) bool {
	return strings.HasPrefix(s, encPrefix)
}
