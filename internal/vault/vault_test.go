package vault

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestVault(t *testing.T) *Vault {
	t.Helper()
	v, err := NewFromConfig("", "test-jwt-secret")
	require.NoError(t, err)
	return v
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	v := newTestVault(t)

	for _, plain := range []string{
		"hunter2",
		"M.C519_BAY.0.U.-Ck6bFeA2eqCe0Qo",
		"密码with-unicode✓",
	} {
		enc, err := v.Encrypt(plain)
		require.NoError(t, err)
		assert.True(t, IsEncrypted(enc))
		assert.NotContains(t, enc, plain)
		assert.Equal(t, plain, v.Decrypt(enc))
	}
}

func TestEncryptEmptyStaysEmpty(t *testing.T) {
	v := newTestVault(t)
	enc, err := v.Encrypt("")
	require.NoError(t, err)
	assert.Equal(t, "", enc)
}

func TestEncryptProducesUniqueCiphertext(t *testing.T) {
	v := newTestVault(t)
	a, err := v.Encrypt("same-secret")
	require.NoError(t, err)
	b, err := v.Encrypt("same-secret")
	require.NoError(t, err)
	assert.NotEqual(t, a, b, "nonce must differ per call")
}

func TestDecryptLegacyPlaintextPassesThrough(t *testing.T) {
	v := newTestVault(t)
	assert.Equal(t, "plain-old-password", v.Decrypt("plain-old-password"))
	assert.Equal(t, "", v.Decrypt(""))
}

func TestDecryptGarbagePassesThrough(t *testing.T) {
	v := newTestVault(t)
	// Prefixed but not valid base64.
	assert.Equal(t, "enc:!!!not-base64!!!", v.Decrypt("enc:!!!not-base64!!!"))

	// Valid ciphertext under a different key fails auth and comes back as-is.
	other, err := NewFromConfig("", "another-secret")
	require.NoError(t, err)
	enc, err := other.Encrypt("secret")
	require.NoError(t, err)
	assert.Equal(t, enc, v.Decrypt(enc))
}

func TestEncryptIfNeeded(t *testing.T) {
	v := newTestVault(t)

	enc, changed, err := v.EncryptIfNeeded("raw-password")
	require.NoError(t, err)
	assert.True(t, changed)
	assert.True(t, IsEncrypted(enc))

	again, changed, err := v.EncryptIfNeeded(enc)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, enc, again)

	empty, changed, err := v.EncryptIfNeeded("")
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, "", empty)
}

func TestResolveKeyForms(t *testing.T) {
	derived := ResolveKey("", "jwt-secret")
	assert.Len(t, derived, 32)

	raw32 := strings.Repeat("k", 32)
	assert.Equal(t, []byte(raw32), ResolveKey(raw32, ""))

	hexKey := strings.Repeat("ab", 32)
	assert.Len(t, ResolveKey(hexKey, ""), 32)

	// Arbitrary strings still yield a usable 32-byte key.
	assert.Len(t, ResolveKey("short", ""), 32)
}
