package crypto

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(t *testing.T) string {
	t.Helper()
	key := make([]byte, KeySize)
	for i := range key {
		key[i] = byte(i)
	}
	return base64.StdEncoding.EncodeToString(key)
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	km, err := NewKeyManager(testKey(t))
	require.NoError(t, err)

	sealed, err := km.Encrypt("api-secret-value")
	require.NoError(t, err)
	assert.Contains(t, sealed, "ENC[v1]:")

	plain, err := km.Decrypt(sealed)
	require.NoError(t, err)
	assert.Equal(t, "api-secret-value", plain)
}

func TestDecryptRejectsGarbage(t *testing.T) {
	km, err := NewKeyManager(testKey(t))
	require.NoError(t, err)

	_, err = km.Decrypt("not-an-encrypted-value")
	assert.ErrorIs(t, err, ErrInvalidCiphertext)

	_, err = km.Decrypt("ENC[v1]:AAAA")
	assert.Error(t, err)
}

func TestNewKeyManagerRejectsShortKey(t *testing.T) {
	_, err := NewKeyManager(base64.StdEncoding.EncodeToString([]byte("short")))
	assert.ErrorIs(t, err, ErrInvalidKey)
}
