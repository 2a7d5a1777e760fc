package connections

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCipherRoundTrip(t *testing.T) {
	c, err := NewCipher("", "fallback-jwt-secret")
	require.NoError(t, err)

	creds := map[string]string{
		"access_token":  "oauth-access-token-value",
		"refresh_token": "oauth-refresh-token-value",
	}
	sealed, err := c.Seal(creds)
	require.NoError(t, err)
	assert.NotContains(t, string(sealed), "oauth-access-token-value")

	got, err := c.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, creds, got)
}

func TestCipherWrongKeyFails(t *testing.T) {
	a, err := NewCipher("", "secret-a")
	require.NoError(t, err)
	b, err := NewCipher("", "secret-b")
	require.NoError(t, err)

	sealed, err := a.Seal(map[string]string{"access_key": "AKIA"})
	require.NoError(t, err)

	_, err = b.Open(sealed)
	assert.ErrorIs(t, err, errDecrypt)
}

func TestCipherTamperDetected(t *testing.T) {
	c, err := NewCipher("", "secret")
	require.NoError(t, err)

	sealed, err := c.Seal(map[string]string{"k": "v"})
	require.NoError(t, err)
	sealed[len(sealed)-1] ^= 0xff

	_, err = c.Open(sealed)
	assert.ErrorIs(t, err, errDecrypt)
}

func TestCipherEmptyBlob(t *testing.T) {
	c, err := NewCipher("", "secret")
	require.NoError(t, err)

	sealed, err := c.Seal(nil)
	require.NoError(t, err)
	assert.Nil(t, sealed)

	got, err := c.Open(nil)
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)

	_, err = c.Open([]byte("short"))
	assert.ErrorIs(t, err, errDecrypt)
}

func TestCipherExplicitHexKey(t *testing.T) {
	key := "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"
	c1, err := NewCipher(key, "")
	require.NoError(t, err)
	c2, err := NewCipher(key, "different-fallback-is-ignored")
	require.NoError(t, err)

	sealed, err := c1.Seal(map[string]string{"token": "abc"})
	require.NoError(t, err)
	got, err := c2.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "abc", got["token"])

	_, err = NewCipher("not-hex", "")
	assert.Error(t, err)
	_, err = NewCipher("abcd", "")
	assert.Error(t, err)
}
