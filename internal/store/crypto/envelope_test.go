package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRejectsShortKey(t *testing.T) {
	_, err := New([]byte("short"))
	assert.Error(t, err)
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	c, err := New([]byte("0123456789abcdef"))
	require.NoError(t, err)

	env, err := c.Encrypt([]byte("top secret"))
	require.NoError(t, err)
	assert.True(t, env.Encrypted)
	assert.NotContains(t, env.Data, "top secret")

	plaintext, err := c.Decrypt(env)
	require.NoError(t, err)
	assert.Equal(t, "top secret", string(plaintext))
}

func TestDecryptRejectsTruncatedEnvelope(t *testing.T) {
	c, err := New([]byte("0123456789abcdef"))
	require.NoError(t, err)
	_, err = c.Decrypt(Envelope{Encrypted: true, Data: "aGk="})
	assert.Error(t, err)
}

func TestAcceptsAllThreeAESKeyLengths(t *testing.T) {
	for _, n := range []int{16, 24, 32} {
		key := make([]byte, n)
		_, err := New(key)
		assert.NoError(t, err, "key length %d should be valid", n)
	}
}
