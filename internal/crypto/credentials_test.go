package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealOpen_RoundTrip(t *testing.T) {
	box, err := NewCredentialBox("a-very-secret-encryption-key-value")
	require.NoError(t, err)

	plaintext := []byte("session=abc123; auth=xyz789")
	sealed, err := box.Seal(plaintext)
	require.NoError(t, err)
	assert.NotEqual(t, plaintext, sealed)

	opened, err := box.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, plaintext, opened)
}

func TestSeal_ProducesDistinctCiphertextsEachTime(t *testing.T) {
	box, err := NewCredentialBox("a-very-secret-encryption-key-value")
	require.NoError(t, err)

	a, err := box.Seal([]byte("same plaintext"))
	require.NoError(t, err)
	b, err := box.Seal([]byte("same plaintext"))
	require.NoError(t, err)
	assert.NotEqual(t, a, b, "fresh nonce per call should make ciphertexts differ")
}

func TestOpen_RejectsTamperedCiphertext(t *testing.T) {
	box, err := NewCredentialBox("a-very-secret-encryption-key-value")
	require.NoError(t, err)

	sealed, err := box.Seal([]byte("secret"))
	require.NoError(t, err)
	sealed[len(sealed)-1] ^= 0xFF

	_, err = box.Open(sealed)
	assert.Error(t, err)
}

func TestNewCredentialBox_RejectsEmptySecret(t *testing.T) {
	_, err := NewCredentialBox("")
	assert.Error(t, err)
}

func TestOpen_RejectsShortBlob(t *testing.T) {
	box, err := NewCredentialBox("a-very-secret-encryption-key-value")
	require.NoError(t, err)
	_, err = box.Open([]byte("short"))
	assert.Error(t, err)
}
