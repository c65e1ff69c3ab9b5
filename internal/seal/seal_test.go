package seal

import (
	"crypto/rand"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/nacl/box"
)

func TestBoxSealer_OpensWithPrivateKey(t *testing.T) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	require.NoError(t, err)

	sealed, err := BoxSealer{}.Seal([]byte("aGVsbG8="), pub[:])
	require.NoError(t, err)
	assert.Len(t, sealed, len("aGVsbG8=")+box.AnonymousOverhead)

	opened, ok := box.OpenAnonymous(nil, sealed, pub, priv)
	require.True(t, ok)
	assert.Equal(t, "aGVsbG8=", string(opened))
}

func TestBoxSealer_EmptyPlaintext(t *testing.T) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	require.NoError(t, err)

	sealed, err := BoxSealer{}.Seal(nil, pub[:])
	require.NoError(t, err)

	opened, ok := box.OpenAnonymous(nil, sealed, pub, priv)
	require.True(t, ok)
	assert.Empty(t, opened)
}

func TestBoxSealer_RejectsShortKey(t *testing.T) {
	_, err := BoxSealer{}.Seal([]byte("x"), make([]byte, 16))
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestSealString(t *testing.T) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	require.NoError(t, err)
	encodedKey := base64.StdEncoding.EncodeToString(pub[:])

	out, err := SealString(BoxSealer{}, "secret-value", encodedKey)
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(out)
	require.NoError(t, err)
	opened, ok := box.OpenAnonymous(nil, raw, pub, priv)
	require.True(t, ok)
	assert.Equal(t, "secret-value", string(opened))
}

func TestDecodeKey_Invalid(t *testing.T) {
	_, err := DecodeKey("%%%")
	assert.ErrorIs(t, err, ErrInvalidKey)

	_, err = DecodeKey(base64.StdEncoding.EncodeToString([]byte("short")))
	assert.ErrorIs(t, err, ErrInvalidKey)
}
