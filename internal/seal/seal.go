// Package seal encrypts values for a destination that holds the matching
// private key. The default Sealer produces libsodium sealed boxes, which is
// the format GitHub expects for Actions secrets.
package seal

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/nacl/box"
)

// KeySize is the length of a Curve25519 public key.
const KeySize = 32

// ErrInvalidKey is returned when a public key has the wrong length or encoding.
var ErrInvalidKey = errors.New("invalid public key")

// Sealer encrypts plaintext so that only the owner of publicKey can read it.
type Sealer interface {
	Seal(plaintext, publicKey []byte) ([]byte, error)
}

// BoxSealer implements Sealer with anonymous NaCl boxes (crypto_box_seal).
type BoxSealer struct {
	// Rand is the entropy source for the ephemeral key. Defaults to crypto/rand.
	Rand io.Reader
}

// Seal encrypts plaintext for publicKey.
func (s BoxSealer) Seal(plaintext, publicKey []byte) ([]byte, error) {
	if len(publicKey) != KeySize {
		return nil, fmt.Errorf("%w: want %d bytes, got %d", ErrInvalidKey, KeySize, len(publicKey))
	}
	var key [KeySize]byte
	copy(key[:], publicKey)

	r := s.Rand
	if r == nil {
		r = rand.Reader
	}

	out, err := box.SealAnonymous(nil, plaintext, &key, r)
	if err != nil {
		return nil, fmt.Errorf("seal: %w", err)
	}
	return out, nil
}

// DecodeKey parses a base64 public key as served by the GitHub API.
func DecodeKey(encoded string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: want %d bytes, got %d", ErrInvalidKey, KeySize, len(key))
	}
	return key, nil
}

// SealString seals value for the base64-encoded public key and returns the
// base64 ciphertext, ready to send as an encrypted secret value.
func SealString(s Sealer, value, encodedKey string) (string, error) {
	key, err := DecodeKey(encodedKey)
	if err != nil {
		return "", err
	}
	sealed, err := s.Seal([]byte(value), key)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sealed), nil
}
