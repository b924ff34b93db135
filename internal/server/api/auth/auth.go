// Package auth implements the optional password authentication of the
// management API: a PBKDF2 derived key, an HMAC challenge exchanged at the
// start of a connection, and a ChaCha20-Poly1305 framed stream afterwards.
package auth

import (
	"crypto/pbkdf2"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"math/big"
	"slices"
)

const (
	keyAlphabet   = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"
	generatedLen  = 16
	keySalt       = "usbtest-Key-v1"
	keyIterations = 100_000
	sessionLabel  = "usbtest-Session-v1"
)

// ErrEmptyPassword is returned by DeriveKey for an empty password.
var ErrEmptyPassword = errors.New("password cannot be empty")

// GenerateKey returns a random 16 character alphanumeric password.
func GenerateKey() (string, error) {
	n := big.NewInt(int64(len(keyAlphabet)))
	key := make([]byte, generatedLen)
	for i := range key {
		c, err := rand.Int(rand.Reader, n)
		if err != nil {
			return "", err
		}
		key[i] = keyAlphabet[c.Int64()]
	}
	return string(key), nil
}

// DeriveKey stretches password into the 32 byte key both sides hold.
func DeriveKey(password string) ([]byte, error) {
	if password == "" {
		return nil, ErrEmptyPassword
	}
	return pbkdf2.Key(sha256.New, password, []byte(keySalt), keyIterations, 32)
}

// DeriveSessionKey binds key to one connection through both handshake
// nonces.
func DeriveSessionKey(key, serverNonce, clientNonce []byte) []byte {
	sum := sha256.Sum256(slices.Concat(key, serverNonce, clientNonce, []byte(sessionLabel)))
	return sum[:]
}
