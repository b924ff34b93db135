package auth_test

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Alia5/usbtest/internal/server/api/auth"
)

func TestGenerateKey(t *testing.T) {
	seen := map[string]bool{}
	for range 8 {
		key, err := auth.GenerateKey()
		require.NoError(t, err)
		assert.Regexp(t, "^[0-9A-Za-z]{16}$", key)
		seen[key] = true
	}
	assert.Greater(t, len(seen), 1)
}

func TestDeriveKeyVectors(t *testing.T) {
	vectors := map[string]string{
		"password123": "7b116639b58650780c979d0b6d6231786ddecb8e88cdf1d0794e55dd1ebb7579",
		"1":           "c4982c264042ba59b6e189f0f1690a91403c6a34471fe9496312eb3883097b9f",
		"usbtest":     "d602082c2490062d3bd5111b55f2109f3a078ba53662946d562131d06aa77b9c",
	}
	for password, want := range vectors {
		key, err := auth.DeriveKey(password)
		require.NoError(t, err, password)
		assert.Equal(t, want, hex.EncodeToString(key), password)
	}

	_, err := auth.DeriveKey("")
	assert.ErrorIs(t, err, auth.ErrEmptyPassword)
}

func TestDeriveSessionKeyBindsNonces(t *testing.T) {
	key, server, client := make([]byte, 32), make([]byte, 32), make([]byte, 32)
	for i := range key {
		key[i], server[i], client[i] = byte(i), byte(i+10), byte(i+20)
	}

	sk := auth.DeriveSessionKey(key, server, client)
	assert.Equal(t, "8f5dce079b6434504a07aa5e4beb91ec6ec7eb210a81a4383f2d310d07f8ca3a", hex.EncodeToString(sk))
	assert.NotEqual(t, sk, auth.DeriveSessionKey(key, client, server), "nonce order matters")
}

func BenchmarkDeriveKey(b *testing.B) {
	for b.Loop() {
		_, _ = auth.DeriveKey("benchmark")
	}
}
