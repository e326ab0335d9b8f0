package auth_test

import (
	"testing"

	"github.com/Alia5/CANIPER/internal/server/api/auth"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateKey(t *testing.T) {
	a, err := auth.GenerateKey()
	require.NoError(t, err)
	b, err := auth.GenerateKey()
	require.NoError(t, err)

	assert.Regexp(t, "^[0-9A-Za-z]{16}$", a)
	assert.NotEqual(t, a, b)
}

func TestDeriveKey(t *testing.T) {
	tests := []struct {
		name     string
		password string
		wantErr  error
	}{
		{name: "short", password: "1"},
		{name: "plain", password: "password123"},
		{name: "unicode", password: "dkfghdfg90d78h350ß8dgfjkdfg#---23489dfg!!!@!@#$$%&/()="},
		{name: "empty", password: "", wantErr: auth.ErrEmptyPassword},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key, err := auth.DeriveKey(tt.password)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Len(t, key, 32)

			again, err := auth.DeriveKey(tt.password)
			require.NoError(t, err)
			assert.Equal(t, key, again, "derivation is deterministic")
		})
	}

	k1, _ := auth.DeriveKey("a")
	k2, _ := auth.DeriveKey("b")
	assert.NotEqual(t, k1, k2)
}

func TestSessionKey(t *testing.T) {
	key := make([]byte, 32)
	n := auth.Nonces{Client: make([]byte, 32), Server: make([]byte, 32)}
	for i := range key {
		key[i] = byte(i)
		n.Server[i] = byte(i + 10)
		n.Client[i] = byte(i + 20)
	}

	s1, err := auth.SessionKey(key, n)
	require.NoError(t, err)
	assert.Len(t, s1, 32)

	s2, err := auth.SessionKey(key, n)
	require.NoError(t, err)
	assert.Equal(t, s1, s2)

	n.Client[0] = 99
	s3, err := auth.SessionKey(key, n)
	require.NoError(t, err)
	assert.NotEqual(t, s1, s3)

	swapped, err := auth.SessionKey(key, auth.Nonces{Client: n.Server, Server: n.Client})
	require.NoError(t, err)
	assert.NotEqual(t, s3, swapped, "nonce roles are not interchangeable")
}
