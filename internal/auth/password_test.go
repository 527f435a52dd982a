// internal/auth/password_test.go
package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashAndVerifyRoomPassword(t *testing.T) {
	hash, err := HashRoomPassword("swordfish")
	require.NoError(t, err)
	assert.Contains(t, hash, "$argon2id$")

	ok, err := VerifyRoomPassword("swordfish", hash)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = VerifyRoomPassword("sw0rdfish", hash)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHashesAreSalted(t *testing.T) {
	a, err := HashRoomPassword("same")
	require.NoError(t, err)
	b, err := HashRoomPassword("same")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestVerifyRejectsMalformedHash(t *testing.T) {
	_, err := VerifyRoomPassword("x", "not-an-encoded-hash")
	assert.ErrorIs(t, err, ErrInvalidHash)
}

func TestJWTRoundTrip(t *testing.T) {
	require.NoError(t, Init())

	token, err := CreateJWT("9f4c7f0a-8a2e-4c0f-9e7d-0f4a1c2b3d4e")
	require.NoError(t, err)

	sub, err := AuthenticateJWT(token)
	require.NoError(t, err)
	assert.Equal(t, "9f4c7f0a-8a2e-4c0f-9e7d-0f4a1c2b3d4e", sub)

	_, err = AuthenticateJWT(token + "tamper")
	assert.Error(t, err)
}
