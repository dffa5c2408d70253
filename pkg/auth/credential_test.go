package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestHashPassword(t *testing.T) {
	h := HashPassword("secret", "alice")
	assert.Len(t, h, 2*KeyLength)
	assert.Equal(t, h, HashPassword("secret", "alice"), "hash is deterministic")
	assert.NotEqual(t, h, HashPassword("secret", "bob"), "username salts the hash")
	assert.NotEqual(t, h, HashPassword("Secret", "alice"))
}

func TestSealVerify(t *testing.T) {
	cred := HashPassword("secret", "alice")
	sealed, err := Seal(cred)
	require.NoError(t, err)
	assert.NotEqual(t, cred, sealed)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(sealed), []byte(cred)))

	assert.NoError(t, Verify(sealed, &cred))

	wrong := HashPassword("guess", "alice")
	assert.ErrorIs(t, Verify(sealed, &wrong), ErrBadCredential)
	assert.ErrorIs(t, Verify(sealed, nil), ErrMissingCredential)

	empty := ""
	assert.ErrorIs(t, Verify(sealed, &empty), ErrMissingCredential)
}

func TestVerifyOpenAccount(t *testing.T) {
	assert.NoError(t, Verify("", nil))
	anything := "whatever"
	assert.NoError(t, Verify("", &anything))
}
