// Package auth derives and checks presence credentials.
//
// Clients never send a password. They send HashPassword(password, username),
// a hex pbkdf2-sha256 digest salted with the username. The server stores a
// bcrypt seal of that digest, so a leaked database does not hand out
// replayable credentials.
package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// Iterations matches the deployed clients and must not change.
	Iterations = 1000
	KeyLength  = sha256.Size
)

var (
	ErrBadCredential     = errors.New("bad credential")
	ErrMissingCredential = errors.New("credential required")
)

// HashPassword returns the wire credential for a password.
func HashPassword(password, username string) string {
	key := pbkdf2.Key([]byte(password), []byte(username), Iterations, KeyLength, sha256.New)
	return hex.EncodeToString(key)
}

// Seal prepares a wire credential for storage.
func Seal(credential string) (string, error) {
	sealed, err := bcrypt.GenerateFromPassword([]byte(credential), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(sealed), nil
}

// Verify checks a presented wire credential against a stored seal. An empty
// seal means the account was created without a credential and accepts any
// presence; a non-empty seal requires a matching credential.
func Verify(sealed string, presented *string) error {
	if sealed == "" {
		return nil
	}
	if presented == nil || *presented == "" {
		return ErrMissingCredential
	}
	if err := bcrypt.CompareHashAndPassword([]byte(sealed), []byte(*presented)); err != nil {
		return ErrBadCredential
	}
	return nil
}
