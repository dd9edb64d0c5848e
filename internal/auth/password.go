// Package auth implements the relay's identity primitives: password hashing,
// bearer-token mint/verify, and verification of externally issued identity
// assertions.
package auth

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// bcryptCost is the adaptive hash cost parameter. 12 keeps a verify around
// 250ms on current hardware, which also damps online guessing.
const bcryptCost = 12

// ErrInvalidCredentials is returned when a password does not match its hash.
var ErrInvalidCredentials = errors.New("invalid credentials")

// HashPassword derives a salted adaptive hash from a plaintext password.
func HashPassword(plaintext string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(plaintext), bcryptCost)
	if err != nil {
		return "", fmt.Errorf("hashing password: %w", err)
	}
	return string(hash), nil
}

// VerifyPassword checks a plaintext password against a stored hash. It
// returns ErrInvalidCredentials on mismatch and on an empty stored hash
// (externally authenticated accounts have no password).
func VerifyPassword(plaintext, hash string) error {
	if hash == "" {
		return ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(plaintext)); err != nil {
		return ErrInvalidCredentials
	}
	return nil
}

// dummyHash is a throwaway hash at the standard cost, built once per process.
var dummyHash = sync.OnceValue(func() []byte {
	h, err := bcrypt.GenerateFromPassword([]byte("simbridge timing equalizer"), bcryptCost)
	if err != nil {
		panic(err)
	}
	return h
})

// VerifyDummy burns a full hash comparison against a hash that matches
// nothing. Callers use it to keep requests for nonexistent identities as
// slow as requests with a wrong password. It always returns
// ErrInvalidCredentials.
func VerifyDummy(plaintext string) error {
	_ = bcrypt.CompareHashAndPassword(dummyHash(), []byte(plaintext))
	return ErrInvalidCredentials
}
