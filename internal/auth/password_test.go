package auth

import (
	"errors"
	"strings"
	"testing"
)

func TestPassword_HashCost(t *testing.T) {
	t.Parallel()

	hash, err := HashPassword("hunter22")
	if err != nil {
		t.Fatalf("HashPassword() error: %v", err)
	}
	if !strings.HasPrefix(hash, "$2a$12$") {
		t.Errorf("hash %q, want bcrypt cost 12", hash)
	}
}

func TestVerifyDummy(t *testing.T) {
	t.Parallel()

	if err := VerifyDummy("anything"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("VerifyDummy() = %v, want ErrInvalidCredentials", err)
	}
	if err := VerifyDummy(""); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("VerifyDummy(empty) = %v, want ErrInvalidCredentials", err)
	}
}
