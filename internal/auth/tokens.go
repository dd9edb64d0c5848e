package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenLifetime is how long a minted bearer token stays valid.
const TokenLifetime = 24 * time.Hour

// Token verification failures. Expired and malformed are distinct so the
// front door can log them apart, but both surface to clients as
// not-authenticated.
var (
	ErrTokenExpired   = errors.New("token expired")
	ErrTokenMalformed = errors.New("token malformed")
)

// TokenIssuer mints and verifies HMAC-signed bearer tokens carrying the
// account id as subject.
type TokenIssuer struct {
	secret []byte

	// now returns the current time; overridable in tests.
	now func() time.Time
}

// NewTokenIssuer builds a TokenIssuer from the signing secret. An empty
// secret is refused — the caller treats that as a fatal startup error, never
// a silent default.
func NewTokenIssuer(secret string) (*TokenIssuer, error) {
	if secret == "" {
		return nil, errors.New("signing secret must not be empty")
	}
	return &TokenIssuer{secret: []byte(secret), now: time.Now}, nil
}

// Mint signs a bearer token for the account.
func (ti *TokenIssuer) Mint(accountID int64) (string, error) {
	now := ti.now().UTC()
	claims := jwt.MapClaims{
		"user_id": accountID,
		"iat":     now.Unix(),
		"exp":     now.Add(TokenLifetime).Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(ti.secret)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return token, nil
}

// Verify validates a bearer token and returns the account id it carries.
// Returns ErrTokenExpired for an expired but otherwise valid token, and
// ErrTokenMalformed for everything else (forged signature, wrong algorithm,
// missing claims).
func (ti *TokenIssuer) Verify(tokenString string) (int64, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(ti.now),
	)
	token, err := parser.Parse(tokenString, func(*jwt.Token) (any, error) {
		return ti.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return 0, ErrTokenExpired
		}
		return 0, ErrTokenMalformed
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return 0, ErrTokenMalformed
	}
	id, ok := claims["user_id"].(float64)
	if !ok || id <= 0 {
		return 0, ErrTokenMalformed
	}
	return int64(id), nil
}
