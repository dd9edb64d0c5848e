package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/coreos/go-oidc/v3/oidc"
)

// External assertion failures.
var (
	// ErrAssertionInvalid is returned for an unverifiable or mis-audienced
	// assertion.
	ErrAssertionInvalid = errors.New("invalid identity assertion")

	// ErrExternalNotConfigured is returned when no external identity issuer
	// is configured.
	ErrExternalNotConfigured = errors.New("external identity not configured")
)

// ExternalIdentity is the verified result of a third-party assertion: a
// stable opaque subject and the asserted email, if any.
type ExternalIdentity struct {
	Subject string
	Email   string
}

// ExternalVerifier verifies externally issued identity assertions.
type ExternalVerifier interface {
	VerifyAssertion(ctx context.Context, assertion string) (*ExternalIdentity, error)
}

const googleIssuer = "https://accounts.google.com"

// googleVerifier validates Google ID tokens against the issuer's published
// keys and the configured audience.
type googleVerifier struct {
	verifier *oidc.IDTokenVerifier
}

// NewGoogleVerifier builds an ExternalVerifier for Google ID tokens. It
// fetches the issuer's discovery document, so it needs network access at
// construction time.
func NewGoogleVerifier(ctx context.Context, clientID string) (ExternalVerifier, error) {
	if clientID == "" {
		return nil, ErrExternalNotConfigured
	}
	provider, err := oidc.NewProvider(ctx, googleIssuer)
	if err != nil {
		return nil, fmt.Errorf("discovering issuer %s: %w", googleIssuer, err)
	}
	return &googleVerifier{
		verifier: provider.Verifier(&oidc.Config{ClientID: clientID}),
	}, nil
}

func (g *googleVerifier) VerifyAssertion(ctx context.Context, assertion string) (*ExternalIdentity, error) {
	idToken, err := g.verifier.Verify(ctx, assertion)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAssertionInvalid, err)
	}

	var claims struct {
		Email string `json:"email"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("%w: decoding claims: %v", ErrAssertionInvalid, err)
	}

	return &ExternalIdentity{Subject: idToken.Subject, Email: claims.Email}, nil
}
