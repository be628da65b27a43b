// verifier.go -- Session token verification against the auth provider's JWKS.
//
// The auth provider signs short-lived session JWTs and publishes its keys at
// a JWKS endpoint. The gateway verifies signatures remotely-keyed, so it
// never shares a secret with the provider and key rotation needs no redeploy.
package identity

import (
	"context"
	"fmt"

	"github.com/coreos/go-oidc/v3/oidc"
)

// OIDCVerifier validates session JWTs against a remote key set.
type OIDCVerifier struct {
	verifier *oidc.IDTokenVerifier
}

// NewOIDCVerifier builds a verifier for tokens issued by issuer, with keys
// fetched (and cached) from jwksURL. ctx bounds the lifetime of background
// key refreshes, so pass the process context, not a request context.
func NewOIDCVerifier(ctx context.Context, issuer, jwksURL string) *OIDCVerifier {
	keySet := oidc.NewRemoteKeySet(ctx, jwksURL)
	return &OIDCVerifier{
		// The session JWT has no OAuth client audience -- it is the auth
		// provider's own token, not a third-party grant.
		verifier: oidc.NewVerifier(issuer, keySet, &oidc.Config{SkipClientIDCheck: true}),
	}
}

// Verify checks the signature, issuer, and expiry of rawToken and returns its
// subject claim.
func (v *OIDCVerifier) Verify(ctx context.Context, rawToken string) (string, error) {
	token, err := v.verifier.Verify(ctx, rawToken)
	if err != nil {
		return "", fmt.Errorf("verifying session token: %w", err)
	}
	if token.Subject == "" {
		return "", fmt.Errorf("session token has no subject")
	}
	return token.Subject, nil
}
