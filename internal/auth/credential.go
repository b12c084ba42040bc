package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
)

// Credential is the bearer token attached to outbound operations. A zero
// Expiry means the expiry is unknown.
type Credential struct {
	AccessToken string
	Expiry      time.Time
}

// Bearer returns the Authorization header value, or "" for an empty credential.
func (c Credential) Bearer() string {
	if c.AccessToken == "" {
		return ""
	}

	return "Bearer " + c.AccessToken
}

// Expired reports whether the credential is known to be expired at now.
// Credentials without an expiry are never considered expired locally; the
// server tells us instead.
func (c Credential) Expired(now time.Time) bool {
	return !c.Expiry.IsZero() && !now.Before(c.Expiry)
}

// CredentialFromToken converts an oauth2 token. When the token response did
// not carry expires_in, the expiry is read from the access token's JWT "exp"
// claim if it has one.
func CredentialFromToken(tok *oauth2.Token) Credential {
	if tok == nil {
		return Credential{}
	}

	c := Credential{AccessToken: tok.AccessToken, Expiry: tok.Expiry}
	if c.Expiry.IsZero() {
		if claims, ok := parseClaims(tok.AccessToken); ok && claims.ExpiresAt != nil {
			c.Expiry = claims.ExpiresAt.Time
		}
	}

	return c
}

// IdentityFromAccessToken returns the "sub" claim of a JWT access token, or
// "" when the token is opaque.
func IdentityFromAccessToken(accessToken string) string {
	claims, ok := parseClaims(accessToken)
	if !ok {
		return ""
	}

	return claims.Subject
}

// parseClaims decodes JWT claims without verifying the signature. The client
// only needs hints (expiry, subject); the server remains the authority.
func parseClaims(accessToken string) (*jwt.RegisteredClaims, bool) {
	if accessToken == "" {
		return nil, false
	}

	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(accessToken, claims); err != nil {
		return nil, false
	}

	return claims, true
}
