// Package token inspects bearer tokens supplied as run inputs.
// Tokens are opaque to the runner; when a token happens to be a JWT its
// claims are read without verification so expiry can be reported early.
package token

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Info holds the claims of interest from a JWT bearer token.
type Info struct {
	Issuer    string    // iss
	Subject   string    // sub
	Audience  []string  // aud
	Scopes    []string  // scope, space separated
	ExpiresAt time.Time // zero when the token carries no exp
}

// Expired reports whether the token expiry is before now.
func (i *Info) Expired(now time.Time) bool {
	return !i.ExpiresAt.IsZero() && now.After(i.ExpiresAt)
}

// LooksLikeJWT reports whether s has the three dot-separated segments of a compact JWS.
func LooksLikeJWT(s string) bool {
	return strings.Count(s, ".") == 2 && !strings.ContainsAny(s, " \t\r\n")
}

// Inspect parses a JWT without verifying its signature.
// The FHIR server is the only party that can verify it.
func Inspect(tokenString string) (*Info, error) {
	parsed, _, err := new(jwt.Parser).ParseUnverified(tokenString, jwt.MapClaims{})
	if err != nil {
		return nil, fmt.Errorf("failed to parse JWT: %w", err)
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("invalid JWT claims")
	}

	info := &Info{}
	info.Issuer, _ = claims.GetIssuer()
	info.Subject, _ = claims.GetSubject()
	if aud, err := claims.GetAudience(); err == nil {
		info.Audience = aud
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		info.ExpiresAt = exp.Time
	}
	if scope, ok := claims["scope"].(string); ok {
		info.Scopes = strings.Fields(scope)
	}
	return info, nil
}
