package token

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/go-cmp/cmp"
)

func signed(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return s
}

func TestInspect(t *testing.T) {
	exp := time.Now().Add(-time.Hour).Truncate(time.Second)
	tok := signed(t, jwt.MapClaims{
		"iss":   "https://auth.example.org",
		"sub":   "client-1",
		"aud":   "https://fhir.example.org",
		"exp":   exp.Unix(),
		"scope": "launch/patient patient/*.read",
	})

	if !LooksLikeJWT(tok) {
		t.Fatalf("LooksLikeJWT() = false for a signed token")
	}

	info, err := Inspect(tok)
	if err != nil {
		t.Fatalf("Inspect() error = %v", err)
	}
	if info.Issuer != "https://auth.example.org" || info.Subject != "client-1" {
		t.Errorf("Inspect() iss/sub = %q/%q", info.Issuer, info.Subject)
	}
	if diff := cmp.Diff([]string{"launch/patient", "patient/*.read"}, info.Scopes); diff != "" {
		t.Errorf("Scopes mismatch (-want +got):\n%s", diff)
	}
	if !info.ExpiresAt.Equal(exp) {
		t.Errorf("ExpiresAt = %v, want %v", info.ExpiresAt, exp)
	}
	if !info.Expired(time.Now()) {
		t.Errorf("Expired() = false for a token that expired an hour ago")
	}
}

func TestInspectOpaque(t *testing.T) {
	if LooksLikeJWT("SAMPLE_TOKEN") {
		t.Errorf("LooksLikeJWT() = true for an opaque token")
	}
	if _, err := Inspect("not.a.jwt"); err == nil {
		t.Errorf("Inspect() accepted a malformed token")
	}
	if (&Info{}).Expired(time.Now()) {
		t.Errorf("a token without exp must not be reported as expired")
	}
}
