package fhirtwin

import (
	"crypto/rand"
	"crypto/subtle"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/oklog/ulid/v2"
)

// OAuthConfig describes the single client the token endpoint serves.
type OAuthConfig struct {
	ClientID     string
	ClientSecret string // Empty accepts public clients
	RefreshToken string
	Scope        string
	TokenTTL     time.Duration // Lifetime of issued access tokens, default one hour
}

// tokenIssuer mints HS256 access tokens for refresh_token grants.
type tokenIssuer struct {
	cfg    OAuthConfig
	secret []byte
	issued atomic.Int64
	now    func() time.Time
}

func newTokenIssuer(cfg OAuthConfig) *tokenIssuer {
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = time.Hour
	}
	if cfg.Scope == "" {
		cfg.Scope = "launch/patient openid fhirUser offline_access patient/*.read"
	}
	secret := make([]byte, 32)
	_, _ = rand.Read(secret)
	return &tokenIssuer{cfg: cfg, secret: secret, now: time.Now}
}

// Issue returns a signed access token and its lifetime.
func (t *tokenIssuer) Issue(issuer string) (string, time.Duration, error) {
	now := t.now()
	claims := jwt.MapClaims{
		"iss":   issuer,
		"sub":   t.cfg.ClientID,
		"aud":   issuer,
		"iat":   now.Unix(),
		"exp":   now.Add(t.cfg.TokenTTL).Unix(),
		"jti":   ulid.Make().String(),
		"scope": t.cfg.Scope,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", 0, err
	}
	t.issued.Add(1)
	return signed, t.cfg.TokenTTL, nil
}

// Valid reports whether tok was issued here and has not expired.
func (t *tokenIssuer) Valid(tok string) bool {
	parsed, err := jwt.Parse(tok, func(*jwt.Token) (interface{}, error) {
		return t.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(t.now))
	return err == nil && parsed.Valid
}

// Issued returns the number of tokens minted.
func (t *tokenIssuer) Issued() int {
	return int(t.issued.Load())
}

func (s *Server) handleSmartConfiguration(w http.ResponseWriter, r *http.Request) {
	if s.tokens == nil {
		writeOutcome(w, http.StatusNotFound, "not-found", "SMART on FHIR is not enabled")
		return
	}
	base := baseURL(r)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"issuer":                                base,
		"token_endpoint":                        base + "/token",
		"token_endpoint_auth_methods_supported": []string{"client_secret_basic", "client_secret_post"},
		"grant_types_supported":                 []string{"refresh_token"},
		"scopes_supported":                      strings.Fields(s.tokens.cfg.Scope),
		"capabilities":                          []string{"client-confidential-symmetric", "permission-offline"},
	})
}

// handleToken serves the refresh_token grant of RFC 6749 section 6.
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if s.tokens == nil {
		oauthError(w, http.StatusNotFound, "invalid_request", "token endpoint is not enabled")
		return
	}
	if err := r.ParseForm(); err != nil {
		oauthError(w, http.StatusBadRequest, "invalid_request", "malformed form body")
		return
	}

	clientID, clientSecret, ok := r.BasicAuth()
	if !ok {
		clientID, clientSecret = r.PostForm.Get("client_id"), r.PostForm.Get("client_secret")
	}
	cfg := s.tokens.cfg
	if cfg.ClientID != "" && clientID != "" && clientID != cfg.ClientID {
		oauthError(w, http.StatusUnauthorized, "invalid_client", "unknown client")
		return
	}
	if cfg.ClientSecret != "" && subtle.ConstantTimeCompare([]byte(clientSecret), []byte(cfg.ClientSecret)) != 1 {
		oauthError(w, http.StatusUnauthorized, "invalid_client", "client authentication failed")
		return
	}

	if gt := r.PostForm.Get("grant_type"); gt != "refresh_token" {
		oauthError(w, http.StatusBadRequest, "unsupported_grant_type", "grant_type "+gt+" is not supported")
		return
	}
	rt := r.PostForm.Get("refresh_token")
	if rt == "" || subtle.ConstantTimeCompare([]byte(rt), []byte(cfg.RefreshToken)) != 1 {
		oauthError(w, http.StatusBadRequest, "invalid_grant", "refresh token is not valid")
		return
	}

	access, ttl, err := s.tokens.Issue(baseURL(r))
	if err != nil {
		oauthError(w, http.StatusInternalServerError, "server_error", "failed to sign token")
		return
	}
	s.logger.Info("access token issued", "clientId", clientID, "expiresIn", ttl)

	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"access_token":  access,
		"token_type":    "Bearer",
		"expires_in":    int(ttl.Seconds()),
		"scope":         cfg.Scope,
		"refresh_token": cfg.RefreshToken,
	})
}

func oauthError(w http.ResponseWriter, status int, code, desc string) {
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, status, map[string]string{"error": code, "error_description": desc})
}
