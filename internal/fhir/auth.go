package fhir

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"

	errordefs "github.com/RegistryAccord/uscore-conformance-go/internal/errors"
	"github.com/RegistryAccord/uscore-conformance-go/internal/model"
	"github.com/RegistryAccord/uscore-conformance-go/internal/smart"
)

// Authorizer sets credentials on an outgoing request.
type Authorizer interface {
	Authorize(ctx context.Context, req *http.Request) error
}

// NoAuth sends requests without an Authorization header.
type NoAuth struct{}

// Authorize implements Authorizer.
func (NoAuth) Authorize(context.Context, *http.Request) error { return nil }

// BearerAuth sends a fixed bearer token.
type BearerAuth string

// Authorize implements Authorizer.
func (b BearerAuth) Authorize(_ context.Context, req *http.Request) error {
	if b != "" {
		req.Header.Set("Authorization", "Bearer "+string(b))
	}
	return nil
}

// defaultTokenTimeout bounds a token refresh when no HTTP client is supplied.
const defaultTokenTimeout = 30 * time.Second

// OAuthAuth sends the access token from OAuth credentials and refreshes it
// through the token endpoint once it has expired. Refreshes run on the
// context of the request being authorized.
type OAuthAuth struct {
	cfg   *oauth2.Config // nil when the credentials cannot be refreshed
	hc    *http.Client
	mu    sync.Mutex
	tok   *oauth2.Token
	creds model.OAuthCredentials
}

// NewOAuthAuth builds an Authorizer from credentials. When the credentials can
// be refreshed but carry no token URL, the endpoint is discovered from the
// server's SMART configuration.
// Parameters:
//   - ctx: Context for discovery
//   - creds: Parsed oauth_credentials input
//   - baseURL: FHIR server base URL
//   - disc: SMART discovery client, may be nil when no discovery is wanted
//   - hc: HTTP client used for token refresh; nil uses a client with a 30s timeout
//
// Returns:
//   - *OAuthAuth: Authorizer refreshing through golang.org/x/oauth2
//   - error: USC_NETWORK when discovery fails
func NewOAuthAuth(ctx context.Context, creds model.OAuthCredentials, baseURL string, disc *smart.Client, hc *http.Client) (*OAuthAuth, error) {
	if hc == nil {
		hc = &http.Client{Timeout: defaultTokenTimeout}
	}
	a := &OAuthAuth{
		hc:    hc,
		creds: creds,
		tok: &oauth2.Token{
			AccessToken:  creds.AccessToken,
			RefreshToken: creds.RefreshToken,
			TokenType:    "Bearer",
			Expiry:       creds.Expiry(),
		},
	}
	if !creds.CanRefresh() {
		return a, nil
	}

	tokenURL := creds.TokenURL
	if tokenURL == "" {
		if disc == nil {
			return nil, errordefs.New(errordefs.USC_INVALID_INPUT, "credentials have a refresh token but no token_url")
		}
		cfg, err := disc.Discover(ctx, baseURL)
		if err != nil {
			return nil, errordefs.Wrap(errordefs.USC_NETWORK, err, "failed to discover token endpoint")
		}
		tokenURL = cfg.TokenEndpoint
		a.creds.TokenURL = tokenURL
	}

	a.cfg = &oauth2.Config{
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL:  tokenURL,
			AuthStyle: oauth2.AuthStyleAutoDetect,
		},
	}
	return a, nil
}

// Authorize implements Authorizer. An expired token is refreshed first; the
// refresh is bounded by ctx and by the token HTTP client's timeout.
func (a *OAuthAuth) Authorize(ctx context.Context, req *http.Request) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.cfg != nil && !a.tok.Valid() {
		refreshCtx := context.WithValue(ctx, oauth2.HTTPClient, a.hc)
		tok, err := a.cfg.TokenSource(refreshCtx, a.tok).Token()
		if err != nil {
			return refreshError(ctx, a.cfg.Endpoint.TokenURL, err)
		}
		a.tok = tok
		a.creds.AccessToken = tok.AccessToken
		if tok.RefreshToken != "" {
			a.creds.RefreshToken = tok.RefreshToken
		}
		slog.Info("access token refreshed", "tokenURL", a.creds.TokenURL, "expiry", tok.Expiry)
	}

	a.tok.SetAuthHeader(req)
	return nil
}

func refreshError(ctx context.Context, tokenURL string, err error) error {
	var timeout interface{ Timeout() bool }
	if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &timeout) && timeout.Timeout()) {
		return errordefs.Wrap(errordefs.USC_NETWORK, err, fmt.Sprintf("token refresh at %s timed out", tokenURL))
	}
	return errordefs.Wrap(errordefs.USC_NETWORK, err, "failed to obtain access token")
}

// Credentials returns the credentials as they stand after any refresh.
func (a *OAuthAuth) Credentials() model.OAuthCredentials {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.creds
}

// String hides tokens from logs.
func (a *OAuthAuth) String() string {
	return fmt.Sprintf("OAuthAuth{tokenURL: %q}", a.creds.TokenURL)
}
