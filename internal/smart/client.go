// internal/smart/client.go
// Package smart discovers SMART App Launch endpoints of a FHIR server.
// It is used to find the token endpoint when OAuth credentials do not name one.
package smart

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Configuration is the subset of .well-known/smart-configuration the runner uses.
type Configuration struct {
	Issuer                string   `json:"issuer,omitempty"`
	AuthorizationEndpoint string   `json:"authorization_endpoint,omitempty"` // Authorization code endpoint
	TokenEndpoint         string   `json:"token_endpoint"`                   // Token and refresh endpoint
	TokenAuthMethods      []string `json:"token_endpoint_auth_methods_supported,omitempty"`
	ScopesSupported       []string `json:"scopes_supported,omitempty"`
	Capabilities          []string `json:"capabilities,omitempty"` // e.g. launch-standalone
}

// ErrNotFound is returned when the server publishes no SMART configuration.
var ErrNotFound = errors.New("smart configuration not found")

// Client fetches and caches SMART configurations per FHIR base URL.
type Client struct {
	hc    *http.Client // HTTP client with custom configuration
	ttl   time.Duration
	mu    sync.RWMutex
	cache map[string]cached
}

type cached struct {
	cfg       *Configuration
	expiresAt time.Time
}

// New creates a discovery client with connection and request timeouts.
// Parameters:
//   - hc: optional HTTP client; nil uses a client with short timeouts
//
// Returns:
//   - *Client: Initialized discovery client
func New(hc *http.Client) *Client {
	if hc == nil {
		transport := &http.Transport{
			DialContext: (&net.Dialer{Timeout: 2 * time.Second}).DialContext,
		}
		hc = &http.Client{Transport: transport, Timeout: 5 * time.Second}
	}
	return &Client{
		hc:    hc,
		ttl:   5 * time.Minute,
		cache: make(map[string]cached),
	}
}

// Discover returns the SMART configuration of the server at baseURL.
// Results are cached for five minutes.
func (c *Client) Discover(ctx context.Context, baseURL string) (*Configuration, error) {
	key := strings.TrimRight(baseURL, "/")

	c.mu.RLock()
	if e, ok := c.cache[key]; ok && time.Now().Before(e.expiresAt) {
		c.mu.RUnlock()
		return e.cfg, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	// Double-check after acquiring write lock
	if e, ok := c.cache[key]; ok && time.Now().Before(e.expiresAt) {
		return e.cfg, nil
	}

	cfg, err := c.fetch(ctx, key)
	if err != nil {
		return nil, err
	}
	c.cache[key] = cached{cfg: cfg, expiresAt: time.Now().Add(c.ttl)}
	return cfg, nil
}

func (c *Client) fetch(ctx context.Context, base string) (*Configuration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/.well-known/smart-configuration", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch smart configuration: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var cfg Configuration
		if err := json.NewDecoder(resp.Body).Decode(&cfg); err != nil {
			return nil, fmt.Errorf("failed to decode smart configuration: %w", err)
		}
		if cfg.TokenEndpoint == "" {
			return nil, fmt.Errorf("smart configuration has no token_endpoint")
		}
		return &cfg, nil
	case http.StatusNotFound:
		return nil, ErrNotFound
	default:
		return nil, fmt.Errorf("smart configuration fetch failed: %s", resp.Status)
	}
}
