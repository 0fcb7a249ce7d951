// internal/validator/client.go
// Package validator is the HTTP client for the external FHIR profile validator.
// Structural validation is delegated entirely to that service.
package validator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	retryablehttp "github.com/hashicorp/go-retryablehttp"

	errordefs "github.com/RegistryAccord/uscore-conformance-go/internal/errors"
	"github.com/RegistryAccord/uscore-conformance-go/internal/metrics"
)

// Severity of an OperationOutcome issue.
const (
	SeverityFatal       = "fatal"
	SeverityError       = "error"
	SeverityWarning     = "warning"
	SeverityInformation = "information"
)

// Issue is one OperationOutcome.issue.
type Issue struct {
	Severity    string   `json:"severity"`
	Code        string   `json:"code"`
	Diagnostics string   `json:"diagnostics,omitempty"`
	Expression  []string `json:"expression,omitempty"` // FHIRPath to the offending element
}

// Outcome is the OperationOutcome returned by the validator.
type Outcome struct {
	ResourceType string  `json:"resourceType"`
	Issue        []Issue `json:"issue"`
}

// Errors returns the issues of severity error or fatal.
func (o *Outcome) Errors() []Issue {
	var out []Issue
	for _, is := range o.Issue {
		if is.Severity == SeverityError || is.Severity == SeverityFatal {
			out = append(out, is)
		}
	}
	return out
}

// Valid reports whether the outcome has no error or fatal issues.
func (o *Outcome) Valid() bool {
	return len(o.Errors()) == 0
}

// Summary joins the error messages of the outcome on one line.
func (o *Outcome) Summary() string {
	var parts []string
	for _, is := range o.Errors() {
		msg := is.Diagnostics
		if msg == "" {
			msg = is.Code
		}
		if len(is.Expression) > 0 {
			msg = strings.Join(is.Expression, ",") + ": " + msg
		}
		parts = append(parts, msg)
	}
	return strings.Join(parts, "; ")
}

// Validator validates a resource against a profile.
type Validator interface {
	Validate(ctx context.Context, resource []byte, profileURL string) (*Outcome, error)
}

// Client calls POST {base}/validate?profile=<url>.
type Client struct {
	base    string
	hc      *retryablehttp.Client
	timeout time.Duration
	metrics *metrics.Metrics
}

// NewClient creates a validator client. hc may be nil.
func NewClient(baseURL string, hc *http.Client, timeout time.Duration) *Client {
	rc := retryablehttp.NewClient()
	rc.Logger = nil
	rc.RetryMax = 2
	rc.RetryWaitMin = 100 * time.Millisecond
	rc.RetryWaitMax = time.Second
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	if hc != nil {
		rc.HTTPClient = hc
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		base:    strings.TrimRight(baseURL, "/"),
		hc:      rc,
		timeout: timeout,
		metrics: metrics.NewMetrics(),
	}
}

// Validate sends resource to the validator. Transport failures, timeouts and
// non-2xx responses return USC_NETWORK; a non-conforming resource is not an error.
func (c *Client) Validate(ctx context.Context, resource []byte, profileURL string) (*Outcome, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	target := c.base + "/validate?profile=" + url.QueryEscape(profileURL)
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(resource))
	if err != nil {
		return nil, errordefs.Wrap(errordefs.USC_INTERNAL, err, "failed to build validation request")
	}
	req.Header.Set("Content-Type", "application/fhir+json")
	req.Header.Set("Accept", "application/fhir+json")
	req.Header.Set("X-Request-Id", uuid.New().String())

	start := time.Now()
	resp, err := c.hc.Do(req)
	if err != nil {
		c.observe(profileURL, "unreachable", start)
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, errordefs.Wrap(errordefs.USC_NETWORK, err, fmt.Sprintf("validator timed out after %s", c.timeout))
		}
		return nil, errordefs.Wrap(errordefs.USC_NETWORK, err, "validator unreachable")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		c.observe(profileURL, "unreachable", start)
		return nil, errordefs.Wrap(errordefs.USC_NETWORK, err, "failed to read validator response")
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.observe(profileURL, "unreachable", start)
		return nil, errordefs.Newf(errordefs.USC_NETWORK, "validator returned %s", resp.Status)
	}

	var out Outcome
	if err := json.Unmarshal(body, &out); err != nil {
		c.observe(profileURL, "unreachable", start)
		return nil, errordefs.Wrap(errordefs.USC_NETWORK, err, "validator returned an unreadable OperationOutcome")
	}

	status := "valid"
	if !out.Valid() {
		status = "invalid"
	}
	c.observe(profileURL, status, start)
	return &out, nil
}

func (c *Client) observe(profile, status string, start time.Time) {
	c.metrics.ValidationTotal.WithLabelValues(profile, status).Inc()
	c.metrics.ValidationDuration.WithLabelValues(profile, status).Observe(time.Since(start).Seconds())
}
