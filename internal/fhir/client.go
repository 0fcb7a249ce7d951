// internal/fhir/client.go
// Package fhir issues requests against the FHIR server under test and keeps
// the per-run table of named requests.
package fhir

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	retryablehttp "github.com/hashicorp/go-retryablehttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	errordefs "github.com/RegistryAccord/uscore-conformance-go/internal/errors"
	"github.com/RegistryAccord/uscore-conformance-go/internal/metrics"
	"github.com/RegistryAccord/uscore-conformance-go/internal/model"
	"github.com/RegistryAccord/uscore-conformance-go/internal/telemetry"
)

// FHIR media types
const (
	ContentTypeFHIRJSON = "application/fhir+json"
	headerRequestID     = "X-Request-Id"
	defaultTimeout      = 30 * time.Second
	maxBodyBytes        = 32 << 20
)

// Client executes requests against one FHIR server base URL.
type Client struct {
	base    *url.URL
	hc      *retryablehttp.Client
	auth    Authorizer
	timeout time.Duration
	metrics *metrics.Metrics
	tracer  trace.Tracer
}

// Option configures a Client.
type Option func(*Client)

// WithAuthorizer sets how requests are authorized.
func WithAuthorizer(a Authorizer) Option {
	return func(c *Client) {
		if a != nil {
			c.auth = a
		}
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.hc.HTTPClient = hc
		}
	}
}

// WithTimeout bounds each logical request, including retries.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithRetryMax sets the retry budget for idempotent requests.
func WithRetryMax(n int) Option {
	return func(c *Client) {
		if n >= 0 {
			c.hc.RetryMax = n
		}
	}
}

// NewClient creates a client for the server at baseURL.
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, errordefs.Newf(errordefs.USC_INVALID_INPUT, "invalid FHIR base URL %q", baseURL)
	}

	c := &Client{
		base:    u,
		hc:      NewRetryableClient(2),
		auth:    NoAuth{},
		timeout: defaultTimeout,
		metrics: metrics.NewMetrics(),
		tracer:  telemetry.Tracer("github.com/RegistryAccord/uscore-conformance-go/internal/fhir"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// BaseURL returns the server base URL without a trailing slash.
func (c *Client) BaseURL() string {
	return c.base.String()
}

// CapabilityStatementRequest builds GET [base]/metadata.
func CapabilityStatementRequest() model.Request {
	return model.Request{Method: http.MethodGet, URL: "metadata"}
}

// ReadRequest builds GET [base]/[type]/[id].
func ReadRequest(resourceType, id string) model.Request {
	return model.Request{Method: http.MethodGet, URL: resourceType + "/" + url.PathEscape(id)}
}

// SearchRequest builds GET [base]/[type]?params.
func SearchRequest(resourceType string, params url.Values) model.Request {
	return model.Request{Method: http.MethodGet, URL: resourceType, Params: params}
}

// CreateRequest builds POST [base]/[type].
func CreateRequest(resourceType string, body []byte) model.Request {
	return model.Request{
		Method:  http.MethodPost,
		URL:     resourceType,
		Headers: http.Header{"Content-Type": []string{ContentTypeFHIRJSON}},
		Body:    body,
	}
}

// Execute sends one logical request. A relative URL is resolved against the
// base URL; req is updated with the absolute URL and the headers actually sent.
// Transport failures and timeouts return a USC_NETWORK error. Only GET and
// HEAD are retried.
func (c *Client) Execute(ctx context.Context, req *model.Request) (*model.Response, error) {
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	target, err := c.resolve(req.URL, req.Params)
	if err != nil {
		return nil, err
	}
	req.URL = target

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resource := resourceLabel(c.base.Path, target)
	ctx, span := c.tracer.Start(ctx, "fhir.request", trace.WithAttributes(
		attribute.String("http.method", req.Method),
		attribute.String("http.url", target),
		attribute.String("fhir.resource", resource),
	))
	defer span.End()

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target, body)
	if err != nil {
		return nil, errordefs.Wrap(errordefs.USC_INTERNAL, err, "failed to build request")
	}
	for k, vs := range req.Headers {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if httpReq.Header.Get("Accept") == "" {
		httpReq.Header.Set("Accept", ContentTypeFHIRJSON)
	}
	if httpReq.Header.Get(headerRequestID) == "" {
		httpReq.Header.Set(headerRequestID, uuid.New().String())
	}
	if err := c.auth.Authorize(ctx, httpReq); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "authorization failed")
		return nil, err
	}
	req.Headers = redactHeaders(httpReq.Header)

	start := time.Now()
	resp, err := c.do(httpReq)
	elapsed := time.Since(start)
	c.metrics.FHIRRequestDuration.WithLabelValues(req.Method, resource).Observe(elapsed.Seconds())

	if err != nil {
		c.metrics.FHIRRequestTotal.WithLabelValues(req.Method, resource, "network_error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "transport failure")
		return nil, networkError(req.Method, target, c.timeout, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		c.metrics.FHIRRequestTotal.WithLabelValues(req.Method, resource, "network_error").Inc()
		return nil, networkError(req.Method, target, c.timeout, err)
	}

	status := strconv.Itoa(resp.StatusCode)
	c.metrics.FHIRRequestTotal.WithLabelValues(req.Method, resource, status).Inc()
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	slog.Debug("fhir request",
		"method", req.Method,
		"url", target,
		"status", resp.StatusCode,
		"requestId", httpReq.Header.Get(headerRequestID),
		"duration", elapsed,
	)

	return &model.Response{
		Status:  resp.StatusCode,
		Headers: resp.Header.Clone(),
		Body:    data,
	}, nil
}

func (c *Client) do(req *http.Request) (*http.Response, error) {
	if !idempotent(req.Method) {
		return c.hc.HTTPClient.Do(req)
	}
	rreq, err := retryablehttp.FromRequest(req)
	if err != nil {
		return nil, err
	}
	return c.hc.Do(rreq)
}

// resolve turns a path relative to the base URL into an absolute URL.
func (c *Client) resolve(ref string, params url.Values) (string, error) {
	var u *url.URL
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		parsed, err := url.Parse(ref)
		if err != nil {
			return "", errordefs.Wrap(errordefs.USC_INVALID_INPUT, err, "invalid request URL")
		}
		u = parsed
	} else {
		u = &url.URL{Scheme: c.base.Scheme, Host: c.base.Host, User: c.base.User}
		rel, err := url.Parse(strings.TrimLeft(ref, "/"))
		if err != nil {
			return "", errordefs.Wrap(errordefs.USC_INVALID_INPUT, err, "invalid request path")
		}
		u.Path = strings.TrimRight(c.base.Path, "/") + "/" + rel.Path
		u.RawQuery = rel.RawQuery
	}
	if len(params) > 0 {
		q := u.Query()
		for k, vs := range params {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// resourceLabel returns the first path segment after the base path, used as a metric label.
func resourceLabel(basePath, target string) string {
	u, err := url.Parse(target)
	if err != nil {
		return "unknown"
	}
	rest := strings.TrimPrefix(u.Path, strings.TrimRight(basePath, "/"))
	rest = strings.TrimPrefix(rest, "/")
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		rest = rest[:i]
	}
	if rest == "" {
		return "root"
	}
	return rest
}

func networkError(method, target string, timeout time.Duration, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return errordefs.Wrap(errordefs.USC_NETWORK, err, fmt.Sprintf("%s %s timed out after %s", method, target, timeout))
	}
	return errordefs.Wrap(errordefs.USC_NETWORK, err, fmt.Sprintf("%s %s failed", method, target))
}

// redactHeaders copies h with the Authorization value masked.
func redactHeaders(h http.Header) http.Header {
	out := h.Clone()
	if v := out.Get("Authorization"); v != "" {
		scheme, _, _ := strings.Cut(v, " ")
		out.Set("Authorization", scheme+" [redacted]")
	}
	return out
}
