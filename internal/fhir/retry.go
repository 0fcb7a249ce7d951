package fhir

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	retryablehttp "github.com/hashicorp/go-retryablehttp"
)

// RetryLogAdaptor adapts the retryablehttp.Logger interface to slog.
type RetryLogAdaptor struct {
	Logger *slog.Logger
}

// Printf implements the retryablehttp.Logger interface
func (a *RetryLogAdaptor) Printf(fmtStr string, vars ...interface{}) {
	l := a.Logger
	if l == nil {
		l = slog.Default()
	}
	l.Debug(fmt.Sprintf(fmtStr, vars...), "component", "retryablehttp")
}

// NewRetryableClient returns a retryable HTTP client that retries transport
// failures, 429 and 503 responses. Other statuses are part of what a test
// observes and are returned on the first attempt.
func NewRetryableClient(retryMax int) *retryablehttp.Client {
	client := retryablehttp.NewClient()
	client.Logger = &RetryLogAdaptor{}
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler
	client.RetryMax = retryMax
	client.RetryWaitMin = 200 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	client.CheckRetry = checkRetry

	return client
}

func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
	}
	switch resp.StatusCode {
	case http.StatusTooManyRequests, http.StatusServiceUnavailable:
		return true, nil
	}
	return false, nil
}

// idempotent reports whether a request with method may be sent more than once.
func idempotent(method string) bool {
	return method == http.MethodGet || method == http.MethodHead
}
