// internal/model/runtime.go
package model

import (
	"context"
	"net/http"
	"net/url"
	"time"
)

// Status is the state of a test in a run.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusPass    Status = "pass"
	StatusFail    Status = "fail"
	StatusSkip    Status = "skip"
	StatusError   Status = "error"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusPass, StatusFail, StatusSkip, StatusError:
		return true
	}
	return false
}

// MessageType classifies a message captured while a test ran.
type MessageType string

const (
	MessageInfo    MessageType = "info"
	MessageWarning MessageType = "warning"
	MessageError   MessageType = "error"
)

// Message is a line of test output shown in the report.
type Message struct {
	Type MessageType `json:"type" yaml:"type"`
	Text string      `json:"text" yaml:"text"`
}

// Result is the terminal outcome of one test.
type Result struct {
	TestID    string        `json:"testId" yaml:"testId"`
	Status    Status        `json:"status" yaml:"status"`
	Messages  []Message     `json:"messages,omitempty" yaml:"messages,omitempty"`
	Requests  []string      `json:"requests,omitempty" yaml:"requests,omitempty"` // Named requests produced
	StartedAt time.Time     `json:"startedAt,omitempty" yaml:"startedAt,omitempty"`
	Duration  time.Duration `json:"duration" yaml:"duration"`
}

// RequestOptions tune a single FHIR call.
type RequestOptions struct {
	Name    string      // Store the request under this name
	Headers http.Header // Extra headers
}

// RequestOption configures RequestOptions.
type RequestOption func(*RequestOptions)

// Named stores the request in the run's request table under name.
func Named(name string) RequestOption {
	return func(o *RequestOptions) { o.Name = name }
}

// WithHeader adds a header to the request.
func WithHeader(key, value string) RequestOption {
	return func(o *RequestOptions) {
		if o.Headers == nil {
			o.Headers = http.Header{}
		}
		o.Headers.Add(key, value)
	}
}

// ApplyRequestOptions folds opts into a RequestOptions value.
func ApplyRequestOptions(opts ...RequestOption) RequestOptions {
	var o RequestOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Runtime is what a test body sees of the run it belongs to.
type Runtime interface {
	TestID() string

	// Input returns the resolved value of an input visible to the test, or "".
	Input(name string) string
	LookupInput(name string) (string, bool)

	CapabilityStatement(ctx context.Context, opts ...RequestOption) (*Response, error)
	Read(ctx context.Context, resourceType, id string, opts ...RequestOption) (*Response, error)
	Search(ctx context.Context, resourceType string, params url.Values, opts ...RequestOption) (*Response, error)
	Create(ctx context.Context, resourceType string, body []byte, opts ...RequestOption) (*Response, error)

	// Request returns the latest request of this test, falling back to the
	// request named by the test's UsesRequest.
	Request() (*NamedRequest, error)
	NamedRequest(name string) (*NamedRequest, error)

	AssertResponseStatus(expected ...int) error
	AssertResourceType(expected string) error
	AssertValidResource(ctx context.Context, profileURL string) error
	AssertValidBundleEntries(ctx context.Context, resourceTypes map[string]string) error

	Info(format string, args ...any)
	Warning(format string, args ...any)
	// Skip returns an error that ends the test as skipped.
	Skip(reason string) error
}
