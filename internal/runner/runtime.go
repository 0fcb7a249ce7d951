package runner

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/RegistryAccord/uscore-conformance-go/internal/assert"
	errordefs "github.com/RegistryAccord/uscore-conformance-go/internal/errors"
	"github.com/RegistryAccord/uscore-conformance-go/internal/fhir"
	"github.com/RegistryAccord/uscore-conformance-go/internal/inputs"
	"github.com/RegistryAccord/uscore-conformance-go/internal/model"
)

// runtime is the model.Runtime handed to one test body.
type runtime struct {
	exec     *execution
	test     *model.Test
	scope    *inputs.Scope
	messages []model.Message
	requests []*model.NamedRequest // made by this test, oldest first
	stored   []string              // names stored by this test
}

var _ model.Runtime = (*runtime)(nil)

func (rt *runtime) TestID() string { return rt.test.ID }

func (rt *runtime) Input(name string) string { return rt.scope.Value(name) }

func (rt *runtime) LookupInput(name string) (string, bool) { return rt.scope.Lookup(name) }

func (rt *runtime) CapabilityStatement(ctx context.Context, opts ...model.RequestOption) (*model.Response, error) {
	return rt.do(ctx, fhir.CapabilityStatementRequest(), opts)
}

func (rt *runtime) Read(ctx context.Context, resourceType, id string, opts ...model.RequestOption) (*model.Response, error) {
	return rt.do(ctx, fhir.ReadRequest(resourceType, id), opts)
}

func (rt *runtime) Search(ctx context.Context, resourceType string, params url.Values, opts ...model.RequestOption) (*model.Response, error) {
	return rt.do(ctx, fhir.SearchRequest(resourceType, params), opts)
}

func (rt *runtime) Create(ctx context.Context, resourceType string, body []byte, opts ...model.RequestOption) (*model.Response, error) {
	return rt.do(ctx, fhir.CreateRequest(resourceType, body), opts)
}

// do executes req and records it. The request is stored under the explicit
// name from opts, else under the name the test declares it makes.
func (rt *runtime) do(ctx context.Context, req model.Request, opts []model.RequestOption) (*model.Response, error) {
	o := model.ApplyRequestOptions(opts...)
	for k, vs := range o.Headers {
		if req.Headers == nil {
			req.Headers = make(map[string][]string)
		}
		req.Headers[k] = append(req.Headers[k], vs...)
	}

	resp, err := rt.exec.client.Execute(ctx, &req)
	if err != nil {
		return nil, err
	}

	name := o.Name
	if name == "" {
		name = rt.test.MakesRequest
	}
	nr := &model.NamedRequest{
		Name:      name,
		TestID:    rt.test.ID,
		Request:   req,
		Response:  resp,
		Timestamp: time.Now().UTC(),
	}
	rt.requests = append(rt.requests, nr)

	if name != "" {
		if err := rt.exec.table.Store(nr); err != nil {
			return resp, err
		}
		if !contains(rt.stored, name) {
			rt.stored = append(rt.stored, name)
		}
	}
	return resp, nil
}

// Request returns the latest request of this test, falling back to the one
// named by UsesRequest.
func (rt *runtime) Request() (*model.NamedRequest, error) {
	if n := len(rt.requests); n > 0 {
		return rt.requests[n-1], nil
	}
	if rt.test.UsesRequest != "" {
		return rt.exec.table.Lookup(rt.test.UsesRequest)
	}
	return nil, errordefs.Newf(errordefs.USC_UNRESOLVED_REQUEST, "test %q has not made a request", rt.test.ID)
}

func (rt *runtime) NamedRequest(name string) (*model.NamedRequest, error) {
	return rt.exec.table.Lookup(name)
}

func (rt *runtime) response() (*model.Response, error) {
	nr, err := rt.Request()
	if err != nil {
		return nil, err
	}
	return nr.Response, nil
}

func (rt *runtime) AssertResponseStatus(expected ...int) error {
	resp, err := rt.response()
	if err != nil {
		return err
	}
	return assert.ResponseStatus(resp, expected...)
}

func (rt *runtime) AssertResourceType(expected string) error {
	resp, err := rt.response()
	if err != nil {
		return err
	}
	return assert.ResourceType(resp, expected)
}

func (rt *runtime) AssertValidResource(ctx context.Context, profileURL string) error {
	resp, err := rt.response()
	if err != nil {
		return err
	}
	return assert.ValidResource(ctx, rt.exec.validator, resp, profileURL)
}

func (rt *runtime) AssertValidBundleEntries(ctx context.Context, resourceTypes map[string]string) error {
	resp, err := rt.response()
	if err != nil {
		return err
	}
	summary, err := assert.ValidBundleEntries(ctx, rt.exec.validator, resp, resourceTypes, rt.exec.runner.opts.ValidatorConcurrency)
	if err != nil {
		return err
	}
	if summary.Matched() == 0 {
		types := make([]string, 0, len(resourceTypes))
		for t := range resourceTypes {
			types = append(types, t)
		}
		sort.Strings(types)
		rt.Info("No %s resources were found in the bundle (%d entries)", strings.Join(types, "/"), summary.Entries)
		return nil
	}
	validated := make([]string, 0, len(summary.Validated))
	for t := range summary.Validated {
		validated = append(validated, t)
	}
	sort.Strings(validated)
	for _, t := range validated {
		rt.Info("%d %s entries conform to their profile", summary.Validated[t], t)
	}
	return nil
}

func (rt *runtime) Info(format string, args ...any) {
	rt.messages = append(rt.messages, model.Message{Type: model.MessageInfo, Text: fmt.Sprintf(format, args...)})
}

func (rt *runtime) Warning(format string, args ...any) {
	rt.messages = append(rt.messages, model.Message{Type: model.MessageWarning, Text: fmt.Sprintf(format, args...)})
}

func (rt *runtime) Skip(reason string) error {
	return errordefs.New(errordefs.USC_SKIP, reason)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
