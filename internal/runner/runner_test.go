package runner

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	errordefs "github.com/RegistryAccord/uscore-conformance-go/internal/errors"
	"github.com/RegistryAccord/uscore-conformance-go/internal/model"
	"github.com/RegistryAccord/uscore-conformance-go/internal/report"
	"github.com/RegistryAccord/uscore-conformance-go/internal/validator"
)

const conditionProfile = "http://hl7.org/fhir/us/core/StructureDefinition/us-core-condition"

// profileValidator rejects resources that do not claim the requested profile.
type profileValidator struct{}

func (profileValidator) Validate(_ context.Context, resource []byte, profile string) (*validator.Outcome, error) {
	var r struct {
		Meta struct {
			Profile []string `json:"profile"`
		} `json:"meta"`
	}
	_ = json.Unmarshal(resource, &r)
	for _, p := range r.Meta.Profile {
		if p == profile {
			return &validator.Outcome{ResourceType: "OperationOutcome"}, nil
		}
	}
	return &validator.Outcome{ResourceType: "OperationOutcome", Issue: []validator.Issue{
		{Severity: "error", Code: "structure", Diagnostics: "resource does not declare " + profile},
	}}, nil
}

// fhirServer serves a capability statement and a Condition searchset where
// one entry lacks its profile tag. It records the Authorization headers seen.
type fhirServer struct {
	*httptest.Server
	mu    sync.Mutex
	auths []string
}

func newFHIRServer(t *testing.T) *fhirServer {
	t.Helper()
	fs := &fhirServer{}
	mux := http.NewServeMux()
	mux.HandleFunc("/metadata", func(w http.ResponseWriter, r *http.Request) {
		fs.mu.Lock()
		fs.auths = append(fs.auths, r.Header.Get("Authorization"))
		fs.mu.Unlock()
		_, _ = w.Write([]byte(`{"resourceType":"CapabilityStatement","status":"active","kind":"instance","fhirVersion":"4.0.1"}`))
	})
	mux.HandleFunc("/Condition", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("patient") == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte(`{"resourceType":"Bundle","type":"searchset","entry":[
			{"resource":{"resourceType":"Condition","id":"c1","meta":{"profile":["` + conditionProfile + `"]}}},
			{"resource":{"resourceType":"Condition","id":"c2"}},
			{"resource":{"resourceType":"Patient","id":"85"}}]}`))
	})
	fs.Server = httptest.NewServer(mux)
	t.Cleanup(fs.Close)
	return fs
}

func testSuite() *model.Suite {
	return &model.Suite{
		ID: "runner_test_suite",
		Inputs: []model.Input{
			{Name: "url", Type: model.InputURL},
			{Name: "access_token", Type: model.InputBearerToken, Optional: true},
			{Name: "credentials", Type: model.InputOAuthCredentials, Optional: true},
		},
		Client:    model.ClientBinding{URLInput: "url", BearerTokenInput: "access_token", OAuthCredentialsInput: "credentials"},
		Validator: model.ValidatorBinding{URL: "http://validator.invalid"},
		Groups: []*model.Group{
			{
				ID: "capability_statement",
				Tests: []*model.Test{{
					ID: "capability_statement_read",
					Run: func(ctx context.Context, rt model.Runtime) error {
						if _, err := rt.CapabilityStatement(ctx); err != nil {
							return err
						}
						if err := rt.AssertResponseStatus(http.StatusOK); err != nil {
							return err
						}
						return rt.AssertResourceType("capability_statement")
					},
				}},
			},
			{
				ID:     "condition",
				Inputs: []model.Input{{Name: "patient_id"}},
				Tests: []*model.Test{
					{
						ID:           "condition_search_by_patient",
						MakesRequest: "condition_patient_search",
						Run: func(ctx context.Context, rt model.Runtime) error {
							if _, err := rt.Search(ctx, "Condition", url.Values{"patient": {rt.Input("patient_id")}}); err != nil {
								return err
							}
							if err := rt.AssertResponseStatus(http.StatusOK); err != nil {
								return err
							}
							return rt.AssertResourceType("Bundle")
						},
					},
					{
						ID:          "condition_bundle_validation",
						UsesRequest: "condition_patient_search",
						Run: func(ctx context.Context, rt model.Runtime) error {
							return rt.AssertValidBundleEntries(ctx, map[string]string{"Condition": conditionProfile})
						},
					},
				},
			},
		},
	}
}

func statuses(r *report.Report) map[string]model.Status {
	out := make(map[string]model.Status)
	r.Walk(func(_ []string, t report.TestReport) { out[t.ID] = t.Status })
	return out
}

func newRunner(opts Options) *Runner {
	if opts.Validator == nil {
		opts.Validator = profileValidator{}
	}
	return New(opts)
}

func TestRunFullSuite(t *testing.T) {
	srv := newFHIRServer(t)
	rep, err := newRunner(Options{}).Run(context.Background(), testSuite(), map[string]string{
		"url":          srv.URL,
		"access_token": "SAMPLE_TOKEN",
		"patient_id":   "85",
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	want := map[string]model.Status{
		"capability_statement_read":   model.StatusPass,
		"condition_search_by_patient": model.StatusPass,
		"condition_bundle_validation": model.StatusFail,
	}
	if diff := cmp.Diff(want, statuses(rep)); diff != "" {
		t.Errorf("statuses mismatch (-want +got):\n%s", diff)
	}

	// Exactly one of the two Condition entries lacks its profile.
	tr, _ := rep.Test("condition_bundle_validation")
	last := tr.Messages[len(tr.Messages)-1].Text
	if n := strings.Count(last, "\n - "); n != 1 || !strings.Contains(last, "Condition/c2") {
		t.Errorf("violation message = %q, want exactly Condition/c2", last)
	}

	search, _ := rep.Test("condition_search_by_patient")
	if diff := cmp.Diff([]string{"condition_patient_search"}, search.Requests); diff != "" {
		t.Errorf("Requests mismatch (-want +got):\n%s", diff)
	}
	if rep.Target != srv.URL || rep.Inputs["access_token"] != "SAMP****" {
		t.Errorf("report target/inputs = %q %v", rep.Target, rep.Inputs)
	}
	if srv.auths[0] != "Bearer SAMPLE_TOKEN" {
		t.Errorf("Authorization = %q", srv.auths[0])
	}
}

// TestMissingPatientSkipsGroup: without patient_id the condition tests skip, not error.
func TestMissingPatientSkipsGroup(t *testing.T) {
	srv := newFHIRServer(t)
	rep, err := newRunner(Options{}).Run(context.Background(), testSuite(), map[string]string{"url": srv.URL})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	want := map[string]model.Status{
		"capability_statement_read":   model.StatusPass,
		"condition_search_by_patient": model.StatusSkip,
		"condition_bundle_validation": model.StatusSkip,
	}
	if diff := cmp.Diff(want, statuses(rep)); diff != "" {
		t.Errorf("statuses mismatch (-want +got):\n%s", diff)
	}
	tr, _ := rep.Test("condition_search_by_patient")
	if len(tr.Messages) == 0 || !strings.Contains(tr.Messages[0].Text, "patient_id") {
		t.Errorf("skip message = %v, want it to name patient_id", tr.Messages)
	}
	if rep.Summary.Total != 3 {
		t.Errorf("Summary.Total = %d, want every declared test reported", rep.Summary.Total)
	}
}

func TestMissingSuiteInputSkipsEverything(t *testing.T) {
	rep, err := newRunner(Options{}).Run(context.Background(), testSuite(), map[string]string{"patient_id": "85"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	for id, st := range statuses(rep) {
		if st != model.StatusSkip {
			t.Errorf("%s = %s, want skip", id, st)
		}
	}
}

func TestInvalidInputErrorsScope(t *testing.T) {
	rep, err := newRunner(Options{}).Run(context.Background(), testSuite(), map[string]string{"url": "not a url"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	for id, st := range statuses(rep) {
		if st != model.StatusError {
			t.Errorf("%s = %s, want error", id, st)
		}
	}
}

// TestUsesRequestBeforeMakesRequest: consuming a name nobody produced yet fails.
func TestUsesRequestBeforeMakesRequest(t *testing.T) {
	srv := newFHIRServer(t)
	suite := testSuite()
	tests := suite.Groups[1].Tests
	tests[0], tests[1] = tests[1], tests[0]

	ran := false
	tests[0].Run = func(ctx context.Context, rt model.Runtime) error {
		ran = true
		return nil
	}

	rep, err := newRunner(Options{}).Run(context.Background(), suite, map[string]string{"url": srv.URL, "patient_id": "85"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	tr, _ := rep.Test("condition_bundle_validation")
	if tr.Status != model.StatusFail {
		t.Errorf("status = %s, want fail", tr.Status)
	}
	if ran {
		t.Errorf("body ran although its request was unresolved")
	}
	if !strings.Contains(tr.Messages[0].Text, "condition_patient_search") {
		t.Errorf("message = %q", tr.Messages[0].Text)
	}
}

func TestClassification(t *testing.T) {
	srv := newFHIRServer(t)
	closed := httptest.NewServer(http.NotFoundHandler())
	closedURL := closed.URL
	closed.Close()

	body := func(fn model.RunFunc) *model.Suite {
		return &model.Suite{
			ID:        "classify",
			Inputs:    []model.Input{{Name: "url", Type: model.InputURL}},
			Client:    model.ClientBinding{URLInput: "url"},
			Validator: model.ValidatorBinding{URL: "http://validator.invalid"},
			Groups:    []*model.Group{{ID: "g", Tests: []*model.Test{{ID: "t", Run: fn}}}},
		}
	}

	tests := []struct {
		name string
		url  string
		fn   model.RunFunc
		want model.Status
	}{
		{"pass", srv.URL, func(context.Context, model.Runtime) error { return nil }, model.StatusPass},
		{"assertion", srv.URL, func(ctx context.Context, rt model.Runtime) error {
			_, _ = rt.CapabilityStatement(ctx)
			return rt.AssertResponseStatus(http.StatusCreated)
		}, model.StatusFail},
		{"skip", srv.URL, func(_ context.Context, rt model.Runtime) error { return rt.Skip("not supported") }, model.StatusSkip},
		{"plain error", srv.URL, func(context.Context, model.Runtime) error { return errors.New("boom") }, model.StatusError},
		{"panic", srv.URL, func(context.Context, model.Runtime) error { panic("boom") }, model.StatusError},
		{"network", closedURL, func(ctx context.Context, rt model.Runtime) error {
			_, err := rt.CapabilityStatement(ctx)
			return err
		}, model.StatusError},
		{"no request", srv.URL, func(_ context.Context, rt model.Runtime) error { return rt.AssertResponseStatus(200) }, model.StatusFail},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rep, err := newRunner(Options{RetryMax: 0}).Run(context.Background(), body(tt.fn), map[string]string{"url": tt.url})
			if err != nil {
				t.Fatalf("Run() error = %v", err)
			}
			if got := statuses(rep)["t"]; got != tt.want {
				t.Errorf("status = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestSlowValidatorErrorsBundleValidation(t *testing.T) {
	srv := newFHIRServer(t)
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(3 * time.Second):
		}
	}))
	defer slow.Close()

	r := New(Options{ValidatorURL: slow.URL, ValidatorTimeout: 100 * time.Millisecond})
	rep, err := r.Run(context.Background(), testSuite(), map[string]string{
		"url":          srv.URL,
		"access_token": "SAMPLE_TOKEN",
		"patient_id":   "85",
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	want := map[string]model.Status{
		"capability_statement_read":   model.StatusPass,
		"condition_search_by_patient": model.StatusPass,
		"condition_bundle_validation": model.StatusError,
	}
	if diff := cmp.Diff(want, statuses(rep)); diff != "" {
		t.Errorf("statuses mismatch (-want +got):\n%s", diff)
	}
	tr, _ := rep.Test("condition_bundle_validation")
	var text string
	for _, m := range tr.Messages {
		text += m.Text + "\n"
	}
	if !strings.Contains(text, "timed out") {
		t.Errorf("messages = %q, want the validator timeout", text)
	}
}

// TestAbortSkipsRemaining cancels the run from inside the first test.
func TestAbortSkipsRemaining(t *testing.T) {
	srv := newFHIRServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	suite := testSuite()
	first := suite.Groups[0].Tests[0]
	inner := first.Run
	first.Run = func(c context.Context, rt model.Runtime) error {
		cancel()
		// The test itself keeps running to completion.
		return inner(c, rt)
	}

	rep, err := newRunner(Options{}).Run(ctx, suite, map[string]string{"url": srv.URL, "patient_id": "85"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	want := map[string]model.Status{
		"capability_statement_read":   model.StatusPass,
		"condition_search_by_patient": model.StatusSkip,
		"condition_bundle_validation": model.StatusSkip,
	}
	if diff := cmp.Diff(want, statuses(rep)); diff != "" {
		t.Errorf("statuses mismatch (-want +got):\n%s", diff)
	}
}

func TestOAuthTakesPrecedence(t *testing.T) {
	srv := newFHIRServer(t)
	suite := testSuite()
	suite.Groups = suite.Groups[:1]

	_, err := newRunner(Options{}).Run(context.Background(), suite, map[string]string{
		"url":          srv.URL,
		"access_token": "BEARER",
		"credentials":  `{"access_token":"OAUTH"}`,
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := srv.auths[0]; got != "Bearer OAUTH" {
		t.Errorf("Authorization = %q, want the OAuth access token", got)
	}
}

type recordingSink struct {
	mu      sync.Mutex
	reports []*report.Report
	err     error
}

func (s *recordingSink) Consume(_ context.Context, r *report.Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports = append(s.reports, r)
	return s.err
}

// TestRunManyIsolatesRuns runs two targets concurrently against different servers.
func TestRunManyIsolatesRuns(t *testing.T) {
	a := newFHIRServer(t)
	b := newFHIRServer(t)
	failing := &recordingSink{err: errordefs.New(errordefs.USC_INTERNAL, "sink down")}
	ok := &recordingSink{}

	r := newRunner(Options{Sinks: []report.Sink{failing, ok}})
	reports, err := r.RunMany(context.Background(), []Target{
		{Name: "a", Suite: testSuite(), Inputs: map[string]string{"url": a.URL, "patient_id": "85"}},
		{Name: "b", Suite: testSuite(), Inputs: map[string]string{"url": b.URL}},
	}, 2)
	if err != nil {
		t.Fatalf("RunMany() error = %v", err)
	}
	if len(reports) != 2 || reports[0].Target != a.URL || reports[1].Target != b.URL {
		t.Fatalf("reports out of order: %v", reports)
	}
	if reports[0].RunID == reports[1].RunID {
		t.Errorf("runs share an id")
	}
	if statuses(reports[0])["condition_search_by_patient"] != model.StatusPass ||
		statuses(reports[1])["condition_search_by_patient"] != model.StatusSkip {
		t.Errorf("inputs leaked between runs")
	}
	if len(ok.reports) != 2 {
		t.Errorf("sink after a failing sink received %d reports, want 2", len(ok.reports))
	}
}

func TestClassify(t *testing.T) {
	cases := map[errordefs.ErrorCode]model.Status{
		errordefs.USC_ASSERTION:          model.StatusFail,
		errordefs.USC_UNRESOLVED_REQUEST: model.StatusFail,
		errordefs.USC_SKIP:               model.StatusSkip,
		errordefs.USC_MISSING_INPUT:      model.StatusSkip,
		errordefs.USC_NETWORK:            model.StatusError,
		errordefs.USC_INVALID_INPUT:      model.StatusError,
	}
	for code, want := range cases {
		if got := Classify(errordefs.New(code, "x")); got != want {
			t.Errorf("Classify(%s) = %s, want %s", code, got, want)
		}
	}
	if Classify(nil) != model.StatusPass {
		t.Errorf("Classify(nil) != pass")
	}
}
