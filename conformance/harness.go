package conformance

import (
	"context"
	"fmt"
	"net/http/httptest"
	"testing"

	"github.com/RegistryAccord/uscore-conformance-go/internal/fhirtwin"
	"github.com/RegistryAccord/uscore-conformance-go/internal/model"
	"github.com/RegistryAccord/uscore-conformance-go/internal/registry"
	"github.com/RegistryAccord/uscore-conformance-go/internal/report"
	"github.com/RegistryAccord/uscore-conformance-go/internal/runner"
	"github.com/RegistryAccord/uscore-conformance-go/internal/schema"
	"github.com/RegistryAccord/uscore-conformance-go/internal/server"
	"github.com/RegistryAccord/uscore-conformance-go/internal/storage"
)

// DefaultBearerToken is the token the harness's FHIR server accepts.
const DefaultBearerToken = "SAMPLE_TOKEN"

// Harness runs the US Core suite in-process against the mock FHIR server,
// validating through the local validator service.
type Harness struct {
	twin      *fhirtwin.Server
	fhir      *httptest.Server
	validator *httptest.Server
	registry  *registry.Registry
	runner    *runner.Runner
	store     storage.Store
}

// Config holds configuration for the conformance test harness.
type Config struct {
	// BearerToken accepted by the FHIR server; DefaultBearerToken when empty.
	BearerToken string

	// OAuth enables the FHIR server's token endpoint.
	OAuth *fhirtwin.OAuthConfig

	// SkipSeed starts the FHIR server without the default US Core data.
	SkipSeed bool

	// Sinks receive every report in addition to the harness report store.
	Sinks []report.Sink
}

// NewHarness starts the FHIR server and the validator service.
func NewHarness(cfg Config) (*Harness, error) {
	if cfg.BearerToken == "" {
		cfg.BearerToken = DefaultBearerToken
	}

	profiles, err := schema.NewValidator()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize schema validator: %w", err)
	}

	reg := registry.New()
	if err := Register(reg); err != nil {
		return nil, fmt.Errorf("failed to register suite: %w", err)
	}

	store := storage.NewMemory()
	twin := fhirtwin.New(fhirtwin.Config{BearerToken: cfg.BearerToken, OAuth: cfg.OAuth, SkipSeed: cfg.SkipSeed})
	fhirSrv := httptest.NewServer(twin)
	validatorSrv := httptest.NewServer(server.NewMux(server.Options{Validator: profiles, Reports: store}))

	sinks := append([]report.Sink{storage.Sink(store)}, cfg.Sinks...)
	r := runner.New(runner.Options{
		ValidatorURL: validatorSrv.URL,
		HTTPClient:   fhirSrv.Client(),
		RetryMax:     1,
		Sinks:        sinks,
	})

	return &Harness{
		twin:      twin,
		fhir:      fhirSrv,
		validator: validatorSrv,
		registry:  reg,
		runner:    r,
		store:     store,
	}, nil
}

// URL returns the base URL of the FHIR server.
func (h *Harness) URL() string {
	return h.fhir.URL
}

// ValidatorURL returns the base URL of the validator service.
func (h *Harness) ValidatorURL() string {
	return h.validator.URL
}

// Twin exposes the FHIR server for seeding and fault injection.
func (h *Harness) Twin() *fhirtwin.Server {
	return h.twin
}

// Reports returns the store every finished run is saved to.
func (h *Harness) Reports() storage.Store {
	return h.store
}

// Close shuts down both servers.
func (h *Harness) Close() {
	h.fhir.Close()
	h.validator.Close()
}

// DefaultInputs targets the harness FHIR server with the seeded patient.
func (h *Harness) DefaultInputs() map[string]string {
	return map[string]string{
		"url":          h.URL(),
		"access_token": DefaultBearerToken,
		"patient_id":   "85",
	}
}

// Run executes the US Core suite with inputs.
func (h *Harness) Run(ctx context.Context, inputs map[string]string) (*report.Report, error) {
	suite, err := h.registry.Resolve(SuiteID)
	if err != nil {
		return nil, err
	}
	return h.runner.Run(ctx, suite, inputs)
}

// RunConformanceTests runs the suite with the default inputs and reports
// each test as a subtest that fails unless the test passed.
func (h *Harness) RunConformanceTests(t *testing.T) {
	rep, err := h.Run(context.Background(), h.DefaultInputs())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	rep.Walk(func(path []string, tr report.TestReport) {
		t.Run(tr.ID, func(t *testing.T) {
			if tr.Status != model.StatusPass {
				t.Errorf("%v/%s = %s: %v", path, tr.ID, tr.Status, tr.Messages)
			}
		})
	})
}
