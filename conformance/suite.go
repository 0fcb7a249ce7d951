// Package conformance defines the US Core test suite and an in-process
// harness that runs it against the mock FHIR server.
package conformance

import (
	"context"
	"net/http"
	"net/url"
	"os"

	"github.com/RegistryAccord/uscore-conformance-go/internal/assert"
	"github.com/RegistryAccord/uscore-conformance-go/internal/model"
	"github.com/RegistryAccord/uscore-conformance-go/internal/registry"
)

// SuiteID is the id of the US Core suite.
const SuiteID = "us_core_test_suite"

// Profile canonical URLs the suite validates against.
const (
	PatientProfile     = "http://hl7.org/fhir/us/core/StructureDefinition/us-core-patient"
	ConditionProfile   = "http://hl7.org/fhir/us/core/StructureDefinition/us-core-condition"
	ObservationProfile = "http://hl7.org/fhir/StructureDefinition/Observation"
)

// DefaultValidatorURL is used when VALIDATOR_URL is unset.
const DefaultValidatorURL = "http://localhost:8080"

// PatientGroup is the library group the suite includes by id.
func PatientGroup() *model.Group {
	return &model.Group{
		ID:          "patient_group",
		Title:       "Patient Tests",
		Description: "Verify that the server makes Patient resources available",
		Inputs: []model.Input{
			{Name: "patient_id", Title: "Patient ID"},
		},
		Tests: []*model.Test{
			{
				ID:           "patient_read",
				Title:        "Server returns requested Patient resource from the Patient read interaction",
				Description:  "Verify that Patient resources can be read from the server.",
				MakesRequest: "patient_read",
				Run: func(ctx context.Context, rt model.Runtime) error {
					id := rt.Input("patient_id")
					resp, err := rt.Read(ctx, "Patient", id)
					if err != nil {
						return err
					}
					if err := rt.AssertResponseStatus(http.StatusOK); err != nil {
						return err
					}
					if err := rt.AssertResourceType("Patient"); err != nil {
						return err
					}
					res, err := resp.Resource()
					if err != nil {
						return assert.Failure("%v", err)
					}
					if got, _ := res["id"].(string); got != id {
						return assert.Failure("Requested resource with id %s, received resource with id %s", id, got)
					}
					return nil
				},
			},
			{
				ID:          "patient_validation",
				Title:       "Patient resource is valid",
				Description: "Verify that the Patient resource returned from the server is a valid US Core Patient resource.",
				UsesRequest: "patient_read",
				Run: func(ctx context.Context, rt model.Runtime) error {
					if err := rt.AssertResourceType("Patient"); err != nil {
						return err
					}
					return rt.AssertValidResource(ctx, PatientProfile)
				},
			},
		},
	}
}

// Suite builds the US Core suite. The validator URL comes from
// VALIDATOR_URL, falling back to DefaultValidatorURL.
func Suite() *model.Suite {
	validatorURL := os.Getenv("VALIDATOR_URL")
	if validatorURL == "" {
		validatorURL = DefaultValidatorURL
	}

	return &model.Suite{
		ID:          SuiteID,
		Title:       "US Core Test Suite",
		Description: "Checks a FHIR server against the US Core capability statement, Patient, Condition and vital signs requirements",
		Version:     "0.1.0",
		Inputs: []model.Input{
			{Name: "url", Title: "FHIR Server Base Url", Type: model.InputURL},
			{Name: "access_token", Title: "Access Token", Type: model.InputBearerToken},
			{Name: "credentials", Title: "OAuth Credentials", Type: model.InputOAuthCredentials, Optional: true},
		},
		Client: model.ClientBinding{
			URLInput:              "url",
			BearerTokenInput:      "access_token",
			OAuthCredentialsInput: "credentials",
		},
		Validator: model.ValidatorBinding{URL: validatorURL},
		Groups: []*model.Group{
			capabilityStatementGroup(),
			model.Ref("patient_group"),
			conditionGroup(),
			vitalSignsGroup(),
		},
	}
}

// Register adds the patient library group and the suite to reg.
func Register(reg *registry.Registry) error {
	if err := reg.RegisterGroup(PatientGroup()); err != nil {
		return err
	}
	return reg.Register(Suite())
}

func capabilityStatementGroup() *model.Group {
	return &model.Group{
		ID:          "capability_statement",
		Title:       "Capability Statement",
		Description: "Verify that the server has a CapabilityStatement",
		Tests: []*model.Test{{
			ID:          "capability_statement_read",
			Title:       "Read CapabilityStatement",
			Description: "Read CapabilityStatement from /metadata endpoint",
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
	}
}

func conditionGroup() *model.Group {
	return searchGroup(searchGroupDef{
		id:            "condition",
		title:         "Condition",
		resource:      "Condition",
		profile:       ConditionProfile,
		searchID:      "condition_search_by_patient",
		searchTitle:   "Condition Search by patient",
		request:       "condition_patient_search",
		validateID:    "condition_bundle_validation",
		validateTitle: "Condition Bundle is Valid",
	})
}

func vitalSignsGroup() *model.Group {
	return searchGroup(searchGroupDef{
		id:            "vital_signs",
		title:         "Vital Signs",
		resource:      "Observation",
		profile:       ObservationProfile,
		category:      "vital-signs",
		searchID:      "vital_signs_search_by_patient",
		searchTitle:   "Vital Signs Search by patient",
		request:       "vital_signs_patient_search",
		validateID:    "vital_signs_bundle_validation",
		validateTitle: "Vital Signs Bundle is Valid",
	})
}

type searchGroupDef struct {
	id, title         string
	resource, profile string
	category          string // Optional category search parameter
	searchID          string
	searchTitle       string
	request           string // Name of the search request
	validateID        string
	validateTitle     string
}

// searchGroup builds a patient-scoped search test followed by a test that
// validates the entries of the returned Bundle.
func searchGroup(d searchGroupDef) *model.Group {
	return &model.Group{
		ID:     d.id,
		Title:  d.title,
		Inputs: []model.Input{{Name: "patient_id", Title: "Patient ID"}},
		Tests: []*model.Test{
			{
				ID:           d.searchID,
				Title:        d.searchTitle,
				MakesRequest: d.request,
				Run: func(ctx context.Context, rt model.Runtime) error {
					params := url.Values{"patient": {rt.Input("patient_id")}}
					if d.category != "" {
						params.Set("category", d.category)
					}
					if _, err := rt.Search(ctx, d.resource, params, model.Named(d.request)); err != nil {
						return err
					}
					if err := rt.AssertResponseStatus(http.StatusOK); err != nil {
						return err
					}
					return rt.AssertResourceType("Bundle")
				},
			},
			{
				ID:          d.validateID,
				Title:       d.validateTitle,
				UsesRequest: d.request,
				Run: func(ctx context.Context, rt model.Runtime) error {
					return rt.AssertValidBundleEntries(ctx, map[string]string{d.resource: d.profile})
				},
			},
		},
	}
}
