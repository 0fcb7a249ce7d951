package conformance

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/RegistryAccord/uscore-conformance-go/internal/fhirtwin"
	"github.com/RegistryAccord/uscore-conformance-go/internal/model"
	"github.com/RegistryAccord/uscore-conformance-go/internal/registry"
	"github.com/RegistryAccord/uscore-conformance-go/internal/report"
	"github.com/RegistryAccord/uscore-conformance-go/internal/storage"
)

func newHarness(t *testing.T, cfg Config) *Harness {
	t.Helper()
	h, err := NewHarness(cfg)
	if err != nil {
		t.Fatalf("failed to create harness: %v", err)
	}
	t.Cleanup(h.Close)
	return h
}

func statuses(rep *report.Report) map[string]model.Status {
	out := make(map[string]model.Status)
	rep.Walk(func(_ []string, tr report.TestReport) { out[tr.ID] = tr.Status })
	return out
}

// TestConformance runs the full suite against the seeded FHIR server.
func TestConformance(t *testing.T) {
	harness := newHarness(t, Config{})
	harness.RunConformanceTests(t)
}

func TestSuiteStructure(t *testing.T) {
	reg := registry.New()
	if err := Register(reg); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	suite, err := reg.Resolve(SuiteID)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	want := []string{
		"capability_statement_read",
		"patient_read", "patient_validation",
		"condition_search_by_patient", "condition_bundle_validation",
		"vital_signs_search_by_patient", "vital_signs_bundle_validation",
	}
	if diff := cmp.Diff(want, suite.TestIDs()); diff != "" {
		t.Errorf("test order mismatch (-want +got):\n%s", diff)
	}
	if suite.Groups[1].ID != "patient_group" || suite.Groups[1].IsReference() {
		t.Errorf("patient group not resolved: %+v", suite.Groups[1])
	}
}

func TestReportIsStored(t *testing.T) {
	h := newHarness(t, Config{})
	rep, err := h.Run(context.Background(), h.DefaultInputs())
	if err != nil {
		t.Fatal(err)
	}
	if rep.Status != model.StatusPass || rep.Summary.Passed != 7 {
		t.Fatalf("report = %s %+v", rep.Status, rep.Summary)
	}
	if rep.Inputs["access_token"] == DefaultBearerToken {
		t.Errorf("bearer token stored unmasked")
	}

	stored, err := h.Reports().GetReport(context.Background(), rep.RunID)
	if err != nil {
		t.Fatalf("GetReport() error = %v", err)
	}
	if diff := cmp.Diff(statuses(rep), statuses(stored)); diff != "" {
		t.Errorf("stored report mismatch (-want +got):\n%s", diff)
	}
}

func TestNonConformingConditionFails(t *testing.T) {
	h := newHarness(t, Config{})
	bad := json.RawMessage(`{"resourceType":"Condition","id":"c-85-bad","code":{"text":"Cough"},"subject":{"reference":"Patient/85"}}`)
	if err := h.Twin().Seed(bad); err != nil {
		t.Fatal(err)
	}

	rep, err := h.Run(context.Background(), h.DefaultInputs())
	if err != nil {
		t.Fatal(err)
	}
	got := statuses(rep)
	if got["condition_bundle_validation"] != model.StatusFail {
		t.Fatalf("condition_bundle_validation = %s", got["condition_bundle_validation"])
	}
	for id, st := range got {
		if id != "condition_bundle_validation" && st != model.StatusPass {
			t.Errorf("%s = %s, want pass", id, st)
		}
	}

	tr, _ := rep.Test("condition_bundle_validation")
	var text string
	for _, m := range tr.Messages {
		text += m.Text + "\n"
	}
	if !strings.Contains(text, "1 of 3 Condition entries") || !strings.Contains(text, "Condition/c-85-bad") {
		t.Errorf("messages = %q", text)
	}
}

func TestOneOfTwoConditionsFails(t *testing.T) {
	h := newHarness(t, Config{})
	untagged := json.RawMessage(`{"resourceType":"Condition","id":"c-355-untagged","code":{"text":"Back pain"},"subject":{"reference":"Patient/355"}}`)
	if err := h.Twin().Seed(untagged); err != nil {
		t.Fatal(err)
	}

	in := h.DefaultInputs()
	in["patient_id"] = "355"
	rep, err := h.Run(context.Background(), in)
	if err != nil {
		t.Fatal(err)
	}
	if st := statuses(rep)["condition_bundle_validation"]; st != model.StatusFail {
		t.Fatalf("condition_bundle_validation = %s, want fail", st)
	}

	tr, _ := rep.Test("condition_bundle_validation")
	last := tr.Messages[len(tr.Messages)-1].Text
	if !strings.HasPrefix(last, "1 of 2 Condition entries do not conform to their profile:") {
		t.Errorf("message = %q", last)
	}
	if n := strings.Count(last, "\n - "); n != 1 || !strings.Contains(last, "Condition/c-355-untagged") {
		t.Errorf("message = %q, want exactly one violation for Condition/c-355-untagged", last)
	}
}

func TestMissingPatientIDSkipsPatientGroups(t *testing.T) {
	h := newHarness(t, Config{})
	in := h.DefaultInputs()
	delete(in, "patient_id")

	rep, err := h.Run(context.Background(), in)
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]model.Status{
		"capability_statement_read":     model.StatusPass,
		"patient_read":                  model.StatusSkip,
		"patient_validation":            model.StatusSkip,
		"condition_search_by_patient":   model.StatusSkip,
		"condition_bundle_validation":   model.StatusSkip,
		"vital_signs_search_by_patient": model.StatusSkip,
		"vital_signs_bundle_validation": model.StatusSkip,
	}
	if diff := cmp.Diff(want, statuses(rep)); diff != "" {
		t.Errorf("statuses mismatch (-want +got):\n%s", diff)
	}
}

func TestWrongTokenFailsProtectedReads(t *testing.T) {
	h := newHarness(t, Config{})
	in := h.DefaultInputs()
	in["access_token"] = "WRONG"

	rep, err := h.Run(context.Background(), in)
	if err != nil {
		t.Fatal(err)
	}
	got := statuses(rep)
	if got["capability_statement_read"] != model.StatusPass {
		t.Errorf("metadata is public, got %s", got["capability_statement_read"])
	}
	for _, id := range []string{"patient_read", "patient_validation", "condition_search_by_patient", "vital_signs_search_by_patient"} {
		if got[id] != model.StatusFail {
			t.Errorf("%s = %s, want fail", id, got[id])
		}
	}
}

func TestUnavailableServerIsRetried(t *testing.T) {
	h := newHarness(t, Config{})
	h.Twin().Faults().Set("/metadata", fhirtwin.Fault{StatusCode: 503, Count: 1})

	rep, err := h.Run(context.Background(), h.DefaultInputs())
	if err != nil {
		t.Fatal(err)
	}
	if st := statuses(rep)["capability_statement_read"]; st != model.StatusPass {
		t.Errorf("capability_statement_read = %s after one 503, want pass", st)
	}

	h.Twin().Faults().Set("/metadata", fhirtwin.Fault{StatusCode: 503, Count: 2})
	rep, err = h.Run(context.Background(), h.DefaultInputs())
	if err != nil {
		t.Fatal(err)
	}
	if st := statuses(rep)["capability_statement_read"]; st != model.StatusFail {
		t.Errorf("capability_statement_read = %s after exhausting retries, want fail", st)
	}
}

func TestUnreachableValidatorErrors(t *testing.T) {
	h := newHarness(t, Config{})
	h.validator.Close()

	rep, err := h.Run(context.Background(), h.DefaultInputs())
	if err != nil {
		t.Fatal(err)
	}
	got := statuses(rep)
	for _, id := range []string{"patient_validation", "condition_bundle_validation", "vital_signs_bundle_validation"} {
		if got[id] != model.StatusError {
			t.Errorf("%s = %s, want error", id, got[id])
		}
	}
	if got["patient_read"] != model.StatusPass {
		t.Errorf("patient_read = %s", got["patient_read"])
	}
}

func TestSinksReceiveReports(t *testing.T) {
	var got []string
	sink := report.SinkFunc(func(_ context.Context, r *report.Report) error {
		got = append(got, r.RunID)
		return nil
	})
	h := newHarness(t, Config{Sinks: []report.Sink{sink}})

	rep, err := h.Run(context.Background(), h.DefaultInputs())
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{rep.RunID}, got); diff != "" {
		t.Errorf("sink calls mismatch (-want +got):\n%s", diff)
	}
	page, err := h.Reports().ListReports(context.Background(), storage.ReportQuery{SuiteID: SuiteID})
	if err != nil || len(page.Reports) != 1 {
		t.Errorf("ListReports() = %+v, %v", page, err)
	}
}
