package validator

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	errordefs "github.com/RegistryAccord/uscore-conformance-go/internal/errors"
)

const conditionProfile = "http://hl7.org/fhir/us/core/StructureDefinition/us-core-condition"

func TestValidate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/validate" || r.URL.Query().Get("profile") != conditionProfile {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/fhir+json")
		if string(body) == `{"resourceType":"Condition","id":"bad"}` {
			_, _ = w.Write([]byte(`{"resourceType":"OperationOutcome","issue":[
				{"severity":"error","code":"structure","diagnostics":"missing subject","expression":["Condition.subject"]},
				{"severity":"warning","code":"informational","diagnostics":"no text"}]}`))
			return
		}
		_, _ = w.Write([]byte(`{"resourceType":"OperationOutcome","issue":[{"severity":"information","code":"informational"}]}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/", srv.Client(), time.Second)

	out, err := c.Validate(context.Background(), []byte(`{"resourceType":"Condition","id":"good"}`), conditionProfile)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if !out.Valid() {
		t.Errorf("Valid() = false for an informational outcome")
	}

	out, err = c.Validate(context.Background(), []byte(`{"resourceType":"Condition","id":"bad"}`), conditionProfile)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if out.Valid() || len(out.Errors()) != 1 {
		t.Fatalf("Errors() = %v, want one error", out.Errors())
	}
	if got, want := out.Summary(), "Condition.subject: missing subject"; got != want {
		t.Errorf("Summary() = %q, want %q", got, want)
	}
}

func TestValidateUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, srv.Client(), time.Second)
	c.hc.RetryMax = 0
	_, err := c.Validate(context.Background(), []byte(`{}`), conditionProfile)
	if !errordefs.HasCode(err, errordefs.USC_NETWORK) {
		t.Errorf("Validate() error = %v, want USC_NETWORK", err)
	}

	srv.Close()
	_, err = c.Validate(context.Background(), []byte(`{}`), conditionProfile)
	if !errordefs.HasCode(err, errordefs.USC_NETWORK) {
		t.Errorf("Validate() on a closed server error = %v, want USC_NETWORK", err)
	}
}

func TestValidateTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(3 * time.Second):
		}
		_, _ = w.Write([]byte(`{"resourceType":"OperationOutcome","issue":[]}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, srv.Client(), 100*time.Millisecond)
	start := time.Now()
	_, err := c.Validate(context.Background(), []byte(`{"resourceType":"Condition"}`), conditionProfile)
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("Validate() returned after %s, want it bounded by the timeout", elapsed)
	}
	if !errordefs.HasCode(err, errordefs.USC_NETWORK) {
		t.Fatalf("Validate() error = %v, want USC_NETWORK", err)
	}
	if !strings.Contains(err.Error(), "validator timed out after 100ms") {
		t.Errorf("Validate() error = %q, want the timeout message", err)
	}
}
