// internal/schema/validator.go
package schema

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	errordefs "github.com/RegistryAccord/uscore-conformance-go/internal/errors"
	"github.com/RegistryAccord/uscore-conformance-go/internal/validator"
)

// Validator validates resources against registered profiles. It satisfies
// validator.Validator so runs can validate in process.
type Validator struct {
	mu       sync.RWMutex
	profiles map[string]*Profile // keyed by canonical URL without version
}

var _ validator.Validator = (*Validator)(nil)

// NewValidator creates a validator preloaded with the built-in profiles:
// US Core Patient and Condition, and the base Observation and CapabilityStatement.
func NewValidator() (*Validator, error) {
	v := &Validator{profiles: make(map[string]*Profile)}
	if _, err := v.LoadFS(builtin, "profiles"); err != nil {
		return nil, fmt.Errorf("failed to load built-in profiles: %w", err)
	}
	return v, nil
}

// Validate checks resource against the profile and reports the findings as
// an OperationOutcome. Only an unknown profile is returned as an error; an
// unreadable resource is a fatal issue of the outcome.
func (v *Validator) Validate(_ context.Context, resource []byte, profileURL string) (*validator.Outcome, error) {
	p, ok := v.Lookup(profileURL)
	if !ok {
		return nil, errordefs.NewWithDetails(errordefs.USC_NOT_FOUND,
			fmt.Sprintf("unknown profile %s", profileURL), map[string]interface{}{"profile": profileURL})
	}

	out := &validator.Outcome{ResourceType: "OperationOutcome", Issue: []validator.Issue{}}

	var tag struct {
		ResourceType string `json:"resourceType"`
	}
	if err := json.Unmarshal(resource, &tag); err != nil {
		out.Issue = append(out.Issue, validator.Issue{
			Severity:    validator.SeverityFatal,
			Code:        "structure",
			Diagnostics: "resource is not valid JSON: " + err.Error(),
		})
		return out, nil
	}
	if tag.ResourceType != p.ResourceType {
		out.Issue = append(out.Issue, validator.Issue{
			Severity:    validator.SeverityError,
			Code:        "structure",
			Diagnostics: fmt.Sprintf("profile %s applies to %s, not %q", p.URL, p.ResourceType, tag.ResourceType),
			Expression:  []string{"resourceType"},
		})
		return out, nil
	}

	result, err := p.schema.Validate(gojsonschema.NewBytesLoader(resource))
	if err != nil {
		return nil, errordefs.Wrap(errordefs.USC_INTERNAL, err, "schema evaluation failed")
	}
	for _, re := range result.Errors() {
		out.Issue = append(out.Issue, issueFor(p.ResourceType, re))
	}

	if len(out.Issue) == 0 {
		out.Issue = append(out.Issue, validator.Issue{
			Severity:    validator.SeverityInformation,
			Code:        "informational",
			Diagnostics: fmt.Sprintf("conforms to %s", p.URL),
		})
	}
	return out, nil
}

// issueFor maps a schema error to an OperationOutcome issue.
func issueFor(resourceType string, re gojsonschema.ResultError) validator.Issue {
	code := "invariant"
	switch re.Type() {
	case "required":
		code = "required"
	case "enum", "const", "pattern", "string_gte", "string_lte":
		code = "value"
	case "invalid_type", "array_min_items", "array_max_items":
		code = "structure"
	}

	expr := resourceType
	if f := re.Field(); f != "" && f != gojsonschema.STRING_CONTEXT_ROOT {
		expr += "." + f
	}
	return validator.Issue{
		Severity:    validator.SeverityError,
		Code:        code,
		Diagnostics: re.Description(),
		Expression:  []string{expr},
	}
}
