// Package assert implements the checks test bodies make against FHIR responses.
// Every failed check returns a USC_ASSERTION error; infrastructure failures
// such as an unreachable validator keep their own codes.
package assert

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	errordefs "github.com/RegistryAccord/uscore-conformance-go/internal/errors"
	"github.com/RegistryAccord/uscore-conformance-go/internal/model"
	"github.com/RegistryAccord/uscore-conformance-go/internal/validator"
)

// DefaultConcurrency bounds concurrent validator calls for one bundle.
const DefaultConcurrency = 4

// Failure builds an assertion error.
func Failure(format string, args ...any) error {
	return errordefs.Newf(errordefs.USC_ASSERTION, format, args...)
}

// ResponseStatus checks that resp has one of the expected status codes.
func ResponseStatus(resp *model.Response, expected ...int) error {
	if resp == nil {
		return Failure("no response to check")
	}
	for _, code := range expected {
		if resp.Status == code {
			return nil
		}
	}
	want := make([]string, len(expected))
	for i, code := range expected {
		want[i] = fmt.Sprint(code)
	}
	return Failure("Unexpected response status: expected %s, but received %d", strings.Join(want, ", "), resp.Status)
}

// ResourceType checks the type tag of the response body. expected may be
// spelled "CapabilityStatement", "capability_statement" or "capabilitystatement".
func ResourceType(resp *model.Response, expected string) error {
	if resp == nil {
		return Failure("no response to check")
	}
	want, ok := model.LookupResourceType(expected)
	if !ok {
		return Failure("%q is not a FHIR resource type", expected)
	}
	got, err := resp.ResourceType()
	if err != nil {
		return Failure("Unexpected resource type: expected %s, but %v", want, err)
	}
	if got != want {
		return Failure("Unexpected resource type: expected %s, but received %s", want, got)
	}
	return nil
}

// ValidResource validates the response body against profileURL.
func ValidResource(ctx context.Context, v validator.Validator, resp *model.Response, profileURL string) error {
	if resp == nil {
		return Failure("no response to check")
	}
	out, err := v.Validate(ctx, resp.Body, profileURL)
	if err != nil {
		return err
	}
	if !out.Valid() {
		rt, _ := resp.ResourceType()
		return errordefs.NewWithDetails(errordefs.USC_ASSERTION,
			fmt.Sprintf("%s does not conform to %s: %s", rt, profileURL, out.Summary()), out.Errors())
	}
	return nil
}

// BundleSummary describes what ValidBundleEntries looked at.
type BundleSummary struct {
	Entries    int            // Entries in the bundle
	Validated  map[string]int // Matched entries per resource type
	Violations []string       // One line per non-conforming entry
}

// Matched returns the number of entries that were validated.
func (s BundleSummary) Matched() int {
	n := 0
	for _, c := range s.Validated {
		n += c
	}
	return n
}

type entryCheck struct {
	label   string
	profile string
	body    []byte
	outcome *validator.Outcome
}

// ValidBundleEntries validates every bundle entry whose type is a key of
// resourceTypes against the profile it maps to. Entries are validated
// concurrently, bounded by limit, and the result is decided only after all of
// them have finished. Every non-conforming entry is listed in one assertion
// error. Entries of other types are ignored.
func ValidBundleEntries(ctx context.Context, v validator.Validator, resp *model.Response, resourceTypes map[string]string, limit int) (BundleSummary, error) {
	summary := BundleSummary{Validated: make(map[string]int)}
	if resp == nil {
		return summary, Failure("no response to check")
	}

	bundle, err := resp.Bundle()
	if err != nil {
		return summary, Failure("Response is not a valid Bundle: %v", err)
	}
	summary.Entries = len(bundle.Entry)

	profiles := make(map[string]string, len(resourceTypes))
	for name, profile := range resourceTypes {
		canonical, ok := model.LookupResourceType(name)
		if !ok {
			return summary, Failure("%q is not a FHIR resource type", name)
		}
		profiles[canonical] = profile
	}

	var checks []*entryCheck
	for i, entry := range bundle.Entry {
		rt := entry.ResourceType()
		profile, ok := profiles[rt]
		if !ok {
			continue
		}
		label := rt + "/" + entry.ResourceID()
		if entry.ResourceID() == "" {
			label = fmt.Sprintf("%s (entry %d)", rt, i)
		}
		checks = append(checks, &entryCheck{label: label, profile: profile, body: entry.Resource})
		summary.Validated[rt]++
	}

	if limit <= 0 {
		limit = DefaultConcurrency
	}
	var g errgroup.Group
	g.SetLimit(limit)
	for _, c := range checks {
		c := c
		g.Go(func() error {
			out, err := v.Validate(ctx, c.body, c.profile)
			if err != nil {
				return err
			}
			c.outcome = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return summary, err
	}

	for _, c := range checks {
		if !c.outcome.Valid() {
			summary.Violations = append(summary.Violations, fmt.Sprintf("%s: %s", c.label, c.outcome.Summary()))
		}
	}
	if len(summary.Violations) > 0 {
		return summary, errordefs.NewWithDetails(errordefs.USC_ASSERTION,
			fmt.Sprintf("%d of %d %s entries do not conform to their profile:\n - %s",
				len(summary.Violations), summary.Matched(), typeList(summary.Validated), strings.Join(summary.Violations, "\n - ")),
			summary.Violations)
	}
	return summary, nil
}

func typeList(counts map[string]int) string {
	names := make([]string, 0, len(counts))
	for name := range counts {
		names = append(names, name)
	}
	sort.Strings(names)
	return strings.Join(names, "/")
}
