package model

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func sampleSuite() *Suite {
	return &Suite{
		ID: "s",
		Groups: []*Group{
			{
				ID:    "g1",
				Tests: []*Test{{ID: "t1"}, {ID: "t2"}},
				Groups: []*Group{
					{ID: "g1a", Tests: []*Test{{ID: "t3"}}},
				},
			},
			{ID: "g2", Tests: []*Test{{ID: "t4"}}},
		},
	}
}

// TestWalkOrder verifies depth-first declaration order and group paths.
func TestWalkOrder(t *testing.T) {
	s := sampleSuite()

	var got []string
	s.Walk(func(path []*Group, tst *Test) {
		ids := ""
		for _, g := range path {
			ids += g.ID + "/"
		}
		got = append(got, ids+tst.ID)
	})

	want := []string{"g1/t1", "g1/t2", "g1/g1a/t3", "g2/t4"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Walk() mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"t1", "t2", "t3", "t4"}, s.TestIDs()); diff != "" {
		t.Errorf("TestIDs() mismatch (-want +got):\n%s", diff)
	}
}

// TestCloneIsDeep verifies that editing a clone leaves the original intact.
func TestCloneIsDeep(t *testing.T) {
	g := sampleSuite().Groups[0]
	c := g.Clone()
	c.Tests[0].ID = "changed"
	c.Groups[0].Tests[0].ID = "changed"

	if g.Tests[0].ID != "t1" || g.Groups[0].Tests[0].ID != "t3" {
		t.Errorf("Clone() shares tests with the original")
	}
}

// TestIsReference verifies reference detection.
func TestIsReference(t *testing.T) {
	if !Ref("patient_group").IsReference() {
		t.Errorf("Ref() should be a reference")
	}
	if (&Group{ID: "x", From: "y"}).IsReference() {
		t.Errorf("a group with its own id is not a bare reference")
	}
}

// TestResponseResourceType covers JSON and XML bodies.
func TestResponseResourceType(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		want    string
		wantErr bool
	}{
		{"json", `{"resourceType":"CapabilityStatement","status":"active"}`, "CapabilityStatement", false},
		{"xml", `<?xml version="1.0"?><Bundle xmlns="http://hl7.org/fhir"><type value="searchset"/></Bundle>`, "Bundle", false},
		{"no tag", `{"id":"1"}`, "", true},
		{"empty", ``, "", true},
		{"garbage", `not json`, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := (&Response{Body: []byte(tt.body)}).ResourceType()
			if (err != nil) != tt.wantErr {
				t.Fatalf("ResourceType() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ResourceType() = %q, want %q", got, tt.want)
			}
		})
	}
}

// TestLookupResourceType verifies the accepted spellings.
func TestLookupResourceType(t *testing.T) {
	for _, in := range []string{"CapabilityStatement", "capability_statement", "capabilitystatement", "CAPABILITY-STATEMENT"} {
		got, ok := LookupResourceType(in)
		if !ok || got != "CapabilityStatement" {
			t.Errorf("LookupResourceType(%q) = %q, %v", in, got, ok)
		}
	}
	if _, ok := LookupResourceType("NotAResource"); ok {
		t.Errorf("LookupResourceType() accepted an unknown type")
	}
}

// TestBundleEntries verifies entry helpers.
func TestBundleEntries(t *testing.T) {
	resp := &Response{Body: []byte(`{"resourceType":"Bundle","type":"searchset","entry":[
		{"fullUrl":"http://x/Condition/1","resource":{"resourceType":"Condition","id":"1"}},
		{"resource":{"resourceType":"Patient","id":"p"}}]}`)}
	b, err := resp.Bundle()
	if err != nil {
		t.Fatalf("Bundle() error = %v", err)
	}
	if len(b.Entry) != 2 {
		t.Fatalf("len(Entry) = %d, want 2", len(b.Entry))
	}
	if b.Entry[0].ResourceType() != "Condition" || b.Entry[0].ResourceID() != "1" {
		t.Errorf("entry 0 = %s/%s", b.Entry[0].ResourceType(), b.Entry[0].ResourceID())
	}

	if _, err := (&Response{Body: []byte(`{"resourceType":"Patient"}`)}).Bundle(); err == nil {
		t.Errorf("Bundle() on a Patient should fail")
	}
}

// TestOAuthCredentialsExpiry verifies expiry calculation.
func TestOAuthCredentialsExpiry(t *testing.T) {
	c := OAuthCredentials{ExpiresIn: 3600, IssuedAt: "2026-01-01T00:00:00Z"}
	want := time.Date(2026, 1, 1, 1, 0, 0, 0, time.UTC)
	if got := c.Expiry(); !got.Equal(want) {
		t.Errorf("Expiry() = %v, want %v", got, want)
	}
	if !(OAuthCredentials{}).Expiry().IsZero() {
		t.Errorf("Expiry() without data should be zero")
	}
}

// TestStatusTerminal verifies the terminal set.
func TestStatusTerminal(t *testing.T) {
	for _, s := range []Status{StatusPass, StatusFail, StatusSkip, StatusError} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []Status{StatusPending, StatusRunning} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}
