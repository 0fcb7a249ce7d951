package fhir

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	errordefs "github.com/RegistryAccord/uscore-conformance-go/internal/errors"
	"github.com/RegistryAccord/uscore-conformance-go/internal/model"
	"github.com/RegistryAccord/uscore-conformance-go/internal/smart"
)

func TestExecuteResolvesAgainstBase(t *testing.T) {
	var gotPath, gotQuery, gotAuth, gotAccept, gotRequestID string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		gotAuth = r.Header.Get("Authorization")
		gotAccept = r.Header.Get("Accept")
		gotRequestID = r.Header.Get("X-Request-Id")
		w.Header().Set("Content-Type", ContentTypeFHIRJSON)
		_, _ = w.Write([]byte(`{"resourceType":"Bundle","type":"searchset"}`))
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL+"/r4/", WithAuthorizer(BearerAuth("SAMPLE_TOKEN")))
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}

	req := SearchRequest("Condition", url.Values{"patient": {"85"}})
	resp, err := c.Execute(context.Background(), &req)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if resp.Status != http.StatusOK {
		t.Errorf("Status = %d, want 200", resp.Status)
	}
	if gotPath != "/r4/Condition" || gotQuery != "patient=85" {
		t.Errorf("server saw %s?%s", gotPath, gotQuery)
	}
	if gotAuth != "Bearer SAMPLE_TOKEN" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotAccept != ContentTypeFHIRJSON {
		t.Errorf("Accept = %q", gotAccept)
	}
	if gotRequestID == "" {
		t.Errorf("X-Request-Id was not sent")
	}
	if req.URL != srv.URL+"/r4/Condition?patient=85" {
		t.Errorf("recorded URL = %q", req.URL)
	}
	if got := req.Headers.Get("Authorization"); got != "Bearer [redacted]" {
		t.Errorf("recorded Authorization = %q, want redacted", got)
	}
}

func TestExecuteRetriesOnlyIdempotent(t *testing.T) {
	var gets, posts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			if atomic.AddInt32(&gets, 1) == 1 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			_, _ = w.Write([]byte(`{"resourceType":"CapabilityStatement"}`))
		case http.MethodPost:
			atomic.AddInt32(&posts, 1)
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer srv.Close()

	c, _ := NewClient(srv.URL)
	c.hc.RetryWaitMin = time.Millisecond
	c.hc.RetryWaitMax = time.Millisecond

	req := CapabilityStatementRequest()
	resp, err := c.Execute(context.Background(), &req)
	if err != nil {
		t.Fatalf("Execute(GET) error = %v", err)
	}
	if resp.Status != http.StatusOK || atomic.LoadInt32(&gets) != 2 {
		t.Errorf("GET status = %d after %d attempts", resp.Status, gets)
	}

	post := CreateRequest("Patient", []byte(`{"resourceType":"Patient"}`))
	resp, err = c.Execute(context.Background(), &post)
	if err != nil {
		t.Fatalf("Execute(POST) error = %v", err)
	}
	if resp.Status != http.StatusServiceUnavailable {
		t.Errorf("POST status = %d, want 503", resp.Status)
	}
	if got := atomic.LoadInt32(&posts); got != 1 {
		t.Errorf("POST sent %d times, want 1", got)
	}
}

func TestExecuteDoesNotRetryServerErrors(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c, _ := NewClient(srv.URL)
	req := ReadRequest("Patient", "85")
	resp, err := c.Execute(context.Background(), &req)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if resp.Status != http.StatusInternalServerError || atomic.LoadInt32(&hits) != 1 {
		t.Errorf("status %d after %d attempts, want one 500", resp.Status, hits)
	}
}

func TestExecuteTimeoutIsNetworkError(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(block)

	c, _ := NewClient(srv.URL, WithTimeout(50*time.Millisecond), WithRetryMax(0))
	req := CapabilityStatementRequest()
	_, err := c.Execute(context.Background(), &req)
	if !errordefs.HasCode(err, errordefs.USC_NETWORK) {
		t.Fatalf("Execute() error = %v, want USC_NETWORK", err)
	}
	if !strings.Contains(err.Error(), "timed out") {
		t.Errorf("error %q does not mention the timeout", err)
	}
}

func TestExecuteConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close()

	c, _ := NewClient(base, WithRetryMax(0))
	req := CapabilityStatementRequest()
	if _, err := c.Execute(context.Background(), &req); !errordefs.HasCode(err, errordefs.USC_NETWORK) {
		t.Errorf("Execute() error = %v, want USC_NETWORK", err)
	}
}

func TestOAuthRefreshThroughDiscoveredEndpoint(t *testing.T) {
	var refreshes int32
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("/.well-known/smart-configuration", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"token_endpoint": srv.URL + "/token"})
	})
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		if r.Form.Get("grant_type") != "refresh_token" || r.Form.Get("refresh_token") != "R1" {
			http.Error(w, "bad grant", http.StatusBadRequest)
			return
		}
		atomic.AddInt32(&refreshes, 1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"FRESH","token_type":"Bearer","expires_in":3600}`))
	})
	mux.HandleFunc("/metadata", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer FRESH" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"resourceType":"CapabilityStatement"}`))
	})

	creds := model.OAuthCredentials{
		AccessToken:  "STALE",
		RefreshToken: "R1",
		ClientID:     "inferno",
		ExpiresIn:    60,
		IssuedAt:     time.Now().Add(-time.Hour).UTC().Format(time.RFC3339),
	}
	auth, err := NewOAuthAuth(context.Background(), creds, srv.URL, smart.New(srv.Client()), srv.Client())
	if err != nil {
		t.Fatalf("NewOAuthAuth() error = %v", err)
	}

	c, _ := NewClient(srv.URL, WithAuthorizer(auth))
	for i := 0; i < 2; i++ {
		req := CapabilityStatementRequest()
		resp, err := c.Execute(context.Background(), &req)
		if err != nil {
			t.Fatalf("Execute() error = %v", err)
		}
		if resp.Status != http.StatusOK {
			t.Fatalf("Status = %d, want 200", resp.Status)
		}
	}
	if got := atomic.LoadInt32(&refreshes); got != 1 {
		t.Errorf("refreshed %d times, want 1", got)
	}
	if got := auth.Credentials(); got.AccessToken != "FRESH" || got.TokenURL != srv.URL+"/token" {
		t.Errorf("Credentials() = %+v", got)
	}
}

func TestOAuthRefreshHonoursRequestDeadline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(3 * time.Second):
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"LATE","token_type":"Bearer","expires_in":3600}`))
	}))
	defer srv.Close()

	creds := model.OAuthCredentials{
		AccessToken:  "STALE",
		RefreshToken: "R1",
		ClientID:     "inferno",
		TokenURL:     srv.URL + "/token",
		ExpiresIn:    60,
		IssuedAt:     time.Now().Add(-time.Hour).UTC().Format(time.RFC3339),
	}
	auth, err := NewOAuthAuth(context.Background(), creds, srv.URL, nil, nil)
	if err != nil {
		t.Fatalf("NewOAuthAuth() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "http://fhir/metadata", nil)

	start := time.Now()
	err = auth.Authorize(ctx, req)
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("Authorize() returned after %s, want it bounded by the request deadline", elapsed)
	}
	if !errordefs.HasCode(err, errordefs.USC_NETWORK) {
		t.Fatalf("Authorize() error = %v, want USC_NETWORK", err)
	}
	if !strings.Contains(err.Error(), "timed out") {
		t.Errorf("Authorize() error = %q, want a timeout message", err)
	}
	if got := auth.Credentials().AccessToken; got != "STALE" {
		t.Errorf("AccessToken = %q after failed refresh", got)
	}
}

func TestOAuthWithoutRefresh(t *testing.T) {
	auth, err := NewOAuthAuth(context.Background(), model.OAuthCredentials{AccessToken: "A"}, "http://unused", nil, nil)
	if err != nil {
		t.Fatalf("NewOAuthAuth() error = %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "http://fhir/metadata", nil)
	if err := auth.Authorize(context.Background(), req); err != nil {
		t.Fatalf("Authorize() error = %v", err)
	}
	if got := req.Header.Get("Authorization"); got != "Bearer A" {
		t.Errorf("Authorization = %q", got)
	}
}

func TestRequestTable(t *testing.T) {
	tbl := NewRequestTable()

	if _, err := tbl.Lookup("condition_patient_search"); !errordefs.HasCode(err, errordefs.USC_UNRESOLVED_REQUEST) {
		t.Fatalf("Lookup() before Store error = %v, want USC_UNRESOLVED_REQUEST", err)
	}

	first := &model.NamedRequest{Name: "condition_patient_search", TestID: "search", Response: &model.Response{Status: 200}}
	second := &model.NamedRequest{Name: "condition_patient_search", TestID: "search", Response: &model.Response{Status: 404}}
	if err := tbl.Store(first); err != nil {
		t.Fatalf("Store() error = %v", err)
	}
	if err := tbl.Store(second); err != nil {
		t.Fatalf("Store() by the same test error = %v", err)
	}
	got, _ := tbl.Lookup("condition_patient_search")
	if got.Response.Status != 404 {
		t.Errorf("Lookup() returned status %d, want the latest (404)", got.Response.Status)
	}

	err := tbl.Store(&model.NamedRequest{Name: "condition_patient_search", TestID: "other"})
	if !errordefs.HasCode(err, errordefs.USC_INVALID_DEFINITION) {
		t.Errorf("Store() by another test error = %v, want USC_INVALID_DEFINITION", err)
	}
	if diff := cmp.Diff([]string{"condition_patient_search"}, tbl.Names()); diff != "" {
		t.Errorf("Names() mismatch (-want +got):\n%s", diff)
	}
}

func TestResourceLabel(t *testing.T) {
	tests := map[string]string{
		"http://x/r4/metadata":          "metadata",
		"http://x/r4/Patient/85":        "Patient",
		"http://x/r4/Condition?patient": "Condition",
		"http://x/r4":                   "root",
	}
	for target, want := range tests {
		if got := resourceLabel("/r4", target); got != want {
			t.Errorf("resourceLabel(%q) = %q, want %q", target, got, want)
		}
	}
}
