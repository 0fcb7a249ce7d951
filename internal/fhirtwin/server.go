package fhirtwin

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/RegistryAccord/uscore-conformance-go/internal/model"
)

const (
	fhirJSON    = "application/fhir+json"
	fhirVersion = "4.0.1"
	maxBody     = 5 << 20
)

//go:embed seed/us-core.json
var defaultSeed []byte

// Config controls authentication and seeding of the twin.
type Config struct {
	// BearerToken, when set, is accepted on resource routes.
	BearerToken string
	// OAuth, when set, enables SMART discovery and the token endpoint.
	OAuth *OAuthConfig
	// SkipSeed starts the twin empty.
	SkipSeed bool
	Logger   *slog.Logger
}

// Server is an in-memory FHIR R4 server.
type Server struct {
	cfg    Config
	store  *Store
	faults *FaultRegistry
	tokens *tokenIssuer
	router chi.Router
	logger *slog.Logger
}

// New creates a Server loaded with the default US Core seed unless cfg.SkipSeed.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:    cfg,
		store:  NewStore(),
		faults: NewFaultRegistry(),
		logger: logger.With("component", "fhirtwin"),
	}
	if cfg.OAuth != nil {
		s.tokens = newTokenIssuer(*cfg.OAuth)
	}
	if !cfg.SkipSeed {
		if _, err := s.store.Load(defaultSeed); err != nil {
			panic(fmt.Sprintf("fhirtwin: default seed is invalid: %v", err))
		}
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(s.requestLog)
	r.Use(s.faults.middleware)

	r.Get("/metadata", s.handleMetadata)
	r.Get("/.well-known/smart-configuration", s.handleSmartConfiguration)
	r.Post("/token", s.handleToken)

	r.Route("/admin", func(r chi.Router) {
		r.Post("/seed", s.handleSeed)
		r.Post("/reset", s.handleReset)
		r.Post("/faults", s.handleSetFault)
		r.Delete("/faults", s.handleClearFaults)
	})

	r.Group(func(r chi.Router) {
		r.Use(s.requireAuth)
		r.Get("/{type}", s.handleSearch)
		r.Post("/{type}", s.handleCreate)
		r.Get("/{type}/{id}", s.handleRead)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeOutcome(w, http.StatusNotFound, "not-found", "no route for "+r.URL.Path)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeOutcome(w, http.StatusMethodNotAllowed, "not-supported", r.Method+" is not supported on "+r.URL.Path)
	})

	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Store returns the resource store.
func (s *Server) Store() *Store { return s.store }

// Faults returns the fault registry.
func (s *Server) Faults() *FaultRegistry { return s.faults }

// TokensIssued returns how many access tokens the token endpoint has issued.
func (s *Server) TokensIssued() int {
	if s.tokens == nil {
		return 0
	}
	return s.tokens.Issued()
}

// Seed stores resources.
func (s *Server) Seed(resources ...json.RawMessage) error {
	for i, r := range resources {
		if _, err := s.store.Put(r); err != nil {
			return fmt.Errorf("resource %d: %w", i, err)
		}
	}
	return nil
}

// SeedJSON stores the resources of a Bundle, array or single resource document.
func (s *Server) SeedJSON(data []byte) (int, error) {
	return s.store.Load(data)
}

// Reset clears resources and faults, then restores the default seed unless
// the twin was configured to start empty.
func (s *Server) Reset() {
	s.store.Reset()
	s.faults.Reset()
	if !s.cfg.SkipSeed {
		_, _ = s.store.Load(defaultSeed)
	}
}

func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"requestId", chimw.GetReqID(r.Context()),
		)
	})
}

func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.BearerToken == "" && s.tokens == nil {
			next.ServeHTTP(w, r)
			return
		}
		tok, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || tok == "" {
			w.Header().Set("WWW-Authenticate", `Bearer realm="fhir"`)
			writeOutcome(w, http.StatusUnauthorized, "login", "bearer token required")
			return
		}
		if tok == s.cfg.BearerToken || (s.tokens != nil && s.tokens.Valid(tok)) {
			next.ServeHTTP(w, r)
			return
		}
		w.Header().Set("WWW-Authenticate", `Bearer realm="fhir", error="invalid_token"`)
		writeOutcome(w, http.StatusUnauthorized, "security", "invalid or expired access token")
	})
}

func (s *Server) handleMetadata(w http.ResponseWriter, r *http.Request) {
	types := s.store.Types()
	if len(types) == 0 {
		types = []string{"Patient", "Condition", "Observation"}
	}

	resources := make([]map[string]interface{}, 0, len(types))
	for _, rt := range types {
		resources = append(resources, map[string]interface{}{
			"type": rt,
			"interaction": []map[string]string{
				{"code": "read"}, {"code": "search-type"}, {"code": "create"},
			},
			"searchParam": searchParams(rt),
		})
	}

	rest := map[string]interface{}{"mode": "server", "resource": resources}
	if s.tokens != nil {
		rest["security"] = map[string]interface{}{
			"service": []map[string]interface{}{{
				"coding": []map[string]string{{
					"system": "http://terminology.hl7.org/CodeSystem/restful-security-service",
					"code":   "SMART-on-FHIR",
				}},
			}},
			"extension": []map[string]interface{}{{
				"url": "http://fhir-registry.smarthealthit.org/StructureDefinition/oauth-uris",
				"extension": []map[string]string{
					{"url": "token", "valueUri": baseURL(r) + "/token"},
				},
			}},
		}
	}

	writeResource(w, http.StatusOK, map[string]interface{}{
		"resourceType": "CapabilityStatement",
		"status":       "active",
		"date":         time.Now().UTC().Format("2006-01-02"),
		"kind":         "instance",
		"software":     map[string]string{"name": "fhirtwin"},
		"implementation": map[string]string{
			"description": "In-memory FHIR server",
			"url":         baseURL(r),
		},
		"fhirVersion": fhirVersion,
		"format":      []string{"json"},
		"rest":        []interface{}{rest},
	})
}

func searchParams(resourceType string) []map[string]string {
	params := []map[string]string{{"name": "_id", "type": "token"}}
	switch resourceType {
	case "Patient":
	case "Condition", "Observation":
		params = append(params,
			map[string]string{"name": "patient", "type": "reference"},
			map[string]string{"name": "category", "type": "token"},
		)
	default:
		params = append(params, map[string]string{"name": "patient", "type": "reference"})
	}
	return params
}

func (s *Server) handleRead(w http.ResponseWriter, r *http.Request) {
	rt, ok := s.resourceType(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")
	res, found := s.store.Get(rt, id)
	if !found {
		writeOutcome(w, http.StatusNotFound, "not-found", fmt.Sprintf("%s/%s is not known", rt, id))
		return
	}
	w.Header().Set("Content-Type", fhirJSON)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(res)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	rt, ok := s.resourceType(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	var filters []func(json.RawMessage) bool
	for _, name := range []string{"patient", "subject"} {
		if v := q.Get(name); v != "" {
			filters = append(filters, matchesPatient(v))
		}
	}
	if v := q.Get("category"); v != "" {
		var anyOf []func(json.RawMessage) bool
		for _, tok := range strings.Split(v, ",") {
			anyOf = append(anyOf, matchesCategory(tok))
		}
		filters = append(filters, func(res json.RawMessage) bool {
			for _, f := range anyOf {
				if f(res) {
					return true
				}
			}
			return false
		})
	}
	if v := q.Get("_id"); v != "" {
		filters = append(filters, matchesID(v))
	}

	matches := s.store.List(rt, filters...)
	total := len(matches)
	if v := q.Get("_count"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeOutcome(w, http.StatusBadRequest, "invalid", "_count must be a non-negative integer")
			return
		}
		if n < len(matches) {
			matches = matches[:n]
		}
	}

	base := baseURL(r)
	entries := make([]map[string]interface{}, 0, len(matches))
	for _, res := range matches {
		var h header
		_ = json.Unmarshal(res, &h)
		entries = append(entries, map[string]interface{}{
			"fullUrl":  base + "/" + rt + "/" + h.ID,
			"resource": res,
			"search":   map[string]string{"mode": "match"},
		})
	}

	self := base + "/" + rt
	if len(q) > 0 {
		self += "?" + q.Encode()
	}
	writeResource(w, http.StatusOK, map[string]interface{}{
		"resourceType": "Bundle",
		"type":         "searchset",
		"total":        total,
		"link":         []map[string]string{{"relation": "self", "url": self}},
		"entry":        entries,
	})
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	rt, ok := s.resourceType(w, r)
	if !ok {
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil || len(body) == 0 {
		writeOutcome(w, http.StatusBadRequest, "invalid", "request body is required")
		return
	}

	var obj map[string]interface{}
	if err := json.Unmarshal(body, &obj); err != nil {
		writeOutcome(w, http.StatusBadRequest, "structure", "resource is not valid JSON")
		return
	}
	if got, _ := obj["resourceType"].(string); got != rt {
		writeOutcome(w, http.StatusBadRequest, "invalid", fmt.Sprintf("resourceType %q does not match endpoint %s", got, rt))
		return
	}
	// The server assigns ids on create.
	delete(obj, "id")
	body, _ = json.Marshal(obj)

	stored, err := s.store.Put(body)
	if err != nil {
		writeOutcome(w, http.StatusBadRequest, "invalid", err.Error())
		return
	}
	var h header
	_ = json.Unmarshal(stored, &h)

	w.Header().Set("Location", baseURL(r)+"/"+rt+"/"+h.ID+"/_history/1")
	w.Header().Set("Content-Type", fhirJSON)
	w.WriteHeader(http.StatusCreated)
	_, _ = w.Write(stored)
}

func (s *Server) resourceType(w http.ResponseWriter, r *http.Request) (string, bool) {
	rt := chi.URLParam(r, "type")
	canonical, ok := model.LookupResourceType(rt)
	if !ok || canonical != rt {
		writeOutcome(w, http.StatusNotFound, "not-supported", fmt.Sprintf("resource type %q is not supported", rt))
		return "", false
	}
	return rt, true
}

func (s *Server) handleSeed(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		writeOutcome(w, http.StatusBadRequest, "invalid", "failed to read body")
		return
	}
	n, err := s.store.Load(body)
	if err != nil {
		writeOutcome(w, http.StatusBadRequest, "invalid", err.Error())
		return
	}
	s.logger.Info("seeded resources", "count", n)
	writeJSON(w, http.StatusOK, map[string]int{"loaded": n})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	s.Reset()
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

type faultRequest struct {
	Path       string  `json:"path"`
	StatusCode int     `json:"status_code"`
	Body       string  `json:"body,omitempty"`
	DelayMS    int     `json:"delay_ms,omitempty"`
	Rate       float64 `json:"rate,omitempty"`
	Count      int     `json:"count,omitempty"`
}

func (s *Server) handleSetFault(w http.ResponseWriter, r *http.Request) {
	var req faultRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBody)).Decode(&req); err != nil {
		writeOutcome(w, http.StatusBadRequest, "invalid", "invalid fault: "+err.Error())
		return
	}
	if !strings.HasPrefix(req.Path, "/") || strings.HasPrefix(req.Path, "/admin") {
		writeOutcome(w, http.StatusBadRequest, "invalid", "fault path must be an absolute non-admin path")
		return
	}
	if req.Rate < 0 || req.Rate > 1 || req.Count < 0 {
		writeOutcome(w, http.StatusBadRequest, "invalid", "rate must be within [0,1] and count non-negative")
		return
	}
	s.faults.Set(req.Path, Fault{
		StatusCode: req.StatusCode,
		Body:       req.Body,
		Delay:      time.Duration(req.DelayMS) * time.Millisecond,
		Rate:       req.Rate,
		Count:      req.Count,
	})
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleClearFaults(w http.ResponseWriter, r *http.Request) {
	s.faults.Reset()
	w.WriteHeader(http.StatusNoContent)
}

// baseURL is the externally visible root of the twin for the request.
func baseURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if fwd := r.Header.Get("X-Forwarded-Proto"); fwd != "" {
		scheme = fwd
	}
	u := url.URL{Scheme: scheme, Host: r.Host}
	return u.String()
}

func writeResource(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", fhirJSON)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeOutcome writes a single-issue OperationOutcome.
func writeOutcome(w http.ResponseWriter, status int, code, diagnostics string) {
	writeResource(w, status, map[string]interface{}{
		"resourceType": "OperationOutcome",
		"issue": []map[string]string{{
			"severity":    "error",
			"code":        code,
			"diagnostics": diagnostics,
		}},
	})
}
