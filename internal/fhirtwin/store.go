// Package fhirtwin is an in-memory FHIR R4 server used to exercise suites
// without a real EHR. It serves the capability statement, reads, searches
// and creates, with optional bearer or OAuth enforcement.
package fhirtwin

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/RegistryAccord/uscore-conformance-go/internal/model"
)

var idPattern = regexp.MustCompile(`^[A-Za-z0-9\-\.]{1,64}$`)

// Store holds resources by type in insertion order.
type Store struct {
	mu      sync.RWMutex
	items   map[string]map[string]json.RawMessage // type -> id -> resource
	order   map[string][]string                   // type -> ids in insertion order
	counter atomic.Uint64
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{
		items: make(map[string]map[string]json.RawMessage),
		order: make(map[string][]string),
	}
}

// header is the part of a resource the store reads.
type header struct {
	ResourceType string `json:"resourceType"`
	ID           string `json:"id"`
}

// Put stores resource, assigning an id and meta when it has none, and
// returns the stored form. An existing resource with the same id is replaced
// in place.
func (s *Store) Put(resource []byte) (json.RawMessage, error) {
	var obj map[string]interface{}
	if err := json.Unmarshal(resource, &obj); err != nil {
		return nil, fmt.Errorf("resource is not a JSON object: %w", err)
	}
	rt, _ := obj["resourceType"].(string)
	canonical, ok := model.LookupResourceType(rt)
	if !ok || canonical != rt {
		return nil, fmt.Errorf("unknown resourceType %q", rt)
	}

	id, _ := obj["id"].(string)
	if id == "" {
		id = fmt.Sprintf("%s-%06d", strings.ToLower(rt), s.counter.Add(1))
		obj["id"] = id
	}
	if !idPattern.MatchString(id) {
		return nil, fmt.Errorf("invalid id %q", id)
	}

	meta, _ := obj["meta"].(map[string]interface{})
	if meta == nil {
		meta = map[string]interface{}{}
	}
	if _, ok := meta["versionId"]; !ok {
		meta["versionId"] = "1"
	}
	meta["lastUpdated"] = time.Now().UTC().Format(time.RFC3339)
	obj["meta"] = meta

	stored, err := json.Marshal(obj)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.items[rt] == nil {
		s.items[rt] = make(map[string]json.RawMessage)
	}
	if _, exists := s.items[rt][id]; !exists {
		s.order[rt] = append(s.order[rt], id)
	}
	s.items[rt][id] = stored
	return stored, nil
}

// Get returns the resource of the given type and id.
func (s *Store) Get(resourceType, id string) (json.RawMessage, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.items[resourceType][id]
	return r, ok
}

// List returns the resources of a type matching every filter, in insertion order.
func (s *Store) List(resourceType string, filters ...func(json.RawMessage) bool) []json.RawMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []json.RawMessage
next:
	for _, id := range s.order[resourceType] {
		r := s.items[resourceType][id]
		for _, f := range filters {
			if !f(r) {
				continue next
			}
		}
		out = append(out, r)
	}
	return out
}

// Types returns the resource types that hold at least one resource.
func (s *Store) Types() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for _, rt := range model.ResourceTypes {
		if len(s.order[rt]) > 0 {
			out = append(out, rt)
		}
	}
	return out
}

// Reset removes every resource.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = make(map[string]map[string]json.RawMessage)
	s.order = make(map[string][]string)
}

// Load stores the resources of a Bundle, a JSON array, or a single resource.
func (s *Store) Load(data []byte) (int, error) {
	var probe struct {
		ResourceType string `json:"resourceType"`
		Entry        []struct {
			Resource json.RawMessage `json:"resource"`
		} `json:"entry"`
	}

	var resources []json.RawMessage
	trimmed := strings.TrimSpace(string(data))
	switch {
	case strings.HasPrefix(trimmed, "["):
		if err := json.Unmarshal(data, &resources); err != nil {
			return 0, fmt.Errorf("invalid seed array: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &probe); err != nil {
			return 0, fmt.Errorf("invalid seed document: %w", err)
		}
		if probe.ResourceType == "Bundle" {
			for _, e := range probe.Entry {
				resources = append(resources, e.Resource)
			}
		} else {
			resources = append(resources, json.RawMessage(data))
		}
	}

	for i, r := range resources {
		if _, err := s.Put(r); err != nil {
			return i, fmt.Errorf("seed resource %d: %w", i, err)
		}
	}
	return len(resources), nil
}

// matchesPatient reports whether the resource refers to the patient via
// subject or patient, or is that Patient.
func matchesPatient(patientID string) func(json.RawMessage) bool {
	want := strings.TrimPrefix(patientID, "Patient/")
	return func(r json.RawMessage) bool {
		var res struct {
			ResourceType string `json:"resourceType"`
			ID           string `json:"id"`
			Subject      struct {
				Reference string `json:"reference"`
			} `json:"subject"`
			Patient struct {
				Reference string `json:"reference"`
			} `json:"patient"`
		}
		if json.Unmarshal(r, &res) != nil {
			return false
		}
		if res.ResourceType == "Patient" {
			return res.ID == want
		}
		for _, ref := range []string{res.Subject.Reference, res.Patient.Reference} {
			if ref == "Patient/"+want || strings.HasSuffix(ref, "/Patient/"+want) {
				return true
			}
		}
		return false
	}
}

// matchesCategory accepts "code" or "system|code" tokens.
func matchesCategory(token string) func(json.RawMessage) bool {
	system, code := "", token
	if i := strings.IndexByte(token, '|'); i >= 0 {
		system, code = token[:i], token[i+1:]
	}
	return func(r json.RawMessage) bool {
		var res struct {
			Category []struct {
				Coding []struct {
					System string `json:"system"`
					Code   string `json:"code"`
				} `json:"coding"`
			} `json:"category"`
		}
		if json.Unmarshal(r, &res) != nil {
			return false
		}
		for _, c := range res.Category {
			for _, cd := range c.Coding {
				if cd.Code == code && (system == "" || cd.System == system) {
					return true
				}
			}
		}
		return false
	}
}

func matchesID(id string) func(json.RawMessage) bool {
	return func(r json.RawMessage) bool {
		var h header
		return json.Unmarshal(r, &h) == nil && h.ID == id
	}
}
