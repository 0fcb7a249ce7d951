package fhir

import (
	"sort"
	"sync"

	errordefs "github.com/RegistryAccord/uscore-conformance-go/internal/errors"
	"github.com/RegistryAccord/uscore-conformance-go/internal/model"
)

// RequestTable holds the named requests of one run. A name belongs to the
// test that first stored it; only that test may overwrite it.
type RequestTable struct {
	mu      sync.RWMutex
	entries map[string]*model.NamedRequest
}

// NewRequestTable creates an empty table.
func NewRequestTable() *RequestTable {
	return &RequestTable{entries: make(map[string]*model.NamedRequest)}
}

// Store records nr under nr.Name.
func (t *RequestTable) Store(nr *model.NamedRequest) error {
	if nr.Name == "" {
		return errordefs.New(errordefs.USC_INVALID_DEFINITION, "named request without a name")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if prev, ok := t.entries[nr.Name]; ok && prev.TestID != nr.TestID {
		return errordefs.Newf(errordefs.USC_INVALID_DEFINITION,
			"request %q was produced by %q and cannot be overwritten by %q", nr.Name, prev.TestID, nr.TestID)
	}
	t.entries[nr.Name] = nr
	return nil
}

// Lookup returns the latest request stored under name.
func (t *RequestTable) Lookup(name string) (*model.NamedRequest, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	nr, ok := t.entries[name]
	if !ok {
		return nil, errordefs.Newf(errordefs.USC_UNRESOLVED_REQUEST, "request %q has not been made earlier in this run", name)
	}
	return nr, nil
}

// Names lists the stored request names, sorted.
func (t *RequestTable) Names() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	names := make([]string, 0, len(t.entries))
	for name := range t.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
