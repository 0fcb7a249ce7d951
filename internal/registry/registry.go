// Package registry holds named test suites and the library groups they include by id.
// Every reference is resolved and every definition validated when a suite is
// registered, so configuration errors surface before anything executes.
package registry

import (
	"fmt"
	"log/slog"
	"sync"

	errordefs "github.com/RegistryAccord/uscore-conformance-go/internal/errors"
	"github.com/RegistryAccord/uscore-conformance-go/internal/model"
)

// Registry manages suites and library groups.
type Registry struct {
	mu     sync.RWMutex
	suites map[string]*model.Suite
	order  []string // registration order for listing
	groups map[string]*model.Group
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		suites: make(map[string]*model.Suite),
		groups: make(map[string]*model.Group),
	}
}

// RegisterGroup makes a group available for inclusion by id.
func (r *Registry) RegisterGroup(g *model.Group) error {
	if g == nil || g.ID == "" {
		return errordefs.New(errordefs.USC_INVALID_DEFINITION, "group id is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.groups[g.ID]; exists {
		return errordefs.Newf(errordefs.USC_DUPLICATE_SUITE, "group %q is already registered", g.ID)
	}
	r.groups[g.ID] = g.Clone()

	slog.Debug("group registered", "group", g.ID)
	return nil
}

// Register resolves group references, validates the suite and stores it.
// The stored suite is a private copy; later edits to s have no effect.
func (r *Registry) Register(s *model.Suite) error {
	if s == nil || s.ID == "" {
		return errordefs.New(errordefs.USC_INVALID_DEFINITION, "suite id is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.suites[s.ID]; exists {
		return errordefs.Newf(errordefs.USC_DUPLICATE_SUITE, "suite %q is already registered", s.ID)
	}

	resolved := *s
	resolved.Inputs = append([]model.Input(nil), s.Inputs...)
	resolved.Groups = make([]*model.Group, 0, len(s.Groups))
	for _, g := range s.Groups {
		rg, err := r.resolveGroup(g, make(map[string]bool))
		if err != nil {
			return fmt.Errorf("suite %q: %w", s.ID, err)
		}
		resolved.Groups = append(resolved.Groups, rg)
	}

	if err := validateSuite(&resolved); err != nil {
		return fmt.Errorf("suite %q: %w", s.ID, err)
	}

	r.suites[s.ID] = &resolved
	r.order = append(r.order, s.ID)

	slog.Debug("suite registered", "suite", s.ID, "tests", len(resolved.TestIDs()))
	return nil
}

// resolveGroup replaces references with copies of the registered groups,
// recursing into children. visiting detects inclusion cycles.
func (r *Registry) resolveGroup(g *model.Group, visiting map[string]bool) (*model.Group, error) {
	var out *model.Group
	if g.IsReference() {
		if visiting[g.From] {
			return nil, errordefs.Newf(errordefs.USC_INVALID_DEFINITION, "circular group inclusion at %q", g.From)
		}
		lib, ok := r.groups[g.From]
		if !ok {
			return nil, errordefs.Newf(errordefs.USC_UNRESOLVED_REFERENCE, "group %q is not registered", g.From)
		}
		visiting[g.From] = true
		defer delete(visiting, g.From)
		out = lib.Clone()
	} else {
		out = g.Clone()
	}

	children := make([]*model.Group, 0, len(out.Groups))
	for _, child := range out.Groups {
		rc, err := r.resolveGroup(child, visiting)
		if err != nil {
			return nil, err
		}
		children = append(children, rc)
	}
	out.Groups = children
	return out, nil
}

// Resolve returns the registered suite with the given id.
func (r *Registry) Resolve(id string) (*model.Suite, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.suites[id]
	if !ok {
		return nil, errordefs.Newf(errordefs.USC_NOT_FOUND, "suite %q is not registered", id)
	}
	return s, nil
}

// Group returns the registered library group with the given id.
func (r *Registry) Group(id string) (*model.Group, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	g, ok := r.groups[id]
	if !ok {
		return nil, errordefs.Newf(errordefs.USC_NOT_FOUND, "group %q is not registered", id)
	}
	return g, nil
}

// Suites returns the registered suites in registration order.
func (r *Registry) Suites() []*model.Suite {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*model.Suite, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.suites[id])
	}
	return out
}
