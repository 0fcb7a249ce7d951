package registry

import (
	errordefs "github.com/RegistryAccord/uscore-conformance-go/internal/errors"
	"github.com/RegistryAccord/uscore-conformance-go/internal/model"
)

// validateSuite checks a fully resolved suite.
func validateSuite(s *model.Suite) error {
	if s.Validator.URL == "" {
		return errordefs.New(errordefs.USC_INVALID_DEFINITION, "validator binding URL is required")
	}
	if err := validateInputs(s.Inputs, "suite "+s.ID); err != nil {
		return err
	}

	for _, name := range []string{s.Client.URLInput, s.Client.BearerTokenInput, s.Client.OAuthCredentialsInput} {
		if name == "" {
			continue
		}
		if _, ok := s.Input(name); !ok {
			return errordefs.Newf(errordefs.USC_INVALID_DEFINITION, "client binding refers to undeclared input %q", name)
		}
	}
	if s.Client.URLInput == "" {
		return errordefs.New(errordefs.USC_INVALID_DEFINITION, "client binding URL input is required")
	}

	groupIDs := make(map[string]bool)
	testIDs := make(map[string]bool)
	makers := make(map[string]string)

	var check func(g *model.Group) error
	check = func(g *model.Group) error {
		if g.ID == "" {
			return errordefs.New(errordefs.USC_INVALID_DEFINITION, "group id is required")
		}
		if groupIDs[g.ID] {
			return errordefs.Newf(errordefs.USC_INVALID_DEFINITION, "group id %q appears more than once", g.ID)
		}
		groupIDs[g.ID] = true

		if err := validateInputs(g.Inputs, "group "+g.ID); err != nil {
			return err
		}

		for _, t := range g.Tests {
			if t.ID == "" {
				return errordefs.Newf(errordefs.USC_INVALID_DEFINITION, "group %q has a test without an id", g.ID)
			}
			if testIDs[t.ID] {
				return errordefs.Newf(errordefs.USC_INVALID_DEFINITION, "test id %q appears more than once", t.ID)
			}
			testIDs[t.ID] = true

			if t.Run == nil {
				return errordefs.Newf(errordefs.USC_INVALID_DEFINITION, "test %q has no run body", t.ID)
			}
			if err := validateInputs(t.Inputs, "test "+t.ID); err != nil {
				return err
			}
			if t.MakesRequest != "" {
				if other, ok := makers[t.MakesRequest]; ok {
					return errordefs.Newf(errordefs.USC_INVALID_DEFINITION,
						"request %q is made by both %q and %q", t.MakesRequest, other, t.ID)
				}
				makers[t.MakesRequest] = t.ID
			}
		}

		for _, child := range g.Groups {
			if err := check(child); err != nil {
				return err
			}
		}
		return nil
	}

	for _, g := range s.Groups {
		if err := check(g); err != nil {
			return err
		}
	}
	return nil
}

// validateInputs rejects unnamed, duplicated or unknown-typed declarations.
func validateInputs(inputs []model.Input, owner string) error {
	seen := make(map[string]bool, len(inputs))
	for _, in := range inputs {
		if in.Name == "" {
			return errordefs.Newf(errordefs.USC_INVALID_DEFINITION, "%s declares an input without a name", owner)
		}
		if seen[in.Name] {
			return errordefs.Newf(errordefs.USC_INVALID_DEFINITION, "%s declares input %q twice", owner, in.Name)
		}
		seen[in.Name] = true

		switch in.Type {
		case "", model.InputText, model.InputURL, model.InputBearerToken, model.InputOAuthCredentials:
		default:
			return errordefs.Newf(errordefs.USC_INVALID_DEFINITION, "%s input %q has unknown type %q", owner, in.Name, in.Type)
		}
	}
	return nil
}
