// internal/inputs/resolver.go
// Package inputs validates the values provided for a run against the declared
// input specs and exposes them as read-only scopes. Child scopes inherit from
// their parent and shadow it where a name is declared again.
package inputs

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strings"
	"time"

	errordefs "github.com/RegistryAccord/uscore-conformance-go/internal/errors"
	"github.com/RegistryAccord/uscore-conformance-go/internal/model"
	"github.com/RegistryAccord/uscore-conformance-go/internal/token"
)

// Scope is the resolved input context of a suite, group or test.
// It is never modified after Resolve returns.
type Scope struct {
	parent *Scope
	values map[string]string
	specs  map[string]model.Input
}

// Lookup returns the value visible under name, searching parent scopes.
func (s *Scope) Lookup(name string) (string, bool) {
	for cur := s; cur != nil; cur = cur.parent {
		if v, ok := cur.values[name]; ok {
			return v, true
		}
	}
	return "", false
}

// Value returns the value visible under name, or "".
func (s *Scope) Value(name string) string {
	v, _ := s.Lookup(name)
	return v
}

// Declaration returns the innermost declaration of name.
func (s *Scope) Declaration(name string) (model.Input, bool) {
	for cur := s; cur != nil; cur = cur.parent {
		if in, ok := cur.specs[name]; ok {
			return in, true
		}
	}
	return model.Input{}, false
}

// Names lists every visible input name, sorted.
func (s *Scope) Names() []string {
	seen := make(map[string]bool)
	for cur := s; cur != nil; cur = cur.parent {
		for name := range cur.values {
			seen[name] = true
		}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Redacted returns the visible values with secrets masked, suitable for logs and reports.
func (s *Scope) Redacted() map[string]string {
	out := make(map[string]string)
	for _, name := range s.Names() {
		v := s.Value(name)
		if in, ok := s.Declaration(name); ok && (in.Type == model.InputBearerToken || in.Type == model.InputOAuthCredentials) {
			v = mask(v)
		}
		out[name] = v
	}
	return out
}

func mask(v string) string {
	r := []rune(v)
	if len(r) <= 4 {
		return "****"
	}
	return string(r[:4]) + "****"
}

// Resolve validates provided values against specs and returns a scope chained to parent.
//
// A value comes from provided first, then from the parent scope, then from the
// declared default. Required inputs with no value produce a USC_MISSING_INPUT
// error naming every missing input; values that fail their type produce
// USC_INVALID_INPUT. Invalid values are reported ahead of missing ones.
func Resolve(specs []model.Input, provided map[string]string, parent *Scope) (*Scope, error) {
	scope := &Scope{
		parent: parent,
		values: make(map[string]string, len(specs)),
		specs:  make(map[string]model.Input, len(specs)),
	}

	var missing []string
	invalid := make(map[string]string)

	for _, in := range specs {
		scope.specs[in.Name] = in

		raw, ok := provided[in.Name]
		if ok && strings.TrimSpace(raw) == "" {
			ok = false
		}
		if !ok && parent != nil {
			raw, ok = parent.Lookup(in.Name)
		}
		if !ok && in.Default != "" {
			raw, ok = in.Default, true
		}
		if !ok {
			if !in.Optional {
				missing = append(missing, in.Name)
			}
			continue
		}

		v, err := Coerce(in, raw)
		if err != nil {
			invalid[in.Name] = err.Error()
			continue
		}
		scope.values[in.Name] = v
	}

	if len(invalid) > 0 {
		names := make([]string, 0, len(invalid))
		for name := range invalid {
			names = append(names, name)
		}
		sort.Strings(names)
		parts := make([]string, 0, len(names))
		for _, name := range names {
			parts = append(parts, fmt.Sprintf("%s (%s)", name, invalid[name]))
		}
		return nil, errordefs.NewWithDetails(errordefs.USC_INVALID_INPUT,
			"invalid inputs: "+strings.Join(parts, ", "), invalid)
	}
	if len(missing) > 0 {
		return nil, errordefs.NewWithDetails(errordefs.USC_MISSING_INPUT,
			"missing required inputs: "+strings.Join(missing, ", "), map[string]interface{}{"inputs": missing})
	}
	return scope, nil
}

// Coerce validates raw against the declared type and returns the normalized value.
func Coerce(in model.Input, raw string) (string, error) {
	switch in.Type {
	case "", model.InputText:
		return raw, nil

	case model.InputURL:
		v := strings.TrimSpace(raw)
		u, err := url.Parse(v)
		if err != nil {
			return "", fmt.Errorf("not a URL: %w", err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return "", fmt.Errorf("URL must use http or https")
		}
		if u.Host == "" {
			return "", fmt.Errorf("URL must be absolute")
		}
		return strings.TrimRight(v, "/"), nil

	case model.InputBearerToken:
		v := strings.TrimSpace(raw)
		if strings.ContainsAny(v, " \t\r\n") {
			return "", fmt.Errorf("bearer token must not contain whitespace")
		}
		if token.LooksLikeJWT(v) {
			if info, err := token.Inspect(v); err == nil && info.Expired(time.Now()) {
				slog.Warn("bearer token has expired", "input", in.Name, "expiredAt", info.ExpiresAt)
			}
		}
		return v, nil

	case model.InputOAuthCredentials:
		if _, err := ParseOAuthCredentials(raw); err != nil {
			return "", err
		}
		return strings.TrimSpace(raw), nil

	default:
		return "", fmt.Errorf("unknown input type %q", in.Type)
	}
}

// ParseOAuthCredentials decodes an oauth_credentials input value.
func ParseOAuthCredentials(raw string) (model.OAuthCredentials, error) {
	var c model.OAuthCredentials
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&c); err != nil {
		return model.OAuthCredentials{}, fmt.Errorf("credentials are not valid JSON: %w", err)
	}
	if c.AccessToken == "" && c.RefreshToken == "" {
		return model.OAuthCredentials{}, fmt.Errorf("credentials need an access_token or refresh_token")
	}
	if c.IssuedAt != "" {
		if _, err := time.Parse(time.RFC3339, c.IssuedAt); err != nil {
			return model.OAuthCredentials{}, fmt.Errorf("token_retrieval_time must be RFC3339")
		}
	}
	return c, nil
}
