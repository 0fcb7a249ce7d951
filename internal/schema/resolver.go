// Package schema provides the profile registry used by the local validator service.
package schema

import (
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

//go:embed profiles/*.schema.json
var builtin embed.FS

// Profile is a compiled JSON-schema rendition of a FHIR profile.
type Profile struct {
	URL          string `json:"url"`          // Canonical URL without version
	Title        string `json:"title"`        // Human readable name
	Version      string `json:"version"`      // Profile version, if declared
	ResourceType string `json:"resourceType"` // Resource type the profile constrains

	schema *gojsonschema.Schema
}

// profileHeader holds the members read from a schema document besides the schema itself.
type profileHeader struct {
	ID         string `json:"$id"`
	Title      string `json:"title"`
	Version    string `json:"version"`
	Properties struct {
		ResourceType struct {
			Const string `json:"const"`
		} `json:"resourceType"`
	} `json:"properties"`
}

// compileProfile parses and compiles one schema document.
func compileProfile(data []byte) (*Profile, error) {
	var hdr profileHeader
	if err := json.Unmarshal(data, &hdr); err != nil {
		return nil, fmt.Errorf("invalid profile document: %w", err)
	}
	if hdr.ID == "" {
		return nil, fmt.Errorf("profile document has no $id")
	}
	if hdr.Properties.ResourceType.Const == "" {
		return nil, fmt.Errorf("profile %s does not pin properties.resourceType.const", hdr.ID)
	}

	compiled, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return nil, fmt.Errorf("invalid schema for %s: %w", hdr.ID, err)
	}

	url, version := SplitCanonical(hdr.ID)
	if hdr.Version != "" {
		version = hdr.Version
	}
	return &Profile{
		URL:          url,
		Title:        hdr.Title,
		Version:      version,
		ResourceType: hdr.Properties.ResourceType.Const,
		schema:       compiled,
	}, nil
}

// SplitCanonical splits "url|version" into its parts.
func SplitCanonical(canonical string) (url, version string) {
	if i := strings.LastIndexByte(canonical, '|'); i >= 0 {
		return canonical[:i], canonical[i+1:]
	}
	return canonical, ""
}

// LoadFS registers every *.schema.json file in dir of fsys and returns how
// many were loaded. A file that fails to compile aborts the load.
func (v *Validator) LoadFS(fsys fs.FS, dir string) (int, error) {
	matches, err := fs.Glob(fsys, path.Join(dir, "*.schema.json"))
	if err != nil {
		return 0, err
	}
	sort.Strings(matches)

	profiles := make([]*Profile, 0, len(matches))
	for _, name := range matches {
		data, err := fs.ReadFile(fsys, name)
		if err != nil {
			return 0, fmt.Errorf("failed to read %s: %w", name, err)
		}
		p, err := compileProfile(data)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", name, err)
		}
		profiles = append(profiles, p)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	for _, p := range profiles {
		v.profiles[p.URL] = p
	}
	return len(profiles), nil
}

// LoadDir registers the profiles found in a directory on disk.
func (v *Validator) LoadDir(dir string) (int, error) {
	if _, err := os.Stat(dir); err != nil {
		return 0, fmt.Errorf("profile directory: %w", err)
	}
	return v.LoadFS(os.DirFS(dir), ".")
}

// Register compiles and adds a single profile document, replacing any
// profile with the same canonical URL.
func (v *Validator) Register(document []byte) (*Profile, error) {
	p, err := compileProfile(document)
	if err != nil {
		return nil, err
	}
	v.mu.Lock()
	v.profiles[p.URL] = p
	v.mu.Unlock()
	return p, nil
}

// Lookup resolves a canonical URL, with or without a version suffix. A
// versioned reference only matches a profile of that version.
func (v *Validator) Lookup(canonical string) (*Profile, bool) {
	url, version := SplitCanonical(canonical)
	v.mu.RLock()
	p, ok := v.profiles[url]
	v.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if version != "" && p.Version != "" && version != p.Version {
		return nil, false
	}
	return p, true
}

// Profiles lists the registered profiles ordered by URL.
func (v *Validator) Profiles() []Profile {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]Profile, 0, len(v.profiles))
	for _, p := range v.profiles {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URL < out[j].URL })
	return out
}
