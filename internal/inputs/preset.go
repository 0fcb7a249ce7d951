package inputs

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Preset is a saved set of input values for a suite.
type Preset struct {
	Title  string            `yaml:"title" toml:"title" json:"title"`
	Suite  string            `yaml:"suite" toml:"suite" json:"suite"`
	Inputs map[string]string `yaml:"inputs" toml:"inputs" json:"inputs"`
}

// LoadPreset reads a preset file. The format is chosen by extension:
// .toml for TOML, anything else is parsed as YAML.
func LoadPreset(path string) (*Preset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read preset: %w", err)
	}

	var p Preset
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.NewDecoder(bytes.NewReader(data)).Decode(&p); err != nil {
			return nil, fmt.Errorf("failed to parse TOML preset %s: %w", path, err)
		}
	default:
		if err := yaml.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("failed to parse YAML preset %s: %w", path, err)
		}
	}

	if p.Suite == "" {
		return nil, fmt.Errorf("preset %s does not name a suite", path)
	}
	if p.Inputs == nil {
		p.Inputs = map[string]string{}
	}
	return &p, nil
}

// Merge returns the preset inputs overlaid with overrides.
func (p *Preset) Merge(overrides map[string]string) map[string]string {
	out := make(map[string]string, len(p.Inputs)+len(overrides))
	for k, v := range p.Inputs {
		out[k] = v
	}
	for k, v := range overrides {
		out[k] = v
	}
	return out
}
