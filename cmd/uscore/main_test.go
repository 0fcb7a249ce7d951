package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/urfave/cli/v2"

	"github.com/RegistryAccord/uscore-conformance-go/conformance"
	"github.com/RegistryAccord/uscore-conformance-go/internal/registry"
	"github.com/RegistryAccord/uscore-conformance-go/internal/runner"
)

// runFlags parses args with the run command's flags and returns the targets.
func runFlags(t *testing.T, args ...string) ([]runner.Target, error) {
	t.Helper()
	reg := registry.New()
	if err := conformance.Register(reg); err != nil {
		t.Fatal(err)
	}

	var (
		targets  []runner.Target
		buildErr error
	)
	app := &cli.App{
		Flags: runCommand.Flags,
		Action: func(c *cli.Context) error {
			targets, buildErr = buildTargets(c, reg)
			return nil
		},
	}
	if err := app.Run(append([]string{"uscore"}, args...)); err != nil {
		t.Fatalf("app.Run() error = %v", err)
	}
	return targets, buildErr
}

func TestBuildTargetsFromFlags(t *testing.T) {
	dir := t.TempDir()
	credsPath := filepath.Join(dir, "creds.json")
	if err := os.WriteFile(credsPath, []byte(`{"client_id":"app"}`+"\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	targets, err := runFlags(t,
		"--url", "http://fhir.example.org",
		"--access-token", "T",
		"--patient-id", "85",
		"--credentials", "@"+credsPath,
		"--input", "extra=a=b",
	)
	if err != nil {
		t.Fatalf("buildTargets() error = %v", err)
	}
	if len(targets) != 1 || targets[0].Suite.ID != conformance.SuiteID {
		t.Fatalf("targets = %+v", targets)
	}
	want := map[string]string{
		"url":          "http://fhir.example.org",
		"access_token": "T",
		"patient_id":   "85",
		"credentials":  `{"client_id":"app"}`,
		"extra":        "a=b",
	}
	if diff := cmp.Diff(want, targets[0].Inputs); diff != "" {
		t.Errorf("inputs mismatch (-want +got):\n%s", diff)
	}
}

func TestBuildTargetsFromPresets(t *testing.T) {
	dir := t.TempDir()
	yamlPreset := filepath.Join(dir, "a.yaml")
	tomlPreset := filepath.Join(dir, "b.toml")
	os.WriteFile(yamlPreset, []byte("title: Server A\nsuite: us_core_test_suite\ninputs:\n  url: http://a.example.org\n  patient_id: \"1\"\n"), 0o600)
	os.WriteFile(tomlPreset, []byte("suite = \"us_core_test_suite\"\n[inputs]\nurl = \"http://b.example.org\"\n"), 0o600)

	targets, err := runFlags(t, "--preset", yamlPreset, "--preset", tomlPreset, "--access-token", "T")
	if err != nil {
		t.Fatalf("buildTargets() error = %v", err)
	}
	if len(targets) != 2 {
		t.Fatalf("got %d targets", len(targets))
	}
	if targets[0].Name != "Server A" || targets[1].Name != tomlPreset {
		t.Errorf("names = %q, %q", targets[0].Name, targets[1].Name)
	}
	if diff := cmp.Diff(map[string]string{"url": "http://a.example.org", "patient_id": "1", "access_token": "T"}, targets[0].Inputs); diff != "" {
		t.Errorf("preset inputs mismatch (-want +got):\n%s", diff)
	}
}

func TestBuildTargetsErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"malformed input", []string{"--input", "novalue"}},
		{"unknown suite", []string{"--suite", "nope"}},
		{"missing preset", []string{"--preset", filepath.Join(t.TempDir(), "missing.yaml")}},
		{"missing credentials file", []string{"--credentials", "@" + filepath.Join(t.TempDir(), "missing.json")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := runFlags(t, tt.args...); err == nil {
				t.Errorf("buildTargets(%v) succeeded", tt.args)
			}
		})
	}
}

func TestListSuites(t *testing.T) {
	reg := registry.New()
	if err := conformance.Register(reg); err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	if err := listSuites(&buf, reg); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, want := range []string{conformance.SuiteID, "US Core Test Suite", "credentials?"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}
