package policy

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/embergraph/provisioner/pkg/engine"
	"github.com/embergraph/provisioner/pkg/failure"
	"github.com/embergraph/provisioner/pkg/resource"
)

const noOptRego = `# Site policy: nothing is installed below /opt.
# severity: error

package site.no_opt

import rego.v1

deny contains sprintf("%s writes below /opt", [step.id]) if {
	some step in input.plan.steps
	startswith(object.get(step, "target", ""), "/opt/")
}
`

func writePolicy(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write test file: %v", err)
	}
	return path
}

func TestLoadFromFile(t *testing.T) {
	logger := zerolog.New(nil).Level(zerolog.Disabled)
	loader := NewLoader(logger)
	path := writePolicy(t, t.TempDir(), "no-opt.rego", noOptRego)

	loaded, err := loader.load(path)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}
	if len(loaded) != 1 {
		t.Fatalf("loaded %d policies, want 1", len(loaded))
	}
	policy := loaded[0]
	if policy.parsed == nil || policy.parsed.Package.Path.String() != "data.site.no_opt" {
		t.Errorf("parsed module = %v", policy.parsed)
	}
	if policy.Name != "no-opt" {
		t.Errorf("Expected name 'no-opt', got '%s'", policy.Name)
	}
	if policy.Description != "Site policy: nothing is installed below /opt." {
		t.Errorf("description = %q", policy.Description)
	}
	if policy.Severity != SeverityError {
		t.Errorf("severity = %s, want error", policy.Severity)
	}
	if policy.Rego != noOptRego || !policy.Enabled || policy.Source != path {
		t.Errorf("unexpected policy: %+v", policy)
	}

	if _, err := loader.load(writePolicy(t, t.TempDir(), "policy.json", "{}")); err == nil {
		t.Error("load accepted a .json file")
	}
}

func TestParseHeader(t *testing.T) {
	tests := []struct {
		name         string
		content      string
		wantDesc     string
		wantSeverity Severity
	}{
		{
			name:    "no header",
			content: "package a\n",
		},
		{
			name:     "multi-line description",
			content:  "# First line\n#\n# second line\npackage a\n# not header\n",
			wantDesc: "First line second line",
		},
		{
			name:         "severity only",
			content:      "\n# severity: critical\npackage a\n",
			wantSeverity: SeverityCritical,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			desc, sev := parseHeader(tt.content)
			if desc != tt.wantDesc || sev != tt.wantSeverity {
				t.Errorf("parseHeader() = (%q, %q), want (%q, %q)", desc, sev, tt.wantDesc, tt.wantSeverity)
			}
		})
	}
}

func TestLoadFromPathsWalksDirectories(t *testing.T) {
	logger := zerolog.New(nil).Level(zerolog.Disabled)
	dir := t.TempDir()
	writePolicy(t, dir, "b.rego", "package b\n")
	writePolicy(t, dir, "nested/a.rego", "package a\n")
	writePolicy(t, dir, "b_test.rego", "package b_test\n")
	writePolicy(t, dir, "README.md", "policies\n")
	single := writePolicy(t, t.TempDir(), "c.rego", "package c\n")

	policies, err := NewLoader(logger).LoadFromPaths(context.Background(), []string{dir, single})
	if err != nil {
		t.Fatalf("LoadFromPaths() error = %v", err)
	}

	var names []string
	for _, p := range policies {
		names = append(names, p.Name)
	}
	// Directory files come in path order, then the explicit file.
	want := []string{"b", "a", "c"}
	if len(names) != len(want) {
		t.Fatalf("loaded %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("loaded %v, want %v", names, want)
			break
		}
	}
	for _, p := range policies {
		if p.Severity != SeverityWarning {
			t.Errorf("%s severity = %s, want warning", p.Name, p.Severity)
		}
	}

	missing := filepath.Join(dir, "missing")
	_, err = NewLoader(logger).LoadFromPaths(context.Background(), []string{missing})
	var perr *PathError
	if !errors.As(err, &perr) || perr.Path != missing {
		t.Errorf("LoadFromPaths() error = %v, want a PathError for %s", err, missing)
	}
}

func TestEngineLoadPolicies(t *testing.T) {
	eng := newTestEngine(t)
	dir := t.TempDir()
	writePolicy(t, dir, "no-opt.rego", noOptRego)

	if err := eng.LoadPolicies(context.Background(), []string{dir}); err != nil {
		t.Fatalf("LoadPolicies() error = %v", err)
	}
	plan := engine.NewPlan("nss", "hash", []resource.Step{
		&resource.Directory{Path: "/opt/embergraph", Owner: "root", Group: "root", Mode: 0o755},
	})
	_, err := eng.Check(context.Background(), plan, Context{})
	if !failure.Is(err, failure.KindValidation) {
		t.Fatalf("Check() error = %v, want a validation failure", err)
	}
}

func TestEngineLoadPoliciesCompileError(t *testing.T) {
	eng := newTestEngine(t)
	path := writePolicy(t, t.TempDir(), "broken.rego", "package broken\n\ndeny contains x if {\n")

	err := eng.LoadPolicies(context.Background(), []string{path})
	if !failure.Is(err, failure.KindValidation) {
		t.Fatalf("LoadPolicies() error = %v, want a validation failure", err)
	}
	ferr, _ := failure.As(err)
	if ferr.Details["file"] != path {
		t.Errorf("details = %v", ferr.Details)
	}
}
