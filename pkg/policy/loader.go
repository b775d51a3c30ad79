package policy

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/open-policy-agent/opa/v1/loader"
	"github.com/rs/zerolog"
)

// Loader reads site policies from .rego files and directories of them.
// Files are parsed on load, so syntax errors surface with file and line
// before any plan is evaluated.
type Loader struct {
	logger zerolog.Logger
}

// NewLoader creates a policy loader.
func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{logger: logger.With().Str("component", "policy-loader").Logger()}
}

// LoadFromPaths loads every path in order. Directories are walked and
// their .rego files returned in path order, skipping *_test.rego.
func (l *Loader) LoadFromPaths(ctx context.Context, paths []string) ([]Policy, error) {
	var policies []Policy
	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		loaded, err := l.load(p)
		if err != nil {
			return nil, &PathError{Path: p, Err: err}
		}
		policies = append(policies, loaded...)
	}
	l.logger.Debug().Int("policies", len(policies)).Int("paths", len(paths)).Msg("Policies loaded")
	return policies, nil
}

// PathError names the policy path that failed to load.
type PathError struct {
	Path string
	Err  error
}

func (e *PathError) Error() string { return "policy path " + e.Path + ": " + e.Err.Error() }
func (e *PathError) Unwrap() error { return e.Err }

func (l *Loader) load(path string) ([]Policy, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() && filepath.Ext(path) != ".rego" {
		return nil, fmt.Errorf("unsupported file type %q", filepath.Ext(path))
	}

	result, err := loader.NewFileLoader().Filtered([]string{path}, skipNonPolicy)
	if err != nil {
		return nil, err
	}

	files := make([]string, 0, len(result.Modules))
	for name := range result.Modules {
		files = append(files, name)
	}
	sort.Strings(files)

	policies := make([]Policy, 0, len(files))
	for _, name := range files {
		mod := result.Modules[name]
		p := newFilePolicy(name, mod.Raw)
		p.parsed = mod.Parsed
		l.logger.Debug().Str("path", name).Str("package", mod.Parsed.Package.Path.String()).
			Str("severity", string(p.Severity)).Msg("Policy loaded")
		policies = append(policies, p)
	}
	return policies, nil
}

// skipNonPolicy is a loader filter: it returns true for files to skip.
func skipNonPolicy(abspath string, info fs.FileInfo, _ int) bool {
	if info.IsDir() {
		return false
	}
	return !strings.HasSuffix(abspath, ".rego") || strings.HasSuffix(abspath, "_test.rego")
}

// newFilePolicy names a policy after its file. The leading comment block
// becomes the description, except a "severity: <level>" line, which sets
// the default severity of its violations.
func newFilePolicy(path string, raw []byte) Policy {
	description, severity := parseHeader(string(raw))
	if severity == "" {
		severity = SeverityWarning
	}
	return Policy{
		Name:        strings.TrimSuffix(filepath.Base(path), ".rego"),
		Description: description,
		Rego:        string(raw),
		Severity:    severity,
		Enabled:     true,
		Source:      path,
	}
}

// parseHeader reads the comment block at the top of a Rego file.
func parseHeader(content string) (string, Severity) {
	var (
		words    []string
		severity Severity
	)
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		comment, ok := strings.CutPrefix(line, "#")
		if !ok {
			break
		}
		comment = strings.TrimSpace(comment)
		if level, ok := strings.CutPrefix(comment, "severity:"); ok {
			severity = Severity(strings.TrimSpace(level))
		} else if comment != "" {
			words = append(words, comment)
		}
	}
	return strings.Join(words, " "), severity
}
