package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/embergraph/provisioner/pkg/attributes"
	"github.com/embergraph/provisioner/pkg/failure"
)

// Extensions lists the override file extensions the loader understands.
var Extensions = []string{".yaml", ".yml", ".json", ".cue", ".hcl", ".star"}

// Loader reads deployment override files and merges them into one
// attribute tree.
type Loader struct {
	logger     zerolog.Logger
	schemas    *SchemaRegistry
	jsonSchema *jsonschema.Schema
	starlark   *StarlarkEvaluator
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithLogger sets the loader's logger.
func WithLogger(logger zerolog.Logger) LoaderOption {
	return func(l *Loader) { l.logger = logger }
}

// WithSchemaRegistry replaces the built-in CUE schema registry.
func WithSchemaRegistry(sr *SchemaRegistry) LoaderOption {
	return func(l *Loader) { l.schemas = sr }
}

// WithStarlarkTimeout bounds the run time of each .star override script.
func WithStarlarkTimeout(d time.Duration) LoaderOption {
	return func(l *Loader) { l.starlark = NewStarlarkEvaluator(d) }
}

// NewLoader creates a loader with the built-in override schemas.
func NewLoader(opts ...LoaderOption) (*Loader, error) {
	jsonSchema, err := compileOverridesJSONSchema()
	if err != nil {
		return nil, err
	}
	l := &Loader{
		logger:     zerolog.Nop(),
		jsonSchema: jsonSchema,
		starlark:   NewStarlarkEvaluator(10 * time.Second),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.schemas == nil {
		l.schemas = NewSchemaRegistry()
	}
	l.logger = l.logger.With().Str("component", "config-loader").Logger()
	return l, nil
}

// Load reads every path in order and merges the documents, later files
// winning. A directory contributes its override files in name order.
// Loading no paths yields an empty tree.
func (l *Loader) Load(ctx context.Context, paths ...string) (*attributes.Tree, error) {
	files, err := expandPaths(paths)
	if err != nil {
		return nil, err
	}

	merged := attributes.New()
	for _, file := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		doc, err := l.LoadFile(ctx, file, merged)
		if err != nil {
			return nil, err
		}
		merged = merged.Merge(attributes.FromMap(doc))
		l.logger.Debug().Str("file", file).Int("namespaces", len(doc)).Msg("Override file loaded")
	}

	l.logger.Info().Int("files", len(files)).Msg("Overrides loaded")
	return merged, nil
}

// LoadFile decodes and validates one override document. current holds the
// overrides merged so far and is visible to Starlark scripts as attrs.
func (l *Loader) LoadFile(ctx context.Context, path string, current *attributes.Tree) (map[string]interface{}, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, failure.Validation("cannot read override file", err).WithDetail("file", path)
	}

	var doc map[string]interface{}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml", ".json":
		doc, err = l.decodeYAML(path, data)
	case ".cue":
		doc, err = l.schemas.DecodeCUE(path, data, SchemaOverrides)
	case ".hcl":
		doc, err = decodeHCL(path, data)
		if err == nil {
			err = l.schemas.ValidateAgainstSchema(SchemaOverrides, doc)
		}
	case ".star":
		doc, err = l.decodeStarlark(ctx, path, data, current)
	default:
		err = fmt.Errorf("unsupported override file extension %q", ext)
	}
	if err != nil {
		return nil, failure.Validation("invalid override file", err).WithDetail("file", path)
	}
	if doc == nil {
		doc = map[string]interface{}{}
	}
	return doc, nil
}

func (l *Loader) decodeYAML(path string, data []byte) (map[string]interface{}, error) {
	var doc map[string]interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if doc == nil {
		return nil, nil
	}
	if err := validateJSONDocument(l.jsonSchema, doc); err != nil {
		return nil, fmt.Errorf("%s does not match the overrides schema: %w", path, err)
	}
	return doc, nil
}

func (l *Loader) decodeStarlark(ctx context.Context, path string, data []byte, current *attributes.Tree) (map[string]interface{}, error) {
	attrs := map[string]interface{}{}
	if current != nil {
		m, err := current.Map()
		if err != nil {
			return nil, err
		}
		attrs = m
	}

	result, err := l.starlark.Evaluate(l.logger.WithContext(ctx), filepath.Base(path), string(data), map[string]interface{}{"attrs": attrs})
	if err != nil {
		return nil, err
	}
	if err := l.schemas.ValidateAgainstSchema(SchemaOverrides, result.Output); err != nil {
		return nil, err
	}
	l.logger.Debug().Str("file", path).Dur("elapsed", result.ExecutionTime).Msg("Override script evaluated")
	return result.Output, nil
}

// expandPaths replaces each directory with the override files it holds.
func expandPaths(paths []string) ([]string, error) {
	var files []string
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return nil, failure.Validation("cannot read override path", err).WithDetail("file", path)
		}
		if !info.IsDir() {
			files = append(files, path)
			continue
		}
		entries, err := os.ReadDir(path)
		if err != nil {
			return nil, failure.Validation("cannot list override directory", err).WithDetail("file", path)
		}
		var names []string
		for _, e := range entries {
			if !e.IsDir() && isOverrideFile(e.Name()) {
				names = append(names, e.Name())
			}
		}
		sort.Strings(names)
		for _, name := range names {
			files = append(files, filepath.Join(path, name))
		}
	}
	return files, nil
}

func isOverrideFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range Extensions {
		if ext == e {
			return true
		}
	}
	return false
}
