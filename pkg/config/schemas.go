package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/overrides.schema.json
var overridesJSONSchema []byte

const overridesSchemaURL = "overrides.schema.json"

// SchemaOverrides is the name of the built-in schema for override documents.
const SchemaOverrides = "overrides"

// SchemaRegistry holds the CUE definitions override documents are unified
// with. All CUE values handled by a loader are built in the registry's
// context.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a registry with the built-in overrides schema.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}
	if err := sr.RegisterSchema(SchemaOverrides, "#Overrides", builtinOverridesSchema); err != nil {
		panic(err)
	}
	return sr
}

// RegisterSchema compiles source and registers the definition it declares
// under name.
func (sr *SchemaRegistry) RegisterSchema(name, definition, source string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(source, cue.Filename(name+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}
	def := val.LookupPath(cue.ParsePath(definition))
	if !def.Exists() {
		return fmt.Errorf("schema %s does not declare %s", name, definition)
	}
	sr.schemas[name] = def
	return nil
}

// GetSchema retrieves a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// ListSchemas returns the registered schema names in sorted order.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ValidateAgainstSchema checks Go data against a named schema.
func (sr *SchemaRegistry) ValidateAgainstSchema(schemaName string, data interface{}) error {
	schema, ok := sr.GetSchema(schemaName)
	if !ok {
		return fmt.Errorf("schema %s not found", schemaName)
	}

	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}
	if err := schema.Unify(dataVal).Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("validation failed: %s", formatCUEError(err))
	}
	return nil
}

// DecodeCUE compiles a CUE override document, unifies it with the named
// schema and decodes the result.
func (sr *SchemaRegistry) DecodeCUE(filename string, src []byte, schemaName string) (map[string]interface{}, error) {
	schema, ok := sr.GetSchema(schemaName)
	if !ok {
		return nil, fmt.Errorf("schema %s not found", schemaName)
	}

	val := sr.ctx.CompileBytes(src, cue.Filename(filename))
	if err := val.Err(); err != nil {
		return nil, fmt.Errorf("failed to compile %s: %s", filename, formatCUEError(err))
	}
	unified := schema.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, fmt.Errorf("%s does not match the %s schema: %s", filename, schemaName, formatCUEError(err))
	}

	var out map[string]interface{}
	if err := unified.Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", filename, err)
	}
	return out, nil
}

// formatCUEError flattens a CUE error list including source positions.
func formatCUEError(err error) string {
	return cueerrors.Details(err, nil)
}

// compileOverridesJSONSchema compiles the embedded JSON Schema for YAML and
// JSON override documents.
func compileOverridesJSONSchema() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(overridesSchemaURL, bytes.NewReader(overridesJSONSchema)); err != nil {
		return nil, fmt.Errorf("failed to add overrides schema: %w", err)
	}
	schema, err := compiler.Compile(overridesSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("failed to compile overrides schema: %w", err)
	}
	return schema, nil
}

// validateJSONDocument converts a decoded YAML document to its JSON data
// model and validates it.
func validateJSONDocument(schema *jsonschema.Schema, doc interface{}) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("document is not representable as JSON: %w", err)
	}
	var data interface{}
	if err := json.Unmarshal(raw, &data); err != nil {
		return fmt.Errorf("failed to re-read document: %w", err)
	}
	return schema.Validate(data)
}

const builtinOverridesSchema = `
#Overrides: {
	embergraph?: #Embergraph
	java?: {...}
	mapgraph?: {...}
	ssd?:       #SSD
	tomcat?: {...}
	zookeeper?: {...}
}

#Embergraph: {
	install_flavor?:     "nss" | "tomcat" | "ha"
	base_version?:       =~"^[0-9]+(\\.[0-9]+)*$"
	build_from_svn?:     bool
	home?:               string & != ""
	user?:               string & != ""
	group?:              string & != ""
	service_manager?:    "sysv" | "systemd"
	replication_factor?: int & >=1
	...
}

#SSD: {
	enabled?: bool
	devices?: [...=~"^/dev/"]
	volume_group?:   string
	logical_volume?: string
	fs_type?:        string
	...
}
`
