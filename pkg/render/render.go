// Package render fills the embedded configuration file templates from a
// resolved attribute set.
//
// Rendering is deterministic: the same template and the same attribute
// snapshot always produce byte-identical output, which is what lets template
// steps detect an already-converged file by hashing.
package render

import (
	"bytes"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"sync"
	"text/template"

	"github.com/embergraph/provisioner/pkg/attributes"
	"github.com/embergraph/provisioner/pkg/failure"
)

//go:embed templates/*.tmpl
var builtinTemplates embed.FS

// Template identifiers shipped with the provisioner.
const (
	StoreProperties  = "RWStore.properties"
	Log4j            = "log4j.properties"
	Log4jHA          = "log4jHA.properties"
	HAServiceDefault = "embergraphHA.default"
	ZooConfig        = "zoo.cfg"
	ZookeeperMyID    = "zookeeper.myid"
)

const templateSuffix = ".tmpl"

// Renderer renders named templates against an attribute Config.
type Renderer struct {
	fsys fs.FS
	dir  string

	mu    sync.Mutex
	cache map[string]*template.Template
}

// Option configures a Renderer.
type Option func(*Renderer)

// WithFS replaces the embedded templates with templates read from fsys.
// Template files are named <id>.tmpl at the root of fsys.
func WithFS(fsys fs.FS) Option {
	return func(r *Renderer) {
		r.fsys = fsys
		r.dir = "."
	}
}

// New creates a renderer backed by the embedded templates.
func New(opts ...Option) *Renderer {
	r := &Renderer{
		fsys:  builtinTemplates,
		dir:   "templates",
		cache: make(map[string]*template.Template),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// data is the value templates are executed against.
type data struct {
	Config *attributes.Config
}

// Templates lists the identifiers of the available templates.
func (r *Renderer) Templates() ([]string, error) {
	entries, err := fs.ReadDir(r.fsys, r.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list templates: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), templateSuffix) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(e.Name(), templateSuffix))
	}
	sort.Strings(ids)
	return ids, nil
}

// Render executes the template identified by id. A missing attribute or a
// nil flavor section yields a TemplateError. Values are written verbatim,
// braces included.
func (r *Renderer) Render(id string, cfg *attributes.Config) ([]byte, error) {
	if cfg == nil {
		return nil, failure.Template(fmt.Sprintf("template %s rendered without attributes", id), nil).
			WithDetail("template", id)
	}
	tmpl, err := r.load(id, cfg.Attributes)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data{Config: cfg}); err != nil {
		return nil, failure.Template(fmt.Sprintf("failed to render %s", id), err).WithDetail("template", id)
	}
	return buf.Bytes(), nil
}

// load parses the template and binds the attr function to the tree. Parsed
// templates are cached per id; Clone keeps the cached copy free of the
// per-call function binding.
func (r *Renderer) load(id string, tree *attributes.Tree) (*template.Template, error) {
	r.mu.Lock()
	base, ok := r.cache[id]
	r.mu.Unlock()

	if !ok {
		path := id + templateSuffix
		if r.dir != "." {
			path = r.dir + "/" + path
		}
		src, err := fs.ReadFile(r.fsys, path)
		if err != nil {
			return nil, failure.Template(fmt.Sprintf("unknown template %s", id), err).WithDetail("template", id)
		}
		base, err = template.New(id).
			Option("missingkey=error").
			Funcs(funcs(nil)).
			Parse(string(src))
		if err != nil {
			return nil, failure.Template(fmt.Sprintf("failed to parse %s", id), err).WithDetail("template", id)
		}
		r.mu.Lock()
		r.cache[id] = base
		r.mu.Unlock()
	}

	tmpl, err := base.Clone()
	if err != nil {
		return nil, failure.Template(fmt.Sprintf("failed to prepare %s", id), err)
	}
	return tmpl.Funcs(funcs(tree)), nil
}

func funcs(tree *attributes.Tree) template.FuncMap {
	return template.FuncMap{
		"attr": func(path string) (string, error) {
			if tree == nil {
				return "", failure.MissingAttribute(path)
			}
			return tree.String(path)
		},
		"add": func(a, b int) int { return a + b },
		"join": func(sep string, items []string) string {
			return strings.Join(items, sep)
		},
		"locators": func(hosts []string) string {
			out := make([]string, len(hosts))
			for i, h := range hosts {
				out[i] = "jini://" + h + "/"
			}
			return strings.Join(out, ",")
		},
		"ensemble": func(hosts []string, port int) string {
			out := make([]string, len(hosts))
			for i, h := range hosts {
				out[i] = fmt.Sprintf("%s:%d", h, port)
			}
			return strings.Join(out, ",")
		},
	}
}
