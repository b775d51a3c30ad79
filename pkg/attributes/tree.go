package attributes

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/embergraph/provisioner/pkg/failure"
)

// DeriveFunc computes a derived attribute from the tree it lives in.
type DeriveFunc func(t *Tree) (interface{}, error)

// Entry is one leaf of a flattened tree.
type Entry struct {
	// Path is the canonical path of the leaf.
	Path string `json:"path"`

	// Value is the leaf value with derived attributes resolved.
	Value interface{} `json:"value"`
}

// Tree is an insertion-ordered attribute tree addressed by dotted paths.
// Keys that themselves contain dots are addressed with bracket syntax, for
// example embergraph['journal.AbstractJournal.bufferMode'].
//
// A Tree is built once per run and then only read. Derived attributes are
// computed on first read and memoized. Trees are not safe for concurrent use.
type Tree struct {
	root *node
}

type node struct {
	keys   []string
	values map[string]interface{}
}

type derived struct {
	fn       DeriveFunc
	done     bool
	busy     bool
	value    interface{}
	err      error
	describe string
}

func newNode() *node {
	return &node{values: make(map[string]interface{})}
}

// New creates an empty tree.
func New() *Tree {
	return &Tree{root: newNode()}
}

// FromMap builds a tree from a nested map. Keys are inserted in sorted order
// since Go maps carry no ordering.
func FromMap(m map[string]interface{}) *Tree {
	t := New()
	t.root = nodeFromMap(m)
	return t
}

func nodeFromMap(m map[string]interface{}) *node {
	n := newNode()
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		n.put(k, normalize(m[k]))
	}
	return n
}

func normalize(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		return nodeFromMap(val)
	case *Tree:
		return val.root.clone()
	case []string:
		out := make([]interface{}, len(val))
		for i, s := range val {
			out[i] = s
		}
		return out
	default:
		return v
	}
}

func (n *node) put(key string, value interface{}) {
	if _, ok := n.values[key]; !ok {
		n.keys = append(n.keys, key)
	}
	n.values[key] = value
}

func (n *node) clone() *node {
	out := newNode()
	for _, k := range n.keys {
		switch v := n.values[k].(type) {
		case *node:
			out.put(k, v.clone())
		case *derived:
			out.put(k, &derived{fn: v.fn, describe: v.describe})
		case []interface{}:
			cp := make([]interface{}, len(v))
			copy(cp, v)
			out.put(k, cp)
		default:
			out.put(k, v)
		}
	}
	return out
}

// ParsePath splits a dotted/bracketed attribute path into its segments.
func ParsePath(path string) ([]string, error) {
	if path == "" {
		return nil, fmt.Errorf("empty attribute path")
	}
	var segments []string
	var cur strings.Builder
	for i := 0; i < len(path); i++ {
		c := path[i]
		switch c {
		case '.':
			if cur.Len() == 0 {
				if i > 0 && path[i-1] == ']' {
					continue
				}
				return nil, fmt.Errorf("invalid attribute path %q: empty segment", path)
			}
			segments = append(segments, cur.String())
			cur.Reset()
		case '[':
			if cur.Len() > 0 {
				segments = append(segments, cur.String())
				cur.Reset()
			}
			if i+1 >= len(path) || (path[i+1] != '\'' && path[i+1] != '"') {
				return nil, fmt.Errorf("invalid attribute path %q: expected quote after [", path)
			}
			quote := path[i+1]
			end := strings.IndexByte(path[i+2:], quote)
			if end < 0 {
				return nil, fmt.Errorf("invalid attribute path %q: unterminated key", path)
			}
			key := path[i+2 : i+2+end]
			closeAt := i + 2 + end + 1
			if closeAt >= len(path) || path[closeAt] != ']' {
				return nil, fmt.Errorf("invalid attribute path %q: expected ]", path)
			}
			if key == "" {
				return nil, fmt.Errorf("invalid attribute path %q: empty key", path)
			}
			segments = append(segments, key)
			i = closeAt
		default:
			cur.WriteByte(c)
		}
	}
	if cur.Len() > 0 {
		segments = append(segments, cur.String())
	} else if len(segments) == 0 || path[len(path)-1] == '.' {
		return nil, fmt.Errorf("invalid attribute path %q: empty segment", path)
	}
	return segments, nil
}

// FormatPath renders segments back into the canonical path form.
func FormatPath(segments []string) string {
	var b strings.Builder
	for i, s := range segments {
		if strings.ContainsAny(s, ".[]'") {
			b.WriteString("['")
			b.WriteString(s)
			b.WriteString("']")
			continue
		}
		if i > 0 {
			b.WriteByte('.')
		}
		b.WriteString(s)
	}
	return b.String()
}

// Set assigns a value at path, creating intermediate maps as needed.
// Setting a value replaces any derivation registered at the same path.
func (t *Tree) Set(path string, value interface{}) error {
	segments, err := ParsePath(path)
	if err != nil {
		return err
	}
	return t.setSegments(segments, normalize(value))
}

// MustSet is Set for statically known paths; it panics on a malformed path.
func (t *Tree) MustSet(path string, value interface{}) {
	if err := t.Set(path, value); err != nil {
		panic(err)
	}
}

// Derive registers a lazily computed attribute at path. Registering a
// derivation replaces any explicit value at the same path.
func (t *Tree) Derive(path string, fn DeriveFunc) error {
	segments, err := ParsePath(path)
	if err != nil {
		return err
	}
	return t.setSegments(segments, &derived{fn: fn, describe: path})
}

// MustDerive is Derive for statically known paths.
func (t *Tree) MustDerive(path string, fn DeriveFunc) {
	if err := t.Derive(path, fn); err != nil {
		panic(err)
	}
}

func (t *Tree) setSegments(segments []string, value interface{}) error {
	n := t.root
	for i, seg := range segments[:len(segments)-1] {
		next, ok := n.values[seg]
		child, isNode := next.(*node)
		if !ok || !isNode {
			if ok && !isNode {
				return fmt.Errorf("attribute %s is a scalar, cannot set %s beneath it",
					FormatPath(segments[:i+1]), FormatPath(segments))
			}
			child = newNode()
			n.put(seg, child)
		}
		n = child
	}
	n.put(segments[len(segments)-1], value)
	return nil
}

// Has reports whether path resolves to a value.
func (t *Tree) Has(path string) bool {
	_, err := t.Get(path)
	return err == nil
}

// Get returns the value at path. Nested maps are returned as
// map[string]interface{}. A missing path yields a MissingAttribute failure.
func (t *Tree) Get(path string) (interface{}, error) {
	segments, err := ParsePath(path)
	if err != nil {
		return nil, failure.Validation("malformed attribute path", err)
	}
	v, err := t.lookup(segments)
	if err != nil {
		return nil, err
	}
	if n, ok := v.(*node); ok {
		return t.toMap(n)
	}
	return v, nil
}

func (t *Tree) lookup(segments []string) (interface{}, error) {
	var cur interface{} = t.root
	for i, seg := range segments {
		n, ok := cur.(*node)
		if !ok {
			return nil, failure.MissingAttribute(FormatPath(segments))
		}
		v, ok := n.values[seg]
		if !ok {
			return nil, failure.MissingAttribute(FormatPath(segments))
		}
		if d, ok := v.(*derived); ok {
			resolved, err := t.resolve(d)
			if err != nil {
				return nil, err
			}
			if i < len(segments)-1 {
				cur = normalize(resolved)
				continue
			}
			return resolved, nil
		}
		cur = v
	}
	return cur, nil
}

func (t *Tree) resolve(d *derived) (interface{}, error) {
	if d.done {
		return d.value, d.err
	}
	if d.busy {
		return nil, failure.Validation(fmt.Sprintf("derived attribute %s depends on itself", d.describe), nil)
	}
	d.busy = true
	v, err := d.fn(t)
	d.busy = false
	d.done, d.value, d.err = true, v, err
	return v, err
}

func (t *Tree) toMap(n *node) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(n.keys))
	for _, k := range n.keys {
		switch v := n.values[k].(type) {
		case *node:
			m, err := t.toMap(v)
			if err != nil {
				return nil, err
			}
			out[k] = m
		case *derived:
			resolved, err := t.resolve(v)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		default:
			out[k] = v
		}
	}
	return out, nil
}

// String returns the value at path rendered as a string.
func (t *Tree) String(path string) (string, error) {
	v, err := t.Get(path)
	if err != nil {
		return "", err
	}
	switch val := v.(type) {
	case string:
		return val, nil
	case map[string]interface{}, []interface{}:
		return "", failure.Validation(fmt.Sprintf("attribute %s is not a scalar", path), nil)
	default:
		return fmt.Sprint(val), nil
	}
}

// Bool returns the value at path as a boolean.
func (t *Tree) Bool(path string) (bool, error) {
	v, err := t.Get(path)
	if err != nil {
		return false, err
	}
	switch val := v.(type) {
	case bool:
		return val, nil
	case string:
		b, err := strconv.ParseBool(val)
		if err != nil {
			return false, failure.Validation(fmt.Sprintf("attribute %s is not a boolean", path), err)
		}
		return b, nil
	default:
		return false, failure.Validation(fmt.Sprintf("attribute %s is not a boolean", path), nil)
	}
}

// BoolOr returns the boolean at path, or def when the path is absent.
func (t *Tree) BoolOr(path string, def bool) (bool, error) {
	b, err := t.Bool(path)
	if failure.Is(err, failure.KindMissingAttribute) {
		return def, nil
	}
	return b, err
}

// Int returns the value at path as an integer.
func (t *Tree) Int(path string) (int, error) {
	v, err := t.Get(path)
	if err != nil {
		return 0, err
	}
	switch val := v.(type) {
	case int:
		return val, nil
	case int64:
		return int(val), nil
	case uint64:
		return int(val), nil
	case float64:
		if val != float64(int(val)) {
			return 0, failure.Validation(fmt.Sprintf("attribute %s is not an integer", path), nil)
		}
		return int(val), nil
	case string:
		i, err := strconv.Atoi(val)
		if err != nil {
			return 0, failure.Validation(fmt.Sprintf("attribute %s is not an integer", path), err)
		}
		return i, nil
	default:
		return 0, failure.Validation(fmt.Sprintf("attribute %s is not an integer", path), nil)
	}
}

// Strings returns the value at path as a list of strings.
func (t *Tree) Strings(path string) ([]string, error) {
	v, err := t.Get(path)
	if err != nil {
		return nil, err
	}
	switch val := v.(type) {
	case []interface{}:
		out := make([]string, 0, len(val))
		for _, item := range val {
			out = append(out, fmt.Sprint(item))
		}
		return out, nil
	case string:
		return []string{val}, nil
	default:
		return nil, failure.Validation(fmt.Sprintf("attribute %s is not a list", path), nil)
	}
}

// Keys returns the ordered child keys of the map at path.
func (t *Tree) Keys(path string) ([]string, error) {
	n := t.root
	if path != "" {
		segments, err := ParsePath(path)
		if err != nil {
			return nil, failure.Validation("malformed attribute path", err)
		}
		v, err := t.lookup(segments)
		if err != nil {
			return nil, err
		}
		var ok bool
		if n, ok = v.(*node); !ok {
			return nil, failure.Validation(fmt.Sprintf("attribute %s is not a map", path), nil)
		}
	}
	keys := make([]string, len(n.keys))
	copy(keys, n.keys)
	return keys, nil
}

// Clone returns a deep copy of the tree. Derived attributes are copied
// unresolved so they re-evaluate against the clone.
func (t *Tree) Clone() *Tree {
	return &Tree{root: t.root.clone()}
}

// Merge returns a new tree holding t with other layered on top. Maps merge
// recursively; any other value in other replaces the one in t. Existing keys
// keep their position, new keys are appended.
func (t *Tree) Merge(other *Tree) *Tree {
	out := t.Clone()
	if other != nil {
		mergeNode(out.root, other.root.clone())
	}
	return out
}

func mergeNode(dst, src *node) {
	for _, k := range src.keys {
		sv := src.values[k]
		if sn, ok := sv.(*node); ok {
			if dn, ok := dst.values[k].(*node); ok {
				mergeNode(dn, sn)
				continue
			}
		}
		dst.put(k, sv)
	}
}

// Entries flattens the tree into ordered leaves, resolving derived values.
func (t *Tree) Entries() ([]Entry, error) {
	var out []Entry
	if err := t.walk(t.root, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (t *Tree) walk(n *node, prefix []string, out *[]Entry) error {
	for _, k := range n.keys {
		path := append(append([]string{}, prefix...), k)
		switch v := n.values[k].(type) {
		case *node:
			if err := t.walk(v, path, out); err != nil {
				return err
			}
		case *derived:
			resolved, err := t.resolve(v)
			if err != nil {
				return err
			}
			*out = append(*out, Entry{Path: FormatPath(path), Value: resolved})
		default:
			*out = append(*out, Entry{Path: FormatPath(path), Value: v})
		}
	}
	return nil
}

// Map returns the whole tree as a nested map with derived values resolved.
func (t *Tree) Map() (map[string]interface{}, error) {
	return t.toMap(t.root)
}

// Hash returns a stable digest of the resolved tree contents.
func (t *Tree) Hash() (string, error) {
	entries, err := t.Entries()
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(entries)
	if err != nil {
		return "", fmt.Errorf("failed to encode attributes: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
