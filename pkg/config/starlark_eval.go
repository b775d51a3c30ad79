package config

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/embergraph/provisioner/pkg/attributes"
	"github.com/embergraph/provisioner/pkg/failure"
)

// StarlarkResult is the outcome of one override script.
type StarlarkResult struct {
	// Output holds the script's public globals converted to Go values.
	Output map[string]interface{}

	ExecutionTime time.Duration
	Error         string
}

// StarlarkEvaluator runs override scripts under a time limit.
//
// A script sees the attributes merged so far as the frozen dict attrs and
// may call:
//
//	attr(path, default=None)         read one attribute by dotted path
//	version_at_least(version, min)   compare versions like base_version
//	struct(**kwargs)                 build a record, output as a map
//
// Public globals that are not functions become overrides.
type StarlarkEvaluator struct {
	timeout time.Duration
}

// NewStarlarkEvaluator creates an evaluator. A zero timeout means 30s.
func NewStarlarkEvaluator(timeout time.Duration) *StarlarkEvaluator {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &StarlarkEvaluator{timeout: timeout}
}

// Evaluate runs script with input predeclared. print() goes to the debug
// log of the logger carried by ctx.
func (se *StarlarkEvaluator) Evaluate(ctx context.Context, filename, script string, input map[string]interface{}) (*StarlarkResult, error) {
	start := time.Now()
	fail := func(err error) (*StarlarkResult, error) {
		return &StarlarkResult{ExecutionTime: time.Since(start), Error: err.Error()}, err
	}

	ctx, cancel := context.WithTimeout(ctx, se.timeout)
	defer cancel()

	predeclared, err := se.predeclared(input)
	if err != nil {
		return fail(err)
	}

	logger := zerolog.Ctx(ctx)
	thread := &starlark.Thread{
		Name: "override:" + filename,
		Print: func(_ *starlark.Thread, msg string) {
			logger.Debug().Str("script", filename).Msg(msg)
		},
	}
	stop := context.AfterFunc(ctx, func() { thread.Cancel(context.Cause(ctx).Error()) })
	defer stop()

	globals, err := starlark.ExecFile(thread, filename, script, predeclared)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fail(fmt.Errorf("override script %s stopped after %v: %w", filename, time.Since(start).Round(time.Millisecond), ctxErr))
	}
	if err != nil {
		var evalErr *starlark.EvalError
		if errors.As(err, &evalErr) {
			return fail(failure.Validation(fmt.Sprintf("override script %s failed", filename), errors.New(evalErr.Backtrace())))
		}
		return fail(failure.Validation(fmt.Sprintf("override script %s failed", filename), err))
	}

	output, err := exportGlobals(globals)
	if err != nil {
		return fail(failure.Validation(fmt.Sprintf("override script %s", filename), err))
	}
	return &StarlarkResult{Output: output, ExecutionTime: time.Since(start)}, nil
}

func (se *StarlarkEvaluator) predeclared(input map[string]interface{}) (starlark.StringDict, error) {
	var tree *attributes.Tree
	if m, ok := input["attrs"].(map[string]interface{}); ok {
		tree = attributes.FromMap(m)
	} else {
		tree = attributes.New()
	}

	env := starlark.StringDict{
		"struct":           starlark.NewBuiltin("struct", starlarkstruct.Make),
		"version_at_least": starlark.NewBuiltin("version_at_least", versionAtLeast),
		"attr":             starlark.NewBuiltin("attr", attrLookup(tree)),
	}
	for name, v := range input {
		sv, err := toStarlark(v)
		if err != nil {
			return nil, fmt.Errorf("input %s: %w", name, err)
		}
		env[name] = sv
	}
	env.Freeze()
	return env, nil
}

// exportGlobals converts the public, non-callable globals of a script.
func exportGlobals(globals starlark.StringDict) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(globals))
	for _, name := range globals.Keys() {
		v := globals[name]
		if strings.HasPrefix(name, "_") {
			continue
		}
		if _, ok := v.(starlark.Callable); ok {
			continue
		}
		gv, err := fromStarlark(v)
		if err != nil {
			return nil, fmt.Errorf("global %s: %w", name, err)
		}
		out[name] = gv
	}
	return out, nil
}

// toStarlark converts decoded override data into Starlark values. Map keys
// are inserted in sorted order so iteration in scripts is stable.
func toStarlark(v interface{}) (starlark.Value, error) {
	switch val := v.(type) {
	case nil:
		return starlark.None, nil
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case uint64:
		return starlark.MakeUint64(val), nil
	case float64:
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case []string:
		items := make([]starlark.Value, len(val))
		for i, s := range val {
			items[i] = starlark.String(s)
		}
		return starlark.NewList(items), nil
	case []interface{}:
		items := make([]starlark.Value, len(val))
		for i, item := range val {
			sv, err := toStarlark(item)
			if err != nil {
				return nil, err
			}
			items[i] = sv
		}
		return starlark.NewList(items), nil
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		dict := starlark.NewDict(len(val))
		for _, k := range keys {
			sv, err := toStarlark(val[k])
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			if err := dict.SetKey(starlark.String(k), sv); err != nil {
				return nil, err
			}
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported type %T", v)
	}
}

// fromStarlark converts a script value back into override data. Integers
// become int64, tuples become lists, structs and dicts become maps.
func fromStarlark(v starlark.Value) (interface{}, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(val), nil
	case starlark.Int:
		i, ok := val.Int64()
		if !ok {
			return nil, fmt.Errorf("integer %s overflows int64", val)
		}
		return i, nil
	case starlark.Float:
		return float64(val), nil
	case starlark.String:
		return string(val), nil
	case starlark.Indexable:
		// *starlark.List and starlark.Tuple
		out := make([]interface{}, val.Len())
		for i := range out {
			item, err := fromStarlark(val.Index(i))
			if err != nil {
				return nil, err
			}
			out[i] = item
		}
		return out, nil
	case *starlark.Dict:
		out := make(map[string]interface{}, val.Len())
		for _, kv := range val.Items() {
			key, ok := starlark.AsString(kv[0])
			if !ok {
				return nil, fmt.Errorf("dict key %s is not a string", kv[0])
			}
			item, err := fromStarlark(kv[1])
			if err != nil {
				return nil, fmt.Errorf("%s: %w", key, err)
			}
			out[key] = item
		}
		return out, nil
	case *starlarkstruct.Struct:
		out := make(map[string]interface{})
		for _, name := range val.AttrNames() {
			field, err := val.Attr(name)
			if err != nil {
				return nil, err
			}
			item, err := fromStarlark(field)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", name, err)
			}
			out[name] = item
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported starlark type %s", v.Type())
	}
}

// attrLookup returns the attr builtin over tree. Paths use the same syntax
// as --set, including embergraph['journal.AbstractJournal.bufferMode'].
func attrLookup(tree *attributes.Tree) func(*starlark.Thread, *starlark.Builtin, starlark.Tuple, []starlark.Tuple) (starlark.Value, error) {
	return func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var path string
		var def starlark.Value = starlark.None
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "path", &path, "default?", &def); err != nil {
			return nil, err
		}
		v, err := tree.Get(path)
		if failure.Is(err, failure.KindMissingAttribute) {
			return def, nil
		}
		if err != nil {
			return nil, fmt.Errorf("%s: %w", b.Name(), err)
		}
		return toStarlark(v)
	}
}

// versionAtLeast reports whether a version is at or above a minimum,
// compared the same way the flavor selector compares base_version.
func versionAtLeast(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var version, minimum string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "version", &version, "minimum", &minimum); err != nil {
		return nil, err
	}
	cmp, err := attributes.CompareVersion(version, minimum)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	return starlark.Bool(cmp >= 0), nil
}
