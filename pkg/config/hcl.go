package config

import (
	"fmt"
	"math/big"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/zclconf/go-cty/cty"
)

// decodeHCL reads an HCL override document. Each top-level block names an
// attribute namespace and its attributes become that namespace's overrides:
//
//	embergraph {
//	  install_flavor = "ha"
//	  replication_factor = 3
//	}
//
// Top-level attributes are taken as they are, so object values work too.
func decodeHCL(filename string, src []byte) (map[string]interface{}, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse %s: %s", filename, diags.Error())
	}
	body, ok := file.Body.(*hclsyntax.Body)
	if !ok {
		return nil, fmt.Errorf("%s: unexpected HCL body type %T", filename, file.Body)
	}

	out := make(map[string]interface{})
	if err := decodeHCLAttributes(body.Attributes, out); err != nil {
		return nil, err
	}

	for _, block := range body.Blocks {
		if len(block.Labels) > 0 {
			return nil, fmt.Errorf("%s: block %q must not have labels", block.DefRange().String(), block.Type)
		}
		if len(block.Body.Blocks) > 0 {
			return nil, fmt.Errorf("%s: block %q must not contain nested blocks", block.DefRange().String(), block.Type)
		}
		ns, _ := out[block.Type].(map[string]interface{})
		if ns == nil {
			ns = make(map[string]interface{})
			out[block.Type] = ns
		}
		if err := decodeHCLAttributes(block.Body.Attributes, ns); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func decodeHCLAttributes(attrs hclsyntax.Attributes, out map[string]interface{}) error {
	for name, attr := range attrs {
		val, diags := attr.Expr.Value(&hcl.EvalContext{})
		if diags.HasErrors() {
			return fmt.Errorf("failed to evaluate %s: %s", name, diags.Error())
		}
		goVal, err := ctyValueToInterface(val)
		if err != nil {
			return fmt.Errorf("%s: %w", attr.SrcRange.String(), err)
		}
		out[name] = goVal
	}
	return nil
}

// ctyValueToInterface converts a cty.Value to plain Go values. Whole numbers
// become int so they read back the same as YAML integers.
func ctyValueToInterface(val cty.Value) (interface{}, error) {
	if !val.IsKnown() || val.IsNull() {
		return nil, nil
	}
	if val.Type().IsPrimitiveType() {
		switch val.Type() {
		case cty.String:
			return val.AsString(), nil
		case cty.Number:
			bf := val.AsBigFloat()
			if bf.IsInt() {
				if i, acc := bf.Int64(); acc == big.Exact {
					return int(i), nil
				}
			}
			f, _ := bf.Float64()
			return f, nil
		case cty.Bool:
			return val.True(), nil
		default:
			return nil, fmt.Errorf("unsupported primitive type: %s", val.Type().FriendlyName())
		}
	}
	if val.Type().IsObjectType() || val.Type().IsMapType() {
		out := make(map[string]interface{})
		for it := val.ElementIterator(); it.Next(); {
			k, v := it.Element()
			goVal, err := ctyValueToInterface(v)
			if err != nil {
				return nil, err
			}
			out[k.AsString()] = goVal
		}
		return out, nil
	}
	if val.Type().IsTupleType() || val.Type().IsListType() || val.Type().IsSetType() {
		out := make([]interface{}, 0, val.LengthInt())
		for it := val.ElementIterator(); it.Next(); {
			_, v := it.Element()
			goVal, err := ctyValueToInterface(v)
			if err != nil {
				return nil, err
			}
			out = append(out, goVal)
		}
		return out, nil
	}
	return nil, fmt.Errorf("unsupported type: %s", val.Type().FriendlyName())
}
