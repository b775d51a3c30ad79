package config

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/embergraph/provisioner/pkg/attributes"
	"github.com/embergraph/provisioner/pkg/failure"
)

// ParseSet builds an override tree from path=value expressions such as
// embergraph.replication_factor=3 or ssd.devices=[/dev/xvdb,/dev/xvdc].
// Values are read as YAML, except that decimals stay strings so a version
// like 1.10 is not rounded to 1.1.
func ParseSet(exprs ...string) (*attributes.Tree, error) {
	t := attributes.New()
	for _, expr := range exprs {
		path, raw, ok := strings.Cut(expr, "=")
		path = strings.TrimSpace(path)
		if !ok || path == "" {
			return nil, failure.Validation(fmt.Sprintf("override %q is not of the form path=value", expr), nil)
		}
		value, err := parseSetValue(raw)
		if err != nil {
			return nil, failure.Validation(fmt.Sprintf("override %q has an unreadable value", expr), err)
		}
		if err := t.Set(path, value); err != nil {
			return nil, failure.Validation(fmt.Sprintf("override %q has a malformed path", expr), err)
		}
	}
	return t, nil
}

func parseSetValue(raw string) (interface{}, error) {
	if strings.TrimSpace(raw) == "" {
		return "", nil
	}
	var v interface{}
	if err := yaml.Unmarshal([]byte(raw), &v); err != nil {
		return nil, err
	}
	switch v.(type) {
	case float64:
		return raw, nil
	case nil:
		return raw, nil
	}
	return v, nil
}
