// Package config loads deployment overrides for the attribute store.
//
// Overrides are the last layer of attribute resolution: defaults, then the
// flavor overlay, then overrides. They can be written in several formats,
// chosen by file extension:
//
//	.yaml .yml .json   YAML or JSON, checked against an embedded JSON Schema
//	.cue               CUE, unified with the #Overrides definition
//	.hcl               HCL, one block per attribute namespace
//	.star              Starlark; public globals become overrides
//
// Each document is a map from namespace (embergraph, ssd, tomcat, zookeeper,
// java, mapgraph) to attributes. Unknown namespaces are rejected, and known
// attributes such as embergraph.install_flavor are type checked, but
// namespaces themselves stay open so store properties and future attributes
// need no schema change.
//
// # Usage
//
//	loader, err := config.NewLoader(config.WithLogger(logger))
//	if err != nil {
//	    return err
//	}
//	overrides, err := loader.Load(ctx, "site.yaml", "node.star")
//	if err != nil {
//	    return err
//	}
//	set, err := config.ParseSet("embergraph.install_flavor=ha")
//	if err != nil {
//	    return err
//	}
//	tree, err := attributes.Resolve(overrides.Merge(set))
//
// Starlark scripts see the overrides loaded before them as attrs and may
// call version_at_least(version, minimum):
//
//	_e = attrs.get("embergraph", {})
//	embergraph = {"build_from_svn": not version_at_least(_e.get("base_version", "1.3.1"), "1.3.1")}
//
// Watch reports changes to override files so a long-running process can
// resolve and converge again.
package config
