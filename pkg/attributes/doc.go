// Package attributes provides the attribute store consulted by every
// provisioning step.
//
// # Layers
//
// A run's attribute tree is assembled once, before any step executes:
//
//  1. Defaults - flavor-independent values (home directory, service user,
//     base version, store engine properties)
//  2. Overlay - the partial attribute set of the selected install flavor,
//     produced by the pure function Overlay(flavor)
//  3. Overrides - deployment-specific values loaded by the config package
//
// Values that depend on other attributes (for example the store properties
// path under the home directory) are registered as derivations. They are
// computed against the fully merged tree on first read and memoized, so an
// override of the home directory moves every path derived from it.
//
// # Typed configuration
//
// Build converts the resolved tree into a Config struct with one section per
// flavor. Step constructors take the Config rather than looking paths up.
package attributes
