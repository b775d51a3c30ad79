// Package flavor selects the ordered plan of resource steps for an install
// flavor.
//
// The flavors form a closed set. Flavor has an unexported marker method, so
// only this package can implement it, and every consumer dispatches through
// Visitor, which has one method per flavor. Adding a flavor means adding a
// Visitor method, and no visitor compiles until it handles the new flavor.
package flavor

import (
	"github.com/embergraph/provisioner/pkg/attributes"
	"github.com/embergraph/provisioner/pkg/failure"
)

// Flavor is a deployment topology.
type Flavor interface {
	// Name returns the install_flavor value.
	Name() string

	// Accept dispatches to the visitor method for this flavor.
	Accept(v Visitor) error

	flavor()
}

// Visitor handles each flavor.
type Visitor interface {
	VisitNSS(f *NSS) error
	VisitTomcat(f *Tomcat) error
	VisitHA(f *HA) error
}

// NSS is the standalone service flavor.
type NSS struct {
	Settings *attributes.NSS
}

// Tomcat is the web archive flavor hosted by the application server.
type Tomcat struct {
	Settings *attributes.Tomcat
}

// HA is the highly available replicated cluster flavor.
type HA struct {
	Settings *attributes.HA
}

func (*NSS) Name() string    { return attributes.FlavorNSS }
func (*Tomcat) Name() string { return attributes.FlavorTomcat }
func (*HA) Name() string     { return attributes.FlavorHA }

func (f *NSS) Accept(v Visitor) error    { return v.VisitNSS(f) }
func (f *Tomcat) Accept(v Visitor) error { return v.VisitTomcat(f) }
func (f *HA) Accept(v Visitor) error     { return v.VisitHA(f) }

func (*NSS) flavor()    {}
func (*Tomcat) flavor() {}
func (*HA) flavor()     {}

// Select returns the flavor configured in cfg. Build guarantees the matching
// settings section is present; a config assembled by hand that lacks it is
// a validation failure.
func Select(cfg *attributes.Config) (Flavor, error) {
	if cfg == nil {
		return nil, failure.Validation("no configuration", nil)
	}
	var f Flavor
	switch cfg.Flavor {
	case attributes.FlavorNSS:
		if cfg.NSS != nil {
			f = &NSS{Settings: cfg.NSS}
		}
	case attributes.FlavorTomcat:
		if cfg.Tomcat != nil {
			f = &Tomcat{Settings: cfg.Tomcat}
		}
	case attributes.FlavorHA:
		if cfg.HA != nil {
			f = &HA{Settings: cfg.HA}
		}
	default:
		return nil, failure.UnknownFlavor(cfg.Flavor)
	}
	if f == nil {
		return nil, failure.Validation("configuration has no "+cfg.Flavor+" settings", nil).
			WithDetail("flavor", cfg.Flavor)
	}
	return f, nil
}
