package resource

import (
	"context"
	"fmt"
	"strings"

	"github.com/embergraph/provisioner/pkg/host"
)

// detectManagerScript prints the first available package manager.
const detectManagerScript = "for m in apt-get dnf yum zypper; do " +
	"if command -v $m >/dev/null 2>&1; then echo $m; exit 0; fi; done; exit 1"

// Package ensures an OS package is installed.
type Package struct {
	Meta

	Name string

	// Manager forces a package manager (apt-get, dnf, yum, zypper).
	// Detected on the host when empty.
	Manager string

	// Accounts lists the users and groups the package creates on install,
	// e.g. the tomcat user.
	Accounts Accounts
}

type packageState struct {
	manager   string
	installed bool
}

// ID returns the step identity.
func (p *Package) ID() string { return stepID(KindPackage, p.Name) }

// Kind returns KindPackage.
func (p *Package) Kind() Kind { return KindPackage }

// Describe summarizes the desired state.
func (p *Package) Describe() string { return "package " + p.Name + " installed" }

// Provides reports the accounts created by the package.
func (p *Package) Provides() Accounts { return p.Accounts }

// DetectManager returns the host's package manager.
func DetectManager(ctx context.Context, h host.Host) (string, error) {
	res, err := h.Run(ctx, host.Command{Script: detectManagerScript})
	if err != nil {
		return "", err
	}
	if !res.Success() {
		return "", fmt.Errorf("no supported package manager found")
	}
	return strings.TrimSpace(res.Stdout), nil
}

// Probe asks the package database whether the package is installed.
func (p *Package) Probe(ctx context.Context, h host.Host) (State, error) {
	manager := p.Manager
	if manager == "" {
		var err error
		if manager, err = DetectManager(ctx, h); err != nil {
			return nil, err
		}
	}

	name := host.ShellQuote(p.Name)
	var query string
	switch manager {
	case "apt-get":
		query = "dpkg-query -W -f='${Status}' " + name
	case "dnf", "yum", "zypper":
		query = "rpm -q " + name
	default:
		return nil, fmt.Errorf("unsupported package manager %q", manager)
	}

	res, err := h.Run(ctx, host.Command{Script: query})
	if err != nil {
		return nil, err
	}
	installed := res.Success()
	if manager == "apt-get" {
		installed = installed && strings.Contains(res.Stdout, "install ok installed")
	}
	return packageState{manager: manager, installed: installed}, nil
}

// Diff installs a missing package.
func (p *Package) Diff(state State, _ Run) (*Action, error) {
	s := state.(packageState)
	if s.installed {
		return nil, nil
	}
	return &Action{Verb: "install", Reason: "not installed (" + s.manager + ")", payload: s.manager}, nil
}

// Apply installs the package non-interactively.
func (p *Package) Apply(ctx context.Context, h host.Host, action *Action) error {
	name := host.ShellQuote(p.Name)
	var script string
	switch manager := action.payload.(string); manager {
	case "apt-get":
		script = "DEBIAN_FRONTEND=noninteractive apt-get install -y " + name
	case "dnf", "yum":
		script = manager + " install -y " + name
	case "zypper":
		script = "zypper --non-interactive install " + name
	default:
		return fmt.Errorf("unsupported package manager %q", manager)
	}
	return runChecked(ctx, h, host.Command{Script: script})
}
