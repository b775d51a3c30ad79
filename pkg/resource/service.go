package resource

import (
	"context"
	"fmt"
	"strings"

	"github.com/embergraph/provisioner/pkg/host"
)

// Service managers.
const (
	ManagerSystemd = "systemd"
	ManagerSysV    = "sysv"
)

// Service ensures a system service is enabled at boot and running. A
// mismatch issues only the minimal corrective commands; a running service is
// restarted only when a subscribed step applied in this run.
type Service struct {
	Meta

	Name    string
	Manager string
	Enabled bool
	Running bool
}

type serviceState struct {
	enabled bool
	running bool
}

// ID returns the step identity.
func (s *Service) ID() string { return stepID(KindService, s.Name) }

// Kind returns KindService.
func (s *Service) Kind() Kind { return KindService }

// Describe summarizes the desired state.
func (s *Service) Describe() string {
	return fmt.Sprintf("service %s enabled=%t running=%t (%s)", s.Name, s.Enabled, s.Running, s.manager())
}

func (s *Service) manager() string {
	if s.Manager == "" {
		return ManagerSystemd
	}
	return s.Manager
}

// Probe queries the service manager.
func (s *Service) Probe(ctx context.Context, h host.Host) (State, error) {
	name := host.ShellQuote(s.Name)
	var st serviceState

	switch s.manager() {
	case ManagerSystemd:
		res, err := h.Run(ctx, host.Command{Script: "systemctl is-enabled --quiet " + name})
		if err != nil {
			return nil, err
		}
		st.enabled = res.Success()
		res, err = h.Run(ctx, host.Command{Script: "systemctl is-active --quiet " + name})
		if err != nil {
			return nil, err
		}
		st.running = res.Success()
	case ManagerSysV:
		links, err := h.Glob(ctx, "/etc/rc2.d/S[0-9][0-9]"+s.Name)
		if err != nil {
			return nil, err
		}
		st.enabled = len(links) > 0
		res, err := h.Run(ctx, host.Command{Script: "service " + name + " status"})
		if err != nil {
			return nil, err
		}
		st.running = res.Success()
	default:
		return nil, fmt.Errorf("unknown service manager %q", s.Manager)
	}
	return st, nil
}

// Diff computes the minimal corrective commands.
func (s *Service) Diff(state State, run Run) (*Action, error) {
	st := state.(serviceState)
	var verbs []string
	if s.Enabled && !st.enabled {
		verbs = append(verbs, "enable")
	}
	if !s.Enabled && st.enabled {
		verbs = append(verbs, "disable")
	}
	switch {
	case s.Running && !st.running:
		verbs = append(verbs, "start")
	case s.Running && st.running && s.subscribedApplied(run):
		verbs = append(verbs, "restart")
	case !s.Running && st.running:
		verbs = append(verbs, "stop")
	}
	if len(verbs) == 0 {
		return nil, nil
	}
	return &Action{
		Verb:    strings.Join(verbs, "+"),
		Reason:  fmt.Sprintf("enabled=%t running=%t", st.enabled, st.running),
		payload: verbs,
	}, nil
}

// Apply runs each corrective command in order.
func (s *Service) Apply(ctx context.Context, h host.Host, action *Action) error {
	for _, verb := range action.payload.([]string) {
		if err := runChecked(ctx, h, host.Command{Script: s.command(verb)}); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) command(verb string) string {
	name := host.ShellQuote(s.Name)
	if s.manager() == ManagerSystemd {
		return fmt.Sprintf("systemctl %s %s", verb, name)
	}
	switch verb {
	case "enable":
		return fmt.Sprintf("update-rc.d %s defaults", name)
	case "disable":
		return fmt.Sprintf("update-rc.d -f %s remove", name)
	default:
		return fmt.Sprintf("service %s %s", name, verb)
	}
}
