package hosttest

import (
	"fmt"
	"path"
	"strings"

	"github.com/embergraph/provisioner/pkg/host"
)

// PackageManagerProbe is answered with "apt-get" by the fake host.
const PackageManagerProbe = "for m in apt-get dnf yum zypper"

func succeed(stdout string) (*host.CommandResult, error) {
	return &host.CommandResult{Stdout: stdout}, nil
}

func exit(code int, stderr string) (*host.CommandResult, error) {
	return &host.CommandResult{ExitCode: code, Stderr: stderr}, nil
}

// words splits a simple command line, dropping leading VAR=value
// assignments and single quotes.
func words(script string) []string {
	fields := strings.Fields(script)
	for len(fields) > 0 && strings.Contains(fields[0], "=") && !strings.HasPrefix(fields[0], "-") {
		fields = fields[1:]
	}
	for i, f := range fields {
		fields[i] = strings.Trim(f, "'")
	}
	return fields
}

// flag returns the value following name in args.
func flag(args []string, name string) string {
	for i := 0; i < len(args)-1; i++ {
		if args[i] == name {
			return args[i+1]
		}
	}
	return ""
}

func (h *Host) emulate(cmd host.Command) (*host.CommandResult, error) {
	if strings.HasPrefix(cmd.Script, PackageManagerProbe) {
		return succeed("apt-get\n")
	}
	args := words(cmd.Script)
	if len(args) == 0 {
		return exit(127, "empty command")
	}

	if args[0] == "apt-get" {
		return h.aptGet(args[1:])
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	last := args[len(args)-1]
	switch args[0] {
	case "groupadd":
		if _, exists := h.groups[last]; exists {
			return exit(9, fmt.Sprintf("groupadd: group '%s' already exists", last))
		}
		h.groups[last] = host.Group{Name: last, GID: fmt.Sprint(1000 + len(h.groups))}
		return succeed("")

	case "useradd":
		if _, exists := h.users[last]; exists {
			return exit(9, fmt.Sprintf("useradd: user '%s' already exists", last))
		}
		group := flag(args, "--gid")
		if group == "" {
			group = last
			h.groups[last] = host.Group{Name: last, GID: fmt.Sprint(1000 + len(h.groups))}
		} else if _, exists := h.groups[group]; !exists {
			return exit(6, fmt.Sprintf("useradd: group '%s' does not exist", group))
		}
		h.users[last] = host.User{
			Name:  last,
			UID:   fmt.Sprint(1000 + len(h.users)),
			Group: group,
			Home:  flag(args, "--home-dir"),
			Shell: flag(args, "--shell"),
		}
		return succeed("")

	case "systemctl":
		return h.systemctl(args[1:])

	case "service":
		if len(args) < 3 {
			return exit(1, "usage: service NAME ACTION")
		}
		return h.sysvService(args[1], args[2])

	case "update-rc.d":
		if len(args) < 3 {
			return exit(1, "usage: update-rc.d NAME defaults")
		}
		svc := h.serviceLocked(args[1])
		svc.Enabled = true
		h.files["/etc/rc2.d/S20"+args[1]] = &entry{target: "../init.d/" + args[1], mode: 0o777, owner: "root", group: "root"}
		return succeed("")

	case "dpkg-query":
		if h.packages[last] {
			return succeed("install ok installed")
		}
		return exit(1, fmt.Sprintf("dpkg-query: no packages found matching %s", last))

	case "mount":
		return h.mount(last)
	}
	return exit(127, fmt.Sprintf("sh: 1: %s: not found", args[0]))
}

// aptGet installs packages and then runs their install hooks unlocked so
// hooks can use the public seeding methods.
func (h *Host) aptGet(args []string) (*host.CommandResult, error) {
	var hooks []func(*Host)
	h.mu.Lock()
	for _, a := range args {
		if a == "install" || strings.HasPrefix(a, "-") {
			continue
		}
		if !h.packages[a] {
			h.packages[a] = true
			if hook, ok := h.installHooks[a]; ok {
				hooks = append(hooks, hook)
			}
		}
	}
	h.mu.Unlock()

	for _, hook := range hooks {
		hook(h)
	}
	return succeed("")
}

func (h *Host) serviceLocked(name string) *Service {
	svc, exists := h.services[name]
	if !exists {
		svc = &Service{}
		h.services[name] = svc
	}
	return svc
}

func (h *Host) systemctl(args []string) (*host.CommandResult, error) {
	var rest []string
	for _, a := range args {
		if !strings.HasPrefix(a, "--") {
			rest = append(rest, a)
		}
	}
	if len(rest) < 2 {
		return exit(1, "usage: systemctl ACTION NAME")
	}
	action, name := rest[0], rest[1]
	svc, known := h.services[name]
	switch action {
	case "is-enabled":
		if known && svc.Enabled {
			return succeed("enabled\n")
		}
		return exit(1, "disabled\n")
	case "is-active":
		if known && svc.Running {
			return succeed("active\n")
		}
		return exit(3, "inactive\n")
	}
	if !known {
		return exit(5, fmt.Sprintf("Failed to %s %s.service: Unit not found.", action, name))
	}
	switch action {
	case "enable":
		svc.Enabled = true
	case "disable":
		svc.Enabled = false
	case "start":
		if !svc.Running {
			svc.Running = true
			svc.Starts++
		}
	case "stop":
		svc.Running = false
	case "restart":
		svc.Running = true
		svc.Restarts++
	default:
		return exit(1, "unknown action "+action)
	}
	return succeed("")
}

func (h *Host) sysvService(name, action string) (*host.CommandResult, error) {
	if _, ok := h.files["/etc/init.d/"+name]; !ok {
		if _, known := h.services[name]; !known {
			return exit(1, fmt.Sprintf("%s: unrecognized service", name))
		}
	}
	svc := h.serviceLocked(name)
	switch action {
	case "status":
		if svc.Running {
			return succeed("running\n")
		}
		return exit(3, "not running\n")
	case "start":
		if !svc.Running {
			svc.Running = true
			svc.Starts++
		}
	case "stop":
		svc.Running = false
	case "restart":
		svc.Running = true
		svc.Restarts++
	default:
		return exit(1, "unknown action "+action)
	}
	return succeed("")
}

// mount mounts the fstab entry for a mount point and records it in /proc/mounts.
func (h *Host) mount(mountPoint string) (*host.CommandResult, error) {
	fstab := h.files["/etc/fstab"]
	if fstab == nil {
		return exit(1, "mount: /etc/fstab missing")
	}
	for _, line := range strings.Split(string(fstab.data), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 3 || fields[1] != mountPoint {
			continue
		}
		if e, ok := h.files[path.Clean(mountPoint)]; !ok || !e.dir {
			return exit(32, fmt.Sprintf("mount: %s: mount point does not exist.", mountPoint))
		}
		h.mounts[mountPoint] = fields[0]
		var b strings.Builder
		for mp, dev := range h.mounts {
			fmt.Fprintf(&b, "%s %s %s rw,relatime 0 0\n", dev, mp, fields[2])
		}
		h.files["/proc/mounts"] = &entry{data: []byte(b.String()), mode: 0o444, owner: "root", group: "root"}
		return succeed("")
	}
	return exit(1, fmt.Sprintf("mount: %s: can't find in /etc/fstab.", mountPoint))
}
