package resource

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/embergraph/provisioner/pkg/host"
)

// Mount table paths.
const (
	FstabPath  = "/etc/fstab"
	MountsPath = "/proc/mounts"
)

// Mount ensures a filesystem has an fstab entry and is mounted. The mount
// point directory must already exist.
type Mount struct {
	Meta

	Device     string
	MountPoint string
	FSType     string

	// Options defaults to "defaults".
	Options string
}

type mountState struct {
	fstab   []byte
	entryOK bool
	mounted bool
}

type mountPayload struct {
	fstab []byte
	mount bool
}

// ID returns the step identity.
func (m *Mount) ID() string { return stepID(KindMount, m.MountPoint) }

// Kind returns KindMount.
func (m *Mount) Kind() Kind { return KindMount }

// Describe summarizes the desired state.
func (m *Mount) Describe() string {
	return fmt.Sprintf("mount %s on %s (%s)", m.Device, m.MountPoint, m.FSType)
}

func (m *Mount) entry() string {
	opts := m.Options
	if opts == "" {
		opts = "defaults"
	}
	return fmt.Sprintf("%s %s %s %s 0 2", m.Device, path.Clean(m.MountPoint), m.FSType, opts)
}

// Probe reads fstab and the kernel mount table.
func (m *Mount) Probe(ctx context.Context, h host.Host) (State, error) {
	info, err := h.Stat(ctx, FstabPath)
	if err != nil {
		return nil, err
	}
	var s mountState
	if info.Exists {
		if s.fstab, err = h.ReadFile(ctx, FstabPath); err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", FstabPath, err)
		}
	}
	s.entryOK = bytes.Contains(s.fstab, []byte(m.entry()+"\n"))

	mounts, err := h.ReadFile(ctx, MountsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", MountsPath, err)
	}
	mp := path.Clean(m.MountPoint)
	for _, line := range strings.Split(string(mounts), "\n") {
		if fields := strings.Fields(line); len(fields) >= 2 && fields[1] == mp {
			s.mounted = true
			break
		}
	}
	return s, nil
}

// Diff writes the fstab entry and mounts as needed.
func (m *Mount) Diff(state State, _ Run) (*Action, error) {
	s := state.(mountState)
	var verbs []string
	var p mountPayload
	if !s.entryOK {
		verbs = append(verbs, "fstab")
		p.fstab = m.rewriteFstab(s.fstab)
	}
	if !s.mounted {
		verbs = append(verbs, "mount")
		p.mount = true
	}
	if len(verbs) == 0 {
		return nil, nil
	}
	return &Action{
		Verb:    strings.Join(verbs, "+"),
		Reason:  fmt.Sprintf("fstab entry=%t mounted=%t", s.entryOK, s.mounted),
		payload: p,
	}, nil
}

// rewriteFstab replaces any entry for the mount point with the desired one.
func (m *Mount) rewriteFstab(fstab []byte) []byte {
	mp := path.Clean(m.MountPoint)
	var out bytes.Buffer
	for _, line := range strings.SplitAfter(string(fstab), "\n") {
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) >= 2 && !strings.HasPrefix(fields[0], "#") && path.Clean(fields[1]) == mp {
			continue
		}
		out.WriteString(line)
		if !strings.HasSuffix(line, "\n") {
			out.WriteByte('\n')
		}
	}
	out.WriteString(m.entry() + "\n")
	return out.Bytes()
}

// Apply updates fstab atomically, then creates the mount point and mounts.
func (m *Mount) Apply(ctx context.Context, h host.Host, action *Action) error {
	p := action.payload.(mountPayload)
	if p.fstab != nil {
		if err := h.WriteFileAtomic(ctx, FstabPath, bytes.NewReader(p.fstab), host.FileAttrs{
			Owner: "root",
			Group: "root",
			Mode:  0o644,
		}); err != nil {
			return err
		}
	}
	if p.mount {
		if err := h.MkdirAll(ctx, m.MountPoint, 0o755); err != nil {
			return err
		}
		return runChecked(ctx, h, host.Command{Script: "mount " + host.ShellQuote(path.Clean(m.MountPoint))})
	}
	return nil
}
