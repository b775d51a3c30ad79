package resource

import (
	"context"
	"fmt"

	"github.com/embergraph/provisioner/pkg/failure"
	"github.com/embergraph/provisioner/pkg/host"
)

// Link ensures Path is a symbolic link to Target. A regular file or
// directory at Path is drift.
type Link struct {
	Meta

	Path   string
	Target string
}

type linkState struct {
	info *host.FileInfo
}

// ID returns the step identity.
func (l *Link) ID() string { return stepID(KindLink, l.Path) }

// TargetPath returns the link path.
func (l *Link) TargetPath() string { return l.Path }

// Kind returns KindLink.
func (l *Link) Kind() Kind { return KindLink }

// Describe summarizes the desired state.
func (l *Link) Describe() string { return fmt.Sprintf("link %s -> %s", l.Path, l.Target) }

// Probe stats the link.
func (l *Link) Probe(ctx context.Context, h host.Host) (State, error) {
	info, err := h.Stat(ctx, l.Path)
	if err != nil {
		return nil, err
	}
	return linkState{info: info}, nil
}

// Diff creates or repoints the link.
func (l *Link) Diff(state State, _ Run) (*Action, error) {
	info := state.(linkState).info
	switch {
	case !info.Exists:
		return &Action{Verb: "create", Reason: "link does not exist"}, nil
	case !info.IsSymlink:
		return nil, failure.Drift(fmt.Sprintf("%s exists and is not a symbolic link", l.Path), nil).WithStep(l.ID())
	case info.LinkTarget != l.Target:
		return &Action{Verb: "update", Reason: fmt.Sprintf("points to %s", info.LinkTarget)}, nil
	}
	return nil, nil
}

// Apply points the link at the target.
func (l *Link) Apply(ctx context.Context, h host.Host, _ *Action) error {
	return h.Symlink(ctx, l.Target, l.Path)
}
