package resource

import (
	"context"
	"fmt"
	"os"

	"github.com/embergraph/provisioner/pkg/failure"
	"github.com/embergraph/provisioner/pkg/host"
)

// Directory ensures a directory exists with the given mode and ownership.
// Missing parents are created.
type Directory struct {
	Meta

	Path  string
	Owner string
	Group string
	Mode  os.FileMode

	// Recursive applies ownership to everything below Path when it is corrected.
	Recursive bool
}

type directoryState struct {
	info *host.FileInfo
}

type directoryPayload struct {
	create bool
	fix    fixAttrs
}

// ID returns the step identity.
func (d *Directory) ID() string { return stepID(KindDirectory, d.Path) }

// TargetPath returns the managed directory.
func (d *Directory) TargetPath() string { return d.Path }

// Kind returns KindDirectory.
func (d *Directory) Kind() Kind { return KindDirectory }

// Describe summarizes the desired state.
func (d *Directory) Describe() string {
	return fmt.Sprintf("directory %s (%s:%s %04o)", d.Path, d.Owner, d.Group, d.Mode)
}

// References reports the owning accounts.
func (d *Directory) References() Accounts { return ownerRefs(d.Owner, d.Group) }

// Probe stats the directory.
func (d *Directory) Probe(ctx context.Context, h host.Host) (State, error) {
	info, err := h.Stat(ctx, d.Path)
	if err != nil {
		return nil, err
	}
	return directoryState{info: info}, nil
}

// Diff creates a missing directory and corrects mode and ownership. A
// non-directory at the path is drift.
func (d *Directory) Diff(state State, _ Run) (*Action, error) {
	info := state.(directoryState).info
	if !info.Exists {
		return &Action{
			Verb:    "create",
			Reason:  "directory does not exist",
			payload: directoryPayload{create: true, fix: fixAttrs{chmod: d.Mode != 0, chown: d.Owner != "" || d.Group != ""}},
		}, nil
	}
	if !info.IsDir {
		return nil, failure.Drift(fmt.Sprintf("%s exists and is not a directory", d.Path), nil).WithStep(d.ID())
	}
	chmod, chown, reason := attrsDiff(info, d.Owner, d.Group, d.Mode)
	if !chmod && !chown {
		return nil, nil
	}
	return &Action{Verb: "update", Reason: reason, payload: directoryPayload{fix: fixAttrs{chmod: chmod, chown: chown}}}, nil
}

// Apply creates the directory and applies attributes.
func (d *Directory) Apply(ctx context.Context, h host.Host, action *Action) error {
	p := action.payload.(directoryPayload)
	if p.create {
		mode := d.Mode
		if mode == 0 {
			mode = 0o755
		}
		if err := h.MkdirAll(ctx, d.Path, mode); err != nil {
			return err
		}
	}
	return applyAttrs(ctx, h, d.Path, p.fix, d.Owner, d.Group, d.Mode, d.Recursive)
}
