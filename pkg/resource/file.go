package resource

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/embergraph/provisioner/pkg/attributes"
	"github.com/embergraph/provisioner/pkg/failure"
	"github.com/embergraph/provisioner/pkg/host"
	"github.com/embergraph/provisioner/pkg/render"
)

// contentState is the probed state of a content-managed file.
type contentState struct {
	info        *host.FileInfo
	currentHash string
	desired     []byte
	desiredHash string
}

type contentPayload struct {
	dest    target
	write   bool
	content []byte
	fix     fixAttrs
}

// target describes a content-managed destination.
type target struct {
	path  string
	owner string
	group string
	mode  os.FileMode
}

func hashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// hashFile returns the sha256 of a file on the host, or "" when it is not a
// regular file.
func hashFile(ctx context.Context, h host.Host, info *host.FileInfo) (string, error) {
	if !info.Exists || info.IsDir || info.IsSymlink {
		return "", nil
	}
	r, err := h.Open(ctx, info.Path)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", info.Path, err)
	}
	defer r.Close()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, r); err != nil {
		return "", fmt.Errorf("failed to hash %s: %w", info.Path, err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

func probeContent(ctx context.Context, h host.Host, path string, desired []byte) (contentState, error) {
	info, err := h.Stat(ctx, path)
	if err != nil {
		return contentState{}, err
	}
	current, err := hashFile(ctx, h, info)
	if err != nil {
		return contentState{}, err
	}
	return contentState{info: info, currentHash: current, desired: desired, desiredHash: hashBytes(desired)}, nil
}

func diffContent(id string, t target, s contentState) (*Action, error) {
	if s.info.Exists && s.info.IsDir {
		return nil, failure.Drift(fmt.Sprintf("%s is a directory", t.path), nil).WithStep(id)
	}
	if !s.info.Exists {
		return &Action{Verb: "create", Reason: "file does not exist", payload: contentPayload{dest: t, write: true, content: s.desired}}, nil
	}
	if s.currentHash != s.desiredHash {
		return &Action{
			Verb:    "update",
			Reason:  fmt.Sprintf("content sha256 %.12s != %.12s", s.currentHash, s.desiredHash),
			payload: contentPayload{dest: t, write: true, content: s.desired},
		}, nil
	}
	chmod, chown, reason := attrsDiff(s.info, t.owner, t.group, t.mode)
	if !chmod && !chown {
		return nil, nil
	}
	return &Action{Verb: "update", Reason: reason, payload: contentPayload{dest: t, fix: fixAttrs{chmod: chmod, chown: chown}}}, nil
}

func applyContent(ctx context.Context, h host.Host, action *Action) error {
	p := action.payload.(contentPayload)
	t := p.dest
	if p.write {
		return h.WriteFileAtomic(ctx, t.path, bytes.NewReader(p.content), host.FileAttrs{
			Owner: t.owner,
			Group: t.group,
			Mode:  t.mode,
		})
	}
	return applyAttrs(ctx, h, t.path, p.fix, t.owner, t.group, t.mode, false)
}

// File ensures a file holds fixed content, or a copy of another file on the
// same host.
type File struct {
	Meta

	Path  string
	Owner string
	Group string
	Mode  os.FileMode

	// Content is the desired content when SourcePath is empty.
	Content []byte

	// SourcePath copies the content of another file on the host.
	SourcePath string
}

// ID returns the step identity.
func (f *File) ID() string { return stepID(KindFile, f.Path) }

// TargetPath returns the managed path.
func (f *File) TargetPath() string { return f.Path }

// Kind returns KindFile.
func (f *File) Kind() Kind { return KindFile }

// Describe summarizes the desired state.
func (f *File) Describe() string {
	if f.SourcePath != "" {
		return fmt.Sprintf("file %s copied from %s", f.Path, f.SourcePath)
	}
	return fmt.Sprintf("file %s (%d bytes)", f.Path, len(f.Content))
}

// References reports the owning accounts.
func (f *File) References() Accounts { return ownerRefs(f.Owner, f.Group) }

func (f *File) target() target {
	return target{path: f.Path, owner: f.Owner, group: f.Group, mode: f.Mode}
}

// Probe hashes the destination and loads the desired content.
func (f *File) Probe(ctx context.Context, h host.Host) (State, error) {
	desired := f.Content
	if f.SourcePath != "" {
		data, err := h.ReadFile(ctx, f.SourcePath)
		if err != nil {
			return nil, fmt.Errorf("failed to read source %s: %w", f.SourcePath, err)
		}
		desired = data
	}
	return probeContent(ctx, h, f.Path, desired)
}

// Diff compares content hashes and attributes.
func (f *File) Diff(state State, _ Run) (*Action, error) {
	return diffContent(f.ID(), f.target(), state.(contentState))
}

// Apply writes the content atomically or corrects attributes.
func (f *File) Apply(ctx context.Context, h host.Host, action *Action) error {
	return applyContent(ctx, h, action)
}

// Template ensures a file holds the rendering of a template.
type Template struct {
	Meta

	Path     string
	Owner    string
	Group    string
	Mode     os.FileMode
	Template string

	// Renderer renders Template against Config.
	Renderer *render.Renderer
	Config   *attributes.Config
}

// ID returns the step identity.
func (t *Template) ID() string { return stepID(KindTemplate, t.Path) }

// TargetPath returns the rendered path.
func (t *Template) TargetPath() string { return t.Path }

// Kind returns KindTemplate.
func (t *Template) Kind() Kind { return KindTemplate }

// Describe summarizes the desired state.
func (t *Template) Describe() string {
	return fmt.Sprintf("template %s rendered from %s", t.Path, t.Template)
}

// References reports the owning accounts.
func (t *Template) References() Accounts { return ownerRefs(t.Owner, t.Group) }

func (t *Template) target() target {
	return target{path: t.Path, owner: t.Owner, group: t.Group, mode: t.Mode}
}

// Probe renders the template and hashes the destination.
func (t *Template) Probe(ctx context.Context, h host.Host) (State, error) {
	rendered, err := t.Renderer.Render(t.Template, t.Config)
	if err != nil {
		return nil, err
	}
	return probeContent(ctx, h, t.Path, rendered)
}

// Diff compares the rendered bytes with the file on disk.
func (t *Template) Diff(state State, _ Run) (*Action, error) {
	return diffContent(t.ID(), t.target(), state.(contentState))
}

// Apply writes the rendered bytes atomically or corrects attributes.
func (t *Template) Apply(ctx context.Context, h host.Host, action *Action) error {
	return applyContent(ctx, h, action)
}
