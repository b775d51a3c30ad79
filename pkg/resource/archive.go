package resource

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/embergraph/provisioner/pkg/failure"
	"github.com/embergraph/provisioner/pkg/host"
)

// Archive extracts a gzipped tarball that is already on the host into a
// destination directory. It is satisfied once the Creates path exists and
// the completion marker written after the last entry is present, so an
// interrupted extraction is redone.
//
// Entries never leave the destination: names are cleaned, symlinks must
// point inside it, and no entry is written through a symlink.
type Archive struct {
	Meta

	// Source is the archive path on the host.
	Source string

	// Destination is the directory entries are extracted into.
	Destination string

	// StripComponents drops leading path elements from each entry.
	StripComponents int

	// Creates is a path the archive provides, typically its main binary.
	Creates string

	Owner string
	Group string
}

type archiveState struct {
	missing string
}

// ID returns the step identity.
func (a *Archive) ID() string { return stepID(KindArchive, a.Source) }

// Kind returns KindArchive.
func (a *Archive) Kind() Kind { return KindArchive }

// Describe summarizes the desired state.
func (a *Archive) Describe() string {
	return fmt.Sprintf("extract %s into %s (creates %s)", a.Source, a.Destination, a.Creates)
}

// References reports the owning accounts.
func (a *Archive) References() Accounts { return ownerRefs(a.Owner, a.Group) }

// Validate requires a creates marker.
func (a *Archive) Validate() error {
	if a.Source == "" || a.Destination == "" {
		return failure.Validation("archive needs a source and a destination", nil).WithStep(a.ID())
	}
	if a.Creates == "" {
		return failure.Validation("archive has no creates marker", nil).WithStep(a.ID())
	}
	return nil
}

// MarkerPath is written once every entry is extracted and owned.
func (a *Archive) MarkerPath() string {
	return path.Join(a.Destination, "."+path.Base(a.Source)+".extracted")
}

// Probe checks the creates path and the completion marker.
func (a *Archive) Probe(ctx context.Context, h host.Host) (State, error) {
	var s archiveState
	for _, p := range []string{a.Creates, a.MarkerPath()} {
		info, err := h.Stat(ctx, p)
		if err != nil {
			return nil, err
		}
		if !info.Exists {
			s.missing = p
			break
		}
	}
	return s, nil
}

// Diff extracts when either path is missing.
func (a *Archive) Diff(state State, _ Run) (*Action, error) {
	s := state.(archiveState)
	if s.missing == "" {
		return nil, nil
	}
	return &Action{Verb: "extract", Reason: s.missing + " does not exist"}, nil
}

// Apply streams the archive from the host and writes each entry back.
func (a *Archive) Apply(ctx context.Context, h host.Host, _ *Action) error {
	src, err := h.Open(ctx, a.Source)
	if err != nil {
		return fmt.Errorf("failed to open archive %s: %w", a.Source, err)
	}
	defer src.Close()

	zr, err := gzip.NewReader(src)
	if err != nil {
		return fmt.Errorf("failed to read gzip stream %s: %w", a.Source, err)
	}
	defer zr.Close()

	if err := h.MkdirAll(ctx, a.Destination, 0o755); err != nil {
		return err
	}

	// Symlinks created so far, by relative path.
	links := make(map[string]bool)

	tr := tar.NewReader(zr)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read tar entry in %s: %w", a.Source, err)
		}

		rel, ok := stripPath(hdr.Name, a.StripComponents)
		if !ok {
			continue
		}
		if through := linkAncestor(rel, links); through != "" {
			return a.unsafeEntry(hdr.Name, "is below symlink "+through)
		}
		dest := path.Join(a.Destination, rel)

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := h.MkdirAll(ctx, dest, os.FileMode(hdr.Mode)&os.ModePerm); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := h.MkdirAll(ctx, path.Dir(dest), 0o755); err != nil {
				return err
			}
			attrs := host.FileAttrs{Mode: os.FileMode(hdr.Mode) & os.ModePerm}
			if err := h.WriteFileAtomic(ctx, dest, tr, attrs); err != nil {
				return err
			}
		case tar.TypeSymlink:
			if !linkStaysInside(rel, hdr.Linkname, links) {
				return a.unsafeEntry(hdr.Name, "links outside the destination to "+hdr.Linkname)
			}
			if err := h.MkdirAll(ctx, path.Dir(dest), 0o755); err != nil {
				return err
			}
			if err := h.Symlink(ctx, hdr.Linkname, dest); err != nil {
				return err
			}
			links[rel] = true
		}
	}

	if a.Owner != "" || a.Group != "" {
		if err := h.Chown(ctx, a.Destination, a.Owner, a.Group, true); err != nil {
			return err
		}
	}
	return h.WriteFileAtomic(ctx, a.MarkerPath(), strings.NewReader(a.Source+"\n"), host.FileAttrs{
		Owner: a.Owner, Group: a.Group, Mode: 0o644,
	})
}

func (a *Archive) unsafeEntry(name, reason string) error {
	return failure.Apply(fmt.Sprintf("archive %s: entry %s %s", a.Source, name, reason), nil).
		WithStep(a.ID()).
		WithDetail("entry", name)
}

// linkStaysInside reports whether a symlink at rel pointing at target
// resolves within the extraction root. The target is walked element by
// element, and stepping into an earlier link before another element is
// refused, since the link's own target would change where ".." lands.
func linkStaysInside(rel, target string, links map[string]bool) bool {
	if target == "" || path.IsAbs(target) {
		return false
	}
	var cur []string
	if dir := path.Dir(rel); dir != "." {
		cur = strings.Split(dir, "/")
	}
	elems := strings.Split(target, "/")
	for i, e := range elems {
		switch e {
		case "", ".":
		case "..":
			if len(cur) == 0 {
				return false
			}
			cur = cur[:len(cur)-1]
		default:
			cur = append(cur, e)
			if i < len(elems)-1 && links[strings.Join(cur, "/")] {
				return false
			}
		}
	}
	return true
}

// linkAncestor returns the first proper prefix of rel that is a symlink.
func linkAncestor(rel string, links map[string]bool) string {
	for dir := path.Dir(rel); dir != "." && dir != "/"; dir = path.Dir(dir) {
		if links[dir] {
			return dir
		}
	}
	return ""
}

// stripPath removes n leading elements from a tar entry name. The name is
// cleaned as if rooted, so ".." elements are dropped. It reports false for
// entries consumed entirely by the strip.
func stripPath(name string, n int) (string, bool) {
	clean := path.Clean("/" + strings.TrimPrefix(name, "./"))
	parts := strings.Split(strings.TrimPrefix(clean, "/"), "/")
	if len(parts) <= n || (len(parts) == 1 && parts[0] == "") {
		return "", false
	}
	return strings.Join(parts[n:], "/"), true
}
