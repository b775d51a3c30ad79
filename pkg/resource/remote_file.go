package resource

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"strings"
	"time"

	"github.com/embergraph/provisioner/pkg/failure"
	"github.com/embergraph/provisioner/pkg/host"
)

// ChecksumLedger remembers the hash of each downloaded artifact so later
// runs can tell a converged download from a stale one without refetching.
type ChecksumLedger interface {
	// Recorded returns the hash stored for key, or "" when none is recorded.
	Recorded(ctx context.Context, key string) (string, error)

	// Record stores the hash for key.
	Record(ctx context.Context, key, sha256 string) error
}

// DefaultHTTPClient is used by remote files without their own client.
var DefaultHTTPClient = &http.Client{Timeout: 30 * time.Minute}

// RemoteFile ensures a file holds the content fetched from a URL.
// It is satisfied when the file's hash equals the declared checksum, or,
// without one, the hash recorded after the last download. That hash is kept
// on the host in a hidden sidecar next to the file (see SumPath), so it
// survives between runs without any local state; a Ledger is consulted
// when the sidecar is missing.
type RemoteFile struct {
	Meta

	URL   string
	Path  string
	Owner string
	Group string
	Mode  os.FileMode

	// Checksum is the expected sha256, if known.
	Checksum string

	// Ledger also records download hashes, if set.
	Ledger ChecksumLedger

	// Client fetches the URL; DefaultHTTPClient when nil.
	Client *http.Client
}

type remoteState struct {
	info        *host.FileInfo
	currentHash string
	recorded    string
}

type remotePayload struct {
	download bool
	fix      fixAttrs
}

// ID returns the step identity.
func (r *RemoteFile) ID() string { return stepID(KindRemoteFile, r.Path) }

// TargetPath returns the download destination.
func (r *RemoteFile) TargetPath() string { return r.Path }

// Kind returns KindRemoteFile.
func (r *RemoteFile) Kind() Kind { return KindRemoteFile }

// Describe summarizes the desired state.
func (r *RemoteFile) Describe() string {
	return fmt.Sprintf("remote file %s from %s", r.Path, r.URL)
}

// References reports the owning accounts.
func (r *RemoteFile) References() Accounts { return ownerRefs(r.Owner, r.Group) }

// Validate requires a URL and a well-formed checksum, if one is declared.
func (r *RemoteFile) Validate() error {
	if r.URL == "" {
		return failure.Validation("remote file has no URL", nil).WithStep(r.ID())
	}
	if r.Checksum != "" {
		if b, err := hex.DecodeString(r.Checksum); err != nil || len(b) != sha256.Size {
			return failure.Validation("remote file checksum is not a sha256 hex digest", err).WithStep(r.ID())
		}
	}
	return nil
}

// SumPath is the sidecar holding the hash of the last download, in
// sha256sum format.
func (r *RemoteFile) SumPath() string {
	return path.Join(path.Dir(r.Path), "."+path.Base(r.Path)+".sha256")
}

func (r *RemoteFile) ledgerKey() string {
	return r.URL + " -> " + r.Path
}

// Probe hashes the destination and reads the recorded hash.
func (r *RemoteFile) Probe(ctx context.Context, h host.Host) (State, error) {
	info, err := h.Stat(ctx, r.Path)
	if err != nil {
		return nil, err
	}
	current, err := hashFile(ctx, h, info)
	if err != nil {
		return nil, err
	}
	s := remoteState{info: info, currentHash: current}
	if r.Checksum != "" || !info.Exists {
		return s, nil
	}
	if s.recorded, err = r.readSum(ctx, h); err != nil {
		return nil, err
	}
	if s.recorded == "" && r.Ledger != nil {
		if s.recorded, err = r.Ledger.Recorded(ctx, r.ledgerKey()); err != nil {
			return nil, fmt.Errorf("failed to read recorded checksum: %w", err)
		}
	}
	return s, nil
}

func (r *RemoteFile) readSum(ctx context.Context, h host.Host) (string, error) {
	info, err := h.Stat(ctx, r.SumPath())
	if err != nil {
		return "", err
	}
	if !info.Exists || info.IsDir {
		return "", nil
	}
	data, err := h.ReadFile(ctx, r.SumPath())
	if err != nil {
		return "", fmt.Errorf("failed to read recorded checksum: %w", err)
	}
	sum, _, _ := strings.Cut(strings.TrimSpace(string(data)), " ")
	return strings.ToLower(sum), nil
}

// Diff downloads when the file is missing or its hash is not the expected one.
func (r *RemoteFile) Diff(state State, _ Run) (*Action, error) {
	s := state.(remoteState)
	if s.info.Exists && s.info.IsDir {
		return nil, failure.Drift(fmt.Sprintf("%s is a directory", r.Path), nil).WithStep(r.ID())
	}
	if !s.info.Exists {
		return &Action{Verb: "download", Reason: "file does not exist", payload: remotePayload{download: true}}, nil
	}

	expected := strings.ToLower(r.Checksum)
	if expected == "" {
		expected = s.recorded
	}
	if expected == "" {
		return &Action{Verb: "download", Reason: "no recorded checksum", payload: remotePayload{download: true}}, nil
	}
	if s.currentHash != expected {
		return &Action{
			Verb:    "download",
			Reason:  fmt.Sprintf("sha256 %.12s != %.12s", s.currentHash, expected),
			payload: remotePayload{download: true},
		}, nil
	}

	chmod, chown, reason := attrsDiff(s.info, r.Owner, r.Group, r.Mode)
	if !chmod && !chown {
		return nil, nil
	}
	return &Action{Verb: "update", Reason: reason, payload: remotePayload{fix: fixAttrs{chmod: chmod, chown: chown}}}, nil
}

// Apply downloads to a local spool file, verifies it, then streams it to the
// host atomically and records its hash.
func (r *RemoteFile) Apply(ctx context.Context, h host.Host, action *Action) error {
	p := action.payload.(remotePayload)
	if !p.download {
		return applyAttrs(ctx, h, r.Path, p.fix, r.Owner, r.Group, r.Mode, false)
	}

	spool, sum, err := r.fetch(ctx)
	if err != nil {
		return err
	}
	defer func() {
		_ = spool.Close()
		_ = os.Remove(spool.Name())
	}()

	if r.Checksum != "" && !strings.EqualFold(sum, r.Checksum) {
		return failure.Download(fmt.Sprintf("checksum mismatch for %s: got %s, want %s", r.URL, sum, r.Checksum), nil).
			WithStep(r.ID())
	}
	if _, err := spool.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("failed to rewind download: %w", err)
	}
	if err := h.WriteFileAtomic(ctx, r.Path, spool, host.FileAttrs{Owner: r.Owner, Group: r.Group, Mode: r.Mode}); err != nil {
		return err
	}
	if r.Checksum != "" {
		return nil
	}
	line := fmt.Sprintf("%s  %s\n", sum, path.Base(r.Path))
	if err := h.WriteFileAtomic(ctx, r.SumPath(), strings.NewReader(line), host.FileAttrs{
		Owner: r.Owner, Group: r.Group, Mode: 0o644,
	}); err != nil {
		return fmt.Errorf("failed to record checksum: %w", err)
	}
	if r.Ledger != nil {
		if err := r.Ledger.Record(ctx, r.ledgerKey(), sum); err != nil {
			return fmt.Errorf("failed to record checksum: %w", err)
		}
	}
	return nil
}

func (r *RemoteFile) fetch(ctx context.Context) (*os.File, string, error) {
	client := r.Client
	if client == nil {
		client = DefaultHTTPClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.URL, nil)
	if err != nil {
		return nil, "", failure.Download(fmt.Sprintf("invalid URL %s", r.URL), err).WithStep(r.ID())
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, "", failure.Download(fmt.Sprintf("failed to fetch %s", r.URL), err).WithStep(r.ID())
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, "", failure.Download(fmt.Sprintf("failed to fetch %s: %s", r.URL, resp.Status), nil).
			WithStep(r.ID()).
			WithDetail("status", resp.StatusCode)
	}

	spool, err := os.CreateTemp("", "ember-download-*")
	if err != nil {
		return nil, "", fmt.Errorf("failed to create download spool: %w", err)
	}
	hasher := sha256.New()
	if _, err := io.Copy(io.MultiWriter(spool, hasher), resp.Body); err != nil {
		_ = spool.Close()
		_ = os.Remove(spool.Name())
		return nil, "", failure.Download(fmt.Sprintf("failed to read %s", r.URL), err).WithStep(r.ID())
	}
	return spool, hex.EncodeToString(hasher.Sum(nil)), nil
}
