package ssh

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/pkg/sftp"

	"github.com/embergraph/provisioner/pkg/host"
)

const createExclusive = os.O_WRONLY | os.O_CREATE | os.O_EXCL

// statFormat prints the raw mode in hex, the permission bits in octal, then
// owner, group and size.
const statFormat = "%f %a %U %G %s"

// absentMarker is printed by the stat script for missing paths.
const absentMarker = "absent"

// unsafeGlobChars may not appear in a glob pattern, which is expanded
// unquoted by the remote shell.
const unsafeGlobChars = " \t\n'\"`$;&|<>()\\"

// Host is a remote machine reached over SSH.
type Host struct {
	client *Client
	config *Config

	sftpMu sync.Mutex
	sftp   *sftp.Client
}

var _ host.Host = (*Host)(nil)

// Dial connects to the machine described by config. Logs go to the logger
// carried by ctx.
func Dial(ctx context.Context, config *Config) (*Host, error) {
	client, err := NewClient(ctx, config)
	if err != nil {
		return nil, err
	}
	connect := func() (struct{}, error) {
		err := client.Connect(ctx)
		if err != nil && !IsTemporary(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}
	_, err = backoff.Retry(ctx, connect,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(uint(max(config.ConnectAttempts, 1))),
		backoff.WithNotify(func(err error, next time.Duration) {
			client.logger.Warn().Err(err).Dur("retry_in", next).Msg("SSH connect failed")
		}))
	if err != nil {
		return nil, err
	}
	return &Host{client: client, config: config}, nil
}

// Close ends the SFTP session and the connection.
func (h *Host) Close() error {
	h.sftpMu.Lock()
	if h.sftp != nil {
		_ = h.sftp.Close()
		h.sftp = nil
	}
	h.sftpMu.Unlock()
	return h.client.Disconnect()
}

// Client returns the underlying connection.
func (h *Host) Client() *Client {
	return h.client
}

// Name returns the configured host name.
func (h *Host) Name() string {
	return h.config.Host
}

// sh runs a script that must exit zero.
func (h *Host) sh(ctx context.Context, op, script string) (*host.CommandResult, error) {
	res, err := h.client.Run(ctx, host.Command{Script: script})
	if err != nil {
		return nil, fmt.Errorf("failed to %s: %w", op, err)
	}
	if !res.Success() {
		return nil, fmt.Errorf("failed to %s: exit %d: %s", op, res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return res, nil
}

// Stat inspects a path without following a final symlink.
func (h *Host) Stat(ctx context.Context, p string) (*host.FileInfo, error) {
	q := host.ShellQuote(p)
	script := fmt.Sprintf(
		"if [ -e %[1]s ] || [ -L %[1]s ]; then stat -c '%[2]s' %[1]s && if [ -L %[1]s ]; then readlink %[1]s; fi; else echo %[3]s; fi",
		q, statFormat, absentMarker)
	res, err := h.sh(ctx, "stat "+p, script)
	if err != nil {
		return nil, err
	}
	return parseStat(p, res.Stdout)
}

// parseStat reads the output of the stat script.
func parseStat(p, out string) (*host.FileInfo, error) {
	lines := strings.SplitN(strings.TrimRight(out, "\n"), "\n", 2)
	if lines[0] == absentMarker {
		return &host.FileInfo{Path: p}, nil
	}

	fields := strings.Fields(lines[0])
	if len(fields) != 5 {
		return nil, fmt.Errorf("unexpected stat output for %s: %q", p, lines[0])
	}
	raw, err := strconv.ParseUint(fields[0], 16, 32)
	if err != nil {
		return nil, fmt.Errorf("unexpected stat mode for %s: %q", p, fields[0])
	}
	perm, err := strconv.ParseUint(fields[1], 8, 32)
	if err != nil {
		return nil, fmt.Errorf("unexpected stat permissions for %s: %q", p, fields[1])
	}
	size, err := strconv.ParseInt(fields[4], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("unexpected stat size for %s: %q", p, fields[4])
	}

	info := &host.FileInfo{
		Path:   p,
		Exists: true,
		Mode:   os.FileMode(perm),
		Owner:  fields[2],
		Group:  fields[3],
		Size:   size,
	}
	switch raw & 0o170000 {
	case 0o040000:
		info.IsDir = true
	case 0o120000:
		info.IsSymlink = true
		if len(lines) > 1 {
			info.LinkTarget = strings.TrimSpace(lines[1])
		}
	}
	return info, nil
}

// ReadFile returns the contents of a file.
func (h *Host) ReadFile(ctx context.Context, p string) ([]byte, error) {
	r, err := h.Open(ctx, p)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

// Open streams a file over SFTP. With sudo the file is read through cat,
// since the SFTP session runs as the login user.
func (h *Host) Open(ctx context.Context, p string) (io.ReadCloser, error) {
	if !h.config.privileged() {
		return h.openSFTP(p)
	}
	res, err := h.sh(ctx, "read "+p, "cat "+host.ShellQuote(p))
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader([]byte(res.Stdout))), nil
}

// WriteFileAtomic stages content over SFTP, then moves it next to path,
// applies attrs and renames it into place.
func (h *Host) WriteFileAtomic(ctx context.Context, p string, content io.Reader, attrs host.FileAttrs) error {
	staged, err := h.stage(ctx, content)
	if err != nil {
		return err
	}

	mode := attrs.Mode
	if mode == 0 {
		mode = 0o644
	}
	tmp := path.Join(path.Dir(p), fmt.Sprintf(".%s.%s.tmp", path.Base(p), uuid.NewString()))
	qs, qt := host.ShellQuote(staged), host.ShellQuote(tmp)

	steps := []string{
		fmt.Sprintf("mv -f %s %s", qs, qt),
		fmt.Sprintf("chmod %o %s", mode, qt),
	}
	if spec := chownSpec(attrs.Owner, attrs.Group); spec != "" {
		steps = append(steps, fmt.Sprintf("chown %s %s", host.ShellQuote(spec), qt))
	}
	steps = append(steps, fmt.Sprintf("mv -f %s %s", qt, host.ShellQuote(p)))
	script := fmt.Sprintf("%s || { rm -f %s %s; exit 1; }", strings.Join(steps, " && "), qs, qt)

	_, err = h.sh(ctx, "write "+p, script)
	return err
}

// MkdirAll creates a directory and any missing parents.
func (h *Host) MkdirAll(ctx context.Context, p string, mode os.FileMode) error {
	_, err := h.sh(ctx, "create directory "+p, fmt.Sprintf("mkdir -p -m %o %s", mode.Perm(), host.ShellQuote(p)))
	return err
}

// Chmod sets permission bits.
func (h *Host) Chmod(ctx context.Context, p string, mode os.FileMode) error {
	_, err := h.sh(ctx, "chmod "+p, fmt.Sprintf("chmod %o %s", mode&0o7777, host.ShellQuote(p)))
	return err
}

// Chown sets ownership by name without following symlinks.
func (h *Host) Chown(ctx context.Context, p, owner, group string, recursive bool) error {
	spec := chownSpec(owner, group)
	if spec == "" {
		return nil
	}
	flags := "-h"
	if recursive {
		flags = "-hR"
	}
	_, err := h.sh(ctx, "chown "+p, fmt.Sprintf("chown %s %s %s", flags, host.ShellQuote(spec), host.ShellQuote(p)))
	return err
}

func chownSpec(owner, group string) string {
	switch {
	case owner != "" && group != "":
		return owner + ":" + group
	case group != "":
		return ":" + group
	default:
		return owner
	}
}

// Symlink points link at target by renaming a fresh link over it.
func (h *Host) Symlink(ctx context.Context, target, link string) error {
	tmp := path.Join(path.Dir(link), fmt.Sprintf(".%s.%s.lnk", path.Base(link), uuid.NewString()))
	script := fmt.Sprintf("ln -s %s %[2]s && mv -Tf %[2]s %s || { rm -f %[2]s; exit 1; }",
		host.ShellQuote(target), host.ShellQuote(tmp), host.ShellQuote(link))
	_, err := h.sh(ctx, "link "+link, script)
	return err
}

// Remove deletes a file or empty directory.
func (h *Host) Remove(ctx context.Context, p string) error {
	q := host.ShellQuote(p)
	_, err := h.sh(ctx, "remove "+p, fmt.Sprintf("if [ -d %[1]s ] && [ ! -L %[1]s ]; then rmdir %[1]s; else rm -f %[1]s; fi", q))
	return err
}

// Glob returns the paths matching a shell pattern.
func (h *Host) Glob(ctx context.Context, pattern string) ([]string, error) {
	if strings.ContainsAny(pattern, unsafeGlobChars) {
		return nil, fmt.Errorf("unsupported characters in glob pattern %q", pattern)
	}
	script := fmt.Sprintf(`for f in %s; do if [ -e "$f" ] || [ -L "$f" ]; then printf '%%s\n' "$f"; fi; done`, pattern)
	res, err := h.sh(ctx, "glob "+pattern, script)
	if err != nil {
		return nil, err
	}

	var matches []string
	for _, line := range strings.Split(res.Stdout, "\n") {
		if line != "" {
			matches = append(matches, line)
		}
	}
	return matches, nil
}

// LookupUser resolves a user through getent on the remote host.
func (h *Host) LookupUser(ctx context.Context, name string) (*host.User, error) {
	return host.LookupUser(ctx, h, name)
}

// LookupGroup resolves a group through getent on the remote host.
func (h *Host) LookupGroup(ctx context.Context, name string) (*host.Group, error) {
	return host.LookupGroup(ctx, h, name)
}

// Run executes a command on the remote host.
func (h *Host) Run(ctx context.Context, cmd host.Command) (*host.CommandResult, error) {
	return h.client.Run(ctx, cmd)
}
