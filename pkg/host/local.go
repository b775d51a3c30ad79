package host

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

// Local converges the machine the provisioner runs on.
type Local struct {
	name string

	// beforeRename runs between writing the temp file and renaming it into
	// place. Tests use it to simulate a crash.
	beforeRename func(tmp, dst string) error
}

// NewLocal creates a host for the local machine.
func NewLocal() *Local {
	name, err := os.Hostname()
	if err != nil || name == "" {
		name = "localhost"
	}
	return &Local{name: name}
}

// Name returns the local hostname.
func (l *Local) Name() string {
	return l.name
}

// Stat inspects a path without following a final symlink.
func (l *Local) Stat(_ context.Context, path string) (*FileInfo, error) {
	var st unix.Stat_t
	if err := unix.Lstat(path, &st); err != nil {
		if errors.Is(err, unix.ENOENT) || errors.Is(err, unix.ENOTDIR) {
			return &FileInfo{Path: path}, nil
		}
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}

	info := &FileInfo{
		Path:   path,
		Exists: true,
		Mode:   os.FileMode(st.Mode & 0o7777),
		Size:   st.Size,
		Owner:  userName(st.Uid),
		Group:  groupName(st.Gid),
	}
	switch st.Mode & unix.S_IFMT {
	case unix.S_IFDIR:
		info.IsDir = true
	case unix.S_IFLNK:
		info.IsSymlink = true
		target, err := os.Readlink(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read link %s: %w", path, err)
		}
		info.LinkTarget = target
	}
	return info, nil
}

func userName(uid uint32) string {
	id := strconv.FormatUint(uint64(uid), 10)
	if u, err := user.LookupId(id); err == nil {
		return u.Username
	}
	return id
}

func groupName(gid uint32) string {
	id := strconv.FormatUint(uint64(gid), 10)
	if g, err := user.LookupGroupId(id); err == nil {
		return g.Name
	}
	return id
}

// ReadFile returns the contents of a file.
func (l *Local) ReadFile(_ context.Context, path string) ([]byte, error) {
	return os.ReadFile(path)
}

// Open streams the contents of a file.
func (l *Local) Open(_ context.Context, path string) (io.ReadCloser, error) {
	return os.Open(path)
}

// WriteFileAtomic writes content next to path, applies attrs, fsyncs and
// renames it into place. The final path never holds partial content.
func (l *Local) WriteFileAtomic(ctx context.Context, path string, content io.Reader, attrs FileAttrs) error {
	dir := filepath.Dir(path)
	tmp := filepath.Join(dir, fmt.Sprintf(".%s.%s.tmp", filepath.Base(path), uuid.NewString()))

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create temp file for %s: %w", path, err)
	}
	cleanup := func() { _ = os.Remove(tmp) }

	if _, err := io.Copy(f, content); err != nil {
		_ = f.Close()
		cleanup()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		cleanup()
		return fmt.Errorf("failed to sync %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		cleanup()
		return fmt.Errorf("failed to close %s: %w", path, err)
	}

	mode := attrs.Mode
	if mode == 0 {
		mode = 0o644
	}
	if err := os.Chmod(tmp, mode); err != nil {
		cleanup()
		return fmt.Errorf("failed to set mode on %s: %w", path, err)
	}
	if attrs.Owner != "" || attrs.Group != "" {
		if err := l.Chown(ctx, tmp, attrs.Owner, attrs.Group, false); err != nil {
			cleanup()
			return err
		}
	}

	if l.beforeRename != nil {
		if err := l.beforeRename(tmp, path); err != nil {
			return err
		}
	}

	if err := os.Rename(tmp, path); err != nil {
		cleanup()
		return fmt.Errorf("failed to rename %s into place: %w", path, err)
	}
	return nil
}

// MkdirAll creates a directory and any missing parents.
func (l *Local) MkdirAll(_ context.Context, path string, mode os.FileMode) error {
	if err := os.MkdirAll(path, mode); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", path, err)
	}
	return nil
}

// Chmod sets permission bits.
func (l *Local) Chmod(_ context.Context, path string, mode os.FileMode) error {
	if err := os.Chmod(path, mode); err != nil {
		return fmt.Errorf("failed to chmod %s: %w", path, err)
	}
	return nil
}

// Chown sets ownership by name, optionally walking the tree below path.
func (l *Local) Chown(_ context.Context, path, owner, group string, recursive bool) error {
	uid, gid := -1, -1
	if owner != "" {
		u, err := user.Lookup(owner)
		if err != nil {
			return fmt.Errorf("failed to resolve user %s: %w", owner, err)
		}
		uid, _ = strconv.Atoi(u.Uid)
	}
	if group != "" {
		g, err := user.LookupGroup(group)
		if err != nil {
			return fmt.Errorf("failed to resolve group %s: %w", group, err)
		}
		gid, _ = strconv.Atoi(g.Gid)
	}

	if !recursive {
		if err := unix.Lchown(path, uid, gid); err != nil {
			return fmt.Errorf("failed to chown %s: %w", path, err)
		}
		return nil
	}
	return filepath.WalkDir(path, func(p string, _ fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := unix.Lchown(p, uid, gid); err != nil {
			return fmt.Errorf("failed to chown %s: %w", p, err)
		}
		return nil
	})
}

// Symlink points link at target by renaming a fresh link over it.
func (l *Local) Symlink(_ context.Context, target, link string) error {
	tmp := filepath.Join(filepath.Dir(link), fmt.Sprintf(".%s.%s.lnk", filepath.Base(link), uuid.NewString()))
	if err := os.Symlink(target, tmp); err != nil {
		return fmt.Errorf("failed to create link %s: %w", link, err)
	}
	if err := os.Rename(tmp, link); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to rename link %s into place: %w", link, err)
	}
	return nil
}

// Remove deletes a file or empty directory.
func (l *Local) Remove(_ context.Context, path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove %s: %w", path, err)
	}
	return nil
}

// Glob returns the paths matching a shell pattern.
func (l *Local) Glob(_ context.Context, pattern string) ([]string, error) {
	return filepath.Glob(pattern)
}

// LookupUser resolves a user through getent so directory services are honored.
func (l *Local) LookupUser(ctx context.Context, name string) (*User, error) {
	return LookupUser(ctx, l, name)
}

// LookupGroup resolves a group through getent.
func (l *Local) LookupGroup(ctx context.Context, name string) (*Group, error) {
	return LookupGroup(ctx, l, name)
}

// Run executes a command through /bin/sh and captures its output.
func (l *Local) Run(ctx context.Context, c Command) (*CommandResult, error) {
	if c.Script == "" {
		return nil, fmt.Errorf("command is required")
	}
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	var cmd *exec.Cmd
	if c.User != "" {
		cmd = exec.CommandContext(ctx, "su", "-s", "/bin/sh", "-c", c.Script, c.User)
	} else {
		cmd = exec.CommandContext(ctx, "/bin/sh", "-c", c.Script)
	}
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range c.Env {
			cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
		}
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	result := &CommandResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("failed to execute command: %w", err)
		}
		result.ExitCode = exitErr.ExitCode()
	}
	return result, nil
}
