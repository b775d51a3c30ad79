// Package host abstracts the machine a plan converges. Resource steps reach
// the filesystem, account database and command runner only through the Host
// interface, so the same plan runs against the local machine, a remote
// machine over SSH, or an in-memory fake in tests.
package host

import (
	"context"
	"errors"
	"io"
	"os"
	"time"
)

// ErrNotFound is returned by lookups when the named object does not exist.
var ErrNotFound = errors.New("not found")

// FileInfo describes a path on the host. A missing path is reported with
// Exists false rather than an error.
type FileInfo struct {
	// Path is the path that was inspected.
	Path string `json:"path"`

	// Exists indicates whether anything exists at the path.
	Exists bool `json:"exists"`

	// IsDir indicates the path is a directory.
	IsDir bool `json:"is_dir"`

	// IsSymlink indicates the path itself is a symbolic link.
	IsSymlink bool `json:"is_symlink"`

	// LinkTarget is the link destination when IsSymlink is true.
	LinkTarget string `json:"link_target,omitempty"`

	// Mode holds the permission bits.
	Mode os.FileMode `json:"mode"`

	// Owner is the owning user name.
	Owner string `json:"owner"`

	// Group is the owning group name.
	Group string `json:"group"`

	// Size is the file size in bytes.
	Size int64 `json:"size"`
}

// FileAttrs are the ownership and permissions applied to a written file.
// Empty owner or group leaves that attribute unchanged.
type FileAttrs struct {
	Owner string
	Group string
	Mode  os.FileMode
}

// User is an account on the host.
type User struct {
	Name  string `json:"name"`
	UID   string `json:"uid"`
	Group string `json:"group"`
	Home  string `json:"home"`
	Shell string `json:"shell"`
}

// Group is a group on the host.
type Group struct {
	Name string `json:"name"`
	GID  string `json:"gid"`
}

// Command is a command to run on the host through /bin/sh.
type Command struct {
	// Script is the shell command line.
	Script string

	// Dir is the working directory, if any.
	Dir string

	// User runs the command as another user via su, if set.
	User string

	// Env holds extra environment variables.
	Env map[string]string

	// Timeout bounds the command duration; zero means no timeout.
	Timeout time.Duration
}

// CommandResult is the outcome of a command that ran to completion. A
// non-zero exit code is not an error.
type CommandResult struct {
	ExitCode int           `json:"exit_code"`
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	Duration time.Duration `json:"duration"`
}

// Success reports whether the command exited with status zero.
func (r *CommandResult) Success() bool {
	return r != nil && r.ExitCode == 0
}

// Host is a machine that can be converged.
type Host interface {
	// Name identifies the host in logs and reports.
	Name() string

	// Stat inspects a path without following a final symlink.
	Stat(ctx context.Context, path string) (*FileInfo, error)

	// ReadFile returns the contents of a file.
	ReadFile(ctx context.Context, path string) ([]byte, error)

	// Open streams the contents of a file.
	Open(ctx context.Context, path string) (io.ReadCloser, error)

	// WriteFileAtomic writes content to a temporary file next to path,
	// applies attrs, then renames it into place.
	WriteFileAtomic(ctx context.Context, path string, content io.Reader, attrs FileAttrs) error

	// MkdirAll creates a directory and any missing parents.
	MkdirAll(ctx context.Context, path string, mode os.FileMode) error

	// Chmod sets permission bits.
	Chmod(ctx context.Context, path string, mode os.FileMode) error

	// Chown sets ownership, optionally recursively.
	Chown(ctx context.Context, path, owner, group string, recursive bool) error

	// Symlink atomically points link at target, replacing an existing link.
	Symlink(ctx context.Context, target, link string) error

	// Remove deletes a file or empty directory.
	Remove(ctx context.Context, path string) error

	// Glob returns the paths matching a shell pattern.
	Glob(ctx context.Context, pattern string) ([]string, error)

	// LookupUser returns ErrNotFound when the user does not exist.
	LookupUser(ctx context.Context, name string) (*User, error)

	// LookupGroup returns ErrNotFound when the group does not exist.
	LookupGroup(ctx context.Context, name string) (*Group, error)

	// Run executes a command and returns its result.
	Run(ctx context.Context, cmd Command) (*CommandResult, error)
}
