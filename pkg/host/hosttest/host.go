// Package hosttest provides an in-memory Host that emulates a Debian-style
// machine closely enough to converge plans against in tests.
package hosttest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/embergraph/provisioner/pkg/host"
)

// ErrCrash is returned by WriteFileAtomic when a crash was injected.
var ErrCrash = errors.New("simulated crash before rename")

// HandlerFunc answers a command the fake host does not emulate itself.
type HandlerFunc func(h *Host, cmd host.Command) (*host.CommandResult, error)

// Service is the emulated state of a system service.
type Service struct {
	Enabled  bool
	Running  bool
	Starts   int
	Restarts int
}

type entry struct {
	data   []byte
	mode   os.FileMode
	owner  string
	group  string
	dir    bool
	target string
}

type handler struct {
	prefix string
	fn     HandlerFunc
}

// Host is an in-memory host.
type Host struct {
	mu sync.Mutex

	files    map[string]*entry
	users    map[string]host.User
	groups   map[string]host.Group
	services map[string]*Service
	packages map[string]bool
	mounts   map[string]string
	handlers []handler
	crashes  map[string]bool

	installHooks map[string]func(*Host)

	// Commands records every command run, in order.
	Commands []host.Command
}

// New creates a fake host with the usual system directories, root accounts
// and an apt package manager.
func New() *Host {
	h := &Host{
		files:    make(map[string]*entry),
		users:    make(map[string]host.User),
		groups:   make(map[string]host.Group),
		services: make(map[string]*Service),
		packages: make(map[string]bool),
		mounts:   make(map[string]string),
		crashes:  make(map[string]bool),

		installHooks: make(map[string]func(*Host)),
	}
	for _, d := range []string{"/", "/tmp", "/etc", "/etc/init.d", "/etc/default", "/etc/rc2.d",
		"/var", "/var/lib", "/var/log", "/home", "/opt", "/mnt", "/proc", "/dev"} {
		h.files[d] = &entry{dir: true, mode: 0o755, owner: "root", group: "root"}
	}
	h.files["/etc/fstab"] = &entry{mode: 0o644, owner: "root", group: "root"}
	h.mounts["/"] = "/dev/xvda1"
	h.files["/proc/mounts"] = &entry{data: []byte("/dev/xvda1 / ext4 rw,relatime 0 0\n"), mode: 0o444, owner: "root", group: "root"}
	h.groups["root"] = host.Group{Name: "root", GID: "0"}
	h.users["root"] = host.User{Name: "root", UID: "0", Group: "root", Home: "/root", Shell: "/bin/bash"}
	return h
}

// Name returns a fixed host name.
func (h *Host) Name() string {
	return "fakehost"
}

// AddUser registers an existing account.
func (h *Host) AddUser(u host.User) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.users[u.Name] = u
}

// AddGroup registers an existing group.
func (h *Host) AddGroup(g host.Group) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.groups[g.Name] = g
}

// AddFile seeds a regular file, creating parent directories.
func (h *Host) AddFile(p string, data []byte, mode os.FileMode, owner, group string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.mkdirAllLocked(path.Dir(p), 0o755)
	h.files[p] = &entry{data: append([]byte(nil), data...), mode: mode, owner: owner, group: group}
}

// AddDir seeds a directory, creating parents.
func (h *Host) AddDir(p string, mode os.FileMode, owner, group string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.mkdirAllLocked(p, mode)
	e := h.files[p]
	e.mode, e.owner, e.group = mode, owner, group
}

// AddService registers a service in the given state.
func (h *Host) AddService(name string, enabled, running bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.services[name] = &Service{Enabled: enabled, Running: running}
}

// Service returns the state of a service, or nil.
func (h *Host) Service(name string) *Service {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s, ok := h.services[name]; ok {
		cp := *s
		return &cp
	}
	return nil
}

// HasPackage reports whether a package is installed.
func (h *Host) HasPackage(name string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.packages[name]
}

// InstallPackage marks a package installed without running a command.
func (h *Host) InstallPackage(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.packages[name] = true
}

// OnInstall registers a hook that runs when apt-get installs a package, to
// emulate the accounts, directories and services a package ships.
func (h *Host) OnInstall(pkg string, hook func(*Host)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.installHooks[pkg] = hook
}

// User returns a registered user.
func (h *Host) User(name string) (host.User, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	u, ok := h.users[name]
	return u, ok
}

// Group returns a registered group.
func (h *Host) Group(name string) (host.Group, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	g, ok := h.groups[name]
	return g, ok
}

// Mounted returns the device mounted at a mount point.
func (h *Host) Mounted(mountPoint string) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	dev, ok := h.mounts[mountPoint]
	return dev, ok
}

// Contents returns a file's contents.
func (h *Host) Contents(p string) ([]byte, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	e, ok := h.files[p]
	if !ok || e.dir {
		return nil, false
	}
	return append([]byte(nil), e.data...), true
}

// Paths lists every path on the host in sorted order.
func (h *Host) Paths() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.files))
	for p := range h.files {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// CrashBeforeRename makes the next atomic write to p stop after the temp
// file is written, leaving the temp file behind and the destination untouched.
func (h *Host) CrashBeforeRename(p string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.crashes[p] = true
}

// Handle registers a handler for commands whose script starts with prefix.
// Handlers are consulted before the built-in emulation, latest first.
func (h *Host) Handle(prefix string, fn HandlerFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers = append([]handler{{prefix: prefix, fn: fn}}, h.handlers...)
}

// Ran reports how many recorded commands start with prefix.
func (h *Host) Ran(prefix string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, c := range h.Commands {
		if strings.HasPrefix(c.Script, prefix) {
			n++
		}
	}
	return n
}

// Stat inspects a path.
func (h *Host) Stat(_ context.Context, p string) (*host.FileInfo, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	e, ok := h.files[path.Clean(p)]
	if !ok {
		return &host.FileInfo{Path: p}, nil
	}
	return &host.FileInfo{
		Path:       p,
		Exists:     true,
		IsDir:      e.dir,
		IsSymlink:  e.target != "",
		LinkTarget: e.target,
		Mode:       e.mode,
		Owner:      e.owner,
		Group:      e.group,
		Size:       int64(len(e.data)),
	}, nil
}

// ReadFile returns a file's contents.
func (h *Host) ReadFile(_ context.Context, p string) ([]byte, error) {
	data, ok := h.Contents(path.Clean(p))
	if !ok {
		return nil, &fs.PathError{Op: "open", Path: p, Err: fs.ErrNotExist}
	}
	return data, nil
}

// Open streams a file's contents.
func (h *Host) Open(ctx context.Context, p string) (io.ReadCloser, error) {
	data, err := h.ReadFile(ctx, p)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// WriteFileAtomic stores content under a temp name, then renames it.
func (h *Host) WriteFileAtomic(_ context.Context, p string, content io.Reader, attrs host.FileAttrs) error {
	data, err := io.ReadAll(content)
	if err != nil {
		return fmt.Errorf("failed to read content for %s: %w", p, err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	p = path.Clean(p)
	if parent, ok := h.files[path.Dir(p)]; !ok || !parent.dir {
		return &fs.PathError{Op: "open", Path: p, Err: fs.ErrNotExist}
	}
	if err := h.checkAccountsLocked(attrs.Owner, attrs.Group); err != nil {
		return err
	}

	mode := attrs.Mode
	if mode == 0 {
		mode = 0o644
	}
	owner, group := attrs.Owner, attrs.Group
	if owner == "" {
		owner = "root"
	}
	if group == "" {
		group = "root"
	}

	tmp := path.Join(path.Dir(p), "."+path.Base(p)+".tmp")
	h.files[tmp] = &entry{data: data, mode: mode, owner: owner, group: group}
	if h.crashes[p] {
		delete(h.crashes, p)
		return ErrCrash
	}
	h.files[p] = h.files[tmp]
	delete(h.files, tmp)
	return nil
}

// MkdirAll creates a directory and its parents.
func (h *Host) MkdirAll(_ context.Context, p string, mode os.FileMode) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if e, ok := h.files[path.Clean(p)]; ok && !e.dir {
		return fmt.Errorf("mkdir %s: not a directory", p)
	}
	h.mkdirAllLocked(path.Clean(p), mode)
	return nil
}

func (h *Host) mkdirAllLocked(p string, mode os.FileMode) {
	if p == "/" || p == "." {
		return
	}
	h.mkdirAllLocked(path.Dir(p), mode)
	if _, ok := h.files[p]; !ok {
		h.files[p] = &entry{dir: true, mode: mode, owner: "root", group: "root"}
	}
}

// Chmod sets permission bits.
func (h *Host) Chmod(_ context.Context, p string, mode os.FileMode) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	e, ok := h.files[path.Clean(p)]
	if !ok {
		return &fs.PathError{Op: "chmod", Path: p, Err: fs.ErrNotExist}
	}
	e.mode = mode
	return nil
}

// Chown sets ownership, optionally below p as well.
func (h *Host) Chown(_ context.Context, p, owner, group string, recursive bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	p = path.Clean(p)
	if _, ok := h.files[p]; !ok {
		return &fs.PathError{Op: "chown", Path: p, Err: fs.ErrNotExist}
	}
	if err := h.checkAccountsLocked(owner, group); err != nil {
		return err
	}
	for fp, e := range h.files {
		if fp != p && !(recursive && strings.HasPrefix(fp, p+"/")) {
			continue
		}
		if owner != "" {
			e.owner = owner
		}
		if group != "" {
			e.group = group
		}
	}
	return nil
}

func (h *Host) checkAccountsLocked(owner, group string) error {
	if owner != "" {
		if _, ok := h.users[owner]; !ok {
			return fmt.Errorf("chown: invalid user: %q", owner)
		}
	}
	if group != "" {
		if _, ok := h.groups[group]; !ok {
			return fmt.Errorf("chown: invalid group: %q", group)
		}
	}
	return nil
}

// Symlink points link at target.
func (h *Host) Symlink(_ context.Context, target, link string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	link = path.Clean(link)
	if parent, ok := h.files[path.Dir(link)]; !ok || !parent.dir {
		return &fs.PathError{Op: "symlink", Path: link, Err: fs.ErrNotExist}
	}
	h.files[link] = &entry{target: target, mode: 0o777, owner: "root", group: "root"}
	return nil
}

// Remove deletes a file or empty directory.
func (h *Host) Remove(_ context.Context, p string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	p = path.Clean(p)
	e, ok := h.files[p]
	if !ok {
		return nil
	}
	if e.dir {
		for fp := range h.files {
			if strings.HasPrefix(fp, p+"/") {
				return fmt.Errorf("remove %s: directory not empty", p)
			}
		}
	}
	delete(h.files, p)
	return nil
}

// Glob matches paths with path.Match semantics.
func (h *Host) Glob(_ context.Context, pattern string) ([]string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []string
	for p := range h.files {
		ok, err := path.Match(pattern, p)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out, nil
}

// LookupUser returns a registered user.
func (h *Host) LookupUser(_ context.Context, name string) (*host.User, error) {
	u, ok := h.User(name)
	if !ok {
		return nil, host.ErrNotFound
	}
	return &u, nil
}

// LookupGroup returns a registered group.
func (h *Host) LookupGroup(_ context.Context, name string) (*host.Group, error) {
	g, ok := h.Group(name)
	if !ok {
		return nil, host.ErrNotFound
	}
	return &g, nil
}

// Run dispatches a command to a registered handler or the built-in emulation.
// Unknown commands exit 127.
func (h *Host) Run(_ context.Context, cmd host.Command) (*host.CommandResult, error) {
	h.mu.Lock()
	h.Commands = append(h.Commands, cmd)
	handlers := append([]handler(nil), h.handlers...)
	h.mu.Unlock()

	for _, hd := range handlers {
		if strings.HasPrefix(cmd.Script, hd.prefix) {
			return hd.fn(h, cmd)
		}
	}
	return h.emulate(cmd)
}
