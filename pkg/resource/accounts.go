package resource

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/embergraph/provisioner/pkg/failure"
	"github.com/embergraph/provisioner/pkg/host"
)

// Group ensures a group exists.
type Group struct {
	Meta

	// Name is the group name.
	Name string

	// GID pins the numeric group ID, if set.
	GID string

	// System creates a system group.
	System bool
}

type groupState struct {
	group *host.Group
}

// ID returns the step identity.
func (g *Group) ID() string { return stepID(KindGroup, g.Name) }

// Kind returns KindGroup.
func (g *Group) Kind() Kind { return KindGroup }

// Describe summarizes the desired state.
func (g *Group) Describe() string { return fmt.Sprintf("group %s exists", g.Name) }

// Provides reports the created group.
func (g *Group) Provides() Accounts { return Accounts{Groups: []string{g.Name}} }

// Probe looks the group up.
func (g *Group) Probe(ctx context.Context, h host.Host) (State, error) {
	grp, err := h.LookupGroup(ctx, g.Name)
	if errors.Is(err, host.ErrNotFound) {
		return groupState{}, nil
	}
	if err != nil {
		return nil, err
	}
	return groupState{group: grp}, nil
}

// Diff creates a missing group; a GID mismatch is drift.
func (g *Group) Diff(state State, _ Run) (*Action, error) {
	s := state.(groupState)
	if s.group == nil {
		return &Action{Verb: "create", Reason: "group does not exist"}, nil
	}
	if g.GID != "" && s.group.GID != g.GID {
		return nil, failure.Drift(fmt.Sprintf("group %s has gid %s, want %s", g.Name, s.group.GID, g.GID), nil).
			WithStep(g.ID())
	}
	return nil, nil
}

// Apply runs groupadd.
func (g *Group) Apply(ctx context.Context, h host.Host, _ *Action) error {
	args := []string{"groupadd"}
	if g.System {
		args = append(args, "--system")
	}
	if g.GID != "" {
		args = append(args, "--gid", g.GID)
	}
	args = append(args, host.ShellQuote(g.Name))
	return runChecked(ctx, h, host.Command{Script: strings.Join(args, " ")})
}

// User ensures a user account exists with the given primary group, home
// directory and shell. An existing account with different attributes is
// reported as drift and never modified.
type User struct {
	Meta

	// Name is the login name.
	Name string

	// Group is the primary group, which must already exist.
	Group string

	// Home is the home directory.
	Home string

	// Shell is the login shell.
	Shell string

	// System creates a system account.
	System bool
}

type userState struct {
	user *host.User
}

// ID returns the step identity.
func (u *User) ID() string { return stepID(KindUser, u.Name) }

// Kind returns KindUser.
func (u *User) Kind() Kind { return KindUser }

// Describe summarizes the desired state.
func (u *User) Describe() string {
	return fmt.Sprintf("user %s exists (group=%s home=%s shell=%s)", u.Name, u.Group, u.Home, u.Shell)
}

// Provides reports the created user.
func (u *User) Provides() Accounts { return Accounts{Users: []string{u.Name}} }

// References reports the primary group.
func (u *User) References() Accounts { return ownerRefs("", u.Group) }

// Probe looks the user up.
func (u *User) Probe(ctx context.Context, h host.Host) (State, error) {
	usr, err := h.LookupUser(ctx, u.Name)
	if errors.Is(err, host.ErrNotFound) {
		return userState{}, nil
	}
	if err != nil {
		return nil, err
	}
	return userState{user: usr}, nil
}

// Diff creates a missing user and reports attribute mismatches as drift.
func (u *User) Diff(state State, _ Run) (*Action, error) {
	s := state.(userState)
	if s.user == nil {
		return &Action{Verb: "create", Reason: "user does not exist"}, nil
	}

	var mismatches []string
	if u.Group != "" && s.user.Group != u.Group {
		mismatches = append(mismatches, fmt.Sprintf("group %s != %s", s.user.Group, u.Group))
	}
	if u.Home != "" && s.user.Home != u.Home {
		mismatches = append(mismatches, fmt.Sprintf("home %s != %s", s.user.Home, u.Home))
	}
	if u.Shell != "" && s.user.Shell != u.Shell {
		mismatches = append(mismatches, fmt.Sprintf("shell %s != %s", s.user.Shell, u.Shell))
	}
	if len(mismatches) > 0 {
		return nil, failure.Drift(fmt.Sprintf("user %s exists with different attributes: %s",
			u.Name, strings.Join(mismatches, ", ")), nil).
			WithStep(u.ID()).
			WithDetail("mismatches", mismatches)
	}
	return nil, nil
}

// Apply runs useradd without creating the home directory; directory steps
// own that.
func (u *User) Apply(ctx context.Context, h host.Host, _ *Action) error {
	args := []string{"useradd"}
	if u.System {
		args = append(args, "--system")
	}
	if u.Group != "" {
		args = append(args, "--gid", host.ShellQuote(u.Group))
	}
	if u.Home != "" {
		args = append(args, "--home-dir", host.ShellQuote(u.Home))
	}
	if u.Shell != "" {
		args = append(args, "--shell", host.ShellQuote(u.Shell))
	}
	args = append(args, "--no-create-home", host.ShellQuote(u.Name))
	return runChecked(ctx, h, host.Command{Script: strings.Join(args, " ")})
}

// runChecked runs a command and turns a non-zero exit into an error carrying
// its stderr.
func runChecked(ctx context.Context, h host.Host, cmd host.Command) error {
	res, err := h.Run(ctx, cmd)
	if err != nil {
		return err
	}
	if !res.Success() {
		return fmt.Errorf("%q exited %d: %s", cmd.Script, res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return nil
}
