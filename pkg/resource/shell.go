package resource

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/embergraph/provisioner/pkg/failure"
	"github.com/embergraph/provisioner/pkg/host"
)

// ExitPolicy decides how a shell command's exit status is treated.
type ExitPolicy int

const (
	// MustSucceed fails the step on a non-zero exit.
	MustSucceed ExitPolicy = iota

	// DontCare ignores the exit status.
	DontCare
)

// Predicate reports whether a shell command's effect is already in place.
type Predicate struct {
	// Description is shown in plans, e.g. "creates /var/lib/bigdata/bin".
	Description string

	// Satisfied returns true when the command need not run.
	Satisfied func(ctx context.Context, h host.Host) (bool, error)
}

// Creates is satisfied once path exists.
func Creates(path string) *Predicate {
	return &Predicate{
		Description: "creates " + path,
		Satisfied: func(ctx context.Context, h host.Host) (bool, error) {
			info, err := h.Stat(ctx, path)
			if err != nil {
				return false, err
			}
			return info.Exists, nil
		},
	}
}

// NotIf is satisfied when script exits zero.
func NotIf(script string) *Predicate {
	return &Predicate{
		Description: "not if `" + script + "`",
		Satisfied: func(ctx context.Context, h host.Host) (bool, error) {
			res, err := h.Run(ctx, host.Command{Script: script})
			if err != nil {
				return false, err
			}
			return res.Success(), nil
		},
	}
}

// OnlyIf is satisfied when script exits non-zero.
func OnlyIf(script string) *Predicate {
	return &Predicate{
		Description: "only if `" + script + "`",
		Satisfied: func(ctx context.Context, h host.Host) (bool, error) {
			res, err := h.Run(ctx, host.Command{Script: script})
			if err != nil {
				return false, err
			}
			return !res.Success(), nil
		},
	}
}

// Lacks is satisfied when path exists and does not contain text.
func Lacks(path, text string) *Predicate {
	return &Predicate{
		Description: fmt.Sprintf("%s lacks %q", path, text),
		Satisfied: func(ctx context.Context, h host.Host) (bool, error) {
			data, err := h.ReadFile(ctx, path)
			if err != nil {
				return false, nil
			}
			return !bytes.Contains(data, []byte(text)), nil
		},
	}
}

// ShellCommand runs a raw command. It must declare the predicate that tells
// whether its effect is already in place; after running, the predicate must
// hold or the step fails, so a re-run never repeats the command.
type ShellCommand struct {
	Meta

	// Name identifies the step, e.g. "build nss tarball".
	Name string

	Command string
	Dir     string
	User    string
	Env     map[string]string
	Timeout time.Duration

	// Predicate is the mandatory idempotency predicate.
	Predicate *Predicate

	// Exit decides how the exit status is treated.
	Exit ExitPolicy
}

type shellState struct {
	satisfied bool
}

// ID returns the step identity.
func (c *ShellCommand) ID() string { return stepID(KindShellCommand, c.Name) }

// Kind returns KindShellCommand.
func (c *ShellCommand) Kind() Kind { return KindShellCommand }

// Describe summarizes the command and its predicate.
func (c *ShellCommand) Describe() string {
	if c.Predicate == nil {
		return fmt.Sprintf("run `%s` (unguarded)", c.Command)
	}
	return fmt.Sprintf("run `%s` (%s)", c.Command, c.Predicate.Description)
}

// Idempotency describes the predicate.
func (c *ShellCommand) Idempotency() string {
	if c.Predicate == nil {
		return ""
	}
	return c.Predicate.Description
}

// References reports the account the command runs as.
func (c *ShellCommand) References() Accounts { return ownerRefs(c.User, "") }

// Validate rejects commands without an idempotency predicate.
func (c *ShellCommand) Validate() error {
	if c.Command == "" {
		return failure.Validation("shell command is empty", nil).WithStep(c.ID())
	}
	if c.Predicate == nil || c.Predicate.Satisfied == nil {
		return failure.Validation("shell command has no idempotency predicate", nil).WithStep(c.ID())
	}
	return nil
}

// Probe evaluates the predicate.
func (c *ShellCommand) Probe(ctx context.Context, h host.Host) (State, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	ok, err := c.Predicate.Satisfied(ctx, h)
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate %s: %w", c.Predicate.Description, err)
	}
	return shellState{satisfied: ok}, nil
}

// Diff runs the command when the predicate does not hold.
func (c *ShellCommand) Diff(state State, _ Run) (*Action, error) {
	if state.(shellState).satisfied {
		return nil, nil
	}
	return &Action{Verb: "run", Reason: "predicate not satisfied: " + c.Predicate.Description}, nil
}

// Apply runs the command and confirms the predicate now holds.
func (c *ShellCommand) Apply(ctx context.Context, h host.Host, _ *Action) error {
	res, err := h.Run(ctx, host.Command{
		Script:  c.Command,
		Dir:     c.Dir,
		User:    c.User,
		Env:     c.Env,
		Timeout: c.Timeout,
	})
	if err != nil {
		return err
	}
	if c.Exit == MustSucceed && !res.Success() {
		return fmt.Errorf("%q exited %d: %s", c.Command, res.ExitCode, strings.TrimSpace(res.Stderr))
	}

	ok, err := c.Predicate.Satisfied(ctx, h)
	if err != nil {
		return fmt.Errorf("failed to evaluate %s: %w", c.Predicate.Description, err)
	}
	if !ok {
		return fmt.Errorf("command %q ran but %s still does not hold", c.Command, c.Predicate.Description)
	}
	return nil
}
