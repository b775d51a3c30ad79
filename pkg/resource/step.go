// Package resource implements the resource step kinds a plan is made of.
//
// Every kind follows the same three-phase contract:
//
//   - Probe inspects the host and returns the current state. It never mutates.
//   - Diff compares the current state with the desired state and returns the
//     corrective Action, or nil when the step is already satisfied.
//   - Apply performs the action. Applying the same action twice leaves the host
//     in the same state, and a subsequent Probe/Diff reports satisfied.
package resource

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/embergraph/provisioner/pkg/host"
)

// Kind identifies a resource step kind.
type Kind string

// Resource step kinds.
const (
	KindUser         Kind = "user"
	KindGroup        Kind = "group"
	KindDirectory    Kind = "directory"
	KindFile         Kind = "file"
	KindTemplate     Kind = "template"
	KindRemoteFile   Kind = "remote_file"
	KindService      Kind = "service"
	KindShellCommand Kind = "shell_command"
	KindLink         Kind = "link"
	KindPackage      Kind = "package"
	KindArchive      Kind = "archive"
	KindTextEdit     Kind = "text_edit"
	KindKeyValueEdit Kind = "key_value_edit"
	KindPurge        Kind = "purge"
	KindMount        Kind = "mount"
)

// State is the probed state of a step's target. Each kind defines its own
// concrete state type.
type State interface{}

// Action is a corrective action computed by Diff.
type Action struct {
	// Verb names the action (create, update, chmod, enable, start, ...).
	Verb string `json:"verb"`

	// Reason explains what differed from the desired state.
	Reason string `json:"reason"`

	// payload carries kind-specific data from Diff to Apply.
	payload interface{}
}

// String renders the action for logs and reports.
func (a *Action) String() string {
	if a == nil {
		return ""
	}
	if a.Reason == "" {
		return a.Verb
	}
	return a.Verb + ": " + a.Reason
}

// Guard is a step's execution guard. When Check reports false the step is
// skipped without probing.
type Guard struct {
	// Description is shown in plans and reports, e.g. "flavor == ha".
	Description string

	// Check evaluates the guard against the host.
	Check func(ctx context.Context, h host.Host) (bool, error)
}

// When returns a guard fixed at plan construction time.
func When(description string, cond bool) *Guard {
	return &Guard{
		Description: description,
		Check: func(context.Context, host.Host) (bool, error) {
			return cond, nil
		},
	}
}

// RetryPolicy is a step's declared retry policy. The zero value means a
// single attempt.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int `json:"max_attempts,omitempty"`

	// Delay is the fixed pause between attempts.
	Delay time.Duration `json:"delay,omitempty"`
}

// Attempts returns the effective attempt count.
func (r RetryPolicy) Attempts() int {
	if r.MaxAttempts < 1 {
		return 1
	}
	return r.MaxAttempts
}

// Run exposes what happened earlier in the current convergence run.
type Run interface {
	// Applied reports whether the step with the given ID applied an action.
	Applied(stepID string) bool
}

// Meta holds the declaration fields shared by every kind.
type Meta struct {
	// Guard is the optional execution guard.
	Guard *Guard

	// Retry is the declared retry policy.
	Retry RetryPolicy

	// Subscribes lists step IDs whose application in this run triggers the
	// step's change-driven behavior (service restart, log purge).
	Subscribes []string
}

// Declaration returns the shared declaration fields.
func (m *Meta) Declaration() *Meta {
	return m
}

// subscribedApplied reports whether any subscribed step applied in this run.
func (m *Meta) subscribedApplied(run Run) bool {
	if run == nil {
		return false
	}
	for _, id := range m.Subscribes {
		if run.Applied(id) {
			return true
		}
	}
	return false
}

// Step is one declarative unit of desired state.
type Step interface {
	// ID uniquely identifies the step within a plan, e.g. "user[embergraph]".
	ID() string

	// Kind returns the step kind.
	Kind() Kind

	// Describe summarizes the desired state.
	Describe() string

	// Declaration returns the guard, retry policy and subscriptions.
	Declaration() *Meta

	// Probe inspects the target without mutating it.
	Probe(ctx context.Context, h host.Host) (State, error)

	// Diff returns the corrective action, or nil when satisfied.
	Diff(state State, run Run) (*Action, error)

	// Apply performs a corrective action.
	Apply(ctx context.Context, h host.Host, action *Action) error
}

// Validator is implemented by steps whose declaration can be invalid.
type Validator interface {
	Validate() error
}

// Accounts lists user and group names.
type Accounts struct {
	Users  []string `json:"users,omitempty"`
	Groups []string `json:"groups,omitempty"`
}

// Referencer is implemented by steps that assign ownership to accounts.
type Referencer interface {
	References() Accounts
}

// Provider is implemented by steps that create accounts.
type Provider interface {
	Provides() Accounts
}

// Targeted is implemented by steps that own the whole content of one path.
// Two unguarded steps in a plan should never own the same path.
type Targeted interface {
	TargetPath() string
}

// Idempotent is implemented by raw-command steps; Idempotency describes the
// declared idempotency predicate, or returns "" when there is none.
type Idempotent interface {
	Idempotency() string
}

func stepID(kind Kind, name string) string {
	return fmt.Sprintf("%s[%s]", kind, name)
}

func ownerRefs(owner, group string) Accounts {
	var a Accounts
	if owner != "" {
		a.Users = []string{owner}
	}
	if group != "" {
		a.Groups = []string{group}
	}
	return a
}

// attrsDiff describes mode and ownership differences between a probed file
// and the desired attributes. Empty desired values are not enforced.
func attrsDiff(info *host.FileInfo, owner, group string, mode os.FileMode) (chmod, chown bool, reason string) {
	if mode != 0 && info.Mode != mode {
		chmod = true
		reason = fmt.Sprintf("mode %04o != %04o", info.Mode, mode)
	}
	if (owner != "" && info.Owner != owner) || (group != "" && info.Group != group) {
		chown = true
		if reason != "" {
			reason += ", "
		}
		reason += fmt.Sprintf("owner %s:%s != %s:%s", info.Owner, info.Group, owner, group)
	}
	return chmod, chown, reason
}

// fixAttrs is the payload for attribute-only corrections.
type fixAttrs struct {
	chmod bool
	chown bool
}

func applyAttrs(ctx context.Context, h host.Host, path string, fix fixAttrs, owner, group string, mode os.FileMode, recursive bool) error {
	if fix.chmod {
		if err := h.Chmod(ctx, path, mode); err != nil {
			return err
		}
	}
	if fix.chown {
		if err := h.Chown(ctx, path, owner, group, recursive); err != nil {
			return err
		}
	}
	return nil
}
