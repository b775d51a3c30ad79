package resource

import (
	"context"
	"fmt"
	"strings"

	"github.com/embergraph/provisioner/pkg/host"
)

// Purge deletes the files matching a glob, such as stale logs before a
// restart. No match is satisfied, not an error: a fresh install has nothing
// to purge. With OnChange set the purge only happens when a subscribed step
// applied in this run.
type Purge struct {
	Meta

	Pattern  string
	OnChange bool
}

type purgeState struct {
	matches []string
}

// ID returns the step identity.
func (p *Purge) ID() string { return stepID(KindPurge, p.Pattern) }

// Kind returns KindPurge.
func (p *Purge) Kind() Kind { return KindPurge }

// Describe summarizes the purge.
func (p *Purge) Describe() string {
	if p.OnChange {
		return fmt.Sprintf("purge %s on change of %s", p.Pattern, strings.Join(p.Subscribes, ", "))
	}
	return "purge " + p.Pattern
}

// Probe lists matching files.
func (p *Purge) Probe(ctx context.Context, h host.Host) (State, error) {
	matches, err := h.Glob(ctx, p.Pattern)
	if err != nil {
		return nil, err
	}
	return purgeState{matches: matches}, nil
}

// Diff removes matches, if any.
func (p *Purge) Diff(state State, run Run) (*Action, error) {
	matches := state.(purgeState).matches
	if len(matches) == 0 {
		return nil, nil
	}
	if p.OnChange && !p.subscribedApplied(run) {
		return nil, nil
	}
	return &Action{
		Verb:    "remove",
		Reason:  fmt.Sprintf("%d file(s) match", len(matches)),
		payload: matches,
	}, nil
}

// Apply removes each match. Files already gone are ignored.
func (p *Purge) Apply(ctx context.Context, h host.Host, action *Action) error {
	for _, m := range action.payload.([]string) {
		if err := h.Remove(ctx, m); err != nil {
			return err
		}
	}
	return nil
}
