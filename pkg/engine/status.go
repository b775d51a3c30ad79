package engine

import (
	"encoding/json"
	"fmt"
)

// RunStatus represents the overall status of a convergence run.
type RunStatus string

const (
	// RunStatusPending indicates the run has not started.
	RunStatusPending RunStatus = "pending"

	// RunStatusRunning indicates the run is executing.
	RunStatusRunning RunStatus = "running"

	// RunStatusSucceeded indicates every step was satisfied, applied or skipped.
	RunStatusSucceeded RunStatus = "succeeded"

	// RunStatusFailed indicates a step failed and the run halted.
	RunStatusFailed RunStatus = "failed"

	// RunStatusCancelled indicates the run was aborted between steps.
	RunStatusCancelled RunStatus = "cancelled"

	// RunStatusDrifted indicates a dry run found steps that would apply.
	RunStatusDrifted RunStatus = "drifted"
)

// IsTerminal returns true if the run status represents a final state.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed ||
		s == RunStatusCancelled || s == RunStatusDrifted
}

// Validate checks if the run status is valid.
func (s RunStatus) Validate() error {
	switch s {
	case RunStatusPending, RunStatusRunning, RunStatusSucceeded,
		RunStatusFailed, RunStatusCancelled, RunStatusDrifted:
		return nil
	default:
		return fmt.Errorf("invalid run status: %s", s)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s RunStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *RunStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = RunStatus(str)
	return s.Validate()
}

// Outcome is the final result of one step in a run.
type Outcome string

const (
	// OutcomePending means the step never ran because the run halted first.
	OutcomePending Outcome = "pending"

	// OutcomeSatisfied means the step was already in its desired state.
	OutcomeSatisfied Outcome = "satisfied"

	// OutcomeApplied means a corrective action was applied.
	OutcomeApplied Outcome = "applied"

	// OutcomeSkipped means the step's guard was false.
	OutcomeSkipped Outcome = "skipped"

	// OutcomeFailed means the step failed and halted the run.
	OutcomeFailed Outcome = "failed"

	// OutcomeWouldApply means a dry run found a corrective action.
	OutcomeWouldApply Outcome = "would_apply"
)

// IsSuccess returns true for outcomes that let a run succeed.
func (o Outcome) IsSuccess() bool {
	return o == OutcomeSatisfied || o == OutcomeApplied || o == OutcomeSkipped
}

// Validate checks if the outcome is valid.
func (o Outcome) Validate() error {
	switch o {
	case OutcomePending, OutcomeSatisfied, OutcomeApplied,
		OutcomeSkipped, OutcomeFailed, OutcomeWouldApply:
		return nil
	default:
		return fmt.Errorf("invalid step outcome: %s", o)
	}
}

// Phase is a step's position in the per-step state machine:
//
//	Pending -> Probing -> Satisfied
//	                   -> Applying -> Applied
//	                               -> Failed
//
// Probing may also fail directly, and a false guard moves Pending to Skipped.
// A declared retry moves a failed Probing or Applying attempt back to Probing.
type Phase string

const (
	PhasePending   Phase = "pending"
	PhaseProbing   Phase = "probing"
	PhaseApplying  Phase = "applying"
	PhaseSatisfied Phase = "satisfied"
	PhaseApplied   Phase = "applied"
	PhaseFailed    Phase = "failed"
	PhaseSkipped   Phase = "skipped"
)

var transitions = map[Phase][]Phase{
	PhasePending:  {PhaseProbing, PhaseSkipped, PhaseFailed},
	PhaseProbing:  {PhaseSatisfied, PhaseApplying, PhaseFailed, PhaseProbing},
	PhaseApplying: {PhaseApplied, PhaseFailed, PhaseProbing},
}

// CanTransition reports whether the state machine allows p -> next.
func (p Phase) CanTransition(next Phase) bool {
	for _, allowed := range transitions[p] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal returns true if no transition leaves the phase.
func (p Phase) IsTerminal() bool {
	return len(transitions[p]) == 0
}

// Outcome maps a terminal phase to a step outcome.
func (p Phase) Outcome() Outcome {
	switch p {
	case PhaseSatisfied:
		return OutcomeSatisfied
	case PhaseApplied:
		return OutcomeApplied
	case PhaseSkipped:
		return OutcomeSkipped
	case PhaseFailed:
		return OutcomeFailed
	default:
		return OutcomePending
	}
}
