package engine

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/embergraph/provisioner/pkg/failure"
)

// StepResult is the outcome of one step in a run.
type StepResult struct {
	Index       int           `json:"index"`
	StepID      string        `json:"step_id"`
	Kind        string        `json:"kind"`
	Description string        `json:"description"`
	Outcome     Outcome       `json:"outcome"`
	Action      string        `json:"action,omitempty"`
	Reason      string        `json:"reason,omitempty"`
	Attempts    int           `json:"attempts"`
	StartedAt   time.Time     `json:"started_at,omitempty"`
	Duration    time.Duration `json:"duration"`
	ErrorKind   failure.Kind  `json:"error_kind,omitempty"`
	Error       string        `json:"error,omitempty"`
}

// Summary counts step outcomes.
type Summary struct {
	Total      int `json:"total"`
	Satisfied  int `json:"satisfied"`
	Applied    int `json:"applied"`
	Skipped    int `json:"skipped"`
	Failed     int `json:"failed"`
	Pending    int `json:"pending"`
	WouldApply int `json:"would_apply"`
}

// Report is the terminal artifact of a run: every step's outcome in plan
// order and, on failure, the step and error kind that stopped the run.
type Report struct {
	RunID       string        `json:"run_id"`
	PlanID      string        `json:"plan_id"`
	Flavor      string        `json:"flavor"`
	Host        string        `json:"host"`
	DryRun      bool          `json:"dry_run"`
	Status      RunStatus     `json:"status"`
	StartedAt   time.Time     `json:"started_at"`
	CompletedAt time.Time     `json:"completed_at"`
	Duration    time.Duration `json:"duration"`
	Steps       []StepResult  `json:"steps"`

	// FailedStep is the step that stopped the run.
	FailedStep string `json:"failed_step,omitempty"`

	// FailedKind is the error kind that stopped the run.
	FailedKind failure.Kind `json:"failed_kind,omitempty"`

	// Error is the message of the failure that stopped the run.
	Error string `json:"error,omitempty"`
}

// Applied reports whether the step applied an action in this run. During a
// dry run a step that would apply counts as applied, so subscribers report
// the restarts they would trigger.
func (r *Report) Applied(stepID string) bool {
	for i := range r.Steps {
		if r.Steps[i].StepID == stepID {
			o := r.Steps[i].Outcome
			return o == OutcomeApplied || o == OutcomeWouldApply
		}
	}
	return false
}

// Summary counts the step outcomes.
func (r *Report) Summary() Summary {
	s := Summary{Total: len(r.Steps)}
	for _, st := range r.Steps {
		switch st.Outcome {
		case OutcomeSatisfied:
			s.Satisfied++
		case OutcomeApplied:
			s.Applied++
		case OutcomeSkipped:
			s.Skipped++
		case OutcomeFailed:
			s.Failed++
		case OutcomeWouldApply:
			s.WouldApply++
		default:
			s.Pending++
		}
	}
	return s
}

// FirstFailure returns the first failed step, if any.
func (r *Report) FirstFailure() (*StepResult, bool) {
	for i := range r.Steps {
		if r.Steps[i].Outcome == OutcomeFailed {
			return &r.Steps[i], true
		}
	}
	return nil, false
}

// ExitCode is 0 only when every step was satisfied, applied or skipped.
// A failed run exits 1, a cancelled run 130 and a dry run with drift 2.
func (r *Report) ExitCode() int {
	for _, st := range r.Steps {
		if st.Outcome.IsSuccess() {
			continue
		}
		switch {
		case r.Status == RunStatusCancelled:
			return 130
		case st.Outcome == OutcomeWouldApply && r.Status == RunStatusDrifted:
			return 2
		default:
			return 1
		}
	}
	if r.Status == RunStatusFailed || r.Status == RunStatusCancelled {
		return 1
	}
	return 0
}

// WriteText renders a human-readable report.
func (r *Report) WriteText(w io.Writer) error {
	var b strings.Builder
	fmt.Fprintf(&b, "Run %s (%s on %s): %s in %s\n", r.RunID, r.Flavor, r.Host, r.Status, r.Duration.Round(time.Millisecond))
	for _, st := range r.Steps {
		fmt.Fprintf(&b, "  %3d. %-12s %s", st.Index+1, st.Outcome, st.StepID)
		if st.Action != "" {
			fmt.Fprintf(&b, " [%s]", st.Action)
		}
		if st.Attempts > 1 {
			fmt.Fprintf(&b, " (%d attempts)", st.Attempts)
		}
		b.WriteString("\n")
		if st.Error != "" {
			fmt.Fprintf(&b, "       %s\n", st.Error)
		}
	}
	s := r.Summary()
	fmt.Fprintf(&b, "%d steps: %d applied, %d satisfied, %d skipped, %d failed, %d pending",
		s.Total, s.Applied, s.Satisfied, s.Skipped, s.Failed, s.Pending)
	if r.DryRun {
		fmt.Fprintf(&b, ", %d would apply", s.WouldApply)
	}
	b.WriteString("\n")
	if r.FailedStep != "" {
		fmt.Fprintf(&b, "Stopped at %s: %s\n", r.FailedStep, r.FailedKind)
	}
	_, err := io.WriteString(w, b.String())
	return err
}
