package policy

import (
	"time"

	"github.com/open-policy-agent/opa/v1/ast"

	"github.com/embergraph/provisioner/pkg/engine"
	"github.com/embergraph/provisioner/pkg/resource"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for findings that should be reviewed.
	SeverityWarning Severity = "warning"

	// SeverityError blocks execution of the plan.
	SeverityError Severity = "error"

	// SeverityCritical blocks execution of the plan.
	SeverityCritical Severity = "critical"
)

// Blocks reports whether a violation of this severity stops the plan.
func (s Severity) Blocks() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy is a Rego module whose deny set lists violations. Each element of
// deny is a message string or an object with message, and optionally step
// and severity.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code.
	Rego string `json:"rego"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Source is the file the policy was loaded from, empty for built-ins.
	Source string `json:"source,omitempty"`

	// parsed is set when the loader already parsed Rego.
	parsed *ast.Module
}

// Violation is a single policy violation.
type Violation struct {
	// Policy is the name of the violated policy.
	Policy string `json:"policy"`

	// Step is the ID of the offending step, when there is one.
	Step string `json:"step,omitempty"`

	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

// Result is the outcome of evaluating every enabled policy against a plan.
type Result struct {
	// Allowed is false when any violation blocks the plan.
	Allowed bool `json:"allowed"`

	// Violations lists blocking violations.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings lists violations that do not block the plan.
	Warnings []Violation `json:"warnings,omitempty"`

	EvaluatedPolicies []string      `json:"evaluated_policies"`
	Duration          time.Duration `json:"duration"`
}

// Input is the document policies see as input.
type Input struct {
	Plan    engine.PlanView `json:"plan"`
	Context Context         `json:"context"`
}

// Context describes the run a plan is evaluated for.
type Context struct {
	Host      string    `json:"host,omitempty"`
	DryRun    bool      `json:"dry_run"`
	Timestamp time.Time `json:"timestamp"`
}

// SystemAccounts are the accounts every host is assumed to have. Policies
// read them as data.embergraph.system_accounts.
var SystemAccounts = resource.Accounts{
	Users:  []string{"root"},
	Groups: []string{"root"},
}
