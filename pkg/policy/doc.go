// Package policy checks provisioning plans against Open Policy Agent (OPA)
// Rego policies before any step runs.
//
// Every policy is a Rego module with a deny set. The engine evaluates
// package.deny for each enabled policy with the serialized plan as input:
//
//	{
//	  "plan": {"id": ..., "flavor": "ha", "steps": [{"id": "file[/etc/default/embergraphHA]", ...}]},
//	  "context": {"host": "node1", "dry_run": false, "timestamp": ...}
//	}
//
// An element of deny is either a message string or an object with message
// and optionally step and severity. Violations of severity error or critical
// block the plan; Check reports them as a validation failure.
//
// # Built-in Policies
//
//  1. ownership-order - accounts exist before a step assigns ownership to them
//  2. shell-guard - every shell command declares an idempotency predicate
//  3. unique-targets - a path is owned by at most one unguarded step
//
// The accounts every host already has are available to policies as
// data.embergraph.system_accounts.
//
// # Custom Policies
//
// Site policies are loaded from .rego files or directories of them. The
// comment block at the top of a file becomes the description, and a
// "# severity: <level>" line sets the default severity, which is warning
// otherwise:
//
//	# Nothing is installed below /opt.
//	# severity: error
//	package site.no_opt
//
//	import rego.v1
//
//	deny contains sprintf("%s writes below /opt", [step.id]) if {
//	    some step in input.plan.steps
//	    startswith(object.get(step, "target", ""), "/opt/")
//	}
package policy
