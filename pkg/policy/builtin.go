package policy

// GetBuiltinPolicies returns the policies every plan is checked against.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		ownershipOrderPolicy(),
		shellGuardPolicy(),
		uniqueTargetsPolicy(),
	}
}

// ownershipOrderPolicy requires every account a step assigns ownership to
// to be a system account or created by an earlier step.
func ownershipOrderPolicy() Policy {
	return Policy{
		Name:        "ownership-order",
		Description: "Accounts must exist before a step assigns ownership to them",
		Severity:    SeverityError,
		Enabled:     true,
		Rego: `package embergraph.policies.ownership

import rego.v1

default system_users := []

system_users := data.embergraph.system_accounts.users

default system_groups := []

system_groups := data.embergraph.system_accounts.groups

deny contains violation if {
	some i, step in input.plan.steps
	some user in object.get(step.references, "users", [])
	not user in system_users
	not provided_before(i, "users", user)
	violation := {
		"message": sprintf("%s uses user %s before any step creates it", [step.id, user]),
		"step": step.id,
	}
}

deny contains violation if {
	some i, step in input.plan.steps
	some group in object.get(step.references, "groups", [])
	not group in system_groups
	not provided_before(i, "groups", group)
	violation := {
		"message": sprintf("%s uses group %s before any step creates it", [step.id, group]),
		"step": step.id,
	}
}

provided_before(i, field, name) if {
	some j, earlier in input.plan.steps
	j < i
	name in object.get(earlier.provides, field, [])
}
`,
	}
}

// shellGuardPolicy requires every raw command to declare how it is skipped
// once its effect is in place.
func shellGuardPolicy() Policy {
	return Policy{
		Name:        "shell-guard",
		Description: "Shell commands must declare an idempotency predicate",
		Severity:    SeverityError,
		Enabled:     true,
		Rego: `package embergraph.policies.shell

import rego.v1

deny contains violation if {
	some step in input.plan.steps
	step.kind == "shell_command"
	object.get(step, "idempotency", "") == ""
	violation := {
		"message": sprintf("%s has no idempotency predicate", [step.id]),
		"step": step.id,
	}
}
`,
	}
}

// uniqueTargetsPolicy rejects plans in which two unconditional steps own the
// same path. Guarded alternatives, such as a built and a downloaded war, are
// allowed to share one.
func uniqueTargetsPolicy() Policy {
	return Policy{
		Name:        "unique-targets",
		Description: "A path is owned by at most one unguarded step",
		Severity:    SeverityError,
		Enabled:     true,
		Rego: `package embergraph.policies.targets

import rego.v1

unguarded contains [i, step.id, step.target] if {
	some i, step in input.plan.steps
	step.target
	not step.guard
}

deny contains violation if {
	some [i, first, target] in unguarded
	some [j, second, other] in unguarded
	i < j
	target == other
	violation := {
		"message": sprintf("%s and %s both manage %s", [first, second, target]),
		"step": second,
	}
}
`,
	}
}
