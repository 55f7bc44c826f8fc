package policy

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		statefulResourcesPolicy(),
		forceDeletePolicy(),
		bulkRemovalPolicy(),
	}
}

// statefulResourcesPolicy protects data-bearing resources in production.
func statefulResourcesPolicy() Policy {
	return Policy{
		Name:        "stateful-resources",
		Description: "Denies replacement or removal of stateful resources in production",
		Severity:    SeverityError,
		Enabled:     true,
		Rego: `package stackpilot.stateful

import rego.v1

stateful(change) if {
	some t in data.stackpilot.settings.stateful_types
	change.resource_type == t
}

deny contains violation if {
	input.operation == "update"
	input.stack.production
	some change in input.changes
	stateful(change)
	change.action == "Remove"
	violation := {
		"message": sprintf("%s would be removed from production stack %s", [change.resource_type, input.stack.name]),
		"resource": change.logical_id,
	}
}

deny contains violation if {
	input.operation == "update"
	input.stack.production
	some change in input.changes
	stateful(change)
	change.action == "Modify"
	change.replacement == "True"
	violation := {
		"message": sprintf("%s would be replaced in production stack %s", [change.resource_type, input.stack.name]),
		"resource": change.logical_id,
	}
}

warn contains violation if {
	input.operation == "update"
	input.stack.production
	some change in input.changes
	stateful(change)
	change.replacement == "Conditional"
	violation := {
		"message": sprintf("%s may be replaced depending on resolved values", [change.resource_type]),
		"resource": change.logical_id,
	}
}
`,
	}
}

// forceDeletePolicy guards the destructive recovery path.
func forceDeletePolicy() Policy {
	return Policy{
		Name:        "force-delete",
		Description: "Denies forced deletion of production stacks unless explicitly allowed",
		Severity:    SeverityError,
		Enabled:     true,
		Rego: `package stackpilot.force_delete

import rego.v1

deny contains msg if {
	input.operation == "force_delete"
	input.stack.production
	not data.stackpilot.settings.allow_force_delete_production
	msg := sprintf("forced delete of production stack %s is not allowed", [input.stack.name])
}

warn contains msg if {
	input.operation == "force_delete"
	some r in input.resources
	r.type == "AWS::S3::Bucket"
	msg := sprintf("bucket %s will be emptied before deletion", [r.physical_id])
}
`,
	}
}

// bulkRemovalPolicy flags change sets that remove many resources at once.
func bulkRemovalPolicy() Policy {
	return Policy{
		Name:        "bulk-removal",
		Description: "Warns when a change set removes more resources than configured",
		Severity:    SeverityWarning,
		Enabled:     true,
		Rego: `package stackpilot.bulk_removal

import rego.v1

removals := [c | some c in input.changes; c.action == "Remove"]

warn contains msg if {
	input.operation == "update"
	count(removals) > data.stackpilot.settings.max_removals
	msg := sprintf("change set removes %d resources from %s", [count(removals), input.stack.name])
}
`,
	}
}
