// Package policy provides Open Policy Agent (OPA) integration for stackpilot.
//
// The Engine implements engine.PolicyGate. Before a change set is executed
// the deployer asks it to review the preview; before a forced delete it asks
// it to review the stack snapshot. Every enabled policy module is evaluated
// for its "deny" and "warn" sets. Any deny message with error severity
// blocks the operation, and any evaluation error does too.
//
// # Usage
//
//	gate, err := policy.NewEngine(ctx, policy.DefaultConfig(), policy.WithLogger(logger))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	d := deployer.New(provider, deployer.WithPolicy(gate))
//
// # Input
//
// Policies receive an input document of this shape:
//
//	{
//	  "operation": "update" | "force_delete",
//	  "stack": {"name": "fon-prd-stack", "environment": "production", "production": true, ...},
//	  "changes": [{"logical_id": "Db", "resource_type": "AWS::RDS::DBInstance", "action": "Modify", "replacement": "True"}],
//	  "resources": [{"logical_id": "Logs", "type": "AWS::S3::Bucket", "physical_id": "..."}]
//	}
//
// and can read configured settings under data.stackpilot.settings
// (stateful_types, max_removals, allow_force_delete_production).
//
// # Built-in Policies
//
//   - stateful-resources: denies removal or replacement of stateful resource
//     types in production and warns on conditional replacement.
//   - force-delete: denies forced deletion of production stacks unless
//     allow_force_delete_production is set.
//   - bulk-removal: warns when a change set removes more than max_removals
//     resources.
//
// # Custom Policies
//
// Extra .rego files, or .json files carrying a Policy document, are loaded
// from the configured paths. A .rego file is named after its file name.
//
//	package team.tagging
//
//	import rego.v1
//
//	deny contains msg if {
//	    input.operation == "update"
//	    some c in input.changes
//	    c.action == "Add"
//	    startswith(c.logical_id, "Tmp")
//	    msg := sprintf("temporary resource %s", [c.logical_id])
//	}
package policy
