// Package config loads stackpilot project configuration.
//
// A project is described by stackpilot.yaml (or .yml), stackpilot.cue, or a
// directory holding a CUE package. Every source is checked against the
// built-in #Config CUE schema before it is decoded over Default, so YAML
// and CUE projects share one set of constraints and unknown keys are
// rejected in both.
//
//	project: fraud-or-not
//	template: stack.yaml
//	parameter_script: params.star
//	environments:
//	  dev: {}
//	  prod:
//	    region: eu-west-1
//	    tags:
//	      cost-center: fraud
//	deploy:
//	  max_recovery_attempts: 3
//	  attempt_timeout: 45m
//
// Relative paths are resolved against the configuration's directory.
// Errors come back as an engine validation error wrapping ValidationErrors,
// each carrying the file position or field path that failed.
//
// # Parameter scripts
//
// Template parameters may be computed by a Starlark script. The script sees
// project, environment, stack_name, prefix, artifact_bucket and params
// predeclared and binds a dict named parameters, or a function returning one:
//
//	def parameters():
//	    size = "large" if environment == "prod" else "small"
//	    return {"InstanceSize": size, "ArtifactBucket": artifact_bucket}
//
// Scripts run with a timeout and a step limit and cannot load modules.
package config
