package policy

import (
	"time"

	"github.com/openfroyo/stackpilot/pkg/engine"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for warnings that should be reviewed but do not block.
	SeverityWarning Severity = "warning"

	// SeverityError is for violations that block the operation.
	SeverityError Severity = "error"
)

// Operations a policy input can describe.
const (
	OperationUpdate      = "update"
	OperationForceDelete = "force_delete"
)

// Policy represents a policy rule with its Rego code.
// A policy module exposes a "deny" set and optionally a "warn" set; each
// element is either a message string or an object with a "message" key.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code.
	Rego string `json:"rego"`

	// Severity is the severity given to deny messages that do not set one.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Source is the file the policy was loaded from, empty for built-ins.
	Source string `json:"source,omitempty"`
}

// Violation is a single deny or warn message.
type Violation struct {
	// Policy is the name of the policy that produced the message.
	Policy string `json:"policy"`

	// Resource is the logical resource ID the message is about, if any.
	Resource string `json:"resource,omitempty"`

	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

// String formats the violation as it is reported to operators.
func (v Violation) String() string {
	if v.Resource != "" {
		return v.Policy + ": " + v.Resource + ": " + v.Message
	}
	return v.Policy + ": " + v.Message
}

// Result represents the result of policy evaluation.
type Result struct {
	// Allowed is false when any violation has error severity.
	Allowed bool `json:"allowed"`

	Violations []Violation `json:"violations,omitempty"`
	Warnings   []Violation `json:"warnings,omitempty"`

	// EvaluatedPolicies lists the names of policies that were evaluated.
	EvaluatedPolicies []string `json:"evaluated_policies"`

	Duration time.Duration `json:"duration"`
}

// Verdict converts the result to the form the deployer consumes.
func (r *Result) Verdict() *engine.PolicyVerdict {
	v := &engine.PolicyVerdict{Allowed: r.Allowed}
	for _, violation := range r.Violations {
		if violation.Severity == SeverityError {
			v.Violations = append(v.Violations, violation.String())
		} else {
			v.Warnings = append(v.Warnings, violation.String())
		}
	}
	for _, w := range r.Warnings {
		v.Warnings = append(v.Warnings, w.String())
	}
	return v
}

// Input is the document policies see as "input".
type Input struct {
	// Operation is OperationUpdate or OperationForceDelete.
	Operation string `json:"operation"`

	Stack StackInput `json:"stack"`

	// Changes are the resource changes of the preview under review.
	Changes []engine.ResourceChange `json:"changes,omitempty"`

	// Resources are the stack's resources for a forced delete.
	Resources []engine.StackResource `json:"resources,omitempty"`

	// Timestamp is when the evaluation is occurring.
	Timestamp time.Time `json:"timestamp"`
}

// StackInput describes the stack a decision is about.
type StackInput struct {
	Name            string             `json:"name"`
	Project         string             `json:"project"`
	Environment     string             `json:"environment"`
	ProjectCode     string             `json:"project_code"`
	EnvironmentCode string             `json:"environment_code"`
	Production      bool               `json:"production"`
	Status          engine.StackStatus `json:"status,omitempty"`
}

// Config configures the policy gate.
type Config struct {
	// Paths are extra .rego or .json policy files and directories.
	Paths []string `yaml:"paths,omitempty" json:"paths,omitempty"`

	// Disabled lists policy names to skip, built-ins included.
	Disabled []string `yaml:"disabled,omitempty" json:"disabled,omitempty"`

	// StatefulTypes are resource types that may not be replaced or removed in production.
	StatefulTypes []string `yaml:"stateful_types,omitempty" json:"stateful_types,omitempty"`

	// MaxRemovals is the number of removals a change set may carry before a warning.
	MaxRemovals int `yaml:"max_removals" json:"max_removals" validate:"gte=0"`

	// AllowForceDeleteProduction permits forced deletion of production stacks.
	AllowForceDeleteProduction bool `yaml:"allow_force_delete_production" json:"allow_force_delete_production"`
}

// DefaultStatefulTypes are the resource types that hold data.
var DefaultStatefulTypes = []string{
	"AWS::DynamoDB::Table",
	"AWS::EFS::FileSystem",
	"AWS::ElastiCache::ReplicationGroup",
	"AWS::Kinesis::Stream",
	"AWS::OpenSearchService::Domain",
	"AWS::RDS::DBCluster",
	"AWS::RDS::DBInstance",
	"AWS::S3::Bucket",
	"AWS::SQS::Queue",
}

// DefaultConfig returns the default policy configuration.
func DefaultConfig() Config {
	return Config{
		StatefulTypes: append([]string(nil), DefaultStatefulTypes...),
		MaxRemovals:   5,
	}
}

// settings is the data document built-in policies read as data.stackpilot.settings.
func (c Config) settings() map[string]interface{} {
	types := make([]interface{}, 0, len(c.StatefulTypes))
	for _, t := range c.StatefulTypes {
		types = append(types, t)
	}
	return map[string]interface{}{
		"stackpilot": map[string]interface{}{
			"settings": map[string]interface{}{
				"stateful_types":                types,
				"max_removals":                  c.MaxRemovals,
				"allow_force_delete_production": c.AllowForceDeleteProduction,
			},
		},
	}
}
