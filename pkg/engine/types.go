package engine

import (
	"time"

	"github.com/openfroyo/stackpilot/pkg/naming"
)

// Tag keys stackpilot writes on stacks and buckets.
const (
	// TagContentHash records the hash of the template and parameters last submitted.
	TagContentHash = "stackpilot:content-hash"

	// TagLifecycle marks artifact buckets as current or retired.
	TagLifecycle = "stackpilot:lifecycle"

	// LifecycleRetired is the TagLifecycle value of superseded buckets.
	LifecycleRetired = "retired"
)

// StackSnapshot is the provider's view of a stack at one point in time.
// Snapshots are immutable once fetched.
type StackSnapshot struct {
	// Name is the stack name.
	Name string `json:"name"`

	// StackID is the provider-assigned identifier.
	StackID string `json:"stack_id,omitempty"`

	// Status is the current stack status.
	Status StackStatus `json:"status"`

	// StatusReason is the provider explanation for the status, if any.
	StatusReason string `json:"status_reason,omitempty"`

	// Outputs are the stack outputs keyed by output name.
	Outputs map[string]string `json:"outputs,omitempty"`

	// Parameters are the parameter values the stack was last deployed with.
	Parameters map[string]string `json:"parameters,omitempty"`

	// Tags are the stack tags.
	Tags map[string]string `json:"tags,omitempty"`

	// Resources are the stack's resources, when requested.
	Resources []StackResource `json:"resources,omitempty"`

	// LastUpdated is when the stack last changed.
	LastUpdated time.Time `json:"last_updated,omitempty"`

	// FetchedAt is when the snapshot was read.
	FetchedAt time.Time `json:"fetched_at"`
}

// ContentHash returns the content hash recorded on the stack, if any.
func (s *StackSnapshot) ContentHash() string {
	if s == nil {
		return ""
	}
	return s.Tags[TagContentHash]
}

// ResourcesOfType returns the resources with the given provider type.
func (s *StackSnapshot) ResourcesOfType(resourceType string) []StackResource {
	var out []StackResource
	for _, r := range s.Resources {
		if r.Type == resourceType {
			out = append(out, r)
		}
	}
	return out
}

// StackResource is one resource owned by a stack.
type StackResource struct {
	LogicalID    string      `json:"logical_id"`
	PhysicalID   string      `json:"physical_id,omitempty"`
	Type         string      `json:"type"`
	Status       StackStatus `json:"status"`
	StatusReason string      `json:"status_reason,omitempty"`
}

// StackEvent is a single entry of the provider's stack event history.
type StackEvent struct {
	// ID is the provider event identifier.
	ID string `json:"id"`

	// Timestamp is when the event happened.
	Timestamp time.Time `json:"timestamp"`

	// LogicalResourceID is the template name of the resource.
	// For stack-level events it equals the stack name.
	LogicalResourceID string `json:"logical_resource_id"`

	// PhysicalResourceID is the provider name of the resource, if created.
	PhysicalResourceID string `json:"physical_resource_id,omitempty"`

	// ResourceType is the provider resource type.
	ResourceType string `json:"resource_type"`

	// Status is the resource status reported by the event.
	Status StackStatus `json:"status"`

	// StatusReason is the provider explanation for the status.
	StatusReason string `json:"status_reason,omitempty"`
}

// IsStackLevel reports whether the event describes the stack itself.
func (e StackEvent) IsStackLevel(stackName string) bool {
	return e.ResourceType == ResourceTypeStack && e.LogicalResourceID == stackName
}

// Provider resource types the engine inspects.
const (
	ResourceTypeStack            = "AWS::CloudFormation::Stack"
	ResourceTypeBucket           = "AWS::S3::Bucket"
	ResourceTypeNetworkInterface = "AWS::EC2::NetworkInterface"
	ResourceTypeLambdaFunction   = "AWS::Lambda::Function"
	ResourceTypeSecurityGroup    = "AWS::EC2::SecurityGroup"
	ResourceTypeSubnet           = "AWS::EC2::Subnet"
)

// Finding is the earliest failure of one logical resource, classified.
type Finding struct {
	LogicalResourceID  string      `json:"logical_resource_id"`
	PhysicalResourceID string      `json:"physical_resource_id,omitempty"`
	ResourceType       string      `json:"resource_type"`
	Status             StackStatus `json:"status"`
	Reason             string      `json:"reason"`
	Timestamp          time.Time   `json:"timestamp"`
	Category           Category    `json:"category"`
	Rule               string      `json:"rule"`
	Confidence         Confidence  `json:"confidence"`
	Cascade            bool        `json:"cascade,omitempty"`
}

// RecommendedAction is the recovery a diagnosis proposes.
type RecommendedAction struct {
	// Strategy is the automatic strategy, or StrategyNone.
	Strategy Strategy `json:"strategy"`

	// SkipResources are logical ids to skip when continuing a rollback.
	SkipResources []string `json:"skip_resources,omitempty"`

	// Description says what the action does in operator terms.
	Description string `json:"description"`
}

// Diagnosis is the classified cause of a failed stack operation.
type Diagnosis struct {
	// Category is the failure classification.
	Category Category `json:"category"`

	// CulpritResources are the logical ids the failure is attributed to.
	CulpritResources []string `json:"culprit_resources,omitempty"`

	// RecommendedAction is the proposed recovery.
	RecommendedAction RecommendedAction `json:"recommended_action"`

	// Confidence is how specific the matching rule was.
	Confidence Confidence `json:"confidence"`

	// StackStatus is the terminal status the diagnosis was computed for.
	StackStatus StackStatus `json:"stack_status"`

	// Summary is a one-line statement of the cause.
	Summary string `json:"summary"`

	// ManualStep is the exact next step for an operator.
	ManualStep string `json:"manual_step"`

	// Findings are all classified failures, in chronological order.
	Findings []Finding `json:"findings,omitempty"`
}

// Mutation is one out-of-band change made during recovery.
type Mutation struct {
	// Kind names the change, e.g. "purge_bucket" or "delete_network_interface".
	Kind string `json:"kind"`

	// Target is the physical id the change was applied to.
	Target string `json:"target"`

	// Detail carries counts or other context.
	Detail string `json:"detail,omitempty"`

	// At is when the change was made.
	At time.Time `json:"at"`

	// Error is set when the change failed.
	Error string `json:"error,omitempty"`
}

// RecoveryOutcome is the result of executing one recovery strategy.
type RecoveryOutcome struct {
	Strategy    Strategy      `json:"strategy"`
	Status      OutcomeStatus `json:"status"`
	FinalStatus StackStatus   `json:"final_status,omitempty"`
	Mutations   []Mutation    `json:"mutations,omitempty"`
	Message     string        `json:"message,omitempty"`

	// Err is the raw error of a failed outcome.
	Err error `json:"-"`

	// Error is the text of Err, kept for serialization.
	Error string `json:"error,omitempty"`
}

// Failed returns a failed outcome wrapping err.
func (o *RecoveryOutcome) Failed(err error) *RecoveryOutcome {
	o.Status = OutcomeFailed
	o.Err = err
	if err != nil {
		o.Error = err.Error()
	}
	return o
}

// Attempt records one submission and everything that followed it.
type Attempt struct {
	Number      int              `json:"number"`
	Operation   Operation        `json:"operation"`
	StartedAt   time.Time        `json:"started_at"`
	EndedAt     time.Time        `json:"ended_at"`
	ChangeSetID string           `json:"change_set_id,omitempty"`
	FinalStatus StackStatus      `json:"final_status,omitempty"`
	Diagnosis   *Diagnosis       `json:"diagnosis,omitempty"`
	Recovery    *RecoveryOutcome `json:"recovery,omitempty"`
	Error       string           `json:"error,omitempty"`
}

// Transition records a state machine edge.
type Transition struct {
	From   DeployState `json:"from"`
	To     DeployState `json:"to"`
	At     time.Time   `json:"at"`
	Detail string      `json:"detail,omitempty"`
}

// DeploymentResult is the full account of one deploy call.
type DeploymentResult struct {
	// ID is the unique identifier of this deployment.
	ID string `json:"id"`

	// Identity is the stack identity deployed.
	Identity naming.Identity `json:"identity"`

	// State is the terminal state machine state.
	State DeployState `json:"state"`

	// Succeeded is true only when State is DeployStateSucceeded.
	Succeeded bool `json:"succeeded"`

	// FinalStatus is the last observed stack status.
	FinalStatus StackStatus `json:"final_status"`

	// Reason explains an aborted deployment.
	Reason AbortReason `json:"reason,omitempty"`

	// Category is the failure category of an aborted deployment.
	Category Category `json:"category,omitempty"`

	// Diagnosis is the last diagnosis computed, if any.
	Diagnosis *Diagnosis `json:"diagnosis,omitempty"`

	// Attempts is the full attempt history.
	Attempts []Attempt `json:"attempts"`

	// Transitions is every state machine edge taken.
	Transitions []Transition `json:"transitions"`

	// Events is the raw event history of the last operation, kept for unknown failures.
	Events []StackEvent `json:"events,omitempty"`

	// NextStep is the exact manual next step when the deployment did not succeed.
	NextStep string `json:"next_step,omitempty"`

	// ContentHash is the hash of the submitted template and parameters.
	ContentHash string `json:"content_hash"`

	// Outputs are the stack outputs after a successful deployment.
	Outputs map[string]string `json:"outputs,omitempty"`

	// RecoveryCount is the number of recovery cycles executed.
	RecoveryCount int `json:"recovery_count"`

	// StartedAt is when the deployment began.
	StartedAt time.Time `json:"started_at"`

	// DurationMs is the wall-clock duration in milliseconds.
	DurationMs int64 `json:"duration_ms"`
}

// ArtifactBucket is one bucket of an identity's artifact bucket series.
type ArtifactBucket struct {
	Name              string    `json:"name"`
	Index             int       `json:"index"`
	CreatedAt         time.Time `json:"created_at"`
	ApproxObjectCount int64     `json:"approx_object_count"`
	ApproxSizeBytes   int64     `json:"approx_size_bytes"`
	Retired           bool      `json:"retired"`
}

// BucketInfo is a bucket as listed by the object store.
type BucketInfo struct {
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// BucketUsage is the summed size of every object version in a bucket.
type BucketUsage struct {
	Objects int64 `json:"objects"`
	Bytes   int64 `json:"bytes"`
}

// PurgeResult counts what a bucket purge removed.
type PurgeResult struct {
	Versions      int `json:"versions"`
	DeleteMarkers int `json:"delete_markers"`
}

// ObjectLocation identifies an uploaded artifact.
type ObjectLocation struct {
	Bucket    string `json:"bucket"`
	Key       string `json:"key"`
	VersionID string `json:"version_id,omitempty"`
}

// StackRequest carries everything needed to create or update a stack.
type StackRequest struct {
	StackName    string            `json:"stack_name"`
	TemplateBody []byte            `json:"-"`
	Parameters   map[string]string `json:"parameters,omitempty"`
	Tags         map[string]string `json:"tags,omitempty"`
	Capabilities []string          `json:"capabilities,omitempty"`
}

// ChangeSetStatus is the status of a change preview.
type ChangeSetStatus string

const (
	ChangeSetCreatePending    ChangeSetStatus = "CREATE_PENDING"
	ChangeSetCreateInProgress ChangeSetStatus = "CREATE_IN_PROGRESS"
	ChangeSetCreateComplete   ChangeSetStatus = "CREATE_COMPLETE"
	ChangeSetFailed           ChangeSetStatus = "FAILED"
	ChangeSetDeleteComplete   ChangeSetStatus = "DELETE_COMPLETE"
)

// IsTerminal returns true once the change set has been computed or has failed.
func (s ChangeSetStatus) IsTerminal() bool {
	return s == ChangeSetCreateComplete || s == ChangeSetFailed || s == ChangeSetDeleteComplete
}

// ChangePreview is a computed but not yet executed set of changes.
type ChangePreview struct {
	ID           string           `json:"id"`
	Name         string           `json:"name"`
	StackName    string           `json:"stack_name"`
	Status       ChangeSetStatus  `json:"status"`
	StatusReason string           `json:"status_reason,omitempty"`
	Changes      []ResourceChange `json:"changes"`
}

// IsEmpty reports whether the provider found nothing to change.
func (p *ChangePreview) IsEmpty() bool {
	return len(p.Changes) == 0
}

// Change actions reported by change previews.
const (
	ChangeActionAdd    = "Add"
	ChangeActionModify = "Modify"
	ChangeActionRemove = "Remove"
	ChangeActionImport = "Import"
)

// ResourceChange is one resource-level change of a preview.
type ResourceChange struct {
	LogicalID    string `json:"logical_id"`
	PhysicalID   string `json:"physical_id,omitempty"`
	ResourceType string `json:"resource_type"`
	Action       string `json:"action"`

	// Replacement is "True", "False" or "Conditional".
	Replacement string `json:"replacement,omitempty"`
}

// IsDestructive returns true when the change removes or replaces the resource.
func (c ResourceChange) IsDestructive() bool {
	return c.Action == ChangeActionRemove || c.Replacement == "True"
}

// PolicyVerdict is the decision of a PolicyGate.
type PolicyVerdict struct {
	// Allowed is false when at least one deny rule matched.
	Allowed bool `json:"allowed"`

	// Violations are the messages of the deny rules that matched.
	Violations []string `json:"violations,omitempty"`

	// Warnings are advisory messages that do not block the change.
	Warnings []string `json:"warnings,omitempty"`
}

// TemplateSummary is what the provider reports about a template it accepted.
type TemplateSummary struct {
	Description  string   `json:"description,omitempty"`
	Parameters   []string `json:"parameters,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// DriftDetectionStatus is the progress of a drift detection run.
type DriftDetectionStatus string

const (
	DriftDetectionInProgress DriftDetectionStatus = "DETECTION_IN_PROGRESS"
	DriftDetectionComplete   DriftDetectionStatus = "DETECTION_COMPLETE"
	DriftDetectionFailed     DriftDetectionStatus = "DETECTION_FAILED"
)

// StackDriftStatus tells whether live resources still match the template.
type StackDriftStatus string

const (
	StackDrifted         StackDriftStatus = "DRIFTED"
	StackInSync          StackDriftStatus = "IN_SYNC"
	StackDriftUnknown    StackDriftStatus = "UNKNOWN"
	StackDriftNotChecked StackDriftStatus = "NOT_CHECKED"
)

// DriftDetection is the state of one drift detection run.
type DriftDetection struct {
	ID          string               `json:"id"`
	StackName   string               `json:"stack_name"`
	Status      DriftDetectionStatus `json:"status"`
	DriftStatus StackDriftStatus     `json:"drift_status"`
	Reason      string               `json:"reason,omitempty"`
	Drifted     int                  `json:"drifted_resources"`
}

// PropertyDifference is one property whose live value differs from the template.
type PropertyDifference struct {
	Path     string `json:"path"`
	Expected string `json:"expected"`
	Actual   string `json:"actual"`

	// Type is ADD, REMOVE or NOT_EQUAL.
	Type string `json:"type"`
}

// ResourceDrift describes a resource that was modified or deleted outside the stack.
type ResourceDrift struct {
	LogicalID    string `json:"logical_id"`
	PhysicalID   string `json:"physical_id,omitempty"`
	ResourceType string `json:"resource_type"`

	// Status is MODIFIED or DELETED.
	Status      string               `json:"status"`
	Differences []PropertyDifference `json:"differences,omitempty"`
}

// DriftReport is the outcome of DetectDrift.
type DriftReport struct {
	StackName   string           `json:"stack_name"`
	DetectionID string           `json:"detection_id"`
	DriftStatus StackDriftStatus `json:"drift_status"`
	Reason      string           `json:"reason,omitempty"`
	Resources   []ResourceDrift  `json:"drifted_resources"`
	DetectedAt  time.Time        `json:"detected_at"`
}
