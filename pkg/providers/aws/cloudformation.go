package aws

import (
	"context"
	"sort"
	"time"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation"
	cftypes "github.com/aws/aws-sdk-go-v2/service/cloudformation/types"

	"github.com/openfroyo/stackpilot/pkg/engine"
)

// CloudFormationAPI is the subset of the CloudFormation client in use.
type CloudFormationAPI interface {
	DescribeStacks(ctx context.Context, in *cloudformation.DescribeStacksInput, optFns ...func(*cloudformation.Options)) (*cloudformation.DescribeStacksOutput, error)
	ListStackResources(ctx context.Context, in *cloudformation.ListStackResourcesInput, optFns ...func(*cloudformation.Options)) (*cloudformation.ListStackResourcesOutput, error)
	DescribeStackEvents(ctx context.Context, in *cloudformation.DescribeStackEventsInput, optFns ...func(*cloudformation.Options)) (*cloudformation.DescribeStackEventsOutput, error)
	CreateStack(ctx context.Context, in *cloudformation.CreateStackInput, optFns ...func(*cloudformation.Options)) (*cloudformation.CreateStackOutput, error)
	DeleteStack(ctx context.Context, in *cloudformation.DeleteStackInput, optFns ...func(*cloudformation.Options)) (*cloudformation.DeleteStackOutput, error)
	CreateChangeSet(ctx context.Context, in *cloudformation.CreateChangeSetInput, optFns ...func(*cloudformation.Options)) (*cloudformation.CreateChangeSetOutput, error)
	DescribeChangeSet(ctx context.Context, in *cloudformation.DescribeChangeSetInput, optFns ...func(*cloudformation.Options)) (*cloudformation.DescribeChangeSetOutput, error)
	ExecuteChangeSet(ctx context.Context, in *cloudformation.ExecuteChangeSetInput, optFns ...func(*cloudformation.Options)) (*cloudformation.ExecuteChangeSetOutput, error)
	DeleteChangeSet(ctx context.Context, in *cloudformation.DeleteChangeSetInput, optFns ...func(*cloudformation.Options)) (*cloudformation.DeleteChangeSetOutput, error)
	ContinueUpdateRollback(ctx context.Context, in *cloudformation.ContinueUpdateRollbackInput, optFns ...func(*cloudformation.Options)) (*cloudformation.ContinueUpdateRollbackOutput, error)
	ValidateTemplate(ctx context.Context, in *cloudformation.ValidateTemplateInput, optFns ...func(*cloudformation.Options)) (*cloudformation.ValidateTemplateOutput, error)
	DetectStackDrift(ctx context.Context, in *cloudformation.DetectStackDriftInput, optFns ...func(*cloudformation.Options)) (*cloudformation.DetectStackDriftOutput, error)
	DescribeStackDriftDetectionStatus(ctx context.Context, in *cloudformation.DescribeStackDriftDetectionStatusInput, optFns ...func(*cloudformation.Options)) (*cloudformation.DescribeStackDriftDetectionStatusOutput, error)
	DescribeStackResourceDrifts(ctx context.Context, in *cloudformation.DescribeStackResourceDriftsInput, optFns ...func(*cloudformation.Options)) (*cloudformation.DescribeStackResourceDriftsOutput, error)
}

// CloudFormation implements engine.StackProvider.
type CloudFormation struct {
	api        CloudFormationAPI
	call       *caller
	eventPages int
}

var _ engine.StackProvider = (*CloudFormation)(nil)

// NewCloudFormation wraps a CloudFormation client.
func NewCloudFormation(api CloudFormationAPI, cfg Config, opts ...Option) *CloudFormation {
	pages := cfg.EventPages
	if pages <= 0 {
		pages = DefaultConfig().EventPages
	}
	return &CloudFormation{api: api, call: newCaller("cloudformation", cfg, opts), eventPages: pages}
}

// DescribeStack returns the stack snapshot. A deleted stack is not found.
func (c *CloudFormation) DescribeStack(ctx context.Context, stackName string) (*engine.StackSnapshot, error) {
	var out *cloudformation.DescribeStacksOutput
	err := c.call.do(ctx, "DescribeStacks", stackName, func(ctx context.Context) error {
		var err error
		out, err = c.api.DescribeStacks(ctx, &cloudformation.DescribeStacksInput{StackName: awssdk.String(stackName)})
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(out.Stacks) == 0 {
		return nil, engine.NewNotFoundError("stack does not exist", nil).WithResource(stackName)
	}
	snap := snapshotFromStack(out.Stacks[0])
	snap.FetchedAt = c.call.clock.Now()
	if snap.Status.IsGone() {
		return nil, engine.NewNotFoundError("stack is deleted", nil).WithResource(stackName)
	}
	return snap, nil
}

// ListStackResources pages through the stack's resources.
func (c *CloudFormation) ListStackResources(ctx context.Context, stackName string) ([]engine.StackResource, error) {
	var resources []engine.StackResource
	p := cloudformation.NewListStackResourcesPaginator(c.api, &cloudformation.ListStackResourcesInput{
		StackName: awssdk.String(stackName),
	})
	for p.HasMorePages() {
		var page *cloudformation.ListStackResourcesOutput
		err := c.call.do(ctx, "ListStackResources", stackName, func(ctx context.Context) error {
			var err error
			page, err = p.NextPage(ctx)
			return err
		})
		if err != nil {
			return nil, err
		}
		for _, r := range page.StackResourceSummaries {
			resources = append(resources, engine.StackResource{
				LogicalID:    awssdk.ToString(r.LogicalResourceId),
				PhysicalID:   awssdk.ToString(r.PhysicalResourceId),
				Type:         awssdk.ToString(r.ResourceType),
				Status:       engine.StackStatus(r.ResourceStatus),
				StatusReason: awssdk.ToString(r.ResourceStatusReason),
			})
		}
	}
	return resources, nil
}

// DescribeEvents returns up to eventPages pages of events, newest first.
func (c *CloudFormation) DescribeEvents(ctx context.Context, stackName string) ([]engine.StackEvent, error) {
	var events []engine.StackEvent
	p := cloudformation.NewDescribeStackEventsPaginator(c.api, &cloudformation.DescribeStackEventsInput{
		StackName: awssdk.String(stackName),
	})
	for pages := 0; p.HasMorePages() && pages < c.eventPages; pages++ {
		var page *cloudformation.DescribeStackEventsOutput
		err := c.call.do(ctx, "DescribeStackEvents", stackName, func(ctx context.Context) error {
			var err error
			page, err = p.NextPage(ctx)
			return err
		})
		if err != nil {
			return nil, err
		}
		for _, ev := range page.StackEvents {
			events = append(events, eventFromSDK(ev))
		}
	}
	return events, nil
}

// CreateStack submits a creation that rolls back on failure.
func (c *CloudFormation) CreateStack(ctx context.Context, req engine.StackRequest) (string, error) {
	var out *cloudformation.CreateStackOutput
	err := c.call.do(ctx, "CreateStack", req.StackName, func(ctx context.Context) error {
		var err error
		out, err = c.api.CreateStack(ctx, &cloudformation.CreateStackInput{
			StackName:    awssdk.String(req.StackName),
			TemplateBody: awssdk.String(string(req.TemplateBody)),
			Parameters:   sdkParameters(req.Parameters),
			Tags:         sdkTags(req.Tags),
			Capabilities: sdkCapabilities(req.Capabilities),
			OnFailure:    cftypes.OnFailureRollback,
		})
		return err
	})
	if err != nil {
		return "", err
	}
	return awssdk.ToString(out.StackId), nil
}

// DeleteStack submits a deletion. Retained resources are only honored by
// the service for stacks in a *_FAILED delete or rollback state.
func (c *CloudFormation) DeleteStack(ctx context.Context, stackName string, retain []string) error {
	return c.call.do(ctx, "DeleteStack", stackName, func(ctx context.Context) error {
		in := &cloudformation.DeleteStackInput{StackName: awssdk.String(stackName)}
		if len(retain) > 0 {
			in.RetainResources = retain
		}
		_, err := c.api.DeleteStack(ctx, in)
		return err
	})
}

// CreateChangeSet submits an update preview.
func (c *CloudFormation) CreateChangeSet(ctx context.Context, req engine.StackRequest, changeSetName string) (*engine.ChangePreview, error) {
	var out *cloudformation.CreateChangeSetOutput
	err := c.call.do(ctx, "CreateChangeSet", req.StackName, func(ctx context.Context) error {
		var err error
		out, err = c.api.CreateChangeSet(ctx, &cloudformation.CreateChangeSetInput{
			StackName:     awssdk.String(req.StackName),
			ChangeSetName: awssdk.String(changeSetName),
			ChangeSetType: cftypes.ChangeSetTypeUpdate,
			TemplateBody:  awssdk.String(string(req.TemplateBody)),
			Parameters:    sdkParameters(req.Parameters),
			Tags:          sdkTags(req.Tags),
			Capabilities:  sdkCapabilities(req.Capabilities),
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return &engine.ChangePreview{
		ID:        awssdk.ToString(out.Id),
		Name:      changeSetName,
		StackName: req.StackName,
		Status:    engine.ChangeSetCreatePending,
	}, nil
}

// DescribeChangeSet returns the preview with every page of changes.
func (c *CloudFormation) DescribeChangeSet(ctx context.Context, stackName, changeSetName string) (*engine.ChangePreview, error) {
	preview := &engine.ChangePreview{Name: changeSetName, StackName: stackName}
	var token *string
	for {
		var out *cloudformation.DescribeChangeSetOutput
		err := c.call.do(ctx, "DescribeChangeSet", changeSetName, func(ctx context.Context) error {
			var err error
			out, err = c.api.DescribeChangeSet(ctx, &cloudformation.DescribeChangeSetInput{
				StackName:     awssdk.String(stackName),
				ChangeSetName: awssdk.String(changeSetName),
				NextToken:     token,
			})
			return err
		})
		if err != nil {
			return nil, err
		}
		preview.ID = awssdk.ToString(out.ChangeSetId)
		preview.Status = engine.ChangeSetStatus(out.Status)
		preview.StatusReason = awssdk.ToString(out.StatusReason)
		for _, ch := range out.Changes {
			if ch.ResourceChange == nil {
				continue
			}
			preview.Changes = append(preview.Changes, changeFromSDK(*ch.ResourceChange))
		}
		token = out.NextToken
		if token == nil || *token == "" {
			break
		}
	}
	if preview.Changes == nil {
		preview.Changes = []engine.ResourceChange{}
	}
	return preview, nil
}

// ExecuteChangeSet applies a computed preview.
func (c *CloudFormation) ExecuteChangeSet(ctx context.Context, stackName, changeSetName string) error {
	return c.call.do(ctx, "ExecuteChangeSet", changeSetName, func(ctx context.Context) error {
		_, err := c.api.ExecuteChangeSet(ctx, &cloudformation.ExecuteChangeSetInput{
			StackName:     awssdk.String(stackName),
			ChangeSetName: awssdk.String(changeSetName),
		})
		return err
	})
}

// DeleteChangeSet discards a preview.
func (c *CloudFormation) DeleteChangeSet(ctx context.Context, stackName, changeSetName string) error {
	return c.call.do(ctx, "DeleteChangeSet", changeSetName, func(ctx context.Context) error {
		_, err := c.api.DeleteChangeSet(ctx, &cloudformation.DeleteChangeSetInput{
			StackName:     awssdk.String(stackName),
			ChangeSetName: awssdk.String(changeSetName),
		})
		return err
	})
}

// ContinueRollback resumes a stuck rollback.
//
// UPDATE_ROLLBACK_FAILED is resumed in place. A creation whose rollback
// failed (ROLLBACK_FAILED) cannot be resumed, so it is deleted instead with
// the skipped resources retained, which leaves the stack gone.
func (c *CloudFormation) ContinueRollback(ctx context.Context, stackName string, skip []string) error {
	snap, err := c.DescribeStack(ctx, stackName)
	if err != nil {
		return err
	}
	if snap.Status == engine.StackStatusRollbackFailed {
		c.call.logger.Warn().Str("stack", stackName).Strs("retain", skip).
			Msg("creation rollback cannot be resumed, deleting with retained resources")
		return c.DeleteStack(ctx, stackName, skip)
	}
	return c.call.do(ctx, "ContinueUpdateRollback", stackName, func(ctx context.Context) error {
		in := &cloudformation.ContinueUpdateRollbackInput{StackName: awssdk.String(stackName)}
		if len(skip) > 0 {
			in.ResourcesToSkip = skip
		}
		_, err := c.api.ContinueUpdateRollback(ctx, in)
		return err
	})
}

// ValidateTemplate asks the service to parse a template. Every
// ValidationError it answers with is a template problem.
func (c *CloudFormation) ValidateTemplate(ctx context.Context, body []byte) (*engine.TemplateSummary, error) {
	var out *cloudformation.ValidateTemplateOutput
	err := c.call.do(ctx, "ValidateTemplate", "template", func(ctx context.Context) error {
		var err error
		out, err = c.api.ValidateTemplate(ctx, &cloudformation.ValidateTemplateInput{
			TemplateBody: awssdk.String(string(body)),
		})
		return err
	})
	if err != nil {
		if apiCode(err) == "ValidationError" {
			return nil, engine.NewValidationError("template rejected", err).WithOperation("cloudformation.ValidateTemplate")
		}
		return nil, err
	}
	summary := &engine.TemplateSummary{Description: awssdk.ToString(out.Description)}
	for _, p := range out.Parameters {
		summary.Parameters = append(summary.Parameters, awssdk.ToString(p.ParameterKey))
	}
	for _, capability := range out.Capabilities {
		summary.Capabilities = append(summary.Capabilities, string(capability))
	}
	return summary, nil
}

// DetectDrift starts drift detection for a stack.
func (c *CloudFormation) DetectDrift(ctx context.Context, stackName string) (string, error) {
	var out *cloudformation.DetectStackDriftOutput
	err := c.call.do(ctx, "DetectStackDrift", stackName, func(ctx context.Context) error {
		var err error
		out, err = c.api.DetectStackDrift(ctx, &cloudformation.DetectStackDriftInput{StackName: awssdk.String(stackName)})
		return err
	})
	if err != nil {
		return "", err
	}
	return awssdk.ToString(out.StackDriftDetectionId), nil
}

// DescribeDriftDetection returns the progress of a drift detection run.
func (c *CloudFormation) DescribeDriftDetection(ctx context.Context, detectionID string) (*engine.DriftDetection, error) {
	var out *cloudformation.DescribeStackDriftDetectionStatusOutput
	err := c.call.do(ctx, "DescribeStackDriftDetectionStatus", detectionID, func(ctx context.Context) error {
		var err error
		out, err = c.api.DescribeStackDriftDetectionStatus(ctx, &cloudformation.DescribeStackDriftDetectionStatusInput{
			StackDriftDetectionId: awssdk.String(detectionID),
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return &engine.DriftDetection{
		ID:          detectionID,
		StackName:   awssdk.ToString(out.StackId),
		Status:      engine.DriftDetectionStatus(out.DetectionStatus),
		DriftStatus: engine.StackDriftStatus(out.StackDriftStatus),
		Reason:      awssdk.ToString(out.DetectionStatusReason),
		Drifted:     int(awssdk.ToInt32(out.DriftedStackResourceCount)),
	}, nil
}

// DescribeResourceDrifts pages through the stack's modified and deleted resources.
func (c *CloudFormation) DescribeResourceDrifts(ctx context.Context, stackName string) ([]engine.ResourceDrift, error) {
	drifts := []engine.ResourceDrift{}
	p := cloudformation.NewDescribeStackResourceDriftsPaginator(c.api, &cloudformation.DescribeStackResourceDriftsInput{
		StackName: awssdk.String(stackName),
		StackResourceDriftStatusFilters: []cftypes.StackResourceDriftStatus{
			cftypes.StackResourceDriftStatusModified,
			cftypes.StackResourceDriftStatusDeleted,
		},
	})
	for p.HasMorePages() {
		var page *cloudformation.DescribeStackResourceDriftsOutput
		err := c.call.do(ctx, "DescribeStackResourceDrifts", stackName, func(ctx context.Context) error {
			var err error
			page, err = p.NextPage(ctx)
			return err
		})
		if err != nil {
			return nil, err
		}
		for _, d := range page.StackResourceDrifts {
			drifts = append(drifts, driftFromSDK(d))
		}
	}
	return drifts, nil
}

func driftFromSDK(d cftypes.StackResourceDrift) engine.ResourceDrift {
	out := engine.ResourceDrift{
		LogicalID:    awssdk.ToString(d.LogicalResourceId),
		PhysicalID:   awssdk.ToString(d.PhysicalResourceId),
		ResourceType: awssdk.ToString(d.ResourceType),
		Status:       string(d.StackResourceDriftStatus),
	}
	for _, pd := range d.PropertyDifferences {
		out.Differences = append(out.Differences, engine.PropertyDifference{
			Path:     awssdk.ToString(pd.PropertyPath),
			Expected: awssdk.ToString(pd.ExpectedValue),
			Actual:   awssdk.ToString(pd.ActualValue),
			Type:     string(pd.DifferenceType),
		})
	}
	return out
}

func snapshotFromStack(s cftypes.Stack) *engine.StackSnapshot {
	snap := &engine.StackSnapshot{
		Name:         awssdk.ToString(s.StackName),
		StackID:      awssdk.ToString(s.StackId),
		Status:       engine.StackStatus(s.StackStatus),
		StatusReason: awssdk.ToString(s.StackStatusReason),
		Outputs: tagMap(s.Outputs, func(o cftypes.Output) (string, string) {
			return awssdk.ToString(o.OutputKey), awssdk.ToString(o.OutputValue)
		}),
		Parameters: tagMap(s.Parameters, func(p cftypes.Parameter) (string, string) {
			return awssdk.ToString(p.ParameterKey), awssdk.ToString(p.ParameterValue)
		}),
		Tags: tagMap(s.Tags, func(t cftypes.Tag) (string, string) {
			return awssdk.ToString(t.Key), awssdk.ToString(t.Value)
		}),
	}
	switch {
	case s.LastUpdatedTime != nil:
		snap.LastUpdated = *s.LastUpdatedTime
	case s.CreationTime != nil:
		snap.LastUpdated = *s.CreationTime
	}
	return snap
}

func eventFromSDK(ev cftypes.StackEvent) engine.StackEvent {
	var ts time.Time
	if ev.Timestamp != nil {
		ts = *ev.Timestamp
	}
	return engine.StackEvent{
		ID:                 awssdk.ToString(ev.EventId),
		Timestamp:          ts,
		LogicalResourceID:  awssdk.ToString(ev.LogicalResourceId),
		PhysicalResourceID: awssdk.ToString(ev.PhysicalResourceId),
		ResourceType:       awssdk.ToString(ev.ResourceType),
		Status:             engine.StackStatus(ev.ResourceStatus),
		StatusReason:       awssdk.ToString(ev.ResourceStatusReason),
	}
}

func changeFromSDK(rc cftypes.ResourceChange) engine.ResourceChange {
	return engine.ResourceChange{
		LogicalID:    awssdk.ToString(rc.LogicalResourceId),
		PhysicalID:   awssdk.ToString(rc.PhysicalResourceId),
		ResourceType: awssdk.ToString(rc.ResourceType),
		Action:       string(rc.Action),
		Replacement:  string(rc.Replacement),
	}
}

func sdkParameters(params map[string]string) []cftypes.Parameter {
	keys := sortedKeys(params)
	out := make([]cftypes.Parameter, 0, len(keys))
	for _, k := range keys {
		out = append(out, cftypes.Parameter{
			ParameterKey:   awssdk.String(k),
			ParameterValue: awssdk.String(params[k]),
		})
	}
	return out
}

func sdkTags(tags map[string]string) []cftypes.Tag {
	keys := sortedKeys(tags)
	out := make([]cftypes.Tag, 0, len(keys))
	for _, k := range keys {
		out = append(out, cftypes.Tag{Key: awssdk.String(k), Value: awssdk.String(tags[k])})
	}
	return out
}

func sdkCapabilities(caps []string) []cftypes.Capability {
	out := make([]cftypes.Capability, 0, len(caps))
	for _, c := range caps {
		out = append(out, cftypes.Capability(c))
	}
	return out
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
