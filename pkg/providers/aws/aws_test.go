package aws

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"testing"
	"time"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation"
	cftypes "github.com/aws/aws-sdk-go-v2/service/cloudformation/types"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/openfroyo/stackpilot/pkg/engine"
	"github.com/openfroyo/stackpilot/pkg/naming"
	"github.com/openfroyo/stackpilot/pkg/providers/sim"
)

func apiErr(code, msg string) error {
	return &smithy.GenericAPIError{Code: code, Message: msg}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		class engine.ErrorClass
		code  string
	}{
		{"throttling", apiErr("Throttling", "Rate exceeded"), engine.ErrorClassTransient, engine.ErrCodeRateLimited},
		{"access denied", apiErr("AccessDenied", "denied"), engine.ErrorClassPermission, engine.ErrCodePermissionDenied},
		{"stack missing", apiErr("ValidationError", "Stack with id x does not exist"), engine.ErrorClassNotFound, engine.ErrCodeNotFound},
		{"stack busy", apiErr("ValidationError", "Stack:x is in UPDATE_IN_PROGRESS state and can not be updated."), engine.ErrorClassConflict, engine.ErrCodeConflict},
		{"bad template", apiErr("ValidationError", "Template format error"), engine.ErrorClassValidation, engine.ErrCodeValidation},
		{"bucket taken", apiErr("BucketAlreadyExists", "taken"), engine.ErrorClassConflict, engine.ErrCodeAlreadyExists},
		{"bucket owned", apiErr("BucketAlreadyOwnedByYou", "yours"), engine.ErrorClassConflict, engine.ErrCodeOwnedByYou},
		{"server fault", &smithy.GenericAPIError{Code: "Weird", Fault: smithy.FaultServer}, engine.ErrorClassTransient, engine.ErrCodeProviderFailed},
		{"cancelled", fmt.Errorf("op: %w", context.Canceled), engine.ErrorClassCancelled, engine.ErrCodeCancelled},
		{"deadline", context.DeadlineExceeded, engine.ErrorClassTimeout, engine.ErrCodeTimeout},
		{"opaque", errors.New("boom"), engine.ErrorClassUnknown, engine.ErrCodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classify("op", "target", tt.err)
			if got := engine.ClassOf(err); got != tt.class {
				t.Errorf("class = %s, want %s", got, tt.class)
			}
			if got := engine.CodeOf(err); got != tt.code {
				t.Errorf("code = %s, want %s", got, tt.code)
			}
			if !errors.Is(err, tt.err) {
				t.Error("classified error does not wrap the original")
			}
		})
	}

	if classify("op", "target", nil) != nil {
		t.Error("nil error should stay nil")
	}
}

// fakeCloudFormation answers from an in-memory stack table. Methods that a
// test does not need panic through the nil embedded interface.
type fakeCloudFormation struct {
	CloudFormationAPI

	stacks      map[string]cftypes.Stack
	eventPages  [][]cftypes.StackEvent
	eventCalls  int
	deleted     []*cloudformation.DeleteStackInput
	continued   []*cloudformation.ContinueUpdateRollbackInput
	created     []*cloudformation.CreateStackInput
	changePages []*cloudformation.DescribeChangeSetOutput
}

func (f *fakeCloudFormation) DescribeStacks(_ context.Context, in *cloudformation.DescribeStacksInput, _ ...func(*cloudformation.Options)) (*cloudformation.DescribeStacksOutput, error) {
	s, ok := f.stacks[awssdk.ToString(in.StackName)]
	if !ok {
		return nil, apiErr("ValidationError", "Stack with id "+awssdk.ToString(in.StackName)+" does not exist")
	}
	return &cloudformation.DescribeStacksOutput{Stacks: []cftypes.Stack{s}}, nil
}

func (f *fakeCloudFormation) DescribeStackEvents(_ context.Context, in *cloudformation.DescribeStackEventsInput, _ ...func(*cloudformation.Options)) (*cloudformation.DescribeStackEventsOutput, error) {
	f.eventCalls++
	page := 0
	if in.NextToken != nil {
		page, _ = strconv.Atoi(*in.NextToken)
	}
	out := &cloudformation.DescribeStackEventsOutput{StackEvents: f.eventPages[page]}
	if page+1 < len(f.eventPages) {
		out.NextToken = awssdk.String(strconv.Itoa(page + 1))
	}
	return out, nil
}

func (f *fakeCloudFormation) CreateStack(_ context.Context, in *cloudformation.CreateStackInput, _ ...func(*cloudformation.Options)) (*cloudformation.CreateStackOutput, error) {
	f.created = append(f.created, in)
	return &cloudformation.CreateStackOutput{StackId: awssdk.String("arn:stack/" + awssdk.ToString(in.StackName))}, nil
}

func (f *fakeCloudFormation) DeleteStack(_ context.Context, in *cloudformation.DeleteStackInput, _ ...func(*cloudformation.Options)) (*cloudformation.DeleteStackOutput, error) {
	f.deleted = append(f.deleted, in)
	return &cloudformation.DeleteStackOutput{}, nil
}

func (f *fakeCloudFormation) ContinueUpdateRollback(_ context.Context, in *cloudformation.ContinueUpdateRollbackInput, _ ...func(*cloudformation.Options)) (*cloudformation.ContinueUpdateRollbackOutput, error) {
	f.continued = append(f.continued, in)
	return &cloudformation.ContinueUpdateRollbackOutput{}, nil
}

func (f *fakeCloudFormation) DescribeChangeSet(_ context.Context, in *cloudformation.DescribeChangeSetInput, _ ...func(*cloudformation.Options)) (*cloudformation.DescribeChangeSetOutput, error) {
	page := 0
	if in.NextToken != nil {
		page, _ = strconv.Atoi(*in.NextToken)
	}
	return f.changePages[page], nil
}

func TestDescribeStack(t *testing.T) {
	updated := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	fake := &fakeCloudFormation{stacks: map[string]cftypes.Stack{
		"fon-dev-stack": {
			StackName:       awssdk.String("fon-dev-stack"),
			StackId:         awssdk.String("arn:1"),
			StackStatus:     cftypes.StackStatusUpdateComplete,
			LastUpdatedTime: &updated,
			Outputs:         []cftypes.Output{{OutputKey: awssdk.String("Url"), OutputValue: awssdk.String("https://x")}},
			Tags:            []cftypes.Tag{{Key: awssdk.String(engine.TagContentHash), Value: awssdk.String("abc")}},
		},
		"fon-stg-stack": {
			StackName:   awssdk.String("fon-stg-stack"),
			StackStatus: cftypes.StackStatusDeleteComplete,
		},
	}}
	cf := NewCloudFormation(fake, Config{})

	snap, err := cf.DescribeStack(context.Background(), "fon-dev-stack")
	if err != nil {
		t.Fatalf("DescribeStack() error = %v", err)
	}
	if snap.Status != engine.StackStatusUpdateComplete || snap.Outputs["Url"] != "https://x" {
		t.Errorf("unexpected snapshot %+v", snap)
	}
	if snap.ContentHash() != "abc" {
		t.Errorf("ContentHash() = %q", snap.ContentHash())
	}
	if !snap.LastUpdated.Equal(updated) {
		t.Errorf("LastUpdated = %v", snap.LastUpdated)
	}

	for _, name := range []string{"fon-stg-stack", "fon-prd-stack"} {
		if _, err := cf.DescribeStack(context.Background(), name); !engine.IsNotFound(err) {
			t.Errorf("DescribeStack(%s) error = %v, want not found", name, err)
		}
	}
}

func TestDescribeEventsIsBounded(t *testing.T) {
	pages := make([][]cftypes.StackEvent, 4)
	for i := range pages {
		pages[i] = []cftypes.StackEvent{{
			EventId:           awssdk.String(strconv.Itoa(i)),
			LogicalResourceId: awssdk.String("Fn"),
			ResourceStatus:    cftypes.ResourceStatusCreateFailed,
		}}
	}
	fake := &fakeCloudFormation{eventPages: pages}
	cf := NewCloudFormation(fake, Config{EventPages: 2})

	events, err := cf.DescribeEvents(context.Background(), "fon-dev-stack")
	if err != nil {
		t.Fatalf("DescribeEvents() error = %v", err)
	}
	if len(events) != 2 || fake.eventCalls != 2 {
		t.Errorf("read %d events in %d calls, want 2 in 2", len(events), fake.eventCalls)
	}
	if events[0].ID != "0" || events[0].Status != engine.StackStatusCreateFailed {
		t.Errorf("unexpected first event %+v", events[0])
	}
}

func TestCreateStackSortsParameters(t *testing.T) {
	fake := &fakeCloudFormation{}
	cf := NewCloudFormation(fake, Config{})

	id, err := cf.CreateStack(context.Background(), engine.StackRequest{
		StackName:    "fon-dev-stack",
		TemplateBody: []byte("{}"),
		Parameters:   map[string]string{"B": "2", "A": "1"},
		Capabilities: []string{"CAPABILITY_IAM"},
	})
	if err != nil {
		t.Fatalf("CreateStack() error = %v", err)
	}
	if id != "arn:stack/fon-dev-stack" {
		t.Errorf("id = %q", id)
	}
	in := fake.created[0]
	if awssdk.ToString(in.Parameters[0].ParameterKey) != "A" || in.OnFailure != cftypes.OnFailureRollback {
		t.Errorf("unexpected input %+v", in)
	}
	if in.Capabilities[0] != cftypes.CapabilityCapabilityIam {
		t.Errorf("capabilities = %v", in.Capabilities)
	}
}

func TestContinueRollback(t *testing.T) {
	fake := &fakeCloudFormation{stacks: map[string]cftypes.Stack{
		"created": {StackName: awssdk.String("created"), StackStatus: cftypes.StackStatusRollbackFailed},
		"updated": {StackName: awssdk.String("updated"), StackStatus: cftypes.StackStatusUpdateRollbackFailed},
	}}
	cf := NewCloudFormation(fake, Config{})
	ctx := context.Background()

	if err := cf.ContinueRollback(ctx, "created", []string{"Bucket"}); err != nil {
		t.Fatalf("ContinueRollback(created) error = %v", err)
	}
	if len(fake.deleted) != 1 || fake.deleted[0].RetainResources[0] != "Bucket" {
		t.Errorf("failed creation should be deleted with retained resources, got %+v", fake.deleted)
	}

	if err := cf.ContinueRollback(ctx, "updated", []string{"Fn"}); err != nil {
		t.Fatalf("ContinueRollback(updated) error = %v", err)
	}
	if len(fake.continued) != 1 || fake.continued[0].ResourcesToSkip[0] != "Fn" {
		t.Errorf("failed update rollback should be continued, got %+v", fake.continued)
	}
}

func TestDescribeChangeSetPages(t *testing.T) {
	fake := &fakeCloudFormation{changePages: []*cloudformation.DescribeChangeSetOutput{
		{
			ChangeSetId: awssdk.String("cs-1"),
			Status:      cftypes.ChangeSetStatusCreateComplete,
			NextToken:   awssdk.String("1"),
			Changes: []cftypes.Change{{ResourceChange: &cftypes.ResourceChange{
				LogicalResourceId: awssdk.String("Table"),
				ResourceType:      awssdk.String("AWS::DynamoDB::Table"),
				Action:            cftypes.ChangeActionModify,
				Replacement:       cftypes.ReplacementTrue,
			}}},
		},
		{
			ChangeSetId: awssdk.String("cs-1"),
			Status:      cftypes.ChangeSetStatusCreateComplete,
			Changes: []cftypes.Change{{ResourceChange: &cftypes.ResourceChange{
				LogicalResourceId: awssdk.String("Topic"),
				Action:            cftypes.ChangeActionRemove,
			}}},
		},
	}}
	cf := NewCloudFormation(fake, Config{})

	preview, err := cf.DescribeChangeSet(context.Background(), "fon-dev-stack", "cs")
	if err != nil {
		t.Fatalf("DescribeChangeSet() error = %v", err)
	}
	if preview.Status != engine.ChangeSetCreateComplete || len(preview.Changes) != 2 {
		t.Fatalf("unexpected preview %+v", preview)
	}
	for _, c := range preview.Changes {
		if !c.IsDestructive() {
			t.Errorf("change %s should be destructive", c.LogicalID)
		}
	}
}

type fakeS3 struct {
	S3API

	createErr  error
	tags       map[string]string
	putTags    []s3types.Tag
	versioned  bool
	versions   []s3types.ObjectVersion
	markers    []s3types.DeleteMarkerEntry
	deleteSize []int
	body       string
}

func (f *fakeS3) CreateBucket(context.Context, *s3.CreateBucketInput, ...func(*s3.Options)) (*s3.CreateBucketOutput, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	return &s3.CreateBucketOutput{}, nil
}

func (f *fakeS3) PutBucketVersioning(_ context.Context, in *s3.PutBucketVersioningInput, _ ...func(*s3.Options)) (*s3.PutBucketVersioningOutput, error) {
	f.versioned = in.VersioningConfiguration.Status == s3types.BucketVersioningStatusEnabled
	return &s3.PutBucketVersioningOutput{}, nil
}

func (f *fakeS3) GetBucketTagging(context.Context, *s3.GetBucketTaggingInput, ...func(*s3.Options)) (*s3.GetBucketTaggingOutput, error) {
	if f.tags == nil {
		return nil, apiErr("NoSuchTagSet", "none")
	}
	out := &s3.GetBucketTaggingOutput{}
	for k, v := range f.tags {
		out.TagSet = append(out.TagSet, s3types.Tag{Key: awssdk.String(k), Value: awssdk.String(v)})
	}
	return out, nil
}

func (f *fakeS3) PutBucketTagging(_ context.Context, in *s3.PutBucketTaggingInput, _ ...func(*s3.Options)) (*s3.PutBucketTaggingOutput, error) {
	f.putTags = in.Tagging.TagSet
	return &s3.PutBucketTaggingOutput{}, nil
}

func (f *fakeS3) ListObjectVersions(context.Context, *s3.ListObjectVersionsInput, ...func(*s3.Options)) (*s3.ListObjectVersionsOutput, error) {
	return &s3.ListObjectVersionsOutput{Versions: f.versions, DeleteMarkers: f.markers}, nil
}

func (f *fakeS3) DeleteObjects(_ context.Context, in *s3.DeleteObjectsInput, _ ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error) {
	f.deleteSize = append(f.deleteSize, len(in.Delete.Objects))
	return &s3.DeleteObjectsOutput{}, nil
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if awssdk.ToInt64(in.ContentLength) != 3 {
		return nil, errors.New("content length not set")
	}
	f.body = awssdk.ToString(in.Key)
	return &s3.PutObjectOutput{VersionId: awssdk.String("v1")}, nil
}

func TestCreateBucket(t *testing.T) {
	fake := &fakeS3{}
	store := NewS3(fake, "eu-west-1", Config{})

	if err := store.CreateBucket(context.Background(), "fon-dev-artifacts-000-000", map[string]string{"Project": "fon"}); err != nil {
		t.Fatalf("CreateBucket() error = %v", err)
	}
	if !fake.versioned || len(fake.putTags) != 1 {
		t.Errorf("bucket should be versioned and tagged, got versioned=%v tags=%v", fake.versioned, fake.putTags)
	}

	fake.createErr = apiErr("BucketAlreadyOwnedByYou", "yours")
	err := store.CreateBucket(context.Background(), "fon-dev-artifacts-000-000", nil)
	if engine.CodeOf(err) != engine.ErrCodeOwnedByYou {
		t.Errorf("CreateBucket() code = %s, want %s", engine.CodeOf(err), engine.ErrCodeOwnedByYou)
	}
}

func TestTagBucketMerges(t *testing.T) {
	fake := &fakeS3{tags: map[string]string{"Project": "fon", "Index": "0"}}
	store := NewS3(fake, "us-east-1", Config{})

	if err := store.TagBucket(context.Background(), "b", map[string]string{engine.TagLifecycle: engine.LifecycleRetired}); err != nil {
		t.Fatalf("TagBucket() error = %v", err)
	}
	if len(fake.putTags) != 3 {
		t.Errorf("merged tag set = %v, want 3 tags", fake.putTags)
	}
}

func TestUsageAndPurge(t *testing.T) {
	fake := &fakeS3{}
	for i := 0; i < 1500; i++ {
		fake.versions = append(fake.versions, s3types.ObjectVersion{
			Key: awssdk.String(fmt.Sprintf("k%d", i)), VersionId: awssdk.String("v"), Size: awssdk.Int64(10),
		})
	}
	fake.markers = []s3types.DeleteMarkerEntry{{Key: awssdk.String("gone"), VersionId: awssdk.String("m")}}
	store := NewS3(fake, "us-east-1", Config{})

	usage, err := store.BucketUsage(context.Background(), "b")
	if err != nil {
		t.Fatalf("BucketUsage() error = %v", err)
	}
	if usage.Objects != 1500 || usage.Bytes != 15000 {
		t.Errorf("usage = %+v", usage)
	}

	res, err := store.PurgeBucket(context.Background(), "b")
	if err != nil {
		t.Fatalf("PurgeBucket() error = %v", err)
	}
	if res.Versions != 1500 || res.DeleteMarkers != 1 {
		t.Errorf("purge = %+v", res)
	}
	if len(fake.deleteSize) != 2 || fake.deleteSize[0] != maxDeleteBatch || fake.deleteSize[1] != 501 {
		t.Errorf("delete batches = %v", fake.deleteSize)
	}
}

func TestPutObject(t *testing.T) {
	fake := &fakeS3{}
	store := NewS3(fake, "us-east-1", Config{})

	loc, err := store.PutObject(context.Background(), "b", "pkg/app.zip", strings.NewReader("zip"))
	if err != nil {
		t.Fatalf("PutObject() error = %v", err)
	}
	if loc.VersionID != "v1" || fake.body != "pkg/app.zip" {
		t.Errorf("location = %+v", loc)
	}
}

type fakeEC2 struct {
	EC2API

	status   []ec2types.NetworkInterfaceStatus
	missing  bool
	detached int
	deleted  int
}

func (f *fakeEC2) DescribeNetworkInterfaces(context.Context, *ec2.DescribeNetworkInterfacesInput, ...func(*ec2.Options)) (*ec2.DescribeNetworkInterfacesOutput, error) {
	if f.missing {
		return nil, apiErr("InvalidNetworkInterfaceID.NotFound", "gone")
	}
	st := f.status[0]
	if len(f.status) > 1 {
		f.status = f.status[1:]
	}
	eni := ec2types.NetworkInterface{Status: st}
	if st != ec2types.NetworkInterfaceStatusAvailable {
		eni.Attachment = &ec2types.NetworkInterfaceAttachment{AttachmentId: awssdk.String("attach-1")}
	}
	return &ec2.DescribeNetworkInterfacesOutput{NetworkInterfaces: []ec2types.NetworkInterface{eni}}, nil
}

func (f *fakeEC2) DetachNetworkInterface(_ context.Context, in *ec2.DetachNetworkInterfaceInput, _ ...func(*ec2.Options)) (*ec2.DetachNetworkInterfaceOutput, error) {
	if !awssdk.ToBool(in.Force) {
		return nil, errors.New("detach must be forced")
	}
	f.detached++
	return &ec2.DetachNetworkInterfaceOutput{}, nil
}

func (f *fakeEC2) DeleteNetworkInterface(context.Context, *ec2.DeleteNetworkInterfaceInput, ...func(*ec2.Options)) (*ec2.DeleteNetworkInterfaceOutput, error) {
	f.deleted++
	return &ec2.DeleteNetworkInterfaceOutput{}, nil
}

func TestDetachAndDeleteInterface(t *testing.T) {
	clock := sim.NewClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	fake := &fakeEC2{status: []ec2types.NetworkInterfaceStatus{
		ec2types.NetworkInterfaceStatusInUse,
		ec2types.NetworkInterfaceStatusDetaching,
		ec2types.NetworkInterfaceStatusAvailable,
	}}
	network := NewEC2(fake, Config{}, WithClock(clock))

	if err := network.DetachAndDeleteInterface(context.Background(), "eni-1"); err != nil {
		t.Fatalf("DetachAndDeleteInterface() error = %v", err)
	}
	if fake.detached != 1 || fake.deleted != 1 {
		t.Errorf("detached=%d deleted=%d, want 1 and 1", fake.detached, fake.deleted)
	}
	if len(clock.Sleeps()) != 2 {
		t.Errorf("sleeps = %v, want 2", clock.Sleeps())
	}

	missing := &fakeEC2{missing: true}
	if err := NewEC2(missing, Config{}, WithClock(clock)).DetachAndDeleteInterface(context.Background(), "eni-2"); err != nil {
		t.Errorf("missing interface should not be an error, got %v", err)
	}
	if missing.deleted != 0 {
		t.Error("missing interface should not be deleted")
	}
}

type fakeValidate struct {
	CloudFormationAPI
	err error
}

func (f *fakeValidate) ValidateTemplate(_ context.Context, in *cloudformation.ValidateTemplateInput, _ ...func(*cloudformation.Options)) (*cloudformation.ValidateTemplateOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &cloudformation.ValidateTemplateOutput{
		Description:  awssdk.String("scorer"),
		Parameters:   []cftypes.TemplateParameter{{ParameterKey: awssdk.String("Stage")}},
		Capabilities: []cftypes.Capability{cftypes.CapabilityCapabilityIam},
	}, nil
}

func TestValidateTemplate(t *testing.T) {
	summary, err := NewCloudFormation(&fakeValidate{}, Config{}).ValidateTemplate(context.Background(), []byte("{}"))
	if err != nil {
		t.Fatalf("ValidateTemplate() error = %v", err)
	}
	if summary.Description != "scorer" || summary.Parameters[0] != "Stage" || summary.Capabilities[0] != "CAPABILITY_IAM" {
		t.Errorf("unexpected summary %+v", summary)
	}

	tests := []struct {
		name  string
		err   error
		class engine.ErrorClass
	}{
		{"format error", apiErr("ValidationError", "Template format error: YAML not well-formed"), engine.ErrorClassValidation},
		{"reads like missing stack", apiErr("ValidationError", "Template error: resource Fn does not exist"), engine.ErrorClassValidation},
		{"denied", apiErr("AccessDenied", "denied"), engine.ErrorClassPermission},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewCloudFormation(&fakeValidate{err: tt.err}, Config{}).ValidateTemplate(context.Background(), []byte("x"))
			if got := engine.ClassOf(err); got != tt.class {
				t.Errorf("class = %s, want %s", got, tt.class)
			}
		})
	}
}

type fakeDrift struct {
	CloudFormationAPI

	statusCalls int
	filters     []cftypes.StackResourceDriftStatus
	pages       []*cloudformation.DescribeStackResourceDriftsOutput
}

func (f *fakeDrift) DetectStackDrift(_ context.Context, in *cloudformation.DetectStackDriftInput, _ ...func(*cloudformation.Options)) (*cloudformation.DetectStackDriftOutput, error) {
	return &cloudformation.DetectStackDriftOutput{StackDriftDetectionId: awssdk.String("det-" + awssdk.ToString(in.StackName))}, nil
}

func (f *fakeDrift) DescribeStackDriftDetectionStatus(_ context.Context, in *cloudformation.DescribeStackDriftDetectionStatusInput, _ ...func(*cloudformation.Options)) (*cloudformation.DescribeStackDriftDetectionStatusOutput, error) {
	f.statusCalls++
	out := &cloudformation.DescribeStackDriftDetectionStatusOutput{
		StackDriftDetectionId: in.StackDriftDetectionId,
		StackId:               awssdk.String("arn:1"),
		DetectionStatus:       cftypes.StackDriftDetectionStatusDetectionInProgress,
	}
	if f.statusCalls > 1 {
		out.DetectionStatus = cftypes.StackDriftDetectionStatusDetectionComplete
		out.StackDriftStatus = cftypes.StackDriftStatusDrifted
		out.DriftedStackResourceCount = awssdk.Int32(2)
	}
	return out, nil
}

func (f *fakeDrift) DescribeStackResourceDrifts(_ context.Context, in *cloudformation.DescribeStackResourceDriftsInput, _ ...func(*cloudformation.Options)) (*cloudformation.DescribeStackResourceDriftsOutput, error) {
	f.filters = in.StackResourceDriftStatusFilters
	page := 0
	if in.NextToken != nil {
		page, _ = strconv.Atoi(*in.NextToken)
	}
	return f.pages[page], nil
}

func TestDetectDrift(t *testing.T) {
	clock := sim.NewClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	fake := &fakeDrift{pages: []*cloudformation.DescribeStackResourceDriftsOutput{
		{
			StackResourceDrifts: []cftypes.StackResourceDrift{{
				LogicalResourceId:        awssdk.String("Bucket"),
				ResourceType:             awssdk.String("AWS::S3::Bucket"),
				StackResourceDriftStatus: cftypes.StackResourceDriftStatusModified,
				PropertyDifferences: []cftypes.PropertyDifference{{
					PropertyPath:   awssdk.String("/VersioningConfiguration/Status"),
					ExpectedValue:  awssdk.String("Enabled"),
					ActualValue:    awssdk.String("Suspended"),
					DifferenceType: cftypes.DifferenceTypeNotEqual,
				}},
			}},
			NextToken: awssdk.String("1"),
		},
		{
			StackResourceDrifts: []cftypes.StackResourceDrift{{
				LogicalResourceId:        awssdk.String("Queue"),
				ResourceType:             awssdk.String("AWS::SQS::Queue"),
				StackResourceDriftStatus: cftypes.StackResourceDriftStatusDeleted,
			}},
		},
	}}
	reader := engine.NewReader(NewCloudFormation(fake, Config{}), engine.WithReaderClock(clock))

	report, err := reader.DetectDrift(context.Background(), naming.Identity{Name: "fon-dev-stack"}, engine.WaitOptions{
		Backoff: engine.Backoff{Initial: time.Second, Max: time.Second},
	})
	if err != nil {
		t.Fatalf("DetectDrift() error = %v", err)
	}
	if report.DriftStatus != engine.StackDrifted || report.DetectionID != "det-fon-dev-stack" {
		t.Errorf("unexpected report %+v", report)
	}
	if len(report.Resources) != 2 || report.Resources[1].Status != "DELETED" {
		t.Fatalf("resources = %+v", report.Resources)
	}
	diff := report.Resources[0].Differences[0]
	if diff.Actual != "Suspended" || diff.Type != "NOT_EQUAL" {
		t.Errorf("difference = %+v", diff)
	}
	if len(fake.filters) != 2 {
		t.Errorf("filters = %v, want MODIFIED and DELETED", fake.filters)
	}
	if fake.statusCalls != 2 || len(clock.Sleeps()) != 1 {
		t.Errorf("status calls = %d, sleeps = %v", fake.statusCalls, clock.Sleeps())
	}
}

func TestRateLimitHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	fake := &fakeCloudFormation{stacks: map[string]cftypes.Stack{}}
	cf := NewCloudFormation(fake, Config{RequestsPerSecond: 1, Burst: 1})

	_, err := cf.DescribeStack(ctx, "fon-dev-stack")
	if engine.ClassOf(err) != engine.ErrorClassCancelled {
		t.Errorf("error class = %s, want cancelled", engine.ClassOf(err))
	}
}
