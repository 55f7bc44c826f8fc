package engine

import (
	"context"
	"io"
	"time"

	"github.com/openfroyo/stackpilot/pkg/naming"
)

// StackProvider is the remote infrastructure provider that owns stack state.
// Calls that fail return classified *EngineError values.
type StackProvider interface {
	// DescribeStack returns the current snapshot of a stack, or a not-found error.
	DescribeStack(ctx context.Context, stackName string) (*StackSnapshot, error)

	// ListStackResources returns the resources owned by a stack.
	ListStackResources(ctx context.Context, stackName string) ([]StackResource, error)

	// DescribeEvents returns the stack's event history, newest first.
	DescribeEvents(ctx context.Context, stackName string) ([]StackEvent, error)

	// CreateStack submits a stack creation and returns the stack id.
	CreateStack(ctx context.Context, req StackRequest) (string, error)

	// DeleteStack submits a stack deletion, retaining the named logical resources.
	DeleteStack(ctx context.Context, stackName string, retain []string) error

	// CreateChangeSet submits an update preview for an existing stack.
	CreateChangeSet(ctx context.Context, req StackRequest, changeSetName string) (*ChangePreview, error)

	// DescribeChangeSet returns the computed state of a preview.
	DescribeChangeSet(ctx context.Context, stackName, changeSetName string) (*ChangePreview, error)

	// ExecuteChangeSet applies a computed preview.
	ExecuteChangeSet(ctx context.Context, stackName, changeSetName string) error

	// DeleteChangeSet discards a preview.
	DeleteChangeSet(ctx context.Context, stackName, changeSetName string) error

	// ContinueRollback resumes a stuck rollback, skipping the named logical resources.
	ContinueRollback(ctx context.Context, stackName string, skip []string) error

	// ValidateTemplate checks a template body without touching any stack.
	// A template the provider rejects fails with a validation error.
	ValidateTemplate(ctx context.Context, body []byte) (*TemplateSummary, error)

	// DetectDrift starts a drift detection run and returns its id.
	DetectDrift(ctx context.Context, stackName string) (string, error)

	// DescribeDriftDetection returns the progress of a drift detection run.
	DescribeDriftDetection(ctx context.Context, detectionID string) (*DriftDetection, error)

	// DescribeResourceDrifts returns the resources last found modified or deleted.
	DescribeResourceDrifts(ctx context.Context, stackName string) ([]ResourceDrift, error)
}

// ObjectStore manages artifact buckets.
type ObjectStore interface {
	// ListBuckets returns the buckets whose names start with prefix.
	ListBuckets(ctx context.Context, prefix string) ([]BucketInfo, error)

	// CreateBucket creates a versioned bucket with tags. A name taken by
	// another owner fails with ErrCodeAlreadyExists; a name already owned
	// by the caller fails with ErrCodeOwnedByYou.
	CreateBucket(ctx context.Context, name string, tags map[string]string) error

	// TagBucket merges tags into a bucket's tag set.
	TagBucket(ctx context.Context, name string, tags map[string]string) error

	// BucketUsage sums object count and size over every object version.
	BucketUsage(ctx context.Context, name string) (BucketUsage, error)

	// PurgeBucket deletes every object version and delete marker.
	PurgeBucket(ctx context.Context, name string) (PurgeResult, error)

	// PutObject uploads an object.
	PutObject(ctx context.Context, bucket, key string, body io.Reader) (*ObjectLocation, error)
}

// NetworkCleaner removes network interfaces that block stack deletion.
type NetworkCleaner interface {
	// DetachAndDeleteInterface force-detaches an interface if attached, then deletes it.
	// A missing interface is not an error.
	DetachAndDeleteInterface(ctx context.Context, interfaceID string) error
}

// Locker serializes operations per identity key.
type Locker interface {
	// Lock blocks until the key is held or ctx is done. The returned context
	// is derived from ctx and is cancelled when the lock is released or lost;
	// work done under the lock must use it. context.Cause reports a loss.
	Lock(ctx context.Context, key string) (held context.Context, release func() error, err error)
}

// Clock abstracts time so polling and backoff are testable.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// Sleep waits for d or until ctx is done, returning ctx.Err() in the latter case.
	Sleep(ctx context.Context, d time.Duration) error
}

// AuditSink records out-of-band mutations made during recovery.
type AuditSink interface {
	RecordMutation(ctx context.Context, identity naming.Identity, m Mutation) error
}

// PolicyGate reviews changes before they are applied.
type PolicyGate interface {
	// ReviewChanges evaluates a computed change preview.
	ReviewChanges(ctx context.Context, identity naming.Identity, preview *ChangePreview) (*PolicyVerdict, error)

	// ReviewDelete evaluates a forced deletion of the stack.
	ReviewDelete(ctx context.Context, identity naming.Identity, snapshot *StackSnapshot) (*PolicyVerdict, error)
}
