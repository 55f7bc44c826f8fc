// Package buckets rotates the artifact buckets that hold deployment packages.
//
// A bucket's name is a deterministic function of the identity and an index,
// so the current bucket is the highest index found by listing. There is no
// persisted pointer and no lock: concurrent rotators race on CreateBucket and
// the loser adopts the winner's bucket.
package buckets

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/openfroyo/stackpilot/pkg/engine"
	"github.com/openfroyo/stackpilot/pkg/naming"
	"github.com/openfroyo/stackpilot/pkg/telemetry"
)

// Tag keys set on artifact buckets.
const (
	TagProject     = "Project"
	TagEnvironment = "Environment"
	TagPurpose     = "Purpose"
	TagManagedBy   = "ManagedBy"
	TagIndex       = "stackpilot:bucket-index"

	purposeArtifacts = "deployment-artifacts"
	managedBy        = "stackpilot"
)

// DefaultMaxCollisions bounds how many taken names are skipped per rotation.
const DefaultMaxCollisions = 10

// Thresholds trigger a rotation when either limit is reached.
type Thresholds struct {
	MaxObjects   int64 `yaml:"max_objects" json:"max_objects" validate:"gte=0"`
	MaxSizeBytes int64 `yaml:"max_size_bytes" json:"max_size_bytes" validate:"gte=0"`
}

// DefaultThresholds keep buckets well below listing and lifecycle limits.
var DefaultThresholds = Thresholds{
	MaxObjects:   5000,
	MaxSizeBytes: 5 << 30,
}

// Exceeded reports whether usage has reached a limit. A zero limit is disabled.
func (t Thresholds) Exceeded(u engine.BucketUsage) bool {
	return (t.MaxObjects > 0 && u.Objects >= t.MaxObjects) ||
		(t.MaxSizeBytes > 0 && u.Bytes >= t.MaxSizeBytes)
}

// Manager allocates and rotates artifact buckets.
type Manager struct {
	store         engine.ObjectStore
	thresholds    Thresholds
	maxCollisions int
	logger        zerolog.Logger
	metrics       *telemetry.Metrics
	events        *telemetry.EventPublisher
}

// Option configures a Manager.
type Option func(*Manager)

// WithThresholds sets the rotation thresholds.
func WithThresholds(t Thresholds) Option {
	return func(m *Manager) { m.thresholds = t }
}

// WithMaxCollisions bounds the names skipped because another owner holds them.
func WithMaxCollisions(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.maxCollisions = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithMetrics sets the metrics collector.
func WithMetrics(metrics *telemetry.Metrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// WithEvents publishes a rotation event for every new bucket.
func WithEvents(ep *telemetry.EventPublisher) Option {
	return func(m *Manager) { m.events = ep }
}

// New creates a bucket manager.
func New(store engine.ObjectStore, opts ...Option) *Manager {
	m := &Manager{
		store:         store,
		thresholds:    DefaultThresholds,
		maxCollisions: DefaultMaxCollisions,
		logger:        zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// List returns the identity's buckets ordered by index. Every bucket below the
// highest index is retired. Usage is not populated.
func (m *Manager) List(ctx context.Context, id naming.Identity) ([]engine.ArtifactBucket, error) {
	infos, err := m.store.ListBuckets(ctx, id.BucketPrefix())
	if err != nil {
		return nil, fmt.Errorf("list buckets for %s: %w", id.Key(), err)
	}

	var out []engine.ArtifactBucket
	for _, info := range infos {
		index, ok := id.ParseBucketIndex(info.Name)
		if !ok {
			continue
		}
		out = append(out, engine.ArtifactBucket{
			Name:      info.Name,
			Index:     index,
			CreatedAt: info.CreatedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	for i := range out {
		out[i].Retired = i < len(out)-1
	}
	return out, nil
}

// GetCurrentBucket returns the highest-index bucket with its usage, creating
// index 0 when the identity has none.
func (m *Manager) GetCurrentBucket(ctx context.Context, id naming.Identity) (*engine.ArtifactBucket, error) {
	all, err := m.List(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(all) == 0 {
		return m.create(ctx, id, 0)
	}
	current := all[len(all)-1]
	if err := m.fillUsage(ctx, &current); err != nil {
		return nil, err
	}
	return &current, nil
}

// RotateIfNeeded returns the bucket new artifacts should go to. When a higher
// bucket than current already exists it is returned unchanged; otherwise a new
// bucket is created once current crosses a threshold. The second result
// reports whether this call created a bucket.
func (m *Manager) RotateIfNeeded(ctx context.Context, id naming.Identity, current engine.ArtifactBucket) (*engine.ArtifactBucket, bool, error) {
	all, err := m.List(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if n := len(all); n > 0 && all[n-1].Index > current.Index {
		latest := all[n-1]
		m.logger.Debug().
			Str("bucket", latest.Name).
			Int("stale_index", current.Index).
			Msg("Newer artifact bucket already exists")
		if err := m.fillUsage(ctx, &latest); err != nil {
			return nil, false, err
		}
		return &latest, false, nil
	}

	if err := m.fillUsage(ctx, &current); err != nil {
		return nil, false, err
	}
	if !m.thresholds.Exceeded(engine.BucketUsage{Objects: current.ApproxObjectCount, Bytes: current.ApproxSizeBytes}) {
		return &current, false, nil
	}

	m.logger.Info().
		Str("bucket", current.Name).
		Int64("objects", current.ApproxObjectCount).
		Int64("bytes", current.ApproxSizeBytes).
		Msg("Artifact bucket crossed rotation threshold")
	return m.rotateFrom(ctx, id, current)
}

// Rotate creates the next bucket regardless of usage.
func (m *Manager) Rotate(ctx context.Context, id naming.Identity) (*engine.ArtifactBucket, error) {
	current, err := m.GetCurrentBucket(ctx, id)
	if err != nil {
		return nil, err
	}
	next, _, err := m.rotateFrom(ctx, id, *current)
	return next, err
}

// Publish uploads a deployment package to the current bucket, rotating first
// when needed.
func (m *Manager) Publish(ctx context.Context, id naming.Identity, key string, body io.Reader) (*engine.ObjectLocation, error) {
	current, err := m.GetCurrentBucket(ctx, id)
	if err != nil {
		return nil, err
	}
	target, _, err := m.RotateIfNeeded(ctx, id, *current)
	if err != nil {
		return nil, err
	}
	loc, err := m.store.PutObject(ctx, target.Name, key, body)
	if err != nil {
		return nil, fmt.Errorf("upload %s to %s: %w", key, target.Name, err)
	}
	m.logger.Info().Str("bucket", loc.Bucket).Str("key", loc.Key).Str("version", loc.VersionID).Msg("Published artifact")
	return loc, nil
}

func (m *Manager) rotateFrom(ctx context.Context, id naming.Identity, current engine.ArtifactBucket) (*engine.ArtifactBucket, bool, error) {
	next, err := m.create(ctx, id, current.Index+1)
	if err != nil {
		return nil, false, err
	}
	m.retire(ctx, current)
	return next, true, nil
}

// create claims the first free name at or after index.
func (m *Manager) create(ctx context.Context, id naming.Identity, index int) (*engine.ArtifactBucket, error) {
	for attempt := 0; attempt < m.maxCollisions; attempt++ {
		name, err := id.BucketName(index + attempt)
		if err != nil {
			return nil, engine.NewValidationError("no bucket index left", err).WithResource(id.Key())
		}

		err = m.store.CreateBucket(ctx, name, m.tags(id, index+attempt))
		switch {
		case err == nil:
			m.logger.Info().Str("bucket", name).Int("index", index+attempt).Msg("Created artifact bucket")
			m.metrics.RecordBucketRotation(id.Environment)
			_ = m.events.Publish(telemetry.Event{
				Type:        telemetry.EventTypeBucketRotated,
				Source:      "buckets",
				Stack:       id.Name,
				Environment: id.Environment,
				Message:     fmt.Sprintf("Artifact bucket %s created", name),
				Data:        map[string]interface{}{"bucket": name, "index": index + attempt},
			})
		case engine.CodeOf(err) == engine.ErrCodeOwnedByYou:
			m.logger.Info().Str("bucket", name).Msg("Artifact bucket already owned, adopting it")
		case engine.IsAlreadyExists(err):
			m.logger.Warn().Str("bucket", name).Msg("Bucket name taken by another owner, trying next index")
			continue
		default:
			return nil, fmt.Errorf("create bucket %s: %w", name, err)
		}

		bucket := &engine.ArtifactBucket{Name: name, Index: index + attempt}
		if err := m.fillUsage(ctx, bucket); err != nil {
			return nil, err
		}
		return bucket, nil
	}
	return nil, engine.NewConflictError(
		fmt.Sprintf("%d consecutive bucket names from index %d are taken", m.maxCollisions, index), nil).
		WithResource(id.BucketPrefix())
}

// retire tags a superseded bucket. Tagging failures are logged only; a bucket
// below the highest index is retired regardless of its tags.
func (m *Manager) retire(ctx context.Context, b engine.ArtifactBucket) {
	err := m.store.TagBucket(ctx, b.Name, map[string]string{engine.TagLifecycle: engine.LifecycleRetired})
	if err != nil {
		m.logger.Warn().Err(err).Str("bucket", b.Name).Msg("Failed to tag retired artifact bucket")
		return
	}
	m.logger.Info().Str("bucket", b.Name).Msg("Retired artifact bucket")
}

func (m *Manager) fillUsage(ctx context.Context, b *engine.ArtifactBucket) error {
	usage, err := m.store.BucketUsage(ctx, b.Name)
	if err != nil {
		return fmt.Errorf("usage of bucket %s: %w", b.Name, err)
	}
	b.ApproxObjectCount = usage.Objects
	b.ApproxSizeBytes = usage.Bytes
	return nil
}

func (m *Manager) tags(id naming.Identity, index int) map[string]string {
	return map[string]string{
		TagProject:     id.Project,
		TagEnvironment: id.Environment,
		TagPurpose:     purposeArtifacts,
		TagManagedBy:   managedBy,
		TagIndex:       strconv.Itoa(index),
	}
}
