package stores

import (
	"context"
	"time"

	"github.com/openfroyo/stackpilot/pkg/engine"
	"github.com/openfroyo/stackpilot/pkg/naming"
)

// DeploymentRecord is the indexed summary of a journaled deployment.
type DeploymentRecord struct {
	ID            string             `json:"id"`
	IdentityKey   string             `json:"identity_key"`
	Project       string             `json:"project"`
	Environment   string             `json:"environment"`
	StackName     string             `json:"stack_name"`
	State         engine.DeployState `json:"state"`
	Succeeded     bool               `json:"succeeded"`
	Reason        engine.AbortReason `json:"reason,omitempty"`
	Category      engine.Category    `json:"category,omitempty"`
	FinalStatus   engine.StackStatus `json:"final_status,omitempty"`
	ContentHash   string             `json:"content_hash,omitempty"`
	RecoveryCount int                `json:"recovery_count"`
	StartedAt     time.Time          `json:"started_at"`
	DurationMs    int64              `json:"duration_ms"`
}

// AuditEntry is one recorded out-of-band mutation.
type AuditEntry struct {
	ID          int64     `json:"id"`
	IdentityKey string    `json:"identity_key"`
	StackName   string    `json:"stack_name"`
	Kind        string    `json:"kind"`
	Target      string    `json:"target"`
	Detail      string    `json:"detail,omitempty"`
	Error       string    `json:"error,omitempty"`
	Actor       string    `json:"actor"`
	At          time.Time `json:"at"`
}

// Lease is a held cross-process lock.
type Lease struct {
	Key        string    `json:"key"`
	Owner      string    `json:"owner"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// DeploymentFilter narrows a history query. Zero fields match everything.
type DeploymentFilter struct {
	IdentityKey string
	FailedOnly  bool
	Limit       int
	Offset      int
}

// Store defines the interface for the persistence layer
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Deployment journal
	RecordDeployment(ctx context.Context, res *engine.DeploymentResult) error
	GetDeployment(ctx context.Context, id string) (*engine.DeploymentResult, error)
	LatestDeployment(ctx context.Context, identityKey string) (*engine.DeploymentResult, error)
	ListDeployments(ctx context.Context, filter DeploymentFilter) ([]*DeploymentRecord, error)
	PruneDeployments(ctx context.Context, keep int) (int64, error)

	// Audit of recovery mutations
	RecordMutation(ctx context.Context, identity naming.Identity, m engine.Mutation) error
	ListAudit(ctx context.Context, identityKey string, limit, offset int) ([]*AuditEntry, error)

	// Utility
	HealthCheck(ctx context.Context) error
}
