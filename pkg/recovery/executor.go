// Package recovery executes the recovery strategy a diagnosis recommends.
//
// An Executor runs at most one strategy per call and never falls back to a
// different strategy: a failing underlying call yields a failed outcome with
// the raw error attached. Every out-of-band mutation is logged and, when an
// audit sink is configured, recorded.
package recovery

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/openfroyo/stackpilot/pkg/engine"
	"github.com/openfroyo/stackpilot/pkg/naming"
	"github.com/openfroyo/stackpilot/pkg/telemetry"
)

// Mutation kinds.
const (
	MutationContinueRollback = "continue_rollback"
	MutationPurgeBucket      = "purge_bucket"
	MutationDeleteInterface  = "delete_network_interface"
	MutationDeleteStack      = "delete_stack"
)

// DefaultWaitTimeout bounds the wait for a recovery to settle.
const DefaultWaitTimeout = 60 * time.Minute

// Executor applies recovery strategies to a stack.
type Executor struct {
	provider    engine.StackProvider
	reader      *engine.Reader
	objects     engine.ObjectStore
	network     engine.NetworkCleaner
	audit       engine.AuditSink
	logger      zerolog.Logger
	metrics     *telemetry.Metrics
	tracer      *telemetry.Tracer
	pollBackoff engine.Backoff
	waitTimeout time.Duration
}

// Option configures an Executor.
type Option func(*Executor)

// WithObjectStore enables bucket purging.
func WithObjectStore(s engine.ObjectStore) Option {
	return func(e *Executor) { e.objects = s }
}

// WithNetworkCleaner enables network interface cleanup.
func WithNetworkCleaner(n engine.NetworkCleaner) Option {
	return func(e *Executor) { e.network = n }
}

// WithAuditSink records every mutation.
func WithAuditSink(a engine.AuditSink) Option {
	return func(e *Executor) { e.audit = a }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(e *Executor) { e.metrics = m }
}

// WithTracer sets the tracer.
func WithTracer(t *telemetry.Tracer) Option {
	return func(e *Executor) { e.tracer = t }
}

// WithPollBackoff sets the backoff used while waiting for the stack to settle.
func WithPollBackoff(b engine.Backoff) Option {
	return func(e *Executor) { e.pollBackoff = b }
}

// WithWaitTimeout bounds the wait after each mutation.
func WithWaitTimeout(d time.Duration) Option {
	return func(e *Executor) { e.waitTimeout = d }
}

// New creates an executor.
func New(provider engine.StackProvider, reader *engine.Reader, opts ...Option) *Executor {
	e := &Executor{
		provider:    provider,
		reader:      reader,
		logger:      zerolog.Nop(),
		pollBackoff: engine.DefaultPollBackoff,
		waitTimeout: DefaultWaitTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs the strategy recommended by diag.
func (e *Executor) Execute(ctx context.Context, id naming.Identity, diag engine.Diagnosis) *engine.RecoveryOutcome {
	action := diag.RecommendedAction
	var out *engine.RecoveryOutcome

	switch action.Strategy {
	case engine.StrategyContinueRollback:
		out = e.ContinueRollback(ctx, id, action.SkipResources)
	case engine.StrategyForceDeleteWithCleanup:
		out = e.ForceDelete(ctx, id, diag.CulpritResources)
	case engine.StrategyRetryWithBackoff:
		out = &engine.RecoveryOutcome{
			Strategy: action.Strategy,
			Status:   engine.OutcomeWait,
			Message:  fmt.Sprintf("%s: wait before resubmitting", diag.Category),
		}
		e.metrics.RecordRecovery(string(out.Strategy), string(out.Status))
	default:
		out = &engine.RecoveryOutcome{
			Strategy: engine.StrategyNone,
			Status:   engine.OutcomeNoAction,
			Message:  fmt.Sprintf("no automatic recovery for %s", diag.Category),
		}
		e.metrics.RecordRecovery(string(out.Strategy), string(out.Status))
	}
	return out
}

// ContinueRollback resumes a stuck rollback, skipping the named resources, and
// waits for the stack to settle.
func (e *Executor) ContinueRollback(ctx context.Context, id naming.Identity, skip []string) (out *engine.RecoveryOutcome) {
	ctx, span := e.tracer.StartSpan(ctx, "recovery.continue_rollback",
		attribute.String("stack", id.Name),
		attribute.StringSlice("skip", skip))
	defer span.End()

	out = &engine.RecoveryOutcome{Strategy: engine.StrategyContinueRollback}
	defer func() { e.finish(out) }()

	err := e.provider.ContinueRollback(ctx, id.Name, skip)
	e.recordMutation(ctx, id, out, MutationContinueRollback, id.Name, "skip="+strings.Join(skip, ","), err)
	if err != nil {
		return out.Failed(fmt.Errorf("continue rollback of %s: %w", id.Name, err))
	}

	snap, err := e.wait(ctx, id)
	if err != nil {
		return out.Failed(err)
	}
	out.FinalStatus = snap.Status
	if !snap.Status.IsRollbackComplete() && !snap.Status.IsGone() {
		return out.Failed(engine.NewDiagnosedFailure(engine.CategoryRollbackFailedIrrecoverable,
			fmt.Sprintf("rollback ended in %s: %s", snap.Status, snap.StatusReason)).WithResource(id.Name))
	}
	out.Status = engine.OutcomeApplied
	out.Message = fmt.Sprintf("rollback completed with %d resource(s) skipped", len(skip))
	return out
}

// ForceDelete removes objects that block deletion, then deletes the stack and
// waits. Targets are logical ids; an empty list cleans the resources that
// failed to delete, or every bucket and network interface when none did.
// Any cleanup failure ends the attempt.
func (e *Executor) ForceDelete(ctx context.Context, id naming.Identity, targets []string) (out *engine.RecoveryOutcome) {
	ctx, span := e.tracer.StartSpan(ctx, "recovery.force_delete", attribute.String("stack", id.Name))
	defer span.End()

	out = &engine.RecoveryOutcome{Strategy: engine.StrategyForceDeleteWithCleanup}
	defer func() { e.finish(out) }()

	snap, err := e.reader.FetchSnapshotWithResources(ctx, id)
	if engine.IsNotFound(err) {
		out.Status = engine.OutcomeApplied
		out.FinalStatus = engine.StackStatusAbsent
		out.Message = "stack does not exist"
		return out
	}
	if err != nil {
		return out.Failed(err)
	}
	if snap.Status.IsInProgress() {
		return out.Failed(engine.NewConflictError(fmt.Sprintf("stack is %s", snap.Status), nil).WithResource(id.Name))
	}

	for _, r := range cleanupTargets(snap.Resources, targets) {
		if err := e.cleanup(ctx, id, out, r); err != nil {
			return out.Failed(err)
		}
	}

	err = e.provider.DeleteStack(ctx, id.Name, nil)
	e.recordMutation(ctx, id, out, MutationDeleteStack, id.Name, "", err)
	if err != nil {
		return out.Failed(fmt.Errorf("delete stack %s: %w", id.Name, err))
	}

	final, err := e.wait(ctx, id)
	if err != nil {
		return out.Failed(err)
	}
	out.FinalStatus = final.Status
	if !final.Status.IsGone() {
		return out.Failed(engine.NewDiagnosedFailure(engine.CategoryDependencyViolationOnDelete,
			fmt.Sprintf("stack deletion ended in %s: %s", final.Status, final.StatusReason)).WithResource(id.Name))
	}
	out.Status = engine.OutcomeApplied
	out.FinalStatus = engine.StackStatusDeleteComplete
	out.Message = fmt.Sprintf("stack deleted after %d cleanup mutation(s)", len(out.Mutations)-1)
	return out
}

func (e *Executor) cleanup(ctx context.Context, id naming.Identity, out *engine.RecoveryOutcome, r engine.StackResource) error {
	if r.PhysicalID == "" {
		return nil
	}
	switch r.Type {
	case engine.ResourceTypeBucket:
		if e.objects == nil {
			return engine.NewValidationError("no object store configured for bucket cleanup", nil).WithResource(r.PhysicalID)
		}
		res, err := e.objects.PurgeBucket(ctx, r.PhysicalID)
		detail := fmt.Sprintf("versions=%d delete_markers=%d", res.Versions, res.DeleteMarkers)
		e.recordMutation(ctx, id, out, MutationPurgeBucket, r.PhysicalID, detail, err)
		if err != nil {
			return fmt.Errorf("purge bucket %s: %w", r.PhysicalID, err)
		}
	case engine.ResourceTypeNetworkInterface:
		if e.network == nil {
			return engine.NewValidationError("no network cleaner configured for interface cleanup", nil).WithResource(r.PhysicalID)
		}
		err := e.network.DetachAndDeleteInterface(ctx, r.PhysicalID)
		e.recordMutation(ctx, id, out, MutationDeleteInterface, r.PhysicalID, "", err)
		if err != nil {
			return fmt.Errorf("delete network interface %s: %w", r.PhysicalID, err)
		}
	}
	return nil
}

// cleanupTargets selects the bucket and network interface resources to clean.
func cleanupTargets(resources []engine.StackResource, targets []string) []engine.StackResource {
	cleanable := func(r engine.StackResource) bool {
		return r.Type == engine.ResourceTypeBucket || r.Type == engine.ResourceTypeNetworkInterface
	}

	pick := func(keep func(engine.StackResource) bool) []engine.StackResource {
		var out []engine.StackResource
		for _, r := range resources {
			if cleanable(r) && keep(r) {
				out = append(out, r)
			}
		}
		return out
	}

	if len(targets) > 0 {
		wanted := make(map[string]bool, len(targets))
		for _, t := range targets {
			wanted[t] = true
		}
		if out := pick(func(r engine.StackResource) bool { return wanted[r.LogicalID] }); len(out) > 0 {
			return out
		}
	}
	if out := pick(func(r engine.StackResource) bool { return r.Status == engine.StackStatusDeleteFailed }); len(out) > 0 {
		return out
	}
	return pick(func(engine.StackResource) bool { return true })
}

func (e *Executor) wait(ctx context.Context, id naming.Identity) (*engine.StackSnapshot, error) {
	opts := engine.WaitOptions{Backoff: e.pollBackoff}
	if e.waitTimeout > 0 {
		opts.Deadline = e.reader.Clock().Now().Add(e.waitTimeout)
	}
	return e.reader.WaitForTerminal(ctx, id, opts)
}

func (e *Executor) recordMutation(ctx context.Context, id naming.Identity, out *engine.RecoveryOutcome, kind, target, detail string, err error) {
	m := engine.Mutation{Kind: kind, Target: target, Detail: detail, At: e.reader.Clock().Now()}
	evt := e.logger.Warn()
	if err != nil {
		m.Error = err.Error()
		evt = e.logger.Error().Err(err)
	}
	evt.Str("stack", id.Name).
		Str("mutation", kind).
		Str("target", target).
		Str("detail", detail).
		Msg("Recovery mutation")

	out.Mutations = append(out.Mutations, m)
	if e.audit != nil {
		if aerr := e.audit.RecordMutation(ctx, id, m); aerr != nil {
			e.logger.Error().Err(aerr).Str("stack", id.Name).Msg("Failed to record recovery mutation")
		}
	}
}

func (e *Executor) finish(out *engine.RecoveryOutcome) {
	e.metrics.RecordRecovery(string(out.Strategy), string(out.Status))
	if out.Status == engine.OutcomeFailed {
		e.logger.Error().Err(out.Err).Str("strategy", string(out.Strategy)).Msg("Recovery failed")
		return
	}
	e.logger.Info().
		Str("strategy", string(out.Strategy)).
		Str("status", string(out.Status)).
		Str("final_status", string(out.FinalStatus)).
		Msg(out.Message)
}
