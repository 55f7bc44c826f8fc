// Package deployer drives a stack through create, update and recovery.
//
// A Deployer runs one explicit state machine per call:
//
//	idle -> submitting -> polling -> succeeded
//	                          |
//	                          +-> diagnosing -> recovering -> polling | submitting
//	any state -> aborted
//
// Calls for the same identity are serialized through an engine.Locker.
// Operational failures never surface as bare errors: Deploy returns a
// DeploymentResult carrying the attempt history, every transition taken and
// the exact manual next step.
package deployer

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openfroyo/stackpilot/pkg/buckets"
	"github.com/openfroyo/stackpilot/pkg/diagnose"
	"github.com/openfroyo/stackpilot/pkg/engine"
	"github.com/openfroyo/stackpilot/pkg/naming"
	"github.com/openfroyo/stackpilot/pkg/recovery"
	"github.com/openfroyo/stackpilot/pkg/telemetry"
)

// Config tunes deployment behavior.
type Config struct {
	// MaxRecoveryAttempts bounds the diagnose and recover cycles of one deployment.
	// Configuration files must set at least one; a zero Config field takes the default.
	MaxRecoveryAttempts int `yaml:"max_recovery_attempts" json:"max_recovery_attempts" validate:"gte=1,lte=10"`

	// AttemptTimeout is the wall-clock budget of each attempt.
	AttemptTimeout time.Duration `yaml:"attempt_timeout" json:"attempt_timeout" validate:"gte=0"`

	// ChangeSetTimeout bounds the wait for a change preview to be computed.
	ChangeSetTimeout time.Duration `yaml:"change_set_timeout" json:"change_set_timeout" validate:"gte=0"`

	// PollBackoff is the poll schedule while a stack is in progress.
	PollBackoff engine.Backoff `yaml:"poll_backoff" json:"poll_backoff"`

	// RetryBackoff is the delay schedule before resubmitting after a wait outcome.
	RetryBackoff engine.Backoff `yaml:"retry_backoff" json:"retry_backoff"`

	// Capabilities are passed with every create and update.
	Capabilities []string `yaml:"capabilities" json:"capabilities"`

	// Tags are added to the stack on every submission.
	Tags map[string]string `yaml:"tags" json:"tags"`
}

// DefaultConfig returns the default deployment configuration.
func DefaultConfig() Config {
	return Config{
		MaxRecoveryAttempts: 3,
		AttemptTimeout:      60 * time.Minute,
		ChangeSetTimeout:    5 * time.Minute,
		PollBackoff:         engine.DefaultPollBackoff,
		RetryBackoff:        engine.DefaultRetryBackoff,
		Capabilities:        []string{"CAPABILITY_IAM", "CAPABILITY_NAMED_IAM", "CAPABILITY_AUTO_EXPAND"},
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxRecoveryAttempts <= 0 {
		c.MaxRecoveryAttempts = def.MaxRecoveryAttempts
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = def.AttemptTimeout
	}
	if c.ChangeSetTimeout <= 0 {
		c.ChangeSetTimeout = def.ChangeSetTimeout
	}
	if c.PollBackoff.Initial <= 0 {
		c.PollBackoff = def.PollBackoff
	}
	if c.RetryBackoff.Initial <= 0 {
		c.RetryBackoff = def.RetryBackoff
	}
	if c.Capabilities == nil {
		c.Capabilities = def.Capabilities
	}
	return c
}

// Journal persists finished deployments.
type Journal interface {
	RecordDeployment(ctx context.Context, result *engine.DeploymentResult) error
}

// Deployer deploys stacks and recovers them from failures.
type Deployer struct {
	// provider owns the stacks
	provider engine.StackProvider

	// reader fetches snapshots and events and waits for terminal statuses
	reader *engine.Reader

	// diagnoser classifies failed operations
	diagnoser *diagnose.Diagnoser

	// executor runs recovery strategies
	executor *recovery.Executor

	// buckets allocates artifact buckets; nil without an object store
	buckets *buckets.Manager

	objects engine.ObjectStore
	network engine.NetworkCleaner
	audit   engine.AuditSink
	locker  engine.Locker
	policy  engine.PolicyGate
	journal Journal
	clock   engine.Clock

	logger  zerolog.Logger
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer
	events  *telemetry.EventPublisher

	cfg Config
}

// Option configures a Deployer.
type Option func(*Deployer)

// WithConfig sets the deployment configuration. Zero fields keep their defaults.
func WithConfig(cfg Config) Option {
	return func(d *Deployer) { d.cfg = cfg }
}

// WithObjectStore enables artifact buckets and bucket purging during recovery.
func WithObjectStore(s engine.ObjectStore) Option {
	return func(d *Deployer) { d.objects = s }
}

// WithNetworkCleaner enables network interface cleanup during recovery.
func WithNetworkCleaner(n engine.NetworkCleaner) Option {
	return func(d *Deployer) { d.network = n }
}

// WithAuditSink records every out-of-band recovery mutation.
func WithAuditSink(a engine.AuditSink) Option {
	return func(d *Deployer) { d.audit = a }
}

// WithLocker replaces the in-process locker, e.g. with a cross-process lease locker.
func WithLocker(l engine.Locker) Option {
	return func(d *Deployer) { d.locker = l }
}

// WithPolicy gates change previews and forced deletes.
func WithPolicy(p engine.PolicyGate) Option {
	return func(d *Deployer) { d.policy = p }
}

// WithJournal records every finished deployment.
func WithJournal(j Journal) Option {
	return func(d *Deployer) { d.journal = j }
}

// WithBuckets sets the artifact bucket manager.
func WithBuckets(m *buckets.Manager) Option {
	return func(d *Deployer) { d.buckets = m }
}

// WithDiagnoser replaces the default diagnoser.
func WithDiagnoser(diag *diagnose.Diagnoser) Option {
	return func(d *Deployer) { d.diagnoser = diag }
}

// WithClock sets the clock used for every wait.
func WithClock(c engine.Clock) Option {
	return func(d *Deployer) { d.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(d *Deployer) { d.logger = l }
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(d *Deployer) { d.metrics = m }
}

// WithTracer sets the tracer.
func WithTracer(t *telemetry.Tracer) Option {
	return func(d *Deployer) { d.tracer = t }
}

// WithEvents publishes lifecycle events.
func WithEvents(ep *telemetry.EventPublisher) Option {
	return func(d *Deployer) { d.events = ep }
}

// New creates a deployer for provider.
func New(provider engine.StackProvider, opts ...Option) *Deployer {
	d := &Deployer{
		provider: provider,
		clock:    engine.SystemClock{},
		logger:   zerolog.Nop(),
		cfg:      DefaultConfig(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.cfg = d.cfg.withDefaults()

	if d.locker == nil {
		d.locker = NewKeyedLocker()
	}
	if d.diagnoser == nil {
		d.diagnoser = diagnose.New()
	}
	d.reader = engine.NewReader(provider,
		engine.WithReaderClock(d.clock),
		engine.WithReaderLogger(d.logger.With().Str("component", "reader").Logger()))

	recoveryOpts := []recovery.Option{
		recovery.WithLogger(d.logger.With().Str("component", "recovery").Logger()),
		recovery.WithMetrics(d.metrics),
		recovery.WithTracer(d.tracer),
		recovery.WithPollBackoff(d.cfg.PollBackoff),
		recovery.WithWaitTimeout(d.cfg.AttemptTimeout),
	}
	if d.objects != nil {
		recoveryOpts = append(recoveryOpts, recovery.WithObjectStore(d.objects))
	}
	if d.network != nil {
		recoveryOpts = append(recoveryOpts, recovery.WithNetworkCleaner(d.network))
	}
	if d.audit != nil {
		recoveryOpts = append(recoveryOpts, recovery.WithAuditSink(d.audit))
	}
	d.executor = recovery.New(provider, d.reader, recoveryOpts...)

	if d.buckets == nil && d.objects != nil {
		d.buckets = buckets.New(d.objects,
			buckets.WithLogger(d.logger.With().Str("component", "buckets").Logger()),
			buckets.WithMetrics(d.metrics),
			buckets.WithEvents(d.events))
	}
	return d
}

// Config returns the effective configuration.
func (d *Deployer) Config() Config {
	return d.cfg
}

// Reader returns the stack state reader.
func (d *Deployer) Reader() *engine.Reader {
	return d.reader
}

// Deploy brings the identity's stack to the given template and parameters.
// The returned error is non-nil only for invalid input; every operational
// outcome is reported in the result.
func (d *Deployer) Deploy(ctx context.Context, id naming.Identity, template []byte, params map[string]string) (*engine.DeploymentResult, error) {
	if id.Name == "" {
		return nil, engine.NewValidationError("identity has no stack name", nil)
	}
	if len(template) == 0 {
		return nil, engine.NewValidationError("template is empty", nil).WithResource(id.Name)
	}

	hash := ContentHash(template, params)
	r := &run{
		d:     d,
		id:    id,
		hash:  hash,
		state: engine.DeployStateIdle,
		req: engine.StackRequest{
			StackName:    id.Name,
			TemplateBody: template,
			Parameters:   params,
			Tags:         d.stackTags(id, hash),
			Capabilities: d.cfg.Capabilities,
		},
		result: &engine.DeploymentResult{
			ID:          uuid.New().String(),
			Identity:    id,
			State:       engine.DeployStateIdle,
			ContentHash: hash,
			StartedAt:   d.clock.Now(),
			Attempts:    []engine.Attempt{},
			Transitions: []engine.Transition{},
		},
	}
	r.logger = d.logger.With().
		Str("stack", id.Name).
		Str("environment", id.Environment).
		Str("deployment_id", r.result.ID).
		Logger()

	ctx, span := d.tracer.StartDeploySpan(ctx, id, r.result.ID)
	defer span.End()

	d.metrics.DeploymentStarted()
	d.publish(r, telemetry.EventTypeDeployStarted, telemetry.EventLevelInfo, "Deployment started", nil)
	r.logger.Info().Str("content_hash", hash).Msg("Deployment started")

	held, release, err := d.locker.Lock(ctx, id.Key())
	if err != nil {
		if ctx.Err() != nil {
			r.to(r.abort(engine.ReasonCancelled, engine.CategoryCancelled, err), "cancelled while waiting for lock")
		} else {
			r.to(r.abort(engine.ReasonProviderError, engine.CategoryUnknown, err), "lock failed")
		}
	} else {
		defer func() {
			if rerr := release(); rerr != nil {
				r.logger.Warn().Err(rerr).Msg("Failed to release deployment lock")
			}
		}()
		r.execute(held)
		if cause := context.Cause(held); ctx.Err() == nil && cause != nil && r.result.Reason == engine.ReasonCancelled {
			r.logger.Error().Err(cause).Msg("Deployment lock lost")
			r.result.NextStep = fmt.Sprintf("The deployment lock for %s was lost (%v); check for another deployment of this stack, then deploy again.", id.Key(), cause)
		}
	}

	d.finish(ctx, r)
	if r.result.Succeeded {
		telemetry.RecordSuccess(span)
	} else {
		telemetry.RecordError(span, fmt.Errorf("deployment aborted: %s", r.result.Reason))
	}
	return r.result, nil
}

// Diagnose classifies the most recent operation of the identity's stack
// without changing anything.
func (d *Deployer) Diagnose(ctx context.Context, id naming.Identity) (*engine.Diagnosis, error) {
	ctx, span := d.tracer.StartSpan(ctx, "deployer.diagnose", telemetry.AttrStack.String(id.Name))
	defer span.End()

	snap, err := d.reader.FetchSnapshot(ctx, id)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	events, err := d.reader.FetchEvents(ctx, id)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	diag := d.diagnoser.Diagnose(id.Name, events, snap.Status)
	d.metrics.RecordDiagnosis(string(diag.Category))
	return &diag, nil
}

// ValidateTemplate asks the provider to check a template without deploying it.
func (d *Deployer) ValidateTemplate(ctx context.Context, template []byte) (*engine.TemplateSummary, error) {
	ctx, span := d.tracer.StartSpan(ctx, "deployer.validate_template")
	defer span.End()

	summary, err := d.provider.ValidateTemplate(ctx, template)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	return summary, nil
}

// DetectDrift compares the identity's live resources with its last applied
// template. Detection does not change the stack, so no lock is taken.
func (d *Deployer) DetectDrift(ctx context.Context, id naming.Identity) (*engine.DriftReport, error) {
	ctx, span := d.tracer.StartSpan(ctx, "deployer.detect_drift", telemetry.AttrStack.String(id.Name))
	defer span.End()

	opts := engine.WaitOptions{Backoff: d.cfg.PollBackoff}
	if d.cfg.AttemptTimeout > 0 {
		opts.Deadline = d.clock.Now().Add(d.cfg.AttemptTimeout)
	}
	report, err := d.reader.DetectDrift(ctx, id, opts)
	if err != nil {
		telemetry.RecordError(span, err)
		return report, err
	}
	d.metrics.RecordDrift(string(report.DriftStatus))
	if report.DriftStatus == engine.StackDrifted {
		d.logger.Warn().Str("stack", id.Name).Int("drifted", len(report.Resources)).Msg("Stack has drifted from its template")
	}
	return report, nil
}

// ForceDelete removes the identity's stack, cleaning up whatever blocks the
// deletion. It holds the identity's lock and requires policy approval.
func (d *Deployer) ForceDelete(ctx context.Context, id naming.Identity) (*engine.RecoveryOutcome, error) {
	ctx, span := d.tracer.StartSpan(ctx, "deployer.force_delete", telemetry.AttrStack.String(id.Name))
	defer span.End()

	ctx, release, err := d.locker.Lock(ctx, id.Key())
	if err != nil {
		return nil, err
	}
	defer func() {
		if rerr := release(); rerr != nil {
			d.logger.Warn().Err(rerr).Str("stack", id.Name).Msg("Failed to release deployment lock")
		}
	}()

	snap, err := d.reader.FetchSnapshot(ctx, id)
	if err != nil && !engine.IsNotFound(err) {
		return nil, err
	}
	if err := d.reviewDelete(ctx, id, snap); err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}

	d.logger.Warn().Str("stack", id.Name).Msg("Force deleting stack")
	out := d.executor.ForceDelete(ctx, id, nil)
	if out.Status == engine.OutcomeFailed {
		telemetry.RecordError(span, out.Err)
	}
	return out, nil
}

// CurrentArtifactBucket returns the bucket new artifacts for the identity go to.
func (d *Deployer) CurrentArtifactBucket(ctx context.Context, id naming.Identity) (*engine.ArtifactBucket, error) {
	if d.buckets == nil {
		return nil, engine.NewValidationError("no object store configured", nil).WithResource(id.Key())
	}
	return d.buckets.GetCurrentBucket(ctx, id)
}

// Buckets returns the artifact bucket manager, or nil without an object store.
func (d *Deployer) Buckets() *buckets.Manager {
	return d.buckets
}

// reviewDelete asks the policy gate whether the stack may be force deleted.
// Evaluation errors deny.
func (d *Deployer) reviewDelete(ctx context.Context, id naming.Identity, snap *engine.StackSnapshot) error {
	if d.policy == nil {
		return nil
	}
	verdict, err := d.policy.ReviewDelete(ctx, id, snap)
	if err != nil {
		return engine.NewDiagnosedFailure(engine.CategoryPolicyDenied,
			fmt.Sprintf("delete policy could not be evaluated: %v", err)).WithResource(id.Name)
	}
	for _, w := range verdict.Warnings {
		d.logger.Warn().Str("stack", id.Name).Str("warning", w).Msg("Delete policy warning")
	}
	if verdict.Allowed {
		return nil
	}
	d.publishViolation(id, "", verdict.Violations)
	return engine.NewDiagnosedFailure(engine.CategoryPolicyDenied,
		fmt.Sprintf("forced delete denied: %v", verdict.Violations)).WithResource(id.Name)
}

func (d *Deployer) stackTags(id naming.Identity, hash string) map[string]string {
	tags := make(map[string]string, len(d.cfg.Tags)+4)
	for k, v := range d.cfg.Tags {
		tags[k] = v
	}
	tags[buckets.TagProject] = id.Project
	tags[buckets.TagEnvironment] = id.Environment
	tags[buckets.TagManagedBy] = "stackpilot"
	tags[engine.TagContentHash] = hash
	return tags
}

// finish stamps the result, records metrics and persists it.
func (d *Deployer) finish(ctx context.Context, r *run) {
	res := r.result
	res.State = r.state
	res.Succeeded = r.state == engine.DeployStateSucceeded
	elapsed := d.clock.Now().Sub(res.StartedAt)
	res.DurationMs = elapsed.Milliseconds()

	d.metrics.DeploymentFinished(string(res.State), string(res.Reason), elapsed)

	if res.Succeeded {
		r.logger.Info().
			Str("final_status", string(res.FinalStatus)).
			Int("attempts", len(res.Attempts)).
			Int("recoveries", res.RecoveryCount).
			Msg("Deployment succeeded")
		d.publish(r, telemetry.EventTypeDeploySucceeded, telemetry.EventLevelInfo, "Deployment succeeded", nil)
	} else {
		r.logger.Error().
			Str("reason", string(res.Reason)).
			Str("category", string(res.Category)).
			Str("final_status", string(res.FinalStatus)).
			Str("next_step", res.NextStep).
			Msg("Deployment aborted")
		d.publish(r, telemetry.EventTypeDeployAborted, telemetry.EventLevelError, string(res.Reason),
			map[string]interface{}{"category": string(res.Category), "next_step": res.NextStep})
	}

	if d.journal != nil {
		// The caller's context may already be cancelled; the record must still land.
		jctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := d.journal.RecordDeployment(jctx, res); err != nil {
			r.logger.Error().Err(err).Msg("Failed to record deployment")
		}
	}
}

func (d *Deployer) publish(r *run, typ, level, msg string, data map[string]interface{}) {
	err := d.events.Publish(telemetry.Event{
		Type:         typ,
		Source:       "deployer",
		Stack:        r.id.Name,
		Environment:  r.id.Environment,
		DeploymentID: r.result.ID,
		Level:        level,
		Message:      msg,
		Data:         data,
	})
	if err != nil {
		r.logger.Debug().Err(err).Str("event", typ).Msg("Event not published")
	}
}

func (d *Deployer) publishViolation(id naming.Identity, deploymentID string, violations []string) {
	_ = d.events.Publish(telemetry.Event{
		Type:         telemetry.EventTypePolicyViolation,
		Source:       "deployer",
		Stack:        id.Name,
		Environment:  id.Environment,
		DeploymentID: deploymentID,
		Level:        telemetry.EventLevelWarning,
		Message:      "Policy denied change",
		Data:         map[string]interface{}{"violations": violations},
	})
}
