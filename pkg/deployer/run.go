package deployer

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/openfroyo/stackpilot/pkg/diagnose"
	"github.com/openfroyo/stackpilot/pkg/engine"
	"github.com/openfroyo/stackpilot/pkg/naming"
	"github.com/openfroyo/stackpilot/pkg/telemetry"
)

// maxChangeSetReadErrors bounds consecutive transient errors while waiting for a change set.
const maxChangeSetReadErrors = 3

// run is the state of one Deploy call.
type run struct {
	d      *Deployer
	id     naming.Identity
	hash   string
	req    engine.StackRequest
	result *engine.DeploymentResult
	logger zerolog.Logger

	// state is the current state machine state
	state engine.DeployState

	// op is the operation the next submission performs
	op engine.Operation

	// snap is the last snapshot observed
	snap *engine.StackSnapshot

	// diag is the diagnosis the recovering state acts on
	diag *engine.Diagnosis

	// resubmit is set once a recovery was applied; the stack is submitted
	// again as soon as it settles in a stable, rolled back or deleted state
	resubmit bool

	// retryFailed is set after a backoff recovery; a stack left in a failed
	// state is submitted again instead of being diagnosed again
	retryFailed bool

	// validated is set once the provider accepted the template
	validated bool

	conflictRetried bool
	submitRetries   int

	// detail is recorded on the next transition
	detail string
}

// execute drives the state machine to a terminal state.
func (r *run) execute(ctx context.Context) {
	for !r.state.IsTerminal() {
		var next engine.DeployState
		if err := ctx.Err(); err != nil {
			next = r.abortOnError(engine.NewCancelledError("deployment cancelled", context.Cause(ctx)))
		} else {
			switch r.state {
			case engine.DeployStateIdle:
				next = r.idle(ctx)
			case engine.DeployStateSubmitting:
				next = r.submit(ctx)
			case engine.DeployStatePolling:
				next = r.poll(ctx)
			case engine.DeployStateDiagnosing:
				next = r.diagnose(ctx)
			case engine.DeployStateRecovering:
				next = r.recover(ctx)
			default:
				next = r.abort(engine.ReasonProviderError, engine.CategoryUnknown,
					fmt.Errorf("unknown deploy state %q", r.state))
			}
		}
		r.to(next, r.detail)
		r.detail = ""
	}
	if a := r.attempt(); a != nil && a.EndedAt.IsZero() {
		a.EndedAt = r.d.clock.Now()
	}
}

func (r *run) idle(ctx context.Context) engine.DeployState {
	snap, err := r.d.reader.FetchSnapshot(ctx, r.id)
	if err != nil && !engine.IsNotFound(err) {
		return r.abortOnError(err)
	}
	return r.plan(snap)
}

// plan picks the next state for a stack observed at rest, or absent when snap is nil.
func (r *run) plan(snap *engine.StackSnapshot) engine.DeployState {
	r.observe(snap)
	retry := r.retryFailed
	r.retryFailed = false
	switch {
	case snap == nil || snap.Status.IsGone():
		r.op = engine.OperationCreate
		return engine.DeployStateSubmitting

	case snap.Status.IsInProgress():
		r.begin(engine.OperationObserve)
		r.detail = fmt.Sprintf("waiting for %s to finish", snap.Status)
		return engine.DeployStatePolling

	case snap.Status.IsStableComplete() || snap.Status == engine.StackStatusUpdateRollbackComplete:
		if snap.ContentHash() == r.hash {
			a := r.begin(engine.OperationNoop)
			a.FinalStatus = snap.Status
			r.succeed(snap)
			r.detail = "content hash unchanged"
			return engine.DeployStateSucceeded
		}
		r.op = engine.OperationUpdate
		return engine.DeployStateSubmitting

	case snap.Status == engine.StackStatusRollbackComplete:
		r.op = engine.OperationReplace
		r.detail = "stack never finished creating"
		return engine.DeployStateSubmitting

	default:
		if op, ok := retryOperation(snap.Status); retry && ok {
			r.op = op
			r.detail = fmt.Sprintf("retrying over %s", snap.Status)
			return engine.DeployStateSubmitting
		}
		a := r.begin(engine.OperationObserve)
		a.FinalStatus = snap.Status
		r.detail = fmt.Sprintf("stack is %s", snap.Status)
		return engine.DeployStateDiagnosing
	}
}

// retryOperation is the submission that retries a stack left in a failed state.
// A stack stuck mid-rollback cannot be resubmitted.
func retryOperation(status engine.StackStatus) (engine.Operation, bool) {
	switch status {
	case engine.StackStatusUpdateFailed:
		return engine.OperationUpdate, true
	case engine.StackStatusCreateFailed, engine.StackStatusDeleteFailed:
		return engine.OperationReplace, true
	default:
		return "", false
	}
}

func (r *run) submit(ctx context.Context) engine.DeployState {
	a := r.begin(r.op)
	ctx, span := r.d.tracer.StartSpan(ctx, "deployer.submit",
		telemetry.AttrStack.String(r.id.Name),
		telemetry.AttrAttempt.Int(a.Number),
		attribute.String("operation", string(r.op)))
	defer span.End()

	r.logger.Info().Int("attempt", a.Number).Str("operation", string(r.op)).Msg("Submitting stack")

	if !r.validated {
		if _, err := r.d.provider.ValidateTemplate(ctx, r.req.TemplateBody); err != nil {
			telemetry.RecordError(span, err)
			return r.submitFailed(ctx, err)
		}
		r.validated = true
	}

	var err error
	switch r.op {
	case engine.OperationUpdate:
		return r.update(ctx)
	case engine.OperationReplace:
		if next, stop := r.deleteForReplace(ctx); stop {
			return next
		}
		_, err = r.d.provider.CreateStack(ctx, r.req)
	default:
		_, err = r.d.provider.CreateStack(ctx, r.req)
	}
	if err != nil {
		telemetry.RecordError(span, err)
		return r.submitFailed(ctx, err)
	}
	return engine.DeployStatePolling
}

// deleteForReplace removes a stack that cannot be updated in place. stop is
// true when the deletion did not leave the stack gone.
func (r *run) deleteForReplace(ctx context.Context) (next engine.DeployState, stop bool) {
	var status engine.StackStatus
	if r.snap != nil {
		status = r.snap.Status
	}
	r.logger.Warn().Str("status", string(status)).Msg("Deleting stack before creating it again")
	if err := r.d.provider.DeleteStack(ctx, r.id.Name, nil); err != nil {
		return r.submitFailed(ctx, err), true
	}
	snap, err := r.d.reader.WaitForTerminal(ctx, r.id, r.waitOptions())
	if err != nil {
		return r.abortOnError(err), true
	}
	r.observe(snap)
	if !snap.Status.IsGone() {
		r.attempt().FinalStatus = snap.Status
		r.detail = "deletion before recreate failed"
		return engine.DeployStateDiagnosing, true
	}
	return "", false
}

// update applies the template through a change preview.
func (r *run) update(ctx context.Context) engine.DeployState {
	a := r.attempt()
	name := fmt.Sprintf("stackpilot-%s-%d", strings.ReplaceAll(r.result.ID, "-", "")[:12], a.Number)

	preview, err := r.d.provider.CreateChangeSet(ctx, r.req, name)
	if err != nil {
		return r.submitFailed(ctx, err)
	}
	a.ChangeSetID = preview.ID

	preview, err = r.waitChangeSet(ctx, name)
	if err != nil {
		r.discardChangeSet(ctx, name)
		return r.abortOnError(err)
	}

	if preview.Status == engine.ChangeSetFailed {
		r.discardChangeSet(ctx, name)
		if isNoChange(preview) {
			a.Operation = engine.OperationNoop
			if r.snap != nil {
				a.FinalStatus = r.snap.Status
			}
			r.succeed(r.snap)
			r.detail = "change set is empty"
			return engine.DeployStateSucceeded
		}
		return r.abort(engine.ReasonNoAutomaticAction, engine.CategoryInvalidTemplate,
			engine.NewValidationError("change set failed: "+preview.StatusReason, nil).WithResource(name))
	}

	r.logger.Info().Str("change_set", name).Int("changes", len(preview.Changes)).Msg("Change set computed")
	if next, denied := r.review(ctx, preview, name); denied {
		return next
	}

	if err := r.d.provider.ExecuteChangeSet(ctx, r.id.Name, name); err != nil {
		return r.submitFailed(ctx, err)
	}
	return engine.DeployStatePolling
}

func isNoChange(p *engine.ChangePreview) bool {
	if !p.IsEmpty() {
		return false
	}
	reason := strings.ToLower(p.StatusReason)
	return strings.Contains(reason, "didn't contain changes") || strings.Contains(reason, "no updates are to be performed")
}

// review asks the policy gate about a computed preview. A failed evaluation denies.
func (r *run) review(ctx context.Context, preview *engine.ChangePreview, name string) (engine.DeployState, bool) {
	if r.d.policy == nil {
		return "", false
	}
	verdict, err := r.d.policy.ReviewChanges(ctx, r.id, preview)
	if err != nil {
		verdict = &engine.PolicyVerdict{Violations: []string{"policy evaluation failed: " + err.Error()}}
	}
	for _, w := range verdict.Warnings {
		r.logger.Warn().Str("change_set", name).Str("warning", w).Msg("Change policy warning")
	}
	if verdict.Allowed {
		return "", false
	}

	r.discardChangeSet(ctx, name)
	r.d.publishViolation(r.id, r.result.ID, verdict.Violations)
	denied := engine.NewDiagnosedFailure(engine.CategoryPolicyDenied,
		"change set denied: "+strings.Join(verdict.Violations, "; ")).WithResource(name)
	return r.abort(engine.ReasonPolicyDenied, engine.CategoryPolicyDenied, denied), true
}

func (r *run) waitChangeSet(ctx context.Context, name string) (*engine.ChangePreview, error) {
	deadline := r.d.clock.Now().Add(r.d.cfg.ChangeSetTimeout)
	readErrors := 0
	for i := 0; ; i++ {
		preview, err := r.d.provider.DescribeChangeSet(ctx, r.id.Name, name)
		switch {
		case err == nil:
			readErrors = 0
			if preview.Status.IsTerminal() {
				return preview, nil
			}
		case engine.IsTransient(err) && readErrors < maxChangeSetReadErrors:
			readErrors++
			r.logger.Warn().Err(err).Str("change_set", name).Msg("Transient error reading change set")
		default:
			return nil, err
		}

		if !r.d.clock.Now().Before(deadline) {
			return nil, engine.NewTimeoutError("change set was not computed in time", nil).WithResource(name)
		}
		if err := r.d.clock.Sleep(ctx, r.d.cfg.PollBackoff.Next(i)); err != nil {
			return nil, engine.NewCancelledError("wait for change set cancelled", err).WithResource(name)
		}
	}
}

func (r *run) discardChangeSet(ctx context.Context, name string) {
	if err := r.d.provider.DeleteChangeSet(context.WithoutCancel(ctx), r.id.Name, name); err != nil {
		r.logger.Warn().Err(err).Str("change_set", name).Msg("Failed to delete change set")
	}
}

// submitFailed handles an error returned by a submission call.
func (r *run) submitFailed(ctx context.Context, err error) engine.DeployState {
	a := r.attempt()
	a.Error = err.Error()

	switch {
	case engine.IsPermission(err):
		return r.abort(engine.ReasonPermissionDenied, engine.CategoryPermissionDenied, err)

	case engine.IsConflict(err) && !r.conflictRetried:
		r.conflictRetried = true
		r.logger.Warn().Err(err).Msg("Stack is busy, waiting for the in-flight operation")
		snap, werr := r.d.reader.WaitForTerminal(ctx, r.id, r.waitOptions())
		if werr != nil {
			return r.abortOnError(werr)
		}
		r.detail = "conflict: retrying after in-flight operation"
		return r.plan(snap)

	case engine.IsTransient(err) && r.submitRetries < r.d.cfg.MaxRecoveryAttempts:
		delay := r.d.cfg.RetryBackoff.Next(r.submitRetries)
		r.submitRetries++
		r.logger.Warn().Err(err).Dur("delay", delay).Int("retry", r.submitRetries).Msg("Transient submit error, retrying")
		if serr := r.d.clock.Sleep(ctx, delay); serr != nil {
			return r.abortOnError(engine.NewCancelledError("retry backoff cancelled", serr))
		}
		r.detail = "transient submit error"
		return engine.DeployStateSubmitting

	default:
		return r.abortOnError(err)
	}
}

func (r *run) poll(ctx context.Context) engine.DeployState {
	a := r.attempt()
	ctx, span := r.d.tracer.StartSpan(ctx, "deployer.poll",
		telemetry.AttrStack.String(r.id.Name),
		telemetry.AttrAttempt.Int(a.Number))
	defer span.End()

	snap, err := r.d.reader.WaitForTerminal(ctx, r.id, r.waitOptions())
	if err != nil {
		telemetry.RecordError(span, err)
		return r.abortOnError(err)
	}
	r.observe(snap)
	a.FinalStatus = snap.Status
	a.EndedAt = r.d.clock.Now()

	if r.resubmit {
		r.resubmit = false
		if snap.Status.IsStableComplete() || snap.Status.IsRollbackComplete() || snap.Status.IsGone() {
			r.detail = "recovery settled, resubmitting"
			return r.plan(snap)
		}
	}

	switch {
	case a.Operation == engine.OperationObserve && (snap.Status.IsStableComplete() || snap.Status.IsGone()):
		r.detail = fmt.Sprintf("in-flight operation ended in %s", snap.Status)
		return r.plan(snap)
	case snap.Status.IsStableComplete():
		r.succeed(snap)
		return engine.DeployStateSucceeded
	case snap.Status.IsGone():
		return r.abort(engine.ReasonProviderError, engine.CategoryUnknown,
			fmt.Errorf("stack %s disappeared during %s", r.id.Name, a.Operation))
	default:
		r.detail = fmt.Sprintf("stack ended in %s", snap.Status)
		return engine.DeployStateDiagnosing
	}
}

func (r *run) diagnose(ctx context.Context) engine.DeployState {
	ctx, span := r.d.tracer.StartSpan(ctx, "deployer.diagnose", telemetry.AttrStack.String(r.id.Name))
	defer span.End()

	events, err := r.d.reader.FetchEvents(ctx, r.id)
	if err != nil {
		return r.abortOnError(err)
	}
	diag := r.d.diagnoser.Diagnose(r.id.Name, events, r.snap.Status)
	r.d.metrics.RecordDiagnosis(string(diag.Category))
	span.SetAttributes(telemetry.AttrCategory.String(string(diag.Category)))

	r.diag = &diag
	r.result.Diagnosis = &diag
	r.attempt().Diagnosis = &diag
	if diag.Category == engine.CategoryUnknown {
		r.result.Events = events
	}

	r.logger.Warn().
		Str("category", string(diag.Category)).
		Strs("culprits", diag.CulpritResources).
		Str("strategy", string(diag.RecommendedAction.Strategy)).
		Str("confidence", string(diag.Confidence)).
		Msg(diag.Summary)

	failure := engine.NewDiagnosedFailure(diag.Category, diag.Summary).WithResource(r.id.Name)
	switch {
	case diag.Category == engine.CategoryPermissionDenied:
		return r.abort(engine.ReasonPermissionDenied, diag.Category, failure)
	case !diag.RecommendedAction.Strategy.IsAutomatic():
		return r.abort(engine.ReasonNoAutomaticAction, diag.Category, failure)
	case r.result.RecoveryCount >= r.d.cfg.MaxRecoveryAttempts:
		return r.abort(engine.ReasonMaxRecoveryAttempts, diag.Category, failure)
	}

	if diag.RecommendedAction.Strategy == engine.StrategyForceDeleteWithCleanup {
		if err := r.d.reviewDelete(ctx, r.id, r.snap); err != nil {
			return r.abort(engine.ReasonPolicyDenied, engine.CategoryPolicyDenied, err)
		}
	}
	r.detail = fmt.Sprintf("%s: %s", diag.Category, diag.RecommendedAction.Strategy)
	return engine.DeployStateRecovering
}

func (r *run) recover(ctx context.Context) engine.DeployState {
	r.result.RecoveryCount++
	n := r.result.RecoveryCount
	ctx, span := r.d.tracer.StartSpan(ctx, "deployer.recover",
		telemetry.AttrStack.String(r.id.Name),
		telemetry.AttrStrategy.String(string(r.diag.RecommendedAction.Strategy)),
		telemetry.AttrAttempt.Int(n))
	defer span.End()

	r.logger.Info().
		Int("recovery", n).
		Int("max", r.d.cfg.MaxRecoveryAttempts).
		Str("strategy", string(r.diag.RecommendedAction.Strategy)).
		Msg("Executing recovery")

	out := r.d.executor.Execute(ctx, r.id, *r.diag)
	r.attempt().Recovery = out
	for _, m := range out.Mutations {
		r.d.publish(r, telemetry.EventTypeRecoveryMutation, telemetry.EventLevelWarning,
			fmt.Sprintf("%s %s", m.Kind, m.Target),
			map[string]interface{}{"kind": m.Kind, "target": m.Target, "detail": m.Detail, "error": m.Error})
	}

	switch out.Status {
	case engine.OutcomeWait:
		delay := r.d.cfg.RetryBackoff.Next(n - 1)
		r.logger.Info().Dur("delay", delay).Msg("Waiting before resubmitting")
		if err := r.d.clock.Sleep(ctx, delay); err != nil {
			return r.abortOnError(engine.NewCancelledError("recovery backoff cancelled", err))
		}
		snap, err := r.d.reader.FetchSnapshot(ctx, r.id)
		if err != nil && !engine.IsNotFound(err) {
			return r.abortOnError(err)
		}
		r.detail = fmt.Sprintf("waited %s, resubmitting", delay)
		r.retryFailed = true
		return r.plan(snap)

	case engine.OutcomeApplied:
		r.resubmit = true
		r.begin(engine.OperationObserve)
		r.detail = out.Message
		return engine.DeployStatePolling

	case engine.OutcomeNoAction:
		return r.abort(engine.ReasonNoAutomaticAction, r.diag.Category,
			engine.NewDiagnosedFailure(r.diag.Category, out.Message).WithResource(r.id.Name))

	default:
		telemetry.RecordError(span, out.Err)
		return r.abort(engine.ReasonRecoveryFailed, r.diag.Category, out.Err)
	}
}

// abortOnError maps an operational error to an aborted result.
func (r *run) abortOnError(err error) engine.DeployState {
	switch {
	case errors.Is(err, context.DeadlineExceeded) || engine.ClassOf(err) == engine.ErrorClassTimeout:
		return r.abort(engine.ReasonTimeout, engine.CategoryTimeout, err)
	case errors.Is(err, context.Canceled) || engine.ClassOf(err) == engine.ErrorClassCancelled:
		return r.abort(engine.ReasonCancelled, engine.CategoryCancelled, err)
	case engine.IsPermission(err):
		return r.abort(engine.ReasonPermissionDenied, engine.CategoryPermissionDenied, err)
	case engine.ClassOf(err) == engine.ErrorClassValidation:
		return r.abort(engine.ReasonNoAutomaticAction, engine.CategoryInvalidTemplate, err)
	default:
		return r.abort(engine.ReasonProviderError, engine.CategoryUnknown, err)
	}
}

func (r *run) abort(reason engine.AbortReason, category engine.Category, err error) engine.DeployState {
	r.result.Reason = reason
	r.result.Category = category
	if err != nil {
		if a := r.attempt(); a != nil && a.Error == "" {
			a.Error = err.Error()
		}
		r.detail = err.Error()
	}
	r.result.NextStep = r.nextStep(reason, category, err)
	return engine.DeployStateAborted
}

func (r *run) nextStep(reason engine.AbortReason, category engine.Category, err error) string {
	if r.diag != nil && r.diag.Category == category {
		if reason == engine.ReasonMaxRecoveryAttempts {
			return fmt.Sprintf("Automatic recovery gave up after %d attempts. %s", r.result.RecoveryCount, r.diag.ManualStep)
		}
		return r.diag.ManualStep
	}
	if reason == engine.ReasonProviderError {
		return fmt.Sprintf("Resolve the provider error (%v), then deploy again.", err)
	}
	var status engine.StackStatus
	if r.snap != nil {
		status = r.snap.Status
	}
	return diagnose.ManualStep(engine.Diagnosis{Category: category, StackStatus: status})
}

func (r *run) succeed(snap *engine.StackSnapshot) {
	r.observe(snap)
	if snap != nil {
		r.result.Outputs = snap.Outputs
	}
	r.result.Reason = engine.ReasonNone
	r.result.Category = ""
	r.result.NextStep = ""
}

// observe records the last seen snapshot.
func (r *run) observe(snap *engine.StackSnapshot) {
	if snap == nil {
		return
	}
	r.snap = snap
	r.result.FinalStatus = snap.Status
}

// begin closes the current attempt and starts a new one.
func (r *run) begin(op engine.Operation) *engine.Attempt {
	now := r.d.clock.Now()
	if a := r.attempt(); a != nil && a.EndedAt.IsZero() {
		a.EndedAt = now
	}
	r.result.Attempts = append(r.result.Attempts, engine.Attempt{
		Number:    len(r.result.Attempts) + 1,
		Operation: op,
		StartedAt: now,
	})
	return r.attempt()
}

// attempt returns the current attempt, or nil before the first.
func (r *run) attempt() *engine.Attempt {
	if len(r.result.Attempts) == 0 {
		return nil
	}
	return &r.result.Attempts[len(r.result.Attempts)-1]
}

func (r *run) waitOptions() engine.WaitOptions {
	opts := engine.WaitOptions{
		Backoff: r.d.cfg.PollBackoff,
		OnPoll:  r.observe,
	}
	if a := r.attempt(); a != nil {
		opts.Deadline = a.StartedAt.Add(r.d.cfg.AttemptTimeout)
	}
	return opts
}

func (r *run) to(next engine.DeployState, detail string) {
	if next == r.state && detail == "" {
		return
	}
	t := engine.Transition{From: r.state, To: next, At: r.d.clock.Now(), Detail: detail}
	r.result.Transitions = append(r.result.Transitions, t)
	r.logger.Info().
		Str("from", string(t.From)).
		Str("to", string(t.To)).
		Str("detail", detail).
		Msg("Deploy state transition")
	r.d.publish(r, telemetry.EventTypeDeployTransition, telemetry.EventLevelInfo,
		fmt.Sprintf("%s -> %s", t.From, t.To), map[string]interface{}{"detail": detail})
	r.state = next
	r.result.State = next
}
