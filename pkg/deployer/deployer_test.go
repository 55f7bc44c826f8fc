package deployer

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/openfroyo/stackpilot/pkg/engine"
	"github.com/openfroyo/stackpilot/pkg/naming"
	"github.com/openfroyo/stackpilot/pkg/providers/sim"
	"github.com/openfroyo/stackpilot/pkg/telemetry"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

var (
	templateV1 = []byte("Resources:\n  Scorer:\n    Type: AWS::Lambda::Function\n")
	templateV2 = []byte("Resources:\n  Scorer:\n    Type: AWS::Lambda::Function\n    Properties:\n      MemorySize: 512\n")
)

type fixture struct {
	id       naming.Identity
	clock    *sim.Clock
	provider *sim.Provider
	store    *sim.Store
	network  *sim.Network
}

func newFixture(t *testing.T, env string) *fixture {
	t.Helper()
	id, err := naming.NewIdentity("fraud-or-not", env)
	if err != nil {
		t.Fatalf("NewIdentity failed: %v", err)
	}
	clock := sim.NewClock(epoch)
	return &fixture{
		id:       id,
		clock:    clock,
		provider: sim.NewProvider(clock),
		store:    sim.NewStore(clock),
		network:  sim.NewNetwork(),
	}
}

func (f *fixture) deployer(opts ...Option) *Deployer {
	base := []Option{
		WithClock(f.clock),
		WithObjectStore(f.store),
		WithNetworkCleaner(f.network),
		WithConfig(Config{
			PollBackoff:  engine.Backoff{Initial: 5 * time.Second, Max: 30 * time.Second},
			RetryBackoff: engine.Backoff{Initial: 30 * time.Second, Max: 5 * time.Minute},
		}),
	}
	return New(f.provider, append(base, opts...)...)
}

func (f *fixture) deploy(t *testing.T, d *Deployer, ctx context.Context, template []byte) *engine.DeploymentResult {
	t.Helper()
	res, err := d.Deploy(ctx, f.id, template, map[string]string{"Environment": f.id.Environment})
	if err != nil {
		t.Fatalf("Deploy returned error: %v", err)
	}
	return res
}

func inProgress(status engine.StackStatus, n int) []sim.Step {
	steps := make([]sim.Step, n)
	for i := range steps {
		steps[i] = sim.Step{Status: status}
	}
	return steps
}

func states(res *engine.DeploymentResult) string {
	out := make([]string, 0, len(res.Transitions))
	for _, t := range res.Transitions {
		out = append(out, string(t.To))
	}
	return strings.Join(out, ",")
}

type fakeGate struct {
	allow      bool
	violations []string
	previews   int
	deletes    int
}

func (g *fakeGate) ReviewChanges(_ context.Context, _ naming.Identity, _ *engine.ChangePreview) (*engine.PolicyVerdict, error) {
	g.previews++
	return &engine.PolicyVerdict{Allowed: g.allow, Violations: g.violations}, nil
}

func (g *fakeGate) ReviewDelete(_ context.Context, _ naming.Identity, _ *engine.StackSnapshot) (*engine.PolicyVerdict, error) {
	g.deletes++
	return &engine.PolicyVerdict{Allowed: g.allow, Violations: g.violations}, nil
}

type recordingJournal struct {
	results []*engine.DeploymentResult
}

func (j *recordingJournal) RecordDeployment(_ context.Context, res *engine.DeploymentResult) error {
	j.results = append(j.results, res)
	return nil
}

func TestDeployCreatesAbsentStack(t *testing.T) {
	f := newFixture(t, "dev")
	f.provider.OnCreate = func(engine.StackRequest) []sim.Step {
		return append(inProgress(engine.StackStatusCreateInProgress, 2), sim.Step{Status: engine.StackStatusCreateComplete})
	}

	res := f.deploy(t, f.deployer(), context.Background(), templateV1)
	if !res.Succeeded || res.State != engine.DeployStateSucceeded {
		t.Fatalf("state = %s (%s), want succeeded", res.State, res.Reason)
	}
	if res.FinalStatus != engine.StackStatusCreateComplete {
		t.Errorf("final status = %s", res.FinalStatus)
	}
	if got := states(res); got != "submitting,polling,succeeded" {
		t.Errorf("transitions = %s", got)
	}
	if len(res.Attempts) != 1 || res.Attempts[0].Operation != engine.OperationCreate {
		t.Fatalf("attempts = %+v", res.Attempts)
	}
	if res.NextStep != "" || res.Reason != engine.ReasonNone {
		t.Errorf("succeeded result carries reason %q / next step %q", res.Reason, res.NextStep)
	}

	snap, _ := f.provider.Stack(f.id.Name)
	if snap.ContentHash() != res.ContentHash {
		t.Errorf("stack hash = %q, want %q", snap.ContentHash(), res.ContentHash)
	}
	if snap.Tags["ManagedBy"] != "stackpilot" {
		t.Errorf("stack tags = %v", snap.Tags)
	}
}

func TestDeployIsIdempotent(t *testing.T) {
	f := newFixture(t, "dev")
	d := f.deployer()

	if res := f.deploy(t, d, context.Background(), templateV1); !res.Succeeded {
		t.Fatalf("first deploy aborted: %s", res.Reason)
	}
	mutating := f.provider.MutatingCalls()

	res := f.deploy(t, d, context.Background(), templateV1)
	if !res.Succeeded {
		t.Fatalf("second deploy aborted: %s", res.Reason)
	}
	if got := f.provider.MutatingCalls(); got != mutating {
		t.Errorf("second deploy made %d mutating calls", got-mutating)
	}
	if len(res.Attempts) != 1 || res.Attempts[0].Operation != engine.OperationNoop {
		t.Errorf("attempts = %+v, want one noop", res.Attempts)
	}
	if got := states(res); got != "succeeded" {
		t.Errorf("transitions = %s", got)
	}
}

func TestDeployUpdatesThroughChangeSet(t *testing.T) {
	f := newFixture(t, "dev")
	d := f.deployer()
	f.deploy(t, d, context.Background(), templateV1)

	res := f.deploy(t, d, context.Background(), templateV2)
	if !res.Succeeded {
		t.Fatalf("update aborted: %s (%s)", res.Reason, res.NextStep)
	}
	if res.Attempts[0].Operation != engine.OperationUpdate || res.Attempts[0].ChangeSetID == "" {
		t.Errorf("attempt = %+v", res.Attempts[0])
	}
	if f.provider.CallCount("ExecuteChangeSet") != 1 {
		t.Errorf("ExecuteChangeSet calls = %d", f.provider.CallCount("ExecuteChangeSet"))
	}
	snap, _ := f.provider.Stack(f.id.Name)
	if snap.ContentHash() != ContentHash(templateV2, map[string]string{"Environment": "dev"}) {
		t.Error("stack hash not updated")
	}
}

func TestDeployEmptyChangeSetSucceeds(t *testing.T) {
	f := newFixture(t, "dev")
	d := f.deployer()
	f.deploy(t, d, context.Background(), templateV1)
	f.provider.ChangesFor = func(engine.StackRequest, engine.StackSnapshot) []engine.ResourceChange { return nil }

	res := f.deploy(t, d, context.Background(), templateV2)
	if !res.Succeeded {
		t.Fatalf("deploy aborted: %s", res.Reason)
	}
	if res.Attempts[0].Operation != engine.OperationNoop {
		t.Errorf("operation = %s, want noop", res.Attempts[0].Operation)
	}
	if f.provider.CallCount("DeleteChangeSet") != 1 || f.provider.CallCount("ExecuteChangeSet") != 0 {
		t.Errorf("change set calls: delete=%d execute=%d",
			f.provider.CallCount("DeleteChangeSet"), f.provider.CallCount("ExecuteChangeSet"))
	}
}

func TestDeploySerializesSameIdentity(t *testing.T) {
	f := newFixture(t, "dev")
	f.provider.OnCreate = func(engine.StackRequest) []sim.Step {
		return append(inProgress(engine.StackStatusCreateInProgress, 3), sim.Step{Status: engine.StackStatusCreateComplete})
	}
	d := f.deployer()

	results := make([]*engine.DeploymentResult, 2)
	var wg sync.WaitGroup
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := d.Deploy(context.Background(), f.id, templateV1, map[string]string{"Environment": "dev"})
			if err != nil {
				t.Errorf("Deploy returned error: %v", err)
				return
			}
			results[i] = res
		}()
	}
	wg.Wait()

	ops := map[engine.Operation]int{}
	for _, res := range results {
		if res == nil {
			t.Fatal("missing result")
		}
		if !res.Succeeded {
			t.Errorf("deploy aborted: %s (%s)", res.Reason, res.NextStep)
		}
		ops[res.Attempts[len(res.Attempts)-1].Operation]++
	}
	if got := f.provider.CallCount("CreateStack"); got != 1 {
		t.Errorf("CreateStack calls = %d, want 1", got)
	}
	if ops[engine.OperationCreate] != 1 || ops[engine.OperationNoop] != 1 {
		t.Errorf("operations = %v, want one create and one noop", ops)
	}
}

// losingLocker hands out a lock that the test can take away.
type losingLocker struct {
	lose context.CancelCauseFunc
}

func (l *losingLocker) Lock(ctx context.Context, _ string) (context.Context, func() error, error) {
	held, cancel := context.WithCancelCause(ctx)
	l.lose = cancel
	return held, func() error { cancel(nil); return nil }, nil
}

func TestDeployStopsWhenLockIsLost(t *testing.T) {
	f := newFixture(t, "dev")
	f.provider.OnCreate = func(engine.StackRequest) []sim.Step {
		return inProgress(engine.StackStatusCreateInProgress, 50)
	}
	locker := &losingLocker{}
	f.clock.OnSleep(func(time.Duration) {
		locker.lose(engine.NewConflictError("lease taken over", nil))
	})

	res := f.deploy(t, f.deployer(WithLocker(locker)), context.Background(), templateV1)
	if res.State != engine.DeployStateAborted || res.Reason != engine.ReasonCancelled {
		t.Fatalf("state = %s, reason = %s; want aborted/cancelled", res.State, res.Reason)
	}
	if !strings.Contains(res.NextStep, "lock") || !strings.Contains(res.NextStep, "lease taken over") {
		t.Errorf("next step = %q", res.NextStep)
	}
	if got := len(f.clock.Sleeps()); got != 1 {
		t.Errorf("kept polling after the lock was lost: %d sleeps", got)
	}
}

func TestDeployPolicyDenied(t *testing.T) {
	f := newFixture(t, "production")
	gate := &fakeGate{violations: []string{"ScorerTable would be replaced in production"}}
	d := f.deployer(WithPolicy(gate))
	f.deploy(t, d, context.Background(), templateV1)

	res := f.deploy(t, d, context.Background(), templateV2)
	if res.State != engine.DeployStateAborted || res.Reason != engine.ReasonPolicyDenied {
		t.Fatalf("state = %s, reason = %s; want aborted/policy_denied", res.State, res.Reason)
	}
	if res.Category != engine.CategoryPolicyDenied || res.NextStep == "" {
		t.Errorf("category = %s, next step = %q", res.Category, res.NextStep)
	}
	if gate.previews != 1 {
		t.Errorf("gate reviewed %d previews", gate.previews)
	}
	if f.provider.CallCount("DeleteChangeSet") != 1 || f.provider.CallCount("ExecuteChangeSet") != 0 {
		t.Error("denied change set must be deleted and never executed")
	}
}

func TestDeployBoundedRecoveries(t *testing.T) {
	f := newFixture(t, "dev")
	f.provider.OnCreate = func(engine.StackRequest) []sim.Step {
		return []sim.Step{
			{Status: engine.StackStatusCreateInProgress, Events: []engine.StackEvent{
				sim.ResourceEvent("Scorer", engine.ResourceTypeLambdaFunction, engine.StackStatusCreateFailed,
					"Rate exceeded (Service: Lambda, Status Code: 429)"),
			}},
			{Status: engine.StackStatusRollbackInProgress},
			{Status: engine.StackStatusRollbackComplete},
		}
	}

	res := f.deploy(t, f.deployer(), context.Background(), templateV1)
	if res.State != engine.DeployStateAborted || res.Reason != engine.ReasonMaxRecoveryAttempts {
		t.Fatalf("state = %s, reason = %s; want aborted/max_recovery_attempts", res.State, res.Reason)
	}
	if res.RecoveryCount != 3 {
		t.Errorf("recovery cycles = %d, want 3", res.RecoveryCount)
	}
	if res.Diagnosis == nil || res.Diagnosis.Category != engine.CategoryThrottled {
		t.Fatalf("diagnosis = %+v", res.Diagnosis)
	}
	if got := f.provider.CallCount("CreateStack"); got != 4 {
		t.Errorf("CreateStack calls = %d, want 4", got)
	}
	if !strings.Contains(res.NextStep, "gave up after 3") {
		t.Errorf("next step = %q", res.NextStep)
	}
}

func TestDeployCancelledMidPoll(t *testing.T) {
	f := newFixture(t, "dev")
	f.provider.OnCreate = func(engine.StackRequest) []sim.Step {
		return inProgress(engine.StackStatusCreateInProgress, 50)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sleeps := 0
	f.clock.OnSleep(func(time.Duration) {
		sleeps++
		if sleeps == 2 {
			cancel()
		}
	})

	res := f.deploy(t, f.deployer(), ctx, templateV1)
	if res.State != engine.DeployStateAborted || res.Reason != engine.ReasonCancelled {
		t.Fatalf("state = %s, reason = %s; want aborted/cancelled", res.State, res.Reason)
	}
	if got := len(f.clock.Sleeps()); got != 2 {
		t.Errorf("slept %d times after cancellation, want 2", got)
	}
	if f.provider.CallCount("DeleteStack") != 0 {
		t.Error("cancellation must not undo the remote operation")
	}
	if res.FinalStatus != engine.StackStatusCreateInProgress {
		t.Errorf("final status = %s", res.FinalStatus)
	}
	if !strings.Contains(res.NextStep, "rerun deploy") {
		t.Errorf("next step = %q", res.NextStep)
	}
}

func TestDeployAttemptTimeout(t *testing.T) {
	f := newFixture(t, "dev")
	f.provider.OnCreate = func(engine.StackRequest) []sim.Step {
		return inProgress(engine.StackStatusCreateInProgress, 100)
	}
	d := f.deployer(WithConfig(Config{
		AttemptTimeout: 2 * time.Minute,
		PollBackoff:    engine.Backoff{Initial: 10 * time.Second, Max: 10 * time.Second},
	}))

	res := f.deploy(t, d, context.Background(), templateV1)
	if res.Reason != engine.ReasonTimeout || res.Category != engine.CategoryTimeout {
		t.Fatalf("reason = %s, category = %s; want timeout", res.Reason, res.Category)
	}
	if elapsed := f.clock.Now().Sub(epoch); elapsed > 3*time.Minute {
		t.Errorf("waited %s past a 2m budget", elapsed)
	}
}

func TestDeployPermissionDeniedIsFatal(t *testing.T) {
	f := newFixture(t, "dev")
	f.provider.FailNext("CreateStack",
		engine.NewPermissionError("User is not authorized to perform: cloudformation:CreateStack", nil))

	res := f.deploy(t, f.deployer(), context.Background(), templateV1)
	if res.Reason != engine.ReasonPermissionDenied {
		t.Fatalf("reason = %s, want permission_denied", res.Reason)
	}
	if f.provider.CallCount("CreateStack") != 1 || res.RecoveryCount != 0 {
		t.Error("permission errors must not be retried")
	}
	if res.Attempts[0].Error == "" {
		t.Error("attempt error not recorded")
	}
}

func TestDeployConflictRetriesOnce(t *testing.T) {
	tests := []struct {
		name      string
		conflicts int
		succeeded bool
		creates   int
	}{
		{name: "single conflict", conflicts: 1, succeeded: true, creates: 2},
		{name: "repeated conflict", conflicts: 2, succeeded: false, creates: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, "dev")
			for i := 0; i < tt.conflicts; i++ {
				f.provider.FailNext("CreateStack", engine.NewConflictError("stack operation in progress", nil))
			}

			res := f.deploy(t, f.deployer(), context.Background(), templateV1)
			if res.Succeeded != tt.succeeded {
				t.Errorf("succeeded = %v (%s), want %v", res.Succeeded, res.Reason, tt.succeeded)
			}
			if !tt.succeeded && res.Reason != engine.ReasonProviderError {
				t.Errorf("reason = %s, want provider_error", res.Reason)
			}
			if got := f.provider.CallCount("CreateStack"); got != tt.creates {
				t.Errorf("CreateStack calls = %d, want %d", got, tt.creates)
			}
		})
	}
}

func TestDeployTransientSubmitErrorIsRetried(t *testing.T) {
	f := newFixture(t, "dev")
	f.provider.FailNext("CreateStack", engine.NewThrottledError("Rate exceeded", nil))

	res := f.deploy(t, f.deployer(), context.Background(), templateV1)
	if !res.Succeeded {
		t.Fatalf("deploy aborted: %s", res.Reason)
	}
	if len(res.Attempts) != 2 || res.Attempts[0].Error == "" {
		t.Errorf("attempts = %+v", res.Attempts)
	}
}

func TestDeployRecreatesRolledBackStack(t *testing.T) {
	f := newFixture(t, "dev")
	f.provider.PutStack(engine.StackSnapshot{Name: f.id.Name, Status: engine.StackStatusRollbackComplete}, nil)

	res := f.deploy(t, f.deployer(), context.Background(), templateV1)
	if !res.Succeeded {
		t.Fatalf("deploy aborted: %s (%s)", res.Reason, res.NextStep)
	}
	if res.Attempts[0].Operation != engine.OperationReplace {
		t.Errorf("operation = %s, want replace", res.Attempts[0].Operation)
	}
	if f.provider.CallCount("DeleteStack") != 1 || f.provider.CallCount("CreateStack") != 1 {
		t.Errorf("delete=%d create=%d", f.provider.CallCount("DeleteStack"), f.provider.CallCount("CreateStack"))
	}
}

func TestDeployRetriesThrottledFailedStack(t *testing.T) {
	tests := []struct {
		name      string
		status    engine.StackStatus
		operation engine.Operation
		deletes   int
		creates   int
	}{
		{name: "create failed", status: engine.StackStatusCreateFailed, operation: engine.OperationReplace, deletes: 1, creates: 1},
		{name: "update failed", status: engine.StackStatusUpdateFailed, operation: engine.OperationUpdate, deletes: 0, creates: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, "dev")
			started := engine.StackStatusCreateInProgress
			if tt.status == engine.StackStatusUpdateFailed {
				started = engine.StackStatusUpdateInProgress
			}
			f.provider.PutStack(engine.StackSnapshot{Name: f.id.Name, Status: tt.status}, nil,
				engine.StackEvent{LogicalResourceID: f.id.Name, ResourceType: engine.ResourceTypeStack, Status: started, StatusReason: "User Initiated"},
				sim.ResourceEvent("Scorer", engine.ResourceTypeLambdaFunction, tt.status, "Rate exceeded"),
				engine.StackEvent{LogicalResourceID: f.id.Name, ResourceType: engine.ResourceTypeStack, Status: tt.status},
			)

			res := f.deploy(t, f.deployer(), context.Background(), templateV1)
			if !res.Succeeded {
				t.Fatalf("deploy aborted: %s (%s), transitions = %s", res.Reason, res.NextStep, states(res))
			}
			if res.RecoveryCount != 1 {
				t.Errorf("recovery cycles = %d, want 1", res.RecoveryCount)
			}
			if !strings.HasPrefix(states(res), "diagnosing,recovering,submitting,polling") {
				t.Errorf("transitions = %s", states(res))
			}
			last := res.Attempts[len(res.Attempts)-1]
			if last.Operation != tt.operation {
				t.Errorf("resubmitted with %s, want %s", last.Operation, tt.operation)
			}
			if got := f.provider.CallCount("DeleteStack"); got != tt.deletes {
				t.Errorf("DeleteStack calls = %d, want %d", got, tt.deletes)
			}
			if got := f.provider.CallCount("CreateStack"); got != tt.creates {
				t.Errorf("CreateStack calls = %d, want %d", got, tt.creates)
			}
		})
	}
}

func TestDeployWaitsOutForeignOperation(t *testing.T) {
	f := newFixture(t, "dev")
	params := map[string]string{"Environment": "dev"}
	f.provider.PutStack(engine.StackSnapshot{
		Name:   f.id.Name,
		Status: engine.StackStatusUpdateInProgress,
		Tags:   map[string]string{engine.TagContentHash: ContentHash(templateV1, params)},
	}, nil)
	f.provider.QueueSteps(f.id.Name,
		sim.Step{Status: engine.StackStatusUpdateInProgress},
		sim.Step{Status: engine.StackStatusUpdateComplete})

	res := f.deploy(t, f.deployer(), context.Background(), templateV1)
	if !res.Succeeded {
		t.Fatalf("deploy aborted: %s", res.Reason)
	}
	if len(res.Attempts) != 2 ||
		res.Attempts[0].Operation != engine.OperationObserve ||
		res.Attempts[1].Operation != engine.OperationNoop {
		t.Errorf("attempts = %+v", res.Attempts)
	}
	if f.provider.MutatingCalls() != 0 {
		t.Errorf("made %d mutating calls", f.provider.MutatingCalls())
	}
}

func TestDeployRecoversStuckRollback(t *testing.T) {
	f := newFixture(t, "dev")
	stack := func(status engine.StackStatus, reason string) engine.StackEvent {
		return engine.StackEvent{LogicalResourceID: f.id.Name, ResourceType: engine.ResourceTypeStack, Status: status, StatusReason: reason}
	}
	f.provider.PutStack(engine.StackSnapshot{Name: f.id.Name, Status: engine.StackStatusUpdateRollbackFailed}, nil,
		stack(engine.StackStatusUpdateInProgress, "User Initiated"),
		sim.ResourceEvent("Scorer", engine.ResourceTypeLambdaFunction, engine.StackStatusUpdateFailed, "Rate exceeded"),
		stack(engine.StackStatusUpdateRollbackInProgress, "The following resource(s) failed to update: [Scorer]."),
		sim.ResourceEvent("ScorerSecurityGroup", engine.ResourceTypeSecurityGroup, engine.StackStatusDeleteFailed,
			"resource sg-0a1b has a dependent object"),
		stack(engine.StackStatusUpdateRollbackFailed, "The following resource(s) failed to delete: [ScorerSecurityGroup]."),
	)

	res := f.deploy(t, f.deployer(), context.Background(), templateV1)
	if !res.Succeeded {
		t.Fatalf("deploy aborted: %s (%s)", res.Reason, res.NextStep)
	}
	if res.RecoveryCount != 1 || f.provider.CallCount("ContinueRollback") != 1 {
		t.Errorf("recoveries = %d, ContinueRollback calls = %d", res.RecoveryCount, f.provider.CallCount("ContinueRollback"))
	}
	if !strings.HasPrefix(states(res), "diagnosing,recovering,polling,submitting") {
		t.Errorf("transitions = %s", states(res))
	}
	if res.Attempts[0].Recovery == nil || res.Attempts[0].Recovery.Status != engine.OutcomeApplied {
		t.Errorf("first attempt recovery = %+v", res.Attempts[0].Recovery)
	}
}

func TestDeployUnknownFailureKeepsEvents(t *testing.T) {
	f := newFixture(t, "dev")
	f.provider.OnCreate = func(engine.StackRequest) []sim.Step {
		return []sim.Step{
			{Status: engine.StackStatusCreateInProgress, Events: []engine.StackEvent{
				sim.ResourceEvent("Scorer", engine.ResourceTypeLambdaFunction, engine.StackStatusCreateFailed,
					"Internal failure. Please try again later."),
			}},
			{Status: engine.StackStatusRollbackComplete},
		}
	}

	res := f.deploy(t, f.deployer(), context.Background(), templateV1)
	if res.Reason != engine.ReasonNoAutomaticAction || res.Category != engine.CategoryUnknown {
		t.Fatalf("reason = %s, category = %s", res.Reason, res.Category)
	}
	if len(res.Events) == 0 {
		t.Error("unknown failure must carry the raw event history")
	}
	if res.NextStep == "" {
		t.Error("missing next step")
	}
}

func TestDeployJournalAndEvents(t *testing.T) {
	f := newFixture(t, "dev")
	journal := &recordingJournal{}
	ep := telemetry.NewEventPublisher(telemetry.EventsConfig{Enabled: true})
	var types []string
	ep.Subscribe(func(e telemetry.Event) { types = append(types, e.Type) }, nil)

	res := f.deploy(t, f.deployer(WithJournal(journal), WithEvents(ep)), context.Background(), templateV1)
	if len(journal.results) != 1 || journal.results[0].ID != res.ID {
		t.Fatalf("journal = %+v", journal.results)
	}
	if len(types) < 3 || types[0] != telemetry.EventTypeDeployStarted || types[len(types)-1] != telemetry.EventTypeDeploySucceeded {
		t.Errorf("events = %v", types)
	}
}

func TestForceDeleteRequiresPolicy(t *testing.T) {
	f := newFixture(t, "production")
	f.provider.PutStack(engine.StackSnapshot{Name: f.id.Name, Status: engine.StackStatusDeleteFailed}, nil)

	gate := &fakeGate{violations: []string{"forced delete in production"}}
	if _, err := f.deployer(WithPolicy(gate)).ForceDelete(context.Background(), f.id); err == nil {
		t.Fatal("ForceDelete should be denied")
	}
	if f.provider.CallCount("DeleteStack") != 0 {
		t.Error("denied delete reached the provider")
	}

	gate.allow = true
	out, err := f.deployer(WithPolicy(gate)).ForceDelete(context.Background(), f.id)
	if err != nil {
		t.Fatalf("ForceDelete failed: %v", err)
	}
	if out.Status != engine.OutcomeApplied {
		t.Errorf("outcome = %s (%s)", out.Status, out.Error)
	}
	if _, ok := f.provider.Stack(f.id.Name); ok {
		t.Error("stack still exists")
	}
}

func TestCurrentArtifactBucket(t *testing.T) {
	f := newFixture(t, "dev")
	b, err := f.deployer().CurrentArtifactBucket(context.Background(), f.id)
	if err != nil {
		t.Fatalf("CurrentArtifactBucket failed: %v", err)
	}
	if b.Name != "fon-dev-artifacts-000-000" {
		t.Errorf("bucket = %s", b.Name)
	}

	if _, err := New(f.provider).CurrentArtifactBucket(context.Background(), f.id); err == nil {
		t.Error("expected an error without an object store")
	}
}

func TestDeployRejectsEmptyTemplate(t *testing.T) {
	f := newFixture(t, "dev")
	if _, err := f.deployer().Deploy(context.Background(), f.id, nil, nil); err == nil {
		t.Error("expected an error for an empty template")
	}
}

func TestDeployRejectsTemplateBeforeSubmitting(t *testing.T) {
	tests := []struct {
		name   string
		status engine.StackStatus
	}{
		{"absent stack", ""},
		{"existing stack", engine.StackStatusCreateComplete},
		{"stack to replace", engine.StackStatusRollbackComplete},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, "dev")
			if tt.status != "" {
				f.provider.PutStack(engine.StackSnapshot{Name: f.id.Name, Status: tt.status}, nil)
			}
			f.provider.FailNext("ValidateTemplate",
				engine.NewValidationError("Template format error: Unresolved resource dependencies [Queue]", nil))

			res := f.deploy(t, f.deployer(), context.Background(), templateV1)
			if res.Reason != engine.ReasonNoAutomaticAction || res.Category != engine.CategoryInvalidTemplate {
				t.Fatalf("reason = %s, category = %s; want invalid template", res.Reason, res.Category)
			}
			if f.provider.MutatingCalls() != 0 {
				t.Errorf("made %d mutating calls for a rejected template", f.provider.MutatingCalls())
			}
			if !strings.Contains(res.NextStep, "template") {
				t.Errorf("next step = %q", res.NextStep)
			}
		})
	}
}

func TestDeployRetriesTransientValidation(t *testing.T) {
	f := newFixture(t, "dev")
	f.provider.FailNext("ValidateTemplate", engine.NewThrottledError("Rate exceeded", nil))

	res := f.deploy(t, f.deployer(), context.Background(), templateV1)
	if !res.Succeeded {
		t.Fatalf("state = %s (%s), want succeeded", res.State, res.Reason)
	}
	if got := f.provider.CallCount("ValidateTemplate"); got != 2 {
		t.Errorf("ValidateTemplate calls = %d, want 2", got)
	}
}

func TestDetectDrift(t *testing.T) {
	f := newFixture(t, "dev")
	d := f.deployer()
	f.deploy(t, d, context.Background(), templateV1)
	f.provider.SetDrift(f.id.Name, engine.ResourceDrift{LogicalID: "Scorer", ResourceType: "AWS::Lambda::Function", Status: "DELETED"})

	report, err := d.DetectDrift(context.Background(), f.id)
	if err != nil {
		t.Fatalf("DetectDrift failed: %v", err)
	}
	if report.DriftStatus != engine.StackDrifted || report.Resources[0].LogicalID != "Scorer" {
		t.Errorf("report = %+v", report)
	}

	other := newFixture(t, "stg")
	if _, err := other.deployer().DetectDrift(context.Background(), other.id); !engine.IsNotFound(err) {
		t.Errorf("missing stack: error = %v, want not found", err)
	}
}
