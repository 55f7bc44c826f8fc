// Package sim provides an in-memory stack provider, object store and network
// cleaner. Each mutating call queues a script of status steps that later
// DescribeStack calls consume one at a time, so a stack appears to progress
// while it is polled. It backs rehearsal runs and tests.
package sim

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/openfroyo/stackpilot/pkg/engine"
)

// Step is one observable stage of a simulated stack operation.
type Step struct {
	// Status is the stack status after the step.
	Status engine.StackStatus

	// Reason is the stack status reason after the step.
	Reason string

	// Events are resource-level events emitted by the step.
	Events []engine.StackEvent

	// Resources replaces the stack's resource list when non-nil.
	Resources []engine.StackResource
}

// Call is a recorded provider call.
type Call struct {
	Op       string
	Stack    string
	Mutating bool
}

// Script returns the steps a mutating request produces.
type Script func(req engine.StackRequest) []Step

// RollbackScript returns the steps a continue-rollback produces.
type RollbackScript func(skip []string) []Step

// DeleteScript returns the steps a delete produces.
type DeleteScript func(retain []string) []Step

type stack struct {
	snapshot   engine.StackSnapshot
	resources  []engine.StackResource
	events     []engine.StackEvent
	pending    []Step
	onSuccess  *engine.StackRequest
	changeSets map[string]*changeSet
}

type changeSet struct {
	preview engine.ChangePreview
	req     engine.StackRequest
}

// Provider is an in-memory engine.StackProvider.
type Provider struct {
	mu     sync.Mutex
	clock  engine.Clock
	stacks map[string]*stack
	calls  []Call
	fail   map[string][]error
	seq    int

	drift      map[string][]engine.ResourceDrift
	detections map[string]*detection

	// OnCreate scripts CreateStack. The default succeeds after one poll.
	OnCreate Script

	// OnUpdate scripts ExecuteChangeSet. The default succeeds after one poll.
	OnUpdate Script

	// OnDelete scripts DeleteStack. The default succeeds after one poll.
	OnDelete DeleteScript

	// OnContinueRollback scripts ContinueRollback. The default completes the rollback.
	OnContinueRollback RollbackScript

	// ChangesFor computes change set contents. The default reports a single
	// modification unless the content hash tag is unchanged.
	ChangesFor func(req engine.StackRequest, current engine.StackSnapshot) []engine.ResourceChange

	// Validate checks template bodies. The default rejects only an empty body.
	Validate func(body []byte) error
}

type detection struct {
	stackName string
	polls     int
}

// NewProvider creates an empty simulated provider.
func NewProvider(clock engine.Clock) *Provider {
	if clock == nil {
		clock = engine.SystemClock{}
	}
	return &Provider{
		clock:  clock,
		stacks: make(map[string]*stack),
		fail:   make(map[string][]error),

		drift:      make(map[string][]engine.ResourceDrift),
		detections: make(map[string]*detection),
	}
}

// SetDrift makes later drift detection on the stack report these resources.
// No resources means the stack is in sync.
func (p *Provider) SetDrift(stackName string, resources ...engine.ResourceDrift) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.drift[stackName] = append([]engine.ResourceDrift(nil), resources...)
}

// FailNext makes the next call of op return err. Calls queue in order.
func (p *Provider) FailNext(op string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fail[op] = append(p.fail[op], err)
}

// PutStack seeds a stack in the given state.
func (p *Provider) PutStack(snapshot engine.StackSnapshot, resources []engine.StackResource, events ...engine.StackEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if snapshot.StackID == "" {
		snapshot.StackID = "sim:" + snapshot.Name
	}
	st := &stack{
		snapshot:   snapshot,
		resources:  append([]engine.StackResource(nil), resources...),
		changeSets: make(map[string]*changeSet),
	}
	for _, ev := range events {
		st.events = append(st.events, p.stamp(snapshot.Name, ev))
	}
	p.stacks[snapshot.Name] = st
}

// QueueSteps appends steps that subsequent DescribeStack calls will consume.
func (p *Provider) QueueSteps(stackName string, steps ...Step) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if st, ok := p.stacks[stackName]; ok {
		st.pending = append(st.pending, steps...)
	}
}

// Calls returns every recorded call.
func (p *Provider) Calls() []Call {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Call, len(p.calls))
	copy(out, p.calls)
	return out
}

// MutatingCalls returns the number of recorded calls that change provider state.
func (p *Provider) MutatingCalls() int {
	n := 0
	for _, c := range p.Calls() {
		if c.Mutating {
			n++
		}
	}
	return n
}

// CallCount returns how many times op was called.
func (p *Provider) CallCount(op string) int {
	n := 0
	for _, c := range p.Calls() {
		if c.Op == op {
			n++
		}
	}
	return n
}

// Stack returns the current snapshot of a stack without consuming steps.
func (p *Provider) Stack(name string) (engine.StackSnapshot, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.stacks[name]
	if !ok {
		return engine.StackSnapshot{}, false
	}
	return copySnapshot(st.snapshot), true
}

func (p *Provider) record(op, stackName string, mutating bool) error {
	p.calls = append(p.calls, Call{Op: op, Stack: stackName, Mutating: mutating})
	if queue := p.fail[op]; len(queue) > 0 {
		err := queue[0]
		p.fail[op] = queue[1:]
		return err
	}
	return nil
}

// stamp fills in id and timestamp. Timestamps are strictly increasing.
func (p *Provider) stamp(stackName string, ev engine.StackEvent) engine.StackEvent {
	p.seq++
	if ev.ID == "" {
		ev.ID = fmt.Sprintf("%s-%06d", stackName, p.seq)
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = p.clock.Now().Add(time.Duration(p.seq) * time.Millisecond)
	}
	return ev
}

func (p *Provider) stackEvent(name string, status engine.StackStatus, reason string) engine.StackEvent {
	return p.stamp(name, engine.StackEvent{
		LogicalResourceID:  name,
		PhysicalResourceID: "sim:" + name,
		ResourceType:       engine.ResourceTypeStack,
		Status:             status,
		StatusReason:       reason,
	})
}

func (p *Provider) apply(st *stack, step Step) {
	name := st.snapshot.Name
	for _, ev := range step.Events {
		st.events = append(st.events, p.stamp(name, ev))
	}
	if step.Resources != nil {
		st.resources = append([]engine.StackResource(nil), step.Resources...)
	}
	st.snapshot.Status = step.Status
	st.snapshot.StatusReason = step.Reason
	st.snapshot.LastUpdated = p.clock.Now()
	st.events = append(st.events, p.stackEvent(name, step.Status, step.Reason))

	if step.Status.IsStableComplete() && st.onSuccess != nil {
		st.snapshot.Parameters = copyMap(st.onSuccess.Parameters)
		st.snapshot.Tags = copyMap(st.onSuccess.Tags)
		st.onSuccess = nil
	}
	if step.Status.IsTerminal() && !step.Status.IsStableComplete() {
		st.onSuccess = nil
	}
}

// begin starts a new operation: the stack moves to status with a user-initiated
// event, and steps are queued for later DescribeStack calls.
func (p *Provider) begin(st *stack, status engine.StackStatus, steps []Step) {
	st.snapshot.Status = status
	st.snapshot.StatusReason = "User Initiated"
	st.events = append(st.events, p.stackEvent(st.snapshot.Name, status, "User Initiated"))
	st.pending = append([]Step(nil), steps...)
}

// DescribeStack implements engine.StackProvider.
func (p *Provider) DescribeStack(_ context.Context, name string) (*engine.StackSnapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.record("DescribeStack", name, false); err != nil {
		return nil, err
	}
	st, ok := p.stacks[name]
	if !ok {
		return nil, engine.NewNotFoundError("stack does not exist", nil).WithResource(name)
	}
	if len(st.pending) > 0 {
		step := st.pending[0]
		st.pending = st.pending[1:]
		p.apply(st, step)
	}
	snap := copySnapshot(st.snapshot)
	snap.FetchedAt = p.clock.Now()
	if snap.Status == engine.StackStatusDeleteComplete {
		delete(p.stacks, name)
	}
	return &snap, nil
}

// ListStackResources implements engine.StackProvider.
func (p *Provider) ListStackResources(_ context.Context, name string) ([]engine.StackResource, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.record("ListStackResources", name, false); err != nil {
		return nil, err
	}
	st, ok := p.stacks[name]
	if !ok {
		return nil, engine.NewNotFoundError("stack does not exist", nil).WithResource(name)
	}
	return append([]engine.StackResource(nil), st.resources...), nil
}

// DescribeEvents implements engine.StackProvider. Events are returned newest first.
func (p *Provider) DescribeEvents(_ context.Context, name string) ([]engine.StackEvent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.record("DescribeEvents", name, false); err != nil {
		return nil, err
	}
	st, ok := p.stacks[name]
	if !ok {
		return nil, engine.NewNotFoundError("stack does not exist", nil).WithResource(name)
	}
	out := append([]engine.StackEvent(nil), st.events...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out, nil
}

// CreateStack implements engine.StackProvider.
func (p *Provider) CreateStack(_ context.Context, req engine.StackRequest) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.record("CreateStack", req.StackName, true); err != nil {
		return "", err
	}
	if _, ok := p.stacks[req.StackName]; ok {
		return "", engine.NewAlreadyExistsError("stack already exists", nil).WithResource(req.StackName)
	}
	st := &stack{
		snapshot: engine.StackSnapshot{
			Name:       req.StackName,
			StackID:    "sim:" + req.StackName,
			Parameters: copyMap(req.Parameters),
			Tags:       copyMap(req.Tags),
			Outputs:    map[string]string{},
		},
		changeSets: make(map[string]*changeSet),
		onSuccess:  &req,
	}
	p.stacks[req.StackName] = st

	steps := []Step{{Status: engine.StackStatusCreateComplete}}
	if p.OnCreate != nil {
		steps = p.OnCreate(req)
	}
	p.begin(st, engine.StackStatusCreateInProgress, steps)
	return st.snapshot.StackID, nil
}

// DeleteStack implements engine.StackProvider.
func (p *Provider) DeleteStack(_ context.Context, name string, retain []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.record("DeleteStack", name, true); err != nil {
		return err
	}
	st, ok := p.stacks[name]
	if !ok {
		return nil
	}
	if st.snapshot.Status.IsInProgress() && st.snapshot.Status != engine.StackStatusDeleteInProgress {
		return engine.NewConflictError(fmt.Sprintf("stack is in %s state", st.snapshot.Status), nil).WithResource(name)
	}

	steps := []Step{{Status: engine.StackStatusDeleteComplete}}
	if p.OnDelete != nil {
		steps = p.OnDelete(retain)
	}
	p.begin(st, engine.StackStatusDeleteInProgress, steps)
	return nil
}

// CreateChangeSet implements engine.StackProvider.
func (p *Provider) CreateChangeSet(_ context.Context, req engine.StackRequest, changeSetName string) (*engine.ChangePreview, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.record("CreateChangeSet", req.StackName, true); err != nil {
		return nil, err
	}
	st, ok := p.stacks[req.StackName]
	if !ok {
		return nil, engine.NewNotFoundError("stack does not exist", nil).WithResource(req.StackName)
	}
	status := st.snapshot.Status
	if status.IsInProgress() {
		return nil, engine.NewConflictError(fmt.Sprintf("stack is in %s state and can not be updated", status), nil).
			WithResource(req.StackName)
	}
	if !status.IsStableComplete() && status != engine.StackStatusUpdateRollbackComplete && status != engine.StackStatusUpdateFailed {
		return nil, engine.NewValidationError(fmt.Sprintf("stack is in %s state and can not be updated", status), nil).
			WithResource(req.StackName)
	}

	var changes []engine.ResourceChange
	if p.ChangesFor != nil {
		changes = p.ChangesFor(req, copySnapshot(st.snapshot))
	} else if st.snapshot.Tags[engine.TagContentHash] != req.Tags[engine.TagContentHash] {
		changes = []engine.ResourceChange{{LogicalID: "Template", ResourceType: "AWS::CloudFormation::Stack", Action: engine.ChangeActionModify, Replacement: "False"}}
	}

	cs := &changeSet{
		preview: engine.ChangePreview{
			ID:        fmt.Sprintf("sim:%s:%s", req.StackName, changeSetName),
			Name:      changeSetName,
			StackName: req.StackName,
			Status:    engine.ChangeSetCreatePending,
			Changes:   changes,
		},
		req: req,
	}
	st.changeSets[changeSetName] = cs
	preview := cs.preview
	return &preview, nil
}

// DescribeChangeSet implements engine.StackProvider.
func (p *Provider) DescribeChangeSet(_ context.Context, stackName, changeSetName string) (*engine.ChangePreview, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.record("DescribeChangeSet", stackName, false); err != nil {
		return nil, err
	}
	cs, err := p.changeSet(stackName, changeSetName)
	if err != nil {
		return nil, err
	}
	if cs.preview.Status == engine.ChangeSetCreatePending {
		if len(cs.preview.Changes) == 0 {
			cs.preview.Status = engine.ChangeSetFailed
			cs.preview.StatusReason = "The submitted information didn't contain changes. Submit different information to create a change set."
		} else {
			cs.preview.Status = engine.ChangeSetCreateComplete
		}
	}
	preview := cs.preview
	preview.Changes = append([]engine.ResourceChange(nil), cs.preview.Changes...)
	return &preview, nil
}

// ExecuteChangeSet implements engine.StackProvider.
func (p *Provider) ExecuteChangeSet(_ context.Context, stackName, changeSetName string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.record("ExecuteChangeSet", stackName, true); err != nil {
		return err
	}
	cs, err := p.changeSet(stackName, changeSetName)
	if err != nil {
		return err
	}
	if cs.preview.Status != engine.ChangeSetCreateComplete {
		return engine.NewValidationError(fmt.Sprintf("change set is in %s state", cs.preview.Status), nil).
			WithResource(changeSetName)
	}
	st := p.stacks[stackName]
	delete(st.changeSets, changeSetName)

	req := cs.req
	st.onSuccess = &req
	steps := []Step{{Status: engine.StackStatusUpdateComplete}}
	if p.OnUpdate != nil {
		steps = p.OnUpdate(req)
	}
	p.begin(st, engine.StackStatusUpdateInProgress, steps)
	return nil
}

// DeleteChangeSet implements engine.StackProvider.
func (p *Provider) DeleteChangeSet(_ context.Context, stackName, changeSetName string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.record("DeleteChangeSet", stackName, true); err != nil {
		return err
	}
	if st, ok := p.stacks[stackName]; ok {
		delete(st.changeSets, changeSetName)
	}
	return nil
}

// ContinueRollback implements engine.StackProvider.
func (p *Provider) ContinueRollback(_ context.Context, stackName string, skip []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.record("ContinueRollback", stackName, true); err != nil {
		return err
	}
	st, ok := p.stacks[stackName]
	if !ok {
		return engine.NewNotFoundError("stack does not exist", nil).WithResource(stackName)
	}
	if !st.snapshot.Status.IsRollbackFailed() {
		return engine.NewValidationError(fmt.Sprintf("stack is in %s state, rollback cannot continue", st.snapshot.Status), nil).
			WithResource(stackName)
	}

	inProgress, done := engine.StackStatusUpdateRollbackInProgress, engine.StackStatusUpdateRollbackComplete
	if st.snapshot.Status == engine.StackStatusRollbackFailed {
		inProgress, done = engine.StackStatusRollbackInProgress, engine.StackStatusRollbackComplete
	}
	steps := []Step{{Status: done}}
	if p.OnContinueRollback != nil {
		steps = p.OnContinueRollback(skip)
	}
	p.begin(st, inProgress, steps)
	return nil
}

// ValidateTemplate implements engine.StackProvider.
func (p *Provider) ValidateTemplate(_ context.Context, body []byte) (*engine.TemplateSummary, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.record("ValidateTemplate", "", false); err != nil {
		return nil, err
	}
	if p.Validate != nil {
		if err := p.Validate(body); err != nil {
			return nil, err
		}
	} else if len(bytes.TrimSpace(body)) == 0 {
		return nil, engine.NewValidationError("Template format error: template body is empty", nil)
	}
	return &engine.TemplateSummary{}, nil
}

// DetectDrift implements engine.StackProvider. The detection completes on
// the second DescribeDriftDetection call.
func (p *Provider) DetectDrift(_ context.Context, stackName string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.record("DetectDrift", stackName, false); err != nil {
		return "", err
	}
	st, ok := p.stacks[stackName]
	if !ok {
		return "", engine.NewNotFoundError("stack does not exist", nil).WithResource(stackName)
	}
	if st.snapshot.Status.IsInProgress() {
		return "", engine.NewConflictError(fmt.Sprintf("stack is in %s state", st.snapshot.Status), nil).WithResource(stackName)
	}
	p.seq++
	id := fmt.Sprintf("sim-drift-%06d", p.seq)
	p.detections[id] = &detection{stackName: stackName}
	return id, nil
}

// DescribeDriftDetection implements engine.StackProvider.
func (p *Provider) DescribeDriftDetection(_ context.Context, detectionID string) (*engine.DriftDetection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	d, ok := p.detections[detectionID]
	var stackName string
	if ok {
		stackName = d.stackName
	}
	if err := p.record("DescribeDriftDetection", stackName, false); err != nil {
		return nil, err
	}
	if !ok {
		return nil, engine.NewNotFoundError("drift detection does not exist", nil).WithResource(detectionID)
	}
	d.polls++
	out := &engine.DriftDetection{ID: detectionID, StackName: d.stackName, Status: engine.DriftDetectionInProgress}
	if d.polls < 2 {
		return out, nil
	}
	out.Status = engine.DriftDetectionComplete
	out.DriftStatus = engine.StackInSync
	if n := len(p.drift[d.stackName]); n > 0 {
		out.DriftStatus = engine.StackDrifted
		out.Drifted = n
	}
	return out, nil
}

// DescribeResourceDrifts implements engine.StackProvider.
func (p *Provider) DescribeResourceDrifts(_ context.Context, stackName string) ([]engine.ResourceDrift, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.record("DescribeResourceDrifts", stackName, false); err != nil {
		return nil, err
	}
	if _, ok := p.stacks[stackName]; !ok {
		return nil, engine.NewNotFoundError("stack does not exist", nil).WithResource(stackName)
	}
	return append([]engine.ResourceDrift{}, p.drift[stackName]...), nil
}

func (p *Provider) changeSet(stackName, changeSetName string) (*changeSet, error) {
	st, ok := p.stacks[stackName]
	if !ok {
		return nil, engine.NewNotFoundError("stack does not exist", nil).WithResource(stackName)
	}
	cs, ok := st.changeSets[changeSetName]
	if !ok {
		return nil, engine.NewNotFoundError("change set does not exist", nil).WithResource(changeSetName)
	}
	return cs, nil
}

func copySnapshot(s engine.StackSnapshot) engine.StackSnapshot {
	out := s
	out.Outputs = copyMap(s.Outputs)
	out.Parameters = copyMap(s.Parameters)
	out.Tags = copyMap(s.Tags)
	out.Resources = append([]engine.StackResource(nil), s.Resources...)
	return out
}

func copyMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// ResourceEvent builds a resource-level event for use in steps.
func ResourceEvent(logicalID, resourceType string, status engine.StackStatus, reason string) engine.StackEvent {
	return engine.StackEvent{
		LogicalResourceID:  logicalID,
		PhysicalResourceID: logicalID + "-physical",
		ResourceType:       resourceType,
		Status:             status,
		StatusReason:       reason,
	}
}
