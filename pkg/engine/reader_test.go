package engine_test

import (
	"context"
	"testing"
	"time"

	"github.com/openfroyo/stackpilot/pkg/engine"
	"github.com/openfroyo/stackpilot/pkg/naming"
	"github.com/openfroyo/stackpilot/pkg/providers/sim"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testIdentity(t *testing.T) naming.Identity {
	t.Helper()
	id, err := naming.NewIdentity("fraud-or-not", "dev")
	if err != nil {
		t.Fatalf("NewIdentity failed: %v", err)
	}
	return id
}

func TestFetchSnapshotNotFound(t *testing.T) {
	clock := sim.NewClock(epoch)
	provider := sim.NewProvider(clock)
	reader := engine.NewReader(provider, engine.WithReaderClock(clock))

	_, err := reader.FetchSnapshot(context.Background(), testIdentity(t))
	if !engine.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestFetchEventsReturnsLatestOperation(t *testing.T) {
	clock := sim.NewClock(epoch)
	provider := sim.NewProvider(clock)
	id := testIdentity(t)

	provider.PutStack(engine.StackSnapshot{Name: id.Name, Status: engine.StackStatusCreateComplete}, nil)
	provider.OnUpdate = func(engine.StackRequest) []sim.Step {
		return []sim.Step{
			{Status: engine.StackStatusUpdateRollbackInProgress, Events: []engine.StackEvent{
				sim.ResourceEvent("Queue", "AWS::SQS::Queue", engine.StackStatusUpdateFailed, "Rate exceeded"),
			}},
			{Status: engine.StackStatusUpdateRollbackComplete},
		}
	}

	ctx := context.Background()
	req := engine.StackRequest{StackName: id.Name, Tags: map[string]string{engine.TagContentHash: "new"}}
	if _, err := provider.CreateChangeSet(ctx, req, "cs-1"); err != nil {
		t.Fatalf("CreateChangeSet failed: %v", err)
	}
	if _, err := provider.DescribeChangeSet(ctx, id.Name, "cs-1"); err != nil {
		t.Fatalf("DescribeChangeSet failed: %v", err)
	}
	if err := provider.ExecuteChangeSet(ctx, id.Name, "cs-1"); err != nil {
		t.Fatalf("ExecuteChangeSet failed: %v", err)
	}

	reader := engine.NewReader(provider, engine.WithReaderClock(clock))
	snap, err := reader.WaitForTerminal(ctx, id, engine.WaitOptions{Backoff: engine.Backoff{Initial: time.Second, Max: time.Second}})
	if err != nil {
		t.Fatalf("WaitForTerminal failed: %v", err)
	}
	if snap.Status != engine.StackStatusUpdateRollbackComplete {
		t.Fatalf("status = %s", snap.Status)
	}

	events, err := reader.FetchEvents(ctx, id)
	if err != nil {
		t.Fatalf("FetchEvents failed: %v", err)
	}
	if len(events) == 0 || events[0].Status != engine.StackStatusUpdateInProgress {
		t.Fatalf("events should start at the update, got %+v", events)
	}
	for i := 1; i < len(events); i++ {
		if events[i].Timestamp.Before(events[i-1].Timestamp) {
			t.Fatalf("events not chronological at %d", i)
		}
	}
}

func TestLatestOperationFallback(t *testing.T) {
	name := "fon-dev-stack"
	ev := func(status engine.StackStatus, reason string, minute int) engine.StackEvent {
		return engine.StackEvent{
			LogicalResourceID: name,
			ResourceType:      engine.ResourceTypeStack,
			Status:            status,
			StatusReason:      reason,
			Timestamp:         epoch.Add(time.Duration(minute) * time.Minute),
		}
	}
	events := []engine.StackEvent{
		ev(engine.StackStatusCreateInProgress, "", 0),
		ev(engine.StackStatusCreateComplete, "", 1),
		ev(engine.StackStatusUpdateInProgress, "", 2),
		ev(engine.StackStatusUpdateComplete, "", 3),
	}
	got := engine.LatestOperation(events, name)
	if len(got) != 2 || got[0].Status != engine.StackStatusUpdateInProgress {
		t.Fatalf("LatestOperation = %+v", got)
	}

	if got := engine.LatestOperation(events[1:2], name); len(got) != 1 {
		t.Fatalf("without a start event all events are kept, got %d", len(got))
	}
}

func TestWaitForTerminalRetriesTransientErrors(t *testing.T) {
	clock := sim.NewClock(epoch)
	provider := sim.NewProvider(clock)
	id := testIdentity(t)
	provider.PutStack(engine.StackSnapshot{Name: id.Name, Status: engine.StackStatusUpdateInProgress}, nil)
	provider.QueueSteps(id.Name, sim.Step{Status: engine.StackStatusUpdateInProgress}, sim.Step{Status: engine.StackStatusUpdateComplete})
	provider.FailNext("DescribeStack", engine.NewThrottledError("Rate exceeded", nil))
	provider.FailNext("DescribeStack", engine.NewThrottledError("Rate exceeded", nil))

	reader := engine.NewReader(provider, engine.WithReaderClock(clock))
	snap, err := reader.WaitForTerminal(context.Background(), id, engine.WaitOptions{
		Backoff: engine.Backoff{Initial: time.Second, Max: 4 * time.Second, Multiplier: 2},
	})
	if err != nil {
		t.Fatalf("WaitForTerminal failed: %v", err)
	}
	if snap.Status != engine.StackStatusUpdateComplete {
		t.Errorf("status = %s", snap.Status)
	}

	sleeps := clock.Sleeps()
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	if len(sleeps) != len(want) {
		t.Fatalf("sleeps = %v, want %v", sleeps, want)
	}
	for i := range want {
		if sleeps[i] != want[i] {
			t.Errorf("sleep %d = %v, want %v", i, sleeps[i], want[i])
		}
	}
}

func TestWaitForTerminalDeadlineAndCancel(t *testing.T) {
	clock := sim.NewClock(epoch)
	provider := sim.NewProvider(clock)
	id := testIdentity(t)
	provider.PutStack(engine.StackSnapshot{Name: id.Name, Status: engine.StackStatusCreateInProgress}, nil)

	reader := engine.NewReader(provider, engine.WithReaderClock(clock))
	snap, err := reader.WaitForTerminal(context.Background(), id, engine.WaitOptions{
		Backoff:  engine.Backoff{Initial: 10 * time.Second, Max: 10 * time.Second},
		Deadline: epoch.Add(25 * time.Second),
	})
	if engine.ClassOf(err) != engine.ErrorClassTimeout {
		t.Fatalf("expected timeout, got %v", err)
	}
	if snap == nil || snap.Status != engine.StackStatusCreateInProgress {
		t.Errorf("last snapshot = %+v", snap)
	}
	if !clock.Now().Equal(epoch.Add(25 * time.Second)) {
		t.Errorf("clock = %v, deadline should clamp the last sleep", clock.Now())
	}

	ctx, cancel := context.WithCancel(context.Background())
	clock.OnSleep(func(time.Duration) { cancel() })
	_, err = reader.WaitForTerminal(ctx, id, engine.WaitOptions{})
	if engine.ClassOf(err) != engine.ErrorClassCancelled {
		t.Fatalf("expected cancelled, got %v", err)
	}
}

func TestWaitForTerminalTreatsDeletedStackAsAbsent(t *testing.T) {
	clock := sim.NewClock(epoch)
	provider := sim.NewProvider(clock)
	id := testIdentity(t)
	provider.PutStack(engine.StackSnapshot{Name: id.Name, Status: engine.StackStatusCreateComplete}, nil)
	if err := provider.DeleteStack(context.Background(), id.Name, nil); err != nil {
		t.Fatalf("DeleteStack failed: %v", err)
	}

	reader := engine.NewReader(provider, engine.WithReaderClock(clock))
	snap, err := reader.WaitForTerminal(context.Background(), id, engine.WaitOptions{})
	if err != nil {
		t.Fatalf("WaitForTerminal failed: %v", err)
	}
	if snap.Status != engine.StackStatusAbsent {
		t.Errorf("status = %s, want ABSENT", snap.Status)
	}
}

func TestDetectDrift(t *testing.T) {
	tests := []struct {
		name      string
		drift     []engine.ResourceDrift
		status    engine.StackDriftStatus
		resources int
	}{
		{name: "in sync", status: engine.StackInSync},
		{
			name: "drifted",
			drift: []engine.ResourceDrift{{
				LogicalID:    "ScorerFunction",
				ResourceType: "AWS::Lambda::Function",
				Status:       "MODIFIED",
				Differences:  []engine.PropertyDifference{{Path: "/MemorySize", Expected: "512", Actual: "1024", Type: "NOT_EQUAL"}},
			}},
			status:    engine.StackDrifted,
			resources: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := sim.NewClock(epoch)
			provider := sim.NewProvider(clock)
			id := testIdentity(t)
			provider.PutStack(engine.StackSnapshot{Name: id.Name, Status: engine.StackStatusUpdateComplete}, nil)
			provider.SetDrift(id.Name, tt.drift...)

			reader := engine.NewReader(provider, engine.WithReaderClock(clock))
			report, err := reader.DetectDrift(context.Background(), id, engine.WaitOptions{})
			if err != nil {
				t.Fatalf("DetectDrift failed: %v", err)
			}
			if report.DriftStatus != tt.status || len(report.Resources) != tt.resources {
				t.Errorf("report = %+v, want %s with %d resources", report, tt.status, tt.resources)
			}
			if len(clock.Sleeps()) != 1 {
				t.Errorf("sleeps = %v, want one poll interval", clock.Sleeps())
			}
			if tt.resources == 0 && provider.CallCount("DescribeResourceDrifts") != 0 {
				t.Error("resource drifts should only be listed for a drifted stack")
			}
		})
	}
}

func TestDetectDriftErrors(t *testing.T) {
	clock := sim.NewClock(epoch)
	provider := sim.NewProvider(clock)
	id := testIdentity(t)
	reader := engine.NewReader(provider, engine.WithReaderClock(clock))

	if _, err := reader.DetectDrift(context.Background(), id, engine.WaitOptions{}); !engine.IsNotFound(err) {
		t.Errorf("missing stack: error = %v, want not found", err)
	}

	provider.PutStack(engine.StackSnapshot{Name: id.Name, Status: engine.StackStatusUpdateInProgress}, nil)
	if _, err := reader.DetectDrift(context.Background(), id, engine.WaitOptions{}); !engine.IsConflict(err) {
		t.Errorf("busy stack: error = %v, want conflict", err)
	}

	provider.PutStack(engine.StackSnapshot{Name: id.Name, Status: engine.StackStatusCreateComplete}, nil)
	_, err := reader.DetectDrift(context.Background(), id, engine.WaitOptions{Deadline: epoch})
	if engine.ClassOf(err) != engine.ErrorClassTimeout {
		t.Errorf("expired deadline: error class = %s, want timeout", engine.ClassOf(err))
	}
}
