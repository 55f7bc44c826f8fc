// Package engine provides the core types and collaborator interfaces of the
// stackpilot deployment lifecycle controller.
//
// # Overview
//
// stackpilot drives a named infrastructure stack through create, update and
// delete, diagnoses failures from the provider's event history, executes a
// bounded automatic recovery, and rotates the bucket series that holds
// deployment packages. The remote provider is the durable source of truth;
// every name is derived deterministically from a naming.Identity so reruns
// are idempotent.
//
// # Core Domain Types
//
//   - StackSnapshot: immutable view of a stack (status, outputs, parameters, tags)
//   - StackEvent: one entry of the provider's event history
//   - Diagnosis: classified failure with culprit resources and a recommended action
//   - RecoveryOutcome: result of executing one recovery strategy
//   - DeploymentResult: attempt history, transitions and final state of one deploy
//   - ArtifactBucket: one bucket of an identity's artifact bucket series
//
// # Collaborators
//
// The provider is reached only through StackProvider, ObjectStore and
// NetworkCleaner. Time is reached only through Clock, so polling and backoff
// can be driven by a fake clock in tests. Same-identity operations serialize
// through a Locker.
//
// # Error Handling
//
// Provider failures are returned as *EngineError with a class:
//
//	Transient  - throttling or temporary unavailability, retried with backoff
//	Permission - fatal, surfaced immediately
//	Conflict   - another operation is in flight; wait, then retry once
//	NotFound   - the stack, bucket or resource does not exist
//	Validation - the request was rejected
//	Timeout    - a wall-clock budget expired
//	Cancelled  - the caller cancelled
//
// # Reading State
//
// Reader fetches snapshots and the events of the most recent operation, and
// polls with capped exponential backoff until a terminal status:
//
//	reader := engine.NewReader(provider)
//	snap, err := reader.WaitForTerminal(ctx, id, engine.WaitOptions{
//		Backoff:  engine.DefaultPollBackoff,
//		Deadline: time.Now().Add(45 * time.Minute),
//	})
package engine
