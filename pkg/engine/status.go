package engine

import (
	"encoding/json"
	"fmt"
	"strings"
)

// StackStatus is the provider-reported status of a stack.
type StackStatus string

const (
	StackStatusCreateInProgress                        StackStatus = "CREATE_IN_PROGRESS"
	StackStatusCreateFailed                            StackStatus = "CREATE_FAILED"
	StackStatusCreateComplete                          StackStatus = "CREATE_COMPLETE"
	StackStatusRollbackInProgress                      StackStatus = "ROLLBACK_IN_PROGRESS"
	StackStatusRollbackFailed                          StackStatus = "ROLLBACK_FAILED"
	StackStatusRollbackComplete                        StackStatus = "ROLLBACK_COMPLETE"
	StackStatusDeleteInProgress                        StackStatus = "DELETE_IN_PROGRESS"
	StackStatusDeleteFailed                            StackStatus = "DELETE_FAILED"
	StackStatusDeleteComplete                          StackStatus = "DELETE_COMPLETE"
	StackStatusUpdateInProgress                        StackStatus = "UPDATE_IN_PROGRESS"
	StackStatusUpdateCompleteCleanupInProgress         StackStatus = "UPDATE_COMPLETE_CLEANUP_IN_PROGRESS"
	StackStatusUpdateComplete                          StackStatus = "UPDATE_COMPLETE"
	StackStatusUpdateFailed                            StackStatus = "UPDATE_FAILED"
	StackStatusUpdateRollbackInProgress                StackStatus = "UPDATE_ROLLBACK_IN_PROGRESS"
	StackStatusUpdateRollbackFailed                    StackStatus = "UPDATE_ROLLBACK_FAILED"
	StackStatusUpdateRollbackCompleteCleanupInProgress StackStatus = "UPDATE_ROLLBACK_COMPLETE_CLEANUP_IN_PROGRESS"
	StackStatusUpdateRollbackComplete                  StackStatus = "UPDATE_ROLLBACK_COMPLETE"
	StackStatusReviewInProgress                        StackStatus = "REVIEW_IN_PROGRESS"

	// StackStatusAbsent is reported for a stack that does not exist.
	StackStatusAbsent StackStatus = "ABSENT"
)

// IsInProgress returns true while the provider is still working on the stack.
func (s StackStatus) IsInProgress() bool {
	return strings.HasSuffix(string(s), "_IN_PROGRESS")
}

// IsTerminal returns true if the status no longer changes without a new request.
func (s StackStatus) IsTerminal() bool {
	return s != "" && !s.IsInProgress()
}

// IsStableComplete returns true for statuses meaning the last request succeeded
// and the stack accepts updates.
func (s StackStatus) IsStableComplete() bool {
	return s == StackStatusCreateComplete || s == StackStatusUpdateComplete
}

// IsRollbackComplete returns true when a rollback finished cleanly.
// The stack is stable but the request that caused the rollback failed.
func (s StackStatus) IsRollbackComplete() bool {
	return s == StackStatusRollbackComplete || s == StackStatusUpdateRollbackComplete
}

// IsRollbackFailed returns true when the stack is stuck mid-rollback.
func (s StackStatus) IsRollbackFailed() bool {
	return s == StackStatusRollbackFailed || s == StackStatusUpdateRollbackFailed
}

// IsFailed returns true for terminal statuses where the last request did not succeed.
// Rollback-complete counts as failed to the caller.
func (s StackStatus) IsFailed() bool {
	if !s.IsTerminal() || s == StackStatusAbsent || s == StackStatusDeleteComplete {
		return false
	}
	return strings.HasSuffix(string(s), "_FAILED") || s.IsRollbackComplete()
}

// IsGone returns true when the stack no longer exists.
func (s StackStatus) IsGone() bool {
	return s == StackStatusAbsent || s == StackStatusDeleteComplete
}

// IsFailureOrRollback reports whether an event status denotes a failure or a rollback.
func (s StackStatus) IsFailureOrRollback() bool {
	str := string(s)
	return strings.HasSuffix(str, "_FAILED") || strings.Contains(str, "ROLLBACK")
}

// DeployState is a state of the deployer state machine.
type DeployState string

const (
	// DeployStateIdle is the state before the current stack has been inspected.
	DeployStateIdle DeployState = "idle"

	// DeployStateSubmitting indicates a create, update or replace is being requested.
	DeployStateSubmitting DeployState = "submitting"

	// DeployStatePolling indicates the deployer is waiting for a terminal stack status.
	DeployStatePolling DeployState = "polling"

	// DeployStateDiagnosing indicates a failure is being classified.
	DeployStateDiagnosing DeployState = "diagnosing"

	// DeployStateRecovering indicates a recovery strategy is executing.
	DeployStateRecovering DeployState = "recovering"

	// DeployStateSucceeded is the terminal success state.
	DeployStateSucceeded DeployState = "succeeded"

	// DeployStateAborted is the terminal failure state.
	DeployStateAborted DeployState = "aborted"
)

// IsTerminal returns true if the deploy state is final.
func (s DeployState) IsTerminal() bool {
	return s == DeployStateSucceeded || s == DeployStateAborted
}

// Validate checks if the deploy state is valid.
func (s DeployState) Validate() error {
	switch s {
	case DeployStateIdle, DeployStateSubmitting, DeployStatePolling, DeployStateDiagnosing,
		DeployStateRecovering, DeployStateSucceeded, DeployStateAborted:
		return nil
	default:
		return fmt.Errorf("invalid deploy state: %s", s)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s DeployState) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *DeployState) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = DeployState(str)
	return s.Validate()
}

// Category is the closed set of failure classifications.
type Category string

const (
	CategoryUnknown                     Category = "Unknown"
	CategoryResourceAlreadyExists       Category = "ResourceAlreadyExists"
	CategoryDependencyViolationOnDelete Category = "DependencyViolationOnDelete"
	CategoryRollbackFailedIrrecoverable Category = "RollbackFailedIrrecoverable"
	CategoryQuotaExceeded               Category = "QuotaExceeded"
	CategoryThrottled                   Category = "Throttled"
	CategoryPermissionDenied            Category = "PermissionDenied"
	CategoryInvalidTemplate             Category = "InvalidTemplate"

	// The categories below are assigned by the deployer, never by rules.
	CategoryTimeout      Category = "Timeout"
	CategoryCancelled    Category = "Cancelled"
	CategoryPolicyDenied Category = "PolicyDenied"
)

// Validate checks if the category is valid.
func (c Category) Validate() error {
	switch c {
	case CategoryUnknown, CategoryResourceAlreadyExists, CategoryDependencyViolationOnDelete,
		CategoryRollbackFailedIrrecoverable, CategoryQuotaExceeded, CategoryThrottled,
		CategoryPermissionDenied, CategoryInvalidTemplate, CategoryTimeout,
		CategoryCancelled, CategoryPolicyDenied:
		return nil
	default:
		return fmt.Errorf("invalid failure category: %s", c)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (c Category) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(c))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (c *Category) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*c = Category(str)
	return c.Validate()
}

// Strategy is an automatic recovery strategy.
type Strategy string

const (
	// StrategyNone means no automatic recovery exists; an operator must act.
	StrategyNone Strategy = "none"

	// StrategyContinueRollback resumes a stuck rollback, skipping the named resources.
	StrategyContinueRollback Strategy = "continue_rollback"

	// StrategyForceDeleteWithCleanup removes blocking objects out-of-band, then deletes the stack.
	StrategyForceDeleteWithCleanup Strategy = "force_delete_with_cleanup"

	// StrategyRetryWithBackoff waits and resubmits without mutating anything.
	StrategyRetryWithBackoff Strategy = "retry_with_backoff"
)

// IsAutomatic returns true if the strategy can run without an operator.
func (s Strategy) IsAutomatic() bool {
	return s != StrategyNone && s != ""
}

// Confidence expresses how specific the rule behind a diagnosis was.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// OutcomeStatus is the result of a single recovery execution.
type OutcomeStatus string

const (
	// OutcomeApplied means the strategy mutated the stack and the stack settled.
	OutcomeApplied OutcomeStatus = "applied"

	// OutcomeWait means the caller should wait before resubmitting.
	OutcomeWait OutcomeStatus = "wait"

	// OutcomeNoAction means no automatic strategy applies.
	OutcomeNoAction OutcomeStatus = "no_action"

	// OutcomeFailed means an underlying call failed; the raw error is attached.
	OutcomeFailed OutcomeStatus = "failed"
)

// Operation is the kind of request an attempt submitted.
type Operation string

const (
	OperationCreate  Operation = "create"
	OperationUpdate  Operation = "update"
	OperationReplace Operation = "replace"
	OperationNoop    Operation = "noop"
	OperationObserve Operation = "observe"
	OperationDelete  Operation = "delete"
)

// AbortReason explains why a deployment ended in the aborted state.
type AbortReason string

const (
	ReasonNone                AbortReason = ""
	ReasonCancelled           AbortReason = "cancelled"
	ReasonTimeout             AbortReason = "timeout"
	ReasonPermissionDenied    AbortReason = "permission_denied"
	ReasonPolicyDenied        AbortReason = "policy_denied"
	ReasonNoAutomaticAction   AbortReason = "no_automatic_action"
	ReasonRecoveryFailed      AbortReason = "recovery_failed"
	ReasonMaxRecoveryAttempts AbortReason = "max_recovery_attempts"
	ReasonProviderError       AbortReason = "provider_error"
)
