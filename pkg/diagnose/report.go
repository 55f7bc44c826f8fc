package diagnose

import (
	"fmt"
	"strings"

	"github.com/openfroyo/stackpilot/pkg/engine"
)

// ManualStep returns the exact next step an operator should take.
func ManualStep(d engine.Diagnosis) string {
	culprits := strings.Join(d.CulpritResources, ", ")
	if culprits == "" {
		culprits = "the failing resources"
	}

	switch d.Category {
	case engine.CategoryResourceAlreadyExists:
		return fmt.Sprintf("Import %s into the stack or give it a different name, then deploy again.", culprits)
	case engine.CategoryDependencyViolationOnDelete:
		if d.StackStatus.IsRollbackFailed() {
			return fmt.Sprintf("Continue the rollback skipping %s, then delete the skipped resources by hand.", culprits)
		}
		if d.StackStatus == engine.StackStatusDeleteFailed {
			return fmt.Sprintf("Empty the buckets and delete the network interfaces that block %s, then delete the stack again (stackpilot delete --force).", culprits)
		}
		return "Network interfaces created for functions can take 10-15 minutes to release; wait, then deploy again."
	case engine.CategoryRollbackFailedIrrecoverable:
		return fmt.Sprintf("Continue the rollback skipping %s, then reconcile those resources by hand.", culprits)
	case engine.CategoryQuotaExceeded:
		return "Request a quota increase or remove unused resources, then deploy again."
	case engine.CategoryThrottled:
		return "Wait for provider rate limits to reset, then deploy again."
	case engine.CategoryPermissionDenied:
		return fmt.Sprintf("Grant the deploying principal the permissions %s needs, then deploy again.", culprits)
	case engine.CategoryInvalidTemplate:
		return "Validate the template and parameters, fix the reported error, then deploy again."
	case engine.CategoryTimeout:
		return "Check the stack events for resources still in progress; rerun deploy once the stack is stable."
	case engine.CategoryCancelled:
		return "The remote operation may still be running; rerun deploy to resume observing it."
	case engine.CategoryPolicyDenied:
		return "Review the denied changes; override the policy only with an approved change request."
	}

	switch d.StackStatus {
	case engine.StackStatusRollbackComplete:
		return "The stack never finished creating; delete it and create it again after fixing the cause in the events."
	case engine.StackStatusDeleteFailed:
		return "Inspect the resources that failed to delete, remove them by hand, then delete the stack again."
	case engine.StackStatusUpdateRollbackComplete:
		return "The update was rolled back; fix the cause shown in the events and deploy again."
	}
	if d.StackStatus.IsInProgress() {
		return "Wait for the current operation to finish before deploying again."
	}
	return "Inspect the full event history; no rule explains this failure."
}

// Report renders a diagnosis for operators.
func Report(stackName string, d engine.Diagnosis) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Stack:      %s\n", stackName)
	fmt.Fprintf(&b, "Status:     %s\n", d.StackStatus)
	fmt.Fprintf(&b, "Category:   %s (confidence %s)\n", d.Category, d.Confidence)
	if d.Summary != "" {
		fmt.Fprintf(&b, "Cause:      %s\n", d.Summary)
	}
	if len(d.CulpritResources) > 0 {
		fmt.Fprintf(&b, "Culprits:   %s\n", strings.Join(d.CulpritResources, ", "))
	}
	fmt.Fprintf(&b, "Action:     %s", d.RecommendedAction.Strategy)
	if len(d.RecommendedAction.SkipResources) > 0 {
		fmt.Fprintf(&b, " (skip %s)", strings.Join(d.RecommendedAction.SkipResources, ", "))
	}
	if d.RecommendedAction.Description != "" {
		fmt.Fprintf(&b, ": %s", d.RecommendedAction.Description)
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "Next step:  %s\n", d.ManualStep)

	if len(d.Findings) > 0 {
		b.WriteString("\nFailures (earliest per resource):\n")
		for _, f := range d.Findings {
			marker := ""
			if f.Cascade {
				marker = " [cascade]"
			}
			fmt.Fprintf(&b, "  %s  %-28s %-32s %s%s\n",
				f.Timestamp.UTC().Format("2006-01-02T15:04:05Z"), f.LogicalResourceID, f.Status, f.Category, marker)
			if f.Reason != "" {
				fmt.Fprintf(&b, "      %s\n", f.Reason)
			}
		}
	}
	return b.String()
}

// DriftReport renders the outcome of a drift detection for operators.
func DriftReport(r engine.DriftReport) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Drift:      %s\n", r.DriftStatus)
	if r.Reason != "" {
		fmt.Fprintf(&b, "Reason:     %s\n", r.Reason)
	}
	if r.DriftStatus != engine.StackDrifted {
		return b.String()
	}
	fmt.Fprintf(&b, "Next step:  Reconcile the %d drifted resources by hand or deploy again to restore the template values.\n", len(r.Resources))
	b.WriteString("\nDrifted resources:\n")
	for _, res := range r.Resources {
		fmt.Fprintf(&b, "  %-28s %-32s %s\n", res.LogicalID, res.ResourceType, res.Status)
		for _, d := range res.Differences {
			fmt.Fprintf(&b, "      %s %s: expected %s, actual %s\n", d.Type, d.Path, d.Expected, d.Actual)
		}
	}
	return b.String()
}
