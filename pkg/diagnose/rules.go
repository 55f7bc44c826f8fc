package diagnose

import (
	"strings"

	"github.com/openfroyo/stackpilot/pkg/engine"
)

// Rule maps a failing event to a category. Rules are evaluated in order and
// the first match wins.
type Rule struct {
	// Name identifies the rule in findings and reports.
	Name string

	// Category is assigned when the rule matches.
	Category engine.Category

	// Confidence is assigned when the rule matches.
	Confidence engine.Confidence

	// Match reports whether the event belongs to the category.
	Match func(ev engine.StackEvent) bool
}

var (
	throttleMarkers = []string{"rate exceeded", "throttling", "toomanyrequests", "slowdown", "request limit exceeded"}

	quotaMarkers = []string{"limitexceeded", "limit exceeded", "quota", "maximum number of", "too many resources"}

	permissionMarkers = []string{"accessdenied", "access denied", "is not authorized", "unauthorizedoperation", "not authorized to perform"}

	dependencyMarkers = []string{
		"dependencyviolation",
		"dependent object",
		"has dependencies",
		"bucketnotempty",
		"bucket you tried to delete is not empty",
		"is currently in use",
		"in use by",
		"is in use",
	}

	existsMarkers = []string{"already exists", "alreadyexists", "already owned by you", "bucketalreadyownedbyyou"}

	templateMarkers = []string{"template format error", "template error", "unresolved resource dependencies", "invalid template", "must have values", "validation error"}

	cascadeMarkers = []string{"resource creation cancelled", "resource update cancelled", "resource deletion cancelled"}
)

func reasonHas(ev engine.StackEvent, markers []string) bool {
	reason := strings.ToLower(ev.StatusReason)
	for _, m := range markers {
		if strings.Contains(reason, m) {
			return true
		}
	}
	return false
}

// isNetworkHold reports whether an event is a delete blocked by a network
// interface that a function still holds.
func isNetworkHold(ev engine.StackEvent) bool {
	if ev.Status != engine.StackStatusDeleteFailed {
		return false
	}
	switch ev.ResourceType {
	case engine.ResourceTypeNetworkInterface, engine.ResourceTypeSecurityGroup, engine.ResourceTypeSubnet:
	default:
		return false
	}
	reason := strings.ToLower(ev.StatusReason)
	return strings.Contains(reason, "network interface") || strings.Contains(reason, "eni")
}

// IsCascade reports whether an event is a side effect of another failure.
func IsCascade(ev engine.StackEvent) bool {
	return reasonHas(ev, cascadeMarkers)
}

// DefaultRules is the built-in rule table.
var DefaultRules = []Rule{
	{
		Name:       "throttling",
		Category:   engine.CategoryThrottled,
		Confidence: engine.ConfidenceHigh,
		Match:      func(ev engine.StackEvent) bool { return reasonHas(ev, throttleMarkers) },
	},
	{
		Name:       "quota",
		Category:   engine.CategoryQuotaExceeded,
		Confidence: engine.ConfidenceHigh,
		Match:      func(ev engine.StackEvent) bool { return reasonHas(ev, quotaMarkers) },
	},
	{
		Name:       "permission",
		Category:   engine.CategoryPermissionDenied,
		Confidence: engine.ConfidenceHigh,
		Match:      func(ev engine.StackEvent) bool { return reasonHas(ev, permissionMarkers) },
	},
	{
		Name:       "dependency-violation",
		Category:   engine.CategoryDependencyViolationOnDelete,
		Confidence: engine.ConfidenceHigh,
		Match: func(ev engine.StackEvent) bool {
			return ev.Status == engine.StackStatusDeleteFailed && reasonHas(ev, dependencyMarkers)
		},
	},
	{
		Name:       "network-interface-hold",
		Category:   engine.CategoryDependencyViolationOnDelete,
		Confidence: engine.ConfidenceMedium,
		Match:      isNetworkHold,
	},
	{
		Name:       "already-exists",
		Category:   engine.CategoryResourceAlreadyExists,
		Confidence: engine.ConfidenceHigh,
		Match:      func(ev engine.StackEvent) bool { return reasonHas(ev, existsMarkers) },
	},
	{
		Name:       "invalid-template",
		Category:   engine.CategoryInvalidTemplate,
		Confidence: engine.ConfidenceMedium,
		Match:      func(ev engine.StackEvent) bool { return reasonHas(ev, templateMarkers) },
	},
}

// actionFor maps a category to its recommended action. It is pure.
// stuck is true when the stack is stuck mid-rollback; deleting is true when
// the failed operation was a stack deletion. A dependency violation outside
// a stack deletion comes from the cleanup phase of an update or its rollback;
// the stack itself is intact, so it is retried rather than deleted.
func actionFor(category engine.Category, stuck, deleting bool, culprits []string) engine.RecommendedAction {
	if stuck {
		return engine.RecommendedAction{
			Strategy:      engine.StrategyContinueRollback,
			SkipResources: append([]string(nil), culprits...),
			Description:   "continue the rollback, skipping the resources that failed to roll back",
		}
	}

	switch category {
	case engine.CategoryDependencyViolationOnDelete:
		if deleting {
			return engine.RecommendedAction{
				Strategy:    engine.StrategyForceDeleteWithCleanup,
				Description: "remove blocking objects and network interfaces, then delete the stack again",
			}
		}
		return engine.RecommendedAction{
			Strategy:    engine.StrategyRetryWithBackoff,
			Description: "wait for dependent objects to be released, then retry",
		}
	case engine.CategoryRollbackFailedIrrecoverable:
		return engine.RecommendedAction{
			Strategy:      engine.StrategyContinueRollback,
			SkipResources: append([]string(nil), culprits...),
			Description:   "continue the rollback, skipping the resources that failed to roll back",
		}
	case engine.CategoryQuotaExceeded, engine.CategoryThrottled:
		return engine.RecommendedAction{
			Strategy:    engine.StrategyRetryWithBackoff,
			Description: "wait with backoff, then resubmit unchanged",
		}
	case engine.CategoryResourceAlreadyExists:
		return engine.RecommendedAction{
			Strategy:    engine.StrategyNone,
			Description: "import the existing resource into the stack or rename it",
		}
	case engine.CategoryPermissionDenied:
		return engine.RecommendedAction{
			Strategy:    engine.StrategyNone,
			Description: "grant the deploying principal the missing permission",
		}
	case engine.CategoryInvalidTemplate:
		return engine.RecommendedAction{
			Strategy:    engine.StrategyNone,
			Description: "fix the template or its parameters",
		}
	default:
		return engine.RecommendedAction{
			Strategy:    engine.StrategyNone,
			Description: "inspect the event history; no automatic recovery applies",
		}
	}
}
