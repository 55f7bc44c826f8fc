// Package diagnose classifies failed stack operations from their event history.
//
// Diagnosis is a pure function of the events and the terminal status: it
// keeps failure and rollback events, takes the earliest failure of each
// logical resource, matches it against an ordered rule table and maps the
// winning category to a recommended recovery action.
package diagnose

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/openfroyo/stackpilot/pkg/engine"
)

// Diagnoser classifies failures with an ordered rule table.
type Diagnoser struct {
	rules []Rule
}

// Option configures a Diagnoser.
type Option func(*Diagnoser)

// WithRules replaces the rule table.
func WithRules(rules []Rule) Option {
	return func(d *Diagnoser) { d.rules = rules }
}

// WithExtraRules evaluates rules before the built-in table.
func WithExtraRules(rules ...Rule) Option {
	return func(d *Diagnoser) { d.rules = append(append([]Rule(nil), rules...), d.rules...) }
}

// New creates a diagnoser with the built-in rules.
func New(opts ...Option) *Diagnoser {
	d := &Diagnoser{rules: DefaultRules}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Classify returns the finding for a single failing event.
func (d *Diagnoser) Classify(ev engine.StackEvent) engine.Finding {
	f := engine.Finding{
		LogicalResourceID:  ev.LogicalResourceID,
		PhysicalResourceID: ev.PhysicalResourceID,
		ResourceType:       ev.ResourceType,
		Status:             ev.Status,
		Reason:             ev.StatusReason,
		Timestamp:          ev.Timestamp,
		Category:           engine.CategoryUnknown,
		Rule:               "none",
		Confidence:         engine.ConfidenceLow,
		Cascade:            IsCascade(ev),
	}
	if f.Cascade {
		return f
	}
	for _, r := range d.rules {
		if r.Match(ev) {
			f.Category = r.Category
			f.Rule = r.Name
			f.Confidence = r.Confidence
			break
		}
	}
	return f
}

// earliestFailures returns the earliest failing event of each logical resource,
// ordered by time. Ties keep input order.
func earliestFailures(events []engine.StackEvent, keep func(engine.StackEvent) bool) []engine.StackEvent {
	seen := make(map[string]bool)
	var out []engine.StackEvent
	for _, ev := range sortedByTime(events) {
		if !keep(ev) || seen[ev.LogicalResourceID] {
			continue
		}
		seen[ev.LogicalResourceID] = true
		out = append(out, ev)
	}
	return out
}

// Diagnose classifies the most recent operation of stackName.
// events must be the operation's events; order is not required.
func (d *Diagnoser) Diagnose(stackName string, events []engine.StackEvent, terminal engine.StackStatus) engine.Diagnosis {
	isResource := func(ev engine.StackEvent) bool { return !ev.IsStackLevel(stackName) }
	failing := func(ev engine.StackEvent) bool { return ev.Status.IsFailureOrRollback() }

	groups := earliestFailures(events, func(ev engine.StackEvent) bool { return failing(ev) && isResource(ev) })
	if len(groups) == 0 {
		groups = earliestFailures(events, func(ev engine.StackEvent) bool {
			return failing(ev) && ev.StatusReason != "" && !strings.HasPrefix(ev.StatusReason, "The following resource(s) failed")
		})
	}

	findings := make([]engine.Finding, 0, len(groups))
	for _, g := range groups {
		findings = append(findings, d.Classify(g))
	}

	diag := engine.Diagnosis{
		StackStatus: terminal,
		Findings:    findings,
	}

	switch {
	case terminal.IsRollbackFailed():
		d.diagnoseStuck(&diag, stackName, events)
	case terminal == engine.StackStatusDeleteFailed:
		d.diagnoseDelete(&diag)
	default:
		d.diagnoseCause(&diag)
	}

	diag.ManualStep = ManualStep(diag)
	return diag
}

// diagnoseStuck attributes a stuck rollback to the resources that failed after
// the rollback began.
func (d *Diagnoser) diagnoseStuck(diag *engine.Diagnosis, stackName string, all []engine.StackEvent) {
	var rollbackAt time.Time
	for _, ev := range sortedByTime(all) {
		if ev.IsStackLevel(stackName) && strings.Contains(string(ev.Status), "ROLLBACK_IN_PROGRESS") {
			rollbackAt = ev.Timestamp
			break
		}
	}

	phase := earliestFailures(all, func(ev engine.StackEvent) bool {
		if ev.IsStackLevel(stackName) || !strings.HasSuffix(string(ev.Status), "_FAILED") {
			return false
		}
		if rollbackAt.IsZero() {
			return ev.Status == engine.StackStatusDeleteFailed || ev.Status == engine.StackStatusUpdateFailed
		}
		return !ev.Timestamp.Before(rollbackAt)
	})

	var culprits []engine.Finding
	for _, g := range phase {
		culprits = append(culprits, d.Classify(g))
	}

	category := engine.CategoryRollbackFailedIrrecoverable
	confidence := engine.ConfidenceMedium
	for _, f := range culprits {
		if f.Category == engine.CategoryDependencyViolationOnDelete {
			category = f.Category
			confidence = f.Confidence
			break
		}
	}
	if len(culprits) == 0 {
		confidence = engine.ConfidenceLow
	}

	diag.Category = category
	diag.Confidence = confidence
	diag.CulpritResources = logicalIDs(culprits)
	diag.RecommendedAction = actionFor(category, true, false, diag.CulpritResources)
	diag.Summary = summarize("rollback is stuck", culprits)
}

// diagnoseDelete attributes a failed deletion to the resources that failed to delete.
func (d *Diagnoser) diagnoseDelete(diag *engine.Diagnosis) {
	var deletes []engine.Finding
	for _, f := range diag.Findings {
		if f.Status == engine.StackStatusDeleteFailed && !f.Cascade {
			deletes = append(deletes, f)
		}
	}
	if len(deletes) == 0 {
		d.diagnoseCause(diag)
		return
	}

	primary := deletes[0]
	for _, f := range deletes {
		if f.Category == engine.CategoryDependencyViolationOnDelete {
			primary = f
			break
		}
	}
	culprits := sameCategory(deletes, primary.Category)

	diag.Category = primary.Category
	diag.Confidence = primary.Confidence
	diag.CulpritResources = logicalIDs(culprits)
	diag.RecommendedAction = actionFor(primary.Category, false, true, diag.CulpritResources)
	diag.Summary = summarize("deletion failed", culprits)
}

// diagnoseCause picks the earliest failure that is not a cascade side effect.
func (d *Diagnoser) diagnoseCause(diag *engine.Diagnosis) {
	if len(diag.Findings) == 0 {
		diag.Category = engine.CategoryUnknown
		diag.Confidence = engine.ConfidenceLow
		diag.RecommendedAction = actionFor(engine.CategoryUnknown, false, false, nil)
		diag.Summary = fmt.Sprintf("stack is %s with no failing events", diag.StackStatus)
		return
	}

	primary := diag.Findings[0]
	for _, f := range diag.Findings {
		if !f.Cascade {
			primary = f
			break
		}
	}
	culprits := sameCategory(diag.Findings, primary.Category)
	if len(culprits) == 0 {
		culprits = []engine.Finding{primary}
	}

	diag.Category = primary.Category
	diag.Confidence = primary.Confidence
	diag.CulpritResources = logicalIDs(culprits)
	diag.RecommendedAction = actionFor(primary.Category, false, false, diag.CulpritResources)
	diag.Summary = summarize("operation failed", culprits)
}

func sortedByTime(events []engine.StackEvent) []engine.StackEvent {
	out := append([]engine.StackEvent(nil), events...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

func sameCategory(findings []engine.Finding, category engine.Category) []engine.Finding {
	var out []engine.Finding
	for _, f := range findings {
		if f.Category == category && !f.Cascade {
			out = append(out, f)
		}
	}
	return out
}

func logicalIDs(findings []engine.Finding) []string {
	if len(findings) == 0 {
		return nil
	}
	out := make([]string, len(findings))
	for i, f := range findings {
		out[i] = f.LogicalResourceID
	}
	return out
}

func summarize(what string, culprits []engine.Finding) string {
	if len(culprits) == 0 {
		return what
	}
	first := culprits[0]
	s := fmt.Sprintf("%s: %s (%s) %s: %s", what, first.LogicalResourceID, first.ResourceType, first.Status, first.Reason)
	if len(culprits) > 1 {
		s += fmt.Sprintf(" (and %d more)", len(culprits)-1)
	}
	return s
}
