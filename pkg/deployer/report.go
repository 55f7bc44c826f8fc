package deployer

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/openfroyo/stackpilot/pkg/diagnose"
	"github.com/openfroyo/stackpilot/pkg/engine"
)

// WriteReport renders a deployment result for operators.
func WriteReport(w io.Writer, res *engine.DeploymentResult) error {
	var b strings.Builder

	outcome := "SUCCEEDED"
	if !res.Succeeded {
		outcome = "ABORTED (" + string(res.Reason) + ")"
	}
	fmt.Fprintf(&b, "Deployment %s: %s\n", res.ID, outcome)
	fmt.Fprintf(&b, "Stack:        %s (%s)\n", res.Identity.Name, res.Identity.Environment)
	fmt.Fprintf(&b, "Final status: %s\n", res.FinalStatus)
	fmt.Fprintf(&b, "Duration:     %s\n", time.Duration(res.DurationMs)*time.Millisecond)
	if res.RecoveryCount > 0 {
		fmt.Fprintf(&b, "Recoveries:   %d\n", res.RecoveryCount)
	}

	b.WriteString("\nAttempts:\n")
	for _, a := range res.Attempts {
		fmt.Fprintf(&b, "  #%d %-8s %s", a.Number, a.Operation, a.FinalStatus)
		if a.Recovery != nil {
			fmt.Fprintf(&b, "  recovery=%s/%s", a.Recovery.Strategy, a.Recovery.Status)
		}
		if a.Error != "" {
			fmt.Fprintf(&b, "  error=%q", a.Error)
		}
		b.WriteString("\n")
	}

	b.WriteString("\nTransitions:\n")
	for _, t := range res.Transitions {
		fmt.Fprintf(&b, "  %s %-10s -> %-10s %s\n", t.At.Format(time.RFC3339), t.From, t.To, t.Detail)
	}

	if len(res.Outputs) > 0 {
		b.WriteString("\nOutputs:\n")
		keys := make([]string, 0, len(res.Outputs))
		for k := range res.Outputs {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "  %s = %s\n", k, res.Outputs[k])
		}
	}

	if !res.Succeeded {
		if res.Diagnosis != nil {
			b.WriteString("\nDiagnosis:\n")
			for _, line := range strings.Split(strings.TrimRight(diagnose.Report(res.Identity.Name, *res.Diagnosis), "\n"), "\n") {
				b.WriteString("  " + line + "\n")
			}
		}
		if len(res.Events) > 0 {
			b.WriteString("\nEvents of the last operation:\n")
			for _, ev := range res.Events {
				fmt.Fprintf(&b, "  %s %-28s %-24s %s\n", ev.Timestamp.Format(time.RFC3339), ev.LogicalResourceID, ev.Status, ev.StatusReason)
			}
		}
		fmt.Fprintf(&b, "\nNext step: %s\n", res.NextStep)
	}

	_, err := io.WriteString(w, b.String())
	return err
}

// WriteJSON renders a deployment result as indented JSON.
func WriteJSON(w io.Writer, res *engine.DeploymentResult) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}
