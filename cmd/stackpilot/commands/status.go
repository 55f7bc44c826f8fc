package commands

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/stackpilot/pkg/engine"
)

// stackStatus is one row of the status output.
type stackStatus struct {
	Environment  string             `json:"environment"`
	Stack        string             `json:"stack"`
	Status       engine.StackStatus `json:"status,omitempty"`
	StatusReason string             `json:"status_reason,omitempty"`
	Exists       bool               `json:"exists"`
	Resources    int                `json:"resources"`
	Failed       []string           `json:"failed_resources,omitempty"`

	Outputs map[string]string `json:"outputs,omitempty"`

	LastDeployment *lastDeployment `json:"last_deployment,omitempty"`
}

type lastDeployment struct {
	ID        string             `json:"id"`
	State     engine.DeployState `json:"state"`
	Reason    engine.AbortReason `json:"reason,omitempty"`
	StartedAt time.Time          `json:"started_at"`
}

func newStatusCommand() *cobra.Command {
	var (
		envs        []string
		showOutputs bool
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show stack status per environment",
		Long: `Show the current status of each environment's stack together with the
last journaled deployment. With --outputs the stack outputs are listed
below the table, grouped by kind.`,
		Example: `  # Status of every environment
  stackpilot status

  # Status of production as JSON, outputs included
  stackpilot status --env prod --json

  # Endpoints and bucket names of staging
  stackpilot status --env staging --outputs`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			var rows []stackStatus
			for _, env := range a.environments(envs) {
				t, err := a.target(ctx, env)
				if err != nil {
					return err
				}
				row := stackStatus{Environment: env, Stack: t.id.Name}

				snap, err := t.deployer.Reader().FetchSnapshotWithResources(ctx, t.id)
				switch {
				case engine.IsNotFound(err):
				case err != nil:
					return err
				default:
					row.Exists = true
					row.Status = snap.Status
					row.StatusReason = snap.StatusReason
					row.Resources = len(snap.Resources)
					row.Outputs = snap.Outputs
					for _, r := range snap.Resources {
						if r.Status.IsFailed() {
							row.Failed = append(row.Failed, r.LogicalID)
						}
					}
				}

				last, err := a.store.LatestDeployment(ctx, t.id.Key())
				switch {
				case engine.IsNotFound(err):
				case err != nil:
					return err
				default:
					row.LastDeployment = &lastDeployment{
						ID:        last.ID,
						State:     last.State,
						Reason:    last.Reason,
						StartedAt: last.StartedAt,
					}
				}
				rows = append(rows, row)
			}

			if jsonOutput {
				return printJSON(rows)
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ENVIRONMENT\tSTACK\tSTATUS\tRESOURCES\tLAST DEPLOYMENT")
			for _, r := range rows {
				status := "ABSENT"
				if r.Exists {
					status = string(r.Status)
				}
				last := "-"
				if r.LastDeployment != nil {
					last = fmt.Sprintf("%s %s", r.LastDeployment.StartedAt.Format(time.RFC3339), r.LastDeployment.State)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", r.Environment, r.Stack, status, r.Resources, last)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			if !showOutputs {
				return nil
			}
			for _, r := range rows {
				if !r.Exists {
					continue
				}
				fmt.Println()
				writeOutputs(os.Stdout, r.Stack, r.Outputs)
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVarP(&envs, "env", "e", nil, "environment to show (repeatable; default all)")
	cmd.Flags().BoolVar(&showOutputs, "outputs", false, "list stack outputs below the table")

	return cmd
}
