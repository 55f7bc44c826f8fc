package commands

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/stackpilot/pkg/deployer"
	"github.com/openfroyo/stackpilot/pkg/stores"
)

func newHistoryCommand() *cobra.Command {
	var (
		env        string
		failedOnly bool
		limit      int
		show       string
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List journaled deployments",
		Long: `List deployments recorded in the local journal, newest first, or show
one deployment in full.`,
		Example: `  # Last 20 deployments of every environment
  stackpilot history

  # Failed production deployments
  stackpilot history --env prod --failed

  # Full report of one deployment
  stackpilot history --show 3f0c8a52-...`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			if show != "" {
				res, err := a.store.GetDeployment(ctx, show)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(res)
				}
				return deployer.WriteReport(os.Stdout, res)
			}

			filter := stores.DeploymentFilter{FailedOnly: failedOnly, Limit: limit}
			if env != "" {
				id, err := a.cfg.Identity(env)
				if err != nil {
					return err
				}
				filter.IdentityKey = id.Key()
			}
			records, err := a.store.ListDeployments(ctx, filter)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(records)
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "STARTED\tSTACK\tSTATE\tREASON\tRECOVERIES\tDURATION\tID")
			for _, r := range records {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
					r.StartedAt.Format(time.RFC3339), r.StackName, r.State, r.Reason,
					r.RecoveryCount, time.Duration(r.DurationMs)*time.Millisecond, r.ID)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVarP(&env, "env", "e", "", "only this environment")
	cmd.Flags().BoolVar(&failedOnly, "failed", false, "only aborted deployments")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of deployments")
	cmd.Flags().StringVar(&show, "show", "", "show one deployment by id")

	cmd.AddCommand(newHistoryPruneCommand())

	return cmd
}

func newHistoryPruneCommand() *cobra.Command {
	var keep int

	cmd := &cobra.Command{
		Use:     "prune",
		Short:   "Drop old journal entries",
		Example: `  stackpilot history prune --keep 50`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			removed, err := a.store.PruneDeployments(ctx, keep)
			if err != nil {
				return err
			}
			log.Info().Int64("removed", removed).Int("keep", keep).Msg("Journal pruned")
			return nil
		},
	}

	cmd.Flags().IntVar(&keep, "keep", 100, "deployments to keep per stack")

	return cmd
}
