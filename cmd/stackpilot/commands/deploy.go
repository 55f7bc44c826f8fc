package commands

import (
	"os"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/openfroyo/stackpilot/pkg/deployer"
	"github.com/openfroyo/stackpilot/pkg/engine"
)

func newDeployCommand() *cobra.Command {
	var envs []string

	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Deploy the stack to one or more environments",
		Long: `Deploy the project's template to the given environments.

For each environment this command:
  - Reads the stack status and decides whether to create, update or replace it
  - Reviews update change sets against policy before executing them
  - Diagnoses failures and runs bounded recoveries
  - Journals the result

Distinct environments deploy in parallel. Deploys of the same stack
serialize through a lease in the journal.`,
		Example: `  # Deploy to every configured environment
  stackpilot deploy

  # Deploy to dev and staging
  stackpilot deploy --env dev --env staging

  # Rehearse a production deploy against the simulated cloud
  stackpilot deploy --env prod --sim`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			var (
				mu      sync.Mutex
				results []*engine.DeploymentResult
			)
			var targets []*target
			for _, env := range a.environments(envs) {
				t, err := a.target(ctx, env)
				if err != nil {
					return err
				}
				targets = append(targets, t)
			}

			g, gctx := errgroup.WithContext(ctx)
			for _, t := range targets {
				g.Go(func() error {
					log.Info().Str("environment", t.id.Environment).Str("stack", t.id.Name).Msg("Deploying")
					res, err := a.deploy(gctx, t)
					if err != nil {
						return err
					}
					mu.Lock()
					results = append(results, res)
					mu.Unlock()
					return nil
				})
			}
			err = g.Wait()

			if jsonOutput {
				if perr := printJSON(results); perr != nil {
					return perr
				}
			} else {
				for _, res := range results {
					if werr := deployer.WriteReport(os.Stdout, res); werr != nil {
						return werr
					}
				}
			}
			if err != nil {
				return err
			}
			for _, res := range results {
				if !res.Succeeded {
					return errAborted
				}
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVarP(&envs, "env", "e", nil, "environment to deploy (repeatable; default all)")

	return cmd
}
