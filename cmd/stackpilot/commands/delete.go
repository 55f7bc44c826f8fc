package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/stackpilot/pkg/engine"
)

func newDeleteCommand() *cobra.Command {
	var (
		env   string
		force bool
	)

	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Force delete an environment's stack",
		Long: `Delete an environment's stack, cleaning up whatever blocks the deletion.

Before deleting, this command:
  - Purges every object version from buckets the stack owns
  - Detaches and deletes network interfaces it owns
  - Records each of these mutations in the journal

Deleting a production stack is denied by policy unless
policy.allow_force_delete_production is set.`,
		Example: `  # Delete the dev stack
  stackpilot delete --env dev --force`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !force {
				return engine.NewValidationError("refusing to delete without --force", nil).WithResource(env)
			}

			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			t, err := a.target(ctx, env)
			if err != nil {
				return err
			}
			log.Warn().Str("stack", t.id.Name).Msg("Force deleting stack")

			out, err := t.deployer.ForceDelete(ctx, t.id)
			if err != nil {
				return err
			}
			if jsonOutput {
				if err := printJSON(out); err != nil {
					return err
				}
			} else {
				fmt.Printf("Delete %s: %s", t.id.Name, out.Status)
				if out.FinalStatus != "" {
					fmt.Printf(" (%s)", out.FinalStatus)
				}
				fmt.Println()
				for _, m := range out.Mutations {
					fmt.Printf("  %s %s\n", m.Kind, m.Target)
				}
			}
			if out.Status == engine.OutcomeFailed {
				return out.Err
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&env, "env", "e", "", "environment whose stack to delete")
	cmd.Flags().BoolVar(&force, "force", false, "confirm the forced deletion")
	_ = cmd.MarkFlagRequired("env")

	return cmd
}
