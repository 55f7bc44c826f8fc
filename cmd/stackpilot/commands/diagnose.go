package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/stackpilot/pkg/diagnose"
	"github.com/openfroyo/stackpilot/pkg/engine"
)

func newDiagnoseCommand() *cobra.Command {
	var (
		env   string
		drift bool
	)

	cmd := &cobra.Command{
		Use:   "diagnose",
		Short: "Explain the last stack operation",
		Long: `Classify the most recent operation of an environment's stack from its
event history and print the recommended recovery. With --drift the live
resources are also compared with the last applied template. Nothing is
changed.`,
		Example: `  # Diagnose the staging stack
  stackpilot diagnose --env staging

  # Machine-readable diagnosis
  stackpilot diagnose --env staging --json

  # Include resources changed outside the stack
  stackpilot diagnose --env prod --drift`,
		RunE: func(cmd *cobra.Command, args []string) error {
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
			diag, err := t.deployer.Diagnose(ctx, t.id)
			if err != nil {
				return err
			}

			if !drift {
				if jsonOutput {
					return printJSON(diag)
				}
				fmt.Print(diagnose.Report(t.id.Name, *diag))
				return nil
			}

			report, err := t.deployer.DetectDrift(ctx, t.id)
			if err != nil && report == nil {
				return err
			}
			if jsonOutput {
				if jerr := printJSON(struct {
					Diagnosis *engine.Diagnosis   `json:"diagnosis"`
					Drift     *engine.DriftReport `json:"drift"`
				}{diag, report}); jerr != nil {
					return jerr
				}
				return err
			}
			fmt.Print(diagnose.Report(t.id.Name, *diag))
			fmt.Println()
			fmt.Print(diagnose.DriftReport(*report))
			return err
		},
	}

	cmd.Flags().StringVarP(&env, "env", "e", "", "environment to diagnose")
	cmd.Flags().BoolVar(&drift, "drift", false, "also run drift detection on the stack")
	_ = cmd.MarkFlagRequired("env")

	return cmd
}
