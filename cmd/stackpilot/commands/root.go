package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/openfroyo/stackpilot/pkg/engine"
	"github.com/openfroyo/stackpilot/pkg/telemetry"
)

var (
	// Global flags
	configPath  string
	logLevel    string
	jsonOutput  bool
	metricsAddr string
	rehearse    bool
)

// Exit codes beyond the generic failure.
const (
	exitAborted    = 2
	exitValidation = 3
)

// errAborted reports a deployment that ran but did not succeed. Its details
// have already been printed.
var errAborted = errors.New("deployment aborted")

// ExitCode maps a command error to the process exit code.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, errAborted):
		return exitAborted
	case engine.ClassOf(err) == engine.ErrorClassValidation:
		return exitValidation
	default:
		return 1
	}
}

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "stackpilot",
		Short: "stackpilot - deployment lifecycle controller for CloudFormation stacks",
		Long: `stackpilot deploys one stack per project and environment and keeps it deployable.

It:
  - Derives stack and bucket names from the project and environment
  - Creates stacks or updates them through reviewed change sets
  - Diagnoses failed operations from the stack event history
  - Recovers stuck rollbacks and blocked deletions, bounded per deployment
  - Rotates versioned artifact buckets before they grow too large
  - Journals every deployment and out-of-band mutation locally`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if logLevel != "" {
				zerolog.SetGlobalLevel(telemetry.ParseLevel(logLevel))
			}
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", ".", "configuration file or directory")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (overrides LOG_LEVEL and the configuration)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	rootCmd.PersistentFlags().BoolVar(&rehearse, "sim", false, "run against an in-memory simulated cloud")

	rootCmd.AddCommand(newDeployCommand())
	rootCmd.AddCommand(newDiagnoseCommand())
	rootCmd.AddCommand(newDeleteCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newBucketCommand())
	rootCmd.AddCommand(newHistoryCommand())
	rootCmd.AddCommand(newDevCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newVersionCommand(version, commit, buildDate))

	return rootCmd
}
