package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/stackpilot/pkg/engine"
)

func newBucketCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bucket",
		Short: "Artifact bucket commands",
		Long: `Commands for the versioned artifact buckets deployment packages are uploaded to.

Each environment has a sequence of buckets; the highest index is current
and the others are retired. Retired buckets are tagged, never deleted.`,
	}

	cmd.AddCommand(newBucketCurrentCommand())
	cmd.AddCommand(newBucketRotateCommand())
	cmd.AddCommand(newBucketPushCommand())

	return cmd
}

func printBucket(b *engine.ArtifactBucket) error {
	if jsonOutput {
		return printJSON(b)
	}
	fmt.Printf("%s (index %d, %d objects, %d bytes)\n", b.Name, b.Index, b.ApproxObjectCount, b.ApproxSizeBytes)
	return nil
}

func newBucketCurrentCommand() *cobra.Command {
	var env string

	cmd := &cobra.Command{
		Use:   "current",
		Short: "Show the current artifact bucket",
		Long: `Show the bucket new artifacts go to, creating the first bucket when the
environment has none yet.`,
		Example: `  stackpilot bucket current --env dev`,
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
			b, err := t.deployer.CurrentArtifactBucket(ctx, t.id)
			if err != nil {
				return err
			}
			return printBucket(b)
		},
	}

	cmd.Flags().StringVarP(&env, "env", "e", "", "environment")
	_ = cmd.MarkFlagRequired("env")

	return cmd
}

func newBucketRotateCommand() *cobra.Command {
	var env string

	cmd := &cobra.Command{
		Use:   "rotate",
		Short: "Start a new artifact bucket",
		Long: `Create the next artifact bucket regardless of the thresholds and retire
the current one.`,
		Example: `  stackpilot bucket rotate --env prod`,
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
			b, err := t.deployer.Buckets().Rotate(ctx, t.id)
			if err != nil {
				return err
			}
			log.Info().Str("bucket", b.Name).Int("index", b.Index).Msg("Artifact bucket rotated")
			return printBucket(b)
		},
	}

	cmd.Flags().StringVarP(&env, "env", "e", "", "environment")
	_ = cmd.MarkFlagRequired("env")

	return cmd
}

func newBucketPushCommand() *cobra.Command {
	var (
		env string
		key string
	)

	cmd := &cobra.Command{
		Use:   "push <file>",
		Short: "Upload a deployment package",
		Long: `Upload a file to the current artifact bucket, rotating first when the
bucket has reached its object count or size threshold.`,
		Example: `  # Upload a Lambda package under its file name
  stackpilot bucket push --env dev build/handler.zip

  # Upload under an explicit key
  stackpilot bucket push --env dev --key handler/v42.zip build/handler.zip`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			if key == "" {
				key = filepath.Base(path)
			}

			f, err := os.Open(path)
			if err != nil {
				return engine.NewValidationError("failed to open package", err).WithResource(path)
			}
			defer f.Close()

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
			loc, err := t.deployer.Buckets().Publish(ctx, t.id, key, f)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(loc)
			}
			fmt.Printf("s3://%s/%s", loc.Bucket, loc.Key)
			if loc.VersionID != "" {
				fmt.Printf(" (version %s)", loc.VersionID)
			}
			fmt.Println()
			return nil
		},
	}

	cmd.Flags().StringVarP(&env, "env", "e", "", "environment")
	cmd.Flags().StringVar(&key, "key", "", "object key (default: the file name)")
	_ = cmd.MarkFlagRequired("env")

	return cmd
}
