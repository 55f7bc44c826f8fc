package commands

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/stackpilot/pkg/config"
	"github.com/openfroyo/stackpilot/pkg/engine"
	"github.com/openfroyo/stackpilot/pkg/policy"
)

type validation struct {
	Source       string         `json:"source"`
	Project      string         `json:"project"`
	Environments []validatedEnv `json:"environments"`
	Policies     []string       `json:"policies"`

	Template *engine.TemplateSummary `json:"template,omitempty"`
}

type validatedEnv struct {
	Name       string `json:"name"`
	Stack      string `json:"stack"`
	Production bool   `json:"production"`
}

func newValidateCommand() *cobra.Command {
	var remote string

	cmd := &cobra.Command{
		Use:   "validate [path]",
		Short: "Validate the project configuration",
		Long: `Validate the project configuration without contacting the cloud.

This command checks:
  - YAML or CUE syntax
  - Conformance to the configuration schema
  - Naming of every environment's stack
  - That every policy file compiles

With --remote ENV the template is also sent to that environment's cloud
account for validation. No stack is touched.`,
		Example: `  # Validate the configuration in the current directory
  stackpilot validate

  # Validate a specific file
  stackpilot validate ./deploy/stackpilot.cue

  # Have the dev account parse the template too
  stackpilot validate --remote dev`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath
			if len(args) > 0 {
				path = args[0]
			}
			log.Debug().Str("path", path).Msg("Validating configuration")

			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			v, err := validateConfig(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			if remote != "" {
				if v.Template, err = validateRemote(cmd.Context(), remote); err != nil {
					return err
				}
			}

			if jsonOutput {
				return printJSON(v)
			}
			fmt.Printf("%s: project %s\n", v.Source, v.Project)
			for _, env := range v.Environments {
				marker := ""
				if env.Production {
					marker = " (production)"
				}
				fmt.Printf("  %-12s %s%s\n", env.Name, env.Stack, marker)
			}
			fmt.Printf("%d policies enabled: %s\n", len(v.Policies), strings.Join(v.Policies, ", "))
			if v.Template != nil {
				fmt.Printf("template accepted by %s: %d parameters", remote, len(v.Template.Parameters))
				if len(v.Template.Capabilities) > 0 {
					fmt.Printf(", requires %s", strings.Join(v.Template.Capabilities, ", "))
				}
				fmt.Println()
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&remote, "remote", "", "also validate the template with this environment's provider")

	return cmd
}

// validateRemote loads the project the usual way and has the environment's
// provider check the template.
func validateRemote(ctx context.Context, env string) (*engine.TemplateSummary, error) {
	a, err := newApp(ctx)
	if err != nil {
		return nil, err
	}
	defer a.close()

	t, err := a.target(ctx, env)
	if err != nil {
		return nil, err
	}
	template, err := os.ReadFile(a.cfg.Template)
	if err != nil {
		return nil, engine.NewValidationError("failed to read template", err).WithResource(a.cfg.Template)
	}
	return t.deployer.ValidateTemplate(ctx, template)
}

func validateConfig(ctx context.Context, cfg *config.Config) (*validation, error) {
	v := &validation{Source: cfg.Source, Project: cfg.Project}
	for _, name := range cfg.EnvironmentNames() {
		id, err := cfg.Identity(name)
		if err != nil {
			return nil, err
		}
		v.Environments = append(v.Environments, validatedEnv{Name: name, Stack: id.Name, Production: id.IsProduction()})
	}

	gate, err := policy.NewEngine(ctx, cfg.Policy)
	if err != nil {
		return nil, err
	}
	for _, p := range gate.ListPolicies() {
		if p.Enabled {
			v.Policies = append(v.Policies, p.Name)
		}
	}
	return v, nil
}
