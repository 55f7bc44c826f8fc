package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/openfroyo/stackpilot/pkg/buckets"
	"github.com/openfroyo/stackpilot/pkg/deployer"
	"github.com/openfroyo/stackpilot/pkg/naming"
	"github.com/openfroyo/stackpilot/pkg/policy"
	"github.com/openfroyo/stackpilot/pkg/providers/aws"
	"github.com/openfroyo/stackpilot/pkg/stores"
	"github.com/openfroyo/stackpilot/pkg/telemetry"
)

// Config is a project configuration, loaded from stackpilot.yaml or stackpilot.cue.
type Config struct {
	// Project is the project name the stack identities derive from.
	Project string `yaml:"project" json:"project" validate:"required"`

	// ProjectCodes adds or overrides three-letter project codes.
	ProjectCodes map[string]string `yaml:"project_codes,omitempty" json:"project_codes,omitempty" validate:"dive,len=3"`

	// Template is the stack template file.
	Template string `yaml:"template" json:"template" validate:"required"`

	// Parameters are template parameters shared by every environment.
	Parameters map[string]string `yaml:"parameters,omitempty" json:"parameters,omitempty"`

	// ParameterScript is an optional Starlark file computing parameters.
	ParameterScript string `yaml:"parameter_script,omitempty" json:"parameter_script,omitempty"`

	// Environments are the deployable environments keyed by name.
	Environments map[string]Environment `yaml:"environments" json:"environments" validate:"required,min=1,dive"`

	Deploy    deployer.Config    `yaml:"deploy" json:"deploy"`
	Buckets   buckets.Thresholds `yaml:"buckets" json:"buckets"`
	AWS       aws.Config         `yaml:"aws" json:"aws"`
	Journal   stores.Config      `yaml:"journal" json:"journal"`
	Policy    policy.Config      `yaml:"policy" json:"policy"`
	Telemetry telemetry.Config   `yaml:"telemetry" json:"telemetry"`
	Dev       DevConfig          `yaml:"dev" json:"dev"`

	// Source is the file the configuration was loaded from.
	Source string `yaml:"-" json:"-"`
}

// Environment holds per-environment settings layered over the project ones.
type Environment struct {
	Parameters map[string]string `yaml:"parameters,omitempty" json:"parameters,omitempty"`
	Tags       map[string]string `yaml:"tags,omitempty" json:"tags,omitempty"`

	// Region and Profile override the project AWS settings.
	Region  string `yaml:"region,omitempty" json:"region,omitempty"`
	Profile string `yaml:"profile,omitempty" json:"profile,omitempty"`
}

// DevConfig configures the watch-and-redeploy loop.
type DevConfig struct {
	// Environment is redeployed on change. It must not be production.
	// Empty means an environment named "dev".
	Environment string `yaml:"environment,omitempty" json:"environment,omitempty"`

	// Debounce is how long changes must settle before a redeploy.
	Debounce time.Duration `yaml:"debounce" json:"debounce" validate:"gte=0"`

	// Watch lists extra files or directories to watch besides the template and script.
	Watch []string `yaml:"watch,omitempty" json:"watch,omitempty"`
}

// Default returns a configuration with every default filled in.
func Default() Config {
	tel := telemetry.DefaultConfig()
	return Config{
		Parameters:   map[string]string{},
		Environments: map[string]Environment{},
		Deploy:       deployer.DefaultConfig(),
		Buckets:      buckets.DefaultThresholds,
		AWS:          aws.DefaultConfig(),
		Journal:      stores.Config{Path: ".stackpilot/journal.db"},
		Policy:       policy.DefaultConfig(),
		Telemetry:    *tel,
		Dev: DevConfig{
			Debounce: 2 * time.Second,
		},
	}
}

// Namer returns the namer with the configured project codes.
func (c *Config) Namer() (*naming.Namer, error) {
	return naming.NewNamer(c.ProjectCodes)
}

// Identity resolves the stack identity of a configured environment.
func (c *Config) Identity(env string) (naming.Identity, error) {
	if _, ok := c.Environments[env]; !ok {
		return naming.Identity{}, fmt.Errorf("environment %q is not configured (have %s)", env, strings.Join(c.EnvironmentNames(), ", "))
	}
	namer, err := c.Namer()
	if err != nil {
		return naming.Identity{}, err
	}
	return namer.Identity(c.Project, env)
}

// EnvironmentNames returns the configured environment names, sorted.
func (c *Config) EnvironmentNames() []string {
	names := make([]string, 0, len(c.Environments))
	for name := range c.Environments {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// StaticParameters merges project parameters with the environment's own.
func (c *Config) StaticParameters(env string) map[string]string {
	params := make(map[string]string, len(c.Parameters))
	for k, v := range c.Parameters {
		params[k] = v
	}
	for k, v := range c.Environments[env].Parameters {
		params[k] = v
	}
	return params
}

// AWSFor returns the AWS settings with the environment overrides applied.
func (c *Config) AWSFor(env string) aws.Config {
	cfg := c.AWS
	e := c.Environments[env]
	if e.Region != "" {
		cfg.Region = e.Region
	}
	if e.Profile != "" {
		cfg.Profile = e.Profile
	}
	return cfg
}

// DeployFor returns the deployment settings with the environment tags merged in.
func (c *Config) DeployFor(env string) deployer.Config {
	cfg := c.Deploy
	tags := make(map[string]string, len(cfg.Tags))
	for k, v := range cfg.Tags {
		tags[k] = v
	}
	for k, v := range c.Environments[env].Tags {
		tags[k] = v
	}
	cfg.Tags = tags
	return cfg
}

// ValidationError represents a configuration error with location information.
type ValidationError struct {
	// File is the source file path.
	File string `json:"file,omitempty"`

	// Line is the line number (1-indexed).
	Line int `json:"line,omitempty"`

	// Column is the column number (1-indexed).
	Column int `json:"column,omitempty"`

	// Path is the field path of the error (e.g., "environments.dev.region").
	Path string `json:"path,omitempty"`

	// Message is the error message.
	Message string `json:"message"`
}

func (e ValidationError) String() string {
	var b strings.Builder
	if e.File != "" {
		b.WriteString(e.File)
		if e.Line > 0 {
			fmt.Fprintf(&b, ":%d:%d", e.Line, e.Column)
		}
		b.WriteString(": ")
	}
	if e.Path != "" {
		b.WriteString(e.Path)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	return b.String()
}

// ValidationErrors is returned, wrapped, when a configuration is invalid.
type ValidationErrors []ValidationError

func (errs ValidationErrors) Error() string {
	lines := make([]string, len(errs))
	for i, e := range errs {
		lines[i] = e.String()
	}
	return strings.Join(lines, "; ")
}
