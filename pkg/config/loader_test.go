package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/openfroyo/stackpilot/pkg/engine"
)

const minimalYAML = `
project: fraud-or-not
template: stack.yaml
environments:
  dev: {}
  prod:
    region: eu-west-1
    tags:
      cost-center: fraud
    parameters:
      InstanceSize: large
parameters:
  InstanceSize: small
  Replicas: 2
deploy:
  max_recovery_attempts: 2
  attempt_timeout: 45m
  poll_backoff:
    initial: 2s
    max: 20s
policy:
  paths: [policies]
`

func writeConfig(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
	return path
}

func validationErrors(t *testing.T, err error) ValidationErrors {
	t.Helper()
	if err == nil {
		t.Fatal("expected an error")
	}
	if engine.ClassOf(err) != engine.ErrorClassValidation {
		t.Fatalf("expected a validation error, got %v", err)
	}
	var errs ValidationErrors
	if !errors.As(err, &errs) {
		t.Fatalf("expected ValidationErrors in %v", err)
	}
	return errs
}

func TestLoad_YAML(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "stackpilot.yaml", minimalYAML)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Project != "fraud-or-not" {
		t.Errorf("Project = %q", cfg.Project)
	}
	if cfg.Source != path {
		t.Errorf("Source = %q, want %q", cfg.Source, path)
	}
	if cfg.Template != filepath.Join(dir, "stack.yaml") {
		t.Errorf("Template = %q, want it resolved against %s", cfg.Template, dir)
	}
	if cfg.Policy.Paths[0] != filepath.Join(dir, "policies") {
		t.Errorf("Policy.Paths = %v", cfg.Policy.Paths)
	}
	if cfg.Journal.Path != filepath.Join(dir, ".stackpilot", "journal.db") {
		t.Errorf("Journal.Path = %q", cfg.Journal.Path)
	}

	if cfg.Deploy.MaxRecoveryAttempts != 2 {
		t.Errorf("MaxRecoveryAttempts = %d, want 2", cfg.Deploy.MaxRecoveryAttempts)
	}
	if cfg.Deploy.AttemptTimeout != 45*time.Minute {
		t.Errorf("AttemptTimeout = %v, want 45m", cfg.Deploy.AttemptTimeout)
	}
	if cfg.Deploy.PollBackoff.Initial != 2*time.Second || cfg.Deploy.PollBackoff.Max != 20*time.Second {
		t.Errorf("PollBackoff = %+v", cfg.Deploy.PollBackoff)
	}

	// Untouched sections keep their defaults.
	def := Default()
	if cfg.Deploy.ChangeSetTimeout != def.Deploy.ChangeSetTimeout {
		t.Errorf("ChangeSetTimeout = %v, want default %v", cfg.Deploy.ChangeSetTimeout, def.Deploy.ChangeSetTimeout)
	}
	if cfg.Buckets != def.Buckets {
		t.Errorf("Buckets = %+v, want defaults", cfg.Buckets)
	}
	if cfg.Policy.MaxRemovals != def.Policy.MaxRemovals {
		t.Errorf("MaxRemovals = %d, want default", cfg.Policy.MaxRemovals)
	}
}

func TestLoad_Directory(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "stackpilot.yml", minimalYAML)

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if filepath.Base(cfg.Source) != "stackpilot.yml" {
		t.Errorf("Source = %q", cfg.Source)
	}
}

func TestLoad_CUE(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "stackpilot.cue", `
project:  "people-cards"
template: "templates/stack.yaml"
environments: {
	dev: {}
	staging: region: "us-east-2"
}
buckets: max_objects: 100
dev: {
	environment: "staging"
	debounce:    "500ms"
}
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Buckets.MaxObjects != 100 {
		t.Errorf("MaxObjects = %d, want 100", cfg.Buckets.MaxObjects)
	}
	if cfg.Dev.Debounce != 500*time.Millisecond {
		t.Errorf("Debounce = %v", cfg.Dev.Debounce)
	}
	if cfg.DevEnvironment() != "staging" {
		t.Errorf("DevEnvironment() = %q", cfg.DevEnvironment())
	}
	if got := cfg.AWSFor("staging").Region; got != "us-east-2" {
		t.Errorf("AWSFor(staging).Region = %q", got)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		// want is a substring of the path or message of some error.
		want string
	}{
		{
			name:    "unknown key",
			content: minimalYAML + "bogus: true\n",
			want:    "bogus",
		},
		{
			name:    "missing template",
			content: "project: fraud-or-not\nenvironments:\n  dev: {}\n",
			want:    "template",
		},
		{
			name:    "no environments",
			content: "project: fraud-or-not\ntemplate: stack.yaml\nenvironments: {}\n",
			want:    "environments",
		},
		{
			name:    "bad duration",
			content: minimalYAML + "journal:\n  conn_max_lifetime: soon\n",
			want:    "conn_max_lifetime",
		},
		{
			name:    "recovery attempts out of range",
			content: strings.Replace(minimalYAML, "max_recovery_attempts: 2", "max_recovery_attempts: 50", 1),
			want:    "max_recovery_attempts",
		},
		{
			name:    "zero recovery attempts",
			content: strings.Replace(minimalYAML, "max_recovery_attempts: 2", "max_recovery_attempts: 0", 1),
			want:    "max_recovery_attempts",
		},
		{
			name:    "bad project code",
			content: minimalYAML + "project_codes:\n  fraud-or-not: toolong\n",
			want:    "project_codes",
		},
		{
			name:    "dev loop on production",
			content: minimalYAML + "dev:\n  environment: prod\n",
			want:    "dev.environment",
		},
		{
			name:    "dev loop on unknown environment",
			content: minimalYAML + "dev:\n  environment: qa\n",
			want:    "dev.environment",
		},
		{
			name:    "duplicate key",
			content: minimalYAML + "deploy:\n  max_recovery_attempts: 1\n",
			want:    "deploy",
		},
		{
			name:    "malformed yaml",
			content: "project: [unclosed\n",
			want:    "stackpilot.yaml",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			path := writeConfig(t, dir, "stackpilot.yaml", tt.content)

			_, err := Load(path)
			errs := validationErrors(t, err)
			if !strings.Contains(errs.Error(), tt.want) {
				t.Errorf("errors %q do not mention %q", errs.Error(), tt.want)
			}
		})
	}
}

func TestLoad_NotFound(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if !engine.IsNotFound(err) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestFind(t *testing.T) {
	dir := t.TempDir()
	if _, err := Find(dir); !engine.IsNotFound(err) {
		t.Fatalf("expected not found in empty dir, got %v", err)
	}

	writeConfig(t, dir, "stackpilot.cue", "project: \"x\"")
	writeConfig(t, dir, "stackpilot.yaml", "project: x")
	got, err := Find(dir)
	if err != nil {
		t.Fatalf("Find() error = %v", err)
	}
	if filepath.Base(got) != "stackpilot.yaml" {
		t.Errorf("Find() = %s, want the yaml file first", got)
	}
}

func TestConfigHelpers(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(writeConfig(t, dir, "stackpilot.yaml", strings.Replace(minimalYAML,
		"  max_recovery_attempts: 2\n", "  max_recovery_attempts: 2\n  tags:\n    team: risk\n", 1)))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if names := cfg.EnvironmentNames(); strings.Join(names, ",") != "dev,prod" {
		t.Errorf("EnvironmentNames() = %v", names)
	}

	id, err := cfg.Identity("prod")
	if err != nil {
		t.Fatalf("Identity() error = %v", err)
	}
	if id.Name != "fon-prd-stack" || !id.IsProduction() {
		t.Errorf("Identity(prod) = %+v", id)
	}
	if _, err := cfg.Identity("qa"); err == nil {
		t.Error("expected error for unconfigured environment")
	}

	params := cfg.StaticParameters("prod")
	if params["InstanceSize"] != "large" || params["Replicas"] != "2" {
		t.Errorf("StaticParameters(prod) = %v", params)
	}
	if cfg.StaticParameters("dev")["InstanceSize"] != "small" {
		t.Errorf("StaticParameters(dev) = %v", cfg.StaticParameters("dev"))
	}

	deploy := cfg.DeployFor("prod")
	if deploy.Tags["team"] != "risk" || deploy.Tags["cost-center"] != "fraud" {
		t.Errorf("DeployFor(prod).Tags = %v", deploy.Tags)
	}
	if _, ok := cfg.Deploy.Tags["cost-center"]; ok {
		t.Error("DeployFor must not modify the project tags")
	}
	if cfg.AWSFor("dev").Region != cfg.AWS.Region {
		t.Errorf("AWSFor(dev) should keep the project region")
	}
}
