package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"cuelang.org/go/cue"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/stackpilot/pkg/engine"
	"github.com/openfroyo/stackpilot/pkg/naming"
)

// FileNames are the configuration files Find looks for, in order.
var FileNames = []string{"stackpilot.yaml", "stackpilot.yml", "stackpilot.cue"}

const (
	formatUnknown = iota
	formatYAML
	formatCUE
)

func format(path string) int {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return formatYAML
	case ".cue":
		return formatCUE
	default:
		return formatUnknown
	}
}

// Find returns the configuration file in dir.
func Find(dir string) (string, error) {
	for _, name := range FileNames {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", engine.NewNotFoundError(
		fmt.Sprintf("no %s in %s", strings.Join(FileNames, ", "), dir), nil)
}

// Loader loads and validates project configuration.
type Loader struct {
	parser    *CUEParser
	validator *validator.Validate
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &Loader{parser: NewCUEParser(), validator: v}
}

// Load reads a configuration file, or a directory holding one or a CUE
// package, applies defaults and validates the result. Relative paths in
// the configuration are resolved against its directory.
func Load(path string) (*Config, error) {
	return NewLoader().Load(path)
}

// Load is the method form of the package-level Load.
func (l *Loader) Load(path string) (*Config, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, engine.NewNotFoundError("configuration not found", err).WithResource(path)
	}

	var val cue.Value
	var errs []ValidationError
	source := path
	if info.IsDir() {
		if file, findErr := Find(path); findErr == nil {
			source = file
			val, errs = l.parser.ParseFile(file)
		} else {
			val, _, errs = l.parser.ParseDirectory(path)
		}
	} else {
		val, errs = l.parser.ParseFile(path)
	}
	if len(errs) > 0 {
		return nil, invalid(source, errs)
	}

	cfg, err := l.decode(val)
	if err != nil {
		return nil, invalid(source, []ValidationError{{File: source, Message: err.Error()}})
	}
	cfg.Source = source

	base := path
	if !info.IsDir() {
		base = filepath.Dir(path)
	}
	cfg.resolvePaths(base)

	if errs := l.Validate(cfg); len(errs) > 0 {
		return nil, invalid(source, errs)
	}
	return cfg, nil
}

// decode renders the checked value as JSON and decodes it over the
// defaults. JSON is valid YAML, and yaml.v3 understands duration strings.
func (l *Loader) decode(val cue.Value) (*Config, error) {
	data, err := val.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("failed to export configuration: %w", err)
	}

	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks struct constraints and cross-field rules.
func (l *Loader) Validate(cfg *Config) []ValidationError {
	var out []ValidationError
	if err := l.validator.Struct(cfg); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return []ValidationError{{Message: err.Error()}}
		}
		for _, fe := range fieldErrs {
			out = append(out, ValidationError{
				Path:    strings.TrimPrefix(fe.Namespace(), "Config."),
				Message: fmt.Sprintf("failed %q constraint (value %v)", fe.Tag(), fe.Value()),
			})
		}
	}

	if _, err := naming.NewNamer(cfg.ProjectCodes); err != nil {
		out = append(out, ValidationError{Path: "project_codes", Message: err.Error()})
	}
	for _, env := range cfg.EnvironmentNames() {
		if _, err := cfg.Identity(env); err != nil {
			out = append(out, ValidationError{Path: "environments." + env, Message: err.Error()})
		}
	}

	if cfg.Dev.Environment != "" {
		if _, ok := cfg.Environments[cfg.Dev.Environment]; !ok {
			out = append(out, ValidationError{Path: "dev.environment", Message: fmt.Sprintf("environment %q is not configured", cfg.Dev.Environment)})
		} else if id, err := cfg.Identity(cfg.Dev.Environment); err == nil && id.IsProduction() {
			out = append(out, ValidationError{Path: "dev.environment", Message: "the dev loop cannot target production"})
		}
	}

	if err := cfg.Telemetry.Validate(); err != nil {
		out = append(out, ValidationError{Path: "telemetry", Message: err.Error()})
	}
	return out
}

func (c *Config) resolvePaths(base string) {
	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(base, p)
	}

	c.Template = abs(c.Template)
	c.ParameterScript = abs(c.ParameterScript)
	if c.Journal.Path != ":memory:" {
		c.Journal.Path = abs(c.Journal.Path)
	}
	for i, p := range c.Policy.Paths {
		c.Policy.Paths[i] = abs(p)
	}
	for i, p := range c.Dev.Watch {
		c.Dev.Watch[i] = abs(p)
	}
}

func invalid(source string, errs []ValidationError) error {
	return engine.NewValidationError("invalid configuration", ValidationErrors(errs)).WithResource(source)
}
