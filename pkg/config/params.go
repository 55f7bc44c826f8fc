package config

import (
	"context"

	"github.com/openfroyo/stackpilot/pkg/naming"
)

// ResolveParameters returns the template parameters for one environment:
// project parameters, then environment parameters, then whatever the
// parameter script computes, each layer overriding the previous one.
func (c *Config) ResolveParameters(ctx context.Context, eval *StarlarkEvaluator, id naming.Identity, artifactBucket string) (map[string]string, error) {
	params := c.StaticParameters(id.Environment)
	if c.ParameterScript == "" {
		return params, nil
	}
	if eval == nil {
		eval = NewStarlarkEvaluator(0)
	}

	computed, err := eval.ParametersFile(ctx, c.ParameterScript, ScriptInput{
		Identity:       id,
		ArtifactBucket: artifactBucket,
		Parameters:     params,
	})
	if err != nil {
		return nil, err
	}
	for k, v := range computed {
		params[k] = v
	}
	return params, nil
}

// DevEnvironment returns the environment the dev loop redeploys.
func (c *Config) DevEnvironment() string {
	if c.Dev.Environment != "" {
		return c.Dev.Environment
	}
	return "dev"
}
