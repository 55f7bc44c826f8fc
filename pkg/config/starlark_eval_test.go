package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/openfroyo/stackpilot/pkg/engine"
	"github.com/openfroyo/stackpilot/pkg/naming"
)

func TestStarlarkEvaluator_Evaluate(t *testing.T) {
	evaluator := NewStarlarkEvaluator(5 * time.Second)
	ctx := context.Background()

	tests := []struct {
		name      string
		script    string
		input     map[string]interface{}
		checkFunc func(*testing.T, *StarlarkResult)
		wantErr   bool
	}{
		{
			name:   "simple arithmetic",
			script: "result = 2 + 2\n",
			checkFunc: func(t *testing.T, sr *StarlarkResult) {
				if sr.Output["result"] != int64(4) {
					t.Errorf("expected result=4, got %v", sr.Output["result"])
				}
			},
		},
		{
			name:   "use input variables",
			script: "doubled = count * 2\n",
			input:  map[string]interface{}{"count": 5},
			checkFunc: func(t *testing.T, sr *StarlarkResult) {
				if sr.Output["doubled"] != int64(10) {
					t.Errorf("expected doubled=10, got %v", sr.Output["doubled"])
				}
			},
		},
		{
			name: "functions and private globals are not output",
			script: `
def _helper(x):
    return x + 1

def public(x):
    return x

_hidden = 1
value = _helper(41)
`,
			checkFunc: func(t *testing.T, sr *StarlarkResult) {
				if len(sr.Output) != 1 || sr.Output["value"] != int64(42) {
					t.Errorf("unexpected output %v", sr.Output)
				}
			},
		},
		{
			name:   "struct converts to map",
			script: `s = struct(name = "queue", size = 3)` + "\n",
			checkFunc: func(t *testing.T, sr *StarlarkResult) {
				m, ok := sr.Output["s"].(map[string]interface{})
				if !ok || m["name"] != "queue" || m["size"] != int64(3) {
					t.Errorf("unexpected struct output %v", sr.Output["s"])
				}
			},
		},
		{
			name:    "syntax error",
			script:  "x = (\n",
			wantErr: true,
		},
		{
			name:    "load is refused",
			script:  `load("other.star", "x")` + "\n",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := evaluator.Evaluate(ctx, "test.star", tt.script, tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Evaluate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				if engine.ClassOf(err) != engine.ErrorClassValidation {
					t.Errorf("expected validation error, got %v", err)
				}
				return
			}
			tt.checkFunc(t, result)
		})
	}
}

func TestStarlarkEvaluator_Timeout(t *testing.T) {
	evaluator := NewStarlarkEvaluator(50 * time.Millisecond)
	evaluator.maxSteps = 0
	script := `
def spin():
    n = 0
    for i in range(100000000):
        n += i
    return n

x = spin()
`
	_, err := evaluator.Evaluate(context.Background(), "spin.star", script, nil)
	if engine.ClassOf(err) != engine.ErrorClassTimeout {
		t.Fatalf("expected timeout error, got %v", err)
	}
}

func TestStarlarkEvaluator_Cancelled(t *testing.T) {
	evaluator := NewStarlarkEvaluator(time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := evaluator.Evaluate(ctx, "x.star", "x = 1\n", nil)
	if engine.ClassOf(err) != engine.ErrorClassCancelled {
		t.Fatalf("expected cancelled error, got %v", err)
	}
}

func TestStarlarkEvaluator_StepLimit(t *testing.T) {
	evaluator := NewStarlarkEvaluator(time.Minute)
	evaluator.maxSteps = 1000

	script := `
def spin():
    for i in range(100000):
        pass

spin()
`
	_, err := evaluator.Evaluate(context.Background(), "steps.star", script, nil)
	if err == nil {
		t.Fatal("expected step limit to stop the script")
	}
}

func scriptInput(t *testing.T, env string) ScriptInput {
	t.Helper()
	id, err := naming.NewIdentity("fraud-or-not", env)
	if err != nil {
		t.Fatalf("NewIdentity() error = %v", err)
	}
	return ScriptInput{
		Identity:       id,
		ArtifactBucket: "fon-" + id.EnvironmentCode + "-artifacts-000-002",
		Parameters:     map[string]string{"InstanceSize": "small"},
	}
}

func TestStarlarkEvaluator_Parameters(t *testing.T) {
	evaluator := NewStarlarkEvaluator(5 * time.Second)

	tests := []struct {
		name    string
		env     string
		script  string
		want    map[string]string
		wantErr bool
	}{
		{
			name: "global dict",
			env:  "dev",
			script: `
parameters = {
    "StackName": stack_name,
    "Bucket": artifact_bucket,
    "Size": params["InstanceSize"],
}
`,
			want: map[string]string{
				"StackName": "fon-dev-stack",
				"Bucket":    "fon-dev-artifacts-000-002",
				"Size":      "small",
			},
		},
		{
			name: "function",
			env:  "production",
			script: `
def parameters():
    prod = environment == "production"
    return {
        "Replicas": 3 if prod else 1,
        "Ratio": 0.5,
        "Public": not prod,
        "Subnets": ["a", "b"],
        "Prefix": prefix,
    }
`,
			want: map[string]string{
				"Replicas": "3",
				"Ratio":    "0.5",
				"Public":   "false",
				"Subnets":  "a,b",
				"Prefix":   "fon-prd",
			},
		},
		{
			name:    "missing parameters",
			env:     "dev",
			script:  "x = 1\n",
			wantErr: true,
		},
		{
			name:    "not a dict",
			env:     "dev",
			script:  `parameters = ["a"]` + "\n",
			wantErr: true,
		},
		{
			name:    "unsupported value",
			env:     "dev",
			script:  `parameters = {"a": {"nested": 1}}` + "\n",
			wantErr: true,
		},
		{
			name:    "function fails",
			env:     "dev",
			script:  "def parameters():\n    return fail(\"no size for \" + environment)\n",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := evaluator.Parameters(context.Background(), "params.star", tt.script, scriptInput(t, tt.env))
			if (err != nil) != tt.wantErr {
				t.Fatalf("Parameters() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if len(got) != len(tt.want) {
				t.Fatalf("Parameters() = %v, want %v", got, tt.want)
			}
			for k, v := range tt.want {
				if got[k] != v {
					t.Errorf("parameter %s = %q, want %q", k, got[k], v)
				}
			}
		})
	}
}

func TestResolveParameters(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "params.star")
	if err := os.WriteFile(script, []byte(`parameters = {"InstanceSize": "medium", "Bucket": artifact_bucket}`+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := Default()
	cfg.Project = "fraud-or-not"
	cfg.Parameters = map[string]string{"InstanceSize": "small", "Team": "risk"}
	cfg.Environments = map[string]Environment{"dev": {}}
	id, err := cfg.Identity("dev")
	if err != nil {
		t.Fatal(err)
	}

	got, err := cfg.ResolveParameters(context.Background(), nil, id, "bucket-1")
	if err != nil {
		t.Fatalf("ResolveParameters() without script error = %v", err)
	}
	if got["InstanceSize"] != "small" || len(got) != 2 {
		t.Errorf("static parameters = %v", got)
	}

	cfg.ParameterScript = script
	got, err = cfg.ResolveParameters(context.Background(), nil, id, "bucket-1")
	if err != nil {
		t.Fatalf("ResolveParameters() error = %v", err)
	}
	want := map[string]string{"InstanceSize": "medium", "Team": "risk", "Bucket": "bucket-1"}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("parameter %s = %q, want %q", k, got[k], v)
		}
	}

	cfg.ParameterScript = filepath.Join(dir, "missing.star")
	if _, err := cfg.ResolveParameters(context.Background(), nil, id, ""); err == nil {
		t.Error("expected error for missing script")
	}
}
