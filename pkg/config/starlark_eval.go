package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/openfroyo/stackpilot/pkg/engine"
	"github.com/openfroyo/stackpilot/pkg/naming"
)

// defaultMaxSteps bounds a script's work independently of the timeout.
const defaultMaxSteps = 10_000_000

// StarlarkResult represents the result of Starlark execution.
type StarlarkResult struct {
	// Output holds the script's public globals.
	Output map[string]interface{} `json:"output,omitempty"`

	// ExecutionTime is how long the script took to execute.
	ExecutionTime time.Duration `json:"execution_time"`
}

// StarlarkEvaluator executes Starlark scripts with a timeout and a step limit.
// Scripts cannot load modules and their print output is discarded.
type StarlarkEvaluator struct {
	timeout  time.Duration
	maxSteps uint64
}

// NewStarlarkEvaluator creates a new Starlark evaluator.
func NewStarlarkEvaluator(timeout time.Duration) *StarlarkEvaluator {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &StarlarkEvaluator{
		timeout:  timeout,
		maxSteps: defaultMaxSteps,
	}
}

// Evaluate executes a Starlark script with input predeclared and returns its globals.
func (se *StarlarkEvaluator) Evaluate(ctx context.Context, filename, script string, input map[string]interface{}) (*StarlarkResult, error) {
	start := time.Now()
	run, err := se.exec(ctx, filename, script, input)
	if err != nil {
		return nil, err
	}
	defer run.done()

	output := make(map[string]interface{}, len(run.globals))
	for name, val := range run.globals {
		if len(name) > 0 && name[0] == '_' {
			continue
		}
		if _, callable := val.(starlark.Callable); callable {
			continue
		}
		goVal, err := fromStarlarkValue(val)
		if err != nil {
			return nil, fmt.Errorf("failed to convert output %s: %w", name, err)
		}
		output[name] = goVal
	}

	return &StarlarkResult{Output: output, ExecutionTime: time.Since(start)}, nil
}

// ScriptInput is what a parameter script sees.
type ScriptInput struct {
	Identity       naming.Identity
	ArtifactBucket string

	// Parameters are the static parameters resolved so far.
	Parameters map[string]string
}

// Parameters runs a parameter script and returns the parameters it computes.
// The script sees project, environment, stack_name, prefix, artifact_bucket
// and params predeclared. It either binds a global dict named parameters or
// defines a function parameters() returning one.
func (se *StarlarkEvaluator) Parameters(ctx context.Context, filename, script string, in ScriptInput) (map[string]string, error) {
	params := make(map[string]interface{}, len(in.Parameters))
	for k, v := range in.Parameters {
		params[k] = v
	}
	input := map[string]interface{}{
		"project":         in.Identity.Project,
		"environment":     in.Identity.Environment,
		"stack_name":      in.Identity.Name,
		"prefix":          in.Identity.Prefix(),
		"artifact_bucket": in.ArtifactBucket,
		"params":          params,
	}

	start := time.Now()
	run, err := se.exec(ctx, filename, script, input)
	if err != nil {
		return nil, err
	}
	defer run.done()

	value, ok := run.globals["parameters"]
	if !ok {
		return nil, engine.NewValidationError(filename+" must define parameters", nil)
	}
	if fn, callable := value.(starlark.Callable); callable {
		value, err = starlark.Call(run.thread, fn, nil, nil)
		if err != nil {
			return nil, run.fail(err)
		}
	}

	dict, ok := value.(*starlark.Dict)
	if !ok {
		return nil, engine.NewValidationError(
			fmt.Sprintf("%s: parameters must be a dict, got %s", filename, value.Type()), nil)
	}
	out := make(map[string]string, dict.Len())
	for _, item := range dict.Items() {
		key, ok := item[0].(starlark.String)
		if !ok {
			return nil, engine.NewValidationError(filename+": parameter names must be strings", nil)
		}
		s, err := parameterString(item[1])
		if err != nil {
			return nil, engine.NewValidationError(fmt.Sprintf("%s: parameter %s: %v", filename, key, err), nil)
		}
		out[string(key)] = s
	}

	zerolog.Ctx(ctx).Debug().
		Str("script", filename).
		Int("parameters", len(out)).
		Dur("duration", time.Since(start)).
		Msg("Parameter script evaluated")
	return out, nil
}

// ParametersFile reads and runs the parameter script at path.
func (se *StarlarkEvaluator) ParametersFile(ctx context.Context, path string, in ScriptInput) (map[string]string, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, engine.NewValidationError("failed to read parameter script", err).WithResource(path)
	}
	return se.Parameters(ctx, path, string(src), in)
}

// scriptRun is one executed script whose thread stays usable until done.
type scriptRun struct {
	se       *StarlarkEvaluator
	parent   context.Context
	evalCtx  context.Context
	filename string
	thread   *starlark.Thread
	globals  starlark.StringDict
	done     func()
}

func (se *StarlarkEvaluator) exec(ctx context.Context, filename, script string, input map[string]interface{}) (*scriptRun, error) {
	if err := ctx.Err(); err != nil {
		return nil, engine.NewCancelledError("script not started", err).WithResource(filename)
	}

	predeclared := starlark.StringDict{
		"struct": starlark.NewBuiltin("struct", starlarkstruct.Make),
	}
	for key, val := range input {
		sv, err := toStarlarkValue(val)
		if err != nil {
			return nil, fmt.Errorf("failed to convert input %s: %w", key, err)
		}
		predeclared[key] = sv
	}

	thread := &starlark.Thread{
		Name:  "stackpilot",
		Print: func(*starlark.Thread, string) {},
		Load: func(_ *starlark.Thread, module string) (starlark.StringDict, error) {
			return nil, fmt.Errorf("load(%q) is not supported", module)
		},
	}
	if se.maxSteps > 0 {
		thread.SetMaxExecutionSteps(se.maxSteps)
	}

	evalCtx, cancel := context.WithTimeout(ctx, se.timeout)
	stop := context.AfterFunc(evalCtx, func() { thread.Cancel(evalCtx.Err().Error()) })
	run := &scriptRun{
		se:       se,
		parent:   ctx,
		evalCtx:  evalCtx,
		filename: filename,
		thread:   thread,
		done: func() {
			stop()
			cancel()
		},
	}

	globals, err := starlark.ExecFile(thread, filename, script, predeclared)
	if err != nil {
		run.done()
		return nil, run.fail(err)
	}
	run.globals = globals
	return run, nil
}

// fail classifies a script error by what stopped it.
func (r *scriptRun) fail(err error) error {
	if ctxErr := r.parent.Err(); ctxErr != nil {
		return engine.NewCancelledError("script cancelled", ctxErr).WithResource(r.filename)
	}
	if errors.Is(r.evalCtx.Err(), context.DeadlineExceeded) {
		return engine.NewTimeoutError(fmt.Sprintf("script exceeded %v", r.se.timeout), err).WithResource(r.filename)
	}
	return engine.NewValidationError("starlark execution failed", err).WithResource(r.filename)
}

// parameterString renders a scalar parameter value the way templates expect it.
func parameterString(v starlark.Value) (string, error) {
	switch val := v.(type) {
	case starlark.String:
		return string(val), nil
	case starlark.Bool:
		return strconv.FormatBool(bool(val)), nil
	case starlark.Int:
		return val.String(), nil
	case starlark.Float:
		return strconv.FormatFloat(float64(val), 'f', -1, 64), nil
	case *starlark.List:
		// Comma-delimited lists are the template convention.
		parts := make([]string, val.Len())
		for i := 0; i < val.Len(); i++ {
			s, err := parameterString(val.Index(i))
			if err != nil {
				return "", err
			}
			parts[i] = s
		}
		return strings.Join(parts, ","), nil
	default:
		return "", fmt.Errorf("unsupported value of type %s", v.Type())
	}
}

// toStarlarkValue converts a Go value to a Starlark value.
func toStarlarkValue(v interface{}) (starlark.Value, error) {
	if v == nil {
		return starlark.None, nil
	}

	switch val := v.(type) {
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case float64:
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case []string:
		list := make([]starlark.Value, len(val))
		for i, s := range val {
			list[i] = starlark.String(s)
		}
		return starlark.NewList(list), nil
	case []interface{}:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			sv, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = sv
		}
		return starlark.NewList(list), nil
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		dict := starlark.NewDict(len(val))
		for _, k := range keys {
			sv, err := toStarlarkValue(val[k])
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), sv); err != nil {
				return nil, err
			}
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}

// fromStarlarkValue converts a Starlark value to a Go value.
func fromStarlarkValue(v starlark.Value) (interface{}, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(val), nil
	case starlark.Int:
		i, ok := val.Int64()
		if !ok {
			return nil, fmt.Errorf("integer too large")
		}
		return i, nil
	case starlark.Float:
		return float64(val), nil
	case starlark.String:
		return string(val), nil
	case starlark.Tuple:
		list := make([]interface{}, len(val))
		for i, item := range val {
			goVal, err := fromStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = goVal
		}
		return list, nil
	case *starlark.List:
		list := make([]interface{}, val.Len())
		for i := 0; i < val.Len(); i++ {
			item, err := fromStarlarkValue(val.Index(i))
			if err != nil {
				return nil, err
			}
			list[i] = item
		}
		return list, nil
	case *starlark.Dict:
		dict := make(map[string]interface{})
		for _, item := range val.Items() {
			key, ok := item[0].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("dict key must be string")
			}
			value, err := fromStarlarkValue(item[1])
			if err != nil {
				return nil, err
			}
			dict[string(key)] = value
		}
		return dict, nil
	case *starlarkstruct.Struct:
		dict := make(map[string]interface{})
		for _, name := range val.AttrNames() {
			attr, err := val.Attr(name)
			if err != nil {
				continue
			}
			value, err := fromStarlarkValue(attr)
			if err != nil {
				return nil, err
			}
			dict[name] = value
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported starlark type: %s", v.Type())
	}
}
