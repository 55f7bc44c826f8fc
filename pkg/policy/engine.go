package policy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/open-policy-agent/opa/v1/storage"
	"github.com/open-policy-agent/opa/v1/storage/inmem"
	"github.com/rs/zerolog"

	"github.com/openfroyo/stackpilot/pkg/engine"
	"github.com/openfroyo/stackpilot/pkg/naming"
)

// Engine evaluates Rego policies over change previews and forced deletes.
// It implements engine.PolicyGate.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	store    storage.Store
	logger   zerolog.Logger
	clock    engine.Clock
	disabled map[string]bool
}

var _ engine.PolicyGate = (*Engine)(nil)

// compiledPolicy represents a compiled Rego policy.
type compiledPolicy struct {
	policy   *Policy
	path     string
	builtin  bool
	deny     rego.PreparedEvalQuery
	warn     rego.PreparedEvalQuery
	compiled time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(e *Engine) { e.logger = logger.With().Str("component", "policy-engine").Logger() }
}

// WithClock sets the clock used for input timestamps.
func WithClock(c engine.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// NewEngine creates a policy engine with the built-in policies compiled
// against cfg. Extra policy paths in cfg are loaded as well.
func NewEngine(ctx context.Context, cfg Config, opts ...Option) (*Engine, error) {
	data, err := json.Marshal(cfg.settings())
	if err != nil {
		return nil, fmt.Errorf("failed to encode policy settings: %w", err)
	}

	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		store:    inmem.NewFromReader(bytes.NewReader(data)),
		logger:   zerolog.Nop(),
		clock:    engine.SystemClock{},
		disabled: make(map[string]bool, len(cfg.Disabled)),
	}
	for _, opt := range opts {
		opt(e)
	}
	for _, name := range cfg.Disabled {
		e.disabled[name] = true
	}

	if err := e.loadBuiltinPolicies(ctx); err != nil {
		return nil, fmt.Errorf("failed to load built-in policies: %w", err)
	}
	if len(cfg.Paths) > 0 {
		if err := e.LoadPolicies(ctx, cfg.Paths); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// ReviewChanges evaluates a computed change preview.
func (e *Engine) ReviewChanges(ctx context.Context, id naming.Identity, preview *engine.ChangePreview) (*engine.PolicyVerdict, error) {
	input := e.input(OperationUpdate, id)
	if preview != nil {
		input.Changes = preview.Changes
	}
	result, err := e.Evaluate(ctx, input)
	if err != nil {
		return nil, err
	}
	return result.Verdict(), nil
}

// ReviewDelete evaluates a forced deletion of the stack.
func (e *Engine) ReviewDelete(ctx context.Context, id naming.Identity, snap *engine.StackSnapshot) (*engine.PolicyVerdict, error) {
	input := e.input(OperationForceDelete, id)
	if snap != nil {
		input.Stack.Status = snap.Status
		input.Resources = snap.Resources
	}
	result, err := e.Evaluate(ctx, input)
	if err != nil {
		return nil, err
	}
	return result.Verdict(), nil
}

func (e *Engine) input(op string, id naming.Identity) *Input {
	return &Input{
		Operation: op,
		Stack: StackInput{
			Name:            id.Name,
			Project:         id.Project,
			Environment:     id.Environment,
			ProjectCode:     id.ProjectCode,
			EnvironmentCode: id.EnvironmentCode,
			Production:      id.IsProduction(),
		},
		Timestamp: e.clock.Now(),
	}
}

// Evaluate runs every enabled policy against input. Any evaluation error
// fails the whole evaluation.
func (e *Engine) Evaluate(ctx context.Context, input *Input) (*Result, error) {
	start := time.Now()
	e.mu.RLock()
	defer e.mu.RUnlock()

	result := &Result{Allowed: true}
	for _, name := range e.names() {
		cp := e.policies[name]
		if !cp.policy.Enabled || e.disabled[name] {
			continue
		}
		result.EvaluatedPolicies = append(result.EvaluatedPolicies, name)

		denies, err := e.collect(ctx, cp, cp.deny, input, cp.policy.Severity)
		if err != nil {
			e.logger.Error().Err(err).Str("policy", name).Str("stack", input.Stack.Name).
				Msg("Policy evaluation failed")
			return nil, engine.NewValidationError("policy "+name+" evaluation failed", err).
				WithResource(input.Stack.Name)
		}
		warns, err := e.collect(ctx, cp, cp.warn, input, SeverityWarning)
		if err != nil {
			return nil, engine.NewValidationError("policy "+name+" evaluation failed", err).
				WithResource(input.Stack.Name)
		}

		result.Violations = append(result.Violations, denies...)
		result.Warnings = append(result.Warnings, warns...)
	}

	for _, v := range result.Violations {
		if v.Severity == SeverityError {
			result.Allowed = false
			break
		}
	}
	result.Duration = time.Since(start)

	e.logger.Debug().
		Str("stack", input.Stack.Name).
		Str("operation", input.Operation).
		Int("violations", len(result.Violations)).
		Int("warnings", len(result.Warnings)).
		Dur("duration", result.Duration).
		Msg("Policy evaluation completed")

	return result, nil
}

func (e *Engine) collect(ctx context.Context, cp *compiledPolicy, q rego.PreparedEvalQuery, input *Input, severity Severity) ([]Violation, error) {
	rs, err := q.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, err
	}
	var out []Violation
	for _, r := range rs {
		if len(r.Expressions) == 0 {
			continue
		}
		set, ok := r.Expressions[0].Value.([]interface{})
		if !ok {
			return nil, fmt.Errorf("%s must be a set, got %T", cp.path, r.Expressions[0].Value)
		}
		for _, item := range set {
			out = append(out, createViolation(cp.policy, item, severity))
		}
	}
	return out, nil
}

// createViolation creates a Violation from a single set element.
func createViolation(policy *Policy, item interface{}, severity Severity) Violation {
	v := Violation{Policy: policy.Name, Severity: severity}
	switch val := item.(type) {
	case string:
		v.Message = val
	case map[string]interface{}:
		if msg, ok := val["message"].(string); ok {
			v.Message = msg
		}
		if sev, ok := val["severity"].(string); ok && severity != SeverityWarning {
			v.Severity = Severity(sev)
		}
		if res, ok := val["resource"].(string); ok {
			v.Resource = res
		}
	default:
		v.Message = fmt.Sprintf("%v", item)
	}
	if v.Severity == "" {
		v.Severity = SeverityError
	}
	return v
}

// LoadPolicies loads and compiles policy files.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	policies, err := NewLoader(e.logger).LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range policies {
		if err := e.compileAndStorePolicy(ctx, &policies[i], false); err != nil {
			return fmt.Errorf("failed to compile policy %s: %w", policies[i].Name, err)
		}
	}

	e.logger.Info().Int("count", len(policies)).Msg("Policies loaded")
	return nil
}

// Replace swaps every loaded policy for policies, keeping the built-ins.
// Nothing changes if any of them fails to compile.
func (e *Engine) Replace(ctx context.Context, policies []Policy) error {
	compiled := make(map[string]*compiledPolicy, len(policies))
	staging := &Engine{policies: compiled, store: e.store, logger: e.logger}
	for i := range policies {
		if e.isBuiltin(policies[i].Name) {
			return fmt.Errorf("policy name %s is reserved", policies[i].Name)
		}
		if err := staging.compileAndStorePolicy(ctx, &policies[i], false); err != nil {
			return fmt.Errorf("failed to compile policy %s: %w", policies[i].Name, err)
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for name, cp := range e.policies {
		if !cp.builtin {
			delete(e.policies, name)
		}
	}
	for name, cp := range compiled {
		e.policies[name] = cp
	}
	return nil
}

// compileAndStorePolicy compiles a policy and stores it.
func (e *Engine) compileAndStorePolicy(ctx context.Context, policy *Policy, builtin bool) error {
	if existing, ok := e.policies[policy.Name]; ok && existing.builtin && !builtin {
		return fmt.Errorf("policy name %s is reserved", policy.Name)
	}

	module, err := ast.ParseModule(policy.Name, policy.Rego)
	if err != nil {
		return fmt.Errorf("failed to parse policy: %w", err)
	}
	path := module.Package.Path.String()
	if strings.HasPrefix(path, "data.stackpilot.settings") {
		return fmt.Errorf("package %s shadows the settings document", path)
	}

	prepare := func(rule string) (rego.PreparedEvalQuery, error) {
		return rego.New(
			rego.Module(policy.Name, policy.Rego),
			rego.Store(e.store),
			rego.Query(path+"."+rule),
		).PrepareForEval(ctx)
	}
	deny, err := prepare("deny")
	if err != nil {
		return fmt.Errorf("failed to prepare query: %w", err)
	}
	warn, err := prepare("warn")
	if err != nil {
		return fmt.Errorf("failed to prepare query: %w", err)
	}
	if policy.Severity == "" {
		policy.Severity = SeverityError
	}

	e.policies[policy.Name] = &compiledPolicy{
		policy:   policy,
		path:     path,
		builtin:  builtin,
		deny:     deny,
		warn:     warn,
		compiled: time.Now(),
	}

	e.logger.Debug().Str("policy", policy.Name).Str("package", path).Msg("Policy compiled")
	return nil
}

// loadBuiltinPolicies loads the built-in policies.
func (e *Engine) loadBuiltinPolicies(ctx context.Context) error {
	builtins := GetBuiltinPolicies()
	for i := range builtins {
		if err := e.compileAndStorePolicy(ctx, &builtins[i], true); err != nil {
			return fmt.Errorf("failed to compile built-in policy %s: %w", builtins[i].Name, err)
		}
	}
	e.logger.Debug().Int("count", len(builtins)).Msg("Built-in policies loaded")
	return nil
}

func (e *Engine) isBuiltin(name string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	cp, ok := e.policies[name]
	return ok && cp.builtin
}

// names returns policy names in evaluation order. Callers hold mu.
func (e *Engine) names() []string {
	names := make([]string, 0, len(e.policies))
	for name := range e.policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, exists := e.policies[name]
	if !exists {
		return nil, engine.NewNotFoundError("policy not found: "+name, nil)
	}
	return cp.policy, nil
}

// ListPolicies returns all loaded policies sorted by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.policies))
	for _, name := range e.names() {
		p := *e.policies[name].policy
		p.Enabled = p.Enabled && !e.disabled[name]
		policies = append(policies, p)
	}
	return policies
}

// EnablePolicy enables a policy by name.
func (e *Engine) EnablePolicy(name string) error {
	return e.setEnabled(name, true)
}

// DisablePolicy disables a policy by name.
func (e *Engine) DisablePolicy(name string) error {
	return e.setEnabled(name, false)
}

func (e *Engine) setEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.policies[name]; !exists {
		return engine.NewNotFoundError("policy not found: "+name, nil)
	}
	e.disabled[name] = !enabled
	e.policies[name].policy.Enabled = enabled
	e.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("Policy toggled")
	return nil
}
