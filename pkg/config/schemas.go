package config

import (
	"fmt"
	"sort"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// SchemaRegistry manages CUE schemas for validation. Each schema is a
// definition looked up by name in its compiled source.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a new schema registry with the built-in schemas.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}
	if err := sr.RegisterSchema("config", "#Config", builtinConfigSchema); err != nil {
		panic(err)
	}
	if err := sr.RegisterSchema("environment", "#Environment", builtinConfigSchema); err != nil {
		panic(err)
	}
	return sr
}

// Context returns the CUE context values must be built with to be checked.
func (sr *SchemaRegistry) Context() *cue.Context {
	return sr.ctx
}

// RegisterSchema compiles source and registers its definition under name.
func (sr *SchemaRegistry) RegisterSchema(name, definition, source string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(source, cue.Filename(name+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}
	def := val.LookupPath(cue.ParsePath(definition))
	if !def.Exists() {
		return fmt.Errorf("schema %s does not define %s", name, definition)
	}

	sr.schemas[name] = def
	return nil
}

// GetSchema retrieves a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// Check unifies v with a named schema and requires the result to be concrete.
func (sr *SchemaRegistry) Check(schemaName string, v cue.Value) (cue.Value, error) {
	schema, ok := sr.GetSchema(schemaName)
	if !ok {
		return cue.Value{}, fmt.Errorf("schema %s not found", schemaName)
	}
	unified := schema.Unify(v)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return cue.Value{}, err
	}
	return unified, nil
}

// ValidateAgainstSchema validates Go data against a named schema.
func (sr *SchemaRegistry) ValidateAgainstSchema(schemaName string, data interface{}) error {
	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}
	if _, err := sr.Check(schemaName, dataVal); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}

// ListSchemas returns all registered schema names, sorted.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// builtinConfigSchema mirrors Config. Definitions are closed, so unknown
// keys are rejected everywhere except under telemetry.
const builtinConfigSchema = `
#Name:     =~"^[a-z0-9][a-z0-9-]*$"
#Duration: =~"^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$"
#Scalar:   string | number | bool

#Backoff: {
	initial?:    #Duration
	max?:        #Duration
	multiplier?: number & >=1
	jitter?:     number & >=0 & <=1
}

#Environment: {
	parameters?: {[string]: #Scalar}
	tags?: {[string]: string}
	region?:  string
	profile?: string
}

#Config: {
	project: #Name
	project_codes?: {[string]: =~"^[a-z0-9]{3}$"}
	template:          string & !=""
	parameters?:       {[string]: #Scalar}
	parameter_script?: string
	environments: {[#Name]: #Environment}

	deploy?: {
		max_recovery_attempts?: int & >=1 & <=10
		attempt_timeout?:       #Duration
		change_set_timeout?:    #Duration
		poll_backoff?:          #Backoff
		retry_backoff?:         #Backoff
		capabilities?: [...("CAPABILITY_IAM" | "CAPABILITY_NAMED_IAM" | "CAPABILITY_AUTO_EXPAND")]
		tags?: {[string]: string}
	}

	buckets?: {
		max_objects?:    int & >=0
		max_size_bytes?: int & >=0
	}

	aws?: {
		region?:              string
		profile?:             string
		requests_per_second?: number & >=0
		burst?:               int & >=0
		max_attempts?:        int & >=0 & <=20
		event_pages?:         int & >=0
	}

	journal?: {
		path?:              string & !=""
		max_open_conns?:    int & >=0
		max_idle_conns?:    int & >=0
		conn_max_lifetime?: #Duration
	}

	policy?: {
		paths?: [...string]
		disabled?: [...string]
		stateful_types?: [...string]
		max_removals?:                  int & >=0
		allow_force_delete_production?: bool
	}

	telemetry?: {...}

	dev?: {
		environment?: #Name
		debounce?:    #Duration
		watch?: [...string]
	}
}
`
