package config

import (
	"fmt"
	"os"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"
	"gopkg.in/yaml.v3"
)

// CUEParser turns configuration sources into CUE values checked against
// the #Config schema. YAML sources are encoded into CUE first so both
// formats share one set of constraints.
type CUEParser struct {
	registry *SchemaRegistry
}

// NewCUEParser creates a new CUE parser.
func NewCUEParser() *CUEParser {
	return &CUEParser{registry: NewSchemaRegistry()}
}

// GetSchemaRegistry returns the schema registry.
func (cp *CUEParser) GetSchemaRegistry() *SchemaRegistry {
	return cp.registry
}

// ParseFile parses a .cue, .yaml or .yml file and checks it against #Config.
func (cp *CUEParser) ParseFile(path string) (cue.Value, []ValidationError) {
	content, err := os.ReadFile(path)
	if err != nil {
		return cue.Value{}, []ValidationError{{File: path, Message: fmt.Sprintf("failed to read file: %v", err)}}
	}

	var val cue.Value
	var errs []ValidationError
	switch format(path) {
	case formatCUE:
		val, errs = cp.compile(path, content)
	case formatYAML:
		val, errs = cp.encodeYAML(path, content)
	default:
		return cue.Value{}, []ValidationError{{File: path, Message: "unsupported configuration format"}}
	}
	if len(errs) > 0 {
		return cue.Value{}, errs
	}
	return cp.check(val)
}

// ParseDirectory loads a directory as one CUE package and checks it against #Config.
func (cp *CUEParser) ParseDirectory(dir string) (cue.Value, []string, []ValidationError) {
	instances := load.Instances([]string{dir}, nil)
	if len(instances) == 0 {
		return cue.Value{}, nil, []ValidationError{{File: dir, Message: "no CUE files found"}}
	}

	inst := instances[0]
	if inst.Err != nil {
		return cue.Value{}, nil, cp.convertCUEErrors(inst.Err)
	}

	val := cp.registry.Context().BuildInstance(inst)
	if err := val.Err(); err != nil {
		return cue.Value{}, nil, cp.convertCUEErrors(err)
	}

	var files []string
	for _, file := range inst.Files {
		if file.Filename != "" {
			files = append(files, file.Filename)
		}
	}

	checked, errs := cp.check(val)
	return checked, files, errs
}

// ParseInline parses inline CUE content.
func (cp *CUEParser) ParseInline(content string) (cue.Value, []ValidationError) {
	val, errs := cp.compile("inline", []byte(content))
	if len(errs) > 0 {
		return cue.Value{}, errs
	}
	return cp.check(val)
}

func (cp *CUEParser) compile(path string, content []byte) (cue.Value, []ValidationError) {
	val := cp.registry.Context().CompileBytes(content, cue.Filename(path))
	if err := val.Err(); err != nil {
		return cue.Value{}, cp.convertCUEErrors(err)
	}
	return val, nil
}

func (cp *CUEParser) encodeYAML(path string, content []byte) (cue.Value, []ValidationError) {
	var doc map[string]interface{}
	if err := yaml.Unmarshal(content, &doc); err != nil {
		return cue.Value{}, []ValidationError{yamlError(path, err)}
	}
	if doc == nil {
		return cue.Value{}, []ValidationError{{File: path, Message: "configuration is empty"}}
	}
	val := cp.registry.Context().Encode(doc)
	if err := val.Err(); err != nil {
		return cue.Value{}, cp.convertCUEErrors(err)
	}
	return val, nil
}

func (cp *CUEParser) check(val cue.Value) (cue.Value, []ValidationError) {
	checked, err := cp.registry.Check("config", val)
	if err != nil {
		return cue.Value{}, cp.convertCUEErrors(err)
	}
	return checked, nil
}

// convertCUEErrors converts CUE errors to a ValidationError slice.
func (cp *CUEParser) convertCUEErrors(err error) []ValidationError {
	var out []ValidationError
	for _, e := range errors.Errors(err) {
		ve := ValidationError{Message: errors.Details(e, nil)}
		if path := e.Path(); len(path) > 0 {
			ve.Path = strings.Join(path, ".")
		}
		if pos := errors.Positions(e); len(pos) > 0 {
			ve.File = pos[0].Filename()
			ve.Line = pos[0].Line()
			ve.Column = pos[0].Column()
		}
		out = append(out, ve)
	}
	if len(out) == 0 {
		out = append(out, ValidationError{Message: err.Error()})
	}
	return out
}

func yamlError(path string, err error) ValidationError {
	ve := ValidationError{File: path, Message: err.Error()}
	var te *yaml.TypeError
	if errors.As(err, &te) && len(te.Errors) > 0 {
		ve.Message = te.Errors[0]
	}
	return ve
}
